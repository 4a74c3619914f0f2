/*
 *
 * cdp-version-probe - browser version detection over the Chrome DevTools Protocol
 * Copyright (C) 2021 Load Impact
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as
 * published by the Free Software Foundation, either version 3 of the
 * License, or (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package probe

import (
	"gopkg.in/guregu/null.v3"

	"github.com/grafana/cdp-version-probe/cdp"
	"github.com/grafana/cdp-version-probe/version"
)

// Revision returns the build revision reported in resp if resp answers the
// version request and the browser is at least min. It returns an empty
// string for unsupported browsers and for answers it can't make sense of.
func Revision(resp *cdp.VersionResponse, min version.Version) string {
	if resp == nil || !resp.ID.Valid || resp.ID.Int64 != cdp.VersionRequestID || resp.Result == nil {
		return ""
	}
	product, revision := stringOrEmpty(resp.Result.Product), stringOrEmpty(resp.Result.Revision)
	if product == "" && revision == "" {
		return ""
	}

	v, err := version.FromProduct(product)
	if err != nil || !v.AtLeast(min) {
		return ""
	}

	return revision
}

func stringOrEmpty(s null.String) string {
	if !s.Valid {
		return ""
	}
	return s.String
}
