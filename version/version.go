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

// Package version parses and orders the version numbers reported by
// Chromium-based browsers.
package version

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Version holds the comparable fields of a browser version number. Browsers
// report versions as <major>.0.<minor>.0, so the second and fourth fields
// are not kept.
type Version struct {
	Major int
	Minor int
}

// MinSupported is the oldest browser version the probe reports as supported.
var MinSupported = Version{Major: 94, Minor: 975}

// Parse parses a dotted version number such as "96.0.1054.43". Only the
// first and third fields are read; both must be base-10 integers.
func Parse(s string) (Version, error) {
	fields := strings.Split(s, ".")
	if len(fields) < 3 {
		return Version{}, errors.Errorf("version %q: want <major>.0.<minor>.0", s)
	}
	major, err := strconv.Atoi(fields[0])
	if err != nil {
		return Version{}, errors.Wrapf(err, "version %q: parsing major", s)
	}
	minor, err := strconv.Atoi(fields[2])
	if err != nil {
		return Version{}, errors.Wrapf(err, "version %q: parsing minor", s)
	}

	return Version{Major: major, Minor: minor}, nil
}

// FromProduct parses the version number of a product string such as
// "Edg/96.0.1054.43" or "HeadlessEdg/94.0.975.0". The product name before
// the first slash is not validated.
func FromProduct(product string) (Version, error) {
	i := strings.Index(product, "/")
	if i < 0 {
		return Version{}, errors.Errorf("product %q: missing version number", product)
	}
	v, err := Parse(product[i+1:])
	if err != nil {
		return Version{}, errors.Wrapf(err, "product %q", product)
	}

	return v, nil
}

// AtLeast reports whether v is the same as or newer than min. The major
// version decides on its own; the minor version is only compared when the
// majors are equal.
func (v Version) AtLeast(min Version) bool {
	if v.Major != min.Major {
		return v.Major > min.Major
	}
	return v.Minor >= min.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.0.%d.0", v.Major, v.Minor)
}

// Set implements pflag.Value.
func (v *Version) Set(s string) error {
	pv, err := Parse(s)
	if err != nil {
		return err
	}
	*v = pv
	return nil
}

// Type implements pflag.Value.
func (v *Version) Type() string {
	return "version"
}

// Decode implements envconfig.Decoder.
func (v *Version) Decode(s string) error {
	return v.Set(s)
}
