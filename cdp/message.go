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

package cdp

import (
	"fmt"
	"math"

	cdpbrowser "github.com/chromedp/cdproto/browser"
	"github.com/mailru/easyjson"
	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
	"gopkg.in/guregu/null.v3"
)

// VersionRequestID is the message ID of the Browser.getVersion request. It
// is the only request a probe sends, so no other ID is ever in flight.
const VersionRequestID int64 = 0

var (
	_ easyjson.Marshaler   = VersionRequest{}
	_ easyjson.Unmarshaler = &VersionResponse{}
	_ easyjson.Unmarshaler = &VersionResult{}
)

// VersionRequest is the Browser.getVersion command. cdproto.Message can't
// carry it since it omits a zero message ID.
type VersionRequest struct {
	ID int64
}

// MarshalEasyJSON encodes the request as
// {"id":<ID>,"method":"Browser.getVersion","params":{}}.
func (r VersionRequest) MarshalEasyJSON(out *jwriter.Writer) {
	out.RawString(`{"id":`)
	out.Int64(r.ID)
	out.RawString(`,"method":`)
	out.String(cdpbrowser.CommandGetVersion)
	out.RawString(`,"params":{}}`)
}

// MarshalJSON supports json.Marshaler interface.
func (r VersionRequest) MarshalJSON() ([]byte, error) {
	w := jwriter.Writer{}
	r.MarshalEasyJSON(&w)
	return w.Buffer.BuildBytes(), w.Error
}

// VersionResponse is an inbound message read while waiting for the answer to
// a VersionRequest. Every field is optional: a browser may send events or
// partial answers, so absent and empty values are kept apart.
type VersionResponse struct {
	ID     null.Int
	Result *VersionResult
}

// VersionResult is the result object of a Browser.getVersion answer.
type VersionResult struct {
	// Product is in the form <name>/<major>.0.<minor>.0, e.g. Edg/96.0.1054.43.
	Product  null.String
	Revision null.String
}

// DecodeVersionResponse decodes a single inbound frame. It fails only when
// buf is not a JSON object; fields of an unexpected type decode as absent.
func DecodeVersionResponse(buf []byte) (*VersionResponse, error) {
	var resp VersionResponse
	if err := easyjson.Unmarshal(buf, &resp); err != nil {
		return nil, fmt.Errorf("decoding CDP message: %w", err)
	}
	return &resp, nil
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (r *VersionResponse) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeString()
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "id":
			r.ID = decodeInt(in)
		case "result":
			if in.IsDelim('{') {
				r.Result = new(VersionResult)
				r.Result.UnmarshalEasyJSON(in)
			} else {
				in.SkipRecursive()
			}
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (r *VersionResponse) UnmarshalJSON(data []byte) error {
	in := jlexer.Lexer{Data: data}
	r.UnmarshalEasyJSON(&in)
	return in.Error()
}

// UnmarshalEasyJSON supports easyjson.Unmarshaler interface.
func (r *VersionResult) UnmarshalEasyJSON(in *jlexer.Lexer) {
	isTopLevel := in.IsStart()
	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.UnsafeString()
		in.WantColon()
		if in.IsNull() {
			in.Skip()
			in.WantComma()
			continue
		}
		switch key {
		case "product":
			r.Product = decodeString(in)
		case "revision":
			r.Revision = decodeString(in)
		default:
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim('}')
	if isTopLevel {
		in.Consumed()
	}
}

// UnmarshalJSON supports json.Unmarshaler interface.
func (r *VersionResult) UnmarshalJSON(data []byte) error {
	in := jlexer.Lexer{Data: data}
	r.UnmarshalEasyJSON(&in)
	return in.Error()
}

// decodeInt reads any JSON value and keeps it only if it is an integral
// number.
func decodeInt(in *jlexer.Lexer) null.Int {
	f, ok := in.Interface().(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return null.Int{}
	}
	return null.IntFrom(int64(f))
}

// decodeString reads any JSON value and keeps it only if it is a string.
func decodeString(in *jlexer.Lexer) null.String {
	s, ok := in.Interface().(string)
	if !ok {
		return null.String{}
	}
	return null.StringFrom(s)
}
