// SPDX-License-Identifier: GPL-3.0-or-later

package wiretrace

import (
	"encoding/base64"
	"encoding/json"
	"unicode/utf8"
)

// MaybeUtf8 is a scalar holding either a UTF-8 string or arbitrary bytes.
//
// Plans and outputs use this type wherever on-wire byte sequences must
// be preserved exactly (methods, header names and values, bodies). The
// JSON encoding is distinguishable: valid UTF-8 serializes as a plain
// string, anything else as {"base64": "..."}. Both forms round-trip to
// the same bytes.
type MaybeUtf8 []byte

// String returns the bytes unchanged as a Go string, including
// non-UTF-8 content.
func (m MaybeUtf8) String() string {
	return string(m)
}

// IsEmpty reports whether the scalar holds no bytes.
func (m MaybeUtf8) IsEmpty() bool {
	return len(m) == 0
}

// maybeUtf8Wire is the object form used for non-UTF-8 content.
type maybeUtf8Wire struct {
	Base64 string `json:"base64"`
}

// MarshalJSON implements [json.Marshaler].
func (m MaybeUtf8) MarshalJSON() ([]byte, error) {
	if utf8.Valid(m) {
		return json.Marshal(string(m))
	}
	return json.Marshal(maybeUtf8Wire{Base64: base64.StdEncoding.EncodeToString(m)})
}

// UnmarshalJSON implements [json.Unmarshaler].
func (m *MaybeUtf8) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*m = MaybeUtf8(s)
		return nil
	}
	var wire maybeUtf8Wire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	raw, err := base64.StdEncoding.DecodeString(wire.Base64)
	if err != nil {
		return err
	}
	*m = MaybeUtf8(raw)
	return nil
}
