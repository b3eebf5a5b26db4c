// Copyright 2024 Antrea Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package state

import (
	"encoding/hex"
	"fmt"
	"strings"

	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/packet"
)

// maxKeyLength bounds the encoded size of a key built by a KeyExtractor.
const maxKeyLength = 64

// Key is the ordered tuple of field values identifying a flow, encoded as the
// big-endian concatenation of each value on its field width. The empty Key
// identifies no flow.
type Key string

// KeyExtractor computes flow keys from an ordered list of fields.
type KeyExtractor struct {
	fields []fields.Field
}

func NewKeyExtractor(fs []fields.Field) (KeyExtractor, error) {
	if len(fs) == 0 {
		return KeyExtractor{}, fmt.Errorf("key extractor needs at least one field")
	}
	width := 0
	for _, f := range fs {
		if !f.Supported() {
			return KeyExtractor{}, fmt.Errorf("unsupported key field %s", f)
		}
		width += f.Width()
	}
	if width > maxKeyLength {
		return KeyExtractor{}, fmt.Errorf("key fields are %d bytes wide, maximum is %d", width, maxKeyLength)
	}
	return KeyExtractor{fields: append([]fields.Field(nil), fs...)}, nil
}

// Fields returns a copy of the key fields.
func (e KeyExtractor) Fields() []fields.Field {
	return append([]fields.Field(nil), e.fields...)
}

func (e KeyExtractor) IsZero() bool {
	return len(e.fields) == 0
}

// Compatible reports whether keys built by e and o can address the same
// records: both must have the same number of fields with the same widths.
// This is what lets an update extractor swap source and destination fields.
func (e KeyExtractor) Compatible(o KeyExtractor) bool {
	if len(e.fields) != len(o.fields) {
		return false
	}
	for i := range e.fields {
		if e.fields[i].Width() != o.fields[i].Width() {
			return false
		}
	}
	return true
}

// Key builds the key of h. ok is false when one of the fields is absent from
// the packet; such packets have no flow state.
func (e KeyExtractor) Key(h *packet.Headers) (Key, bool) {
	if len(e.fields) == 0 {
		return "", false
	}
	var buf [maxKeyLength]byte
	n := 0
	for _, f := range e.fields {
		v := fields.Extract(f, h)
		if !v.Valid {
			return "", false
		}
		n += putValue(buf[n:], v.V, f.Width())
	}
	return Key(buf[:n]), true
}

// KeyFromValues builds the key of the given field values, as produced by
// fields.ParseValue. It is used to address records from the control plane.
func (e KeyExtractor) KeyFromValues(values []uint64) (Key, error) {
	if len(values) != len(e.fields) {
		return "", fmt.Errorf("expected %d key values, got %d", len(e.fields), len(values))
	}
	var buf [maxKeyLength]byte
	n := 0
	for i, f := range e.fields {
		n += putValue(buf[n:], values[i], f.Width())
	}
	return Key(buf[:n]), nil
}

// Format renders k as "field=value" pairs using the fields of e.
func (e KeyExtractor) Format(k Key) string {
	width := 0
	for _, f := range e.fields {
		width += f.Width()
	}
	if width != len(k) || width == 0 {
		return hex.EncodeToString([]byte(k))
	}
	parts := make([]string, 0, len(e.fields))
	off := 0
	for _, f := range e.fields {
		w := f.Width()
		var v uint64
		for _, b := range []byte(k[off : off+w]) {
			v = v<<8 | uint64(b)
		}
		off += w
		parts = append(parts, f.String()+"="+fields.FormatValue(f, v))
	}
	return strings.Join(parts, ",")
}

func putValue(dst []byte, v uint64, width int) int {
	for i := width - 1; i >= 0; i-- {
		dst[i] = byte(v)
		v >>= 8
	}
	return width
}
