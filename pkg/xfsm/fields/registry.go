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

package fields

import (
	"fmt"

	"antrea.io/xfsm/pkg/xfsm/packet"
)

// MaxExtractors is the number of header-field extractor slots per table.
const MaxExtractors = 8

// Registry maps extractor ids to the header fields they extract. The zero
// value is an empty registry. A Registry is a value type: copies are
// independent, which lets table snapshots own theirs.
type Registry struct {
	fields [MaxExtractors]Field
	set    uint8
}

// Register stores the extraction rule for id, replacing any previous rule.
func (r *Registry) Register(id int, f Field) error {
	if id < 0 || id >= MaxExtractors {
		return fmt.Errorf("header field extractor id %d out of range [0, %d)", id, MaxExtractors)
	}
	if !f.Supported() {
		return fmt.Errorf("unsupported header field %s", f)
	}
	r.fields[id] = f
	r.set |= 1 << uint(id)
	return nil
}

// Lookup returns the field registered under id.
func (r *Registry) Lookup(id int) (Field, bool) {
	if id < 0 || id >= MaxExtractors || r.set&(1<<uint(id)) == 0 {
		return 0, false
	}
	return r.fields[id], true
}

// Len returns the number of registered extractors.
func (r *Registry) Len() int {
	n := 0
	for s := r.set; s != 0; s &= s - 1 {
		n++
	}
	return n
}

// ExtractAll extracts every registered field of h into out, indexed by
// extractor id. Unregistered ids and absent fields yield 0. The returned mask
// has bit i set when out[i] holds a value actually present in the packet.
func (r *Registry) ExtractAll(h *packet.Headers, out *[MaxExtractors]int64) (validMask uint8) {
	for id := 0; id < MaxExtractors; id++ {
		out[id] = 0
		if r.set&(1<<uint(id)) == 0 {
			continue
		}
		v := Extract(r.fields[id], h)
		out[id] = int64(v.V)
		if v.Valid {
			validMask |= 1 << uint(id)
		}
	}
	return validMask
}

// Each calls fn for every registered extractor in id order.
func (r *Registry) Each(fn func(id int, f Field)) {
	for id := 0; id < MaxExtractors; id++ {
		if r.set&(1<<uint(id)) != 0 {
			fn(id, r.fields[id])
		}
	}
}
