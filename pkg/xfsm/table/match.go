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

package table

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/packet"
)

// FieldMatch matches a packet field against a value. Mask selects the bits
// that are compared; a zero Mask compares the whole field.
type FieldMatch struct {
	Field fields.Field
	Value uint64
	Mask  uint64
}

func (m FieldMatch) mask() uint64 {
	if m.Mask == 0 {
		return ^uint64(0)
	}
	return m.Mask
}

func (m FieldMatch) String() string {
	s := m.Field.String() + "=" + fields.FormatValue(m.Field, m.Value)
	if m.Mask != 0 {
		s += "/0x" + strconv.FormatUint(m.Mask, 16)
	}
	return s
}

// Match is the match part of a flow entry: packet field equality, optionally
// the current flow state, and optionally the values of some conditions. A
// zero Match matches every packet.
type Match struct {
	Fields []FieldMatch
	// State is only compared when MatchState is true.
	State      uint32
	MatchState bool
	// ConditionMask selects the conditions whose result must equal the
	// corresponding bit of ConditionValues.
	ConditionMask   uint8
	ConditionValues uint8

	// badConditions holds ids passed to WithCondition that do not fit in
	// the condition mask, so that validate can reject the match.
	badConditions []int
}

// WithField returns a copy of m that also matches f exactly.
func (m Match) WithField(f fields.Field, value uint64) Match {
	m.Fields = append(append([]FieldMatch(nil), m.Fields...), FieldMatch{Field: f, Value: value})
	return m
}

// WithState returns a copy of m that also matches the flow state.
func (m Match) WithState(st uint32) Match {
	m.State = st
	m.MatchState = true
	return m
}

// WithCondition returns a copy of m that also requires condition id to
// evaluate to value.
func (m Match) WithCondition(id int, value bool) Match {
	if id < 0 || id >= condition.MaxConditions {
		m.badConditions = append(append([]int(nil), m.badConditions...), id)
		return m
	}
	bit := uint8(1) << uint(id)
	m.ConditionMask |= bit
	if value {
		m.ConditionValues |= bit
	} else {
		m.ConditionValues &^= bit
	}
	return m
}

// normalize sorts the field matches and clears condition values outside the
// mask so that equal matches have equal string forms.
func (m Match) normalize() Match {
	fs := append([]FieldMatch(nil), m.Fields...)
	sort.SliceStable(fs, func(i, j int) bool { return fs[i].Field < fs[j].Field })
	for i := range fs {
		fs[i].Value &= fs[i].mask()
	}
	m.Fields = fs
	m.ConditionValues &= m.ConditionMask
	if !m.MatchState {
		m.State = 0
	}
	return m
}

func (m Match) validate(conditions *condition.Set) error {
	if len(m.badConditions) > 0 {
		return fmt.Errorf("match references condition %d outside [0, %d)", m.badConditions[0], condition.MaxConditions)
	}
	seen := make(map[fields.Field]bool, len(m.Fields))
	for _, fm := range m.Fields {
		if !fm.Field.Supported() {
			return fmt.Errorf("match on unsupported field %s", fm.Field)
		}
		if seen[fm.Field] {
			return fmt.Errorf("field %s is matched more than once", fm.Field)
		}
		seen[fm.Field] = true
		if w := fm.Field.Width(); w < 8 && fm.Value>>(uint(w)*8) != 0 {
			return fmt.Errorf("match value %d overflows field %s", fm.Value, fm.Field)
		}
	}
	if missing := m.ConditionMask &^ conditions.Configured(); missing != 0 {
		for id := 0; id < condition.MaxConditions; id++ {
			if missing&(1<<uint(id)) != 0 {
				return fmt.Errorf("match references condition %d which is not configured", id)
			}
		}
	}
	return nil
}

// matches reports whether a packet with headers h, flow state st and
// condition results bits satisfies m. A field absent from the packet never
// matches.
func (m *Match) matches(h *packet.Headers, st uint32, bits condition.Bits) bool {
	if m.MatchState && m.State != st {
		return false
	}
	if !bits.Matches(m.ConditionMask, m.ConditionValues) {
		return false
	}
	for i := range m.Fields {
		fm := &m.Fields[i]
		v := fields.Extract(fm.Field, h)
		if !v.Valid {
			return false
		}
		mask := fm.mask()
		if v.V&mask != fm.Value&mask {
			return false
		}
	}
	return true
}

// String returns the canonical form of m, e.g.
// "eth_type=0x0800,state=1,condition0=1".
func (m Match) String() string {
	m = m.normalize()
	parts := make([]string, 0, len(m.Fields)+1+condition.MaxConditions)
	for _, fm := range m.Fields {
		parts = append(parts, fm.String())
	}
	if m.MatchState {
		parts = append(parts, "state="+strconv.FormatUint(uint64(m.State), 10))
	}
	for id := 0; id < condition.MaxConditions; id++ {
		bit := uint8(1) << uint(id)
		if m.ConditionMask&bit == 0 {
			continue
		}
		v := 0
		if m.ConditionValues&bit != 0 {
			v = 1
		}
		parts = append(parts, fmt.Sprintf("condition%d=%d", id, v))
	}
	if len(parts) == 0 {
		return "*"
	}
	return strings.Join(parts, ",")
}
