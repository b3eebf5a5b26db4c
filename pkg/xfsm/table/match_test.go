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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/packet"
	pkttesting "antrea.io/xfsm/pkg/xfsm/packet/testing"
)

func TestMatchString(t *testing.T) {
	tests := []struct {
		name     string
		match    Match
		expected string
	}{
		{
			name:     "empty",
			match:    Match{},
			expected: "*",
		},
		{
			name:     "fields are sorted",
			match:    Match{}.WithField(fields.IPv4Src, 0x0a000001).WithField(fields.EthType, 0x0800),
			expected: "eth_type=0x0800,ipv4_src=10.0.0.1",
		},
		{
			name:     "state and conditions",
			match:    Match{}.WithCondition(3, false).WithState(2).WithCondition(0, true),
			expected: "state=2,condition0=1,condition3=0",
		},
		{
			name:     "masked field",
			match:    Match{Fields: []FieldMatch{{Field: fields.IPv4Src, Value: 0x0a0000ff, Mask: 0xffffff00}}},
			expected: "ipv4_src=10.0.0.0/0xffffff00",
		},
		{
			name:     "values outside the condition mask are ignored",
			match:    Match{ConditionMask: 0x01, ConditionValues: 0x03},
			expected: "condition0=1",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.match.String())
		})
	}
}

func TestMatchMatches(t *testing.T) {
	ipFrame := pkttesting.Build(pkttesting.Frame{SrcMAC: pkttesting.MAC(1), SrcIP: "10.0.0.1", DstIP: "10.0.0.2"})
	arpFrame := pkttesting.Build(pkttesting.Frame{SrcMAC: pkttesting.MAC(1)})
	bits := condition.Bits{Values: 0b01, Configured: 0b11}

	tests := []struct {
		name     string
		match    Match
		frame    []byte
		state    uint32
		expected bool
	}{
		{name: "empty match", match: Match{}, frame: arpFrame, expected: true},
		{name: "field equal", match: Match{}.WithField(fields.EthType, 0x0800), frame: ipFrame, expected: true},
		{name: "field differs", match: Match{}.WithField(fields.EthType, 0x0800), frame: arpFrame, expected: false},
		{name: "absent field never matches", match: Match{}.WithField(fields.IPv4Src, 0), frame: arpFrame, expected: false},
		{name: "masked field", match: Match{Fields: []FieldMatch{{Field: fields.IPv4Src, Value: 0x0a000000, Mask: 0xff000000}}}, frame: ipFrame, expected: true},
		{name: "state equal", match: Match{}.WithState(1), frame: arpFrame, state: 1, expected: true},
		{name: "state differs", match: Match{}.WithState(1), frame: arpFrame, state: 0, expected: false},
		{name: "state 0 is matched explicitly", match: Match{}.WithState(0), frame: arpFrame, state: 0, expected: true},
		{name: "conditions equal", match: Match{}.WithCondition(0, true).WithCondition(1, false), frame: arpFrame, expected: true},
		{name: "condition differs", match: Match{}.WithCondition(1, true), frame: arpFrame, expected: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := packet.Decode(&packet.Packet{InPort: 1, Data: tt.frame}, time.Time{})
			defer packet.Release(h)
			m := tt.match.normalize()
			assert.Equal(t, tt.expected, m.matches(h, tt.state, bits))
		})
	}
}

func TestMatchValidate(t *testing.T) {
	var conds condition.Set
	assert.NoError(t, conds.Configure(0, condition.Condition{Operator: condition.GT}))

	assert.NoError(t, Match{}.WithCondition(0, true).validate(&conds))
	assert.ErrorContains(t, Match{}.WithCondition(2, true).validate(&conds), "condition 2")
	assert.ErrorContains(t, Match{}.WithCondition(condition.MaxConditions, true).validate(&conds), "condition 8 outside")
	assert.ErrorContains(t, Match{}.WithCondition(-1, false).validate(&conds), "condition -1 outside")
	assert.ErrorContains(t, Match{}.WithCondition(0, true).WithCondition(9, false).validate(&conds), "condition 9 outside")
	assert.ErrorContains(t, Match{}.WithField(fields.EthType, 0x10000).validate(&conds), "overflows")
	assert.ErrorContains(t, Match{}.WithField(fields.InPort, 1).WithField(fields.InPort, 2).validate(&conds), "more than once")
	assert.Error(t, Match{}.WithField(fields.Field(7), 1).validate(&conds))
}
