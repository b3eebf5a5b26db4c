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

package opcode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antrea.io/xfsm/pkg/xfsm/operand"
)

func TestArithmetic(t *testing.T) {
	tests := []struct {
		opcode   Opcode
		a, b     int64
		expected int64
	}{
		{SUM, 3, 4, 7},
		{SUB, 3, 4, -1},
		{MUL, 3, -4, -12},
		{DIV, 9, 4, 2},
		{MIN, 3, 4, 3},
		{MAX, 3, 4, 4},
	}
	for _, tt := range tests {
		t.Run(tt.opcode.String(), func(t *testing.T) {
			env := &operand.Env{FlowData: make([]int64, 2)}
			u := Update{Opcode: tt.opcode, Output: 1, Operand1: operand.Constant(tt.a), Operand2: operand.Constant(tt.b)}
			require.NoError(t, u.Apply(env))
			assert.Equal(t, tt.expected, env.FlowData[1])
		})
	}
}

func TestDivideByZero(t *testing.T) {
	env := &operand.Env{FlowData: []int64{7}}
	u := Update{Opcode: DIV, Output: 0, Operand1: operand.Constant(1), Operand2: operand.Constant(0)}
	assert.ErrorIs(t, u.Apply(env), ErrDivideByZero)
	assert.Equal(t, int64(7), env.FlowData[0])
}

// Packet lengths of 10 pings of 100 bytes payload followed by 10 pings of
// 200 bytes payload average to ~192 bytes.
func TestAverageCalibration(t *testing.T) {
	env := &operand.Env{HeaderFields: make([]int64, 2), FlowData: make([]int64, 4)}
	u := Update{Opcode: AVG, Output: 0, Operand1: operand.HeaderField(1), Operand2: operand.FlowData(1), Scale: DefaultScale}
	for i := 0; i < 20; i++ {
		env.HeaderFields[1] = 142
		if i >= 10 {
			env.HeaderFields[1] = 242
		}
		require.NoError(t, u.Apply(env))
	}
	assert.Equal(t, int64(20), env.FlowData[0])
	assert.InDelta(t, 192000, env.FlowData[1], 5)
}

func TestAverageFirstSample(t *testing.T) {
	env := &operand.Env{FlowData: make([]int64, 2)}
	u := Update{Opcode: AVG, Output: 0, Operand1: operand.Constant(142), Operand2: operand.FlowData(1), Scale: 1}
	require.NoError(t, u.Apply(env))
	assert.Equal(t, []int64{1, 142}, env.FlowData)
}

func TestVariance(t *testing.T) {
	env := &operand.Env{HeaderFields: make([]int64, 1), FlowData: make([]int64, 3)}
	u := Update{Opcode: VAR, Output: 0, Operand1: operand.HeaderField(0), Operand2: operand.FlowData(1), Operand3: operand.FlowData(2), Scale: DefaultScale}
	for _, sample := range []int64{100, 400, 100, 400} {
		env.HeaderFields[0] = sample
		require.NoError(t, u.Apply(env))
	}
	assert.Equal(t, int64(4), env.FlowData[0])
	assert.Equal(t, int64(250000), env.FlowData[1])
	assert.Equal(t, int64(22500), env.FlowData[2])
}

func TestVarianceConstantSamples(t *testing.T) {
	env := &operand.Env{FlowData: make([]int64, 3)}
	u := Update{Opcode: VAR, Output: 0, Operand1: operand.Constant(98), Operand2: operand.FlowData(1), Operand3: operand.FlowData(2), Scale: DefaultScale}
	for i := 0; i < 3; i++ {
		require.NoError(t, u.Apply(env))
	}
	assert.Equal(t, []int64{3, 98000, 0}, env.FlowData)
}

// Updates read the working copy, so a later update observes an earlier one.
func TestSequentialUpdates(t *testing.T) {
	env := &operand.Env{FlowData: make([]int64, 2)}
	updates := []Update{
		{Opcode: SUM, Output: 0, Operand1: operand.Constant(5), Operand2: operand.Constant(5)},
		{Opcode: MUL, Output: 1, Operand1: operand.FlowData(0), Operand2: operand.Constant(3)},
	}
	for _, u := range updates {
		require.NoError(t, u.Apply(env))
	}
	assert.Equal(t, []int64{10, 30}, env.FlowData)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		update    Update
		expectErr bool
	}{
		{name: "sum in range", update: Update{Opcode: SUM, Output: 7}},
		{name: "sum out of range", update: Update{Opcode: SUM, Output: 8}, expectErr: true},
		{name: "avg needs two slots", update: Update{Opcode: AVG, Output: 7, Scale: 1}, expectErr: true},
		{name: "var needs three slots", update: Update{Opcode: VAR, Output: 5, Scale: 1}},
		{name: "var overflow", update: Update{Opcode: VAR, Output: 6, Scale: 1}, expectErr: true},
		{name: "avg without scale", update: Update{Opcode: AVG, Output: 0}, expectErr: true},
		{name: "invalid opcode", update: Update{Opcode: Opcode(99)}, expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.update.Validate(8)
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestParseOpcode(t *testing.T) {
	op, err := ParseOpcode("avg")
	require.NoError(t, err)
	assert.Equal(t, AVG, op)
	_, err = ParseOpcode("POW")
	assert.Error(t, err)
}
