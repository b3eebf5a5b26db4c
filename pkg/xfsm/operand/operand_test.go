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

package operand

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name      string
		input     string
		expected  Operand
		expectErr bool
	}{
		{name: "header field", input: "hf:1", expected: HeaderField(1)},
		{name: "flow data", input: "fd:4", expected: FlowData(4)},
		{name: "global data", input: " GD:2 ", expected: GlobalData(2)},
		{name: "negative constant", input: "const:-5", expected: Constant(-5)},
		{name: "hex constant", input: "const:0x10", expected: Constant(16)},
		{name: "missing separator", input: "hf1", expectErr: true},
		{name: "negative id", input: "fd:-1", expectErr: true},
		{name: "unknown kind", input: "reg:1", expectErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			op, err := Parse(tt.input)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, op)
		})
	}
}

func TestResolve(t *testing.T) {
	env := &Env{
		HeaderFields: []int64{10, 20},
		FlowData:     []int64{1, 2, 3},
		GlobalData:   []int64{100},
	}
	assert.Equal(t, int64(20), HeaderField(1).Resolve(env))
	assert.Equal(t, int64(3), FlowData(2).Resolve(env))
	assert.Equal(t, int64(100), GlobalData(0).Resolve(env))
	assert.Equal(t, int64(-7), Constant(-7).Resolve(env))
	assert.Equal(t, int64(0), GlobalData(5).Resolve(env))
}

func TestString(t *testing.T) {
	for _, s := range []string{"hf:0", "fd:3", "gd:1", "const:42"} {
		op, err := Parse(s)
		require.NoError(t, err)
		assert.Equal(t, s, op.String())
	}
}
