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

// Package opcode implements the arithmetic updates applied to flow data
// variables (per-flow accumulators).
package opcode

import (
	"errors"
	"fmt"
	"strings"

	"antrea.io/xfsm/pkg/xfsm/operand"
)

type Opcode uint8

const (
	SUM Opcode = iota
	SUB
	MUL
	DIV
	MIN
	MAX
	// AVG maintains a streaming mean: count at Output, mean at Output+1.
	AVG
	// VAR maintains a streaming variance: count at Output, mean at Output+1,
	// population variance at Output+2.
	VAR
)

// DefaultScale is the fixed-point factor applied to the mean computed by AVG
// and VAR when a configuration does not specify one: the mean is kept with
// three decimal digits.
const DefaultScale = 1000

var opcodeNames = []string{"SUM", "SUB", "MUL", "DIV", "MIN", "MAX", "AVG", "VAR"}

// ErrDivideByZero is returned by Apply for a DIV whose divisor is 0. The
// output slot is left unchanged.
var ErrDivideByZero = errors.New("division by zero")

func ParseOpcode(s string) (Opcode, error) {
	name := strings.ToUpper(strings.TrimSpace(s))
	for i, n := range opcodeNames {
		if n == name {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("unsupported opcode %q", s)
}

func (o Opcode) Valid() bool {
	return int(o) < len(opcodeNames)
}

func (o Opcode) String() string {
	if !o.Valid() {
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
	return opcodeNames[o]
}

// OutputSlots returns how many consecutive flow data variables, starting at
// the output id, the opcode writes.
func (o Opcode) OutputSlots() int {
	switch o {
	case AVG:
		return 2
	case VAR:
		return 3
	}
	return 1
}

// Operands returns how many operands the opcode reads.
func (o Opcode) Operands() int {
	if o == VAR {
		return 3
	}
	return 2
}

// Update is a single data-variable update instruction.
type Update struct {
	Opcode   Opcode
	Output   int
	Operand1 operand.Operand
	Operand2 operand.Operand
	// Operand3 is only read by VAR.
	Operand3 operand.Operand
	// Scale is the fixed-point factor of the mean written by AVG and VAR.
	// It must be at least 1 for those opcodes and is ignored otherwise.
	Scale int64
}

// Validate checks the update against the number of flow data variables of
// the table.
func (u Update) Validate(numFlowData int) error {
	if !u.Opcode.Valid() {
		return fmt.Errorf("invalid opcode %s", u.Opcode)
	}
	if u.Output < 0 || u.Output+u.Opcode.OutputSlots() > numFlowData {
		return fmt.Errorf("%s output flow data variable %d (+%d) exceeds the %d available", u.Opcode, u.Output, u.Opcode.OutputSlots()-1, numFlowData)
	}
	if (u.Opcode == AVG || u.Opcode == VAR) && u.Scale < 1 {
		return fmt.Errorf("%s scale must be at least 1, got %d", u.Opcode, u.Scale)
	}
	return nil
}

// Apply executes the update. env.FlowData is the working copy of the flow
// data variables: the update reads its operands from it and writes its
// outputs back into it, so later updates of the same entry observe the
// result.
func (u Update) Apply(env *operand.Env) error {
	a := u.Operand1.Resolve(env)
	b := u.Operand2.Resolve(env)
	out := env.FlowData
	switch u.Opcode {
	case SUM:
		out[u.Output] = a + b
	case SUB:
		out[u.Output] = a - b
	case MUL:
		out[u.Output] = a * b
	case DIV:
		if b == 0 {
			return ErrDivideByZero
		}
		out[u.Output] = a / b
	case MIN:
		out[u.Output] = min(a, b)
	case MAX:
		out[u.Output] = max(a, b)
	case AVG:
		out[u.Output], out[u.Output+1] = streamingMean(out[u.Output], a, b, u.Scale)
	case VAR:
		c := u.Operand3.Resolve(env)
		out[u.Output], out[u.Output+1], out[u.Output+2] = streamingVariance(out[u.Output], a, b, c, u.Scale)
	default:
		return fmt.Errorf("invalid opcode %s", u.Opcode)
	}
	return nil
}

func (u Update) String() string {
	if u.Opcode == VAR {
		return fmt.Sprintf("%s(fd:%d, %s, %s, %s)", u.Opcode, u.Output, u.Operand1, u.Operand2, u.Operand3)
	}
	return fmt.Sprintf("%s(fd:%d, %s, %s)", u.Opcode, u.Output, u.Operand1, u.Operand2)
}

// streamingMean folds sample into a mean scaled by scale. The first sample
// is assigned directly.
func streamingMean(count, sample, mean, scale int64) (int64, int64) {
	scaled := sample * scale
	if count <= 0 {
		return 1, scaled
	}
	n := count + 1
	return n, mean + (scaled-mean)/n
}

// streamingVariance is Welford's online update. mean is scaled by scale and
// variance is kept in unscaled units; the aggregate of squared deviations is
// variance*count.
func streamingVariance(count, sample, mean, variance, scale int64) (int64, int64, int64) {
	scaled := sample * scale
	if count <= 0 {
		return 1, scaled, 0
	}
	n := count + 1
	delta := scaled - mean
	newMean := mean + delta/n
	s2 := float64(scale) * float64(scale)
	m2 := float64(count)*float64(variance) + float64(delta)*float64(scaled-newMean)/s2
	return n, newMean, int64(m2 / float64(n))
}
