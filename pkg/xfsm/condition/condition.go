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

// Package condition evaluates the per-packet boolean comparisons of a
// stateful table.
package condition

import (
	"fmt"
	"strings"

	"antrea.io/xfsm/pkg/xfsm/operand"
)

// MaxConditions is the number of condition slots per table.
const MaxConditions = 8

type Operator uint8

const (
	GT Operator = iota
	GTE
	LT
	LTE
	EQ
	NEQ
)

var operatorSymbols = []string{">", ">=", "<", "<=", "==", "!="}

var operatorsByName = map[string]Operator{
	">": GT, "gt": GT,
	">=": GTE, "gte": GTE,
	"<": LT, "lt": LT,
	"<=": LTE, "lte": LTE,
	"==": EQ, "eq": EQ,
	"!=": NEQ, "neq": NEQ,
}

// ParseOperator accepts both the symbolic and the mnemonic form ("gte").
func ParseOperator(s string) (Operator, error) {
	op, ok := operatorsByName[strings.ToLower(strings.TrimSpace(s))]
	if !ok {
		return 0, fmt.Errorf("unsupported condition operator %q", s)
	}
	return op, nil
}

func (o Operator) Valid() bool {
	return int(o) < len(operatorSymbols)
}

func (o Operator) String() string {
	if !o.Valid() {
		return fmt.Sprintf("operator(%d)", uint8(o))
	}
	return operatorSymbols[o]
}

func (o Operator) compare(a, b int64) bool {
	switch o {
	case GT:
		return a > b
	case GTE:
		return a >= b
	case LT:
		return a < b
	case LTE:
		return a <= b
	case EQ:
		return a == b
	case NEQ:
		return a != b
	}
	return false
}

type Condition struct {
	Operator Operator
	Operand1 operand.Operand
	Operand2 operand.Operand
}

func (c Condition) Eval(env *operand.Env) bool {
	return c.Operator.compare(c.Operand1.Resolve(env), c.Operand2.Resolve(env))
}

// Operands returns the operands of c.
func (c Condition) Operands() []operand.Operand {
	return []operand.Operand{c.Operand1, c.Operand2}
}

func (c Condition) String() string {
	return fmt.Sprintf("%s %s %s", c.Operand1, c.Operator, c.Operand2)
}

// Set holds the configured conditions of a table. Like fields.Registry it is
// a value type owned by a table snapshot.
type Set struct {
	conditions [MaxConditions]Condition
	configured uint8
}

// Configure stores c under id, replacing any previous condition.
func (s *Set) Configure(id int, c Condition) error {
	if id < 0 || id >= MaxConditions {
		return fmt.Errorf("condition id %d out of range [0, %d)", id, MaxConditions)
	}
	if !c.Operator.Valid() {
		return fmt.Errorf("invalid condition operator %s", c.Operator)
	}
	s.conditions[id] = c
	s.configured |= 1 << uint(id)
	return nil
}

func (s *Set) Get(id int) (Condition, bool) {
	if !s.IsConfigured(id) {
		return Condition{}, false
	}
	return s.conditions[id], true
}

func (s *Set) IsConfigured(id int) bool {
	return id >= 0 && id < MaxConditions && s.configured&(1<<uint(id)) != 0
}

// Configured returns the bitmask of configured condition ids.
func (s *Set) Configured() uint8 {
	return s.configured
}

// Evaluate computes every configured condition against env. All conditions
// are evaluated on the same, pre-update environment; none depends on another.
func (s *Set) Evaluate(env *operand.Env) Bits {
	bits := Bits{Configured: s.configured}
	for id := 0; id < MaxConditions; id++ {
		if s.configured&(1<<uint(id)) == 0 {
			continue
		}
		if s.conditions[id].Eval(env) {
			bits.Values |= 1 << uint(id)
		}
	}
	return bits
}

// Bits is the result of evaluating a Set for one packet.
type Bits struct {
	Values     uint8
	Configured uint8
}

// Get returns the value of condition id; ok is false when the condition is
// not configured.
func (b Bits) Get(id int) (value bool, ok bool) {
	if id < 0 || id >= MaxConditions || b.Configured&(1<<uint(id)) == 0 {
		return false, false
	}
	return b.Values&(1<<uint(id)) != 0, true
}

// Matches reports whether the bits selected by mask equal want.
func (b Bits) Matches(mask, want uint8) bool {
	return b.Values&mask == want&mask
}

func (b Bits) String() string {
	var sb strings.Builder
	for id := 0; id < MaxConditions; id++ {
		if b.Configured&(1<<uint(id)) == 0 {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteByte(',')
		}
		v := 0
		if b.Values&(1<<uint(id)) != 0 {
			v = 1
		}
		fmt.Fprintf(&sb, "condition%d=%d", id, v)
	}
	return sb.String()
}
