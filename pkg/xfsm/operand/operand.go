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

// Package operand defines the values conditions and data-variable updates
// read from: header fields, flow data variables (accumulators), global data
// variables and constants.
package operand

import (
	"fmt"
	"strconv"
	"strings"
)

type Kind uint8

const (
	KindConstant Kind = iota
	KindHeaderField
	KindFlowData
	KindGlobalData
)

var kindPrefixes = map[Kind]string{
	KindConstant:    "const",
	KindHeaderField: "hf",
	KindFlowData:    "fd",
	KindGlobalData:  "gd",
}

// Operand is resolved once when a condition or instruction is configured and
// read by kind on every packet.
type Operand struct {
	Kind Kind
	// ID indexes the header field, flow data or global data array.
	ID int
	// Value is used by KindConstant.
	Value int64
}

func Constant(v int64) Operand {
	return Operand{Kind: KindConstant, Value: v}
}

func HeaderField(id int) Operand {
	return Operand{Kind: KindHeaderField, ID: id}
}

func FlowData(id int) Operand {
	return Operand{Kind: KindFlowData, ID: id}
}

func GlobalData(id int) Operand {
	return Operand{Kind: KindGlobalData, ID: id}
}

// Env is the per-packet view operands are resolved against. FlowData is the
// working copy of the flow's accumulators.
type Env struct {
	HeaderFields []int64
	FlowData     []int64
	GlobalData   []int64
}

// Resolve returns the operand's current value. Ids are validated at
// configuration time; an id outside the arrays resolves to 0.
func (o Operand) Resolve(env *Env) int64 {
	switch o.Kind {
	case KindConstant:
		return o.Value
	case KindHeaderField:
		return index(env.HeaderFields, o.ID)
	case KindFlowData:
		return index(env.FlowData, o.ID)
	case KindGlobalData:
		return index(env.GlobalData, o.ID)
	}
	return 0
}

func index(values []int64, id int) int64 {
	if id < 0 || id >= len(values) {
		return 0
	}
	return values[id]
}

func (o Operand) String() string {
	if o.Kind == KindConstant {
		return "const:" + strconv.FormatInt(o.Value, 10)
	}
	return kindPrefixes[o.Kind] + ":" + strconv.Itoa(o.ID)
}

// Parse parses the "<kind>:<id|value>" notation used in configuration files,
// e.g. "hf:0", "fd:2", "gd:1" or "const:-5".
func Parse(s string) (Operand, error) {
	prefix, rest, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Operand{}, fmt.Errorf("invalid operand %q: expected <kind>:<value>", s)
	}
	switch strings.ToLower(prefix) {
	case "const":
		v, err := strconv.ParseInt(rest, 0, 64)
		if err != nil {
			return Operand{}, fmt.Errorf("invalid constant operand %q: %w", s, err)
		}
		return Constant(v), nil
	case "hf", "fd", "gd":
		id, err := strconv.Atoi(rest)
		if err != nil || id < 0 {
			return Operand{}, fmt.Errorf("invalid operand id in %q", s)
		}
		switch strings.ToLower(prefix) {
		case "hf":
			return HeaderField(id), nil
		case "fd":
			return FlowData(id), nil
		default:
			return GlobalData(id), nil
		}
	}
	return Operand{}, fmt.Errorf("invalid operand kind %q in %q", prefix, s)
}
