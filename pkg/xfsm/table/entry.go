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
	"strings"

	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/opcode"
	"antrea.io/xfsm/pkg/xfsm/operand"
	"antrea.io/xfsm/pkg/xfsm/state"
)

// FlowEntry is an installed entry of a table. It is immutable once installed.
type FlowEntry struct {
	Priority     uint16
	Match        Match
	Instructions []Instruction

	id string
	// seq orders entries of equal priority by installation time.
	seq uint64

	updates         []opcode.Update
	setState        *SetState
	updateExtractor state.KeyExtractor
	outputs         []uint32
	setFields       []SetField
}

// tableMiss is the implicit lowest priority entry: it matches every packet,
// drops it and leaves the flow state untouched.
var tableMiss = &FlowEntry{id: "table-miss"}

func entryID(priority uint16, m Match) string {
	return fmt.Sprintf("priority=%d,%s", priority, m)
}

// newFlowEntry compiles an entry. Checks that depend on the rest of the table
// configuration are done by validate.
func newFlowEntry(priority uint16, m Match, instructions []Instruction) (*FlowEntry, error) {
	m = m.normalize()
	e := &FlowEntry{
		Priority:     priority,
		Match:        m,
		Instructions: append([]Instruction(nil), instructions...),
		id:           entryID(priority, m),
	}
	for _, ins := range instructions {
		switch i := ins.(type) {
		case SetDataVariable:
			if err := i.Update.Validate(NumAccumulators); err != nil {
				return nil, err
			}
			e.updates = append(e.updates, i.Update)
		case SetState:
			if e.setState != nil {
				return nil, fmt.Errorf("entry has more than one set_state instruction")
			}
			if len(i.Fields) > 0 {
				ext, err := state.NewKeyExtractor(i.Fields)
				if err != nil {
					return nil, fmt.Errorf("invalid set_state fields: %w", err)
				}
				e.updateExtractor = ext
			}
			st := SetState{State: i.State, Fields: append([]fields.Field(nil), i.Fields...)}
			e.setState = &st
		case Output:
			if i.Port == 0 {
				return nil, fmt.Errorf("invalid output port 0")
			}
			e.outputs = append(e.outputs, i.Port)
		case SetField:
			if !fields.Rewritable(i.Field) {
				return nil, fmt.Errorf("set_field is not supported for %s", i.Field)
			}
			if w := i.Field.Width(); w < 8 && i.Value>>(uint(w)*8) != 0 {
				return nil, fmt.Errorf("set_field value %d overflows field %s", i.Value, i.Field)
			}
			if i.Field == fields.IPDSCP && i.Value > 0x3f {
				return nil, fmt.Errorf("DSCP value %d out of range", i.Value)
			}
			e.setFields = append(e.setFields, i)
		case nil:
			return nil, fmt.Errorf("nil instruction")
		default:
			return nil, fmt.Errorf("unsupported instruction %T", ins)
		}
	}
	return e, nil
}

// validate checks the references of e against the table configuration.
func (e *FlowEntry) validate(cfg *Config) error {
	if err := e.Match.validate(&cfg.conditions); err != nil {
		return err
	}
	for _, u := range e.updates {
		ops := []operand.Operand{u.Operand1, u.Operand2}
		if u.Opcode == opcode.VAR {
			ops = append(ops, u.Operand3)
		}
		for _, o := range ops {
			if err := validateOperand(o, &cfg.headerFields); err != nil {
				return fmt.Errorf("%s: %w", u, err)
			}
		}
	}
	if !e.updateExtractor.IsZero() {
		ref := cfg.update
		if ref.IsZero() {
			ref = cfg.lookup
		}
		if !ref.IsZero() && !e.updateExtractor.Compatible(ref) {
			return fmt.Errorf("set_state fields %s do not have the shape of the table key fields", fieldNames(e.updateExtractor.Fields()))
		}
	}
	return nil
}

// ID identifies the entry within its table: two entries with the same
// priority and match are the same entry.
func (e *FlowEntry) ID() string {
	return e.id
}

// IsTableMiss reports whether e is the implicit catch-all entry.
func (e *FlowEntry) IsTableMiss() bool {
	return e == tableMiss
}

// Commits reports whether a packet matching e writes flow state: the entry
// changes the state or updates a flow data variable.
func (e *FlowEntry) Commits() bool {
	return e.setState != nil || len(e.updates) > 0
}

func (e *FlowEntry) String() string {
	if e.IsTableMiss() {
		return "table-miss actions=drop"
	}
	actions := make([]string, len(e.Instructions))
	for i, ins := range e.Instructions {
		actions[i] = ins.String()
	}
	if len(e.outputs) == 0 {
		actions = append(actions, "drop")
	}
	return e.id + " actions=" + strings.Join(actions, ",")
}

// entryLess orders entries by descending priority, then by installation order.
func entryLess(a, b *FlowEntry) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

func fieldNames(fs []fields.Field) string {
	names := make([]string, len(fs))
	for i, f := range fs {
		names[i] = f.String()
	}
	return "[" + strings.Join(names, ",") + "]"
}
