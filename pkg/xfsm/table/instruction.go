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
)

// Instruction is an action run by a matched flow entry. Instructions run in
// the order they were installed.
type Instruction interface {
	fmt.Stringer
	instruction()
}

// SetDataVariable updates flow data variables of the packet's flow.
type SetDataVariable struct {
	opcode.Update
}

// SetState transitions the flow to State. When Fields is set, the record to
// write is addressed with these fields instead of the table's update fields,
// which lets a packet update the state of the reverse direction of its flow.
type SetState struct {
	State  uint32
	Fields []fields.Field
}

// Output forwards the packet to Port, or floods it when Port is
// fields.PortFlood.
type Output struct {
	Port uint32
}

// SetField rewrites a header field of the forwarded packet.
type SetField struct {
	Field fields.Field
	Value uint64
}

func (SetDataVariable) instruction() {}
func (SetState) instruction()        {}
func (Output) instruction()          {}
func (SetField) instruction()        {}

func (i SetDataVariable) String() string {
	return "set_data_variable:" + i.Update.String()
}

func (i SetState) String() string {
	if len(i.Fields) == 0 {
		return fmt.Sprintf("set_state:%d", i.State)
	}
	names := make([]string, len(i.Fields))
	for j, f := range i.Fields {
		names[j] = f.String()
	}
	return fmt.Sprintf("set_state:%d(%s)", i.State, strings.Join(names, ","))
}

func (i Output) String() string {
	if i.Port == fields.PortFlood {
		return "output:flood"
	}
	return fmt.Sprintf("output:%d", i.Port)
}

func (i SetField) String() string {
	return fmt.Sprintf("set_field:%s->%s", fields.FormatValue(i.Field, i.Value), i.Field)
}

// validateOperand checks that o refers to a configured header field
// extractor, an existing flow data variable or an existing global variable.
func validateOperand(o operand.Operand, headerFields *fields.Registry) error {
	switch o.Kind {
	case operand.KindConstant:
		return nil
	case operand.KindHeaderField:
		if _, ok := headerFields.Lookup(o.ID); !ok {
			return fmt.Errorf("operand %s references header field extractor %d which is not configured", o, o.ID)
		}
	case operand.KindFlowData:
		if o.ID < 0 || o.ID >= NumAccumulators {
			return fmt.Errorf("operand %s references flow data variable %d, maximum is %d", o, o.ID, NumAccumulators-1)
		}
	case operand.KindGlobalData:
		if o.ID < 0 || o.ID >= MaxGlobals {
			return fmt.Errorf("operand %s references global data variable %d, maximum is %d", o, o.ID, MaxGlobals-1)
		}
	default:
		return fmt.Errorf("invalid operand kind %d", o.Kind)
	}
	return nil
}
