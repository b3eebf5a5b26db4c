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

package xfsm

// DatapathConfig is the YAML configuration of the stateful tables of a
// datapath.
type DatapathConfig struct {
	// Tables lists the configured tables. Tables of the datapath that are not
	// listed are reset when the configuration is applied.
	Tables []TableConfig `yaml:"tables"`
}

type TableConfig struct {
	// Table id in [0, 254].
	ID uint8 `yaml:"id"`
	// Whether the table keeps per-flow state. Stateless tables read state 0
	// for every packet and never write flow state.
	// Defaults to false.
	Stateful bool `yaml:"stateful,omitempty"`
	// Maximum number of flow records of the table.
	// Defaults to 65536.
	MaxFlows int `yaml:"maxFlows,omitempty"`
	// Flow records that are not accessed for that long are removed, e.g.
	// "30s". Empty or "0s" disables expiry.
	IdleTimeout string `yaml:"idleTimeout,omitempty"`
	// What happens when a new flow does not fit in the table:
	// - EvictLRU (default): the least recently used flow record is evicted.
	// - Reject: the new flow record is not created.
	OverflowPolicy string `yaml:"overflowPolicy,omitempty"`
	// Ordered fields of the key used to read the flow state of a packet.
	LookupFields []string `yaml:"lookupFields,omitempty"`
	// Ordered fields of the key used to write the flow state of a packet. It
	// must have the same shape as lookupFields, e.g. [ipv4_dst, ipv4_src]
	// for lookupFields [ipv4_src, ipv4_dst].
	UpdateFields []string `yaml:"updateFields,omitempty"`
	// Header fields available to conditions and data variable updates as
	// "hf:<id>", by id.
	HeaderFields map[int]string `yaml:"headerFields,omitempty"`
	// Global data variables available as "gd:<id>", by id.
	Globals map[int]int64 `yaml:"globals,omitempty"`
	// Conditions by id. Entries match on their results.
	Conditions map[int]ConditionConfig `yaml:"conditions,omitempty"`
	Entries    []EntryConfig           `yaml:"entries,omitempty"`
}

type ConditionConfig struct {
	// One of ">", ">=", "<", "<=", "==", "!=".
	Op string `yaml:"op"`
	// Operands use the notation "hf:<id>", "fd:<id>", "gd:<id>" or
	// "const:<value>".
	Operand1 string `yaml:"operand1"`
	Operand2 string `yaml:"operand2"`
}

type EntryConfig struct {
	Priority uint16      `yaml:"priority"`
	Match    MatchConfig `yaml:"match,omitempty"`
	// Instructions run in order. An empty list drops the packet without
	// changing the flow state.
	Instructions []InstructionConfig `yaml:"instructions,omitempty"`
}

type MatchConfig struct {
	// Packet fields by name, e.g. eth_type: "0x0800" or
	// ipv4_src: "10.0.0.0/255.255.255.0".
	Fields map[string]string `yaml:",inline"`
	// Flow state to match.
	State *uint32 `yaml:"state,omitempty"`
	// Required condition results (0 or 1) by condition id.
	Conditions map[int]int `yaml:"conditions,omitempty"`
}

// InstructionConfig holds exactly one instruction.
type InstructionConfig struct {
	SetDataVariable *SetDataVariableConfig `yaml:"setDataVariable,omitempty"`
	SetState        *SetStateConfig        `yaml:"setState,omitempty"`
	SetField        *SetFieldConfig        `yaml:"setField,omitempty"`
	// Output port number, or "flood".
	Output string `yaml:"output,omitempty"`
}

type SetDataVariableConfig struct {
	// One of SUM, SUB, MUL, DIV, MIN, MAX, AVG, VAR.
	Opcode string `yaml:"opcode"`
	// First flow data variable written. AVG writes 2 variables starting at
	// output, VAR writes 3.
	Output   int    `yaml:"output"`
	Operand1 string `yaml:"operand1"`
	Operand2 string `yaml:"operand2"`
	// Only used by VAR.
	Operand3 string `yaml:"operand3,omitempty"`
	// Fixed-point factor of the mean computed by AVG and VAR.
	// Defaults to 1000.
	Scale *int64 `yaml:"scale,omitempty"`
}

type SetStateConfig struct {
	State uint32 `yaml:"state"`
	// Fields of the key of the flow record to write, if it is not the
	// packet's own update key.
	Fields []string `yaml:"fields,omitempty"`
}

type SetFieldConfig struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}
