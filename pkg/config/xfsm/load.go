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

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v2"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"antrea.io/xfsm/pkg/xfsm"
	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/opcode"
	"antrea.io/xfsm/pkg/xfsm/operand"
	"antrea.io/xfsm/pkg/xfsm/state"
	"antrea.io/xfsm/pkg/xfsm/table"
)

// Parse decodes a datapath configuration and applies defaults. Unknown keys
// are rejected.
func Parse(data []byte) (*DatapathConfig, error) {
	conf := &DatapathConfig{}
	if err := yaml.UnmarshalStrict(data, conf); err != nil {
		return nil, fmt.Errorf("failed to decode datapath configuration: %w", err)
	}
	SetConfigDefaults(conf)
	return conf, nil
}

// LoadFile reads and parses the datapath configuration at path.
func LoadFile(fs afero.Fs, path string) (*DatapathConfig, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("failed to read datapath configuration file %s: %w", path, err)
	}
	return Parse(data)
}

// builderFunc rebuilds the whole configuration of one table.
type builderFunc func(b *table.Builder) error

// Validate checks the configuration of every table against an empty table
// without modifying any datapath.
func (c *DatapathConfig) Validate() error {
	_, err := c.compile()
	return err
}

// compile converts the configuration into one builder function per table id
// and checks each of them against an empty table.
func (c *DatapathConfig) compile() (map[uint8]builderFunc, error) {
	var errs []error
	builders := make(map[uint8]builderFunc, len(c.Tables))
	for i := range c.Tables {
		tableConf := &c.Tables[i]
		if tableConf.ID > xfsm.MaxTableID {
			errs = append(errs, fmt.Errorf("tables[%d]: table id %d exceeds maximum %d", i, tableConf.ID, xfsm.MaxTableID))
			continue
		}
		if _, ok := builders[tableConf.ID]; ok {
			errs = append(errs, fmt.Errorf("tables[%d]: duplicate table id %d", i, tableConf.ID))
			continue
		}
		fn, err := tableConf.compile()
		if err != nil {
			errs = append(errs, fmt.Errorf("table %d: %w", tableConf.ID, err))
			continue
		}
		scratch := table.New(tableConf.ID, time.Time{}, clock.RealClock{})
		if _, err := scratch.Update(fn); err != nil {
			errs = append(errs, fmt.Errorf("table %d: %w", tableConf.ID, err))
			continue
		}
		builders[tableConf.ID] = fn
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}
	return builders, nil
}

// Apply validates the whole configuration, then replaces the configuration of
// every listed table of d and resets the tables that are not listed. Flow
// records of listed tables are kept. Nothing is changed if the configuration
// is invalid.
func (c *DatapathConfig) Apply(d *xfsm.Datapath) error {
	builders, err := c.compile()
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(builders))
	for id := range builders {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	var errs []error
	for _, id := range ids {
		fn := builders[uint8(id)]
		if err := d.Apply(uint8(id), func(b *table.Builder) error {
			b.Clear()
			return fn(b)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	for _, id := range d.Tables() {
		if _, ok := builders[id]; ok {
			continue
		}
		klog.InfoS("Resetting table absent from configuration", "table", id)
		if err := d.ResetTable(id); err != nil {
			errs = append(errs, err)
		}
	}
	return utilerrors.NewAggregate(errs)
}

func (t *TableConfig) options() (table.Options, error) {
	opts := table.Options{MaxFlows: t.MaxFlows}
	if t.MaxFlows < 0 {
		return opts, fmt.Errorf("maxFlows must not be negative, got %d", t.MaxFlows)
	}
	if t.IdleTimeout != "" {
		timeout, err := time.ParseDuration(t.IdleTimeout)
		if err != nil {
			return opts, fmt.Errorf("invalid idleTimeout %q: %w", t.IdleTimeout, err)
		}
		opts.IdleTimeout = timeout
	}
	switch strings.ToLower(t.OverflowPolicy) {
	case "", strings.ToLower(state.EvictLRU.String()):
		opts.Overflow = state.EvictLRU
	case strings.ToLower(state.Reject.String()):
		opts.Overflow = state.Reject
	default:
		return opts, fmt.Errorf("invalid overflowPolicy %q", t.OverflowPolicy)
	}
	return opts, nil
}

// compile parses every value of the table configuration once, so that the
// returned function cannot fail on syntax and only reports semantic errors
// found by the builder.
func (t *TableConfig) compile() (builderFunc, error) {
	var errs []error
	opts, err := t.options()
	if err != nil {
		errs = append(errs, err)
	}
	lookup, err := parseFields(t.LookupFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("lookupFields: %w", err))
	}
	update, err := parseFields(t.UpdateFields)
	if err != nil {
		errs = append(errs, fmt.Errorf("updateFields: %w", err))
	}
	headerFields := make(map[int]fields.Field, len(t.HeaderFields))
	for id, name := range t.HeaderFields {
		f, err := fields.ParseField(name)
		if err != nil {
			errs = append(errs, fmt.Errorf("headerFields[%d]: %w", id, err))
			continue
		}
		headerFields[id] = f
	}
	conditions := make(map[int]condition.Condition, len(t.Conditions))
	for id, cc := range t.Conditions {
		cond, err := cc.parse()
		if err != nil {
			errs = append(errs, fmt.Errorf("conditions[%d]: %w", id, err))
			continue
		}
		conditions[id] = cond
	}
	type entry struct {
		priority     uint16
		match        table.Match
		instructions []table.Instruction
	}
	entries := make([]entry, 0, len(t.Entries))
	for i := range t.Entries {
		ec := &t.Entries[i]
		m, err := ec.Match.parse()
		if err != nil {
			errs = append(errs, fmt.Errorf("entries[%d]: %w", i, err))
			continue
		}
		instructions, err := parseInstructions(ec.Instructions)
		if err != nil {
			errs = append(errs, fmt.Errorf("entries[%d]: %w", i, err))
			continue
		}
		entries = append(entries, entry{ec.Priority, m, instructions})
	}
	if len(errs) > 0 {
		return nil, utilerrors.NewAggregate(errs)
	}

	stateful := t.Stateful
	globals := t.Globals
	return func(b *table.Builder) error {
		if err := b.SetOptions(opts); err != nil {
			return err
		}
		b.SetStateful(stateful)
		if len(lookup) > 0 {
			if err := b.SetKeyFields(table.Lookup, lookup); err != nil {
				return err
			}
		}
		if len(update) > 0 {
			if err := b.SetKeyFields(table.Update, update); err != nil {
				return err
			}
		}
		for id, f := range headerFields {
			if err := b.SetHeaderField(id, f); err != nil {
				return err
			}
		}
		for id, v := range globals {
			if err := b.SetGlobal(id, v); err != nil {
				return err
			}
		}
		for id, cond := range conditions {
			if err := b.SetCondition(id, cond); err != nil {
				return err
			}
		}
		for _, e := range entries {
			if err := b.InstallEntry(e.priority, e.match, e.instructions); err != nil {
				return err
			}
		}
		return nil
	}, nil
}

func parseFields(names []string) ([]fields.Field, error) {
	if len(names) == 0 {
		return nil, nil
	}
	fs := make([]fields.Field, 0, len(names))
	for _, name := range names {
		f, err := fields.ParseField(name)
		if err != nil {
			return nil, err
		}
		fs = append(fs, f)
	}
	return fs, nil
}

func (c *ConditionConfig) parse() (condition.Condition, error) {
	op, err := condition.ParseOperator(c.Op)
	if err != nil {
		return condition.Condition{}, err
	}
	o1, err := operand.Parse(c.Operand1)
	if err != nil {
		return condition.Condition{}, err
	}
	o2, err := operand.Parse(c.Operand2)
	if err != nil {
		return condition.Condition{}, err
	}
	return condition.Condition{Operator: op, Operand1: o1, Operand2: o2}, nil
}

func (m *MatchConfig) parse() (table.Match, error) {
	var match table.Match
	names := make([]string, 0, len(m.Fields))
	for name := range m.Fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		f, err := fields.ParseField(name)
		if err != nil {
			return match, fmt.Errorf("match: %w", err)
		}
		fm, err := parseFieldMatch(f, m.Fields[name])
		if err != nil {
			return match, fmt.Errorf("match: %w", err)
		}
		match.Fields = append(match.Fields, fm)
	}
	if m.State != nil {
		match = match.WithState(*m.State)
	}
	for id, v := range m.Conditions {
		if id < 0 || id >= condition.MaxConditions {
			return match, fmt.Errorf("match: condition %d outside [0, %d)", id, condition.MaxConditions)
		}
		if v != 0 && v != 1 {
			return match, fmt.Errorf("match: condition %d must be 0 or 1, got %d", id, v)
		}
		match = match.WithCondition(id, v == 1)
	}
	return match, nil
}

// parseFieldMatch parses "value" or "value/mask".
func parseFieldMatch(f fields.Field, s string) (table.FieldMatch, error) {
	valueStr, maskStr, masked := strings.Cut(s, "/")
	value, err := fields.ParseValue(f, valueStr)
	if err != nil {
		return table.FieldMatch{}, err
	}
	fm := table.FieldMatch{Field: f, Value: value}
	if masked {
		mask, err := fields.ParseValue(f, maskStr)
		if err != nil {
			return table.FieldMatch{}, fmt.Errorf("invalid mask: %w", err)
		}
		if mask == 0 {
			return table.FieldMatch{}, fmt.Errorf("mask of %s must not be zero", f)
		}
		fm.Mask = mask
	}
	return fm, nil
}

func parseInstructions(configs []InstructionConfig) ([]table.Instruction, error) {
	instructions := make([]table.Instruction, 0, len(configs))
	for i := range configs {
		ins, err := configs[i].parse()
		if err != nil {
			return nil, fmt.Errorf("instructions[%d]: %w", i, err)
		}
		instructions = append(instructions, ins)
	}
	return instructions, nil
}

func (c *InstructionConfig) parse() (table.Instruction, error) {
	var set int
	for _, isSet := range []bool{c.SetDataVariable != nil, c.SetState != nil, c.SetField != nil, c.Output != ""} {
		if isSet {
			set++
		}
	}
	if set != 1 {
		return nil, fmt.Errorf("exactly one of setDataVariable, setState, setField and output must be set, got %d", set)
	}
	switch {
	case c.SetDataVariable != nil:
		return c.SetDataVariable.parse()
	case c.SetState != nil:
		fs, err := parseFields(c.SetState.Fields)
		if err != nil {
			return nil, fmt.Errorf("setState: %w", err)
		}
		return table.SetState{State: c.SetState.State, Fields: fs}, nil
	case c.SetField != nil:
		f, err := fields.ParseField(c.SetField.Field)
		if err != nil {
			return nil, fmt.Errorf("setField: %w", err)
		}
		v, err := fields.ParseValue(f, c.SetField.Value)
		if err != nil {
			return nil, fmt.Errorf("setField: %w", err)
		}
		return table.SetField{Field: f, Value: v}, nil
	default:
		if strings.EqualFold(c.Output, "flood") {
			return table.Output{Port: fields.PortFlood}, nil
		}
		port, err := strconv.ParseUint(c.Output, 0, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid output port %q", c.Output)
		}
		return table.Output{Port: uint32(port)}, nil
	}
}

func (c *SetDataVariableConfig) parse() (table.Instruction, error) {
	op, err := opcode.ParseOpcode(c.Opcode)
	if err != nil {
		return nil, fmt.Errorf("setDataVariable: %w", err)
	}
	u := opcode.Update{Opcode: op, Output: c.Output, Scale: DefaultScale}
	if c.Scale != nil {
		u.Scale = *c.Scale
	}
	if u.Operand1, err = operand.Parse(c.Operand1); err != nil {
		return nil, fmt.Errorf("setDataVariable: %w", err)
	}
	if u.Operand2, err = operand.Parse(c.Operand2); err != nil {
		return nil, fmt.Errorf("setDataVariable: %w", err)
	}
	if op == opcode.VAR {
		if u.Operand3, err = operand.Parse(c.Operand3); err != nil {
			return nil, fmt.Errorf("setDataVariable: %w", err)
		}
	} else if c.Operand3 != "" {
		return nil, fmt.Errorf("setDataVariable: operand3 is only used by VAR")
	}
	return table.SetDataVariable{Update: u}, nil
}
