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

// Package table implements a stateful flow table: the match-action stage that
// selects an entry from packet fields, flow state and condition results, and
// the instruction executor that updates the flow state.
package table

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"

	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/operand"
	"antrea.io/xfsm/pkg/xfsm/packet"
	"antrea.io/xfsm/pkg/xfsm/state"
)

// Result describes how a packet was processed by a table.
type Result struct {
	TableID uint8
	// Version of the configuration snapshot used for the packet.
	Version uint64
	// Entry is the matched entry; Entry.IsTableMiss() is true when no
	// installed entry matched. It belongs to the configuration snapshot and
	// must not be modified.
	Entry *FlowEntry
	// LookupKey is empty when the table is stateless or a lookup field is
	// absent from the packet.
	LookupKey state.Key
	// UpdateKey is the key the new state was written to, if any.
	UpdateKey state.Key
	State     uint32
	NewState  uint32
	// Accumulators are the flow data variables after the entry's updates.
	Accumulators []int64
	Conditions   condition.Bits
	Outputs      []uint32
	SetFields    []SetField
	Committed    bool
	// Created is true when the commit created a new flow record.
	Created bool
	// Evicted is the key of the record evicted to make room for the commit.
	Evicted state.Key
	// Drop is true when the packet is not forwarded.
	Drop bool
	// Diagnostics collects non-fatal errors, e.g. a division by zero or a
	// set-field on a header absent from the packet.
	Diagnostics []error
}

// Table is a stateful flow table. Packets may be processed concurrently with
// each other and with configuration changes.
type Table struct {
	id    uint8
	epoch time.Time
	clock clock.PassiveClock

	// mu serializes configuration changes.
	mu     sync.Mutex
	config atomic.Pointer[Config]
}

// New returns an empty, stateless table. Packet timestamps are measured from
// epoch.
func New(id uint8, epoch time.Time, clk clock.PassiveClock) *Table {
	t := &Table{id: id, epoch: epoch, clock: clk}
	t.config.Store(newConfig(id, clk))
	return t
}

func (t *Table) ID() uint8 {
	return t.id
}

// Config returns the current configuration snapshot.
func (t *Table) Config() *Config {
	return t.config.Load()
}

// Update applies fn to a Builder based on the current snapshot and publishes
// the result. Either every change made by fn becomes visible or none does.
func (t *Table) Update(fn func(b *Builder) error) (*Config, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := newBuilder(t.config.Load(), t.clock)
	if err := fn(b); err != nil {
		return nil, err
	}
	cfg, err := b.Build()
	if err != nil {
		return nil, err
	}
	t.config.Store(cfg)
	return cfg, nil
}

// Process runs pkt through the table. Set-field actions are applied to
// pkt.Data in place. The returned error is only set when the flow state could
// not be committed; the forwarding decision in the Result stands.
func (t *Table) Process(pkt *packet.Packet) (*Result, error) {
	cfg := t.config.Load()
	if pkt.ArrivalTime.IsZero() {
		pkt.ArrivalTime = t.clock.Now()
	}
	h := packet.Decode(pkt, t.epoch)
	defer packet.Release(h)

	var headerFields [MaxHeaderFields]int64
	cfg.headerFields.ExtractAll(h, &headerFields)

	res := &Result{TableID: t.id, Version: cfg.version, Accumulators: make([]int64, NumAccumulators)}
	// evaluate may run more than once for a packet, so it starts from scratch
	// every time.
	evaluate := func(v state.View) state.Commit {
		acc := res.Accumulators
		n := copy(acc, v.Accumulators)
		clear(acc[n:])
		res.Diagnostics = nil
		res.UpdateKey = ""
		res.State = v.State
		env := operand.Env{HeaderFields: headerFields[:], FlowData: acc, GlobalData: cfg.globals[:]}
		res.Conditions = cfg.conditions.Evaluate(&env)
		e := cfg.lookupEntry(h, v.State, res.Conditions)
		res.Entry = e
		for _, u := range e.updates {
			if err := u.Apply(&env); err != nil {
				res.Diagnostics = append(res.Diagnostics, fmt.Errorf("%s: %w", u, err))
			}
		}
		res.NewState = v.State
		ext := cfg.update
		if e.setState != nil {
			res.NewState = e.setState.State
			if !e.updateExtractor.IsZero() {
				ext = e.updateExtractor
			}
		}
		if !cfg.stateful || !e.Commits() {
			return state.Commit{}
		}
		k, ok := ext.Key(h)
		if !ok {
			return state.Commit{}
		}
		res.UpdateKey = k
		return state.Commit{Write: true, Key: k, State: res.NewState, Accumulators: acc}
	}

	var commitErr error
	if cfg.stateful {
		if k, ok := cfg.lookup.Key(h); ok {
			res.LookupKey = k
		}
		out, err := cfg.store.Execute(res.LookupKey, evaluate)
		res.Committed = out.Committed
		res.Created = out.Created
		res.Evicted = out.EvictedKey
		if err != nil {
			commitErr = fmt.Errorf("table %d: error when committing flow state: %w", t.id, err)
		}
	} else {
		evaluate(state.View{})
	}

	e := res.Entry
	res.Outputs = slices.Clone(e.outputs)
	res.SetFields = slices.Clone(e.setFields)
	res.Drop = len(e.outputs) == 0
	if !res.Drop {
		for _, sf := range e.setFields {
			if err := fields.Rewrite(sf.Field, sf.Value, pkt.Data, h); err != nil {
				res.Diagnostics = append(res.Diagnostics, err)
			}
		}
	}
	return res, commitErr
}

// ShardOf returns the flow state shard the packet's lookup key belongs to.
// Packets of the same flow always map to the same shard.
func (t *Table) ShardOf(pkt *packet.Packet) int {
	cfg := t.config.Load()
	if !cfg.stateful {
		return 0
	}
	h := packet.Decode(pkt, t.epoch)
	defer packet.Release(h)
	k, ok := cfg.lookup.Key(h)
	if !ok {
		return 0
	}
	return cfg.store.ShardIndex(k)
}

// NumShards returns the number of flow state shards of the table.
func (t *Table) NumShards() int {
	return t.config.Load().store.NumShards()
}

// StateEntry is a flow record as reported to the control plane.
type StateEntry struct {
	Key          state.Key
	Fields       string
	State        uint32
	Accumulators []int64
}

// States returns every live flow record, sorted by key.
func (t *Table) States() []StateEntry {
	cfg := t.config.Load()
	ext := cfg.stateExtractor()
	records := cfg.store.Dump()
	entries := make([]StateEntry, len(records))
	for i, r := range records {
		entries[i] = StateEntry{
			Key:          r.Key,
			Fields:       ext.Format(r.Key),
			State:        r.State.State,
			Accumulators: r.State.Accumulators,
		}
	}
	return entries
}

// FlowState returns the state of the flow identified by values, given in the
// order of the lookup fields.
func (t *Table) FlowState(values []uint64) (state.FlowState, error) {
	cfg := t.config.Load()
	k, err := cfg.stateExtractor().KeyFromValues(values)
	if err != nil {
		return state.FlowState{}, err
	}
	return cfg.store.Lookup(k), nil
}

// DeleteState removes the flow record identified by values, given in the
// order of the lookup fields, and reports whether it existed.
func (t *Table) DeleteState(values []uint64) (bool, error) {
	cfg := t.config.Load()
	k, err := cfg.stateExtractor().KeyFromValues(values)
	if err != nil {
		return false, err
	}
	return cfg.store.Delete(k), nil
}

// NumFlows returns the number of flow records, including idle records not
// yet expired.
func (t *Table) NumFlows() int {
	return t.config.Load().store.Len()
}

// Expire removes idle flow records and returns how many were removed.
func (t *Table) Expire() int {
	return t.config.Load().store.Expire()
}
