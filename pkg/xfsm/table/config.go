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
	"maps"
	"time"

	"github.com/google/btree"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/packet"
	"antrea.io/xfsm/pkg/xfsm/state"
)

const (
	MaxHeaderFields = fields.MaxExtractors
	MaxConditions   = condition.MaxConditions
	MaxGlobals      = 8
	NumAccumulators = state.DefaultNumAccumulators

	DefaultMaxFlows = 65536

	btreeDegree = 8
)

// Options are the resource settings of a table's flow state store.
type Options struct {
	// MaxFlows bounds the number of flow records. 0 means DefaultMaxFlows.
	MaxFlows int
	// IdleTimeout expires flow records idle for that long. 0 disables expiry.
	IdleTimeout time.Duration
	Overflow    state.OverflowPolicy
	// Shards is the number of store shards. 0 means state.DefaultShards.
	Shards int
}

func (o Options) withDefaults() Options {
	if o.MaxFlows <= 0 {
		o.MaxFlows = DefaultMaxFlows
	}
	if o.Shards <= 0 {
		o.Shards = state.DefaultShards
	}
	return o
}

// KeyRole selects which key extractor of a table is configured.
type KeyRole int

const (
	// Lookup is the extractor used to read the flow state of a packet.
	Lookup KeyRole = iota
	// Update is the extractor used to address the record a packet writes.
	Update
)

func (r KeyRole) String() string {
	if r == Update {
		return "update"
	}
	return "lookup"
}

// Config is an immutable snapshot of a table configuration. Packets load the
// current snapshot once and use it for their whole evaluation.
type Config struct {
	id      uint8
	version uint64

	stateful     bool
	lookup       state.KeyExtractor
	update       state.KeyExtractor
	headerFields fields.Registry
	conditions   condition.Set
	globals      [MaxGlobals]int64

	entries *btree.BTreeG[*FlowEntry]
	byID    map[string]*FlowEntry
	nextSeq uint64

	options Options
	store   *state.Store
}

func newConfig(id uint8, clk clock.PassiveClock) *Config {
	c := &Config{
		id:      id,
		entries: btree.NewG[*FlowEntry](btreeDegree, entryLess),
		byID:    map[string]*FlowEntry{},
		options: Options{}.withDefaults(),
	}
	c.store = newStore(c.options, clk)
	return c
}

func newStore(opts Options, clk clock.PassiveClock) *state.Store {
	return state.NewStore(state.Options{
		MaxFlows:        opts.MaxFlows,
		Shards:          opts.Shards,
		IdleTimeout:     opts.IdleTimeout,
		Overflow:        opts.Overflow,
		NumAccumulators: NumAccumulators,
		Clock:           clk,
	})
}

func (c *Config) ID() uint8 {
	return c.id
}

// Version is incremented by every published change.
func (c *Config) Version() uint64 {
	return c.version
}

func (c *Config) Stateful() bool {
	return c.stateful
}

func (c *Config) LookupFields() []fields.Field {
	return c.lookup.Fields()
}

func (c *Config) UpdateFields() []fields.Field {
	return c.update.Fields()
}

func (c *Config) HeaderField(id int) (fields.Field, bool) {
	return c.headerFields.Lookup(id)
}

func (c *Config) Condition(id int) (condition.Condition, bool) {
	return c.conditions.Get(id)
}

// Global returns the value of global data variable id, 0 when unset.
func (c *Config) Global(id int) int64 {
	if id < 0 || id >= MaxGlobals {
		return 0
	}
	return c.globals[id]
}

func (c *Config) Options() Options {
	return c.options
}

// Entries returns the installed entries in match order.
func (c *Config) Entries() []*FlowEntry {
	entries := make([]*FlowEntry, 0, c.entries.Len())
	c.entries.Ascend(func(e *FlowEntry) bool {
		entries = append(entries, e)
		return true
	})
	return entries
}

// lookupEntry returns the first entry matching the packet, or tableMiss.
func (c *Config) lookupEntry(h *packet.Headers, st uint32, bits condition.Bits) *FlowEntry {
	found := tableMiss
	c.entries.Ascend(func(e *FlowEntry) bool {
		if e.Match.matches(h, st, bits) {
			found = e
			return false
		}
		return true
	})
	return found
}

// stateExtractor returns the extractor used to format and address records
// from the control plane.
func (c *Config) stateExtractor() state.KeyExtractor {
	if !c.lookup.IsZero() {
		return c.lookup
	}
	return c.update
}

// Builder prepares the next snapshot of a table. Changes only become visible
// to packets once the built Config is published.
type Builder struct {
	base       *Config
	next       Config
	clock      clock.PassiveClock
	resetStore bool
}

func newBuilder(base *Config, clk clock.PassiveClock) *Builder {
	b := &Builder{base: base, next: *base, clock: clk}
	b.next.entries = base.entries.Clone()
	b.next.byID = maps.Clone(base.byID)
	return b
}

// SetStateful enables or disables flow state. A stateless table reads state 0
// for every packet and never commits.
func (b *Builder) SetStateful(enabled bool) {
	b.next.stateful = enabled
}

// SetKeyFields configures the lookup or update key fields.
func (b *Builder) SetKeyFields(role KeyRole, fs []fields.Field) error {
	ext, err := state.NewKeyExtractor(fs)
	if err != nil {
		return fmt.Errorf("invalid %s fields: %w", role, err)
	}
	switch role {
	case Lookup:
		b.next.lookup = ext
	case Update:
		b.next.update = ext
	default:
		return fmt.Errorf("invalid key role %d", role)
	}
	return nil
}

func (b *Builder) SetHeaderField(id int, f fields.Field) error {
	return b.next.headerFields.Register(id, f)
}

func (b *Builder) SetGlobal(id int, value int64) error {
	if id < 0 || id >= MaxGlobals {
		return fmt.Errorf("global data variable id %d out of range [0, %d)", id, MaxGlobals)
	}
	b.next.globals[id] = value
	return nil
}

func (b *Builder) SetCondition(id int, c condition.Condition) error {
	return b.next.conditions.Configure(id, c)
}

// InstallEntry adds an entry, or replaces the entry with the same priority and
// match. A replaced entry keeps its position among entries of equal priority.
func (b *Builder) InstallEntry(priority uint16, m Match, instructions []Instruction) error {
	e, err := newFlowEntry(priority, m, instructions)
	if err != nil {
		return fmt.Errorf("entry %s: %w", entryID(priority, m.normalize()), err)
	}
	if old, ok := b.next.byID[e.id]; ok {
		e.seq = old.seq
	} else {
		e.seq = b.next.nextSeq
		b.next.nextSeq++
	}
	b.next.entries.ReplaceOrInsert(e)
	b.next.byID[e.id] = e
	return nil
}

// RemoveEntry removes the entry with the given priority and match.
func (b *Builder) RemoveEntry(priority uint16, m Match) error {
	id := entryID(priority, m.normalize())
	e, ok := b.next.byID[id]
	if !ok {
		return fmt.Errorf("entry %s not found", id)
	}
	b.next.entries.Delete(e)
	delete(b.next.byID, id)
	return nil
}

// SetOptions changes the resource settings. Existing flow records are
// migrated to a store with the new settings when the snapshot is built.
func (b *Builder) SetOptions(opts Options) error {
	opts = opts.withDefaults()
	if opts.Overflow != state.EvictLRU && opts.Overflow != state.Reject {
		return fmt.Errorf("invalid overflow policy %d", opts.Overflow)
	}
	if opts.IdleTimeout < 0 {
		return fmt.Errorf("idle timeout must not be negative")
	}
	b.next.options = opts
	return nil
}

// Clear removes the whole configuration. Options and flow records are kept,
// which lets a complete configuration be re-applied without losing state.
func (b *Builder) Clear() {
	fresh := newConfig(b.base.id, b.clock)
	fresh.options = b.next.options
	fresh.store = b.next.store
	fresh.nextSeq = b.next.nextSeq
	b.next = *fresh
}

// Reset clears the whole configuration and every flow record. Options are
// kept.
func (b *Builder) Reset() {
	b.Clear()
	b.resetStore = true
}

// Build validates the references between the parts of the configuration and
// returns the new snapshot. The base snapshot is never modified.
func (b *Builder) Build() (*Config, error) {
	cfg := b.next
	var errs []error
	if !cfg.lookup.IsZero() && !cfg.update.IsZero() && !cfg.lookup.Compatible(cfg.update) {
		errs = append(errs, fmt.Errorf("lookup fields %s and update fields %s do not have the same shape",
			fieldNames(cfg.lookup.Fields()), fieldNames(cfg.update.Fields())))
	}
	for id := 0; id < MaxConditions; id++ {
		c, ok := cfg.conditions.Get(id)
		if !ok {
			continue
		}
		for _, o := range c.Operands() {
			if err := validateOperand(o, &cfg.headerFields); err != nil {
				errs = append(errs, fmt.Errorf("condition %d: %w", id, err))
			}
		}
	}
	cfg.entries.Ascend(func(e *FlowEntry) bool {
		if err := e.validate(&cfg); err != nil {
			errs = append(errs, fmt.Errorf("entry %s: %w", e.id, err))
		}
		return true
	})
	if err := utilerrors.NewAggregate(errs); err != nil {
		return nil, err
	}

	switch {
	case b.resetStore:
		cfg.store = newStore(cfg.options, b.clock)
	case cfg.options != b.base.options:
		cfg.store = migrateStore(b.base.store, cfg.options, b.clock)
	}
	cfg.version = b.base.version + 1
	// Builder methods never modify the clone again once built.
	cfg.entries = cfg.entries.Clone()
	return &cfg, nil
}

// migrateStore copies the records of old into a store with the given options.
// Records that do not fit are evicted or dropped according to the new policy.
func migrateStore(old *state.Store, opts Options, clk clock.PassiveClock) *state.Store {
	s := newStore(opts, clk)
	dropped := 0
	for _, e := range old.Dump() {
		out, err := s.Set(e.Key, e.State)
		if err != nil || out.EvictedKey != "" {
			dropped++
		}
	}
	if dropped > 0 {
		klog.InfoS("Flow records dropped while resizing flow state store", "dropped", dropped, "maxFlows", opts.MaxFlows)
	}
	return s
}
