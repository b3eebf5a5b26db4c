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

// Package xfsm implements a datapath of stateful flow tables: per-flow
// extended finite state machines configured through a control-plane API and
// driven by packets.
package xfsm

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/klog/v2"
	"k8s.io/utils/clock"

	"antrea.io/xfsm/pkg/xfsm/condition"
	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/metrics"
	"antrea.io/xfsm/pkg/xfsm/operand"
	"antrea.io/xfsm/pkg/xfsm/packet"
	"antrea.io/xfsm/pkg/xfsm/state"
	"antrea.io/xfsm/pkg/xfsm/table"
)

// MaxTableID is the highest usable table id. 0xff addresses all tables in
// OpenFlow and cannot be configured.
const MaxTableID uint8 = 0xfe

const (
	opConfigureStateful    = "ConfigureStateful"
	opConfigureExtractor   = "ConfigureExtractor"
	opConfigureHeaderField = "ConfigureHeaderField"
	opConfigureGlobal      = "ConfigureGlobal"
	opConfigureCondition   = "ConfigureCondition"
	opInstallFlowEntry     = "InstallFlowEntry"
	opRemoveFlowEntry      = "RemoveFlowEntry"
	opConfigureTable       = "ConfigureTable"
	opResetTable           = "ResetTable"
	opDeleteState          = "DeleteState"
	opApply                = "Apply"
)

// ErrInvalidConfiguration is wrapped by every ConfigurationError.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// ConfigurationError is returned when a configuration operation is rejected.
// The configuration of the table is left unchanged.
type ConfigurationError struct {
	Table  uint8
	Op     string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("%s: %s on table %d: %s", ErrInvalidConfiguration, e.Op, e.Table, e.Reason)
}

func (e *ConfigurationError) Unwrap() error {
	return ErrInvalidConfiguration
}

// TableOptions are the resource settings of a table.
type TableOptions = table.Options

var tableLabels = func() (labels [256]string) {
	for i := range labels {
		labels[i] = strconv.Itoa(i)
	}
	return
}()

// Datapath holds the stateful tables of a switch, indexed by table id.
type Datapath struct {
	clock clock.Clock
	// epoch is the origin of the packet timestamp field.
	epoch time.Time

	mu     sync.RWMutex
	tables map[uint8]*table.Table

	evictionLogLimiter *rate.Limiter
}

func NewDatapath() *Datapath {
	return NewDatapathWithClock(clock.RealClock{})
}

// NewDatapathWithClock returns a Datapath using clk for packet arrival times
// and flow expiry. The packet timestamp epoch is the creation time.
func NewDatapathWithClock(clk clock.Clock) *Datapath {
	return &Datapath{
		clock:              clk,
		epoch:              clk.Now(),
		tables:             map[uint8]*table.Table{},
		evictionLogLimiter: rate.NewLimiter(rate.Every(time.Second), 1),
	}
}

// Epoch is the time packet timestamps are measured from.
func (d *Datapath) Epoch() time.Time {
	return d.epoch
}

// Table returns the table with the given id, if it has been configured.
func (d *Datapath) Table(id uint8) (*table.Table, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tables[id]
	return t, ok
}

// Tables returns the ids of the configured tables in ascending order.
func (d *Datapath) Tables() []uint8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	ids := make([]uint8, 0, len(d.tables))
	for id := range d.tables {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// getOrCreateTable returns table id, creating an empty stateless table on
// first use.
func (d *Datapath) getOrCreateTable(id uint8) (*table.Table, error) {
	if id > MaxTableID {
		return nil, fmt.Errorf("table id %d exceeds maximum %d", id, MaxTableID)
	}
	if t, ok := d.Table(id); ok {
		return t, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if t, ok := d.tables[id]; ok {
		return t, nil
	}
	t := table.New(id, d.epoch, d.clock)
	d.tables[id] = t
	klog.V(2).InfoS("Created table", "table", id)
	return t, nil
}

// update runs a configuration operation against table id and publishes the
// result atomically.
func (d *Datapath) update(id uint8, op string, fn func(b *table.Builder) error) error {
	t, err := d.getOrCreateTable(id)
	if err != nil {
		metrics.ConfigErrorCount.WithLabelValues(tableLabels[id], op).Inc()
		return &ConfigurationError{Table: id, Op: op, Reason: err.Error()}
	}
	cfg, err := t.Update(fn)
	if err != nil {
		metrics.ConfigErrorCount.WithLabelValues(tableLabels[id], op).Inc()
		klog.V(2).InfoS("Rejected table configuration", "table", id, "op", op, "err", err)
		return &ConfigurationError{Table: id, Op: op, Reason: err.Error()}
	}
	metrics.ConfigPublishCount.WithLabelValues(tableLabels[id], op).Inc()
	klog.V(4).InfoS("Published table configuration", "table", id, "op", op, "version", cfg.Version())
	return nil
}

// ConfigureStateful enables or disables flow state for a table.
func (d *Datapath) ConfigureStateful(tableID uint8, enabled bool) error {
	return d.update(tableID, opConfigureStateful, func(b *table.Builder) error {
		b.SetStateful(enabled)
		return nil
	})
}

// ConfigureExtractor sets the ordered lookup or update key fields of a table.
// Lookup and update fields must have the same number of fields with the same
// widths, so that the update key of a packet can address the lookup key of
// another one.
func (d *Datapath) ConfigureExtractor(tableID uint8, role table.KeyRole, fs []fields.Field) error {
	return d.update(tableID, opConfigureExtractor, func(b *table.Builder) error {
		return b.SetKeyFields(role, fs)
	})
}

// ConfigureHeaderField registers the field extracted into header field
// operand id.
func (d *Datapath) ConfigureHeaderField(tableID uint8, id int, f fields.Field) error {
	return d.update(tableID, opConfigureHeaderField, func(b *table.Builder) error {
		return b.SetHeaderField(id, f)
	})
}

// ConfigureGlobal overwrites global data variable id.
func (d *Datapath) ConfigureGlobal(tableID uint8, id int, value int64) error {
	return d.update(tableID, opConfigureGlobal, func(b *table.Builder) error {
		return b.SetGlobal(id, value)
	})
}

// Global returns global data variable id of a table, 0 when unset.
func (d *Datapath) Global(tableID uint8, id int) int64 {
	t, ok := d.Table(tableID)
	if !ok {
		return 0
	}
	return t.Config().Global(id)
}

// ConfigureCondition configures condition id. Operands referring to header
// fields must refer to registered extractors.
func (d *Datapath) ConfigureCondition(tableID uint8, id int, op condition.Operator, operand1, operand2 operand.Operand) error {
	return d.update(tableID, opConfigureCondition, func(b *table.Builder) error {
		return b.SetCondition(id, condition.Condition{Operator: op, Operand1: operand1, Operand2: operand2})
	})
}

// InstallFlowEntry installs an entry, replacing the entry with the same
// priority and match.
func (d *Datapath) InstallFlowEntry(tableID uint8, priority uint16, match table.Match, instructions []table.Instruction) error {
	return d.update(tableID, opInstallFlowEntry, func(b *table.Builder) error {
		return b.InstallEntry(priority, match, instructions)
	})
}

// RemoveFlowEntry removes the entry with the given priority and match.
func (d *Datapath) RemoveFlowEntry(tableID uint8, priority uint16, match table.Match) error {
	return d.update(tableID, opRemoveFlowEntry, func(b *table.Builder) error {
		return b.RemoveEntry(priority, match)
	})
}

// ConfigureTable changes the resource settings of a table. Existing flow
// records are kept as long as they fit.
func (d *Datapath) ConfigureTable(tableID uint8, opts TableOptions) error {
	return d.update(tableID, opConfigureTable, func(b *table.Builder) error {
		return b.SetOptions(opts)
	})
}

// ResetTable removes the whole configuration and every flow record of a
// table. Its resource settings are kept.
func (d *Datapath) ResetTable(tableID uint8) error {
	if err := d.update(tableID, opResetTable, func(b *table.Builder) error {
		b.Reset()
		return nil
	}); err != nil {
		return err
	}
	metrics.FlowCount.WithLabelValues(tableLabels[tableID]).Set(0)
	return nil
}

// Apply runs fn against the configuration of a table and publishes all of
// its changes at once, or none of them if fn or the validation fails.
func (d *Datapath) Apply(tableID uint8, fn func(b *table.Builder) error) error {
	return d.update(tableID, opApply, fn)
}

// DumpStates returns the flow records of a table.
func (d *Datapath) DumpStates(tableID uint8) []table.StateEntry {
	t, ok := d.Table(tableID)
	if !ok {
		return nil
	}
	return t.States()
}

// DeleteState removes the flow record identified by the given lookup field
// values and reports whether it existed.
func (d *Datapath) DeleteState(tableID uint8, values []uint64) (bool, error) {
	t, ok := d.Table(tableID)
	if !ok {
		return false, nil
	}
	deleted, err := t.DeleteState(values)
	if err != nil {
		return false, &ConfigurationError{Table: tableID, Op: opDeleteState, Reason: err.Error()}
	}
	return deleted, nil
}

// Process runs pkt through table tableID.
func (d *Datapath) Process(tableID uint8, pkt *packet.Packet) (*table.Result, error) {
	t, err := d.getOrCreateTable(tableID)
	if err != nil {
		return nil, err
	}
	res, err := t.Process(pkt)
	label := tableLabels[tableID]
	verdict := metrics.VerdictForward
	if res.Drop {
		verdict = metrics.VerdictDrop
	}
	metrics.PacketCount.WithLabelValues(label, verdict).Inc()
	if res.Entry.IsTableMiss() {
		metrics.TableMissCount.WithLabelValues(label).Inc()
	}
	if res.Committed {
		metrics.StateCommitCount.WithLabelValues(label).Inc()
	}
	if res.Evicted != "" {
		metrics.FlowEvictionCount.WithLabelValues(label).Inc()
		if d.evictionLogLimiter.Allow() {
			klog.InfoS("Evicted least recently used flow record, consider increasing maxFlows", "table", tableID, "numFlows", t.NumFlows())
		}
	}
	if err != nil {
		if errors.Is(err, state.ErrStoreFull) {
			metrics.RejectedCommitCount.WithLabelValues(label).Inc()
		}
		return res, err
	}
	if klogV := klog.V(5); klogV.Enabled() {
		klogV.InfoS("Processed packet", "table", tableID, "entry", res.Entry.ID(), "state", res.State, "newState", res.NewState, "conditions", res.Conditions, "outputs", res.Outputs)
	}
	return res, nil
}

// ShardOf returns the flow state shard of pkt in table tableID. Packets of the
// same flow map to the same shard.
func (d *Datapath) ShardOf(tableID uint8, pkt *packet.Packet) int {
	t, ok := d.Table(tableID)
	if !ok {
		return 0
	}
	return t.ShardOf(pkt)
}

// NumShards returns the number of flow state shards of table tableID.
func (d *Datapath) NumShards(tableID uint8) int {
	t, ok := d.Table(tableID)
	if !ok {
		return 1
	}
	return t.NumShards()
}

// Sweep removes idle flow records of every table and refreshes the flow count
// metrics.
func (d *Datapath) Sweep() {
	d.mu.RLock()
	tables := make([]*table.Table, 0, len(d.tables))
	for _, t := range d.tables {
		tables = append(tables, t)
	}
	d.mu.RUnlock()
	for _, t := range tables {
		label := tableLabels[t.ID()]
		if n := t.Expire(); n > 0 {
			metrics.ExpiredFlowCount.WithLabelValues(label).Add(float64(n))
			klog.V(2).InfoS("Expired idle flow records", "table", t.ID(), "count", n)
		}
		metrics.FlowCount.WithLabelValues(label).Set(float64(t.NumFlows()))
	}
}

// Run sweeps the tables every interval until stopCh is closed.
func (d *Datapath) Run(interval time.Duration, stopCh <-chan struct{}) {
	klog.InfoS("Starting flow record sweeper", "interval", interval)
	wait.Until(d.Sweep, interval, stopCh)
}
