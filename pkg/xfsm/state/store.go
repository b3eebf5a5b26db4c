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

// Package state keeps the per-flow state of a stateful table: a state id and
// the flow data variables of every flow key seen so far.
package state

import (
	"errors"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/simplelru"
	"k8s.io/utils/clock"
)

const (
	DefaultShards          = 64
	DefaultNumAccumulators = 8
)

// ErrStoreFull is returned by Execute when a new record cannot be created
// because the store holds MaxFlows records and the overflow policy is Reject,
// or no record could be evicted to make room.
var ErrStoreFull = errors.New("flow state store is full")

type OverflowPolicy int

const (
	// EvictLRU evicts the least recently used record of the shard of the new
	// key, or of another shard when that one is empty, to make room for a new
	// record. The evicted key is reported in the Outcome.
	EvictLRU OverflowPolicy = iota
	// Reject fails the commit with ErrStoreFull.
	Reject
)

func (p OverflowPolicy) String() string {
	if p == Reject {
		return "Reject"
	}
	return "EvictLRU"
}

// FlowState is the persistent state of one flow key.
type FlowState struct {
	State        uint32
	Accumulators []int64
}

// View is the read-only state handed to Execute callbacks. Accumulators is nil
// when the key has no record, meaning all zeros.
type View struct {
	State        uint32
	Accumulators []int64
	Found        bool
}

// Commit is returned by an Execute callback to describe the write, if any,
// that ends the critical section.
type Commit struct {
	Write        bool
	Key          Key
	State        uint32
	Accumulators []int64
}

// Outcome describes what Execute did.
type Outcome struct {
	Committed bool
	// Created is true when the commit created a new record.
	Created bool
	// EvictedKey is set when making room for the commit evicted a record.
	EvictedKey Key
	// Retries counts how often the callback had to be re-run because the
	// lookup shard changed while the update shard was being locked.
	Retries int
}

type Options struct {
	// MaxFlows bounds the number of records. 0 means unbounded.
	MaxFlows int
	Shards   int
	// IdleTimeout expires records that have not been looked up or written
	// for that long. 0 disables expiry.
	IdleTimeout     time.Duration
	Overflow        OverflowPolicy
	NumAccumulators int
	Clock           clock.PassiveClock
}

type record struct {
	state        uint32
	accumulators []int64
	lastSeen     time.Time
}

type shard struct {
	mu sync.Mutex
	// gen is bumped whenever a record of the shard is created, modified or
	// removed.
	gen uint64
	lru *simplelru.LRU
}

// Store is a sharded, optionally bounded map from flow keys to FlowState.
// Each shard is a mutex-protected LRU list.
type Store struct {
	shards []*shard
	// count is the number of records across all shards. It is only
	// incremented with a shard lock held, after checking maxFlows.
	count           atomic.Int64
	maxFlows        int64
	idleTimeout     time.Duration
	overflow        OverflowPolicy
	numAccumulators int
	clock           clock.PassiveClock
}

func NewStore(opts Options) *Store {
	nShards := opts.Shards
	if nShards <= 0 {
		nShards = DefaultShards
	}
	if opts.NumAccumulators <= 0 {
		opts.NumAccumulators = DefaultNumAccumulators
	}
	if opts.Clock == nil {
		opts.Clock = clock.RealClock{}
	}
	s := &Store{
		shards:          make([]*shard, nShards),
		maxFlows:        int64(opts.MaxFlows),
		idleTimeout:     opts.IdleTimeout,
		overflow:        opts.Overflow,
		numAccumulators: opts.NumAccumulators,
		clock:           opts.Clock,
	}
	for i := range s.shards {
		// The bound is enforced across shards by put, the LRU lists only
		// keep recency. NewLRU only fails for a non-positive size.
		l, _ := simplelru.NewLRU(math.MaxInt32, nil)
		s.shards[i] = &shard{lru: l}
	}
	return s
}

// NumAccumulators returns the number of flow data variables of each record.
func (s *Store) NumAccumulators() int {
	return s.numAccumulators
}

// ShardIndex returns the shard k belongs to. Packets with the same lookup key
// map to the same shard, which callers can use to spread work over workers
// without reordering packets of a flow.
func (s *Store) ShardIndex(k Key) int {
	return int(xxhash.Sum64String(string(k)) % uint64(len(s.shards)))
}

func (s *Store) NumShards() int {
	return len(s.shards)
}

func (s *Store) expired(r *record, now time.Time) bool {
	return s.idleTimeout > 0 && now.Sub(r.lastSeen) >= s.idleTimeout
}

// get returns the live record of k, refreshing its recency. The shard lock
// must be held.
func (s *Store) get(sh *shard, k Key, now time.Time) (*record, bool) {
	v, ok := sh.lru.Get(k)
	if !ok {
		return nil, false
	}
	r := v.(*record)
	if s.expired(r, now) {
		sh.lru.Remove(k)
		sh.gen++
		s.count.Add(-1)
		return nil, false
	}
	r.lastSeen = now
	return r, true
}

// put writes c into sh. The shard lock must be held.
func (s *Store) put(sh *shard, c *Commit, now time.Time, out *Outcome) error {
	if v, ok := sh.lru.Get(c.Key); ok {
		r := v.(*record)
		r.state = c.State
		copyAccumulators(r.accumulators, c.Accumulators)
		r.lastSeen = now
		sh.gen++
		out.Committed = true
		return nil
	}
	if err := s.reserve(sh, out); err != nil {
		return err
	}
	r := &record{state: c.State, accumulators: make([]int64, s.numAccumulators), lastSeen: now}
	copyAccumulators(r.accumulators, c.Accumulators)
	sh.lru.Add(c.Key, r)
	sh.gen++
	out.Committed = true
	out.Created = true
	return nil
}

// reserve accounts for a new record in sh, evicting a record when the store
// is full and the overflow policy allows it. The lock of sh must be held.
func (s *Store) reserve(sh *shard, out *Outcome) error {
	for {
		n := s.count.Load()
		if s.maxFlows <= 0 || n < s.maxFlows {
			if s.count.CompareAndSwap(n, n+1) {
				return nil
			}
			continue
		}
		if s.overflow == Reject {
			return ErrStoreFull
		}
		// The new record takes the place of the evicted one, count is
		// unchanged.
		k, ok := s.evictOldest(sh)
		if !ok {
			return ErrStoreFull
		}
		out.EvictedKey = k
		return nil
	}
}

// evictOldest removes the least recently used record of sh, or of the first
// other shard that is not empty and not locked. The lock of sh must be held.
// Shards locked by the caller are skipped by TryLock.
func (s *Store) evictOldest(sh *shard) (Key, bool) {
	if k, _, ok := sh.lru.RemoveOldest(); ok {
		sh.gen++
		return k.(Key), true
	}
	for _, other := range s.shards {
		if other == sh || !other.mu.TryLock() {
			continue
		}
		k, _, ok := other.lru.RemoveOldest()
		if ok {
			other.gen++
		}
		other.mu.Unlock()
		if ok {
			return k.(Key), true
		}
	}
	return "", false
}

func copyAccumulators(dst, src []int64) {
	n := copy(dst, src)
	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func view(r *record, found bool) View {
	if !found {
		return View{}
	}
	return View{State: r.state, Accumulators: r.accumulators, Found: true}
}

// Execute runs fn as the critical section of one packet: fn observes the
// state of lookup and returns the commit to apply. No other Execute call can
// observe or modify the record of lookup between the read and the commit,
// even when the commit targets a different key. The View passed to fn is only
// valid during the call. fn may be called more than once and must not have
// side effects beyond its return value.
func (s *Store) Execute(lookup Key, fn func(View) Commit) (Outcome, error) {
	var out Outcome
	for {
		now := s.clock.Now()
		if lookup == "" {
			c := fn(View{})
			if !c.Write || c.Key == "" {
				return out, nil
			}
			sh := s.shards[s.ShardIndex(c.Key)]
			sh.mu.Lock()
			err := s.put(sh, &c, now, &out)
			sh.mu.Unlock()
			return out, err
		}

		i := s.ShardIndex(lookup)
		si := s.shards[i]
		si.mu.Lock()
		r, found := s.get(si, lookup, now)
		c := fn(view(r, found))
		if !c.Write || c.Key == "" {
			si.mu.Unlock()
			return out, nil
		}
		j := s.ShardIndex(c.Key)
		if j == i {
			err := s.put(si, &c, now, &out)
			si.mu.Unlock()
			return out, err
		}
		sj := s.shards[j]
		if j > i {
			sj.mu.Lock()
			err := s.put(sj, &c, now, &out)
			sj.mu.Unlock()
			si.mu.Unlock()
			return out, err
		}
		// Shards are always locked in ascending order. Re-acquire both and
		// make sure the lookup shard did not change in between, otherwise
		// evaluate the packet again.
		gen := si.gen
		si.mu.Unlock()
		sj.mu.Lock()
		si.mu.Lock()
		if si.gen != gen {
			si.mu.Unlock()
			sj.mu.Unlock()
			out.Retries++
			continue
		}
		err := s.put(sj, &c, now, &out)
		si.mu.Unlock()
		sj.mu.Unlock()
		return out, err
	}
}

// Lookup returns the state of k without refreshing it. A key without a record
// yields the default state: state 0 and all-zero accumulators.
func (s *Store) Lookup(k Key) FlowState {
	st := FlowState{Accumulators: make([]int64, s.numAccumulators)}
	if k == "" {
		return st
	}
	sh := s.shards[s.ShardIndex(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.lru.Peek(k)
	if !ok || s.expired(v.(*record), s.clock.Now()) {
		return st
	}
	r := v.(*record)
	st.State = r.state
	copy(st.Accumulators, r.accumulators)
	return st
}

// Contains reports whether k has a live record.
func (s *Store) Contains(k Key) bool {
	sh := s.shards[s.ShardIndex(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	v, ok := sh.lru.Peek(k)
	return ok && !s.expired(v.(*record), s.clock.Now())
}

// Set writes st for k unconditionally, with the same overflow handling as a
// packet commit.
func (s *Store) Set(k Key, st FlowState) (Outcome, error) {
	return s.Execute("", func(View) Commit {
		return Commit{Write: true, Key: k, State: st.State, Accumulators: st.Accumulators}
	})
}

// Delete removes the record of k and reports whether it existed.
func (s *Store) Delete(k Key) bool {
	sh := s.shards[s.ShardIndex(k)]
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.lru.Remove(k) {
		sh.gen++
		s.count.Add(-1)
		return true
	}
	return false
}

// Expire removes the records idle for longer than the idle timeout and
// returns how many were removed.
func (s *Store) Expire() int {
	if s.idleTimeout <= 0 {
		return 0
	}
	now := s.clock.Now()
	removed := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for {
			_, v, ok := sh.lru.GetOldest()
			if !ok || !s.expired(v.(*record), now) {
				break
			}
			sh.lru.RemoveOldest()
			sh.gen++
			s.count.Add(-1)
			removed++
		}
		sh.mu.Unlock()
	}
	return removed
}

// Len returns the number of records, including idle records not yet expired.
func (s *Store) Len() int {
	return int(s.count.Load())
}

// Clear removes every record.
func (s *Store) Clear() {
	for _, sh := range s.shards {
		sh.mu.Lock()
		s.count.Add(-int64(sh.lru.Len()))
		sh.lru.Purge()
		sh.gen++
		sh.mu.Unlock()
	}
}

type Entry struct {
	Key   Key
	State FlowState
}

// Dump returns a copy of every live record, sorted by key.
func (s *Store) Dump() []Entry {
	now := s.clock.Now()
	var entries []Entry
	for _, sh := range s.shards {
		sh.mu.Lock()
		for _, k := range sh.lru.Keys() {
			v, _ := sh.lru.Peek(k)
			r := v.(*record)
			if s.expired(r, now) {
				continue
			}
			entries = append(entries, Entry{
				Key:   k.(Key),
				State: FlowState{State: r.state, Accumulators: append([]int64(nil), r.accumulators...)},
			})
		}
		sh.mu.Unlock()
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Key < entries[j].Key })
	return entries
}
