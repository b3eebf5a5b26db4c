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

// Package replay feeds capture files through a datapath table.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/gopacket/gopacket"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"antrea.io/xfsm/pkg/xfsm"
	"antrea.io/xfsm/pkg/xfsm/packet"
	"antrea.io/xfsm/pkg/xfsm/state"
)

const (
	DefaultWorkers = 4
	queueSize      = 256
)

type Options struct {
	TableID uint8
	// Workers is the number of packets processed in parallel. Packets of a
	// flow are always processed by the same worker, in capture order.
	Workers int
	// InPort overrides the in_port of every packet. When 0, the in_port of a
	// packet is its pcapng interface index plus 1.
	InPort uint32
}

type Stats struct {
	Packets   uint64
	Forwarded uint64
	Dropped   uint64
	Committed uint64
	Evicted   uint64
	// Rejected counts commits that failed because the flow state store was
	// full. The packets were still forwarded or dropped as decided.
	Rejected uint64
	// Diagnostics counts packets with non-fatal processing errors.
	Diagnostics uint64
}

type stats struct {
	packets, forwarded, dropped, committed, evicted, rejected, diagnostics atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		Packets:     s.packets.Load(),
		Forwarded:   s.forwarded.Load(),
		Dropped:     s.dropped.Load(),
		Committed:   s.committed.Load(),
		Evicted:     s.evicted.Load(),
		Rejected:    s.rejected.Load(),
		Diagnostics: s.diagnostics.Load(),
	}
}

type Replayer struct {
	datapath *xfsm.Datapath
	sink     Sink
	opts     Options
	// first is the capture timestamp of the first packet read by any Run.
	first time.Time
}

// NewReplayer returns a Replayer processing packets with d. sink may be nil.
func NewReplayer(d *xfsm.Datapath, sink Sink, opts Options) *Replayer {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	return &Replayer{datapath: d, sink: sink, opts: opts}
}

// Run processes every packet of src. Packet arrival times are rebased so that
// the first packet read by the Replayer arrives at the epoch of the datapath,
// which keeps a single timeline across successive calls. Run must not be
// called concurrently. It returns when src is exhausted, ctx is cancelled, or processing or the sink
// fails.
func (r *Replayer) Run(ctx context.Context, src gopacket.PacketDataSource) (Stats, error) {
	var st stats
	g, ctx := errgroup.WithContext(ctx)
	queues := make([]chan *packet.Packet, r.opts.Workers)
	for i := range queues {
		queue := make(chan *packet.Packet, queueSize)
		queues[i] = queue
		g.Go(func() error {
			for pkt := range queue {
				if err := r.process(pkt, &st); err != nil {
					return err
				}
			}
			return nil
		})
	}
	g.Go(func() error {
		defer func() {
			for _, queue := range queues {
				close(queue)
			}
		}()
		return r.read(ctx, src, queues)
	})
	err := g.Wait()
	result := st.snapshot()
	klog.InfoS("Replayed capture", "table", r.opts.TableID, "packets", result.Packets, "forwarded", result.Forwarded, "dropped", result.Dropped)
	return result, err
}

func (r *Replayer) read(ctx context.Context, src gopacket.PacketDataSource, queues []chan *packet.Packet) error {
	epoch := r.datapath.Epoch()
	for {
		data, ci, err := src.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("error when reading packet: %w", err)
		}
		if r.first.IsZero() {
			r.first = ci.Timestamp
		}
		pkt := &packet.Packet{
			InPort:      r.opts.InPort,
			Data:        data,
			ArrivalTime: epoch.Add(ci.Timestamp.Sub(r.first)),
		}
		if pkt.InPort == 0 {
			pkt.InPort = uint32(ci.InterfaceIndex) + 1
		}
		queue := queues[r.datapath.ShardOf(r.opts.TableID, pkt)%len(queues)]
		select {
		case queue <- pkt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (r *Replayer) process(pkt *packet.Packet, st *stats) error {
	res, err := r.datapath.Process(r.opts.TableID, pkt)
	if errors.Is(err, state.ErrStoreFull) {
		st.rejected.Add(1)
	} else if err != nil {
		return err
	}
	st.packets.Add(1)
	if res.Drop {
		st.dropped.Add(1)
	} else {
		st.forwarded.Add(1)
	}
	if res.Committed {
		st.committed.Add(1)
	}
	if res.Evicted != "" {
		st.evicted.Add(1)
	}
	if len(res.Diagnostics) > 0 {
		st.diagnostics.Add(1)
		klog.V(2).InfoS("Packet processed with errors", "table", r.opts.TableID, "inPort", pkt.InPort, "errs", res.Diagnostics)
	}
	if r.sink != nil {
		if err := r.sink.Write(pkt, res); err != nil {
			return err
		}
	}
	return nil
}
