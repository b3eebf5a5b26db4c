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

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/component-base/metrics/legacyregistry"
	"k8s.io/klog/v2"

	"antrea.io/xfsm/pkg/log"
	"antrea.io/xfsm/pkg/replay"
	"antrea.io/xfsm/pkg/signals"
	"antrea.io/xfsm/pkg/version"
	"antrea.io/xfsm/pkg/xfsm"
	"antrea.io/xfsm/pkg/xfsm/metrics"
)

const metricsServerShutdownTimeout = 5 * time.Second

// runFunc is a variable so that tests can replace it.
var runFunc = run

func run(o *options) error {
	klog.InfoS("Starting xfsm-datapath", "version", version.GetFullVersion())
	// Set up signal capture: the first SIGTERM / SIGINT signal is handled gracefully and will
	// cause the stopCh channel to be closed; if another signal is received before the program
	// exits, we will force exit.
	stopCh := signals.RegisterSignalHandlers()
	log.StartLogFileNumberMonitor(stopCh)
	metrics.InitializeMetrics()
	return runDatapath(o, xfsm.NewDatapath(), os.Stdout, stopCh)
}

// runDatapath configures d, replays the captures and, when watching the
// configuration or serving metrics, blocks until stopCh is closed.
func runDatapath(o *options, d *xfsm.Datapath, out io.Writer, stopCh <-chan struct{}) error {
	if o.config != nil {
		if err := o.config.Apply(d); err != nil {
			return fmt.Errorf("error when applying datapath configuration: %w", err)
		}
		klog.InfoS("Applied datapath configuration", "file", o.configFile, "tables", len(o.config.Tables))
	}
	go d.Run(o.sweepInterval, stopCh)

	if o.metricsBindAddress != "" {
		if _, err := startMetricsServer(o.metricsBindAddress, stopCh); err != nil {
			return err
		}
	}
	if o.watch {
		watcher, err := newConfigWatcher(o.fs, o.configFile, d)
		if err != nil {
			return err
		}
		go watcher.Run(stopCh)
	}

	if err := replayFiles(wait.ContextForChannel(stopCh), o, d); err != nil {
		return err
	}
	if o.dumpStates {
		dumpStates(out, d)
	}

	if o.watch || o.metricsBindAddress != "" {
		<-stopCh
		klog.InfoS("Stopping xfsm-datapath")
	}
	return nil
}

func replayFiles(ctx context.Context, o *options, d *xfsm.Datapath) error {
	if len(o.pcapFiles) == 0 {
		return nil
	}
	var sink replay.Sink
	if o.outputFile != "" {
		pcapngSink, err := replay.NewPcapngSink(o.fs, o.outputFile)
		if err != nil {
			return err
		}
		sink = pcapngSink
	}
	replayer := replay.NewReplayer(d, sink, replay.Options{TableID: o.tableID, Workers: o.workers, InPort: o.inPort})
	err := func() error {
		for _, path := range o.pcapFiles {
			src, err := replay.OpenFile(o.fs, path)
			if err != nil {
				return err
			}
			stats, err := replayer.Run(ctx, src)
			src.Close()
			if err != nil {
				return fmt.Errorf("error when replaying %s: %w", path, err)
			}
			klog.InfoS("Replayed capture file", "file", path, "format", src.Format, "packets", stats.Packets,
				"forwarded", stats.Forwarded, "dropped", stats.Dropped, "committed", stats.Committed, "evicted", stats.Evicted)
		}
		return nil
	}()
	if sink != nil {
		if closeErr := sink.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

func dumpStates(w io.Writer, d *xfsm.Datapath) {
	for _, id := range d.Tables() {
		for _, e := range d.DumpStates(id) {
			fmt.Fprintf(w, "table=%d %s state=%d accumulators=%v\n", id, e.Fields, e.State, e.Accumulators)
		}
	}
}

// startMetricsServer serves the metrics on addr until stopCh is closed and
// returns the address it listens on.
func startMetricsServer(addr string, stopCh <-chan struct{}) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("error when starting metrics server: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", legacyregistry.Handler())
	server := &http.Server{Handler: mux}
	go func() {
		klog.InfoS("Starting metrics server", "address", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			klog.ErrorS(err, "Metrics server failed")
		}
	}()
	go func() {
		<-stopCh
		ctx, cancel := context.WithTimeout(context.Background(), metricsServerShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			klog.ErrorS(err, "Failed to stop metrics server")
		}
	}()
	return listener.Addr(), nil
}
