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
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/pflag"

	configxfsm "antrea.io/xfsm/pkg/config/xfsm"
	"antrea.io/xfsm/pkg/replay"
	"antrea.io/xfsm/pkg/xfsm"
)

const (
	defaultSweepInterval = 10 * time.Second
)

type options struct {
	// The path of the datapath configuration file.
	configFile string
	// Capture files replayed in order.
	pcapFiles []string
	// pcapng file receiving the forwarded packets.
	outputFile string
	// Table the packets are sent to.
	tableID uint8
	// Number of packets processed in parallel.
	workers int
	// in_port of replayed packets. 0 uses the pcapng interface index.
	inPort uint32
	// Address of the Prometheus metrics endpoint. Disabled when empty.
	metricsBindAddress string
	// Interval between idle flow record sweeps.
	sweepInterval time.Duration
	// Reload the configuration file when it changes, until terminated.
	watch bool
	// Print the flow records of every table once the captures are replayed.
	dumpStates bool

	// The configuration object
	config *configxfsm.DatapathConfig
	fs     afero.Fs
}

func newOptions() *options {
	return &options{
		workers:       replay.DefaultWorkers,
		sweepInterval: defaultSweepInterval,
		fs:            afero.NewOsFs(),
	}
}

// addFlags adds flags to fs and binds them to options.
func (o *options) addFlags(fs *pflag.FlagSet) {
	fs.StringVar(&o.configFile, "config", o.configFile, "The path to the datapath configuration file")
	fs.StringArrayVar(&o.pcapFiles, "pcap", o.pcapFiles, "A pcap or pcapng file to replay through the datapath. Can be repeated")
	fs.StringVar(&o.outputFile, "output", o.outputFile, "The path of a pcapng file receiving the forwarded packets")
	fs.Uint8Var(&o.tableID, "table", o.tableID, "The table replayed packets are sent to")
	fs.IntVar(&o.workers, "workers", o.workers, "Number of packets processed in parallel. Packets of a flow are always processed in order")
	fs.Uint32Var(&o.inPort, "in-port", o.inPort, "The in_port of replayed packets. 0 means the pcapng interface index plus 1")
	fs.StringVar(&o.metricsBindAddress, "metrics-bind-address", o.metricsBindAddress, "The address the Prometheus metrics endpoint binds to, e.g. :9090. Disabled when empty")
	fs.DurationVar(&o.sweepInterval, "sweep-interval", o.sweepInterval, "Interval between removals of idle flow records")
	fs.BoolVar(&o.watch, "watch", o.watch, "Reload the configuration file when it changes and keep running until terminated")
	fs.BoolVar(&o.dumpStates, "dump-states", o.dumpStates, "Print the flow records of every table after the captures are replayed")
}

// complete completes all the required options.
func (o *options) complete(args []string) error {
	if len(o.configFile) > 0 {
		c, err := configxfsm.LoadFile(o.fs, o.configFile)
		if err != nil {
			return err
		}
		o.config = c
	}
	return nil
}

// validate validates all the required options.
func (o *options) validate(args []string) error {
	if len(args) != 0 {
		return errors.New("no positional arguments are supported")
	}
	if o.config != nil {
		if err := o.config.Validate(); err != nil {
			return fmt.Errorf("invalid datapath configuration: %w", err)
		}
	}
	if o.tableID > xfsm.MaxTableID {
		return fmt.Errorf("table %d exceeds maximum %d", o.tableID, xfsm.MaxTableID)
	}
	if o.workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", o.workers)
	}
	if o.sweepInterval <= 0 {
		return fmt.Errorf("sweep-interval must be positive, got %v", o.sweepInterval)
	}
	if o.watch && o.configFile == "" {
		return errors.New("watch requires a configuration file")
	}
	if o.outputFile != "" && len(o.pcapFiles) == 0 {
		return errors.New("output requires at least one pcap file")
	}
	return nil
}
