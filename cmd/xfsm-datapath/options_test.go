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
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const limiterConfig = `
tables:
- id: 0
  stateful: true
  lookupFields: [ipv4_src]
  updateFields: [ipv4_src]
  entries:
  - match: {state: 0}
    instructions:
    - setState: {state: 1}
    - output: flood
  - match: {state: 1}
    instructions:
    - setState: {state: 2}
    - output: flood
  - match: {state: 2}
`

func TestOptionsComplete(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/xfsm/datapath.yaml", []byte(limiterConfig), 0644))

	o := newOptions()
	o.fs = fs
	require.NoError(t, o.complete(nil))
	assert.Nil(t, o.config)

	o.configFile = "/etc/xfsm/datapath.yaml"
	require.NoError(t, o.complete(nil))
	require.NotNil(t, o.config)
	assert.Len(t, o.config.Tables[0].Entries, 3)

	o.configFile = "/etc/xfsm/missing.yaml"
	assert.ErrorContains(t, o.complete(nil), "failed to read datapath configuration file")
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name        string
		args        []string
		modify      func(o *options)
		expectedErr string
	}{
		{
			name:   "defaults",
			modify: func(o *options) {},
		},
		{
			name:        "positional arguments",
			args:        []string{"foo"},
			modify:      func(o *options) {},
			expectedErr: "no positional arguments are supported",
		},
		{
			name:        "table",
			modify:      func(o *options) { o.tableID = 255 },
			expectedErr: "table 255 exceeds maximum 254",
		},
		{
			name:        "workers",
			modify:      func(o *options) { o.workers = 0 },
			expectedErr: "workers must be at least 1, got 0",
		},
		{
			name:        "sweep interval",
			modify:      func(o *options) { o.sweepInterval = -time.Second },
			expectedErr: "sweep-interval must be positive, got -1s",
		},
		{
			name:        "watch without config",
			modify:      func(o *options) { o.watch = true },
			expectedErr: "watch requires a configuration file",
		},
		{
			name:        "output without pcap",
			modify:      func(o *options) { o.outputFile = "/tmp/out.pcapng" },
			expectedErr: "output requires at least one pcap file",
		},
		{
			name: "invalid configuration",
			modify: func(o *options) {
				fs := afero.NewMemMapFs()
				afero.WriteFile(fs, "/datapath.yaml", []byte("tables:\n- id: 0\n  lookupFields: [ipv4_src]\n  updateFields: [eth_src]\n"), 0644)
				o.fs = fs
				o.configFile = "/datapath.yaml"
				o.complete(nil)
			},
			expectedErr: "invalid datapath configuration",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOptions()
			tt.modify(o)
			err := o.validate(tt.args)
			if tt.expectedErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.expectedErr)
			}
		})
	}
}
