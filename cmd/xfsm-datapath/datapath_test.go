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
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clocktesting "k8s.io/utils/clock/testing"

	"antrea.io/xfsm/pkg/replay"
	"antrea.io/xfsm/pkg/xfsm"
	pkttesting "antrea.io/xfsm/pkg/xfsm/packet/testing"
)

func newTestDatapath() *xfsm.Datapath {
	return xfsm.NewDatapathWithClock(clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

// writeCapture writes numPackets packets of each of the given sources.
func writeCapture(t *testing.T, fs afero.Fs, path string, start time.Time, numPackets int, sources ...string) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	ts := start
	for i := 0; i < numPackets; i++ {
		for _, src := range sources {
			data := pkttesting.Build(pkttesting.Frame{SrcMAC: pkttesting.MAC(1), DstMAC: pkttesting.MAC(2), SrcIP: src, DstIP: "10.0.1.1"})
			require.NoError(t, w.WritePacket(gopacket.CaptureInfo{Timestamp: ts, CaptureLength: len(data), Length: len(data)}, data))
			ts = ts.Add(time.Millisecond)
		}
	}
	require.NoError(t, w.Flush())
}

func countPackets(t *testing.T, fs afero.Fs, path string) int {
	src, err := replay.OpenFile(fs, path)
	require.NoError(t, err)
	defer src.Close()
	n := 0
	for {
		_, _, err := src.ReadPacketData()
		if err == io.EOF {
			return n
		}
		require.NoError(t, err)
		n++
	}
}

func TestRunDatapath(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/datapath.yaml", []byte(limiterConfig), 0644))
	start := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	writeCapture(t, fs, "/first.pcapng", start, 3, "10.0.0.1", "10.0.0.2")
	writeCapture(t, fs, "/second.pcapng", start.Add(time.Second), 2, "10.0.0.3")

	o := newOptions()
	o.fs = fs
	o.configFile = "/datapath.yaml"
	o.pcapFiles = []string{"/first.pcapng", "/second.pcapng"}
	o.outputFile = "/out.pcapng"
	o.dumpStates = true
	require.NoError(t, o.complete(nil))
	require.NoError(t, o.validate(nil))

	stopCh := make(chan struct{})
	defer close(stopCh)
	var out bytes.Buffer
	require.NoError(t, runDatapath(o, newTestDatapath(), &out, stopCh))

	// 2 packets are forwarded for each of the 3 sources.
	assert.Equal(t, 6, countPackets(t, fs, "/out.pcapng"))
	assert.Equal(t, `table=0 ipv4_src=10.0.0.1 state=2 accumulators=[0 0 0 0 0 0 0 0]
table=0 ipv4_src=10.0.0.2 state=2 accumulators=[0 0 0 0 0 0 0 0]
table=0 ipv4_src=10.0.0.3 state=2 accumulators=[0 0 0 0 0 0 0 0]
`, out.String())
}

func TestRunDatapathMissingCapture(t *testing.T) {
	o := newOptions()
	o.fs = afero.NewMemMapFs()
	o.pcapFiles = []string{"/missing.pcap"}
	stopCh := make(chan struct{})
	defer close(stopCh)
	err := runDatapath(o, newTestDatapath(), io.Discard, stopCh)
	assert.ErrorContains(t, err, "failed to open capture file /missing.pcap")
}

func TestMetricsServer(t *testing.T) {
	stopCh := make(chan struct{})
	defer close(stopCh)
	addr, err := startMetricsServer("127.0.0.1:0", stopCh)
	require.NoError(t, err)

	d := newTestDatapath()
	fs := afero.NewMemMapFs()
	writeCapture(t, fs, "/in.pcapng", time.Now(), 1, "10.0.0.1")
	o := newOptions()
	o.fs = fs
	o.pcapFiles = []string{"/in.pcapng"}
	o.tableID = 42
	require.NoError(t, replayFiles(context.Background(), o, d))

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `xfsm_packets_total{table_id="42",verdict="drop"} 1`)
	assert.Contains(t, string(body), `xfsm_table_misses_total{table_id="42"} 1`)

	_, err = startMetricsServer(addr.String(), stopCh)
	assert.ErrorContains(t, err, "error when starting metrics server")
}
