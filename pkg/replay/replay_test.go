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

package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	clocktesting "k8s.io/utils/clock/testing"

	replaytesting "antrea.io/xfsm/pkg/replay/testing"
	"antrea.io/xfsm/pkg/xfsm"
	"antrea.io/xfsm/pkg/xfsm/fields"
	pkttesting "antrea.io/xfsm/pkg/xfsm/packet/testing"
	"antrea.io/xfsm/pkg/xfsm/state"
	"antrea.io/xfsm/pkg/xfsm/table"
)

var captureStart = time.Date(2019, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestDatapath() *xfsm.Datapath {
	return xfsm.NewDatapathWithClock(clocktesting.NewFakeClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

// configureLimiter forwards the first 2 packets of each IPv4 source and drops
// the following ones.
func configureLimiter(t *testing.T, d *xfsm.Datapath) {
	flood := table.Output{Port: fields.PortFlood}
	require.NoError(t, d.ConfigureStateful(0, true))
	require.NoError(t, d.ConfigureExtractor(0, table.Lookup, []fields.Field{fields.IPv4Src}))
	require.NoError(t, d.ConfigureExtractor(0, table.Update, []fields.Field{fields.IPv4Src}))
	require.NoError(t, d.InstallFlowEntry(0, 0, table.Match{}.WithState(0), []table.Instruction{table.SetState{State: 1}, flood}))
	require.NoError(t, d.InstallFlowEntry(0, 0, table.Match{}.WithState(1), []table.Instruction{table.SetState{State: 2}, flood}))
	require.NoError(t, d.InstallFlowEntry(0, 0, table.Match{}.WithState(2), nil))
}

// testFrames returns 5 interleaved packets for each of numSources sources, 10ms
// apart.
func testFrames(numSources int) [][]byte {
	var frames [][]byte
	for i := 0; i < 5; i++ {
		for s := 1; s <= numSources; s++ {
			frames = append(frames, pkttesting.Build(pkttesting.Frame{
				SrcMAC: pkttesting.MAC(byte(s)),
				DstMAC: pkttesting.MAC(0xff),
				SrcIP:  fmt.Sprintf("10.0.0.%d", s),
				DstIP:  "10.0.1.1",
				Length: 100,
			}))
		}
	}
	return frames
}

func writePcapng(t *testing.T, fs afero.Fs, path string, frames [][]byte) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w, err := pcapgo.NewNgWriter(f, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: captureStart.Add(time.Duration(i) * 10 * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
	require.NoError(t, w.Flush())
}

func writePcap(t *testing.T, fs afero.Fs, path string, frames [][]byte) {
	f, err := fs.Create(path)
	require.NoError(t, err)
	defer f.Close()
	w := pcapgo.NewWriter(f)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for i, data := range frames {
		ci := gopacket.CaptureInfo{Timestamp: captureStart.Add(time.Duration(i) * 10 * time.Millisecond), CaptureLength: len(data), Length: len(data)}
		require.NoError(t, w.WritePacket(ci, data))
	}
}

func openFile(t *testing.T, fs afero.Fs, path string) *File {
	f, err := OpenFile(fs, path)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func TestReplayPcapng(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcapng(t, fs, "/in.pcapng", testFrames(3))
	d := newTestDatapath()
	configureLimiter(t, d)

	ctrl := gomock.NewController(t)
	sink := replaytesting.NewMockSink(ctrl)
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).Return(nil).Times(15)

	src := openFile(t, fs, "/in.pcapng")
	assert.Equal(t, "pcapng", src.Format)
	stats, err := NewReplayer(d, sink, Options{Workers: 4}).Run(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, Stats{Packets: 15, Forwarded: 6, Dropped: 9, Committed: 6}, stats)

	states := d.DumpStates(0)
	require.Len(t, states, 3)
	for _, st := range states {
		assert.Equal(t, uint32(2), st.State, st.Fields)
	}
}

func TestReplayToPcapngSink(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcap(t, fs, "/in.pcap", testFrames(2))
	d := newTestDatapath()
	configureLimiter(t, d)

	sink, err := NewPcapngSink(fs, "/out.pcapng")
	require.NoError(t, err)
	src := openFile(t, fs, "/in.pcap")
	assert.Equal(t, "pcap", src.Format)
	stats, err := NewReplayer(d, sink, Options{Workers: 1}).Run(context.Background(), src)
	require.NoError(t, err)
	require.NoError(t, sink.Close())
	assert.Equal(t, uint64(4), stats.Forwarded)

	out := openFile(t, fs, "/out.pcapng")
	var timestamps []time.Duration
	for {
		_, ci, err := out.ReadPacketData()
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
		timestamps = append(timestamps, ci.Timestamp.Sub(d.Epoch()))
	}
	// The first 2 packets of both sources, rebased on the datapath epoch.
	assert.Equal(t, []time.Duration{0, 10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}, timestamps)
}

func TestReplayInPort(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcap(t, fs, "/in.pcap", testFrames(1))
	tests := []struct {
		inPort            uint32
		expectedForwarded uint64
	}{
		{inPort: 0, expectedForwarded: 0},
		{inPort: 2, expectedForwarded: 5},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("in_port=%d", tt.inPort), func(t *testing.T) {
			d := newTestDatapath()
			require.NoError(t, d.InstallFlowEntry(0, 0, table.Match{}.WithField(fields.InPort, 2), []table.Instruction{table.Output{Port: 1}}))
			stats, err := NewReplayer(d, nil, Options{InPort: tt.inPort}).Run(context.Background(), openFile(t, fs, "/in.pcap"))
			require.NoError(t, err)
			assert.Equal(t, uint64(5), stats.Packets)
			assert.Equal(t, tt.expectedForwarded, stats.Forwarded)
		})
	}
}

func TestReplaySinkError(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcapng(t, fs, "/in.pcapng", testFrames(1))
	d := newTestDatapath()
	configureLimiter(t, d)

	ctrl := gomock.NewController(t)
	sink := replaytesting.NewMockSink(ctrl)
	sink.EXPECT().Write(gomock.Any(), gomock.Any()).Return(errors.New("disk full"))

	_, err := NewReplayer(d, sink, Options{Workers: 1}).Run(context.Background(), openFile(t, fs, "/in.pcapng"))
	assert.EqualError(t, err, "disk full")
}

func TestReplayInvalidTable(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcapng(t, fs, "/in.pcapng", testFrames(1))
	_, err := NewReplayer(newTestDatapath(), nil, Options{TableID: 0xff}).Run(context.Background(), openFile(t, fs, "/in.pcapng"))
	assert.ErrorContains(t, err, "table id 255 exceeds maximum 254")
}

func TestOpenFileErrors(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/empty.pcap", nil, 0644))
	require.NoError(t, afero.WriteFile(fs, "/garbage.pcap", []byte("not a capture file"), 0644))

	_, err := OpenFile(fs, "/missing.pcap")
	assert.ErrorContains(t, err, "failed to open capture file /missing.pcap")
	_, err = OpenFile(fs, "/empty.pcap")
	assert.ErrorContains(t, err, "file is empty")
	_, err = OpenFile(fs, "/garbage.pcap")
	assert.ErrorContains(t, err, "failed to read capture file /garbage.pcap")
}

func TestReplayRejectedCommits(t *testing.T) {
	fs := afero.NewMemMapFs()
	writePcapng(t, fs, "/in.pcapng", testFrames(3))
	d := newTestDatapath()
	configureLimiter(t, d)
	require.NoError(t, d.ConfigureTable(0, xfsm.TableOptions{MaxFlows: 1, Shards: 1, Overflow: state.Reject}))

	stats, err := NewReplayer(d, nil, Options{Workers: 2}).Run(context.Background(), openFile(t, fs, "/in.pcapng"))
	require.NoError(t, err)
	// Only the first source gets a flow record, the other ones stay in state
	// 0 and are always forwarded.
	assert.Equal(t, Stats{Packets: 15, Forwarded: 12, Dropped: 3, Committed: 2, Rejected: 10}, stats)
	assert.Len(t, d.DumpStates(0), 1)
}
