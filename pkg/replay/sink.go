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
	"fmt"
	"sync"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/afero"

	"antrea.io/xfsm/pkg/xfsm/packet"
	"antrea.io/xfsm/pkg/xfsm/table"
)

//go:generate mockgen -destination testing/mock_replay.go -package testing antrea.io/xfsm/pkg/replay Sink

// Sink receives every replayed packet with the result of its processing.
// Write may be called concurrently by the replay workers.
type Sink interface {
	Write(pkt *packet.Packet, res *table.Result) error
	Close() error
}

// PcapngSink writes the forwarded packets, after their fields were
// rewritten, to a pcapng file. Dropped packets are not written.
type PcapngSink struct {
	mutex  sync.Mutex
	file   afero.File
	writer *pcapgo.NgWriter
}

func NewPcapngSink(fs afero.Fs, path string) (*PcapngSink, error) {
	file, err := fs.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create pcapng file: %w", err)
	}
	writer, err := pcapgo.NewNgWriter(file, layers.LinkTypeEthernet)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("couldn't initialize a pcap writer: %w", err)
	}
	return &PcapngSink{file: file, writer: writer}, nil
}

func (s *PcapngSink) Write(pkt *packet.Packet, res *table.Result) error {
	if res.Drop {
		return nil
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     pkt.ArrivalTime,
		CaptureLength: len(pkt.Data),
		Length:        len(pkt.Data),
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.writer.WritePacket(ci, pkt.Data); err != nil {
		return fmt.Errorf("couldn't write packets: %w", err)
	}
	return nil
}

func (s *PcapngSink) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.writer.Flush(); err != nil {
		s.file.Close()
		return fmt.Errorf("couldn't flush pcapng file: %w", err)
	}
	return s.file.Close()
}
