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

// Package packet decodes the header fields a stateful table can match on,
// extract or rewrite.
package packet

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Packet is a frame handed to the datapath together with its ingress metadata.
type Packet struct {
	// InPort is the OpenFlow port the frame was received on.
	InPort uint32
	// Data is the Ethernet frame. Set-field actions rewrite it in place.
	Data []byte
	// ArrivalTime is stamped by the datapath when zero.
	ArrivalTime time.Time
}

// Headers holds the decoded view of a Packet. Layers that were not present in
// the frame are reported through the Has* flags.
type Headers struct {
	InPort uint32
	Length uint32
	// TimestampMs is the arrival time in milliseconds since the datapath epoch.
	TimestampMs int64

	Ethernet layers.Ethernet
	Dot1Q    layers.Dot1Q
	IPv4     layers.IPv4
	TCP      layers.TCP
	UDP      layers.UDP

	HasEthernet bool
	HasDot1Q    bool
	HasIPv4     bool
	HasTCP      bool
	HasUDP      bool

	// ipv4Offset is the offset of the IPv4 header inside the frame.
	ipv4Offset int
	decoded    []gopacket.LayerType
	parser     *gopacket.DecodingLayerParser
}

var headersPool = sync.Pool{
	New: func() interface{} {
		h := &Headers{decoded: make([]gopacket.LayerType, 0, 5)}
		h.parser = gopacket.NewDecodingLayerParser(layers.LayerTypeEthernet, &h.Ethernet, &h.Dot1Q, &h.IPv4, &h.TCP, &h.UDP)
		h.parser.IgnoreUnsupported = true
		return h
	},
}

// Decode parses pkt. Frames that cannot be decoded beyond a given layer are not
// an error: the missing layers are simply absent. The returned Headers must be
// handed back with Release once the packet has been processed.
func Decode(pkt *Packet, epoch time.Time) *Headers {
	h := headersPool.Get().(*Headers)
	h.reset()
	h.InPort = pkt.InPort
	h.Length = uint32(len(pkt.Data))
	h.TimestampMs = pkt.ArrivalTime.Sub(epoch).Milliseconds()
	// Truncated or malformed frames leave the layers decoded so far in place.
	_ = h.parser.DecodeLayers(pkt.Data, &h.decoded)
	offset := 0
	for _, t := range h.decoded {
		switch t {
		case layers.LayerTypeEthernet:
			h.HasEthernet = true
			offset += len(h.Ethernet.Contents)
		case layers.LayerTypeDot1Q:
			h.HasDot1Q = true
			offset += len(h.Dot1Q.Contents)
		case layers.LayerTypeIPv4:
			h.HasIPv4 = true
			h.ipv4Offset = offset
		case layers.LayerTypeTCP:
			h.HasTCP = true
		case layers.LayerTypeUDP:
			h.HasUDP = true
		}
	}
	return h
}

// Release returns h to the decoder pool.
func Release(h *Headers) {
	if h != nil {
		headersPool.Put(h)
	}
}

func (h *Headers) reset() {
	h.HasEthernet, h.HasDot1Q, h.HasIPv4, h.HasTCP, h.HasUDP = false, false, false, false, false
	h.ipv4Offset = 0
	h.decoded = h.decoded[:0]
}

// EthernetType returns the type of the innermost Ethernet header, skipping an
// 802.1Q tag when present.
func (h *Headers) EthernetType() (layers.EthernetType, bool) {
	if h.HasDot1Q {
		return h.Dot1Q.Type, true
	}
	if h.HasEthernet {
		return h.Ethernet.EthernetType, true
	}
	return 0, false
}

// SetEthSrc rewrites the source MAC of data.
func (h *Headers) SetEthSrc(data []byte, mac net.HardwareAddr) error {
	if !h.HasEthernet || len(data) < 12 || len(mac) != 6 {
		return fmt.Errorf("frame has no Ethernet source address to rewrite")
	}
	copy(data[6:12], mac)
	copy(h.Ethernet.SrcMAC, mac)
	return nil
}

// SetEthDst rewrites the destination MAC of data.
func (h *Headers) SetEthDst(data []byte, mac net.HardwareAddr) error {
	if !h.HasEthernet || len(data) < 6 || len(mac) != 6 {
		return fmt.Errorf("frame has no Ethernet destination address to rewrite")
	}
	copy(data[0:6], mac)
	copy(h.Ethernet.DstMAC, mac)
	return nil
}

// SetIPDSCP rewrites the DSCP bits of the IPv4 header and recomputes the
// header checksum. ECN bits are preserved.
func (h *Headers) SetIPDSCP(data []byte, dscp uint8) error {
	if !h.HasIPv4 {
		return fmt.Errorf("frame has no IPv4 header to rewrite")
	}
	if dscp > 0x3f {
		return fmt.Errorf("DSCP value %d out of range", dscp)
	}
	h.IPv4.TOS = dscp<<2 | h.IPv4.TOS&0x03
	buf := gopacket.NewSerializeBuffer()
	if err := h.IPv4.SerializeTo(buf, gopacket.SerializeOptions{ComputeChecksums: true}); err != nil {
		return fmt.Errorf("error when serializing IPv4 header: %w", err)
	}
	hdr := buf.Bytes()
	if h.ipv4Offset+len(hdr) > len(data) {
		return fmt.Errorf("IPv4 header exceeds frame length")
	}
	copy(data[h.ipv4Offset:], hdr)
	return nil
}
