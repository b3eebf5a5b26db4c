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

// Package testing builds frames for datapath tests.
package testing

import (
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Frame describes a test frame. Only non-zero fields are emitted: a Frame
// without SrcIP produces a bare Ethernet frame with an ARP EtherType.
type Frame struct {
	SrcMAC, DstMAC string
	SrcIP, DstIP   string
	TOS            uint8
	// Length pads the frame with payload up to this total length in bytes.
	Length  int
	UDPSrc  uint16
	UDPDst  uint16
	VLANID  uint16
	Payload []byte
}

func mustMAC(s string) net.HardwareAddr {
	if s == "" {
		s = "00:00:00:00:00:00"
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return mac
}

// MAC returns the MAC address 00:00:00:00:00:<n>.
func MAC(n byte) string {
	return net.HardwareAddr{0, 0, 0, 0, 0, n}.String()
}

// Build serializes f into an Ethernet frame. Frames shorter than the Ethernet
// minimum are padded to 60 bytes.
func Build(f Frame) []byte {
	eth := &layers.Ethernet{
		SrcMAC:       mustMAC(f.SrcMAC),
		DstMAC:       mustMAC(f.DstMAC),
		EthernetType: layers.EthernetTypeARP,
	}
	stack := []gopacket.SerializableLayer{eth}
	headerLen := 14
	if f.VLANID != 0 {
		eth.EthernetType = layers.EthernetTypeDot1Q
		dot1q := &layers.Dot1Q{VLANIdentifier: f.VLANID, Type: layers.EthernetTypeARP}
		stack = append(stack, dot1q)
		headerLen += 4
	}
	if f.SrcIP != "" {
		if f.VLANID == 0 {
			eth.EthernetType = layers.EthernetTypeIPv4
		} else {
			stack[1].(*layers.Dot1Q).Type = layers.EthernetTypeIPv4
		}
		ip := &layers.IPv4{
			Version:  4,
			TTL:      64,
			TOS:      f.TOS,
			Protocol: layers.IPProtocolUDP,
			SrcIP:    net.ParseIP(f.SrcIP),
			DstIP:    net.ParseIP(f.DstIP),
		}
		if ip.DstIP == nil {
			ip.DstIP = net.IPv4zero
		}
		udp := &layers.UDP{SrcPort: layers.UDPPort(f.UDPSrc), DstPort: layers.UDPPort(f.UDPDst)}
		_ = udp.SetNetworkLayerForChecksum(ip)
		stack = append(stack, ip, udp)
		headerLen += 20 + 8
	}
	payload := f.Payload
	if pad := f.Length - headerLen - len(payload); pad > 0 {
		payload = append(append([]byte(nil), payload...), make([]byte, pad)...)
	}
	stack = append(stack, gopacket.Payload(payload))
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}, stack...); err != nil {
		panic(err)
	}
	return buf.Bytes()
}
