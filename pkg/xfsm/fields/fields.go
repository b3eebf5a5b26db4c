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

// Package fields defines the header fields a stateful table can extract,
// match and rewrite. Standard fields reuse the OpenFlow basic OXM numbering;
// virtual fields live in the experimenter class.
package fields

import (
	"encoding/binary"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"antrea.io/libOpenflow/openflow15"

	"antrea.io/xfsm/pkg/xfsm/packet"
)

// Field identifies a header field as an OXM class and field number.
type Field uint32

func basicField(id uint8) Field {
	return Field(openflow15.OXM_CLASS_OPENFLOW_BASIC)<<16 | Field(id)<<9
}

func experimenterField(id uint8) Field {
	return Field(openflow15.OXM_CLASS_EXPERIMENTER)<<16 | Field(id)<<9
}

var (
	InPort  = basicField(openflow15.OXM_FIELD_IN_PORT)
	EthDst  = basicField(openflow15.OXM_FIELD_ETH_DST)
	EthSrc  = basicField(openflow15.OXM_FIELD_ETH_SRC)
	EthType = basicField(openflow15.OXM_FIELD_ETH_TYPE)
	IPDSCP  = basicField(openflow15.OXM_FIELD_IP_DSCP)
	IPProto = basicField(openflow15.OXM_FIELD_IP_PROTO)
	IPv4Src = basicField(openflow15.OXM_FIELD_IPV4_SRC)
	IPv4Dst = basicField(openflow15.OXM_FIELD_IPV4_DST)
	TCPSrc  = basicField(openflow15.OXM_FIELD_TCP_SRC)
	TCPDst  = basicField(openflow15.OXM_FIELD_TCP_DST)
	UDPSrc  = basicField(openflow15.OXM_FIELD_UDP_SRC)
	UDPDst  = basicField(openflow15.OXM_FIELD_UDP_DST)

	// Timestamp is the packet arrival time in milliseconds since the datapath epoch.
	Timestamp = experimenterField(2)
	// PacketLength is the frame length in bytes.
	PacketLength = experimenterField(3)
)

// PortFlood is the output pseudo-port that floods the packet.
const PortFlood = uint32(openflow15.P_FLOOD)

type fieldInfo struct {
	name string
	// width is the number of bytes the field occupies in a flow key.
	width int
}

var fieldInfos = map[Field]fieldInfo{
	InPort:       {"in_port", 4},
	EthDst:       {"eth_dst", 6},
	EthSrc:       {"eth_src", 6},
	EthType:      {"eth_type", 2},
	IPDSCP:       {"ip_dscp", 1},
	IPProto:      {"ip_proto", 1},
	IPv4Src:      {"ipv4_src", 4},
	IPv4Dst:      {"ipv4_dst", 4},
	TCPSrc:       {"tcp_src", 2},
	TCPDst:       {"tcp_dst", 2},
	UDPSrc:       {"udp_src", 2},
	UDPDst:       {"udp_dst", 2},
	Timestamp:    {"timestamp", 8},
	PacketLength: {"pkt_len", 4},
}

var fieldsByName = func() map[string]Field {
	m := make(map[string]Field, len(fieldInfos))
	for f, info := range fieldInfos {
		m[info.name] = f
	}
	return m
}()

// ParseField returns the Field with the given configuration name.
func ParseField(name string) (Field, error) {
	f, ok := fieldsByName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("unsupported header field %q", name)
	}
	return f, nil
}

// Names returns the sorted names of all supported fields.
func Names() []string {
	names := make([]string, 0, len(fieldsByName))
	for name := range fieldsByName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (f Field) Supported() bool {
	_, ok := fieldInfos[f]
	return ok
}

// Width returns the number of bytes f occupies in a flow key, 0 for an
// unsupported field.
func (f Field) Width() int {
	return fieldInfos[f].width
}

// IsVirtual reports whether f is derived from packet metadata rather than
// from the frame headers.
func (f Field) IsVirtual() bool {
	return f>>16 == Field(openflow15.OXM_CLASS_EXPERIMENTER)
}

func (f Field) String() string {
	if info, ok := fieldInfos[f]; ok {
		return info.name
	}
	return fmt.Sprintf("field(0x%08x)", uint32(f))
}

// Value is an extracted field value. Valid is false when the field is absent
// from the packet, in which case V is the sentinel 0.
type Value struct {
	V     uint64
	Valid bool
}

func valid(v uint64) Value {
	return Value{V: v, Valid: true}
}

// Extract returns the value of f in h.
func Extract(f Field, h *packet.Headers) Value {
	switch f {
	case InPort:
		return valid(uint64(h.InPort))
	case PacketLength:
		return valid(uint64(h.Length))
	case Timestamp:
		return valid(uint64(h.TimestampMs))
	case EthSrc:
		if h.HasEthernet {
			return valid(macToUint64(h.Ethernet.SrcMAC))
		}
	case EthDst:
		if h.HasEthernet {
			return valid(macToUint64(h.Ethernet.DstMAC))
		}
	case EthType:
		if t, ok := h.EthernetType(); ok {
			return valid(uint64(t))
		}
	case IPv4Src:
		if h.HasIPv4 {
			return valid(ipToUint64(h.IPv4.SrcIP))
		}
	case IPv4Dst:
		if h.HasIPv4 {
			return valid(ipToUint64(h.IPv4.DstIP))
		}
	case IPProto:
		if h.HasIPv4 {
			return valid(uint64(h.IPv4.Protocol))
		}
	case IPDSCP:
		if h.HasIPv4 {
			return valid(uint64(h.IPv4.TOS >> 2))
		}
	case TCPSrc:
		if h.HasTCP {
			return valid(uint64(h.TCP.SrcPort))
		}
	case TCPDst:
		if h.HasTCP {
			return valid(uint64(h.TCP.DstPort))
		}
	case UDPSrc:
		if h.HasUDP {
			return valid(uint64(h.UDP.SrcPort))
		}
	case UDPDst:
		if h.HasUDP {
			return valid(uint64(h.UDP.DstPort))
		}
	}
	return Value{}
}

// Rewrite applies a set-field action for f to the frame data described by h.
func Rewrite(f Field, value uint64, data []byte, h *packet.Headers) error {
	switch f {
	case EthSrc:
		return h.SetEthSrc(data, uint64ToMAC(value))
	case EthDst:
		return h.SetEthDst(data, uint64ToMAC(value))
	case IPDSCP:
		return h.SetIPDSCP(data, uint8(value))
	}
	return fmt.Errorf("set-field is not supported for %s", f)
}

// Rewritable reports whether Rewrite supports f.
func Rewritable(f Field) bool {
	return f == EthSrc || f == EthDst || f == IPDSCP
}

// ParseValue parses a configuration value for f: MAC addresses for Ethernet
// fields, dotted quads for IPv4 fields, and decimal or 0x-prefixed integers
// otherwise.
func ParseValue(f Field, s string) (uint64, error) {
	s = strings.TrimSpace(s)
	switch f {
	case EthSrc, EthDst:
		if mac, err := net.ParseMAC(s); err == nil {
			if len(mac) != 6 {
				return 0, fmt.Errorf("invalid MAC address %q for %s", s, f)
			}
			return macToUint64(mac), nil
		}
	case IPv4Src, IPv4Dst:
		if ip := net.ParseIP(s); ip != nil {
			if ip.To4() == nil {
				return 0, fmt.Errorf("invalid IPv4 address %q for %s", s, f)
			}
			return ipToUint64(ip), nil
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid value %q for %s: %w", s, f, err)
	}
	if w := f.Width(); w < 8 && v>>(uint(w)*8) != 0 {
		return 0, fmt.Errorf("value %q overflows %s", s, f)
	}
	return v, nil
}

// FormatValue renders v the way ParseValue accepts it.
func FormatValue(f Field, v uint64) string {
	switch f {
	case EthSrc, EthDst:
		return uint64ToMAC(v).String()
	case IPv4Src, IPv4Dst:
		return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v)).String()
	case EthType:
		return fmt.Sprintf("0x%04x", v)
	}
	return strconv.FormatUint(v, 10)
}

func macToUint64(mac net.HardwareAddr) uint64 {
	var b [8]byte
	copy(b[2:], mac)
	return binary.BigEndian.Uint64(b[:])
}

func uint64ToMAC(v uint64) net.HardwareAddr {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return net.HardwareAddr(b[2:])
}

func ipToUint64(ip net.IP) uint64 {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	return uint64(binary.BigEndian.Uint32(ip4))
}
