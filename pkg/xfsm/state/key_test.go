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

package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"antrea.io/xfsm/pkg/xfsm/fields"
	"antrea.io/xfsm/pkg/xfsm/packet"
	pkttesting "antrea.io/xfsm/pkg/xfsm/packet/testing"
)

func decodeFrame(t *testing.T, f pkttesting.Frame) *packet.Headers {
	h := packet.Decode(&packet.Packet{InPort: 1, Data: pkttesting.Build(f)}, time.Time{})
	t.Cleanup(func() { packet.Release(h) })
	return h
}

func TestNewKeyExtractor(t *testing.T) {
	_, err := NewKeyExtractor(nil)
	assert.Error(t, err)
	_, err = NewKeyExtractor([]fields.Field{fields.Field(1)})
	assert.Error(t, err)
	tooWide := make([]fields.Field, 11)
	for i := range tooWide {
		tooWide[i] = fields.Timestamp
	}
	_, err = NewKeyExtractor(tooWide)
	assert.Error(t, err)

	e, err := NewKeyExtractor([]fields.Field{fields.EthSrc, fields.EthDst})
	require.NoError(t, err)
	assert.False(t, e.IsZero())
	assert.Equal(t, []fields.Field{fields.EthSrc, fields.EthDst}, e.Fields())
	assert.True(t, KeyExtractor{}.IsZero())
}

func TestSwappedExtractorsAddressSameFlow(t *testing.T) {
	lookup, err := NewKeyExtractor([]fields.Field{fields.EthSrc, fields.EthDst})
	require.NoError(t, err)
	update, err := NewKeyExtractor([]fields.Field{fields.EthDst, fields.EthSrc})
	require.NoError(t, err)
	require.True(t, lookup.Compatible(update))

	forward := decodeFrame(t, pkttesting.Frame{SrcMAC: pkttesting.MAC(1), DstMAC: pkttesting.MAC(2)})
	reverse := decodeFrame(t, pkttesting.Frame{SrcMAC: pkttesting.MAC(2), DstMAC: pkttesting.MAC(1)})

	updateKey, ok := update.Key(forward)
	require.True(t, ok)
	lookupKey, ok := lookup.Key(reverse)
	require.True(t, ok)
	assert.Equal(t, updateKey, lookupKey)

	forwardKey, _ := lookup.Key(forward)
	assert.NotEqual(t, forwardKey, lookupKey)
	assert.Equal(t, "eth_src=00:00:00:00:00:02,eth_dst=00:00:00:00:00:01", lookup.Format(lookupKey))
}

func TestCompatible(t *testing.T) {
	ipPair, _ := NewKeyExtractor([]fields.Field{fields.IPv4Src, fields.IPv4Dst})
	ipSrc, _ := NewKeyExtractor([]fields.Field{fields.IPv4Src})
	ethPair, _ := NewKeyExtractor([]fields.Field{fields.EthSrc, fields.EthDst})
	portAndIP, _ := NewKeyExtractor([]fields.Field{fields.InPort, fields.IPv4Dst})
	assert.False(t, ipPair.Compatible(ipSrc))
	assert.False(t, ipPair.Compatible(ethPair))
	assert.True(t, ipPair.Compatible(portAndIP))
}

func TestKeyAbsentField(t *testing.T) {
	e, _ := NewKeyExtractor([]fields.Field{fields.IPv4Src})
	_, ok := e.Key(decodeFrame(t, pkttesting.Frame{SrcMAC: pkttesting.MAC(1)}))
	assert.False(t, ok)
	k, ok := e.Key(decodeFrame(t, pkttesting.Frame{SrcIP: "10.0.0.1", DstIP: "10.0.0.2"}))
	assert.True(t, ok)
	assert.Equal(t, Key("\x0a\x00\x00\x01"), k)
}

func TestKeyFromValues(t *testing.T) {
	e, _ := NewKeyExtractor([]fields.Field{fields.IPv4Src, fields.UDPDst})
	k, err := e.KeyFromValues([]uint64{0x0a000001, 53})
	require.NoError(t, err)
	assert.Equal(t, "ipv4_src=10.0.0.1,udp_dst=53", e.Format(k))
	h := decodeFrame(t, pkttesting.Frame{SrcIP: "10.0.0.1", DstIP: "10.0.0.2", UDPDst: 53})
	fromPacket, ok := e.Key(h)
	require.True(t, ok)
	assert.Equal(t, fromPacket, k)

	_, err = e.KeyFromValues([]uint64{1})
	assert.Error(t, err)
	assert.Equal(t, "0102", e.Format(Key("\x01\x02")))
}
