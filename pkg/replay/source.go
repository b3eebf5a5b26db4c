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
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/spf13/afero"
)

const pcapngMagic = 0x0a0d0d0a

// File is a capture file opened for replay.
type File struct {
	gopacket.PacketDataSource
	file afero.File
	// Format is "pcap" or "pcapng".
	Format string
}

func (f *File) Close() error {
	return f.file.Close()
}

// OpenFile opens a pcap or pcapng capture file. The format is detected from
// the magic number of the file.
func OpenFile(fs afero.Fs, path string) (*File, error) {
	file, err := fs.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	src, format, err := newSource(bufio.NewReader(file))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to read capture file %s: %w", path, err)
	}
	return &File{PacketDataSource: src, file: file, Format: format}, nil
}

func newSource(r *bufio.Reader) (gopacket.PacketDataSource, string, error) {
	magic, err := r.Peek(4)
	if err != nil {
		if err == io.EOF {
			return nil, "", fmt.Errorf("file is empty")
		}
		return nil, "", err
	}
	// The section header block type is the same in both byte orders.
	if binary.LittleEndian.Uint32(magic) == pcapngMagic {
		ngReader, err := pcapgo.NewNgReader(r, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return nil, "", err
		}
		return ngReader, "pcapng", nil
	}
	reader, err := pcapgo.NewReader(r)
	if err != nil {
		return nil, "", err
	}
	return reader, "pcap", nil
}
