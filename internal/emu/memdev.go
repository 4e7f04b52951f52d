// Copyright 2022 The Armored Witness OS authors. All Rights Reserved.
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

package emu

import (
	"fmt"
)

// MemBlockSize is the number of bytes in a single memory block.
const MemBlockSize = 512

// MemDev is a simple in-memory block device.
type MemDev struct {
	Storage [][MemBlockSize]byte

	// OnBlockWritten is called just after a mem block has been written.
	OnBlockWritten func(lba uint)
}

// NewMemDev creates a new in-memory block device.
func NewMemDev(numBlocks uint) *MemDev {
	return &MemDev{Storage: make([][MemBlockSize]byte, numBlocks)}
}

// BlockSize returns the block size of the underlying storage system.
func (md *MemDev) BlockSize() uint {
	return MemBlockSize
}

// ReadBlocks reads len(b) bytes into b from contiguous storage blocks starting
// at the given block address.
func (md *MemDev) ReadBlocks(lba uint, b []byte) error {
	if lba >= uint(len(md.Storage)) {
		return fmt.Errorf("lba (%d) >= device blocks (%d)", lba, len(md.Storage))
	}

	bl := (uint(len(b)) + MemBlockSize - 1) / MemBlockSize

	if l := uint(len(md.Storage)); lba+bl > l {
		bl = l - lba
	}

	for i := uint(0); i < bl; i++ {
		copy(b[i*MemBlockSize:], md.Storage[lba+i][:])
	}

	return nil
}

// WriteBlocks writes len(b) bytes from b to contiguous storage blocks starting
// at the given block address, partial blocks are zero padded.
//
// Returns the number of blocks written, or an error.
func (md *MemDev) WriteBlocks(lba uint, b []byte) (uint, error) {
	if lba >= uint(len(md.Storage)) {
		return 0, fmt.Errorf("lba (%d) >= device blocks (%d)", lba, len(md.Storage))
	}

	if r := len(b) % MemBlockSize; r != 0 {
		b = append(b, make([]byte, MemBlockSize-r)...)
	}

	bl := uint(len(b)) / MemBlockSize

	if l := uint(len(md.Storage)); lba+bl > l {
		bl = l - lba
	}

	for i := uint(0); i < bl; i++ {
		copy(md.Storage[lba+i][:], b[i*MemBlockSize:])

		if md.OnBlockWritten != nil {
			md.OnBlockWritten(lba + i)
		}
	}

	return bl, nil
}

// MarshalBinary returns the content of all device blocks.
func (md *MemDev) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, len(md.Storage)*MemBlockSize)

	for i := range md.Storage {
		buf = append(buf, md.Storage[i][:]...)
	}

	return buf, nil
}

// UnmarshalBinary restores the device blocks, the device size is unchanged.
func (md *MemDev) UnmarshalBinary(buf []byte) error {
	if len(buf) > len(md.Storage)*MemBlockSize {
		return fmt.Errorf("snapshot exceeds device size (%d bytes)", len(buf))
	}

	for i := range md.Storage {
		if len(buf) == 0 {
			break
		}

		n := copy(md.Storage[i][:], buf)
		buf = buf[n:]
	}

	return nil
}
