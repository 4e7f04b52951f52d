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

// Package tee builds the Trusted OS startup parameters and hands control
// over to it.
package tee

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
)

// seedInfo is the firmware layout of a single seed.
type seedInfo struct {
	SVN  uint8
	Pad  [3]byte
	Seed [keys.SeedSize]byte
}

type seedBlock [keys.MaxSeeds]seedInfo

func (b *seedBlock) load(l *keys.SeedList) {
	for i := 0; i < l.Count; i++ {
		b[i].SVN = l.Entries[i].SVN
		b[i].Seed = l.Entries[i].Secret
	}
}

func (b *seedBlock) zero() {
	*b = seedBlock{}
}

// seedInfoSize is the encoded size of a single seed
const seedInfoSize = 4 + keys.SeedSize

// put encodes the seeds into dst, which must hold seedsSize bytes. The
// encoding is done in place to avoid intermediate copies of seed material.
func (b *seedBlock) put(dst []byte) {
	for i := range b {
		e := dst[i*seedInfoSize:]
		e[0] = b[i].SVN
		copy(e[4:seedInfoSize], b[i].Seed[:])
	}
}

// get decodes the seeds from src, which must hold seedsSize bytes.
func (b *seedBlock) get(src []byte) {
	for i := range b {
		e := src[i*seedInfoSize:]
		b[i].SVN = e[0]
		copy(b[i].Seed[:], e[4:seedInfoSize])
	}
}

// startupHeader precedes the seeds in the startup block.
type startupHeader struct {
	Size     uint64
	LoadBase uint32
	LoadSize uint32
	NumSeeds uint32
}

var (
	headerSize = binary.Size(startupHeader{})
	seedsSize  = keys.MaxSeeds * seedInfoSize
)

// StartupSize is the size in bytes of an encoded startup block.
var StartupSize = headerSize + seedsSize + api.RoTSize + keys.SerialSize

// StartupParams are the Trusted OS startup parameters.
//
// The encoded block layout is little-endian and packed:
//
//	size      u64
//	load_base u32
//	load_size u32
//	num_seeds u32
//	seeds     [4]{svn u8, pad [3]u8, seed [32]u8}
//	rot       root of trust block
//	serial    [15]u8
type StartupParams struct {
	LoadBase    uint32
	LoadSize    uint32
	NumSeeds    uint32
	Seeds       seedBlock
	RootOfTrust api.RootOfTrust
	Serial      [keys.SerialSize]byte
}

// Zero clears the seed material held by the parameters.
func (p *StartupParams) Zero() {
	p.Seeds.zero()
	p.NumSeeds = 0
}

// MarshalBinary encodes the parameters in the startup block layout.
func (p *StartupParams) MarshalBinary() ([]byte, error) {
	rot, err := p.RootOfTrust.MarshalBinary()

	if err != nil {
		return nil, err
	}

	buf := bytes.NewBuffer(make([]byte, 0, StartupSize))

	hdr := startupHeader{
		Size:     uint64(StartupSize),
		LoadBase: p.LoadBase,
		LoadSize: p.LoadSize,
		NumSeeds: p.NumSeeds,
	}

	if err = binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}

	buf.Write(make([]byte, seedsSize))
	buf.Write(rot)
	buf.Write(p.Serial[:])

	block := buf.Bytes()
	p.Seeds.put(block[headerSize:])

	return block, nil
}

// zeroSeeds clears the seed portion of an encoded startup block.
func zeroSeeds(block []byte) {
	if len(block) >= headerSize+seedsSize {
		clear(block[headerSize : headerSize+seedsSize])
	}
}

// bootHeader precedes the seeds in the firmware supplied boot parameters
// block.
type bootHeader struct {
	Version  uint16
	MemBase  uint32
	MemSize  uint32
	NumSeeds uint32
}

var (
	bootHeaderSize = binary.Size(bootHeader{})
	bootParamsSize = bootHeaderSize + seedsSize
)

// BootParams are the boot parameters supplied by the platform firmware.
type BootParams struct {
	Version uint16
	MemBase uint32
	MemSize uint32
}

// Memory represents the physical memory holding the firmware parameters.
type Memory interface {
	Read(addr uint64, buf []byte) error
	Write(addr uint64, buf []byte) error
}

// ReadBootParams reads the firmware boot parameters at addr and returns them
// along with the seed list they carry.
//
// The firmware copy of the seeds is zeroed before returning, the returned
// list is the only remaining copy and its owner must zero it.
func ReadBootParams(mem Memory, addr uint64) (*BootParams, *keys.SeedList, error) {
	buf := make([]byte, bootParamsSize)
	defer clear(buf)

	if err := mem.Read(addr, buf); err != nil {
		return nil, nil, fmt.Errorf("could not read boot parameters: %v", err)
	}

	var hdr bootHeader

	if err := binary.Read(bytes.NewReader(buf[:bootHeaderSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, nil, err
	}

	// clear the firmware seed count and seeds so that they can be read
	// only once
	if err := mem.Write(addr+uint64(bootHeaderSize-4), make([]byte, 4+seedsSize)); err != nil {
		return nil, nil, fmt.Errorf("could not clear firmware seeds: %v", err)
	}

	if hdr.NumSeeds == 0 || hdr.NumSeeds > keys.MaxSeeds {
		return nil, nil, fmt.Errorf("invalid number of seeds %d", hdr.NumSeeds)
	}

	var sb seedBlock
	defer sb.zero()

	sb.get(buf[bootHeaderSize:])

	seeds := &keys.SeedList{Count: int(hdr.NumSeeds)}

	for i := 0; i < seeds.Count; i++ {
		seeds.Entries[i].SVN = sb[i].SVN
		seeds.Entries[i].Secret = sb[i].Seed
	}

	return &BootParams{
		Version: hdr.Version,
		MemBase: hdr.MemBase,
		MemSize: hdr.MemSize,
	}, seeds, nil
}

// WriteBootParams places a firmware boot parameters block at addr, it is
// used to stage the parameters on emulated platforms.
func WriteBootParams(mem Memory, addr uint64, p *BootParams, seeds *keys.SeedList) error {
	if !seeds.Valid() {
		return errors.New("invalid seed list")
	}

	hdr := bootHeader{
		Version:  p.Version,
		MemBase:  p.MemBase,
		MemSize:  p.MemSize,
		NumSeeds: uint32(seeds.Count),
	}

	buf := bytes.NewBuffer(make([]byte, 0, bootParamsSize))

	if err := binary.Write(buf, binary.LittleEndian, &hdr); err != nil {
		return err
	}

	buf.Write(make([]byte, seedsSize))

	block := buf.Bytes()
	defer clear(block)

	var sb seedBlock
	defer sb.zero()

	sb.load(seeds)
	sb.put(block[bootHeaderSize:])

	return mem.Write(addr, block)
}
