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

// Package slot implements A/B slot selection metadata persisted on block
// storage.
package slot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

const (
	// MaxSlots is the maximum number of slots the metadata can describe.
	MaxSlots = 4
	// MaxPriority is the priority given to a newly activated slot.
	MaxPriority = 15
	// MaxTries is the number of boot attempts granted to a newly activated
	// slot before it is considered unbootable.
	MaxTries = 7
	// MaxRecoveryTries is the number of recovery boot attempts granted
	// before recovery loading is refused.
	MaxRecoveryTries = 3

	magic   = 0x42414342
	version = 1
)

// BlockReaderWriter defines the interface for reading and writing blocks to
// the storage holding the slot metadata.
type BlockReaderWriter interface {
	// BlockSize returns the block size of the underlying storage system.
	BlockSize() uint

	// ReadBlocks reads len(b) bytes into b from contiguous storage blocks
	// starting at the given block address.
	ReadBlocks(lba uint, b []byte) error

	// WriteBlocks writes len(b) bytes from b to contiguous storage blocks
	// starting at the given block address.
	WriteBlocks(lba uint, b []byte) (uint, error)
}

// Info describes the boot health of a single slot.
type Info struct {
	Suffix         string
	Priority       uint8
	TriesRemaining uint8
	SuccessfulBoot bool
}

// Bootable returns whether the slot can be selected for boot.
func (i Info) Bootable() bool {
	return i.Priority > 0 && (i.SuccessfulBoot || i.TriesRemaining > 0)
}

type slotMetadata struct {
	Priority       uint8
	TriesRemaining uint8
	SuccessfulBoot uint8
	Reserved       uint8
}

type metadata struct {
	Magic                  uint32
	Version                uint8
	NumSlots               uint8
	RecoveryTriesRemaining uint8
	Reserved               uint8
	Slots                  [MaxSlots]slotMetadata
	CRC32                  uint32
}

var metadataSize = binary.Size(metadata{})

// Manager tracks slot selection, it satisfies the slot view consumed by
// the image loader.
type Manager struct {
	mu sync.Mutex

	dev BlockReaderWriter
	lba uint
	md  metadata
}

// Suffix returns the partition suffix of slot n ("_a", "_b", ...).
func Suffix(n int) string {
	return "_" + string(rune('a'+n))
}

// Open loads the slot metadata stored at the given block address, metadata
// which fails to validate is replaced with defaults for n slots.
//
// A single slot configuration disables fail-over.
func Open(dev BlockReaderWriter, lba uint, n int) (*Manager, error) {
	if n < 1 || n > MaxSlots {
		return nil, fmt.Errorf("invalid number of slots %d", n)
	}

	m := &Manager{
		dev: dev,
		lba: lba,
	}

	if err := m.read(); err != nil || int(m.md.NumSlots) != n {
		klog.Warningf("resetting slot metadata (%d slots): %v", n, err)

		m.reset(n)

		if err := m.write(); err != nil {
			return nil, err
		}
	}

	return m, nil
}

func (m *Manager) blocks() []byte {
	bs := int(m.dev.BlockSize())
	return make([]byte, (metadataSize+bs-1)/bs*bs)
}

func checksum(md *metadata) (uint32, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, md); err != nil {
		return 0, err
	}

	return crc32.ChecksumIEEE(buf.Bytes()[:metadataSize-4]), nil
}

func (m *Manager) read() error {
	buf := m.blocks()

	if err := m.dev.ReadBlocks(m.lba, buf); err != nil {
		return err
	}

	var md metadata

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &md); err != nil {
		return err
	}

	if md.Magic != magic {
		return errors.New("invalid slot metadata magic")
	}

	if md.Version != version {
		return fmt.Errorf("unsupported slot metadata version %d", md.Version)
	}

	sum, err := checksum(&md)

	if err != nil {
		return err
	}

	if sum != md.CRC32 {
		return fmt.Errorf("slot metadata checksum mismatch (%#x != %#x)", sum, md.CRC32)
	}

	if md.NumSlots == 0 || md.NumSlots > MaxSlots {
		return fmt.Errorf("invalid number of slots %d", md.NumSlots)
	}

	m.md = md

	return nil
}

func (m *Manager) write() (err error) {
	if m.md.CRC32, err = checksum(&m.md); err != nil {
		return
	}

	buf := new(bytes.Buffer)

	if err = binary.Write(buf, binary.LittleEndian, &m.md); err != nil {
		return
	}

	b := m.blocks()
	copy(b, buf.Bytes())

	if _, err = m.dev.WriteBlocks(m.lba, b); err != nil {
		return fmt.Errorf("could not write slot metadata: %v", err)
	}

	return
}

// commit persists the metadata, the in-memory copy is restored to prev when
// the write fails so that it always matches storage.
func (m *Manager) commit(prev metadata) error {
	if err := m.write(); err != nil {
		m.md = prev
		return err
	}

	return nil
}

func (m *Manager) reset(n int) {
	m.md = metadata{
		Magic:                  magic,
		Version:                version,
		NumSlots:               uint8(n),
		RecoveryTriesRemaining: MaxRecoveryTries,
	}

	for i := 0; i < n; i++ {
		m.md.Slots[i] = slotMetadata{
			Priority:       MaxPriority - uint8(i),
			TriesRemaining: MaxTries,
		}
	}
}

func (m *Manager) info(i int) Info {
	s := m.md.Slots[i]

	return Info{
		Suffix:         Suffix(i),
		Priority:       s.Priority,
		TriesRemaining: s.TriesRemaining,
		SuccessfulBoot: s.SuccessfulBoot != 0,
	}
}

// active returns the index of the bootable slot with the highest priority,
// or -1 if none is bootable.
func (m *Manager) active() int {
	idx := -1

	for i := 0; i < int(m.md.NumSlots); i++ {
		s := m.info(i)

		if !s.Bootable() {
			continue
		}

		if idx < 0 || s.Priority > m.md.Slots[idx].Priority {
			idx = i
		}
	}

	return idx
}

// Enabled returns whether more than one slot is available for fail-over.
func (m *Manager) Enabled() bool {
	return m.md.NumSlots > 1
}

// Active returns the suffix of the slot selected for boot, ok is false when
// no slot is bootable.
func (m *Manager) Active() (suffix string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.Enabled() {
		return "", true
	}

	if i := m.active(); i >= 0 {
		return Suffix(i), true
	}

	return "", false
}

// Slots returns the state of all configured slots.
func (m *Manager) Slots() (slots []Info) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := 0; i < int(m.md.NumSlots); i++ {
		slots = append(slots, m.info(i))
	}

	return
}

// RecoveryTriesRemaining returns the number of recovery boot attempts left.
func (m *Manager) RecoveryTriesRemaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return int(m.md.RecoveryTriesRemaining)
}

// MarkFailed records a failure to load or start the image for the passed
// target, a failed normal boot makes the active slot unbootable while a
// failed recovery boot consumes a recovery attempt.
func (m *Manager) MarkFailed(t api.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.md

	switch t {
	case api.NormalBoot:
		i := m.active()

		if i < 0 {
			return nil
		}

		klog.Warningf("marking slot %s as unbootable", Suffix(i))
		m.md.Slots[i] = slotMetadata{}
	case api.Recovery:
		if m.md.RecoveryTriesRemaining == 0 {
			return nil
		}

		m.md.RecoveryTriesRemaining--
	default:
		return fmt.Errorf("no slot state for target %s", t)
	}

	return m.commit(prev)
}

// RecordBootAttempt consumes a boot attempt of the active slot, or of
// recovery, before the image for the passed target is started.
func (m *Manager) RecordBootAttempt(t api.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.md

	switch t {
	case api.NormalBoot:
		i := m.active()

		if i < 0 {
			return errors.New("no bootable slot")
		}

		s := &m.md.Slots[i]

		if s.SuccessfulBoot != 0 || s.TriesRemaining == 0 {
			return nil
		}

		s.TriesRemaining--
		klog.V(2).Infof("slot %s tries remaining: %d", Suffix(i), s.TriesRemaining)
	case api.Recovery:
		if m.md.RecoveryTriesRemaining == 0 {
			return errors.New("no recovery tries remaining")
		}

		m.md.RecoveryTriesRemaining--
	default:
		return nil
	}

	return m.commit(prev)
}

// MarkSuccessful marks the active slot as successfully booted and restores
// the recovery attempts.
func (m *Manager) MarkSuccessful() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.md

	i := m.active()

	if i < 0 {
		return errors.New("no bootable slot")
	}

	m.md.Slots[i].SuccessfulBoot = 1
	m.md.Slots[i].TriesRemaining = 0
	m.md.RecoveryTriesRemaining = MaxRecoveryTries

	return m.commit(prev)
}

// SetActive selects the slot with the passed suffix for the next boot.
func (m *Manager) SetActive(suffix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev := m.md

	idx := -1

	for i := 0; i < int(m.md.NumSlots); i++ {
		if Suffix(i) == suffix {
			idx = i
		}
	}

	if idx < 0 {
		return fmt.Errorf("invalid slot %q", suffix)
	}

	for i := 0; i < int(m.md.NumSlots); i++ {
		if i != idx && m.md.Slots[i].Priority >= MaxPriority {
			m.md.Slots[i].Priority = MaxPriority - 1
		}
	}

	m.md.Slots[idx] = slotMetadata{
		Priority:       MaxPriority,
		TriesRemaining: MaxTries,
	}

	return m.commit(prev)
}
