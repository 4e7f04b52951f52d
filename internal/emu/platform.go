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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/tee"
)

// Device represents the emulated device identity and lock state.
type Device struct {
	sync.Mutex

	SerialNumber string
	Unlocked     bool
}

// Serial returns the device serial number.
func (d *Device) Serial() (string, error) {
	d.Lock()
	defer d.Unlock()

	if len(d.SerialNumber) == 0 {
		return "", errors.New("serial number not set")
	}

	return d.SerialNumber, nil
}

// IsUnlocked returns whether the device is unlocked.
func (d *Device) IsUnlocked() (bool, error) {
	d.Lock()
	defer d.Unlock()

	return d.Unlocked, nil
}

// IsDeviceUnlocked returns whether the device is unlocked.
func (d *Device) IsDeviceUnlocked() (bool, error) {
	return d.IsUnlocked()
}

// SetUnlocked changes the device lock state.
func (d *Device) SetUnlocked(unlocked bool) {
	d.Lock()
	defer d.Unlock()

	d.Unlocked = unlocked
}

// Platform emulates the platform firmware services, chain-loading writes
// the payload to a file.
type Platform struct {
	// Output is the path receiving chain-loaded payloads, payloads are
	// discarded when empty.
	Output string
	// ChainLoadErr, when set, is returned by ChainLoad.
	ChainLoadErr error

	// State is the published boot state.
	State api.BootState
	// SecureBoot is the published OS secure boot flag.
	SecureBoot bool
	// Resets records the reset requests.
	Resets []api.Target
	// Target is the target of the last chain-loaded image.
	Target api.Target
	// CommandLine is the command line of the last chain-loaded image.
	CommandLine string
}

// Reset records a reset into target t.
func (p *Platform) Reset(t api.Target) error {
	klog.Infof("platform reset into %s", t)
	p.Resets = append(p.Resets, t)
	return nil
}

// ChainLoad records the transfer of execution to the passed image.
func (p *Platform) ChainLoad(payload []byte, state api.BootState, t api.Target, cmdline string) error {
	if p.ChainLoadErr != nil {
		return p.ChainLoadErr
	}

	if len(p.Output) > 0 {
		if err := os.WriteFile(p.Output, payload, 0600); err != nil {
			return fmt.Errorf("could not write payload (%v)", err)
		}
	}

	p.Target = t
	p.CommandLine = cmdline

	klog.Infof("chain-loading %s image (%d bytes, state:%s, cmdline:%q)", t, len(payload), state, cmdline)

	return nil
}

// SetBootState publishes the boot state.
func (p *Platform) SetBootState(s api.BootState) error {
	p.State = s
	return nil
}

// SetOSSecureBoot sets the OS secure boot flag.
func (p *Platform) SetOSSecureBoot(enabled bool) error {
	p.SecureBoot = enabled
	return nil
}

// Memory emulates a physical memory region.
type Memory struct {
	sync.Mutex

	Base uint64
	Data []byte
}

// NewMemory returns a zeroed memory region of the given size at base.
func NewMemory(base uint64, size int) *Memory {
	return &Memory{
		Base: base,
		Data: make([]byte, size),
	}
}

func (m *Memory) slice(addr uint64, n int) ([]byte, error) {
	if addr < m.Base || addr-m.Base+uint64(n) > uint64(len(m.Data)) {
		return nil, fmt.Errorf("invalid memory access (%#x-%#x)", addr, addr+uint64(n))
	}

	off := addr - m.Base

	return m.Data[off : off+uint64(n)], nil
}

// Read copies len(buf) bytes at addr into buf.
func (m *Memory) Read(addr uint64, buf []byte) error {
	m.Lock()
	defer m.Unlock()

	b, err := m.slice(addr, len(buf))

	if err != nil {
		return err
	}

	copy(buf, b)

	return nil
}

// Write copies buf at addr.
func (m *Memory) Write(addr uint64, buf []byte) error {
	m.Lock()
	defer m.Unlock()

	b, err := m.slice(addr, len(buf))

	if err != nil {
		return err
	}

	copy(b, buf)

	return nil
}

// ClearMemory zeroes the whole region.
func (m *Memory) ClearMemory() error {
	m.Lock()
	defer m.Unlock()

	clear(m.Data)

	return nil
}

// Hypervisor emulates the Trusted OS launch through the hypervisor.
type Hypervisor struct {
	// LaunchErr, when set, is returned by Launch.
	LaunchErr error

	// LoadBase and LoadSize are the placement of the last launched image.
	LoadBase uint32
	LoadSize uint32
	// Launches counts successful launches.
	Launches int
}

// Launch validates the startup block layout and records the launch.
func (h *Hypervisor) Launch(block []byte) error {
	if h.LaunchErr != nil {
		return h.LaunchErr
	}

	if len(block) != tee.StartupSize {
		return fmt.Errorf("invalid startup block size %d", len(block))
	}

	if size := binary.LittleEndian.Uint64(block); size != uint64(tee.StartupSize) {
		return fmt.Errorf("invalid startup block header size %d", size)
	}

	h.LoadBase = binary.LittleEndian.Uint32(block[8:])
	h.LoadSize = binary.LittleEndian.Uint32(block[12:])
	h.Launches++

	klog.Infof("trusted OS launched (base:%#x size:%d)", h.LoadBase, h.LoadSize)

	return nil
}

// IPC emulates the Trusted OS inter-process channel.
type IPC struct {
	Up bool
}

// Init brings the channel up.
func (c *IPC) Init() error {
	c.Up = true
	return nil
}

// Shutdown brings the channel down.
func (c *IPC) Shutdown() error {
	if !c.Up {
		return errors.New("channel not initialized")
	}

	c.Up = false

	return nil
}

// CoProcessor emulates the security co-processor.
type CoProcessor struct {
	EndOfPostSent bool
}

// EndOfPost records the end of post signal, it can only be sent once.
func (c *CoProcessor) EndOfPost() error {
	if c.EndOfPostSent {
		return errors.New("end of post already sent")
	}

	c.EndOfPostSent = true

	return nil
}
