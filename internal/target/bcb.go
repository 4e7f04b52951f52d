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

package target

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// BCB field sizes
const (
	commandSize  = 32
	statusSize   = 32
	recoverySize = 768
	stageSize    = 32
	reservedSize = 1184
)

const (
	bootPrefix     = "boot-"
	bootOncePrefix = "bootonce-"
)

// Message is the boot control block record persisted in the misc partition.
type Message struct {
	Command  [commandSize]byte
	Status   [statusSize]byte
	Recovery [recoverySize]byte
	Stage    [stageSize]byte
	Reserved [reservedSize]byte
}

// MessageSize is the size in bytes of an encoded boot control block.
var MessageSize = binary.Size(Message{})

// BCBStore represents the storage holding the boot control block.
type BCBStore interface {
	ReadBCB() ([]byte, error)
	WriteBCB(buf []byte) error
}

// SetCommand sets the record command field.
func (m *Message) SetCommand(cmd string) {
	m.Command = [commandSize]byte{}
	copy(m.Command[:], cmd)
}

// MarshalBinary encodes the record in its on-storage layout.
func (m *Message) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, m); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a record from its on-storage layout.
func (m *Message) UnmarshalBinary(buf []byte) error {
	if len(buf) < MessageSize {
		return fmt.Errorf("invalid boot control block length %d", len(buf))
	}

	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, m)
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}

	return string(b)
}

// Check reads the boot control block and returns the target it requests
// along with whether the request was a one-shot one.
//
// One-shot requests are cleared on read. The status field is owned by the
// loader and blanked whenever found non-empty. Any change is written back
// before returning.
//
// Unreadable or malformed records, as well as unknown targets, result in
// NormalBoot.
func Check(store BCBStore) (t api.Target, oneshot bool) {
	var m Message

	buf, err := store.ReadBCB()

	if err == nil {
		err = m.UnmarshalBinary(buf)
	}

	if err != nil {
		klog.Errorf("unable to read BCB: %v", err)
		return api.NormalBoot, false
	}

	dirty := m.Status[0] != 0
	m.Status[0] = 0

	var name string
	cmd := cstring(m.Command[:])

	switch {
	case strings.HasPrefix(cmd, bootPrefix):
		name = cmd[len(bootPrefix):]
		klog.V(2).Infof("BCB boot target: %q", name)
	case strings.HasPrefix(cmd, bootOncePrefix):
		name = cmd[len(bootOncePrefix):]
		m.Command[0] = 0
		dirty = true
		oneshot = true
		klog.V(2).Infof("BCB oneshot boot target: %q", name)
	}

	if dirty {
		if buf, err = m.MarshalBinary(); err == nil {
			err = store.WriteBCB(buf)
		}

		if err != nil {
			klog.Errorf("unable to update BCB contents: %v", err)
		}
	}

	if len(name) == 0 {
		return api.NormalBoot, oneshot
	}

	if t = api.ParseTarget(name); t == api.UnknownTarget {
		klog.Errorf("unknown boot target in BCB: %q", name)
		return api.NormalBoot, oneshot
	}

	return
}
