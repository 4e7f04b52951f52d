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

// Package api defines the types shared between the loader components and the
// messages it exposes to its service modes.
package api

import (
	"bytes"
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Status field numbers, the message is wire compatible with:
//
//	message Status {
//	  string serial = 1;
//	  uint32 target = 2;
//	  uint32 boot_state = 3;
//	  bool secure_boot = 4;
//	  bool unlocked = 5;
//	  string version = 6;
//	  string slot = 7;
//	}
const (
	statusSerial protowire.Number = iota + 1
	statusTarget
	statusBootState
	statusSecureBoot
	statusUnlocked
	statusVersion
	statusSlot
)

// Status represents the loader status as served to host tools while in
// fastboot or diagnostic mode.
type Status struct {
	Serial     string
	Target     Target
	BootState  BootState
	SecureBoot bool
	Unlocked   bool
	Version    string
	Slot       string
}

// Bytes serializes the status in protobuf wire format.
func (p *Status) Bytes() (buf []byte) {
	buf = protowire.AppendTag(buf, statusSerial, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Serial)
	buf = protowire.AppendTag(buf, statusTarget, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.Target))
	buf = protowire.AppendTag(buf, statusBootState, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(p.BootState))
	buf = protowire.AppendTag(buf, statusSecureBoot, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeBool(p.SecureBoot))
	buf = protowire.AppendTag(buf, statusUnlocked, protowire.VarintType)
	buf = protowire.AppendVarint(buf, protowire.EncodeBool(p.Unlocked))
	buf = protowire.AppendTag(buf, statusVersion, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Version)
	buf = protowire.AppendTag(buf, statusSlot, protowire.BytesType)
	buf = protowire.AppendString(buf, p.Slot)

	return
}

// Unmarshal parses a status in protobuf wire format, unknown fields are
// skipped.
func (p *Status) Unmarshal(buf []byte) error {
	*p = Status{}

	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)

		if n < 0 {
			return protowire.ParseError(n)
		}

		buf = buf[n:]

		switch {
		case typ == protowire.BytesType && (num == statusSerial || num == statusVersion || num == statusSlot):
			v, n := protowire.ConsumeString(buf)

			if n < 0 {
				return protowire.ParseError(n)
			}

			switch num {
			case statusSerial:
				p.Serial = v
			case statusVersion:
				p.Version = v
			case statusSlot:
				p.Slot = v
			}

			buf = buf[n:]
		case typ == protowire.VarintType && num >= statusTarget && num <= statusUnlocked:
			v, n := protowire.ConsumeVarint(buf)

			if n < 0 {
				return protowire.ParseError(n)
			}

			switch num {
			case statusTarget:
				p.Target = Target(v)
			case statusBootState:
				p.BootState = BootState(v)
			case statusSecureBoot:
				p.SecureBoot = protowire.DecodeBool(v)
			case statusUnlocked:
				p.Unlocked = protowire.DecodeBool(v)
			}

			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)

			if n < 0 {
				return protowire.ParseError(n)
			}

			buf = buf[n:]
		}
	}

	if p.BootState > Red {
		return errors.New("invalid boot state")
	}

	return nil
}

// Print returns the loader status in textual format.
func (p *Status) Print() string {
	var status bytes.Buffer

	status.WriteString("--------------------------------------------------------------- Loader ----\n")
	status.WriteString(fmt.Sprintf("Serial number ..........: %s\n", p.Serial))
	status.WriteString(fmt.Sprintf("Secure Boot ............: %v\n", p.SecureBoot))
	status.WriteString(fmt.Sprintf("Unlocked ...............: %v\n", p.Unlocked))
	status.WriteString(fmt.Sprintf("Version ................: %s\n", p.Version))
	status.WriteString(fmt.Sprintf("Target .................: %s\n", p.Target))
	status.WriteString(fmt.Sprintf("Boot state .............: %s\n", p.BootState))
	status.WriteString(fmt.Sprintf("Slot ...................: %s", p.Slot))

	return status.String()
}
