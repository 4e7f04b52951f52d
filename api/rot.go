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

package api

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/coreos/go-semver/semver"
)

// RoTVersion is the version of the root of trust block layout.
const RoTVersion = 2

// RootOfTrust describes the trust level and verifying key identity of the
// current boot attempt, it is passed to the Trusted OS which binds its keys
// to it.
type RootOfTrust struct {
	DeviceLocked bool
	State        BootState
	// OSVersion is encoded as AABBCC (e.g. 130201 for 13.2.1).
	OSVersion uint32
	// PatchLevel is encoded as YYYYMM.
	PatchLevel uint32
	// KeyDigest is the SHA256 digest of the key which verified the boot image.
	KeyDigest [sha256.Size]byte
	// RollbackIndex is the rollback index of the verified boot image.
	RollbackIndex uint64
}

// rotBlock mirrors the fixed layout expected by the Trusted OS.
type rotBlock struct {
	Version        uint32
	DeviceLocked   uint32
	BootState      uint32
	OSVersion      uint32
	PatchMonthYear uint32
	KeySize        uint8
	KeyHash        [sha256.Size]byte
	RollbackIndex  uint64
}

// RoTSize is the size in bytes of an encoded root of trust block.
var RoTSize = binary.Size(rotBlock{})

// MarshalBinary encodes the root of trust in its fixed layout.
func (r *RootOfTrust) MarshalBinary() ([]byte, error) {
	b := rotBlock{
		Version:        RoTVersion,
		BootState:      uint32(r.State),
		OSVersion:      r.OSVersion,
		PatchMonthYear: r.PatchLevel,
		KeySize:        sha256.Size,
		KeyHash:        r.KeyDigest,
		RollbackIndex:  r.RollbackIndex,
	}

	if r.DeviceLocked {
		b.DeviceLocked = 1
	}

	buf := new(bytes.Buffer)

	if err := binary.Write(buf, binary.LittleEndian, &b); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// UnmarshalBinary decodes a root of trust in its fixed layout.
func (r *RootOfTrust) UnmarshalBinary(buf []byte) error {
	var b rotBlock

	if len(buf) < RoTSize {
		return fmt.Errorf("invalid root of trust length %d", len(buf))
	}

	if err := binary.Read(bytes.NewReader(buf), binary.LittleEndian, &b); err != nil {
		return err
	}

	if b.Version != RoTVersion {
		return fmt.Errorf("unsupported root of trust version %d", b.Version)
	}

	*r = RootOfTrust{
		DeviceLocked:  b.DeviceLocked != 0,
		State:         BootState(b.BootState),
		OSVersion:     b.OSVersion,
		PatchLevel:    b.PatchMonthYear,
		KeyDigest:     b.KeyHash,
		RollbackIndex: b.RollbackIndex,
	}

	return nil
}

// EncodeOSVersion returns the AABBCC representation of an OS version, each
// component is limited to 7 bits as in the boot image header.
func EncodeOSVersion(v *semver.Version) (uint32, error) {
	if v == nil {
		return 0, nil
	}

	for _, c := range []int64{v.Major, v.Minor, v.Patch} {
		if c < 0 || c > 0x7f {
			return 0, fmt.Errorf("OS version %s out of range", v)
		}
	}

	return uint32(v.Major*10000 + v.Minor*100 + v.Patch), nil
}

// EncodePatchLevel returns the YYYYMM representation of a security patch
// level in YYYY-MM format, the year is limited to 2000-2127 as in the boot
// image header.
func EncodePatchLevel(s string) (uint32, error) {
	if len(s) == 0 {
		return 0, nil
	}

	t, err := time.Parse("2006-01", s)

	if err != nil {
		return 0, fmt.Errorf("invalid patch level %q: %v", s, err)
	}

	if y := t.Year(); y < 2000 || y > 2000+0x7f {
		return 0, fmt.Errorf("patch level year %d out of range", y)
	}

	return uint32(t.Year()*100 + int(t.Month())), nil
}

// RollbackIndex maps an image version to a monotonic rollback index.
func RollbackIndex(v *semver.Version) uint64 {
	if v == nil {
		return 0
	}

	return uint64(v.Major)<<40 | uint64(v.Minor&0xfffff)<<20 | uint64(v.Patch&0xfffff)
}
