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

package keys

import (
	"crypto/sha256"
	"errors"
	"io"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/transparency-dev/armored-witness-loader/rpmb"
)

const (
	// KeySize is the size of a derived key.
	KeySize = rpmb.KeyLen
	// SerialSize is the length of the device serial used for derivation,
	// the MMC product name concatenated with its serial number.
	SerialSize = 15
)

// AppID identifies the hardware crypto service the derived keys are bound
// to, the Trusted OS derives the same keys from the same seeds.
var AppID = uuid.MustParse("23fe5938-ccd5-4a78-8baf-0f3d05ffc2df")

var appContext = guidBytes(AppID)

// guidBytes returns the in-memory representation of a UEFI GUID, whose first
// three fields are little-endian.
func guidBytes(u uuid.UUID) []byte {
	return []byte{
		u[3], u[2], u[1], u[0],
		u[5], u[4],
		u[7], u[6],
		u[8], u[9], u[10], u[11], u[12], u[13], u[14], u[15],
	}
}

// deviceSalt returns the serial used as derivation salt. Bytes 0 and 2 carry
// the CID CRC and product revision, which change across eMMC field firmware
// updates, and are therefore cleared.
func deviceSalt(serial string, salt *[SerialSize]byte) error {
	if len(serial) == 0 {
		return errors.New("missing device serial")
	}

	clear(salt[:])
	copy(salt[:], serial)

	salt[0] = 0
	salt[2] = 0

	return nil
}

func derive(secret []byte, salt []byte, out []byte) error {
	r := hkdf.New(sha256.New, secret, salt, appContext)
	_, err := io.ReadFull(r, out)
	return err
}

// DeriveKey returns the storage key derived from a single seed for the given
// device serial.
func DeriveKey(seed *Seed, serial string) (key [KeySize]byte, err error) {
	var salt [SerialSize]byte

	if err = deviceSalt(serial, &salt); err != nil {
		return
	}

	err = derive(seed.Secret[:], salt[:], key[:])

	return
}
