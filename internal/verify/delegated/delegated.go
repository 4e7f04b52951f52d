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

// Package delegated classifies boot images verified by an external slot
// verification service.
package delegated

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
)

// Flags modify slot verification.
type Flags uint32

// AllowVerificationError requests the verification service to return the
// loaded partitions even when verification fails.
const AllowVerificationError Flags = 1 << 0

// Result is a slot verification result code.
type Result int

const (
	OK Result = iota
	ErrOOM
	ErrIO
	ErrVerification
	ErrRollbackIndex
	ErrPublicKeyRejected
	ErrInvalidMetadata
	ErrUnsupportedVersion
	ErrInvalidArgument
)

var resultNames = map[Result]string{
	OK:                    "ok",
	ErrOOM:                "out of memory",
	ErrIO:                 "I/O error",
	ErrVerification:       "verification error",
	ErrRollbackIndex:      "rollback index error",
	ErrPublicKeyRejected:  "public key rejected",
	ErrInvalidMetadata:    "invalid metadata",
	ErrUnsupportedVersion: "unsupported version",
	ErrInvalidArgument:    "invalid argument",
}

func (r Result) String() string {
	if n, ok := resultNames[r]; ok {
		return n
	}

	return fmt.Sprintf("result(%d)", int(r))
}

// Error is a failed slot verification.
type Error struct {
	Result Result
}

func (e *Error) Error() string {
	return fmt.Sprintf("slot verification failed (%s)", e.Result)
}

// tolerable returns whether the result reports a failed verification, as
// opposed to a failure to perform it.
func (r Result) tolerable() bool {
	switch r {
	case ErrVerification, ErrRollbackIndex, ErrPublicKeyRejected:
		return true
	}

	return false
}

// PartitionData is a partition loaded by the verification service.
type PartitionData struct {
	Name string
	Data []byte
}

// SlotData is the outcome of a slot verification.
type SlotData struct {
	Partitions []PartitionData
	// Label is the mount label embedded in the first partition image.
	Label string
	// LoadBase is the payload offset of the first partition image.
	LoadBase uint32
	// RootOfTrust holds the verifying key digest and version information.
	RootOfTrust api.RootOfTrust
}

// SlotVerifier represents the slot verification service.
type SlotVerifier interface {
	// IsDeviceUnlocked returns whether the device is unlocked.
	IsDeviceUnlocked() (bool, error)
	// VerifySlot loads and verifies the requested partitions of a slot,
	// failures are reported as *Error. With AllowVerificationError the slot
	// data is returned along with tolerable errors.
	VerifySlot(ctx context.Context, partitions []string, suffix string, flags Flags) (*SlotData, error)
	// UpdateRollbackIndexes records the slot data versions as the minimum
	// accepted ones.
	UpdateRollbackIndexes(ctx context.Context, data *SlotData) error
}

// ActiveSlot provides the suffix of the slot to verify.
type ActiveSlot interface {
	ActiveSuffix() string
}

// Backend verifies images through a SlotVerifier.
type Backend struct {
	Service SlotVerifier
	Slots   ActiveSlot

	// Tolerant allows unlocked devices to boot images failing
	// verification.
	Tolerant bool
	// RecoveryInBoot indicates that recovery is started from the boot
	// image.
	RecoveryInBoot bool
}

// Verify classifies the image stored in a partition of the active slot.
func (b *Backend) Verify(ctx context.Context, partition string, t api.Target) (*verify.Verified, error) {
	unlocked, err := b.Service.IsDeviceUnlocked()

	if err != nil {
		return nil, fmt.Errorf("error determining whether device is unlocked: %v", err)
	}

	requested := partition

	if partition == loader.BootPartition && t == api.Recovery && !b.RecoveryInBoot {
		requested = loader.RecoveryPartition
	}

	suffix := ""

	if b.Slots != nil {
		suffix = b.Slots.ActiveSuffix()
	}

	// trusted OS verification failures are never tolerated
	tolerant := b.Tolerant && partition != loader.TOSPartition

	var flags Flags

	if unlocked && tolerant {
		flags |= AllowVerificationError
	}

	data, err := b.Service.VerifySlot(ctx, []string{requested}, suffix, flags)
	passed := err == nil

	if err != nil {
		var verr *Error

		if !errors.As(err, &verr) || !verr.Result.tolerable() {
			return nil, fmt.Errorf("slot verification of %s%s failed: %w", requested, suffix, err)
		}

		klog.Warningf("%s%s: %v", requested, suffix, err)
	}

	v := &verify.Verified{
		Target:    t,
		Partition: requested + suffix,
		Suffix:    suffix,
		State:     verify.ClassifyDelegated(passed, unlocked, tolerant),
	}

	if data == nil || len(data.Partitions) == 0 {
		if v.State != api.Red {
			return nil, fmt.Errorf("no partition data for %s%s", requested, suffix)
		}

		return v, nil
	}

	v.Payload = data.Partitions[0].Data
	v.Label = data.Label
	v.LoadBase = data.LoadBase
	v.RootOfTrust = data.RootOfTrust

	v.SetAdvance(func() error {
		return b.Service.UpdateRollbackIndexes(ctx, data)
	})

	return v, nil
}
