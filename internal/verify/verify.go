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

// Package verify classifies the trust level of boot images.
package verify

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
)

// Verified is the outcome of a boot image verification.
type Verified struct {
	// Target is the boot target the image was verified for.
	Target api.Target
	// Partition is the label of the partition holding the image.
	Partition string
	// Suffix is the slot suffix of the partition, if any.
	Suffix string
	// State is the trust classification of the image.
	State api.BootState
	// Label is the mount label embedded in the image.
	Label string
	// Payload is the image to execute.
	Payload []byte
	// LoadBase is the payload load offset.
	LoadBase uint32
	// Authority names the key which verified the image, if any.
	Authority string
	// RootOfTrust describes the verifying key and version of the image.
	RootOfTrust api.RootOfTrust

	// advance records the image version as the minimum accepted one.
	advance func() error
}

// SetAdvance registers the rollback index update for the image.
func (v *Verified) SetAdvance(fn func() error) {
	v.advance = fn
}

// AdvanceRollback updates the rollback protection to the image version, it
// is a no-op for images which are not Green.
func (v *Verified) AdvanceRollback() error {
	if v.State != api.Green || v.advance == nil {
		return nil
	}

	return v.advance()
}

// Backend verifies the image stored in a partition for a boot target.
type Backend interface {
	Verify(ctx context.Context, partition string, t api.Target) (*Verified, error)
}

// ClassifyLocal returns the trust classification of an image validated
// against the caller supplied and the embedded authorities.
func ClassifyLocal(callerMatch, embeddedMatch bool) api.BootState {
	switch {
	case callerMatch:
		return api.Green
	case embeddedMatch:
		return api.Yellow
	}

	return api.Red
}

// ClassifyDelegated returns the trust classification of a delegated slot
// verification, failures are tolerated on unlocked devices configured to do
// so.
func ClassifyDelegated(passed, unlocked, tolerant bool) api.BootState {
	switch {
	case passed:
		return api.Green
	case unlocked && tolerant:
		return api.Yellow
	}

	return api.Red
}

// Bind reports whether an image carrying the passed mount label can be
// booted for target t.
//
// Normal boot also accepts recovery images to support multi-stage updates,
// recovery accepts boot images when it lives in the boot partition.
func Bind(t api.Target, label string, recoveryInBoot bool) bool {
	switch t {
	case api.NormalBoot:
		return label == api.BootLabel || label == api.RecoveryLabel
	case api.Recovery:
		if recoveryInBoot {
			return label == api.BootLabel
		}

		return label == api.RecoveryLabel
	}

	return false
}

// Engine verifies boot and trusted OS images through a backend.
type Engine struct {
	Backend Backend

	// RecoveryInBoot indicates that recovery is started from the boot
	// image.
	RecoveryInBoot bool
}

// VerifyBoot verifies the boot image for target t and binds it to the
// target, images built for another target are classified Red.
func (e *Engine) VerifyBoot(ctx context.Context, t api.Target) (*Verified, error) {
	v, err := e.Backend.Verify(ctx, loader.BootPartition, t)

	if err != nil {
		return nil, err
	}

	if len(v.Payload) == 0 {
		return nil, errors.New("no boot image")
	}

	if v.State == api.Red {
		klog.Errorf("boot image doesn't verify")
	} else if !Bind(t, v.Label, e.RecoveryInBoot) {
		klog.Errorf("boot image has unexpected target name %q", v.Label)
		v.State = api.Red
	}

	v.Target = t
	v.RootOfTrust.State = v.State

	klog.Infof("boot image %s verified for %s, state %s", v.Partition, t, v.State)

	return v, nil
}

// VerifyTOS verifies the trusted OS image.
func (e *Engine) VerifyTOS(ctx context.Context) (*Verified, error) {
	v, err := e.Backend.Verify(ctx, loader.TOSPartition, api.NormalBoot)

	if err != nil {
		return nil, fmt.Errorf("trusted OS verification failed: %w", err)
	}

	if len(v.Payload) == 0 {
		return nil, errors.New("no trusted OS image")
	}

	v.RootOfTrust.State = v.State

	klog.Infof("trusted OS image %s verified, state %s", v.Partition, v.State)

	return v, nil
}
