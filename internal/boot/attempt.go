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

package boot

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/internal/target"
	"github.com/transparency-dev/armored-witness-loader/internal/tee"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
)

// Attempt holds the state of a single boot attempt, it does not outlive it.
type Attempt struct {
	Target  api.Target
	Options *target.Options
	// Seeds refers to the boot session seed list, the Trusted OS hand-off
	// consumes it.
	Seeds       *keys.SeedList
	RootOfTrust api.RootOfTrust
	// Image is the verified boot image.
	Image *verify.Verified
	// TOS is the verified Trusted OS image, if any.
	TOS *verify.Verified

	// transient attempts boot an image which is not stored in a slot
	transient bool
}

func (l *Loader) newAttempt(t api.Target) *Attempt {
	return &Attempt{
		Target:  t,
		Options: l.opts,
		Seeds:   l.seeds,
	}
}

// boot runs the verified boot pipeline for a normal or recovery boot.
func (l *Loader) boot(ctx context.Context, a *Attempt) (Outcome, error) {
	klog.Infof("loading %s image", a.Target)

	v, err := l.Verifier.VerifyBoot(ctx, a.Target)

	if err != nil {
		return running, err
	}

	metricVerified.WithLabelValues(v.State.String()).Inc()

	unlocked, err := l.Device.IsUnlocked()

	if err != nil {
		return running, fmt.Errorf("error determining whether device is unlocked: %v", err)
	}

	a.Image = v
	a.RootOfTrust = v.RootOfTrust
	a.RootOfTrust.State = v.State
	a.RootOfTrust.DeviceLocked = !unlocked

	if a.Target == api.NormalBoot && l.TEE != nil {
		if err = l.launchTOS(ctx, a); err != nil {
			return running, err
		}
	}

	if v.State == api.Green {
		if err = v.AdvanceRollback(); err != nil {
			klog.Warningf("failed to update rollback index: %v", err)
		}
	}

	return l.start(a)
}

// launchTOS verifies and starts the Trusted OS.
func (l *Loader) launchTOS(ctx context.Context, a *Attempt) error {
	tos, err := l.Verifier.VerifyTOS(ctx)

	if err != nil {
		return err
	}

	if tos.State != api.Green && a.Options.SecureBootEnabled() {
		return fmt.Errorf("trusted OS image is %s with secure boot enabled", tos.State)
	}

	a.TOS = tos

	serial, err := l.Device.Serial()

	if err != nil {
		klog.Warningf("could not read device serial: %v", err)
	}

	img := &tee.Image{
		LoadBase: tos.LoadBase,
		LoadSize: uint32(len(tos.Payload)),
	}

	if err = l.TEE.Launch(img, a.Seeds, &a.RootOfTrust, serial); err != nil {
		return err
	}

	if err = tos.AdvanceRollback(); err != nil {
		klog.Warningf("failed to update trusted OS rollback index: %v", err)
	}

	return nil
}

// start enforces the boot state policy and chain-loads the attempt image.
func (l *Loader) start(a *Attempt) (Outcome, error) {
	state := a.Image.State

	policy := l.Policy
	policy.SecureBoot = a.Options.SecureBootEnabled()

	if err := policy.Enforce(state); err != nil {
		return running, err
	}

	l.state = state

	if err := l.Platform.SetBootState(state); err != nil {
		klog.Errorf("failed to set boot state: %v", err)
	}

	if err := l.Platform.SetOSSecureBoot(state == api.Green); err != nil {
		klog.Errorf("failed to set os secure boot: %v", err)
	}

	if l.Slots != nil && !a.transient {
		if err := l.Slots.RecordBootAttempt(a.Target); err != nil {
			return running, fmt.Errorf("failed to write slot boot: %v", err)
		}
	}

	klog.Infof("chainloading boot image, boot state is %s", state)

	err := l.Platform.ChainLoad(a.Image.Payload, state, a.Target, a.Options.Forwarded)

	if err == nil {
		return ChainLoaded, nil
	}

	klog.Errorf("couldn't load boot image: %v", err)

	// a recovery attempt already consumed its try before the chain-load
	if l.Slots != nil && !a.transient && a.Target == api.NormalBoot {
		if ferr := l.Slots.MarkFailed(a.Target); ferr != nil {
			klog.Errorf("failed to write slot failure: %v", ferr)
		}
	}

	return running, err
}

// bootBuffer starts an image provided by the fastboot host, which is only
// allowed on unlocked devices.
func (l *Loader) bootBuffer(buf []byte) (Outcome, error) {
	unlocked, err := l.Device.IsUnlocked()

	if err != nil {
		return running, err
	}

	if !unlocked {
		return running, errors.New("fastboot boot is not allowed on locked devices")
	}

	a := l.newAttempt(api.NormalBoot)
	a.transient = true
	a.Image = &verify.Verified{
		Target:    api.NormalBoot,
		Partition: "fastboot",
		State:     api.Orange,
		Payload:   buf,
	}
	a.RootOfTrust.State = api.Orange

	return l.start(a)
}
