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

// Package boot implements the loader state machine, which repeatedly
// attempts to boot the current target until execution is transferred to a
// boot image or the platform is reset.
package boot

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/target"
	"github.com/transparency-dev/armored-witness-loader/internal/tee"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
)

// Outcome is the terminal result of Run.
type Outcome int

const (
	running Outcome = iota
	// ChainLoaded indicates that execution was transferred to a boot image.
	ChainLoaded
	// Reset indicates that the platform was reset into a target.
	Reset
)

func (o Outcome) String() string {
	switch o {
	case ChainLoaded:
		return "chain-loaded"
	case Reset:
		return "reset"
	}

	return "running"
}

// Fastboot represents the fastboot service.
type Fastboot interface {
	// Start serves host requests until one selects a target, or provides
	// an image to boot, UnknownTarget is returned when the service
	// returned without selection.
	Start(ctx context.Context, status *api.Status) (t api.Target, img []byte, err error)
}

// Diagnostic represents the crash mode diagnostic service.
type Diagnostic interface {
	Init() error
	// Run serves a single host session, UnknownTarget is returned when
	// no target was selected.
	Run(ctx context.Context, status *api.Status) (api.Target, error)
	Exit()
}

// Platform represents the platform firmware services.
type Platform interface {
	// Reset resets the platform into the passed target.
	Reset(t api.Target) error
	// ChainLoad transfers execution to the passed image, an error is
	// returned when the image could not be started.
	ChainLoad(payload []byte, state api.BootState, t api.Target, cmdline string) error
	// SetBootState publishes the boot state to the operating system.
	SetBootState(s api.BootState) error
	// SetOSSecureBoot publishes the operating system secure boot flag.
	SetOSSecureBoot(enabled bool) error
}

// Device reports device identity and lock state.
type Device interface {
	IsUnlocked() (bool, error)
	Serial() (string, error)
}

// Loader drives boot attempts.
type Loader struct {
	// Tokens is the boot command line.
	Tokens   []string
	Resolver *target.Resolver

	Verifier *verify.Engine
	Policy   verify.Policy
	Slots    loader.Slots

	// Keys reconciles the replay protected storage key, it is skipped
	// when nil.
	Keys *keys.Reconciler
	// TEE launches the Trusted OS before normal boot, it is skipped when
	// nil.
	TEE *tee.Handoff
	// Memory holds the firmware boot parameters.
	Memory tee.Memory

	Fastboot Fastboot
	// Diagnostic serves crash mode, fastboot is used when nil.
	Diagnostic Diagnostic

	Platform Platform
	Device   Device

	// Version is reported in service modes.
	Version string

	opts  *target.Options
	seeds *keys.SeedList
	state api.BootState
}

// init resolves the boot target and prepares the boot session.
func (l *Loader) init() (t api.Target) {
	resolver := l.Resolver

	if resolver == nil {
		resolver = &target.Resolver{}
	}

	t, l.opts = resolver.Resolve(l.Tokens)
	l.state = api.Red

	klog.Infof("target=%s", t)

	if l.opts.HasTEEParams && l.Memory != nil {
		bp, seeds, err := tee.ReadBootParams(l.Memory, l.opts.TEEParams)

		if err != nil {
			klog.Errorf("could not read TEE boot parameters: %v", err)
		} else {
			klog.V(2).Infof("TEE boot parameters version:%d seeds:%d", bp.Version, seeds.Count)
			l.seeds = seeds
		}
	}

	if t != api.Crashmode && l.Keys != nil {
		if err := l.initKeys(); err != nil {
			klog.Errorf("storage key init failure: %v", err)
		}
	}

	return
}

func (l *Loader) initKeys() error {
	serial, err := l.Device.Serial()

	if err != nil {
		return err
	}

	i, err := l.Keys.Reconcile(l.seeds, serial)

	if err != nil {
		return err
	}

	klog.Infof("storage key from seed %d", i)

	return nil
}

// Run executes the boot state machine until a boot image is chain-loaded or
// the platform is reset.
//
// Failures of individual boot attempts are logged and routed to fastboot,
// only errors wrapping verify.ErrAbort are returned, no further code must be
// executed when they occur.
func (l *Loader) Run(ctx context.Context) (Outcome, error) {
	t := l.init()
	defer l.seeds.Zero()

	for {
		var out Outcome
		var err error

		switch t {
		case api.NormalBoot, api.Recovery:
			a := l.newAttempt(t)
			metricAttempts.WithLabelValues(t.String()).Inc()

			if out, err = l.boot(ctx, a); err != nil {
				if errors.Is(err, verify.ErrAbort) {
					return out, err
				}

				klog.Errorf("%s boot failed: %v", t, err)
				metricFailures.WithLabelValues(t.String()).Inc()
				t = api.Fastboot
			}
		case api.UnknownTarget, api.Fastboot:
			t, out, err = l.fastboot(ctx)
		case api.Crashmode:
			if l.Diagnostic == nil {
				t, out, err = l.fastboot(ctx)
				break
			}

			if t, err = l.crashmode(ctx); err != nil {
				klog.Errorf("crash mode failed: %v", err)
				t = api.UnknownTarget
			}
		default:
			klog.Infof("resetting into %s", t)

			if err = l.Platform.Reset(t); err != nil {
				return Reset, fmt.Errorf("reset into %s failed: %v", t, err)
			}

			return Reset, nil
		}

		if errors.Is(err, verify.ErrAbort) {
			return out, err
		}

		if out != running {
			return out, err
		}
	}
}

// Status returns the loader status as reported in service modes.
func (l *Loader) Status(t api.Target) *api.Status {
	s := &api.Status{
		Target:     t,
		BootState:  l.state,
		SecureBoot: l.opts.SecureBootEnabled(),
		Version:    l.Version,
	}

	if serial, err := l.Device.Serial(); err == nil {
		s.Serial = serial
	}

	if unlocked, err := l.Device.IsUnlocked(); err == nil {
		s.Unlocked = unlocked
	}

	if l.Slots != nil && l.Slots.Enabled() {
		s.Slot, _ = l.Slots.Active()
	}

	return s
}
