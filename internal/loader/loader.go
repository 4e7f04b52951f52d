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

// Package loader reads boot images from storage with fail-over across
// redundant slots.
package loader

import (
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// Partition base names, slot suffixes are appended when fail-over is
// enabled.
const (
	BootPartition     = "boot"
	RecoveryPartition = "recovery"
	TOSPartition      = "tos"
)

// ErrNotFound is returned when no viable slot could provide the requested
// image.
var ErrNotFound = errors.New("image not found")

// Slots represents the slot selection subsystem.
type Slots interface {
	// Enabled returns whether more than one slot is available.
	Enabled() bool
	// Active returns the suffix of the slot selected for boot, ok is false
	// when no slot is bootable.
	Active() (suffix string, ok bool)
	// MarkFailed records a failure to load or start the image for the
	// passed target.
	MarkFailed(t api.Target) error
	// RecoveryTriesRemaining returns the number of recovery boot attempts
	// left.
	RecoveryTriesRemaining() int
	// RecordBootAttempt consumes a boot attempt for the passed target.
	RecordBootAttempt(t api.Target) error
}

// Partitions represents the storage holding boot images.
type Partitions interface {
	ReadPartition(ctx context.Context, label string) ([]byte, error)
}

// Image is a loaded, not yet verified, image buffer.
type Image struct {
	// Partition is the label of the partition the image was read from.
	Partition string
	// Suffix is the slot suffix of the partition, if any.
	Suffix string
	Data   []byte
}

// Loader loads images for a boot target.
type Loader struct {
	Partitions Partitions
	Slots      Slots

	// RecoveryInBoot indicates that the device has no distinct recovery
	// partition and recovery is started from the boot image.
	RecoveryInBoot bool
}

func (l *Loader) slotsEnabled() bool {
	return l.Slots != nil && l.Slots.Enabled()
}

// Load reads the boot image for the passed target.
//
// When slots are enabled each slot failing to provide the image is marked
// as failed before the next viable one is tried.
func (l *Loader) Load(ctx context.Context, t api.Target) (*Image, error) {
	switch t {
	case api.NormalBoot:
		return l.loadBoot(ctx)
	case api.Recovery:
		if l.RecoveryInBoot {
			return l.loadBoot(ctx)
		}

		if l.slotsEnabled() && l.Slots.RecoveryTriesRemaining() == 0 {
			klog.Warningf("no recovery tries remaining")
			return nil, ErrNotFound
		}

		buf, err := l.Partitions.ReadPartition(ctx, RecoveryPartition)

		if err != nil {
			klog.Errorf("failed to load boot image from %s partition: %v", RecoveryPartition, err)
			return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
		}

		return &Image{Partition: RecoveryPartition, Data: buf}, nil
	}

	return nil, fmt.Errorf("no image for target %s", t)
}

func (l *Loader) loadBoot(ctx context.Context) (*Image, error) {
	tried := make(map[string]bool)

	for {
		suffix := ""

		if l.slotsEnabled() {
			var ok bool

			if suffix, ok = l.Slots.Active(); !ok {
				klog.Warningf("no bootable slot")
				break
			}

			if tried[suffix] {
				klog.Errorf("slot %s selected again after failure", suffix)
				break
			}
		}

		tried[suffix] = true
		label := BootPartition + suffix

		buf, err := l.Partitions.ReadPartition(ctx, label)

		if err == nil {
			klog.V(2).Infof("boot image loaded from %s", label)
			return &Image{Partition: label, Suffix: suffix, Data: buf}, nil
		}

		klog.Errorf("failed to load boot image from %s partition: %v", label, err)

		if !l.slotsEnabled() {
			break
		}

		if err := l.Slots.MarkFailed(api.NormalBoot); err != nil {
			klog.Errorf("failed to mark slot %s as failed: %v", suffix, err)
			break
		}
	}

	return nil, ErrNotFound
}

// LoadTOS reads the trusted OS image from the active slot, no fail-over is
// attempted.
func (l *Loader) LoadTOS(ctx context.Context) (*Image, error) {
	suffix := ""

	if l.slotsEnabled() {
		var ok bool

		if suffix, ok = l.Slots.Active(); !ok {
			return nil, ErrNotFound
		}
	}

	label := TOSPartition + suffix

	buf, err := l.Partitions.ReadPartition(ctx, label)

	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotFound, label, err)
	}

	return &Image{Partition: label, Suffix: suffix, Data: buf}, nil
}

// ActiveSuffix returns the suffix of the active slot, an empty string is
// returned when slots are disabled or none is bootable.
func (l *Loader) ActiveSuffix() string {
	if !l.slotsEnabled() {
		return ""
	}

	s, _ := l.Slots.Active()

	return s
}
