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
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/rpmb"
)

var (
	// ErrNoMatchingKey is returned when no seed derives the programmed key
	// and the storage is already provisioned.
	ErrNoMatchingKey = errors.New("no seed matches the programmed key")
	// ErrInvalidSeeds is returned when the seed list is empty or oversized.
	ErrInvalidSeeds = errors.New("invalid seed list")
	// ErrFused is returned when storage reports an unprogrammed key on a
	// device which already programmed one.
	ErrFused = errors.New("key programming already performed on this device")
)

// Storage represents the replay protected storage whose authentication key
// is reconciled.
type Storage interface {
	// ReadCounter performs an authenticated counter read with a candidate
	// key, failures are reported as *rpmb.OperationError.
	ReadCounter(key []byte) (uint32, error)
	// ProgramKey irreversibly programs the authentication key and makes it
	// the active key.
	ProgramKey(key []byte) error
	// SetKey sets the active key for authenticated operations.
	SetKey(key []byte) error
	// IsProgrammed reports whether an authentication key is programmed.
	IsProgrammed() (bool, error)
}

// Fuse records that key programming has been performed, to prevent a
// malicious storage replacement from intercepting a second programming.
type Fuse interface {
	Blown() (bool, error)
	Blow() error
}

// Reconciler selects the seed whose derived key matches the storage key.
type Reconciler struct {
	Storage Storage
	// Fuse is optional.
	Fuse Fuse

	work workspace
}

// workspace holds all secret material handled by the Reconciler.
type workspace struct {
	seeds   [MaxSeeds]Seed
	derived [MaxSeeds][KeySize]byte
	key     [KeySize]byte
	salt    [SerialSize]byte
}

func (w *workspace) zero() {
	for i := range w.seeds {
		w.seeds[i].zero()
	}

	for i := range w.derived {
		clear(w.derived[i][:])
	}

	clear(w.key[:])
	clear(w.salt[:])
}

type probeResult int

const (
	probeMatch probeResult = iota
	probeNotProgrammed
	probeWrongKey
)

func classify(err error) (probeResult, error) {
	var e *rpmb.OperationError

	switch {
	case err == nil:
		return probeMatch, nil
	case errors.As(err, &e) && e.Result == rpmb.AuthenticationKeyNotYetProgrammed:
		return probeNotProgrammed, nil
	case errors.As(err, &e) && e.Result == rpmb.AuthenticationFailure:
		return probeWrongKey, nil
	}

	return 0, err
}

// Reconcile derives one key per seed and probes the storage with each, in
// seed order, until one authenticates. If the storage has no key yet the
// current seed key is programmed. The index of the selected seed is
// returned.
//
// All working copies of seeds and keys are zeroed before returning.
func (r *Reconciler) Reconcile(seeds *SeedList, serial string) (int, error) {
	defer r.work.zero()

	if !seeds.Valid() {
		return -1, ErrInvalidSeeds
	}

	n := seeds.Count
	copy(r.work.seeds[:n], seeds.Entries[:n])

	if err := deviceSalt(serial, &r.work.salt); err != nil {
		return -1, err
	}

	for i := 0; i < n; i++ {
		if err := derive(r.work.seeds[i].Secret[:], r.work.salt[:], r.work.derived[i][:]); err != nil {
			return -1, fmt.Errorf("could not derive key %d, %v", i, err)
		}
	}

	for i := 0; i < n; i++ {
		copy(r.work.key[:], r.work.derived[i][:])

		_, perr := r.Storage.ReadCounter(r.work.key[:])
		res, err := classify(perr)

		if err != nil {
			return -1, fmt.Errorf("counter read failed, %w", err)
		}

		switch res {
		case probeWrongKey:
			klog.V(2).Infof("key %d does not authenticate", i)
			continue
		case probeNotProgrammed:
			klog.Infof("storage key not programmed, using seed %d", i)
			return i, r.program()
		}

		if i != 0 {
			klog.Warningf("seed changed to %d", i)
		}

		return i, r.Storage.SetKey(r.work.key[:])
	}

	return -1, ErrNoMatchingKey
}

func (r *Reconciler) program() error {
	programmed, err := r.Storage.IsProgrammed()

	if err != nil {
		return err
	}

	if programmed {
		return errors.New("storage reports programmed key after not programmed probe")
	}

	if r.Fuse != nil {
		blown, err := r.Fuse.Blown()

		switch {
		case err != nil:
			return fmt.Errorf("could not read key program flag, %v", err)
		case blown:
			return ErrFused
		}

		if err = r.Fuse.Blow(); err != nil {
			return fmt.Errorf("could not set key program flag, %v", err)
		}
	}

	if err := r.Storage.ProgramKey(r.work.key[:]); err != nil {
		return fmt.Errorf("could not program key, %v", err)
	}

	return nil
}
