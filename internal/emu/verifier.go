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

package emu

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/rollback"
	"github.com/transparency-dev/armored-witness-loader/internal/verify/delegated"
)

// SlotVerifier emulates a slot verification service on signed image
// envelopes.
type SlotVerifier struct {
	sync.Mutex

	Partitions loader.Partitions
	Device     *Device
	// Rollback is optional, versions are not checked when nil.
	Rollback *rollback.Store

	verifiers note.Verifiers
	digests   map[string][sha256.Size]byte
	// versions verified for each returned slot data
	pending map[*delegated.SlotData][]update
}

type update struct {
	loc     int
	version *semver.Version
}

// NewSlotVerifier returns a slot verification service trusting the passed
// note verifier keys.
func NewSlotVerifier(p loader.Partitions, d *Device, r *rollback.Store, keys ...string) (*SlotVerifier, error) {
	if len(keys) == 0 {
		return nil, errors.New("missing verification keys")
	}

	s := &SlotVerifier{
		Partitions: p,
		Device:     d,
		Rollback:   r,
		digests:    make(map[string][sha256.Size]byte),
		pending:    make(map[*delegated.SlotData][]update),
	}

	var list []note.Verifier

	for _, k := range keys {
		v, err := note.NewVerifier(k)

		if err != nil {
			return nil, fmt.Errorf("invalid verification key: %v", err)
		}

		list = append(list, v)
		s.digests[v.Name()] = sha256.Sum256([]byte(k))
	}

	s.verifiers = note.VerifierList(list...)

	return s, nil
}

// IsDeviceUnlocked returns whether the device is unlocked.
func (s *SlotVerifier) IsDeviceUnlocked() (bool, error) {
	return s.Device.IsUnlocked()
}

func location(partition string) int {
	switch partition {
	case loader.TOSPartition:
		return rollback.TOSLocation
	case loader.RecoveryPartition:
		return rollback.RecoveryLocation
	}

	return rollback.BootLocation
}

// unverifiedManifest decodes the manifest text of a note without checking
// its signatures.
func unverifiedManifest(n []byte) (*image.Manifest, error) {
	i := bytes.LastIndex(n, []byte("\n\n"))

	if i < 0 {
		return nil, errors.New("malformed note")
	}

	m := &image.Manifest{}

	if err := yaml.Unmarshal(n[:i+1], m); err != nil {
		return nil, err
	}

	return m, nil
}

// verify checks a single partition image, the manifest is returned along
// with tolerable verification failures.
func (s *SlotVerifier) verify(img *image.Image) (*image.Manifest, [sha256.Size]byte, delegated.Result) {
	var digest [sha256.Size]byte

	m, v, err := img.Open(s.verifiers)

	if err != nil {
		var unverified *note.UnverifiedNoteError

		res := delegated.ErrVerification

		if errors.As(err, &unverified) {
			res = delegated.ErrPublicKeyRejected
		}

		if m, err = unverifiedManifest(img.Note); err != nil {
			return nil, digest, delegated.ErrInvalidMetadata
		}

		return m, digest, res
	}

	digest = s.digests[v.Name()]

	if err = m.Check(img.Payload); err != nil {
		return m, digest, delegated.ErrVerification
	}

	return m, digest, delegated.OK
}

// VerifySlot loads and verifies the requested partitions of a slot.
func (s *SlotVerifier) VerifySlot(ctx context.Context, partitions []string, suffix string, flags delegated.Flags) (*delegated.SlotData, error) {
	if len(partitions) == 0 {
		return nil, &delegated.Error{Result: delegated.ErrInvalidArgument}
	}

	data := &delegated.SlotData{}
	result := delegated.OK

	var updates []update

	for i, name := range partitions {
		buf, err := s.Partitions.ReadPartition(ctx, name+suffix)

		if err != nil {
			klog.Errorf("%s%s: %v", name, suffix, err)
			return nil, &delegated.Error{Result: delegated.ErrIO}
		}

		img, err := image.Parse(buf)

		if err != nil {
			klog.Errorf("%s%s: %v", name, suffix, err)
			return nil, &delegated.Error{Result: delegated.ErrInvalidMetadata}
		}

		m, digest, res := s.verify(img)

		if res == delegated.ErrInvalidMetadata {
			return nil, &delegated.Error{Result: res}
		}

		version, err := m.SemVer()

		if err != nil {
			return nil, &delegated.Error{Result: delegated.ErrInvalidMetadata}
		}

		if res == delegated.OK && s.Rollback != nil {
			switch err = s.Rollback.Check(location(name), version); {
			case errors.Is(err, rollback.ErrRollback):
				res = delegated.ErrRollbackIndex
			case err != nil:
				return nil, &delegated.Error{Result: delegated.ErrIO}
			}
		}

		if result == delegated.OK {
			result = res
		}

		if i == 0 {
			if data.RootOfTrust, err = m.RootOfTrust(); err != nil {
				return nil, &delegated.Error{Result: delegated.ErrInvalidMetadata}
			}

			data.RootOfTrust.KeyDigest = digest
			data.Label = m.Target
			data.LoadBase = m.LoadBase
		}

		data.Partitions = append(data.Partitions, delegated.PartitionData{
			Name: name,
			Data: img.Payload,
		})

		updates = append(updates, update{location(name), version})
	}

	if result != delegated.OK {
		err := &delegated.Error{Result: result}

		if flags&delegated.AllowVerificationError == 0 {
			return nil, err
		}

		return data, err
	}

	s.Lock()
	s.pending[data] = updates
	s.Unlock()

	return data, nil
}

// UpdateRollbackIndexes records the versions of a successfully verified
// slot as the minimum accepted ones.
func (s *SlotVerifier) UpdateRollbackIndexes(_ context.Context, data *delegated.SlotData) error {
	s.Lock()
	updates, ok := s.pending[data]
	delete(s.pending, data)
	s.Unlock()

	if !ok {
		return errors.New("slot data was not successfully verified")
	}

	if s.Rollback == nil {
		return nil
	}

	for _, u := range updates {
		if err := s.Rollback.Advance(u.loc, u.version); err != nil {
			return err
		}
	}

	return nil
}
