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

// Package local verifies signed image envelopes against a caller supplied
// authority and an embedded fallback authority.
package local

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/rollback"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
)

// Authority is a set of image signing keys.
type Authority struct {
	verifiers note.Verifiers
	digests   map[string][sha256.Size]byte
}

// NewAuthority returns an authority trusting the passed note verifier keys.
//
// Empty keys are skipped, a nil authority is returned when no key is left.
// A nil authority matches no image.
func NewAuthority(keys ...string) (*Authority, error) {
	a := &Authority{
		digests: make(map[string][sha256.Size]byte),
	}

	var list []note.Verifier

	for _, k := range keys {
		if len(k) == 0 {
			continue
		}

		v, err := note.NewVerifier(k)

		if err != nil {
			return nil, fmt.Errorf("invalid authority key: %v", err)
		}

		list = append(list, v)
		a.digests[v.Name()] = sha256.Sum256([]byte(k))
	}

	if len(list) == 0 {
		return nil, nil
	}

	a.verifiers = note.VerifierList(list...)

	return a, nil
}

// open returns the manifest if the image is signed by the authority.
func (a *Authority) open(img *image.Image) (*image.Manifest, string, [sha256.Size]byte, bool) {
	if a == nil {
		return nil, "", [sha256.Size]byte{}, false
	}

	m, v, err := img.Open(a.verifiers)

	if err != nil {
		klog.V(2).Infof("image not verified: %v", err)
		return nil, "", [sha256.Size]byte{}, false
	}

	return m, v.Name(), a.digests[v.Name()], true
}

// Backend verifies images loaded through the slot fail-over loader.
type Backend struct {
	Loader *loader.Loader
	// Caller is the authority supplied by the device owner.
	Caller *Authority
	// Embedded is the fallback authority built into the loader.
	Embedded *Authority
	// Rollback is the rollback protection store, versions are not checked
	// when nil.
	Rollback *rollback.Store
	// RecoveryInBoot indicates that recovery is started from the boot
	// image.
	RecoveryInBoot bool
}

func (b *Backend) location(partition string, t api.Target) int {
	switch {
	case partition == loader.TOSPartition:
		return rollback.TOSLocation
	case t == api.Recovery && !b.RecoveryInBoot:
		return rollback.RecoveryLocation
	}

	return rollback.BootLocation
}

func (b *Backend) load(ctx context.Context, partition string, t api.Target) (*loader.Image, error) {
	switch partition {
	case loader.BootPartition:
		return b.Loader.Load(ctx, t)
	case loader.TOSPartition:
		return b.Loader.LoadTOS(ctx)
	}

	return nil, fmt.Errorf("unsupported partition %s", partition)
}

// Verify loads and classifies the image stored in a partition for a boot
// target.
//
// Images signed by the caller authority are Green, images signed only by
// the embedded authority are Yellow. Unsigned images, payloads not matching
// their manifest and versions below the rollback index are Red.
func (b *Backend) Verify(ctx context.Context, partition string, t api.Target) (*verify.Verified, error) {
	ld, err := b.load(ctx, partition, t)

	if err != nil {
		return nil, err
	}

	img, err := image.Parse(ld.Data)

	if err != nil {
		return nil, fmt.Errorf("corrupt image in %s: %v", ld.Partition, err)
	}

	v := &verify.Verified{
		Target:    t,
		Partition: ld.Partition,
		Suffix:    ld.Suffix,
		Payload:   img.Payload,
	}

	m, name, digest, callerMatch := b.Caller.open(img)
	embeddedMatch := false

	if !callerMatch {
		m, name, digest, embeddedMatch = b.Embedded.open(img)
	}

	if v.State = verify.ClassifyLocal(callerMatch, embeddedMatch); v.State == api.Red {
		return v, nil
	}

	v.Label = m.Target
	v.LoadBase = m.LoadBase
	v.Authority = name

	if err = m.Check(img.Payload); err != nil {
		klog.Errorf("%s: %v", ld.Partition, err)
		v.State = api.Red
		return v, nil
	}

	if v.RootOfTrust, err = m.RootOfTrust(); err != nil {
		klog.Errorf("%s: invalid manifest: %v", ld.Partition, err)
		v.State = api.Red
		return v, nil
	}

	v.RootOfTrust.KeyDigest = digest

	if b.Rollback == nil {
		return v, nil
	}

	version, _ := m.SemVer()
	loc := b.location(partition, t)

	switch err = b.Rollback.Check(loc, version); {
	case errors.Is(err, rollback.ErrRollback):
		klog.Errorf("%s: %v", ld.Partition, err)
		v.State = api.Red
	case err != nil:
		klog.Warningf("%s: rollback index unavailable: %v", ld.Partition, err)
	default:
		v.SetAdvance(func() error {
			return b.Rollback.Advance(loc, version)
		})
	}

	return v, nil
}
