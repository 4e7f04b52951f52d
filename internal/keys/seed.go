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

// Package keys derives the replay protected storage key from the seeds
// supplied by the platform firmware and reconciles it with the key
// programmed on the device.
package keys

import (
	"errors"
	"fmt"
)

const (
	// MaxSeeds is the maximum number of seeds supplied by firmware.
	MaxSeeds = 4
	// SeedSize is the size of a single seed secret.
	SeedSize = 32
)

// Seed represents a single firmware supplied seed.
type Seed struct {
	// SVN is the security version number of the seed.
	SVN    uint8
	Secret [SeedSize]byte
}

// SeedList holds the seeds supplied by firmware for the current boot, most
// recent security version first.
//
// A SeedList is the single owner of seed material: any other copy must be
// transient and zeroed by whoever made it. Zero must be called once the
// seeds are no longer needed.
type SeedList struct {
	Count   int
	Entries [MaxSeeds]Seed
}

// NewSeedList returns a seed list holding copies of the passed seeds.
func NewSeedList(seeds ...Seed) (*SeedList, error) {
	if len(seeds) == 0 {
		return nil, errors.New("empty seed list")
	}

	if len(seeds) > MaxSeeds {
		return nil, fmt.Errorf("too many seeds (%d > %d)", len(seeds), MaxSeeds)
	}

	l := &SeedList{Count: len(seeds)}
	copy(l.Entries[:], seeds)

	return l, nil
}

// Valid reports whether the list holds a usable number of seeds.
func (l *SeedList) Valid() bool {
	return l != nil && l.Count > 0 && l.Count <= MaxSeeds
}

// Zero clears all seed material, after this call the list is empty.
func (l *SeedList) Zero() {
	if l == nil {
		return
	}

	for i := range l.Entries {
		l.Entries[i].zero()
	}

	l.Count = 0
}

func (s *Seed) zero() {
	s.SVN = 0
	clear(s.Secret[:])
}

// IsZero reports whether the list holds no seed material.
func (l *SeedList) IsZero() bool {
	if l.Count != 0 {
		return false
	}

	for _, s := range l.Entries {
		if s.SVN != 0 || s.Secret != [SeedSize]byte{} {
			return false
		}
	}

	return true
}
