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

// Package rollback implements rollback protection of image versions backed
// by replay protected storage.
package rollback

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/rpmb"
)

// version epoch length
const versionLength = 32

// Rollback index locations, each is stored in its own sector.
const (
	BootLocation = iota
	RecoveryLocation
	TOSLocation

	numLocations
)

// ErrRollback is returned when an image version is older than the stored
// one.
var ErrRollback = errors.New("version rollback")

// Sectors represents authenticated sector storage.
type Sectors interface {
	Read(offset uint16, buf []byte) error
	Write(offset uint16, buf []byte) error
}

// Store keeps the minimum accepted version for each location.
type Store struct {
	Sectors Sectors
	// Base is the first sector used by the store.
	Base uint16
}

func (s *Store) sector(loc int) (uint16, error) {
	if loc < 0 || loc >= numLocations {
		return 0, fmt.Errorf("invalid rollback location %d", loc)
	}

	return s.Base + uint16(loc), nil
}

// Get returns the version stored for a location, a blank sector reads as
// 0.0.0.
func (s *Store) Get(loc int) (*semver.Version, error) {
	off, err := s.sector(loc)

	if err != nil {
		return nil, err
	}

	buf := make([]byte, rpmb.SectorLength)

	if err = s.Sectors.Read(off, buf); err != nil {
		return nil, fmt.Errorf("could not read rollback index: %w", err)
	}

	v := buf[:versionLength]

	if i := bytes.IndexByte(v, 0); i >= 0 {
		v = v[:i]
	}

	if len(v) == 0 {
		return &semver.Version{}, nil
	}

	return semver.NewVersion(string(v))
}

// Check returns ErrRollback if the passed version is older than the one
// stored for the location.
func (s *Store) Check(loc int, v *semver.Version) error {
	expected, err := s.Get(loc)

	if err != nil {
		return err
	}

	if v.LessThan(*expected) {
		return fmt.Errorf("%w: %s < %s", ErrRollback, v, expected)
	}

	return nil
}

// Advance stores the passed version for the location if it is more recent
// than the stored one, older versions are refused.
func (s *Store) Advance(loc int, v *semver.Version) error {
	expected, err := s.Get(loc)

	if err != nil {
		return err
	}

	switch {
	case v.LessThan(*expected):
		return fmt.Errorf("%w: %s < %s", ErrRollback, v, expected)
	case expected.Equal(*v):
		return nil
	}

	str := v.String()

	if len(str) > versionLength {
		return fmt.Errorf("version %s exceeds %d bytes", str, versionLength)
	}

	off, _ := s.sector(loc)
	buf := make([]byte, versionLength)
	copy(buf, str)

	if err = s.Sectors.Write(off, buf); err != nil {
		return fmt.Errorf("could not update rollback index: %w", err)
	}

	klog.Infof("rollback index %d advanced to %s", loc, v)

	return nil
}
