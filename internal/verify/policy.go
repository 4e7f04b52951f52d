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

package verify

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

var (
	// ErrSecurityViolation is returned when an unverified image is refused
	// by secure boot.
	ErrSecurityViolation = errors.New("security violation")

	// ErrAbort is returned when booting cannot proceed without leaking
	// confidential data, no further code must be executed.
	ErrAbort = errors.New("boot aborted")
)

// Sanitizer clears memory which might hold data from a previous owner of
// the device.
type Sanitizer interface {
	ClearMemory() error
}

// Policy enforces boot state requirements before chain-loading.
type Policy struct {
	// Production selects production build enforcement, other builds only
	// report the boot state.
	Production bool
	// SecureBoot refuses Red images.
	SecureBoot bool
	// Sanitizer is required to boot Orange images on production builds.
	Sanitizer Sanitizer
}

// Enforce returns an error if an image with the passed boot state must not
// be started.
func (p *Policy) Enforce(s api.BootState) error {
	if !p.Production {
		return nil
	}

	switch s {
	case api.Orange:
		if p.Sanitizer == nil {
			return fmt.Errorf("%w: no memory sanitizer", ErrAbort)
		}

		if err := p.Sanitizer.ClearMemory(); err != nil {
			klog.Errorf("failed to clear memory, load image aborted")
			return fmt.Errorf("%w: %v", ErrAbort, err)
		}
	case api.Red:
		if p.SecureBoot {
			return ErrSecurityViolation
		}
	}

	return nil
}
