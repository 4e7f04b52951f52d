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

package tee

import (
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
)

// ErrParameter is returned when the hand-off inputs are missing or
// malformed, the Trusted OS is not launched.
var ErrParameter = errors.New("invalid TEE hand-off parameters")

// Hypervisor performs the privileged call which starts the Trusted OS.
type Hypervisor interface {
	// Launch transfers the startup block to the Trusted OS and returns
	// once the Trusted OS yields back.
	Launch(block []byte) error
}

// IPC is the inter-process channel to the Trusted OS.
type IPC interface {
	Init() error
	Shutdown() error
}

// CoProcessor represents the security co-processor firmware.
type CoProcessor interface {
	// EndOfPost signals the end of boot services pre-OS, the Trusted OS
	// serves requests from the main OS only after this signal.
	EndOfPost() error
}

// Image is the Trusted OS image placement.
type Image struct {
	LoadBase uint32
	LoadSize uint32
}

// Handoff launches the Trusted OS.
type Handoff struct {
	Hypervisor  Hypervisor
	IPC         IPC
	CoProcessor CoProcessor
}

// Launch builds the startup parameters and starts the Trusted OS, then
// confirms that it is responsive and signals the co-processor firmware.
//
// The full seed list is passed as the Trusted OS performs its own key
// derivation. The seed list, the parameters and the encoded block are zeroed
// on every return path, a seed list can therefore be handed off only once.
func (h *Handoff) Launch(img *Image, seeds *keys.SeedList, rot *api.RootOfTrust, serial string) (err error) {
	defer seeds.Zero()

	switch {
	case h.Hypervisor == nil:
		return fmt.Errorf("%w: no hypervisor", ErrParameter)
	case img == nil || rot == nil:
		return fmt.Errorf("%w: missing target block", ErrParameter)
	case !seeds.Valid():
		return fmt.Errorf("%w: invalid seed list", ErrParameter)
	case len(serial) == 0:
		return fmt.Errorf("%w: missing device serial", ErrParameter)
	}

	p := &StartupParams{
		LoadBase:    img.LoadBase,
		LoadSize:    img.LoadSize,
		NumSeeds:    uint32(seeds.Count),
		RootOfTrust: *rot,
	}
	defer p.Zero()

	copy(p.Serial[:], serial)
	p.Seeds.load(seeds)

	block, err := p.MarshalBinary()

	if err != nil {
		return fmt.Errorf("%w: %v", ErrParameter, err)
	}

	err = h.Hypervisor.Launch(block)
	zeroSeeds(block)

	if err != nil {
		return fmt.Errorf("failed to launch trusted OS: %v", err)
	}

	klog.Infof("trusted OS launched base:%#x size:%d state:%s", img.LoadBase, img.LoadSize, rot.State)

	if h.IPC != nil {
		if err = h.IPC.Init(); err != nil {
			return fmt.Errorf("trusted OS not responsive: %v", err)
		}

		if err = h.IPC.Shutdown(); err != nil {
			return fmt.Errorf("trusted OS IPC shutdown failed: %v", err)
		}
	}

	if h.CoProcessor != nil {
		if err = h.CoProcessor.EndOfPost(); err != nil {
			return fmt.Errorf("failed to send end of post: %v", err)
		}
	}

	return nil
}
