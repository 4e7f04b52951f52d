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

// Package config defines the platform configuration of the loader.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Verification backends.
const (
	BackendLocal     = "local"
	BackendDelegated = "delegated"
)

// Config represents the platform configuration.
type Config struct {
	// Production selects production build policy enforcement.
	Production bool `yaml:"production"`
	// ForceFastboot always starts the fastboot service.
	ForceFastboot bool `yaml:"force_fastboot"`
	// RecoveryInBoot indicates that the device has no distinct recovery
	// partition.
	RecoveryInBoot bool `yaml:"recovery_in_boot"`

	Verification *Verification `yaml:"verification"`
	Slots        *Slots        `yaml:"slots"`
	RPMB         *RPMB         `yaml:"rpmb,omitempty"`
	TEE          *TEE          `yaml:"tee,omitempty"`
	Crashmode    *Crashmode    `yaml:"crashmode,omitempty"`
}

// Verification represents the verified boot options.
type Verification struct {
	// Backend is either "local" or "delegated".
	Backend string `yaml:"backend"`
	// TolerateErrors lets unlocked devices boot images failing
	// verification.
	TolerateErrors bool `yaml:"tolerate_errors"`
	// Authorities are the note verifier keys of the device owner.
	Authorities []string `yaml:"authorities,omitempty"`
}

// Slots represents the A/B slot layout.
type Slots struct {
	// Count is the number of slots, a single slot disables fail-over.
	Count int `yaml:"count"`
	// MetadataBlock is the misc partition block holding slot metadata.
	MetadataBlock uint `yaml:"metadata_block"`
}

// RPMB represents the replay protected storage options.
type RPMB struct {
	// Sectors is the size of the replay protected partition.
	Sectors int `yaml:"sectors"`
	// RollbackBase is the first sector used for rollback indexes.
	RollbackBase uint16 `yaml:"rollback_base"`
}

// TEE represents the Trusted OS options.
type TEE struct {
	// CoProcessor enables the end of post signal.
	CoProcessor bool `yaml:"coprocessor"`
}

// Crashmode represents the crash mode options.
type Crashmode struct {
	// Diagnostic serves crash mode with the diagnostic service instead of
	// fastboot.
	Diagnostic bool `yaml:"diagnostic"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Verification: &Verification{
			Backend: BackendLocal,
		},
		Slots: &Slots{
			Count: 2,
		},
	}
}

// Open reads the configuration at path p.
func Open(p string) (*Config, error) {
	buf, err := os.ReadFile(p)

	if err != nil {
		return nil, err
	}

	return Parse(buf)
}

// Parse decodes and validates a YAML configuration, unset sections take
// their default value.
func Parse(buf []byte) (*Config, error) {
	c := Default()

	if err := yaml.Unmarshal(buf, c); err != nil {
		return nil, fmt.Errorf("invalid configuration: %v", err)
	}

	if c.Verification == nil {
		c.Verification = Default().Verification
	}

	if c.Slots == nil {
		c.Slots = Default().Slots
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}

	return c, nil
}

// Validate checks that the configuration is self-consistent.
func (c *Config) Validate() error {
	switch c.Verification.Backend {
	case BackendLocal, BackendDelegated:
	default:
		return fmt.Errorf("unknown verification backend %q", c.Verification.Backend)
	}

	if c.Slots.Count < 1 || c.Slots.Count > 4 {
		return fmt.Errorf("invalid slot count %d", c.Slots.Count)
	}

	if c.RPMB != nil && int(c.RPMB.RollbackBase)+3 > c.RPMB.Sectors {
		return fmt.Errorf("rollback sectors exceed RPMB size (%d)", c.RPMB.Sectors)
	}

	if c.Production && c.Crashmode != nil && c.Crashmode.Diagnostic {
		return errors.New("crash mode diagnostic service must be disabled on production builds")
	}

	return nil
}
