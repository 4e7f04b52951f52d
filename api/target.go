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

package api

import (
	"fmt"
	"strings"
)

// Target identifies what the loader should execute next.
//
// The numeric values match the 5-bit target field of the packed boot mode
// word passed by the platform firmware, they must not be reordered.
type Target int

const (
	NormalBoot Target = iota
	Recovery
	Fastboot
	TDOS
	DNX
	Charger
	PowerOff
	ExitShell
	Crashmode
	UnknownTarget
)

var targetNames = map[Target]string{
	NormalBoot: "normal",
	Recovery:   "recovery",
	Fastboot:   "fastboot",
	TDOS:       "tdos",
	DNX:        "dnx",
	Charger:    "charging",
	PowerOff:   "power_off",
	ExitShell:  "exit_shell",
	Crashmode:  "crashmode",
}

// aliases accepted by ParseTarget on top of the canonical names
var targetAliases = map[string]Target{
	"bootloader": Fastboot,
	"boot":       NormalBoot,
}

func (t Target) String() string {
	if n, ok := targetNames[t]; ok {
		return n
	}

	if t == UnknownTarget {
		return "unknown"
	}

	return fmt.Sprintf("target(%d)", int(t))
}

// ParseTarget returns the target matching a name as found in boot control
// records or reboot requests, UnknownTarget is returned for unrecognized
// names.
func ParseTarget(name string) Target {
	name = strings.ToLower(strings.TrimSpace(name))

	for t, n := range targetNames {
		if n == name {
			return t
		}
	}

	if t, ok := targetAliases[name]; ok {
		return t
	}

	return UnknownTarget
}

// Label returns the mount point label which images built for the target
// carry, an empty string is returned for targets without an image.
func (t Target) Label() string {
	switch t {
	case NormalBoot:
		return BootLabel
	case Recovery:
		return RecoveryLabel
	}

	return ""
}

const (
	BootLabel     = "/boot"
	RecoveryLabel = "/recovery"
)

// BootState is the verified boot trust classification of a boot image.
//
// States are ordered from strongest (Green) to weakest (Red).
type BootState uint8

const (
	Green BootState = iota
	Yellow
	Orange
	Red
)

func (s BootState) String() string {
	switch s {
	case Green:
		return "green"
	case Yellow:
		return "yellow"
	case Orange:
		return "orange"
	case Red:
		return "red"
	}

	return fmt.Sprintf("state(%d)", uint8(s))
}

// Weaker reports whether s carries less trust than o.
func (s BootState) Weaker(o BootState) bool {
	return s > o
}

// Min returns the weakest of the passed states, it is used to combine the
// classification of several images into a single boot state.
func Min(states ...BootState) BootState {
	weakest := Green

	for _, s := range states {
		if s.Weaker(weakest) {
			weakest = s
		}
	}

	return weakest
}
