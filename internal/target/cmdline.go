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

// Package target resolves the initial boot target from the boot command line
// and the persisted boot control block.
package target

import (
	"strconv"
	"strings"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// MaxCommandLine is the capacity of the forwarded command line.
const MaxCommandLine = 4095

// recognized directives
const (
	bootTargetPrefix = "ABL.boot_target="
	bootModePrefix   = "ABL.boot="
	secureBootPrefix = "ABL.secureboot="
	teeParamsPrefix  = "trusty.param_addr="

	crashmode = "CRASHMODE"
)

// Action selects what the platform firmware asked the loader to do after
// boot mode selection.
type Action uint8

const (
	ActionBoot Action = iota
	ActionCLI
	ActionHalt
	ActionReset
)

func (a Action) String() string {
	switch a {
	case ActionBoot:
		return "boot"
	case ActionCLI:
		return "cli"
	case ActionHalt:
		return "halt"
	case ActionReset:
		return "reset"
	}

	return "action(" + strconv.Itoa(int(a)) + ")"
}

// BootMode is the decoded packed boot mode word.
//
//	[4:0]   target
//	[5]     MRC training
//	[6]     save MRC data
//	[7]     flash update
//	[8]     silent
//	[9]     reserved
//	[11:10] action
//	[15:12] DIP switch
type BootMode struct {
	Target      api.Target
	MRCTraining bool
	SaveMRCData bool
	FlashUpdate bool
	Silent      bool
	Reserved    bool
	Action      Action
	DIPSwitch   uint8
}

// DecodeBootMode decodes a packed boot mode word.
func DecodeBootMode(w uint16) *BootMode {
	return &BootMode{
		Target:      api.Target(w & 0x1f),
		MRCTraining: w&(1<<5) != 0,
		SaveMRCData: w&(1<<6) != 0,
		FlashUpdate: w&(1<<7) != 0,
		Silent:      w&(1<<8) != 0,
		Reserved:    w&(1<<9) != 0,
		Action:      Action((w >> 10) & 0x3),
		DIPSwitch:   uint8(w >> 12),
	}
}

// Word returns the packed representation of the boot mode.
func (m *BootMode) Word() (w uint16) {
	w = uint16(m.Target) & 0x1f

	for i, f := range []bool{m.MRCTraining, m.SaveMRCData, m.FlashUpdate, m.Silent, m.Reserved} {
		if f {
			w |= 1 << (5 + i)
		}
	}

	w |= uint16(m.Action&0x3) << 10
	w |= uint16(m.DIPSwitch&0xf) << 12

	return
}

// Options represents the directives found on the boot command line, it is
// not modified after Parse returns.
type Options struct {
	// ForcedCrashmode is set when the command line explicitly requested
	// crash mode.
	ForcedCrashmode bool
	// BootMode is the last decoded boot mode word, if any.
	BootMode *BootMode
	// SecureBoot holds the platform secure boot setting, if passed.
	SecureBoot *bool
	// TEEParams is the firmware address of the TEE boot parameters block,
	// only meaningful when HasTEEParams is set.
	TEEParams    uint64
	HasTEEParams bool
	// Forwarded is the command line handed over to the next stage.
	Forwarded string
}

// SecureBootEnabled returns whether the platform enforces secure boot.
func (o *Options) SecureBootEnabled() bool {
	return o != nil && o.SecureBoot != nil && *o.SecureBoot
}

// Parse scans the boot command line tokens once and returns the target they
// select along with the decoded directives.
//
// Without any boot mode directive the target defaults to Fastboot. A
// crash mode override freezes the target, remaining tokens are still
// scanned for other directives.
func Parse(tokens []string) (api.Target, *Options) {
	t := api.Fastboot
	opts := &Options{}

	var fwd strings.Builder

	forward := func(tok string) {
		n := len(tok)

		if fwd.Len() > 0 {
			n++
		}

		if fwd.Len()+n > MaxCommandLine {
			klog.V(2).Infof("command line full, dropping %q", tok)
			return
		}

		if fwd.Len() > 0 {
			fwd.WriteByte(' ')
		}

		fwd.WriteString(tok)
	}

	for _, tok := range tokens {
		if len(tok) == 0 {
			continue
		}

		switch {
		case strings.HasPrefix(tok, bootTargetPrefix):
			// only crash mode is acted upon, other modes are selected
			// through the boot mode word
			if tok[len(bootTargetPrefix):] == crashmode {
				t = api.Crashmode
				opts.ForcedCrashmode = true
			}
			continue
		case strings.HasPrefix(tok, bootModePrefix):
			w, err := strconv.ParseUint(trimHex(tok[len(bootModePrefix):]), 16, 16)

			if err != nil {
				klog.Warningf("invalid boot mode %q: %v", tok, err)
				continue
			}

			opts.BootMode = DecodeBootMode(uint16(w))

			if !opts.ForcedCrashmode {
				t = opts.BootMode.Target
			}
		case strings.HasPrefix(tok, teeParamsPrefix):
			addr, err := strconv.ParseUint(trimHex(tok[len(teeParamsPrefix):]), 16, 64)

			if err != nil {
				klog.Warningf("invalid TEE parameters address %q: %v", tok, err)
				continue
			}

			klog.V(2).Infof("TEE parameters address %#x", addr)

			opts.TEEParams = addr
			opts.HasTEEParams = true
			continue
		case strings.HasPrefix(tok, secureBootPrefix):
			v, err := strconv.ParseUint(tok[len(secureBootPrefix):], 10, 8)

			if err != nil || v > 1 {
				klog.Warningf("invalid secure boot setting %q", tok)
				continue
			}

			enabled := v == 1
			opts.SecureBoot = &enabled
		}

		forward(tok)
	}

	opts.Forwarded = fwd.String()

	klog.V(2).Infof("command line target: %s", t)

	return t, opts
}

func trimHex(s string) string {
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		return s[2:]
	}

	return s
}
