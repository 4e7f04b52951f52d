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
	"bufio"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// SlotSelector changes the active slot and its boot health.
type SlotSelector interface {
	SetActive(suffix string) error
	MarkSuccessful() error
}

// console serves line based host commands.
type console struct {
	scanner *bufio.Scanner
	out     io.Writer
}

func newConsole(in io.Reader, out io.Writer) *console {
	return &console{
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

// next returns the next command and its arguments, io.EOF is returned once
// the host disconnects.
func (c *console) next(ctx context.Context) (string, []string, error) {
	for {
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}

		if !c.scanner.Scan() {
			if err := c.scanner.Err(); err != nil {
				return "", nil, err
			}

			return "", nil, io.EOF
		}

		if f := strings.Fields(c.scanner.Text()); len(f) > 0 {
			return f[0], f[1:], nil
		}
	}
}

func (c *console) okay(format string, a ...any) {
	fmt.Fprintf(c.out, "OKAY "+format+"\n", a...)
}

func (c *console) fail(format string, a ...any) {
	fmt.Fprintf(c.out, "FAIL "+format+"\n", a...)
}

// Fastboot serves fastboot style commands read from a line based console.
//
// Supported commands:
//
//	getvar all              print the loader status
//	getvar status           print the encoded loader status
//	continue                boot the normal target
//	reboot [target]         select a target (default normal)
//	reboot-bootloader       select fastboot
//	reboot-recovery         select recovery
//	boot <path>             boot an image file
//	set_active <suffix>     change the active slot
//	mark_successful         mark the active slot as successfully booted
//	powerdown               power off
//
// A disconnected host selects power off.
type Fastboot struct {
	// Slots is optional, slot commands are refused when nil.
	Slots SlotSelector

	c *console
}

// NewFastboot returns a fastboot service reading commands from in and
// writing responses to out.
func NewFastboot(in io.Reader, out io.Writer, slots SlotSelector) *Fastboot {
	return &Fastboot{
		Slots: slots,
		c:     newConsole(in, out),
	}
}

// Start serves commands until a target is selected or an image is
// provided.
func (f *Fastboot) Start(ctx context.Context, status *api.Status) (api.Target, []byte, error) {
	fmt.Fprintln(f.c.out, status.Print())

	for {
		cmd, args, err := f.c.next(ctx)

		if errors.Is(err, io.EOF) {
			return api.PowerOff, nil, nil
		}

		if err != nil {
			return api.UnknownTarget, nil, err
		}

		switch cmd {
		case "getvar":
			if len(args) > 0 && args[0] == "status" {
				f.c.okay("%s", hex.EncodeToString(status.Bytes()))
				continue
			}

			fmt.Fprintln(f.c.out, status.Print())
			f.c.okay("")
		case "continue":
			f.c.okay("")
			return api.NormalBoot, nil, nil
		case "reboot":
			t := api.NormalBoot

			if len(args) > 0 {
				t = api.ParseTarget(args[0])
			}

			if t == api.UnknownTarget {
				f.c.fail("unknown target %s", args[0])
				continue
			}

			f.c.okay("")
			return t, nil, nil
		case "reboot-bootloader":
			f.c.okay("")
			return api.Fastboot, nil, nil
		case "reboot-recovery":
			f.c.okay("")
			return api.Recovery, nil, nil
		case "boot":
			if len(args) != 1 {
				f.c.fail("missing image path")
				continue
			}

			buf, err := os.ReadFile(args[0])

			if err != nil {
				f.c.fail("%v", err)
				continue
			}

			f.c.okay("")
			return api.UnknownTarget, buf, nil
		case "set_active":
			if len(args) != 1 || f.Slots == nil {
				f.c.fail("invalid slot")
				continue
			}

			if err := f.Slots.SetActive(args[0]); err != nil {
				f.c.fail("%v", err)
				continue
			}

			f.c.okay("")
		case "mark_successful":
			if f.Slots == nil {
				f.c.fail("no slots")
				continue
			}

			if err := f.Slots.MarkSuccessful(); err != nil {
				f.c.fail("%v", err)
				continue
			}

			f.c.okay("")
		case "powerdown":
			f.c.okay("")
			return api.PowerOff, nil, nil
		default:
			f.c.fail("unknown command %s", cmd)
		}
	}
}

// Diagnostic serves crash mode sessions on a line based console, each
// session is a single command.
//
// Supported commands:
//
//	status            print the loader status
//	reboot <target>   select a target
//
// A disconnected host selects power off.
type Diagnostic struct {
	c      *console
	active bool
}

// NewDiagnostic returns a diagnostic service reading commands from in and
// writing responses to out.
func NewDiagnostic(in io.Reader, out io.Writer) *Diagnostic {
	return &Diagnostic{
		c: newConsole(in, out),
	}
}

// Init starts the service.
func (d *Diagnostic) Init() error {
	if d.active {
		return errors.New("diagnostic service already started")
	}

	d.active = true
	fmt.Fprintln(d.c.out, "crash mode")

	return nil
}

// Run serves a single command.
func (d *Diagnostic) Run(ctx context.Context, status *api.Status) (api.Target, error) {
	if !d.active {
		return api.UnknownTarget, errors.New("diagnostic service not started")
	}

	cmd, args, err := d.c.next(ctx)

	if errors.Is(err, io.EOF) {
		return api.PowerOff, nil
	}

	if err != nil {
		return api.UnknownTarget, err
	}

	switch cmd {
	case "status":
		fmt.Fprintln(d.c.out, status.Print())
		d.c.okay("")
	case "reboot":
		if len(args) != 1 {
			d.c.fail("missing target")
			break
		}

		if t := api.ParseTarget(args[0]); t != api.UnknownTarget {
			d.c.okay("")
			return t, nil
		}

		d.c.fail("unknown target %s", args[0])
	default:
		d.c.fail("unknown command %s", cmd)
	}

	return api.UnknownTarget, nil
}

// Exit stops the service.
func (d *Diagnostic) Exit() {
	d.active = false
}
