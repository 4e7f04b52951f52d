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

// The loader-emu tool runs the loader against emulated platform services,
// partitions and replay protected storage are persisted in a state directory
// and host commands are served on the standard input.
package main

import (
	"context"
	"crypto/rand"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/internal/boot"
	"github.com/transparency-dev/armored-witness-loader/internal/config"
	"github.com/transparency-dev/armored-witness-loader/internal/emu"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/rollback"
	"github.com/transparency-dev/armored-witness-loader/internal/slot"
	"github.com/transparency-dev/armored-witness-loader/internal/target"
	"github.com/transparency-dev/armored-witness-loader/internal/tee"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
	"github.com/transparency-dev/armored-witness-loader/internal/verify/delegated"
	"github.com/transparency-dev/armored-witness-loader/internal/verify/local"
	"github.com/transparency-dev/armored-witness-loader/rpmb"
)

// initialized at compile time
var (
	Build     string
	Revision  string
	Version   string
	// EmbeddedKey is the note verifier key of the embedded authority.
	EmbeddedKey string
)

const (
	// emulated memory holding the firmware boot parameters
	memBase = 0x80000000
	memSize = 4096

	miscBlocks = 8

	rpmbFile  = "rpmb.bin"
	miscFile  = "misc.bin"
	bcbFile   = "bcb.bin"
	fuseFile  = "rpmb.fuse"
	seedsFile = "seeds.bin"
)

var (
	configFile = flag.String("config", "", "Platform configuration file (YAML).")
	stateDir   = flag.String("state_dir", ".", "Directory holding partition images and emulated storage.")
	cmdline    = flag.String("cmdline", "", "Boot command line.")
	serial     = flag.String("serial", "0123456789ABCDE", "Device serial number.")
	unlocked   = flag.Bool("unlocked", false, "Emulate an unlocked device.")
	output     = flag.String("output", "", "File receiving the chain-loaded payload.")
	metrics    = flag.String("metrics_file", "", "File receiving boot metrics in Prometheus text format.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	klog.Infof("loader %s (%s) %s", Version, Revision, Build)

	cfg := config.Default()

	if len(*configFile) > 0 {
		var err error

		if cfg, err = config.Open(*configFile); err != nil {
			klog.Exitf("Failed to load configuration: %v", err)
		}
	}

	err := run(context.Background(), cfg)

	if len(*metrics) > 0 {
		if err := prometheus.WriteToTextfile(*metrics, prometheus.DefaultGatherer); err != nil {
			klog.Errorf("Failed to write metrics: %v", err)
		}
	}

	if err != nil {
		klog.Exitf("%v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	device := &emu.Device{
		SerialNumber: *serial,
		Unlocked:     *unlocked,
	}

	platform := &emu.Platform{
		Output: *output,
	}

	mem := emu.NewMemory(memBase, memSize)
	tokens := strings.Fields(*cmdline)

	if cfg.RPMB != nil || cfg.TEE != nil {
		if err := stageSeeds(mem); err != nil {
			return fmt.Errorf("could not stage boot parameters: %v", err)
		}

		tokens = append(tokens, fmt.Sprintf("trusty.param_addr=%#x", memBase))
	}

	misc := emu.NewMemDev(miscBlocks)

	if err := restore(miscFile, misc); err != nil {
		return err
	}

	defer save(miscFile, misc)

	slots, err := slot.Open(misc, cfg.Slots.MetadataBlock, cfg.Slots.Count)

	if err != nil {
		return fmt.Errorf("could not open slot metadata: %v", err)
	}

	partitions := &emu.Partitions{Dir: *stateDir}

	ld := &loader.Loader{
		Partitions:     partitions,
		Slots:          slots,
		RecoveryInBoot: cfg.RecoveryInBoot,
	}

	l := &boot.Loader{
		Tokens: tokens,
		Resolver: &target.Resolver{
			BCB:           &emu.BCB{Path: statePath(bcbFile)},
			Policy:        target.RecoveryOverride,
			ForceFastboot: cfg.ForceFastboot,
		},
		Policy: verify.Policy{
			Production: cfg.Production,
			Sanitizer:  mem,
		},
		Slots:    slots,
		Memory:   mem,
		Fastboot: emu.NewFastboot(os.Stdin, os.Stdout, slots),
		Platform: platform,
		Device:   device,
		Version:  Version,
	}

	var store *rollback.Store

	if cfg.RPMB != nil {
		card := rpmb.NewEmulator(cfg.RPMB.Sectors)

		if err = restore(rpmbFile, card); err != nil {
			return err
		}

		defer save(rpmbFile, card)

		p, err := rpmb.New(card)

		if err != nil {
			return err
		}

		l.Keys = &keys.Reconciler{
			Storage: p,
			Fuse:    &emu.Fuse{Path: statePath(fuseFile)},
		}

		store = &rollback.Store{
			Sectors: p,
			Base:    cfg.RPMB.RollbackBase,
		}
	}

	if l.Verifier, err = newEngine(cfg, ld, device, store); err != nil {
		return err
	}

	if cfg.TEE != nil {
		l.TEE = &tee.Handoff{
			Hypervisor: &emu.Hypervisor{},
			IPC:        &emu.IPC{},
		}

		if cfg.TEE.CoProcessor {
			l.TEE.CoProcessor = &emu.CoProcessor{}
		}
	}

	if cfg.Crashmode != nil && cfg.Crashmode.Diagnostic {
		l.Diagnostic = emu.NewDiagnostic(os.Stdin, os.Stdout)
	}

	out, err := l.Run(ctx)

	if err != nil {
		return fmt.Errorf("boot aborted: %v", err)
	}

	switch out {
	case boot.ChainLoaded:
		klog.Infof("%s image started (state:%s secure_boot:%v)", platform.Target, platform.State, platform.SecureBoot)
	case boot.Reset:
		klog.Infof("reset into %s", platform.Resets[len(platform.Resets)-1])
	}

	return nil
}

func newEngine(cfg *config.Config, ld *loader.Loader, device *emu.Device, store *rollback.Store) (*verify.Engine, error) {
	e := &verify.Engine{
		RecoveryInBoot: cfg.RecoveryInBoot,
	}

	switch cfg.Verification.Backend {
	case config.BackendLocal:
		caller, err := local.NewAuthority(cfg.Verification.Authorities...)

		if err != nil {
			return nil, err
		}

		embedded, err := local.NewAuthority(EmbeddedKey)

		if err != nil {
			return nil, err
		}

		e.Backend = &local.Backend{
			Loader:         ld,
			Caller:         caller,
			Embedded:       embedded,
			Rollback:       store,
			RecoveryInBoot: cfg.RecoveryInBoot,
		}
	case config.BackendDelegated:
		vkeys := cfg.Verification.Authorities

		if len(EmbeddedKey) > 0 {
			vkeys = append(vkeys, EmbeddedKey)
		}

		s, err := emu.NewSlotVerifier(ld.Partitions, device, store, vkeys...)

		if err != nil {
			return nil, err
		}

		e.Backend = &delegated.Backend{
			Service:        s,
			Slots:          ld,
			Tolerant:       cfg.Verification.TolerateErrors,
			RecoveryInBoot: cfg.RecoveryInBoot,
		}
	}

	return e, nil
}

// stageSeeds places the boot parameters in memory as the platform firmware
// would, the device seed is generated once and persisted.
func stageSeeds(mem *emu.Memory) error {
	var seed keys.Seed
	defer clear(seed.Secret[:])

	buf, err := os.ReadFile(statePath(seedsFile))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		seed.SVN = 1

		if _, err = rand.Read(seed.Secret[:]); err != nil {
			return err
		}

		buf = append([]byte{seed.SVN}, seed.Secret[:]...)

		if err = os.WriteFile(statePath(seedsFile), buf, 0600); err != nil {
			return err
		}
	case err != nil:
		return err
	case len(buf) != 1+len(seed.Secret):
		return fmt.Errorf("invalid seed file length %d", len(buf))
	default:
		seed.SVN = buf[0]
		copy(seed.Secret[:], buf[1:])
	}

	clear(buf)

	seeds, err := keys.NewSeedList(seed)

	if err != nil {
		return err
	}

	defer seeds.Zero()

	bp := &tee.BootParams{
		Version: 1,
		MemBase: memBase,
		MemSize: memSize,
	}

	return tee.WriteBootParams(mem, memBase, bp, seeds)
}

func statePath(name string) string {
	return filepath.Join(*stateDir, name)
}

type snapshot interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary([]byte) error
}

func restore(name string, s snapshot) error {
	buf, err := os.ReadFile(statePath(name))

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil
	case err != nil:
		return err
	}

	if err = s.UnmarshalBinary(buf); err != nil {
		return fmt.Errorf("could not restore %s: %v", name, err)
	}

	return nil
}

func save(name string, s snapshot) {
	buf, err := s.MarshalBinary()

	if err == nil {
		err = os.WriteFile(statePath(name), buf, 0600)
	}

	if err != nil {
		klog.Errorf("could not save %s: %v", name, err)
	}
}
