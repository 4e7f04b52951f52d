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

package boot

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/image"
	"github.com/transparency-dev/armored-witness-loader/internal/emu"
	"github.com/transparency-dev/armored-witness-loader/internal/keys"
	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/slot"
	"github.com/transparency-dev/armored-witness-loader/internal/tee"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
	"github.com/transparency-dev/armored-witness-loader/internal/verify/local"
)

const testSerial = "MMC0123456789AB"

type partitions map[string][]byte

func (p partitions) ReadPartition(_ context.Context, label string) ([]byte, error) {
	if b, ok := p[label]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%s: not found", label)
}

type slots struct {
	suffixes []string
	failed   []string
	attempts []api.Target
}

func (s *slots) Enabled() bool { return true }

func (s *slots) Active() (string, bool) {
	if len(s.suffixes) == 0 {
		return "", false
	}
	return s.suffixes[0], true
}

func (s *slots) MarkFailed(t api.Target) error {
	if t == api.NormalBoot && len(s.suffixes) > 0 {
		s.failed = append(s.failed, s.suffixes[0])
		s.suffixes = s.suffixes[1:]
	}
	return nil
}

func (s *slots) RecoveryTriesRemaining() int { return 1 }

func (s *slots) RecordBootAttempt(t api.Target) error {
	s.attempts = append(s.attempts, t)
	return nil
}

type platform struct {
	resets     []api.Target
	loaded     []string
	states     []api.BootState
	chainErr   error
	secureBoot bool
}

func (p *platform) Reset(t api.Target) error {
	p.resets = append(p.resets, t)
	return nil
}

func (p *platform) ChainLoad(payload []byte, state api.BootState, t api.Target, cmdline string) error {
	if p.chainErr != nil {
		return p.chainErr
	}
	p.loaded = append(p.loaded, string(payload))
	return nil
}

func (p *platform) SetBootState(s api.BootState) error {
	p.states = append(p.states, s)
	return nil
}

func (p *platform) SetOSSecureBoot(enabled bool) error {
	p.secureBoot = enabled
	return nil
}

type device struct {
	unlocked bool
}

func (d *device) IsUnlocked() (bool, error) { return d.unlocked, nil }

func (d *device) Serial() (string, error) { return testSerial, nil }

// fastboot returns scripted responses, then powers off.
type fastboot struct {
	responses []fastbootResponse
	calls     []api.Target
}

type fastbootResponse struct {
	target api.Target
	img    []byte
	err    error
}

func (f *fastboot) Start(_ context.Context, status *api.Status) (api.Target, []byte, error) {
	f.calls = append(f.calls, status.Target)

	if len(f.responses) == 0 {
		return api.PowerOff, nil, nil
	}

	r := f.responses[0]
	f.responses = f.responses[1:]

	return r.target, r.img, r.err
}

type diagnostic struct {
	initErr error
	target  api.Target
	exited  bool
}

func (d *diagnostic) Init() error { return d.initErr }

func (d *diagnostic) Run(context.Context, *api.Status) (api.Target, error) { return d.target, nil }

func (d *diagnostic) Exit() { d.exited = true }

type signer struct {
	note.Signer
	vkey string
}

func newSigner(t *testing.T, name string) signer {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	return signer{Signer: s, vkey: vkey}
}

func buildImage(t *testing.T, s signer, label string, payload string) []byte {
	t.Helper()

	buf, err := image.Build(&image.Manifest{Target: label, Version: "1.0.0"}, []byte(payload), s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return buf
}

type env struct {
	loader   *Loader
	slots    *slots
	platform *platform
	fastboot *fastboot
}

func newEnv(t *testing.T, caller signer, parts partitions, tokens ...string) *env {
	t.Helper()

	auth, err := local.NewAuthority(caller.vkey)
	if err != nil {
		t.Fatalf("NewAuthority: %v", err)
	}

	e := &env{
		slots:    &slots{suffixes: []string{"_a", "_b"}},
		platform: &platform{},
		fastboot: &fastboot{},
	}

	l := &loader.Loader{Partitions: parts, Slots: e.slots}

	e.loader = &Loader{
		Tokens:   tokens,
		Verifier: &verify.Engine{Backend: &local.Backend{Loader: l, Caller: auth}},
		Slots:    e.slots,
		Fastboot: e.fastboot,
		Platform: e.platform,
		Device:   &device{},
	}

	return e
}

func run(t *testing.T, l *Loader) Outcome {
	t.Helper()

	out, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return out
}

func TestNormalBoot(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{"boot_a": buildImage(t, s, api.BootLabel, "kernel a")}, "ABL.boot=0", "quiet")

	if out := run(t, e.loader); out != ChainLoaded {
		t.Fatalf("got outcome %s, want chain-loaded", out)
	}
	if diff := cmp.Diff([]string{"kernel a"}, e.platform.loaded); diff != "" {
		t.Fatalf("loaded images diff: %s", diff)
	}
	if diff := cmp.Diff([]api.BootState{api.Green}, e.platform.states); diff != "" {
		t.Fatalf("boot states diff: %s", diff)
	}
	if !e.platform.secureBoot {
		t.Fatal("OS secure boot not enabled for green image")
	}
	if diff := cmp.Diff([]api.Target{api.NormalBoot}, e.slots.attempts); diff != "" {
		t.Fatalf("boot attempts diff: %s", diff)
	}
}

func TestAllSlotsFailRoutesToFastboot(t *testing.T) {
	for _, tok := range []string{"ABL.boot=0", "ABL.boot=1"} {
		t.Run(tok, func(t *testing.T) {
			s := newSigner(t, "owner")
			e := newEnv(t, s, partitions{}, tok)

			if out := run(t, e.loader); out != Reset {
				t.Fatalf("got outcome %s, want reset", out)
			}
			if diff := cmp.Diff([]api.Target{api.Fastboot}, e.fastboot.calls); diff != "" {
				t.Fatalf("fastboot calls diff: %s", diff)
			}
			if len(e.platform.loaded) != 0 {
				t.Fatal("image chain-loaded")
			}
		})
	}
}

func TestFailoverToSecondSlot(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{"boot_b": buildImage(t, s, api.BootLabel, "kernel b")}, "ABL.boot=0")

	if out := run(t, e.loader); out != ChainLoaded {
		t.Fatalf("got outcome %s, want chain-loaded", out)
	}
	if diff := cmp.Diff([]string{"_a"}, e.slots.failed); diff != "" {
		t.Fatalf("failed slots diff: %s", diff)
	}
	if diff := cmp.Diff([]string{"kernel b"}, e.platform.loaded); diff != "" {
		t.Fatalf("loaded images diff: %s", diff)
	}
}

func TestRedRefusedWithSecureBoot(t *testing.T) {
	owner := newSigner(t, "owner")
	stranger := newSigner(t, "stranger")

	e := newEnv(t, owner, partitions{"boot_a": buildImage(t, stranger, api.BootLabel, "evil")}, "ABL.boot=0", "ABL.secureboot=1")
	e.loader.Policy = verify.Policy{Production: true}

	if out := run(t, e.loader); out != Reset {
		t.Fatalf("got outcome %s, want reset", out)
	}
	if len(e.platform.loaded) != 0 {
		t.Fatal("red image chain-loaded with secure boot enabled")
	}
	if len(e.fastboot.calls) != 1 {
		t.Fatalf("fastboot entered %d times", len(e.fastboot.calls))
	}
}

func TestChainLoadFailureMarksSlot(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{"boot_a": buildImage(t, s, api.BootLabel, "kernel a")}, "ABL.boot=0")
	e.platform.chainErr = errors.New("bad kernel")

	if out := run(t, e.loader); out != Reset {
		t.Fatalf("got outcome %s, want reset", out)
	}
	if diff := cmp.Diff([]string{"_a"}, e.slots.failed); diff != "" {
		t.Fatalf("failed slots diff: %s", diff)
	}
	if len(e.fastboot.calls) != 1 {
		t.Fatalf("fastboot entered %d times", len(e.fastboot.calls))
	}
}

func TestRecoveryChainLoadFailureCostsOneTry(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{"recovery": buildImage(t, s, api.RecoveryLabel, "recovery")}, "ABL.boot=1")
	e.platform.chainErr = errors.New("bad recovery")

	m, err := slot.Open(emu.NewMemDev(8), 0, 2)
	if err != nil {
		t.Fatalf("slot.Open: %v", err)
	}
	e.loader.Slots = m
	e.loader.Verifier.Backend.(*local.Backend).Loader.Slots = m

	before := m.RecoveryTriesRemaining()

	if out := run(t, e.loader); out != Reset {
		t.Fatalf("got outcome %s, want reset", out)
	}
	if after := m.RecoveryTriesRemaining(); after != before-1 {
		t.Fatalf("recovery tries %d after one failed attempt, want %d", after, before-1)
	}
	if s, _ := m.Active(); s != "_a" {
		t.Fatalf("active slot %q after recovery failure, want _a", s)
	}
}

func TestFastbootSelectsTarget(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{"boot_a": buildImage(t, s, api.BootLabel, "kernel a")})
	e.fastboot.responses = []fastbootResponse{
		{target: api.UnknownTarget},
		{target: api.NormalBoot},
	}

	if out := run(t, e.loader); out != ChainLoaded {
		t.Fatalf("got outcome %s, want chain-loaded", out)
	}
	if len(e.fastboot.calls) != 2 {
		t.Fatalf("fastboot entered %d times, want 2", len(e.fastboot.calls))
	}
}

func TestFastbootErrorResets(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{})
	e.fastboot.responses = []fastbootResponse{{err: errors.New("usb")}}

	if out := run(t, e.loader); out != Reset {
		t.Fatalf("got outcome %s, want reset", out)
	}
	if diff := cmp.Diff([]api.Target{api.Fastboot}, e.platform.resets); diff != "" {
		t.Fatalf("resets diff: %s", diff)
	}
}

func TestFastbootBoot(t *testing.T) {
	for _, test := range []struct {
		name     string
		unlocked bool
		want     []string
	}{
		{name: "unlocked", unlocked: true, want: []string{"ramdisk"}},
		{name: "locked"},
	} {
		t.Run(test.name, func(t *testing.T) {
			s := newSigner(t, "owner")
			e := newEnv(t, s, partitions{})
			e.loader.Device = &device{unlocked: test.unlocked}
			e.fastboot.responses = []fastbootResponse{{img: []byte("ramdisk")}}

			run(t, e.loader)

			if diff := cmp.Diff(test.want, e.platform.loaded); diff != "" {
				t.Fatalf("loaded images diff: %s", diff)
			}
			if test.unlocked {
				if diff := cmp.Diff([]api.BootState{api.Orange}, e.platform.states); diff != "" {
					t.Fatalf("boot states diff: %s", diff)
				}
				if len(e.slots.attempts) != 0 {
					t.Fatal("slot attempt recorded for fastboot boot")
				}
			}
		})
	}
}

type sanitizer struct{}

func (sanitizer) ClearMemory() error { return errors.New("stuck") }

func TestOrangeSanitizationAbort(t *testing.T) {
	s := newSigner(t, "owner")
	e := newEnv(t, s, partitions{})
	e.loader.Device = &device{unlocked: true}
	e.loader.Policy = verify.Policy{Production: true, Sanitizer: sanitizer{}}
	e.fastboot.responses = []fastbootResponse{{img: []byte("ramdisk")}}

	if _, err := e.loader.Run(context.Background()); !errors.Is(err, verify.ErrAbort) {
		t.Fatalf("Run() = %v, want ErrAbort", err)
	}
	if len(e.platform.loaded) != 0 {
		t.Fatal("image chain-loaded after sanitization failure")
	}
}

func TestCrashmode(t *testing.T) {
	s := newSigner(t, "owner")

	t.Run("diagnostic", func(t *testing.T) {
		e := newEnv(t, s, partitions{}, "ABL.boot_target=CRASHMODE")
		d := &diagnostic{target: api.PowerOff}
		e.loader.Diagnostic = d

		if out := run(t, e.loader); out != Reset {
			t.Fatalf("got outcome %s, want reset", out)
		}
		if !d.exited {
			t.Fatal("diagnostic service not exited")
		}
		if len(e.fastboot.calls) != 0 {
			t.Fatal("fastboot entered")
		}
	})

	t.Run("diagnostic failure", func(t *testing.T) {
		e := newEnv(t, s, partitions{}, "ABL.boot_target=CRASHMODE")
		e.loader.Diagnostic = &diagnostic{initErr: errors.New("no adb")}

		run(t, e.loader)

		if len(e.fastboot.calls) != 1 {
			t.Fatalf("fastboot entered %d times, want 1", len(e.fastboot.calls))
		}
	})

	t.Run("no diagnostic", func(t *testing.T) {
		e := newEnv(t, s, partitions{}, "ABL.boot_target=CRASHMODE")

		run(t, e.loader)

		if diff := cmp.Diff([]api.Target{api.Fastboot}, e.fastboot.calls); diff != "" {
			t.Fatalf("fastboot calls diff: %s", diff)
		}
	})
}

func TestOtherTargetResets(t *testing.T) {
	s := newSigner(t, "owner")
	// boot mode word target 5 (charger)
	e := newEnv(t, s, partitions{}, "ABL.boot=5")

	if out := run(t, e.loader); out != Reset {
		t.Fatalf("got outcome %s, want reset", out)
	}
	if diff := cmp.Diff([]api.Target{api.Charger}, e.platform.resets); diff != "" {
		t.Fatalf("resets diff: %s", diff)
	}
}

// hypervisor records startup blocks.
type hypervisor struct {
	blocks [][]byte
}

func (h *hypervisor) Launch(block []byte) error {
	h.blocks = append(h.blocks, bytes.Clone(block))
	return nil
}

type memory struct {
	buf []byte
}

func (m *memory) Read(addr uint64, buf []byte) error {
	copy(buf, m.buf[addr:])
	return nil
}

func (m *memory) Write(addr uint64, buf []byte) error {
	copy(m.buf[addr:], buf)
	return nil
}

func TestTrustedOSHandoff(t *testing.T) {
	s := newSigner(t, "owner")
	parts := partitions{
		"boot_a": buildImage(t, s, api.BootLabel, "kernel a"),
		"tos_a":  buildImage(t, s, "/tos", "trusty"),
	}

	seeds, err := keys.NewSeedList(keys.Seed{SVN: 1, Secret: [keys.SeedSize]byte{1}})
	if err != nil {
		t.Fatalf("NewSeedList: %v", err)
	}

	mem := &memory{buf: make([]byte, 1024)}
	if err := tee.WriteBootParams(mem, 0x100, &tee.BootParams{Version: 1}, seeds); err != nil {
		t.Fatalf("WriteBootParams: %v", err)
	}

	h := &hypervisor{}
	e := newEnv(t, s, parts, "ABL.boot=0", "trusty.param_addr=0x100")
	e.loader.TEE = &tee.Handoff{Hypervisor: h}
	e.loader.Memory = mem

	if out := run(t, e.loader); out != ChainLoaded {
		t.Fatalf("got outcome %s, want chain-loaded", out)
	}
	if len(h.blocks) != 1 {
		t.Fatalf("trusted OS launched %d times", len(h.blocks))
	}
	if !bytes.Contains(h.blocks[0], []byte(testSerial)) {
		t.Fatal("serial missing from startup block")
	}
	if e.loader.seeds != nil && !e.loader.seeds.IsZero() {
		t.Fatal("session seeds not zeroed")
	}
}

func counterValue(t *testing.T, name, label, value string) float64 {
	t.Helper()

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == label && lp.GetValue() == value {
					return m.GetCounter().GetValue()
				}
			}
		}
	}

	return 0
}

func TestMetrics(t *testing.T) {
	const (
		attempts = "loader_boot_attempts_total"
		failures = "loader_boot_failures_total"
		sessions = "loader_boot_service_sessions_total"
	)

	a := counterValue(t, attempts, "target", "normal")
	f := counterValue(t, failures, "target", "normal")
	s := counterValue(t, sessions, "service", "fastboot")

	owner := newSigner(t, "owner")
	e := newEnv(t, owner, partitions{}, "ABL.boot=0")
	run(t, e.loader)

	if got := counterValue(t, attempts, "target", "normal") - a; got != 1 {
		t.Errorf("attempts increased by %v, want 1", got)
	}
	if got := counterValue(t, failures, "target", "normal") - f; got != 1 {
		t.Errorf("failures increased by %v, want 1", got)
	}
	if got := counterValue(t, sessions, "service", "fastboot") - s; got != 1 {
		t.Errorf("fastboot sessions increased by %v, want 1", got)
	}
}
