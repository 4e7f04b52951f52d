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
	"context"
	"errors"
	"testing"

	"github.com/transparency-dev/armored-witness-loader/api"
)

func TestClassifyLocal(t *testing.T) {
	for _, test := range []struct {
		caller, embedded bool
		want             api.BootState
	}{
		{caller: true, embedded: true, want: api.Green},
		{caller: true, want: api.Green},
		{embedded: true, want: api.Yellow},
		{want: api.Red},
	} {
		if got := ClassifyLocal(test.caller, test.embedded); got != test.want {
			t.Errorf("ClassifyLocal(%v, %v) = %s, want %s", test.caller, test.embedded, got, test.want)
		}
	}
}

func TestClassifyDelegated(t *testing.T) {
	for _, test := range []struct {
		passed, unlocked, tolerant bool
		want                       api.BootState
	}{
		{passed: true, want: api.Green},
		{passed: true, unlocked: true, tolerant: true, want: api.Green},
		{unlocked: true, tolerant: true, want: api.Yellow},
		{unlocked: true, want: api.Red},
		{tolerant: true, want: api.Red},
		{want: api.Red},
	} {
		if got := ClassifyDelegated(test.passed, test.unlocked, test.tolerant); got != test.want {
			t.Errorf("ClassifyDelegated(%v, %v, %v) = %s, want %s", test.passed, test.unlocked, test.tolerant, got, test.want)
		}
	}
}

func TestBind(t *testing.T) {
	for _, test := range []struct {
		target         api.Target
		label          string
		recoveryInBoot bool
		want           bool
	}{
		{target: api.NormalBoot, label: "/boot", want: true},
		{target: api.NormalBoot, label: "/recovery", want: true},
		{target: api.NormalBoot, label: "/system"},
		{target: api.Recovery, label: "/recovery", want: true},
		{target: api.Recovery, label: "/boot"},
		{target: api.Recovery, label: "/boot", recoveryInBoot: true, want: true},
		{target: api.Recovery, label: "/vendor"},
		{target: api.Fastboot, label: "/boot"},
	} {
		if got := Bind(test.target, test.label, test.recoveryInBoot); got != test.want {
			t.Errorf("Bind(%s, %q, %v) = %v, want %v", test.target, test.label, test.recoveryInBoot, got, test.want)
		}
	}
}

type fakeBackend struct {
	v   Verified
	err error
}

func (b *fakeBackend) Verify(_ context.Context, partition string, t api.Target) (*Verified, error) {
	if b.err != nil {
		return nil, b.err
	}
	v := b.v
	v.Partition = partition
	return &v, nil
}

func TestVerifyBootBinding(t *testing.T) {
	for _, test := range []struct {
		name   string
		target api.Target
		state  api.BootState
		label  string
		want   api.BootState
	}{
		{
			name:   "valid recovery image",
			target: api.Recovery,
			state:  api.Green,
			label:  "/recovery",
			want:   api.Green,
		}, {
			name:   "valid image with foreign label",
			target: api.Recovery,
			state:  api.Green,
			label:  "/odm",
			want:   api.Red,
		}, {
			name:   "yellow normal boot of recovery image",
			target: api.NormalBoot,
			state:  api.Yellow,
			label:  "/recovery",
			want:   api.Yellow,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			e := &Engine{Backend: &fakeBackend{v: Verified{State: test.state, Label: test.label, Payload: []byte{1}}}}

			v, err := e.VerifyBoot(context.Background(), test.target)
			if err != nil {
				t.Fatalf("VerifyBoot: %v", err)
			}
			if v.State != test.want {
				t.Fatalf("got state %s, want %s", v.State, test.want)
			}
			if v.RootOfTrust.State != test.want {
				t.Fatalf("got root of trust state %s, want %s", v.RootOfTrust.State, test.want)
			}
		})
	}
}

func TestVerifyBootErrors(t *testing.T) {
	e := &Engine{Backend: &fakeBackend{err: errors.New("eio")}}
	if _, err := e.VerifyBoot(context.Background(), api.NormalBoot); err == nil {
		t.Fatal("backend error not returned")
	}

	e = &Engine{Backend: &fakeBackend{v: Verified{State: api.Red}}}
	if _, err := e.VerifyBoot(context.Background(), api.NormalBoot); err == nil {
		t.Fatal("missing payload not reported")
	}
}

func TestAdvanceRollback(t *testing.T) {
	for _, state := range []api.BootState{api.Green, api.Yellow, api.Orange, api.Red} {
		called := false
		v := &Verified{State: state}
		v.SetAdvance(func() error {
			called = true
			return nil
		})

		if err := v.AdvanceRollback(); err != nil {
			t.Fatalf("AdvanceRollback: %v", err)
		}
		if called != (state == api.Green) {
			t.Errorf("state %s: advance called %v", state, called)
		}
	}
}

type fakeSanitizer struct {
	err   error
	calls int
}

func (s *fakeSanitizer) ClearMemory() error {
	s.calls++
	return s.err
}

func TestPolicyEnforce(t *testing.T) {
	for _, test := range []struct {
		name       string
		policy     Policy
		sanitizer  *fakeSanitizer
		state      api.BootState
		wantErr    error
		wantClears int
	}{
		{
			name:   "development build ignores red",
			policy: Policy{SecureBoot: true},
			state:  api.Red,
		}, {
			name:    "red refused with secure boot",
			policy:  Policy{Production: true, SecureBoot: true},
			state:   api.Red,
			wantErr: ErrSecurityViolation,
		}, {
			name:   "red allowed without secure boot",
			policy: Policy{Production: true},
			state:  api.Red,
		}, {
			name:       "orange sanitized",
			policy:     Policy{Production: true},
			sanitizer:  &fakeSanitizer{},
			state:      api.Orange,
			wantClears: 1,
		}, {
			name:       "orange sanitization failure aborts",
			policy:     Policy{Production: true},
			sanitizer:  &fakeSanitizer{err: errors.New("dma busy")},
			state:      api.Orange,
			wantErr:    ErrAbort,
			wantClears: 1,
		}, {
			name:    "orange without sanitizer aborts",
			policy:  Policy{Production: true},
			state:   api.Orange,
			wantErr: ErrAbort,
		}, {
			name:      "green untouched",
			policy:    Policy{Production: true, SecureBoot: true},
			sanitizer: &fakeSanitizer{},
			state:     api.Green,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			p := test.policy
			if test.sanitizer != nil {
				p.Sanitizer = test.sanitizer
			}

			if err := p.Enforce(test.state); !errors.Is(err, test.wantErr) {
				t.Fatalf("Enforce(%s) = %v, want %v", test.state, err, test.wantErr)
			}
			if test.sanitizer != nil && test.sanitizer.calls != test.wantClears {
				t.Fatalf("memory cleared %d times, want %d", test.sanitizer.calls, test.wantClears)
			}
		})
	}
}
