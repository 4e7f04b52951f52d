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

package image

import (
	"crypto/rand"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/mod/sumdb/note"

	"github.com/transparency-dev/armored-witness-loader/api"
)

func newKey(t *testing.T, name string) (note.Signer, note.Verifier) {
	t.Helper()

	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	s, err := note.NewSigner(skey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	v, err := note.NewVerifier(vkey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}
	return s, v
}

func TestBuildOpen(t *testing.T) {
	s, v := newKey(t, "oem")
	payload := []byte("kernel")

	m := &Manifest{
		Target:     api.BootLabel,
		Version:    "1.2.3",
		OSVersion:  "13.0.1",
		PatchLevel: "2024-03",
	}

	buf, err := Build(m, payload, s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if diff := cmp.Diff(payload, img.Payload); diff != "" {
		t.Fatalf("payload diff: %s", diff)
	}

	got, gotV, err := img.Open(note.VerifierList(v))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if gotV.Name() != "oem" {
		t.Fatalf("opened by %q", gotV.Name())
	}
	if got.Target != api.BootLabel || got.Version != "1.2.3" {
		t.Fatalf("unexpected manifest %+v", got)
	}
	if err := got.Check(img.Payload); err != nil {
		t.Fatalf("Check: %v", err)
	}
	if err := got.Check([]byte("kernel!")); !errors.Is(err, ErrDigest) {
		t.Fatalf("Check(tampered) = %v, want ErrDigest", err)
	}

	rot, err := got.RootOfTrust()
	if err != nil {
		t.Fatalf("RootOfTrust: %v", err)
	}
	if rot.OSVersion != 130001 || rot.PatchLevel != 202403 {
		t.Fatalf("got os version %d patch level %d", rot.OSVersion, rot.PatchLevel)
	}
	if rot.RollbackIndex != 1<<40|2<<20|3 {
		t.Fatalf("got rollback index %#x", rot.RollbackIndex)
	}
}

func TestOpenUnknownSigner(t *testing.T) {
	s, _ := newKey(t, "oem")
	_, other := newKey(t, "other")

	buf, err := Build(&Manifest{Target: api.BootLabel, Version: "1.0.0"}, nil, s)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	img, err := Parse(buf)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	var unverified *note.UnverifiedNoteError
	if _, _, err := img.Open(note.VerifierList(other)); !errors.As(err, &unverified) {
		t.Fatalf("Open() = %v, want UnverifiedNoteError", err)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, test := range []struct {
		name string
		buf  []byte
	}{
		{name: "empty"},
		{name: "zero length", buf: []byte{0, 0, 0, 0, 1}},
		{name: "overflow", buf: []byte{0, 0, 0, 9, 1}},
		{name: "too large", buf: []byte{0xff, 0, 0, 0}},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse(test.buf); err == nil {
				t.Fatal("Parse succeeded")
			}
		})
	}
}

func TestBuildInvalid(t *testing.T) {
	s, _ := newKey(t, "oem")

	if _, err := Build(&Manifest{Version: "x"}, nil, s); err == nil {
		t.Fatal("Build with invalid version succeeded")
	}
	if _, err := Build(&Manifest{Version: "1.0.0"}, nil); err == nil {
		t.Fatal("Build without signer succeeded")
	}
}
