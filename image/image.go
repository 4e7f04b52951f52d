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

// Package image implements the signed boot image envelope.
//
// An image is a 4 byte big-endian length followed by a signed note, whose
// text is a YAML manifest, and the image payload:
//
//	| length | signed manifest note | payload |
package image

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/coreos/go-semver/semver"
	"golang.org/x/mod/sumdb/note"
	"gopkg.in/yaml.v3"

	"github.com/transparency-dev/armored-witness-loader/api"
)

const lengthSize = 4

// MaxManifestSize bounds the signed manifest length.
const MaxManifestSize = 16 * 1024

// ErrDigest is returned when the payload does not match the manifest.
var ErrDigest = errors.New("payload digest mismatch")

// Manifest describes an image payload.
type Manifest struct {
	// Target is the mount label the image was built for.
	Target string `yaml:"target"`
	// Version is the semantic version of the image, used for rollback
	// protection.
	Version string `yaml:"version"`
	// OSVersion is the operating system version (major.minor.patch).
	OSVersion string `yaml:"os_version,omitempty"`
	// PatchLevel is the security patch level (YYYY-MM).
	PatchLevel string `yaml:"patch_level,omitempty"`
	// LoadBase is the payload load offset, meaningful for trusted OS
	// images.
	LoadBase uint32 `yaml:"load_base,omitempty"`
	// SHA256 is the hex encoded payload digest.
	SHA256 string `yaml:"sha256"`
}

// SemVer returns the parsed image version.
func (m *Manifest) SemVer() (*semver.Version, error) {
	return semver.NewVersion(m.Version)
}

// RootOfTrust returns the version information of the manifest in root of
// trust form.
func (m *Manifest) RootOfTrust() (rot api.RootOfTrust, err error) {
	v, err := m.SemVer()

	if err != nil {
		return
	}

	if len(m.OSVersion) > 0 {
		var osv *semver.Version

		if osv, err = semver.NewVersion(m.OSVersion); err != nil {
			return
		}

		if rot.OSVersion, err = api.EncodeOSVersion(osv); err != nil {
			return
		}
	}

	if rot.PatchLevel, err = api.EncodePatchLevel(m.PatchLevel); err != nil {
		return
	}

	rot.RollbackIndex = api.RollbackIndex(v)

	return
}

// Check verifies the payload against the manifest digest.
func (m *Manifest) Check(payload []byte) error {
	want, err := hex.DecodeString(m.SHA256)

	if err != nil {
		return fmt.Errorf("invalid manifest digest: %v", err)
	}

	sum := sha256.Sum256(payload)

	if !bytes.Equal(sum[:], want) {
		return ErrDigest
	}

	return nil
}

// Image is a parsed, not yet verified, image envelope.
type Image struct {
	// Note is the signed manifest.
	Note []byte
	// Payload is the image payload.
	Payload []byte
}

// Parse splits an image buffer into its signed manifest and payload.
func Parse(buf []byte) (*Image, error) {
	if len(buf) < lengthSize {
		return nil, errors.New("image too short")
	}

	n := binary.BigEndian.Uint32(buf)

	if n == 0 || n > MaxManifestSize || int(n) > len(buf)-lengthSize {
		return nil, fmt.Errorf("invalid manifest length %d", n)
	}

	return &Image{
		Note:    buf[lengthSize : lengthSize+n],
		Payload: buf[lengthSize+n:],
	}, nil
}

// Open verifies the manifest signature against the passed verifiers and
// returns the decoded manifest along with the verifier which accepted it.
//
// Errors from note.Open are returned unwrapped, callers can tell a missing
// or invalid signature apart from a malformed manifest with
// note.UnverifiedNoteError and note.InvalidSignatureError.
func (i *Image) Open(verifiers note.Verifiers) (*Manifest, note.Verifier, error) {
	n, err := note.Open(i.Note, verifiers)

	if err != nil {
		return nil, nil, err
	}

	if len(n.Sigs) == 0 {
		return nil, nil, errors.New("no verified signature")
	}

	v, err := verifiers.Verifier(n.Sigs[0].Name, n.Sigs[0].Hash)

	if err != nil {
		return nil, nil, err
	}

	m := &Manifest{}

	if err = yaml.Unmarshal([]byte(n.Text), m); err != nil {
		return nil, nil, fmt.Errorf("invalid manifest: %v", err)
	}

	return m, v, nil
}

// Build returns a signed image envelope for the passed payload, the
// manifest digest is computed from the payload.
func Build(m *Manifest, payload []byte, signers ...note.Signer) ([]byte, error) {
	if len(signers) == 0 {
		return nil, errors.New("missing signer")
	}

	if _, err := m.SemVer(); err != nil {
		return nil, fmt.Errorf("invalid version: %v", err)
	}

	sum := sha256.Sum256(payload)
	mf := *m
	mf.SHA256 = hex.EncodeToString(sum[:])

	text, err := yaml.Marshal(&mf)

	if err != nil {
		return nil, err
	}

	signed, err := note.Sign(&note.Note{Text: string(text)}, signers...)

	if err != nil {
		return nil, err
	}

	if len(signed) > MaxManifestSize {
		return nil, fmt.Errorf("manifest too large (%d bytes)", len(signed))
	}

	buf := make([]byte, lengthSize, lengthSize+len(signed)+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(signed)))
	buf = append(buf, signed...)
	buf = append(buf, payload...)

	return buf, nil
}
