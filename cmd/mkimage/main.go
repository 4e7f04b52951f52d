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

// The mkimage tool builds signed boot images for use with the loader, and
// generates the note keys used to sign them.
package main

import (
	"crypto/rand"
	"flag"
	"os"
	"strings"

	"golang.org/x/mod/sumdb/note"
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/image"
)

var (
	generateKey = flag.String("generate_key", "", "Generate a key pair with the given name, written to <output_file>.sec and <output_file>.pub.")
	keyFile     = flag.String("key_file", "", "File containing the note signer key.")
	payloadFile = flag.String("payload_file", "", "Image payload.")
	label       = flag.String("target", "/boot", "Mount label the image is built for.")
	version     = flag.String("version", "", "Semantic version of the image.")
	osVersion   = flag.String("os_version", "", "Operating system version (major.minor.patch).")
	patchLevel  = flag.String("patch_level", "", "Security patch level (YYYY-MM).")
	loadBase    = flag.Uint("load_base", 0, "Payload load offset.")
	outputFile  = flag.String("output_file", "", "File to write the image, or keys, to.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	if len(*outputFile) == 0 {
		klog.Exit("missing output file")
	}

	if len(*generateKey) > 0 {
		generate(*generateKey, *outputFile)
		return
	}

	signer := signerOrDie(*keyFile)

	payload, err := os.ReadFile(*payloadFile)
	if err != nil {
		klog.Exitf("Failed to read payload %q: %v", *payloadFile, err)
	}

	m := &image.Manifest{
		Target:     *label,
		Version:    *version,
		OSVersion:  *osVersion,
		PatchLevel: *patchLevel,
		LoadBase:   uint32(*loadBase),
	}

	if _, err := m.RootOfTrust(); err != nil {
		klog.Exitf("Invalid manifest: %v", err)
	}

	buf, err := image.Build(m, payload, signer)
	if err != nil {
		klog.Exitf("Build: %v", err)
	}

	if err := os.WriteFile(*outputFile, buf, 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Wrote %d bytes of %s image %s to %q", len(buf), m.Target, m.Version, *outputFile)
}

func generate(name, prefix string) {
	skey, vkey, err := note.GenerateKey(rand.Reader, name)
	if err != nil {
		klog.Exitf("GenerateKey: %v", err)
	}

	if err := os.WriteFile(prefix+".sec", []byte(skey), 0o600); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	if err := os.WriteFile(prefix+".pub", []byte(vkey), 0o644); err != nil {
		klog.Exitf("WriteFile: %v", err)
	}

	klog.Infof("Generated key %q", vkey)
}

func signerOrDie(f string) note.Signer {
	b, err := os.ReadFile(f)
	if err != nil {
		klog.Exitf("Failed to read signer key from %q: %v", f, err)
	}

	s, err := note.NewSigner(strings.TrimSpace(string(b)))
	if err != nil {
		klog.Exitf("Invalid signer key: %v", err)
	}

	return s
}
