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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/transparency-dev/armored-witness-loader/internal/loader"
	"github.com/transparency-dev/armored-witness-loader/internal/target"
)

// ImageExt is the file extension of partition images.
const ImageExt = ".img"

// Partitions serves partition images from files named after the partition
// label (e.g. boot_a.img) in a directory.
type Partitions struct {
	Dir string
}

// Path returns the file path backing a partition.
func (p *Partitions) Path(label string) string {
	return filepath.Join(p.Dir, label+ImageExt)
}

// ReadPartition returns the content of a partition, missing partitions are
// reported as loader.ErrNotFound.
func (p *Partitions) ReadPartition(ctx context.Context, label string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	buf, err := os.ReadFile(p.Path(label))

	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("partition %s: %w", label, loader.ErrNotFound)
	}

	return buf, err
}

// BCB stores the boot control block in a file, a missing file reads as an
// empty record.
type BCB struct {
	Path string
}

// ReadBCB returns the raw boot control block.
func (b *BCB) ReadBCB() ([]byte, error) {
	buf, err := os.ReadFile(b.Path)

	if errors.Is(err, fs.ErrNotExist) {
		return make([]byte, target.MessageSize), nil
	}

	return buf, err
}

// WriteBCB replaces the raw boot control block.
func (b *BCB) WriteBCB(buf []byte) error {
	return os.WriteFile(b.Path, buf, 0600)
}

// SetCommand writes a boot control block requesting the passed command, as
// done by the operating system before a reboot.
func (b *BCB) SetCommand(cmd string) error {
	m := &target.Message{}
	m.SetCommand(cmd)

	buf, err := m.MarshalBinary()

	if err != nil {
		return err
	}

	return b.WriteBCB(buf)
}

// Fuse is a one time programmable flag backed by the existence of a file.
type Fuse struct {
	Path string
}

// Blown reports whether the fuse has been blown.
func (f *Fuse) Blown() (bool, error) {
	_, err := os.Stat(f.Path)

	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, fs.ErrNotExist):
		return false, nil
	}

	return false, err
}

// Blow blows the fuse, blowing an already blown fuse fails.
func (f *Fuse) Blow() error {
	fd, err := os.OpenFile(f.Path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)

	if err != nil {
		return fmt.Errorf("could not blow fuse (%v)", err)
	}

	return fd.Close()
}
