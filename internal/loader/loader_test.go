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

package loader

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// fakeSlots hands out slots in order, recording calls.
type fakeSlots struct {
	suffixes      []string
	recoveryTries int
	calls         []string
}

func (s *fakeSlots) Enabled() bool { return true }

func (s *fakeSlots) Active() (string, bool) {
	if len(s.suffixes) == 0 {
		return "", false
	}
	return s.suffixes[0], true
}

func (s *fakeSlots) MarkFailed(t api.Target) error {
	s.calls = append(s.calls, fmt.Sprintf("failed %s %s", t, s.suffixes[0]))
	s.suffixes = s.suffixes[1:]
	return nil
}

func (s *fakeSlots) RecoveryTriesRemaining() int { return s.recoveryTries }

func (s *fakeSlots) RecordBootAttempt(t api.Target) error { return nil }

type fakePartitions struct {
	images map[string][]byte
	reads  []string
}

func (p *fakePartitions) ReadPartition(_ context.Context, label string) ([]byte, error) {
	p.reads = append(p.reads, label)

	if b, ok := p.images[label]; ok {
		return b, nil
	}
	return nil, fmt.Errorf("%s: no such partition", label)
}

func TestLoadFailover(t *testing.T) {
	slots := &fakeSlots{suffixes: []string{"_a", "_b"}, recoveryTries: 3}
	parts := &fakePartitions{images: map[string][]byte{"boot_b": []byte("b")}}
	l := &Loader{Partitions: parts, Slots: slots}

	img, err := l.Load(context.Background(), api.NormalBoot)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	want := &Image{Partition: "boot_b", Suffix: "_b", Data: []byte("b")}
	if diff := cmp.Diff(want, img); diff != "" {
		t.Fatalf("image diff: %s", diff)
	}
	if diff := cmp.Diff([]string{"boot_a", "boot_b"}, parts.reads); diff != "" {
		t.Fatalf("read sequence diff: %s", diff)
	}
	if diff := cmp.Diff([]string{"failed normal _a"}, slots.calls); diff != "" {
		t.Fatalf("slot call diff: %s", diff)
	}
}

func TestLoadAllSlotsFail(t *testing.T) {
	slots := &fakeSlots{suffixes: []string{"_a", "_b"}}
	parts := &fakePartitions{}
	l := &Loader{Partitions: parts, Slots: slots}

	if _, err := l.Load(context.Background(), api.NormalBoot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() = %v, want ErrNotFound", err)
	}

	// every slot marked failed exactly once, in order
	if diff := cmp.Diff([]string{"failed normal _a", "failed normal _b"}, slots.calls); diff != "" {
		t.Fatalf("slot call diff: %s", diff)
	}
	if diff := cmp.Diff([]string{"boot_a", "boot_b"}, parts.reads); diff != "" {
		t.Fatalf("read sequence diff: %s", diff)
	}
}

// stuckSlots never changes selection after a failure.
type stuckSlots struct {
	fakeSlots
}

func (s *stuckSlots) MarkFailed(api.Target) error { return nil }

func TestLoadNeverRetriesSlot(t *testing.T) {
	parts := &fakePartitions{}
	l := &Loader{Partitions: parts, Slots: &stuckSlots{fakeSlots{suffixes: []string{"_a"}}}}

	if _, err := l.Load(context.Background(), api.NormalBoot); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Load() = %v, want ErrNotFound", err)
	}
	if len(parts.reads) != 1 {
		t.Fatalf("slot read %d times", len(parts.reads))
	}
}

func TestLoadRecovery(t *testing.T) {
	images := map[string][]byte{
		"boot_a":   []byte("boot"),
		"recovery": []byte("recovery"),
	}

	for _, test := range []struct {
		name           string
		tries          int
		recoveryInBoot bool
		want           string
		wantErr        bool
	}{
		{
			name:  "recovery partition",
			tries: 1,
			want:  "recovery",
		}, {
			name:    "tries exhausted",
			wantErr: true,
		}, {
			name:           "recovery in boot",
			recoveryInBoot: true,
			want:           "boot_a",
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			l := &Loader{
				Partitions:     &fakePartitions{images: images},
				Slots:          &fakeSlots{suffixes: []string{"_a"}, recoveryTries: test.tries},
				RecoveryInBoot: test.recoveryInBoot,
			}

			img, err := l.Load(context.Background(), api.Recovery)

			if test.wantErr {
				if !errors.Is(err, ErrNotFound) {
					t.Fatalf("Load() = %v, want ErrNotFound", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if img.Partition != test.want {
				t.Fatalf("loaded %s, want %s", img.Partition, test.want)
			}
		})
	}
}

func TestLoadWithoutSlots(t *testing.T) {
	parts := &fakePartitions{images: map[string][]byte{"boot": []byte("x"), "tos": []byte("t")}}
	l := &Loader{Partitions: parts}

	if img, err := l.Load(context.Background(), api.NormalBoot); err != nil || img.Partition != "boot" {
		t.Fatalf("Load() = %v, %v", img, err)
	}
	if img, err := l.LoadTOS(context.Background()); err != nil || img.Partition != "tos" {
		t.Fatalf("LoadTOS() = %v, %v", img, err)
	}
}

func TestLoadTOSNoFailover(t *testing.T) {
	slots := &fakeSlots{suffixes: []string{"_a", "_b"}}
	parts := &fakePartitions{images: map[string][]byte{"tos_b": []byte("t")}}
	l := &Loader{Partitions: parts, Slots: slots}

	if _, err := l.LoadTOS(context.Background()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("LoadTOS() = %v, want ErrNotFound", err)
	}
	if len(slots.calls) != 0 {
		t.Fatalf("slot state changed: %v", slots.calls)
	}
}

func TestLoadUnsupportedTarget(t *testing.T) {
	l := &Loader{Partitions: &fakePartitions{}}

	if _, err := l.Load(context.Background(), api.Fastboot); err == nil {
		t.Fatal("Load(fastboot) succeeded")
	}
}
