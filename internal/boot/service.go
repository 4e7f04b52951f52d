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
	"context"
	"errors"
	"fmt"

	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
	"github.com/transparency-dev/armored-witness-loader/internal/verify"
)

// fastboot serves the fastboot service until it selects a target.
//
// A failing service resets the platform into fastboot so that the loop
// never spins without progress.
func (l *Loader) fastboot(ctx context.Context) (api.Target, Outcome, error) {
	for {
		metricServices.WithLabelValues("fastboot").Inc()

		t, img, err := l.Fastboot.Start(ctx, l.Status(api.Fastboot))

		if err != nil {
			klog.Errorf("fastboot mode failed: %v", err)

			if err = l.Platform.Reset(api.Fastboot); err != nil {
				return t, Reset, fmt.Errorf("reset into fastboot failed: %v", err)
			}

			return t, Reset, nil
		}

		if img != nil {
			out, err := l.bootBuffer(img)

			switch {
			case err == nil:
				return t, out, nil
			case errors.Is(err, verify.ErrAbort):
				return t, out, err
			}

			klog.Errorf("process bootimage failed: %v", err)
			continue
		}

		if t != api.UnknownTarget {
			klog.Infof("fastboot selected %s", t)
			return t, running, nil
		}
	}
}

// crashmode serves the diagnostic service until it selects a target.
func (l *Loader) crashmode(ctx context.Context) (t api.Target, err error) {
	if err = l.Diagnostic.Init(); err != nil {
		return api.UnknownTarget, fmt.Errorf("failed to initialize diagnostic service: %v", err)
	}

	defer l.Diagnostic.Exit()

	metricServices.WithLabelValues("diagnostic").Inc()

	klog.V(2).Infof("diagnostic service initialized")

	for {
		if t, err = l.Diagnostic.Run(ctx, l.Status(api.Crashmode)); err != nil {
			return api.UnknownTarget, err
		}

		if t != api.UnknownTarget {
			return
		}
	}
}
