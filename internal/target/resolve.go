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

package target

import (
	"k8s.io/klog/v2"

	"github.com/transparency-dev/armored-witness-loader/api"
)

// Policy decides how a boot control block request combines with the target
// selected by the command line.
type Policy func(cmdline api.Target, bcb api.Target) api.Target

// RecoveryOverride applies a boot control block request only when it selects
// Recovery, any other request is discarded in favour of the command line.
func RecoveryOverride(cmdline api.Target, bcb api.Target) api.Target {
	if bcb == api.Recovery {
		return bcb
	}

	return cmdline
}

// Resolver computes the initial boot target.
type Resolver struct {
	// BCB is the boot control block storage, it is not consulted when nil.
	BCB BCBStore
	// Policy merges the boot control block request, RecoveryOverride is
	// used when nil.
	Policy Policy
	// ForceFastboot ignores every other source and selects Fastboot.
	ForceFastboot bool
}

// Resolve returns the initial boot target and the decoded command line
// directives.
func (r *Resolver) Resolve(tokens []string) (api.Target, *Options) {
	t, opts := Parse(tokens)

	if r.ForceFastboot {
		klog.Infof("fastboot forced by configuration")
		return api.Fastboot, opts
	}

	if r.BCB == nil {
		return t, opts
	}

	policy := r.Policy

	if policy == nil {
		policy = RecoveryOverride
	}

	klog.V(2).Infof("before BCB check target is %s", t)
	bcb, _ := Check(r.BCB)
	t = policy(t, bcb)
	klog.V(2).Infof("BCB target is %s, resolved target is %s", bcb, t)

	return t, opts
}
