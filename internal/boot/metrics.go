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
	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Subsystem: "boot",
		Name:      "attempts_total",
		Help:      "Boot attempts by target.",
	}, []string{"target"})

	metricFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Subsystem: "boot",
		Name:      "failures_total",
		Help:      "Failed boot attempts by target.",
	}, []string{"target"})

	metricVerified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Subsystem: "boot",
		Name:      "verified_total",
		Help:      "Verified boot images by boot state.",
	}, []string{"state"})

	metricServices = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "loader",
		Subsystem: "boot",
		Name:      "service_sessions_total",
		Help:      "Service mode sessions by service.",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(metricAttempts)

	prometheus.MustRegister(metricFailures)

	prometheus.MustRegister(metricVerified)

	prometheus.MustRegister(metricServices)
}
