// Copyright 2023 The Cockroach Authors
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
//
// SPDX-License-Identifier: Apache-2.0

// Package metrics exports the applier's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LatencyBuckets covers sub-millisecond to multi-minute operations,
// the same spread a replication round trip can fall anywhere within.
var LatencyBuckets = []float64{
	.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300,
}

var (
	// ApplyDurations tracks how long a single marker's Apply call takes.
	ApplyDurations = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "applier_apply_duration_seconds",
		Help:    "the length of time it took to apply a single marker",
		Buckets: LatencyBuckets,
	}, []string{"type"})

	// ApplyErrors counts failed Apply calls by marker type.
	ApplyErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "applier_apply_errors_total",
		Help: "the number of markers that failed to apply",
	}, []string{"type"})

	// MarkersSkipped counts markers dropped by the skip/filter decision
	// or skipped under the ignoreErrors budget after a failed apply.
	MarkersSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "applier_markers_skipped_total",
		Help: "the number of markers dropped by the skip/filter decision or skipped after a failed apply",
	})

	// FollowLogDurations tracks the round-trip time of a single
	// follow-log request against the master.
	FollowLogDurations = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "applier_follow_log_duration_seconds",
		Help:    "the length of time a single follow-log request took",
		Buckets: LatencyBuckets,
	})

	// ConnectFailures counts transient connection failures to the
	// master.
	ConnectFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "applier_connect_failures_total",
		Help: "the number of transient failures connecting to the master",
	})

	// LastAppliedTick exposes the applier's current watermark for
	// dashboards and alerting on replication lag.
	LastAppliedTick = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "applier_last_applied_tick",
		Help: "the highest tick durably applied to the target",
	})
)
