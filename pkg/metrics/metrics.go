/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package metrics registers the prometheus collectors shared by the engines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	// Namespace prefixes all metrics emitted by the control plane.
	Namespace = "dispatch"
)

var (
	TickCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "tick_count",
			Help:      "A counter of engine ticks, partitioned by engine and outcome.",
		},
		[]string{"engine", "outcome"},
	)
	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of engine ticks.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"engine"},
	)
	EngineActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "active",
			Help:      "Whether the engine is running.",
		},
		[]string{"engine"},
	)
	AssignmentCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "assignment",
			Name:      "decision_count",
			Help:      "A counter of assignment decisions, partitioned by outcome.",
		},
		[]string{"outcome"},
	)
	AssignmentDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: "assignment",
			Name:      "decision_duration_seconds",
			Help:      "Duration of single-order assignment decisions.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		},
	)
	DistanceSavedKm = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "optimizer",
			Name:      "distance_saved_km_total",
			Help:      "Cumulative route distance saved by sequencing improvements.",
		},
	)
	RoutesPlanned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "optimizer",
			Name:      "routes_planned_total",
			Help:      "A counter of routes emitted by planning runs.",
		},
	)
	BreakerOpen = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "store",
			Name:      "breaker_open",
			Help:      "Whether the store circuit breaker is open.",
		},
	)
	EscalationCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "escalation",
			Name:      "detection_count",
			Help:      "A counter of escalations detected, partitioned by type.",
		},
		[]string{"type"},
	)
)

// MustRegister installs all collectors on the supplied registry.
func MustRegister(registry prometheus.Registerer) {
	registry.MustRegister(
		TickCount,
		TickDuration,
		EngineActive,
		AssignmentCount,
		AssignmentDuration,
		DistanceSavedKm,
		RoutesPlanned,
		BreakerOpen,
		EscalationCount,
	)
}
