// Package metrics exposes ambient Prometheus counters, histograms, and
// gauges for the job orchestration core. These are observability, not a
// feature any Non-goal excludes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksTotal counts completed tasks by step and terminal state.
	TasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordroute",
		Name:      "tasks_total",
		Help:      "Total tasks processed, labeled by step and terminal state.",
	}, []string{"step", "state"})

	// StepDuration records wall-clock duration of each step invocation.
	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recordroute",
		Name:      "step_duration_seconds",
		Help:      "Duration of a scheduler step invocation, labeled by step.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"step"})

	// VectorIndexSize reports the current entry count in the Vector Index.
	VectorIndexSize = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recordroute",
		Name:      "vector_index_entries",
		Help:      "Current number of entries in the vector index.",
	})

	// ProgressBusDropped counts progress events dropped because a
	// subscriber's buffer was full.
	ProgressBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recordroute",
		Name:      "progress_bus_dropped_events_total",
		Help:      "Progress events dropped because a subscriber buffer was full.",
	})

	// RetriesTotal counts collaborator retries, labeled by step.
	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recordroute",
		Name:      "collaborator_retries_total",
		Help:      "Retries issued to an engine collaborator, labeled by step.",
	}, []string{"step"})
)
