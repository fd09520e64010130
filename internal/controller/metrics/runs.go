package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofix_scheduler_queue_depth",
			Help: "Runs waiting for admission",
		},
	)

	activeRuns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "autofix_scheduler_active_runs",
			Help: "Runs holding a concurrency slot",
		},
	)

	admissionsDeferred = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autofix_scheduler_admissions_deferred_total",
			Help: "Admission attempts deferred because the concurrency limit was reached",
		},
	)

	runsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autofix_store_runs_evicted_total",
			Help: "Terminal runs moved out of memory by retention",
		},
	)

	evictionsSkipped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autofix_store_evictions_skipped_total",
			Help: "Evictions postponed because the run summary could not be persisted",
		},
	)

	transitionErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofix_state_transition_errors_total",
			Help: "Illegal run state transitions attempted, by source and target state",
		},
		[]string{"from", "to"},
	)

	observerPanics = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofix_observer_panics_total",
			Help: "Panics recovered while delivering observer events",
		},
		[]string{"observer"},
	)

	catalogReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autofix_catalog_reloads_total",
			Help: "Pipeline catalog reloads by result",
		},
		[]string{"result"},
	)
)

// SetQueueDepth records the number of queued runs.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// SetActiveRuns records the number of runs holding a slot.
func SetActiveRuns(n int) {
	activeRuns.Set(float64(n))
}

// RecordAdmissionDeferred counts an admission that hit the concurrency limit.
func RecordAdmissionDeferred() {
	admissionsDeferred.Inc()
}

// RecordEvictions counts runs evicted from memory.
func RecordEvictions(n int) {
	runsEvicted.Add(float64(n))
}

// RecordEvictionSkipped counts a run kept in memory because its summary
// could not be persisted.
func RecordEvictionSkipped() {
	evictionsSkipped.Inc()
}

// RecordTransitionError counts an illegal state transition.
func RecordTransitionError(from, to string) {
	transitionErrors.WithLabelValues(from, to).Inc()
}

// RecordObserverPanic counts a recovered observer panic.
func RecordObserverPanic(observer string) {
	observerPanics.WithLabelValues(observer).Inc()
}

// RecordCatalogReload counts a catalog reload. result is "success" or "error".
func RecordCatalogReload(result string) {
	catalogReloads.WithLabelValues(result).Inc()
}
