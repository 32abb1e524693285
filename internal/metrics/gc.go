package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GCMetrics holds metrics describing the behavior of the tracing
// collector itself: how long each phase takes, how much of the heap
// each sweep reclaims, and how far behind the finalizer processor is
// running.
type GCMetrics struct {
	// EpochsStarted counts collections that have entered the Started state.
	EpochsStarted prometheus.Counter

	// EpochDurationSeconds observes wall-clock time from the start of a
	// collection (before threads are suspended) to finish(e) for each
	// epoch.
	EpochDurationSeconds prometheus.Histogram

	// STWPauseSeconds observes the time mutators spend suspended,
	// from RequestThreadsSuspension to ResumeThreads.
	STWPauseSeconds prometheus.Histogram

	// ObjectsSwept counts objects freed by the sweep driver.
	ObjectsSwept prometheus.Counter

	// ObjectsSurvived counts objects whose mark survived into the next
	// epoch as live (tri-color: reset to white but retained).
	ObjectsSurvived prometheus.Counter

	// AllocatedBytes records the allocator's reported live-bytes figure
	// at onGCFinish, per epoch.
	AllocatedBytes prometheus.Gauge

	// FinalizerQueueDepth records how many finalizers the most recent
	// sweep queued; it is not decremented as they run.
	FinalizerQueueDepth prometheus.Gauge

	// FinalizerFailures counts recovered panics from finalizer callbacks.
	FinalizerFailures prometheus.Counter
}

// NewGCMetrics creates and registers GC metrics with the default registry.
func NewGCMetrics() *GCMetrics {
	return newGCMetrics(prometheus.DefaultRegisterer)
}

// NewGCMetricsWithRegistry creates GC metrics registered with a custom
// registry. Useful in tests to avoid conflicts with the default registry.
func NewGCMetricsWithRegistry(reg prometheus.Registerer) *GCMetrics {
	return newGCMetrics(reg)
}

func newGCMetrics(reg prometheus.Registerer) *GCMetrics {
	factory := promauto.With(reg)

	return &GCMetrics{
		EpochsStarted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "epochs_started_total",
			Help:      "Number of GC epochs that have entered the Started state.",
		}),
		EpochDurationSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "epoch_duration_seconds",
			Help:      "Wall-clock duration of a full collection, from its start (before thread suspension) to finish(e).",
			Buckets:   prometheus.DefBuckets,
		}),
		STWPauseSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "stw_pause_seconds",
			Help:      "Time mutators spend suspended during a collection's STW window(s).",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 2, 16),
		}),
		ObjectsSwept: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "objects_swept_total",
			Help:      "Number of unmarked objects reclaimed by the sweep driver.",
		}),
		ObjectsSurvived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "objects_survived_total",
			Help:      "Number of marked objects that survived a sweep pass.",
		}),
		AllocatedBytes: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "allocated_bytes",
			Help:      "Live bytes reported by the allocator at the most recent onGCFinish.",
		}),
		FinalizerQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "finalizer_queue_depth",
			Help:      "Number of finalizers queued by the most recent sweep.",
		}),
		FinalizerFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "kestrel",
			Subsystem: "gc",
			Name:      "finalizer_failures_total",
			Help:      "Number of finalizer callbacks that panicked and were recovered.",
		}),
	}
}

// RecordEpochStarted increments the epochs-started counter.
func (m *GCMetrics) RecordEpochStarted() {
	m.EpochsStarted.Inc()
}

// RecordEpochDuration observes the duration of a completed epoch.
func (m *GCMetrics) RecordEpochDuration(seconds float64) {
	m.EpochDurationSeconds.Observe(seconds)
}

// RecordSTWPause observes a single STW pause window.
func (m *GCMetrics) RecordSTWPause(seconds float64) {
	m.STWPauseSeconds.Observe(seconds)
}

// RecordSweep adds the counts from one sweep pass.
func (m *GCMetrics) RecordSweep(swept, survived int64) {
	if swept > 0 {
		m.ObjectsSwept.Add(float64(swept))
	}
	if survived > 0 {
		m.ObjectsSurvived.Add(float64(survived))
	}
}

// RecordAllocatedBytes sets the current allocated-bytes gauge.
func (m *GCMetrics) RecordAllocatedBytes(bytes int64) {
	m.AllocatedBytes.Set(float64(bytes))
}

// RecordFinalizerQueueDepth sets the current finalizer backlog gauge.
func (m *GCMetrics) RecordFinalizerQueueDepth(depth int) {
	m.FinalizerQueueDepth.Set(float64(depth))
}

// RecordFinalizerFailure increments the finalizer-failure counter.
func (m *GCMetrics) RecordFinalizerFailure() {
	m.FinalizerFailures.Inc()
}
