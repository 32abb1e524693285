// Package gcstats holds the per-epoch statistics record the GC core
// produces — phase timestamps and object/byte counters — so callers
// that want reporting (structured logging, Prometheus) have a single
// data source without the core itself depending on either.
package gcstats

import (
	"sync"
	"time"
)

// Phase names a point in the collection sequence a Handle's timestamps
// record.
type Phase string

const (
	PhaseScheduled Phase = "scheduled"
	PhaseRootScan  Phase = "root_scan"
	PhaseMark      Phase = "mark"
	PhaseSweep     Phase = "sweep"
	PhaseFinalize  Phase = "finalize"
	PhaseFinished  Phase = "finished"
)

// Handle is one epoch's mutable statistics record. Mirrors the
// original's GCHandle: a single struct the orchestrator writes to as a
// collection proceeds and that onGCFinish and the metrics package both
// read once it's done.
type Handle struct {
	mu sync.Mutex

	Epoch      int64
	timestamps map[Phase]time.Time

	ObjectsSwept     int64
	ObjectsSurvived  int64
	BytesSwept       int64
	FinalizersQueued int64
	FinalizersRun    int64
	FinalizerErrors  int64
}

// NewHandle returns a Handle for the given epoch.
func NewHandle(epoch int64) *Handle {
	return &Handle{
		Epoch:      epoch,
		timestamps: make(map[Phase]time.Time, len(allPhases)),
	}
}

var allPhases = []Phase{
	PhaseScheduled, PhaseRootScan, PhaseMark, PhaseSweep, PhaseFinalize, PhaseFinished,
}

// MarkPhase timestamps the entry into the given phase. Safe to call
// from the goroutine driving PerformFullGC only; readers (metrics,
// logging) should wait until PhaseFinished has been recorded.
func (h *Handle) MarkPhase(p Phase) {
	h.mu.Lock()
	h.timestamps[p] = time.Now()
	h.mu.Unlock()
}

// PhaseTime returns when p was recorded, or the zero time if it hasn't
// happened yet.
func (h *Handle) PhaseTime(p Phase) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timestamps[p]
}

// Duration returns the wall-clock time between two recorded phases. If
// either hasn't been recorded, Duration returns 0.
func (h *Handle) Duration(from, to Phase) time.Duration {
	h.mu.Lock()
	defer h.mu.Unlock()
	start, sok := h.timestamps[from]
	end, eok := h.timestamps[to]
	if !sok || !eok {
		return 0
	}
	return end.Sub(start)
}

// AddSweepResult records one sweep pass's counters.
func (h *Handle) AddSweepResult(swept, survived, bytes int64) {
	h.mu.Lock()
	h.ObjectsSwept += swept
	h.ObjectsSurvived += survived
	h.BytesSwept += bytes
	h.mu.Unlock()
}

// SetFinalizerCount records how many finalizers were queued for this
// epoch's sweep, independent of whether they have run yet — the "record
// finalizer count on the GC handle" step of PerformFullGC.
func (h *Handle) SetFinalizerCount(n int64) {
	h.mu.Lock()
	h.FinalizersQueued = n
	h.mu.Unlock()
}

// AddFinalizerResult records the outcome of running one finalizer.
func (h *Handle) AddFinalizerResult(ok bool) {
	h.mu.Lock()
	if ok {
		h.FinalizersRun++
	} else {
		h.FinalizerErrors++
	}
	h.mu.Unlock()
}
