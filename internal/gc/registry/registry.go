// Package registry tracks registered mutator threads and implements the
// stop-the-world suspend/resume protocol root scanning depends on.
package registry

import (
	"context"
	"sync"
	"sync/atomic"
)

// Suspendable is the minimal interface a registered thread must satisfy
// so the registry can ask it to stop at its next safepoint.
type Suspendable interface {
	// OnSuspendForGC is invoked exactly once, from the thread's own
	// safepoint, before it parks. Implementations use this to flush
	// thread-local state (e.g. a heap.LocalBuffer) before going quiet.
	OnSuspendForGC()
}

// Iterator gives a holder of the registry's iteration lock a consistent
// view of every registered thread, used by root scanning.
type Iterator interface {
	// Threads returns the currently registered threads.
	Threads() []Suspendable
	// Unlock releases the iteration lock. Must be called exactly once.
	Unlock()
}

// Registry tracks every registered mutator thread and coordinates
// suspending them all for root scanning. The goroutine driving
// PerformFullGC is never registered here — see spec.md's invariant that
// the GC thread cannot be subject to its own STW request.
type Registry struct {
	mu        sync.RWMutex
	threads   map[uint64]Suspendable
	nextID    uint64

	suspend   atomic.Bool // fast-path flag safePoint() polls
	suspendMu sync.Mutex
	suspendCond *sync.Cond
	parked    int
	shutdown  atomic.Bool
}

// New returns an empty Registry.
func New() *Registry {
	r := &Registry{threads: make(map[uint64]Suspendable)}
	r.suspendCond = sync.NewCond(&r.suspendMu)
	return r
}

// Register adds t to the set of threads suspend/resume applies to and
// returns a handle used to unregister it.
func (r *Registry) Register(t Suspendable) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.threads[id] = t
	return id
}

// Unregister removes a thread from the registry. A thread that is
// unregistered while suspended must first have called Resume via
// safePoint's slow path; Unregister does not implicitly release it.
func (r *Registry) Unregister(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.threads, id)
}

// RequestSuspension raises the shared suspend flag that every
// registered thread's safePoint polls. Returns false if a suspension
// is already in progress, matching the invariant that at most one
// requester may hold the world stopped at a time, or if the registry
// has been shut down — Close's caller is the only one who may still
// observe a running collection through Orchestrator.WaitFinished, and
// starting a new one after Shutdown would suspend threads with nothing
// left to resume them if the driver loop has already exited.
func (r *Registry) RequestSuspension() bool {
	if r.shutdown.Load() {
		return false
	}
	return r.suspend.CompareAndSwap(false, true)
}

// WaitForSuspension blocks until every registered thread has parked, or
// ctx is done.
func (r *Registry) WaitForSuspension(ctx context.Context) error {
	r.mu.RLock()
	want := len(r.threads)
	r.mu.RUnlock()

	stop := context.AfterFunc(ctx, func() {
		r.suspendMu.Lock()
		r.suspendCond.Broadcast()
		r.suspendMu.Unlock()
	})
	defer stop()

	r.suspendMu.Lock()
	defer r.suspendMu.Unlock()
	for r.parked < want {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.suspendCond.Wait()
	}
	return nil
}

// Resume lowers the suspend flag and wakes every thread parked at a
// safepoint.
func (r *Registry) Resume() {
	r.suspend.Store(false)
	r.suspendMu.Lock()
	r.parked = 0
	r.suspendCond.Broadcast()
	r.suspendMu.Unlock()
}

// ShouldSuspend is the fast path a mutator's safePoint polls: a single
// atomic load, no lock, matching spec.md §5's ordering guarantee.
func (r *Registry) ShouldSuspend() bool {
	return r.suspend.Load()
}

// Park is called by a thread's safePoint slow path once ShouldSuspend
// observes true and OnSuspendForGC has run. It blocks until Resume, or
// returns immediately once Shutdown fires — a thread parked mid-collection
// must not stay blocked forever if the orchestrator driving that
// collection is gone and will never call Resume.
func (r *Registry) Park() {
	r.suspendMu.Lock()
	r.parked++
	r.suspendCond.Broadcast()
	for r.suspend.Load() && !r.shutdown.Load() {
		r.suspendCond.Wait()
	}
	r.suspendMu.Unlock()
}

// LockForIter takes the registry's read lock and returns an Iterator
// giving root scanning a stable view of registered threads for the
// duration of the STW window.
func (r *Registry) LockForIter() Iterator {
	r.mu.RLock()
	return &iterator{r: r}
}

type iterator struct {
	r *Registry
}

func (it *iterator) Threads() []Suspendable {
	out := make([]Suspendable, 0, len(it.r.threads))
	for _, t := range it.r.threads {
		out = append(out, t)
	}
	return out
}

func (it *iterator) Unlock() {
	it.r.mu.RUnlock()
}

// Count returns the number of currently registered threads.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.threads)
}

// Shutdown marks the registry as shutting down: RequestSuspension
// refuses any further collection, and any thread currently parked in
// Park (or a future one that reaches it) returns immediately rather
// than waiting for a Resume that will never come once Orchestrator.Close
// has torn down the driver loop.
func (r *Registry) Shutdown() {
	r.shutdown.Store(true)
	r.suspendMu.Lock()
	r.suspendCond.Broadcast()
	r.suspendMu.Unlock()
}
