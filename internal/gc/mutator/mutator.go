// Package mutator models a single application thread's GC-visible
// state: the cooperative-marking flags, its thread-local allocation
// buffer, and the safepoint it checks on every potential yield point.
package mutator

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
	"github.com/kestrel-rt/kestrel/internal/gc/registry"
)

// State holds the three atomic flags spec.md's PerMutatorGCState
// describes: whether this mutator currently holds the root-set scan
// lock, whether it is cooperatively marking, and whether its local
// buffer has been published for the in-progress epoch. All three use
// release-store / acquire-load pairs, never relaxed accesses — this
// implementation resolves the spec's flagged ordering ambiguity in
// favor of the stricter option throughout.
type State struct {
	rootSetLocked atomic.Bool
	cooperative   atomic.Bool
	published     atomic.Bool
}

// Scheduler is what a Mutator needs to request and wait out a
// collection when allocation fails; gc.Orchestrator implements it.
// Unlike scheduler.GCScheduler's method of the same name, it takes no
// context.
type Scheduler interface {
	ScheduleAndWaitFinished() error
}

// MarkHelper lets a mutator that reaches its own safepoint while an
// epoch's mark traversal is already underway contribute its roots
// directly and help drain the shared queue, instead of parking and
// waiting for the GC thread to scan it after full suspension —
// spec.md §4.B's "Cooperative form", which shortens the STW window
// whenever it triggers.
type MarkHelper interface {
	// MarkActive reports whether the current epoch's mark traversal has
	// begun (or is far enough along that pushing more roots is safe).
	MarkActive() bool
	// ContributeRoots pushes roots directly into the shared mark queue.
	ContributeRoots(roots []heap.Reference)
	// CooperativeDrain helps process the shared queue from the calling
	// goroutine until it empties or ctx is done.
	CooperativeDrain(ctx context.Context)
}

// Mutator is one application thread's GC-visible state.
type Mutator struct {
	id       uint64
	state    State
	buf      *heap.LocalBuffer
	registry *registry.Registry
	sched    Scheduler
	helper   MarkHelper

	rootsMu sync.Mutex
	roots   []heap.Reference
}

// New returns a Mutator registered with reg, allocating through buf and
// able to drive sched when it hits OOM.
func New(reg *registry.Registry, factory *heap.Factory, sched Scheduler) *Mutator {
	m := &Mutator{
		buf:      heap.NewLocalBuffer(factory),
		registry: reg,
		sched:    sched,
	}
	m.id = reg.Register(m)
	return m
}

// ID returns the registry handle for this mutator.
func (m *Mutator) ID() uint64 { return m.id }

// SetMarkHelper wires m to cooperate with h's mark traversal at its
// safepoint. A nil helper (the default) disables cooperative marking
// for this mutator entirely, and SafePoint behaves exactly as it did
// before cooperation existed.
func (m *Mutator) SetMarkHelper(h MarkHelper) {
	m.helper = h
}

// CooperationEnabled reports whether a MarkHelper has been wired, i.e.
// whether this mutator will attempt cooperative marking at its next
// safepoint.
func (m *Mutator) CooperationEnabled() bool {
	return m.helper != nil
}

// Unregister removes this mutator from the registry it was created
// with. Call only when the mutator thread is exiting.
func (m *Mutator) Unregister() {
	m.registry.Unregister(m.id)
}

// SafePoint is the single check a mutator thread performs at every
// potential yield point. The fast path is the registry's lock-free
// flag load; the slow path optionally cooperates in an in-progress mark
// traversal, then calls OnSuspendForGC exactly once and parks on the
// registry until resumed, matching spec.md §5's ordering guarantee that
// a thread leaves the "may touch the heap" state before any blocking
// call.
func (m *Mutator) SafePoint() {
	if !m.registry.ShouldSuspend() {
		return
	}
	if m.helper != nil && m.helper.MarkActive() {
		m.cooperate()
	}
	m.OnSuspendForGC()
	m.registry.Park()
}

// cooperate scans this mutator's own roots and helps drain the shared
// mark queue before parking. It only does anything if this mutator's
// root set isn't already locked by another scanner — tryLockRootSet is
// shared with the GC thread's own root-scan step (collectRoots), so at
// most one of them ever scans a given mutator's roots in a given epoch.
//
// The lock is deliberately left held once acquired here: releasing it
// immediately would let collectRoots scan the same roots a second time
// later in the same epoch, which harmlessly re-marks already-marked
// objects but breaks the "exactly one tryLockRootSet=true per mutator
// per epoch" invariant. ClearMarkFlags releases it at the start of the
// next epoch instead.
func (m *Mutator) cooperate() {
	if !m.TryLockRootSet() {
		return
	}
	m.BeginCooperation()
	m.helper.ContributeRoots(m.Roots())
	m.helper.CooperativeDrain(context.Background())
	m.EndCooperation()
}

// OnSuspendForGC flushes this mutator's local allocation buffer so
// objects it created are visible to the sweep that's about to run,
// and clears the published flag for the next epoch to set again.
func (m *Mutator) OnSuspendForGC() {
	m.buf.Flush()
	m.state.published.Store(false)
}

// PublishObjectFactory flushes the local buffer outside of a
// suspension, making newly-allocated objects visible in the factory
// without waiting for STW, and sets the published flag.
func (m *Mutator) PublishObjectFactory() {
	m.buf.Flush()
	m.state.published.Store(true)
}

// Published reports whether this mutator has published its buffer for
// the in-progress epoch.
func (m *Mutator) Published() bool {
	return m.state.published.Load()
}

// TryLockRootSet attempts to acquire the exclusive right to scan this
// mutator's roots, returning false if another scanner already holds it
// — enforcing invariant 2, at most one root-set scanner per mutator at
// a time.
func (m *Mutator) TryLockRootSet() bool {
	return m.state.rootSetLocked.CompareAndSwap(false, true)
}

// UnlockRootSet releases the root-set scan lock.
func (m *Mutator) UnlockRootSet() {
	m.state.rootSetLocked.Store(false)
}

// BeginCooperation marks this mutator as actively helping drain the
// mark queue.
func (m *Mutator) BeginCooperation() {
	m.state.cooperative.Store(true)
}

// EndCooperation clears the cooperative-marking flag.
func (m *Mutator) EndCooperation() {
	m.state.cooperative.Store(false)
}

// Cooperative reports whether this mutator is currently marking
// cooperatively.
func (m *Mutator) Cooperative() bool {
	return m.state.cooperative.Load()
}

// ClearMarkFlags resets this mutator's GC-visible flags at the start of
// a new epoch, including releasing a root-set lock a cooperative scan
// deliberately left held through the end of the previous one.
func (m *Mutator) ClearMarkFlags() {
	m.state.rootSetLocked.Store(false)
	m.state.cooperative.Store(false)
	m.state.published.Store(false)
}

// Allocate allocates an object through this mutator's local buffer.
func (m *Mutator) Allocate(refs []heap.Reference) *heap.Object {
	return m.buf.Allocate(refs)
}

// AllocateArray allocates an array through this mutator's local buffer.
func (m *Mutator) AllocateArray(elems []heap.Reference) *heap.Array {
	return m.buf.AllocateArray(elems)
}

// OnOOM is the only path by which a mutator synchronously forces and
// waits out a collection: the allocator, not the GC, is responsible for
// deciding an allocation still can't be satisfied after this returns.
func (m *Mutator) OnOOM() error {
	return m.sched.ScheduleAndWaitFinished()
}

// SetRoots replaces the set of references root scanning should treat
// as this mutator's stack/register roots. A real embedding would
// derive this from the actual call stack at the safepoint; the
// reference implementation leaves it to the caller to maintain.
func (m *Mutator) SetRoots(roots []heap.Reference) {
	m.rootsMu.Lock()
	m.roots = roots
	m.rootsMu.Unlock()
}

// Roots returns this mutator's current root set, read by the
// orchestrator's root-scan step while holding this mutator's root-set
// lock.
func (m *Mutator) Roots() []heap.Reference {
	m.rootsMu.Lock()
	defer m.rootsMu.Unlock()
	return append([]heap.Reference(nil), m.roots...)
}
