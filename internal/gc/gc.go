// Package gc is the GC orchestrator: it wires the epoch state machine,
// mark dispatcher, sweep driver, and finalizer processor together and
// drives a collection through the sequence PerformFullGC implements,
// exposing the external API every other component (allocator,
// scheduler, mutators) calls into.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kestrel-rt/kestrel/internal/config"
	"github.com/kestrel-rt/kestrel/internal/gc/epoch"
	"github.com/kestrel-rt/kestrel/internal/gc/finalizer"
	"github.com/kestrel-rt/kestrel/internal/gc/gcstats"
	"github.com/kestrel-rt/kestrel/internal/gc/heap"
	"github.com/kestrel-rt/kestrel/internal/gc/mark"
	"github.com/kestrel-rt/kestrel/internal/gc/mutator"
	"github.com/kestrel-rt/kestrel/internal/gc/registry"
	"github.com/kestrel-rt/kestrel/internal/gc/scheduler"
	"github.com/kestrel-rt/kestrel/internal/gc/sweep"
	"github.com/kestrel-rt/kestrel/internal/gc/typeinfo"
	"github.com/kestrel-rt/kestrel/internal/gc/weakref"
	"github.com/kestrel-rt/kestrel/internal/logging"
	"github.com/kestrel-rt/kestrel/internal/metrics"
)

// InvariantViolation is returned/panicked for conditions the state
// machine guarantees cannot happen in correct usage.
type InvariantViolation struct{ msg string }

func (e *InvariantViolation) Error() string { return e.msg }

func violation(format string, args ...any) *InvariantViolation {
	return &InvariantViolation{msg: fmt.Sprintf(format, args...)}
}

// rootProvider is satisfied by mutator.Mutator: every registered thread
// the root-scan step visits must expose both the suspend hook and its
// current roots.
type rootProvider interface {
	registry.Suspendable
	Roots() []heap.Reference
}

// Orchestrator is the package façade: the single point every
// collaborator (allocator, mutators, scheduler) interacts with.
type Orchestrator struct {
	mu sync.Mutex

	cfg config.Config

	sm         *epoch.StateMachine
	reg        *registry.Registry
	factory    *heap.Factory
	dispatcher *mark.Dispatcher
	sweeper    *sweep.Driver
	finalizers *finalizer.Processor
	weakTable  *weakref.Table
	barrier    *weakref.Barrier
	sched      scheduler.GCScheduler

	logger     *logging.Logger
	gcMetrics  *metrics.GCMetrics

	handles map[epoch.Epoch]*gcstats.Handle

	// markActive reports whether the mark dispatcher has begun (or is
	// about to begin) the current epoch's traversal, gating cooperative
	// marking: a mutator.Mutator only attempts to contribute its roots
	// and drain the queue when this is true.
	markActive atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// Option configures an Orchestrator at construction time.
type Option func(*Orchestrator)

// WithLogger overrides the default logger.
func WithLogger(l *logging.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics attaches Prometheus metrics.
func WithMetrics(m *metrics.GCMetrics) Option {
	return func(o *Orchestrator) { o.gcMetrics = m }
}

// WithScheduler overrides the default byte-threshold scheduler.
func WithScheduler(s scheduler.GCScheduler) Option {
	return func(o *Orchestrator) { o.sched = s }
}

// New returns an Orchestrator wired from cfg, with a fresh reference
// heap.Factory and the sweep driver selected by the customalloc build
// tag (sweep.New's signature differs between modes; the call site here
// stays the same either way since both accept the same first argument
// shape for the reference allocator used by this package).
func New(cfg config.Config, opts ...Option) *Orchestrator {
	factory := heap.NewFactory()

	o := &Orchestrator{
		cfg:       cfg,
		sm:        epoch.New(),
		reg:       registry.New(),
		factory:   factory,
		sweeper:   sweep.New(factory),
		weakTable: weakref.NewTable(),
		barrier:   weakref.NewBarrier(),
		logger:    logging.DefaultLogger(),
		handles:   make(map[epoch.Epoch]*gcstats.Handle),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	o.finalizers = finalizer.New(cfg.Finalizer.TaskQueueCapacity, o)

	o.dispatcher = mark.New(mark.Config{
		AuxWorkers:     int(cfg.GC.AuxGCThreads),
		SingleThreaded: cfg.GC.GCMarkSingleThreaded,
		BatchSize:      cfg.GC.MarkBatchSize,
	}, typeinfo.ScanObject)

	for _, opt := range opts {
		opt(o)
	}
	if o.sched == nil {
		o.sched = scheduler.NewByteThreshold(o, 1<<20)
	}

	return o
}

// Start launches the background goroutine that waits for scheduled
// epochs and drives PerformFullGC for each — the one goroutine that
// must never be registered with the thread registry, since it cannot
// be subject to its own STW request.
func (o *Orchestrator) Start(ctx context.Context) {
	go o.driverLoop(ctx)
}

func (o *Orchestrator) driverLoop(ctx context.Context) {
	defer close(o.doneCh)
	for {
		e, ok := o.sm.WaitScheduled()
		if !ok {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		default:
		}
		o.performFullGC(ctx, e)
	}
}

// Close shuts down the epoch state machine, the thread registry, and
// the finalizer goroutine, then waits for the driver loop to exit.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() {
		o.sm.Shutdown()
		o.reg.Shutdown()
		close(o.stopCh)
	})
	<-o.doneCh
	o.finalizers.StopFinalizerThread()
}

// Schedule requests a collection, coalescing with any already-pending
// request, and returns the epoch it will run as.
func (o *Orchestrator) Schedule() (epoch.Epoch, error) {
	return o.sm.Schedule()
}

// WaitFinished blocks until e has completed mark and sweep.
func (o *Orchestrator) WaitFinished(e epoch.Epoch) {
	o.sm.WaitEpochFinished(e)
}

// WaitFinalizers blocks until every finalizer from e's sweep has run.
func (o *Orchestrator) WaitFinalizers(e epoch.Epoch) {
	o.sm.WaitEpochFinalized(e)
}

// ScheduleAndWait implements scheduler.Trigger: it schedules a
// collection and blocks until it has fully finished, for the default
// ByteThreshold scheduler and for mutator.Mutator.OnOOM.
func (o *Orchestrator) ScheduleAndWait(ctx context.Context) error {
	e, err := o.Schedule()
	if err != nil {
		return err
	}
	o.WaitFinished(e)
	return nil
}

// ScheduleAndWaitFinished implements mutator.Scheduler for mutators
// created via NewMutator, using a background context since OnOOM has
// no caller-supplied deadline to propagate.
func (o *Orchestrator) ScheduleAndWaitFinished() error {
	return o.ScheduleAndWait(context.Background())
}

// AllocatedBytes implements scheduler's allocation-pressure hook using
// the reference Factory's object count as a stand-in for a real
// byte-accounted allocator.
func (o *Orchestrator) AllocatedBytes() int64 {
	return int64(o.factory.Count())
}

// ReportFinalizerFailure implements finalizer.FailureReporter.
func (o *Orchestrator) ReportFinalizerFailure(e int64, recovered any) {
	if o.gcMetrics != nil {
		o.gcMetrics.RecordFinalizerFailure()
	}
	o.logger.WithEpoch(e).Errorf("finalizer panicked", map[string]any{"recovered": fmt.Sprintf("%v", recovered)})
}

// NewMutator registers a new mutator thread with the orchestrator's
// registry and factory. If cooperative marking is enabled at the time
// of registration, the mutator is wired to the orchestrator as its
// MarkHelper. A later Reconfigure rewires every already-registered
// mutator to match the new setting.
func (o *Orchestrator) NewMutator() *mutator.Mutator {
	m := mutator.New(o.reg, o.factory, o)
	if o.cfg.GC.MutatorsCooperate {
		m.SetMarkHelper(o)
	}
	return m
}

// MarkActive implements mutator.MarkHelper: it reports whether the
// current epoch's mark dispatcher has begun accepting work, the signal
// a mutator's safepoint uses to decide whether contributing its own
// roots is worthwhile.
func (o *Orchestrator) MarkActive() bool {
	return o.markActive.Load()
}

// ContributeRoots implements mutator.MarkHelper by pushing roots
// directly into the shared mark queue, ahead of the GC thread's own
// root-scan step.
func (o *Orchestrator) ContributeRoots(roots []heap.Reference) {
	o.dispatcher.Queue().PushBatch(roots)
}

// CooperativeDrain implements mutator.MarkHelper by delegating to the
// mark dispatcher.
func (o *Orchestrator) CooperativeDrain(ctx context.Context) {
	o.dispatcher.CooperativeDrain(ctx)
}

// clearMarkFlags resets every registered mutator's per-epoch flags
// before a new collection requests suspension, releasing any root-set
// lock a cooperative scan left held through the end of the previous
// epoch (see mutator.Mutator.cooperate).
func (o *Orchestrator) clearMarkFlags() {
	it := o.reg.LockForIter()
	defer it.Unlock()
	for _, t := range it.Threads() {
		if m, ok := t.(*mutator.Mutator); ok {
			m.ClearMarkFlags()
		}
	}
}

// OnSafePoint forwards to m.SafePoint — the single check a mutator
// thread performs at every potential yield point.
func (o *Orchestrator) OnSafePoint(m *mutator.Mutator) {
	m.SafePoint()
}

// CreateObject allocates an object through m's thread-local buffer.
func (o *Orchestrator) CreateObject(m *mutator.Mutator, refs []heap.Reference) *heap.Object {
	return m.Allocate(refs)
}

// CreateArray allocates an array through m's thread-local buffer.
func (o *Orchestrator) CreateArray(m *mutator.Mutator, elems []heap.Reference) *heap.Array {
	return m.AllocateArray(elems)
}

// CreateExtraObjectData allocates extra data for obj.
func (o *Orchestrator) CreateExtraObjectData(obj *heap.Object) *heap.ExtraObjectData {
	obj.Extra = heap.NewExtraObjectData(obj)
	return obj.Extra
}

// IsMarked reports whether obj has been marked in the current epoch.
func (o *Orchestrator) IsMarked(obj *heap.Object) bool {
	return obj.IsMarked()
}

// TryRef resolves a weak handle, synchronizing with an in-progress
// concurrent weak sweep if one is underway.
func (o *Orchestrator) TryRef(h *weakref.Handle) (*heap.Object, bool) {
	return h.TryRef()
}

// StartFinalizerThreadIfNeeded starts the finalizer goroutine if it
// isn't already running.
func (o *Orchestrator) StartFinalizerThreadIfNeeded() {
	o.finalizers.StartFinalizerThreadIfNone()
}

// StopFinalizerThreadIfRunning stops the finalizer goroutine, waiting
// for it to drain.
func (o *Orchestrator) StopFinalizerThreadIfRunning() {
	o.finalizers.StopFinalizerThread()
}

// FinalizersThreadIsRunning reports whether the finalizer goroutine is
// currently active.
func (o *Orchestrator) FinalizersThreadIsRunning() bool {
	return o.finalizers.IsRunning()
}

// Reconfigure updates the mark dispatcher's parallelism for future
// epochs, matching the original's reset/reconfigure operation. Must
// not be called concurrently with a running collection.
func (o *Orchestrator) Reconfigure(maxParallelism uint, mutatorsCooperate bool, auxGCThreads uint) {
	if o.cfg.GC.GCMarkSingleThreaded {
		if auxGCThreads != 0 {
			panic(violation("gc: Reconfigure requested aux threads under GCMarkSingleThreaded"))
		}
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.cfg.GC.MaxParallelism = maxParallelism
	o.cfg.GC.MutatorsCooperate = mutatorsCooperate
	o.cfg.GC.AuxGCThreads = auxGCThreads
	o.dispatcher.Reconfigure(mark.Config{
		AuxWorkers: int(auxGCThreads),
		BatchSize:  o.cfg.GC.MarkBatchSize,
	})

	// Rewire already-registered mutators to match the new setting rather
	// than leaving cooperation frozen at whatever it was when each was
	// created: turning it off clears the helper so SafePoint stops
	// cooperating, turning it on wires this orchestrator as the helper.
	it := o.reg.LockForIter()
	for _, t := range it.Threads() {
		if m, ok := t.(*mutator.Mutator); ok {
			if mutatorsCooperate {
				m.SetMarkHelper(o)
			} else {
				m.SetMarkHelper(nil)
			}
		}
	}
	it.Unlock()
}

// performFullGC runs the sixteen-step collection sequence for e: STW
// root scanning, mark traversal, optional concurrent weak sweep, the
// sweep pass, and finalizer scheduling — in that order, serialized by
// o.mu and never re-entered for a second epoch until this one returns.
func (o *Orchestrator) performFullGC(ctx context.Context, e epoch.Epoch) {
	o.mu.Lock()

	log := o.logger.WithEpoch(int64(e))
	handle := gcstats.NewHandle(int64(e))
	o.handles[e] = handle
	handle.MarkPhase(gcstats.PhaseScheduled)

	// Step 0: clear last epoch's per-mutator mark flags, releasing any
	// root-set lock a cooperative scan deliberately held through the end
	// of that epoch, before any mutator can observe markActive for this
	// one.
	o.clearMarkFlags()

	// Step 1: request STW. Only the GC driver goroutine may call this,
	// and it must not already be suspended — a true concurrent request
	// here is a programmer error, not a runtime condition to recover
	// from.
	stwStart := time.Now()
	var stwPause time.Duration

	if !o.reg.RequestSuspension() {
		o.mu.Unlock()
		panic(violation("gc: RequestSuspension failed, a collection is already suspending threads"))
	}
	log.Debug("requested thread suspension")

	// A mutator's safepoint may now observe markActive and start
	// cooperating even before every other thread has suspended — its
	// own contribution races collectRoots for its own roots via
	// tryLockRootSet, so this is safe to flip ahead of WaitForSuspension.
	o.markActive.Store(true)

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := o.reg.WaitForSuspension(waitCtx); err != nil {
		log.Errorf("failed waiting for thread suspension", map[string]any{"error": err.Error()})
		o.markActive.Store(false)
		o.reg.Resume()
		o.mu.Unlock()
		return
	}
	handle.MarkPhase(gcstats.PhaseRootScan)
	log.Debug("all threads suspended")

	// Step 2: notify the scheduler and transition the epoch to Started.
	o.sched.OnGCStart()
	if o.gcMetrics != nil {
		o.gcMetrics.RecordEpochStarted()
	}
	o.sm.Start(e)

	// Step 3: root scan. Each registered mutator's roots seed the mark
	// queue; tryLockRootSet prevents a cooperating mutator from racing
	// the GC thread over the same mutator's roots.
	roots := o.collectRoots()

	// Step 4: mark traversal.
	handle.MarkPhase(gcstats.PhaseMark)
	o.dispatcher.Traverse(ctx, roots)
	o.markActive.Store(false)
	log.Debug("mark traversal complete")

	// Step 5 (optional): concurrent weak sweep. When enabled, threads
	// resume while weak handles are processed, then are re-suspended
	// to disable the barrier — kept blocking rather than lock-free per
	// spec.md's explicit non-goal for that optimization.
	if o.cfg.GC.ConcurrentWeakSweep {
		stwPause += time.Since(stwStart)
		o.barrier.Enable(int64(e))
		o.reg.Resume()
		o.weakTable.SweepUnmarked()
		resuspendStart := time.Now()
		if !o.reg.RequestSuspension() {
			panic(violation("gc: RequestSuspension failed re-suspending for weak barrier disable"))
		}
		if err := o.reg.WaitForSuspension(ctx); err != nil {
			log.Errorf("failed re-suspending for weak barrier disable", map[string]any{"error": err.Error()})
		}
		o.barrier.Disable()
		stwStart = resuspendStart
	} else {
		o.weakTable.SweepUnmarked()
	}

	// Step 6: resume mutators before sweep runs, not after — the
	// "Concurrent Sweep" half of PMCS means sweep classification overlaps
	// resumed mutator execution rather than running under STW. Nothing
	// past this point touches suspended-thread state.
	o.reg.Resume()
	stwPause += time.Since(stwStart)
	if o.gcMetrics != nil {
		o.gcMetrics.RecordSTWPause(stwPause.Seconds())
	}

	// Step 7: sweep. Mutator buffers were already flushed when each
	// thread parked in OnSuspendForGC, and the factory's iteration lock
	// excludes a concurrently-resumed mutator's next flush from racing
	// this classification pass, so sweep is safe to run after Resume.
	handle.MarkPhase(gcstats.PhaseSweep)
	result := o.sweeper.Sweep(int64(e))
	handle.AddSweepResult(result.Swept, result.Survived, result.BytesFreed)
	if o.gcMetrics != nil {
		o.gcMetrics.RecordSweep(result.Swept, result.Survived)
		o.gcMetrics.RecordAllocatedBytes(o.AllocatedBytes())
	}

	o.sched.OnGCFinish(int64(e), o.AllocatedBytes())
	o.sm.Finish(e)
	handle.MarkPhase(gcstats.PhaseFinalize)
	if o.gcMetrics != nil {
		o.gcMetrics.RecordEpochDuration(handle.Duration(gcstats.PhaseScheduled, gcstats.PhaseFinalize).Seconds())
	}

	tasks := make([]finalizer.Task, 0, len(result.Finalizers)+1)
	for _, f := range result.Finalizers {
		tasks = append(tasks, finalizer.Task{Epoch: int64(e), Finalizer: f})
	}
	// Step 15: record finalizer count on the GC handle.
	handle.SetFinalizerCount(int64(len(tasks)))
	if o.gcMetrics != nil {
		o.gcMetrics.RecordFinalizerQueueDepth(len(tasks))
	}
	tasks = append(tasks, finalizer.Task{Epoch: int64(e), Finalizer: func() {
		o.sm.Finalized(e)
		handle.MarkPhase(gcstats.PhaseFinished)
	}})

	// Unlock before touching the finalizer processor: scheduling tasks
	// must never happen while o.mu is held, or a finalizer that itself
	// triggers a collection would deadlock against this epoch's lock.
	o.mu.Unlock()

	o.finalizers.StartFinalizerThreadIfNone()
	o.finalizers.ScheduleTasks(tasks)
}

// collectRoots visits every registered mutator and gathers its current
// roots, taking each mutator's root-set lock for the duration so a
// cooperating mutator can't scan the same roots concurrently.
func (o *Orchestrator) collectRoots() []heap.Reference {
	it := o.reg.LockForIter()
	defer it.Unlock()

	var roots []heap.Reference
	for _, t := range it.Threads() {
		rp, ok := t.(rootProvider)
		if !ok {
			continue
		}
		if m, ok := t.(*mutator.Mutator); ok {
			if !m.TryLockRootSet() {
				continue
			}
			roots = append(roots, rp.Roots()...)
			m.UnlockRootSet()
			continue
		}
		roots = append(roots, rp.Roots()...)
	}
	return roots
}
