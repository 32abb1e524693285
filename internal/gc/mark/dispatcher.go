package mark

import (
	"context"
	"runtime"
	"sync"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
)

// ScanFunc returns the outgoing references reachable from ref's object,
// used to discover further work once ref itself has been marked. The
// typeinfo package supplies the reference implementation; tests can
// substitute a simpler one.
type ScanFunc func(ref heap.Reference) []heap.Reference

// Config tunes the dispatcher's concurrency.
type Config struct {
	// AuxWorkers is the number of dedicated mark goroutines in addition
	// to the caller's own traversal. Must be zero when SingleThreaded
	// is true.
	AuxWorkers int
	// SingleThreaded selects the STMS degenerate case: the dispatcher
	// asserts AuxWorkers == 0 and never starts a goroutine, draining the
	// queue entirely on the calling goroutine.
	SingleThreaded bool
	// BatchSize bounds how many references move between a worker's
	// local buffer and the shared queue per batch.
	BatchSize int
}

// Dispatcher drives one epoch's mark traversal: it owns the shared
// Queue, starts (or doesn't, under SingleThreaded) a pool of aux
// workers, and also participates in the traversal on the calling
// goroutine so that AuxWorkers=0 still makes progress.
type Dispatcher struct {
	cfg   Config
	queue *Queue
	scan  ScanFunc
}

// New returns a Dispatcher. It panics if cfg.SingleThreaded is true and
// cfg.AuxWorkers is nonzero — that combination is a programmer error,
// not a runtime condition to recover from.
func New(cfg Config, scan ScanFunc) *Dispatcher {
	if cfg.SingleThreaded && cfg.AuxWorkers != 0 {
		panic("mark: SingleThreaded requires AuxWorkers == 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &Dispatcher{cfg: cfg, queue: NewQueue(), scan: scan}
}

// Reconfigure updates the dispatcher's worker count and batch size for
// the next epoch, matching spec.md §4.B's reset/reconfigure operation.
// Must not be called while a traversal is in progress.
func (d *Dispatcher) Reconfigure(cfg Config) {
	if cfg.SingleThreaded && cfg.AuxWorkers != 0 {
		panic("mark: SingleThreaded requires AuxWorkers == 0")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	d.cfg = cfg
}

// Reset discards any work left over from a previous traversal (only
// possible after an abnormal shutdown; a normal traversal always drains
// to empty) and prepares the dispatcher for a fresh epoch.
func (d *Dispatcher) Reset() {
	d.queue = NewQueue()
}

// Traverse runs the mark phase to completion: it seeds the queue with
// roots, starts cfg.AuxWorkers goroutines (none, under SingleThreaded),
// drives the traversal on the calling goroutine as well, and returns
// once every worker is idle and the queue's live counter has reached
// zero.
func (d *Dispatcher) Traverse(ctx context.Context, roots []heap.Reference) {
	d.queue.PushBatch(roots)

	var wg sync.WaitGroup
	workers := make([]*worker, 0, d.cfg.AuxWorkers+1)

	for i := 0; i < d.cfg.AuxWorkers; i++ {
		w := newWorker()
		workers = append(workers, w)
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.drain(ctx, w)
		}()
	}

	// The calling goroutine always participates, so AuxWorkers=0 (the
	// STMS case) still makes progress entirely on this goroutine.
	main := newWorker()
	workers = append(workers, main)
	d.drain(ctx, main)

	wg.Wait()
}

// CooperativeDrain lets a mutator that reached a safepoint before STW
// help drain the queue using its own goroutine, stopping as soon as the
// queue empties or ctx is cancelled. It does not participate in the
// idle/live termination check that Traverse's own workers use — the
// caller decides when to stop cooperating via ctx.
func (d *Dispatcher) CooperativeDrain(ctx context.Context) {
	w := newWorker()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !d.drainOnce(w) {
			return
		}
	}
}

// drain runs w until the queue is fully processed: live count at zero
// and w has nothing local either. Termination detection matches
// spec.md §4.B's activeFlag+counter note: a worker only reports idle
// once its local buffer and its view of the shared queue are both
// empty, and the phase doesn't end until every worker agrees.
func (d *Dispatcher) drain(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !d.drainOnce(w) {
			if d.queue.Live() == 0 {
				w.idle.Store(true)
				return
			}
			// Another worker may still push work; yield, then poll again.
			runtime.Gosched()
			continue
		}
	}
}

// drainOnce processes one reference from w's local buffer (refilling
// from the shared queue if empty) and reports whether it made progress.
func (d *Dispatcher) drainOnce(w *worker) bool {
	if len(w.local) == 0 {
		batch := d.queue.PopBatch(d.cfg.BatchSize)
		if len(batch) == 0 {
			return false
		}
		w.idle.Store(false)
		w.local = batch
	}

	ref := w.local[len(w.local)-1]
	w.local = w.local[:len(w.local)-1]

	if !ref.TryMark() {
		d.queue.Done(1)
		return true
	}

	children := d.scan(ref)
	if len(children) > 0 {
		w.local = append(w.local, children...)
		d.queue.live.Add(int64(len(children)))
		if len(w.local) > d.cfg.BatchSize {
			// This worker discovered more work than it can usefully hold
			// locally — likely a densely connected subgraph reachable from
			// a single ref. Share the surplus back to the shared overflow
			// instead of draining all of it alone while other workers sit
			// idle with nothing to steal.
			steal := len(w.local) - d.cfg.BatchSize
			d.queue.pushOverflow(w.local[:steal])
			w.local = append([]heap.Reference(nil), w.local[steal:]...)
		}
	}
	d.queue.Done(1)
	return true
}

// Queue exposes the dispatcher's shared queue, used by tests and by
// the orchestrator to check Live()==0 as part of the end-epoch
// invariant.
func (d *Dispatcher) Queue() *Queue { return d.queue }
