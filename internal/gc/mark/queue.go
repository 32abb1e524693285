// Package mark implements the mark dispatcher: a shared work-stealing
// queue drained by a pool of worker goroutines (plus optionally
// cooperating mutators), with termination detection so the traversal
// phase ends exactly when there is no more reachable work.
package mark

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
)

// defaultBatchSize is how many references a worker moves between its
// local buffer and the shared overflow queue per batch, trading lock
// contention against memory footprint.
const defaultBatchSize = 64

// Queue is the shared mark work structure: one mutex-guarded overflow
// LIFO, drained in batches by per-worker local buffers. This is the
// "efficient work-stealing" substrate the spec requires without a
// lock-free ring buffer: workers rarely touch the shared lock because
// most pushes and pops are satisfied from their own local slice.
type Queue struct {
	mu       sync.Mutex
	overflow []heap.Reference

	live atomic.Int64 // outstanding unprocessed references
}

// NewQueue returns an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// PushBatch adds refs to the shared overflow and increments the live
// counter by len(refs). Used to seed the queue with roots; a worker's
// surplus local work goes back through pushOverflow instead.
func (q *Queue) PushBatch(refs []heap.Reference) {
	if len(refs) == 0 {
		return
	}
	q.live.Add(int64(len(refs)))
	q.mu.Lock()
	q.overflow = append(q.overflow, refs...)
	q.mu.Unlock()
}

// pushOverflow moves refs already reflected in the live counter back
// into the shared overflow so other workers' PopBatch calls can steal
// them. Unlike PushBatch, it does not touch live — the caller already
// accounted for these refs when it discovered them.
func (q *Queue) pushOverflow(refs []heap.Reference) {
	if len(refs) == 0 {
		return
	}
	q.mu.Lock()
	q.overflow = append(q.overflow, refs...)
	q.mu.Unlock()
}

// PopBatch removes up to n references from the shared overflow for a
// worker whose local buffer ran dry. Returns fewer than n, possibly
// zero, if the overflow doesn't have that many.
func (q *Queue) PopBatch(n int) []heap.Reference {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.overflow) == 0 {
		return nil
	}
	if n > len(q.overflow) {
		n = len(q.overflow)
	}
	start := len(q.overflow) - n
	batch := append([]heap.Reference(nil), q.overflow[start:]...)
	q.overflow = q.overflow[:start]
	return batch
}

// Done marks n references as fully processed (scanned, their own
// outgoing refs re-pushed or found to have none). The mark phase is
// over once Live reaches zero and every worker has reported idle.
func (q *Queue) Done(n int) {
	if n == 0 {
		return
	}
	q.live.Add(-int64(n))
}

// Live returns the number of references pushed but not yet marked Done.
func (q *Queue) Live() int64 {
	return q.live.Load()
}

// Empty reports whether the shared overflow currently holds any work.
// Does not account for work sitting in worker-local buffers.
func (q *Queue) Empty() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.overflow) == 0
}

// worker is a single mark goroutine's local state: a batch buffer it
// pushes to and pulls from the shared Queue, and an idle flag it sets
// when it runs dry. Termination itself is decided by the queue's live
// counter; nothing reads the flag.
type worker struct {
	local []heap.Reference
	idle  atomic.Bool
}

func newWorker() *worker {
	w := &worker{}
	w.idle.Store(true)
	return w
}
