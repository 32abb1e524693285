// Package scheduler decides when a collection should run based on
// allocation pressure, and gives mutators a way to force one and block
// until it finishes.
package scheduler

import (
	"context"
	"sync/atomic"
)

// GCScheduler is the collaborator spec.md's External Interfaces section
// describes: notified at the start and end of every collection, and
// able to force-and-wait one when a mutator hits OOM.
type GCScheduler interface {
	// OnGCStart is called once a collection begins.
	OnGCStart()
	// OnGCFinish is called once a collection completes, reporting the
	// allocator's live-bytes figure at that point.
	OnGCFinish(epoch int64, allocatedBytes int64)
	// ScheduleAndWaitFinished requests a collection and blocks until it
	// has finished or ctx is done.
	ScheduleAndWaitFinished(ctx context.Context) error
}

// Trigger is the minimal hook a scheduler implementation needs from the
// orchestrator: a way to request a collection and wait for it.
type Trigger interface {
	ScheduleAndWait(ctx context.Context) error
}

// ByteThreshold is the reference GCScheduler: RecordAllocation reports
// once allocated bytes since the last collection reach a fixed
// threshold; it never requests a collection on its own.
type ByteThreshold struct {
	trigger   Trigger
	threshold int64

	allocated atomic.Int64
	lastBytes atomic.Int64
}

// NewByteThreshold returns a ByteThreshold scheduler whose
// RecordAllocation reports true once allocated bytes reach threshold,
// and whose ScheduleAndWaitFinished requests collections through
// trigger.
func NewByteThreshold(trigger Trigger, threshold int64) *ByteThreshold {
	return &ByteThreshold{trigger: trigger, threshold: threshold}
}

// RecordAllocation adds n bytes to the running total since the last
// collection. Returns true if the threshold was crossed, signaling the
// caller should request a collection (this implementation doesn't
// request one itself, since doing so synchronously from an allocation
// fast path would defeat the point of a byte threshold).
func (b *ByteThreshold) RecordAllocation(n int64) bool {
	total := b.allocated.Add(n)
	return total >= b.threshold
}

// OnGCStart is a no-op for ByteThreshold: nothing needs to happen at
// the start of a collection beyond what PerformFullGC itself does.
func (b *ByteThreshold) OnGCStart() {}

// OnGCFinish resets the allocation counter and records the allocator's
// reported live-bytes figure.
func (b *ByteThreshold) OnGCFinish(epoch int64, allocatedBytes int64) {
	b.allocated.Store(0)
	b.lastBytes.Store(allocatedBytes)
}

// ScheduleAndWaitFinished requests a collection through the trigger and
// blocks until it has finished.
func (b *ByteThreshold) ScheduleAndWaitFinished(ctx context.Context) error {
	return b.trigger.ScheduleAndWait(ctx)
}

// LastAllocatedBytes returns the allocator's live-bytes figure as of
// the most recent OnGCFinish.
func (b *ByteThreshold) LastAllocatedBytes() int64 {
	return b.lastBytes.Load()
}
