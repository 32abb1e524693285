// Package weakref implements the weak-handle table and the barrier
// toggle the concurrent-weak-sweep path uses to decide whether a weak
// read needs to synchronize with an in-progress collection.
package weakref

import (
	"sync"
	"sync/atomic"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
)

// Handle is a weak reference to an object: reading it returns the
// object only if it is still known live, and clears to nil once sweep
// determines it wasn't.
type Handle struct {
	mu  sync.RWMutex
	obj *heap.Object
}

// NewHandle returns a Handle pointing at obj. It creates obj's
// ExtraObjectData if needed and calls MarkWeak on it, so sweep knows to
// consider clearing this handle.
func NewHandle(obj *heap.Object) *Handle {
	if obj.Extra == nil {
		obj.Extra = heap.NewExtraObjectData(obj)
	}
	obj.Extra.MarkWeak()
	return &Handle{obj: obj}
}

// TryRef returns the referent and true if it is still live, or (nil,
// false) if it has been cleared.
func (h *Handle) TryRef() (*heap.Object, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.obj == nil {
		return nil, false
	}
	return h.obj, true
}

// Clear drops the referent. Called by the concurrent-weak-sweep pass
// once it determines the referent did not survive.
func (h *Handle) Clear() {
	h.mu.Lock()
	h.obj = nil
	h.mu.Unlock()
}

// Barrier records whether a concurrent weak sweep is in progress.
// Enable/Disable bracket the sweep window and are plain flag updates:
// Disable does not wait for readers, and TryRef does not consult the
// barrier (Handle's own lock orders it against Clear).
type Barrier struct {
	enabled atomic.Bool
	mu      sync.Mutex
	epoch   int64
}

// NewBarrier returns a disabled Barrier.
func NewBarrier() *Barrier {
	return &Barrier{}
}

// Enable raises the barrier for the given epoch's concurrent weak
// sweep.
func (b *Barrier) Enable(epoch int64) {
	b.mu.Lock()
	b.epoch = epoch
	b.mu.Unlock()
	b.enabled.Store(true)
}

// Disable lowers the barrier once the sweep has classified every weak
// handle for the epoch it raised it for.
func (b *Barrier) Disable() {
	b.enabled.Store(false)
}

// Enabled reports whether a concurrent weak sweep is in progress.
func (b *Barrier) Enabled() bool {
	return b.enabled.Load()
}

// Table tracks every live Handle so the sweep driver's concurrent-weak
// path can walk them and clear any whose referent didn't survive.
type Table struct {
	mu      sync.Mutex
	handles []*Handle
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{}
}

// Add registers h with the table.
func (t *Table) Add(h *Handle) {
	t.mu.Lock()
	t.handles = append(t.handles, h)
	t.mu.Unlock()
}

// SweepUnmarked clears every handle whose referent's mark bit is
// unset, then compacts the table down to the handles that remain
// live, per spec.md's concurrent-weak-sweep pass.
func (t *Table) SweepUnmarked() (cleared int) {
	t.mu.Lock()
	defer t.mu.Unlock()

	live := t.handles[:0]
	for _, h := range t.handles {
		h.mu.RLock()
		obj := h.obj
		h.mu.RUnlock()

		if obj == nil {
			continue
		}
		if !obj.IsMarked() {
			h.Clear()
			cleared++
			continue
		}
		live = append(live, h)
	}
	t.handles = live
	return cleared
}

// Len returns the number of handles currently tracked.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}
