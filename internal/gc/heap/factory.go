package heap

import (
	"sync"
	"sync/atomic"
)

// Factory is the reference Allocator implementation (Mode A): a flat
// object table guarded by an RWMutex that is write-locked only for
// sweep's iteration window. A concurrently-resumed mutator's
// LocalBuffer.Flush takes the read lock, so its newly published objects
// wait until sweep has classified the objects that existed when it
// started.
type Factory struct {
	iterMu sync.RWMutex

	mu      sync.Mutex
	nextID  uint64
	objects map[uint64]*Object
	arrays  map[uint64]*Array
}

// NewFactory returns an empty Factory.
func NewFactory() *Factory {
	return &Factory{
		objects: make(map[uint64]*Object),
		arrays:  make(map[uint64]*Array),
	}
}

// PrepareForGC is a no-op for Factory: its RWMutex already serializes
// sweep iteration against publication, so there's no separate pause
// step to perform.
func (f *Factory) PrepareForGC() {}

// Objects returns a snapshot of every live-or-dead object currently
// tracked, read-locked against concurrent sweep iteration.
func (f *Factory) Objects() []*Object {
	f.iterMu.RLock()
	defer f.iterMu.RUnlock()
	return f.ObjectsLocked()
}

// ObjectsLocked returns a snapshot of every tracked object without
// taking the iteration lock itself — for callers (sweep) that already
// hold it via LockForSweep, since sync.RWMutex isn't reentrant.
func (f *Factory) ObjectsLocked() []*Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Object, 0, len(f.objects))
	for _, o := range f.objects {
		out = append(out, o)
	}
	return out
}

// Arrays returns a snapshot of every tracked array object.
func (f *Factory) Arrays() []*Array {
	f.iterMu.RLock()
	defer f.iterMu.RUnlock()
	return f.ArraysLocked()
}

// ArraysLocked returns a snapshot of every tracked array without taking
// the iteration lock itself — see ObjectsLocked.
func (f *Factory) ArraysLocked() []*Array {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*Array, 0, len(f.arrays))
	for _, a := range f.arrays {
		out = append(out, a)
	}
	return out
}

// Allocate creates a new Object with the given outgoing references.
func (f *Factory) Allocate(refs []Reference) *Object {
	id := atomic.AddUint64(&f.nextID, 1)
	obj := &Object{ID: id, Refs: refs}
	f.mu.Lock()
	f.objects[id] = obj
	f.mu.Unlock()
	return obj
}

// AllocateArray creates a new Array with the given element references.
func (f *Factory) AllocateArray(elems []Reference) *Array {
	id := atomic.AddUint64(&f.nextID, 1)
	arr := &Array{ID: id, Elements: elems}
	f.mu.Lock()
	f.arrays[id] = arr
	f.mu.Unlock()
	return arr
}

// Free removes an object from the table. Called only by the sweep
// driver under its exclusive iteration lock.
func (f *Factory) Free(id uint64) {
	f.mu.Lock()
	delete(f.objects, id)
	f.mu.Unlock()
}

// FreeArray removes an array from the table.
func (f *Factory) FreeArray(id uint64) {
	f.mu.Lock()
	delete(f.arrays, id)
	f.mu.Unlock()
}

// LockForSweep takes the write side of the iteration lock for sweep's
// classification pass, and returns the unlock func to defer.
func (f *Factory) LockForSweep() func() {
	f.iterMu.Lock()
	return f.iterMu.Unlock
}

// Count returns the number of live-tracked objects and arrays.
func (f *Factory) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.objects) + len(f.arrays)
}

// Sweep performs Factory's own classification pass and reports back the
// finalizers for anything it reclaimed, satisfying heap.CustomAllocator
// so the customalloc build tag's sweep.Driver can drive this same
// reference Factory instead of requiring a second allocator
// implementation just to exercise Mode B.
func (f *Factory) Sweep(epoch int64) []Finalizer {
	unlock := f.LockForSweep()
	defer unlock()

	var finalizers []Finalizer

	for _, obj := range f.ObjectsLocked() {
		if obj.IsMarked() {
			obj.TryResetMark()
			continue
		}
		if obj.Extra != nil {
			if fn := obj.Extra.Finalizer(); fn != nil {
				finalizers = append(finalizers, fn)
			}
		}
		f.Free(obj.ID)
	}

	for _, arr := range f.ArraysLocked() {
		if arr.IsMarked() {
			arr.TryResetMark()
			continue
		}
		if arr.Extra != nil {
			if fn := arr.Extra.Finalizer(); fn != nil {
				finalizers = append(finalizers, fn)
			}
		}
		f.FreeArray(arr.ID)
	}

	return finalizers
}

// LocalBuffer is a per-mutator thread-local allocation buffer: objects
// created by a mutator accumulate here and are only published into the
// shared Factory table by publishObjectFactory's flush, keeping the
// common allocation path lock-free.
type LocalBuffer struct {
	factory *Factory
	pending []*Object
	pendingA []*Array
}

// NewLocalBuffer returns a LocalBuffer that flushes into factory.
func NewLocalBuffer(factory *Factory) *LocalBuffer {
	return &LocalBuffer{factory: factory}
}

// Allocate reserves an object in the local buffer without touching the
// shared Factory table.
func (b *LocalBuffer) Allocate(refs []Reference) *Object {
	id := atomic.AddUint64(&b.factory.nextID, 1)
	obj := &Object{ID: id, Refs: refs}
	b.pending = append(b.pending, obj)
	return obj
}

// AllocateArray reserves an array in the local buffer.
func (b *LocalBuffer) AllocateArray(elems []Reference) *Array {
	id := atomic.AddUint64(&b.factory.nextID, 1)
	arr := &Array{ID: id, Elements: elems}
	b.pendingA = append(b.pendingA, arr)
	return arr
}

// Flush publishes every object and array accumulated since the last
// flush into the shared Factory table and clears the buffer. Takes the
// read side of the iteration lock so a concurrently-running sweep
// (which holds the write side for its whole classification pass) always
// either completes before this publish is visible or waits until this
// publish finishes — a freshly-allocated, unmarked object can never be
// caught mid-snapshot and mistaken for this epoch's garbage.
func (b *LocalBuffer) Flush() {
	if len(b.pending) == 0 && len(b.pendingA) == 0 {
		return
	}
	b.factory.iterMu.RLock()
	defer b.factory.iterMu.RUnlock()

	b.factory.mu.Lock()
	for _, o := range b.pending {
		b.factory.objects[o.ID] = o
	}
	for _, a := range b.pendingA {
		b.factory.arrays[a.ID] = a
	}
	b.factory.mu.Unlock()
	b.pending = nil
	b.pendingA = nil
}
