// Package heap models the managed-object side of the collector: object
// headers with an atomic mark bit, the extra-data slot finalizers and
// weak references hang off of, and the allocator interfaces the rest of
// the GC core drives sweep and allocation through.
package heap

import (
	"errors"
	"sync"
	"sync/atomic"
)

// ErrOutOfMemory is returned by an Allocator when it cannot satisfy an
// allocation request even after a collection has run.
var ErrOutOfMemory = errors.New("heap: out of memory")

const (
	markUnmarked uint32 = 0
	markMarked   uint32 = 1
)

// Header is embedded in every heap object and array. Its mark bit is
// the only piece of GC bookkeeping that lives on the hot allocation
// path; everything else hangs off ExtraObjectData.
type Header struct {
	mark uint32
}

// TryMark sets the mark bit if it was clear, reporting whether this call
// was the one that set it. Concurrent markers racing to mark the same
// object rely on exactly one of them observing true.
func (h *Header) TryMark() bool {
	return atomic.CompareAndSwapUint32(&h.mark, markUnmarked, markMarked)
}

// TryResetMark clears the mark bit if it was set, used by sweep to
// reset survivors back to white for the next epoch.
func (h *Header) TryResetMark() bool {
	return atomic.CompareAndSwapUint32(&h.mark, markMarked, markUnmarked)
}

// IsMarked reports whether the object has been marked in the current
// epoch.
func (h *Header) IsMarked() bool {
	return atomic.LoadUint32(&h.mark) == markMarked
}

// Reference is an outgoing pointer discovered while scanning an
// object's fields or a thread's roots. ID is an opaque handle into
// whichever Allocator produced it. Exactly one of Object or Array is
// set — heap.Object and heap.Array are the only two referenceable
// kinds spec.md's data model names (createObject vs createArray).
type Reference struct {
	ID     uint64
	Object *Object
	Array  *Array
}

// header returns the embedded Header of whichever kind r points at, or
// nil for a zero-value Reference.
func (r Reference) header() *Header {
	switch {
	case r.Object != nil:
		return &r.Object.Header
	case r.Array != nil:
		return &r.Array.Header
	default:
		return nil
	}
}

// TryMark marks r's referent, reporting whether this call was the one
// that set its mark bit. A zero-value Reference (neither Object nor
// Array set) reports false without marking anything.
func (r Reference) TryMark() bool {
	if h := r.header(); h != nil {
		return h.TryMark()
	}
	return false
}

// IsMarked reports whether r's referent is currently marked.
func (r Reference) IsMarked() bool {
	if h := r.header(); h != nil {
		return h.IsMarked()
	}
	return false
}

// Finalizer is a callback invoked once for an object after it is
// determined unreachable, before its storage is reclaimed.
type Finalizer func()

// ExtraObjectData is the out-of-line slot referenced by objects that
// need more than a header: a finalizer, a weak referent, or both. Most
// objects never allocate one.
type ExtraObjectData struct {
	mu        sync.Mutex
	owner     *Object
	finalizer Finalizer
	weak      bool
}

// NewExtraObjectData allocates extra data for owner.
func NewExtraObjectData(owner *Object) *ExtraObjectData {
	return &ExtraObjectData{owner: owner}
}

// SetFinalizer attaches f to be run once the owner is swept as garbage.
func (e *ExtraObjectData) SetFinalizer(f Finalizer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finalizer = f
}

// Finalizer returns the attached finalizer, or nil.
func (e *ExtraObjectData) Finalizer() Finalizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finalizer
}

// MarkWeak records that the owner is also referenced by a weak handle,
// so the concurrent-weak-sweep path knows to clear that handle if the
// owner doesn't survive.
func (e *ExtraObjectData) MarkWeak() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.weak = true
}

// IsWeak reports whether any weak handle points at the owner.
func (e *ExtraObjectData) IsWeak() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.weak
}

// Object is a single managed heap object: a header, an identifier
// unique within its allocator, its outgoing references, and an
// optional extra-data slot.
type Object struct {
	Header
	ID    uint64
	Refs  []Reference
	Extra *ExtraObjectData
}

// Objects carry no type tag of their own; internal/gc/typeinfo keeps
// descriptors keyed by a uint32 type tag when a caller wants
// descriptor-driven scanning instead of walking Refs directly.

// Array is a managed array object: like Object but its element
// references are discovered by the typeinfo package's array path
// rather than a fixed field set.
type Array struct {
	Header
	ID       uint64
	Elements []Reference
	Extra    *ExtraObjectData
}

// Allocator is the interface the GC core drives Mode A (generic) sweep
// against: it can be asked to pause its fast paths for GC and to hand
// back every live object it currently knows about.
type Allocator interface {
	// PrepareForGC signals the allocator that a sweep is about to
	// iterate its objects; implementations typically stop handing out
	// thread-local buffers until sweep completes.
	PrepareForGC()
	// Objects returns every currently-allocated object, live or dead,
	// for sweep to classify by mark bit.
	Objects() []*Object
	// Arrays returns every currently-allocated array object.
	Arrays() []*Array
}

// CustomAllocator is the interface Mode B (build tag customalloc) sweep
// drives: the allocator owns its own free-list bookkeeping and performs
// the reclamation itself, handing back only the finalizer queue for
// objects it decided not to keep.
type CustomAllocator interface {
	Allocator
	// Sweep performs the allocator's own reclamation pass for the given
	// epoch and returns the finalizers that must run for objects it
	// freed.
	Sweep(epoch int64) []Finalizer
}
