//go:build customalloc

package sweep

import "github.com/kestrel-rt/kestrel/internal/gc/heap"

// Driver implements Mode B sweep: reclamation is delegated entirely to
// a heap.CustomAllocator, which owns its own free-list bookkeeping and
// hands back only the finalizers for objects it decided to free. Built
// only when the customalloc tag is set, so the orchestrator's call
// site never branches on allocator mode — the build selects the
// implementation instead.
type Driver struct {
	allocator heap.CustomAllocator
}

// New returns a custom-allocator (Mode B) sweep Driver.
func New(allocator heap.CustomAllocator) *Driver {
	return &Driver{allocator: allocator}
}

// Sweep delegates reclamation to the custom allocator and reports back
// the finalizers it must run. Swept is set to the number of those
// finalizers, so objects the allocator freed without a finalizer are
// not counted; Survived and BytesFreed stay zero, since
// heap.CustomAllocator exposes no statistics.
func (d *Driver) Sweep(epoch int64) Result {
	finalizers := d.allocator.Sweep(epoch)
	return Result{Finalizers: finalizers, Swept: int64(len(finalizers))}
}
