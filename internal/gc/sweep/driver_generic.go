//go:build !customalloc

package sweep

import "github.com/kestrel-rt/kestrel/internal/gc/heap"

// Driver implements Mode A sweep: it iterates every object the
// allocator currently tracks, reclaiming the unmarked ones directly
// and resetting survivors' mark bits for the next epoch. This is the
// generic, allocator-agnostic path used whenever the customalloc build
// tag is not set.
type Driver struct {
	factory *heap.Factory
}

// New returns a generic (Mode A) sweep Driver over factory.
func New(factory *heap.Factory) *Driver {
	return &Driver{factory: factory}
}

// Sweep classifies every tracked object and array by mark bit: unmarked
// ones are freed and their finalizer (if any) queued; marked ones have
// their mark bit reset for the next epoch (tri-color reset). The
// factory's iteration lock is held for the duration, excluding any
// concurrently-resumed mutator's publish from racing the classification
// pass.
func (d *Driver) Sweep(epoch int64) Result {
	unlock := d.factory.LockForSweep()
	defer unlock()

	var res Result

	for _, obj := range d.factory.ObjectsLocked() {
		if obj.IsMarked() {
			obj.TryResetMark()
			res.Survived++
			continue
		}
		if obj.Extra != nil {
			if f := obj.Extra.Finalizer(); f != nil {
				res.Finalizers = append(res.Finalizers, f)
			}
		}
		d.factory.Free(obj.ID)
		res.Swept++
	}

	for _, arr := range d.factory.ArraysLocked() {
		if arr.IsMarked() {
			arr.TryResetMark()
			res.Survived++
			continue
		}
		if arr.Extra != nil {
			if f := arr.Extra.Finalizer(); f != nil {
				res.Finalizers = append(res.Finalizers, f)
			}
		}
		d.factory.FreeArray(arr.ID)
		res.Swept++
	}

	return res
}
