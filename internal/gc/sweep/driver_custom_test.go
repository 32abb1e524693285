//go:build customalloc

package sweep

import (
	"testing"

	"github.com/kestrel-rt/kestrel/internal/gc/heap"
)

func TestCustomDriverDelegatesToAllocator(t *testing.T) {
	factory := heap.NewFactory()
	marked := factory.Allocate(nil)
	unmarked := factory.Allocate(nil)
	marked.TryMark()

	ran := false
	unmarked.Extra = heap.NewExtraObjectData(unmarked)
	unmarked.Extra.SetFinalizer(func() { ran = true })

	d := New(factory)
	res := d.Sweep(1)

	if len(res.Finalizers) != 1 {
		t.Fatalf("expected 1 finalizer queued, got %d", len(res.Finalizers))
	}
	res.Finalizers[0]()
	if !ran {
		t.Error("finalizer callback did not run")
	}
	if factory.Count() != 1 {
		t.Errorf("Count() = %d, want 1 (only survivor remains)", factory.Count())
	}
	if marked.IsMarked() {
		t.Error("expected survivor's mark bit reset after sweep")
	}
}
