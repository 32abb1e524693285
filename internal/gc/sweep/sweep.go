// Package sweep reclaims objects that survived mark with their mark bit
// still clear. Two driver implementations exist behind a build tag
// (see driver_generic.go / driver_custom.go) so the hot sweep loop
// never branches on allocator mode at runtime, per spec.md's design
// note.
package sweep

import "github.com/kestrel-rt/kestrel/internal/gc/heap"

// Result is what a sweep pass reports back to the orchestrator: the
// finalizers that must run for objects it reclaimed, plus counters for
// statistics and metrics.
type Result struct {
	Finalizers []heap.Finalizer
	Swept      int64
	Survived   int64
	BytesFreed int64
}
