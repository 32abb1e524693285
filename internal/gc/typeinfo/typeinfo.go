// Package typeinfo supplies the minimal per-type field descriptors the
// mark phase needs to discover outgoing references without the marker
// itself knowing anything about application object layouts.
package typeinfo

import "github.com/kestrel-rt/kestrel/internal/gc/heap"

// Descriptor describes where an object's outgoing references live. The
// reference implementation here just replays heap.Object.Refs /
// heap.Array.Elements, but a real embedding would derive this from the
// managed runtime's own type metadata.
type Descriptor struct {
	// FieldOffsets is unused by the reference scanner below; kept so a
	// real embedding has somewhere to put compiled-in field layout
	// without changing the Descriptor type.
	FieldOffsets []uintptr
}

// Registry maps an object's type tag to its Descriptor. The GC core
// doesn't need one in the reference implementation, since heap.Object
// already carries its own Refs slice, but a real VM's type-info system
// would be consulted here instead of walking a slice the object already
// has.
type Registry struct {
	descriptors map[uint32]*Descriptor
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{descriptors: make(map[uint32]*Descriptor)}
}

// Register associates a type tag with its field Descriptor.
func (r *Registry) Register(typeTag uint32, d *Descriptor) {
	r.descriptors[typeTag] = d
}

// Lookup returns the Descriptor for typeTag, or nil if unregistered.
func (r *Registry) Lookup(typeTag uint32) *Descriptor {
	return r.descriptors[typeTag]
}

// ScanObject returns ref's outgoing references, dispatching to
// processObjectInMark or processArrayInMark depending on which kind
// ref points at — spec.md §4.B lists these as distinct mark-phase
// cases even though both resolve to a Refs/Elements read here. Objects
// and arrays carry their own reference slice in this reference
// implementation, so scanning is a direct read; a field-offset-driven
// scanner would use a Descriptor from Registry instead.
func ScanObject(ref heap.Reference) []heap.Reference {
	switch {
	case ref.Object != nil:
		return ref.Object.Refs
	case ref.Array != nil:
		return ScanArray(ref.Array)
	default:
		return nil
	}
}

// ScanArray returns an array object's element references. Exposed
// separately from ScanObject because spec.md treats array and object
// field scanning as distinct mark-phase cases.
func ScanArray(arr *heap.Array) []heap.Reference {
	if arr == nil {
		return nil
	}
	return arr.Elements
}
