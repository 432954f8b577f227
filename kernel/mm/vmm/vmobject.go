package vmm

import (
	"ridgeos/kernel"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/sync"
)

// VmObject is the polymorphic backing store a Mapping points at (§4.H). All
// three variants share one contract: ProvidePage must return a PFN safe to
// use at the requested access type for the given page-aligned offset into
// the object. ProvidePage is called under the address space's lock and must
// never block (see the open question recorded in DESIGN.md).
type VmObject interface {
	// PageCount returns the number of pages backing the object.
	PageCount() uintptr

	// ProvidePage resolves offset (in pages) to a physical frame, allocating
	// or faulting it in as needed.
	ProvidePage(offset uintptr, access AccessType) (pmm.PFN, *kernel.Error)
}

// AccessType is the kind of access a fault or commit is resolving.
type AccessType uint8

// nolint
const (
	AccessRead AccessType = iota
	AccessWrite
	AccessExecute
)

// allows reports whether p grants access a.
func (p Perms) allows(a AccessType) bool {
	switch a {
	case AccessWrite:
		return p.Contains(PermWrite)
	case AccessExecute:
		return p.Contains(PermExecute)
	default:
		return p.Contains(PermRead)
	}
}

// EagerVmObject pre-allocates every one of its frames at construction time
// and frees them all when Free is called. provide_page is a pure lookup, no
// locking needed.
type EagerVmObject struct {
	frames []pmm.PFN
}

// NewEagerVmObject allocates n order-0 frames from pfm up front.
func NewEagerVmObject(pfm *pmm.Allocator, n uintptr) (*EagerVmObject, *kernel.Error) {
	frames := make([]pmm.PFN, 0, n)
	for i := uintptr(0); i < n; i++ {
		f, err := pfm.Allocate(0)
		if err != nil {
			for _, alloc := range frames {
				pfm.Deallocate(alloc, 0)
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return &EagerVmObject{frames: frames}, nil
}

// PageCount implements VmObject.
func (o *EagerVmObject) PageCount() uintptr { return uintptr(len(o.frames)) }

// ProvidePage implements VmObject.
func (o *EagerVmObject) ProvidePage(offset uintptr, _ AccessType) (pmm.PFN, *kernel.Error) {
	if offset >= uintptr(len(o.frames)) {
		return pmm.InvalidFrame, errBadAddress
	}
	return o.frames[offset], nil
}

// Free returns every frame owned by the object to pfm. Callers must ensure
// no mapping still references the object.
func (o *EagerVmObject) Free(pfm *pmm.Allocator) {
	for _, f := range o.frames {
		pfm.Deallocate(f, 0)
	}
	o.frames = nil
}

// LazyVmObject holds n page-aligned slots, each vacant until first touched;
// ProvidePage allocates the backing frame on first fault and returns the
// same frame on every subsequent call for that offset. The slot vector is
// guarded by its own lock since faults on different offsets of the same
// object may race even though they're serialized by the address-space lock
// with respect to tree mutation.
type LazyVmObject struct {
	lk    sync.Spinlock
	pfm   *pmm.Allocator
	slots []pmm.PFN
}

// NewLazyVmObject reserves n vacant slots without allocating any frames.
func NewLazyVmObject(pfm *pmm.Allocator, n uintptr) *LazyVmObject {
	slots := make([]pmm.PFN, n)
	for i := range slots {
		slots[i] = pmm.InvalidFrame
	}
	return &LazyVmObject{pfm: pfm, slots: slots}
}

// PageCount implements VmObject.
func (o *LazyVmObject) PageCount() uintptr { return uintptr(len(o.slots)) }

// ProvidePage implements VmObject.
func (o *LazyVmObject) ProvidePage(offset uintptr, _ AccessType) (pmm.PFN, *kernel.Error) {
	if offset >= uintptr(len(o.slots)) {
		return pmm.InvalidFrame, errBadAddress
	}

	o.lk.Acquire()
	defer o.lk.Release()

	if o.slots[offset].Valid() {
		return o.slots[offset], nil
	}

	f, err := o.pfm.Allocate(0)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	o.slots[offset] = f
	return f, nil
}

// Free returns every slot that was ever touched to pfm.
func (o *LazyVmObject) Free(pfm *pmm.Allocator) {
	o.lk.Acquire()
	defer o.lk.Release()
	for i, f := range o.slots {
		if f.Valid() {
			pfm.Deallocate(f, 0)
			o.slots[i] = pmm.InvalidFrame
		}
	}
}

// PhysicalVmObject maps a fixed, already-physical range -- MMIO, the
// framebuffer, ACPI reclaim memory -- and never owns the frames it hands
// out; Free is a no-op.
type PhysicalVmObject struct {
	base  pmm.PFN
	count uintptr
}

// NewPhysicalVmObject is unsafe: the caller asserts [base, base+count) is
// safe to map at the requested access types (firmware-owned memory is not
// validated by the PFM).
func NewPhysicalVmObject(base pmm.PFN, count uintptr) *PhysicalVmObject {
	return &PhysicalVmObject{base: base, count: count}
}

// PageCount implements VmObject.
func (o *PhysicalVmObject) PageCount() uintptr { return o.count }

// ProvidePage implements VmObject.
func (o *PhysicalVmObject) ProvidePage(offset uintptr, _ AccessType) (pmm.PFN, *kernel.Error) {
	if offset >= o.count {
		return pmm.InvalidFrame, errBadAddress
	}
	return o.base + pmm.PFN(offset), nil
}
