package heap

import (
	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
	"ridgeos/kernel/mm/pmm"
)

// FrameSource is the subset of *pmm.Allocator the heap needs: handing out
// and reclaiming power-of-two page blocks. Expressed as an interface, the
// same way component F's PageTableAlloc decouples the page-table engine
// from a concrete PFM, so tests can back slabs with plain Go memory instead
// of the real physmap window.
type FrameSource interface {
	Allocate(order uint) (pmm.PFN, *kernel.Error)
	Deallocate(pfn pmm.PFN, order uint)
}

// Heap is the kernel's general-purpose allocator.
type Heap struct {
	pfm     FrameSource
	classes [numSizeClasses]sizeClass
}

// New builds a Heap whose slabs and oversized allocations are carved from
// pfm.
func New(pfm FrameSource) *Heap {
	h := &Heap{pfm: pfm}
	for i := range h.classes {
		h.classes[i].meta = sizeClassMetas[i]
		h.classes[i].pfm = pfm
	}
	return h
}

func effectiveSize(size, align uintptr) uintptr {
	return bitutil.AlignUp(size, align)
}

// rawPageOrder returns the buddy order needed to satisfy an allocation of
// the given size directly from the PFM, bypassing the slab classes.
func rawPageOrder(bytes uintptr) uint {
	pages := (bytes + pageSize - 1) / pageSize
	return bitutil.CeilLog2(uint64(pages))
}

// Allocate returns the address of a region of at least size bytes, aligned
// to align, or an error if no memory is available.
func (h *Heap) Allocate(size, align uintptr) (uintptr, *kernel.Error) {
	effective := effectiveSize(size, align)

	if idx, ok := getSizeClass(effective); ok {
		return h.classes[idx].allocate()
	}

	order := rawPageOrder(effective)
	pfn, err := h.pfm.Allocate(order)
	if err != nil {
		return 0, err
	}
	return frameAddrFn(pfn), nil
}

// Deallocate returns a region previously handed out by Allocate. size and
// align must match the values passed to the corresponding Allocate call.
func (h *Heap) Deallocate(ptr, size, align uintptr) {
	effective := effectiveSize(size, align)

	if idx, ok := getSizeClass(effective); ok {
		h.classes[idx].deallocate(ptr)
		return
	}

	order := rawPageOrder(effective)
	h.pfm.Deallocate(pmm.PFN(addrFrameFn(ptr)), order)
}

// UsableSize reports how many bytes a request for (size, align) actually
// reserves, which is always the size of the class it rounds up to (or the
// raw page-order allocation size for oversized requests).
func (h *Heap) UsableSize(size, align uintptr) uintptr {
	effective := effectiveSize(size, align)
	if idx, ok := getSizeClass(effective); ok {
		return h.classes[idx].meta.size
	}
	return pageSize << rawPageOrder(effective)
}

// Realloc resizes an existing allocation, copying its contents if the new
// request doesn't fit in the same underlying slot.
func (h *Heap) Realloc(ptr, oldSize, oldAlign, newSize, newAlign uintptr) (uintptr, *kernel.Error) {
	if h.UsableSize(oldSize, oldAlign) == h.UsableSize(newSize, newAlign) {
		return ptr, nil
	}

	newPtr, err := h.Allocate(newSize, newAlign)
	if err != nil {
		return 0, err
	}

	copySize := oldSize
	if newSize < copySize {
		copySize = newSize
	}
	kernel.Memcopy(ptr, newPtr, copySize)

	h.Deallocate(ptr, oldSize, oldAlign)
	return newPtr, nil
}
