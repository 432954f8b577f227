// Package bootheap implements the one-shot bump allocator used to carve
// early allocations (PFM split bitmaps, early page-table frames) out of
// physical memory before the buddy allocator exists, grounded on
// kernel/mem/pmm/allocator/bootmem.go's bootMemAllocator in the teacher
// tree -- generalized from "next free frame" bookkeeping to an aligned
// bump allocator over an explicit {base, cur, end} range, per §4.D.
package bootheap

import (
	"ridgeos/kernel"
	"ridgeos/kernel/mem"
)

var errExhausted = &kernel.Error{Module: "bootheap", Code: kernel.ErrOutOfMemory, Message: "bootheap exhausted"}

// Layout describes an allocation request: size in bytes and the required
// alignment, which must be a power of two.
type Layout struct {
	Size, Align uintptr
}

// Heap is a bump allocator over a contiguous physical address range not
// overlapping the kernel image, the bootinfo buffer, or any
// architecture-reserved range. It is meant to be constructed once, over
// the largest early-usable range discovered via IterUsableRanges, and
// discarded once the PFM is initialized.
type Heap struct {
	base, cur, end uintptr
}

// New constructs a Heap spanning the physical byte range [base, end).
func New(base, end uintptr) *Heap {
	return &Heap{base: base, cur: base, end: end}
}

// Alloc aligns cur up to layout.Align, reserves layout.Size bytes and
// returns the physical address of the reservation. Panics if the bootheap
// is exhausted: bootheap exhaustion this early in boot is unrecoverable,
// matching the fatal-failure taxonomy in §7.
func (h *Heap) Alloc(layout Layout) uintptr {
	aligned := mem.Size(h.cur+layout.Align-1) &^ mem.Size(layout.Align-1)
	addr := uintptr(aligned)

	if addr+layout.Size > h.end || addr+layout.Size < addr {
		kernel.Panic(errExhausted)
	}

	h.cur = addr + layout.Size
	return addr
}

// UsedRange returns the [base, cur) range consumed so far. The caller adds
// this to the architecture-reserved set before handing the remaining
// usable memory to the PFM.
func (h *Heap) UsedRange() PFNRange {
	return PFNRange{Start: h.base >> mem.PageShift, End: (h.cur + uintptr(mem.PageSize) - 1) >> mem.PageShift}
}

// AllocPage allocates a single natural-alignment page. It doubles as the
// page-table bump allocator backing the early mapper (component D).
func (h *Heap) AllocPage() uintptr {
	return h.Alloc(Layout{Size: uintptr(mem.PageSize), Align: uintptr(mem.PageSize)})
}
