package bootheap

import (
	"ridgeos/kernel"
	"ridgeos/kernel/mm/pfn"
)

// PTAlloc is a page-table frame allocator backed by the bootheap's own
// bump cursor, for page-table work that needs to happen once the
// bootheap's range is already mapped but before the PFM exists --
// distinct from kernel/mm/earlymap's pool-backed allocator, which instead
// maps the bootheap's own range (and the bootinfo buffer) into existence
// in the first place, before the bootheap is reachable at all. It
// satisfies vmm.PageTableAlloc structurally; bootheap does not import vmm
// to avoid a cycle between the packages the early mapper wires together.
type PTAlloc struct {
	Heap *Heap
}

// Allocate returns the physical frame number of a freshly bumped page.
func (a PTAlloc) Allocate() (pfn.PFN, *kernel.Error) {
	return pfn.PFN(a.Heap.AllocPage() >> 12), nil
}
