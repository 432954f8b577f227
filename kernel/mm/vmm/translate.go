package vmm

import (
	"ridgeos/kernel"
	"ridgeos/kernel/mm/physmap"
	"ridgeos/kernel/mm/pmm"
)

// PhysmapTranslate is the steady-state TranslatePhys: every frame is
// reachable through the physmap window once component C has installed
// it.
type PhysmapTranslate struct{}

// Translate implements TranslatePhys.
func (PhysmapTranslate) Translate(pfn pmm.PFN) uintptr {
	return physmap.ToAddr(uintptr(pfn))
}

// PMMPageTableAlloc backs new page-table frames with order-0 allocations
// from the physical frame manager, used once the PFM is online (the
// kernel and per-process address spaces).
type PMMPageTableAlloc struct {
	PMM *pmm.Allocator
}

// Allocate implements PageTableAlloc.
func (a PMMPageTableAlloc) Allocate() (pmm.PFN, *kernel.Error) {
	return a.PMM.Allocate(0)
}
