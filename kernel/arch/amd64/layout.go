// Package amd64 collects the architecture-defined constants that the rest
// of the kernel treats as opaque parameters: the kernel virtual layout, the
// four-level paging geometry, and the table of physical ranges that must
// never be handed to the physical frame manager. It is the thin seam
// between the out-of-scope GDT/TSS/IDT/exception-vector assembly and the
// portable Go code, grounded on kernel/mem/constants_amd64.go and
// kernel/mem/vmm/vmm_constants_amd64.go in the teacher sources.
package amd64

import "ridgeos/kernel/mem"

// Kernel virtual layout (illustrative constants from §6 of the design).
const (
	// PhysMapBase is the start of the fixed virtual window that maps all
	// of physical RAM 1:1 (component C).
	PhysMapBase = uintptr(0xFFFF_8000_0000_0000)

	// PhysMapMaxPages bounds the physmap window to 4 TiB of physical
	// memory, expressed in pages.
	PhysMapMaxPages = uintptr(4) << (40 - 12) // 4 TiB / 4 KiB

	// KernelImageBase is the load address of the kernel image itself.
	KernelImageBase = uintptr(0xFFFF_FFFF_8000_0000)

	// KernelImageMaxSize bounds the statically-linked kernel image.
	KernelImageMaxSize = uintptr(8) << 20 // 8 MiB

	// KernelAspaceBase/End bracket the entire higher half, which is where
	// the kernel's own AddrSpace (component G) carves its slices from.
	KernelAspaceBase = uintptr(0xFFFF_8000_0000_0000)
	KernelAspaceEnd  = uintptr(0xFFFF_FFFF_FFFF_FFFF)
)

// Paging geometry: four levels, 512 entries each, 9 bits of index per
// level plus the 12-bit in-page offset.
const (
	PageLevels     = 4
	EntriesPerTable = 512
)

// PageLevelShifts gives the bit shift for the virtual-address index at each
// level, outermost (PML4) first.
var PageLevelShifts = [PageLevels]uint{39, 30, 21, 12}

// PageLevelBits is the number of index bits consumed at each level.
var PageLevelBits = [PageLevels]uint{9, 9, 9, 9}

// ReservedRange is a half-open [Start, End) physical frame range that must
// never be handed to the PFM.
type ReservedRange struct {
	Start, End uintptr // page-frame numbers
}

// ReservedRanges returns the architecture's fixed table of physical ranges
// that are always off limits: the low 1 MiB (real-mode IVT, BDA, video
// memory, option ROMs), and the kernel image itself. The bootinfo buffer's
// own range is appended by the caller once its physical address is known,
// since it is a boot-time allocation rather than an architecture constant.
func ReservedRanges(kernelImageStartPFN, kernelImageEndPFN uintptr) []ReservedRange {
	return []ReservedRange{
		{Start: 0, End: uintptr(mem.Mb) >> mem.PageShift},
		{Start: kernelImageStartPFN, End: kernelImageEndPFN},
	}
}
