// Package physmap implements the fixed virtual window that maps every
// physical frame 1:1 into kernel address space, grounded on
// kernel/mem/vmm/translate.go's PFN<->address conversion in the teacher
// tree and on the design's PHYS_MAP_BASE arithmetic (§4.C).
package physmap

import (
	"ridgeos/kernel"
	"ridgeos/kernel/arch/amd64"
	"ridgeos/kernel/bootinfo"
)

// Base is the first virtual address of the physmap window.
const Base = amd64.PhysMapBase

// MaxPages bounds how much physical memory the window can cover.
const MaxPages = amd64.PhysMapMaxPages

// installed records whether Install has run; ToAddr/FromAddr are only
// meaningful afterward. It is a plain bool rather than an atomic because
// installation happens once on the bootstrap processor before any other
// thread exists.
var installed bool

// RangeMapper installs identity-style leaf mappings for a run of physical
// frames into the physmap window. The early mapper (component D) is the
// only implementation; Install takes it as an interface rather than the
// concrete type so this package never imports the page-table engine --
// kernel/mm/vmm already imports physmap for PhysmapTranslate, and a
// physmap -> earlymap -> vmm -> physmap import would cycle.
type RangeMapper interface {
	Map(basePFN, pageCount uintptr) *kernel.Error
}

// Install maps every MemUsable range in ranges into the physmap window via
// rm, then marks the window installed. Afterward, ToAddr/FromAddr are
// correct for every frame of those ranges without any further mapping
// work. Install does not map frames left out of ranges; Kmain maps the
// bootinfo buffer and the bootheap range into the window itself, before
// calling Install, and passes the memory map with the bootheap range
// removed.
func Install(ranges []bootinfo.MemoryRange, rm RangeMapper) *kernel.Error {
	for _, r := range ranges {
		if r.Kind != bootinfo.MemUsable {
			continue
		}
		if err := rm.Map(r.StartPFN, r.PageCount); err != nil {
			return err
		}
	}
	MarkInstalled()
	return nil
}

// MarkInstalled records that the window's mapping is in place, either via
// Install or (in tests) directly.
func MarkInstalled() {
	installed = true
}

// Installed reports whether MarkInstalled has run.
func Installed() bool {
	return installed
}

// ToAddr converts a physical frame number to its kernel virtual address
// inside the physmap window.
func ToAddr(pfn uintptr) uintptr {
	return Base + (pfn << 12)
}

// ToAddrFromPhys converts an arbitrary (not necessarily page-aligned)
// physical byte address to its kernel virtual address inside the physmap
// window. Since the window is a linear 1:1 mapping, this is just an
// offset from Base.
func ToAddrFromPhys(physAddr uintptr) uintptr {
	return Base + physAddr
}

// FromAddr converts a virtual address inside the physmap window back to
// the physical frame number it maps. The caller must ensure addr actually
// lies within [Base, Base+MaxPages*PageSize).
func FromAddr(addr uintptr) uintptr {
	return (addr - Base) >> 12
}

// Contains reports whether addr falls inside the physmap window.
func Contains(addr uintptr) bool {
	return addr >= Base && addr < Base+(MaxPages<<12)
}
