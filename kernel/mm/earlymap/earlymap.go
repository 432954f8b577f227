// Package earlymap implements the early mapper (component D): a small,
// self-contained page-table installer usable before the buddy physical
// frame manager or the physmap window exist. Grounded on
// original_source's mm/earlymap.rs (BumpPageTableAlloc, KernelPfnTranslator,
// get_early_page_table) and mm/bootheap.rs's reuse of the bootheap itself as
// a PageTableAlloc.
//
// Two things make this safe without either the PFM or physmap already in
// place. First, new intermediate page-table frames come from a small
// static pool inside the kernel image's own BSS rather than the buddy
// allocator. Second, every frame the walker needs to read or write -- the
// pool, and the already-installed root table rt0 leaves in CR3 -- is
// translated through a fixed linear offset from the kernel image's
// physical load range to its virtual base, rather than through physmap.
// Map's own leaf installations land at the real physmap virtual address
// for the frame they cover, so once Map returns, physmap.ToAddr/FromAddr
// are immediately correct for that range; physmap.Install drives this to
// bring the window up.
package earlymap

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/arch/amd64"
	"ridgeos/kernel/bitutil"
	"ridgeos/kernel/cpu"
	"ridgeos/kernel/mem"
	"ridgeos/kernel/mm/bootheap"
	"ridgeos/kernel/mm/physmap"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/mm/vmm"
)

// poolFrames bounds the intermediate page-table frames the early mapper
// can hand out: one new table per 2 MiB of range it identity-maps (plus a
// handful of upper-level tables), which puts the ceiling on what it can
// cover at roughly 1 GiB -- comfortably more than the bootinfo buffer plus
// the single largest usable range (the bootheap window) on the teaching-
// scale machines this kernel targets. A memory map whose largest usable
// range exceeds that is out of scope; see DESIGN.md.
const poolFrames = 512

// poolStorage backs the early mapper's bump page-table allocator. It
// lives in the kernel image's own BSS, so it needs no mapping to be
// usable the moment rt0 hands off to Kmain. The extra page covers the
// slack between the array's start and the first page-aligned address
// inside it.
var poolStorage [(poolFrames + 1) * int(mem.PageSize)]byte
var poolBase uintptr
var poolReady bool
var poolNext int

// preparePool computes poolBase on first use rather than in a package
// initializer: Kmain is entered directly by rt0 before the Go runtime's
// own init machinery (see goruntime.Init's manual mallocinit/alginit
// calls) is guaranteed to have run, so anything this package needs ready
// before that point is computed explicitly instead of relied on from a
// var initializer.
func preparePool() {
	if poolReady {
		return
	}
	poolBase = bitutil.AlignUp(uintptr(unsafe.Pointer(&poolStorage[0])), uintptr(mem.PageSize))
	poolReady = true
}

var errPoolExhausted = &kernel.Error{Module: "earlymap", Code: kernel.ErrOutOfMemory, Message: "early page-table pool exhausted"}

// imageTranslate implements vmm.TranslatePhys for frames known to lie
// within a fixed physical range mapped 1:1 to a fixed virtual base -- true
// of both the early pool (inside the kernel image) and, by the same
// assumption original_source's KernelPfnTranslator makes, of the tables
// rt0 leaves rooted at CR3. It is deliberately not physmap-backed: this
// package exists to bring physmap up in the first place.
type imageTranslate struct {
	physBase, virtBase uintptr
}

func (t imageTranslate) Translate(pfn pmm.PFN) uintptr {
	phys := uintptr(pfn) << mem.PageShift
	return t.virtBase + (phys - t.physBase)
}

// poolAlloc satisfies vmm.PageTableAlloc by bumping through poolStorage
// and translating the result back to a physical frame number through the
// same image-relative offset imageTranslate uses -- the Go analogue of
// BumpPageTableAlloc in mm/earlymap.rs.
type poolAlloc struct {
	physBase, virtBase uintptr
}

func (a poolAlloc) Allocate() (pmm.PFN, *kernel.Error) {
	preparePool()
	if poolNext >= poolFrames {
		return 0, errPoolExhausted
	}
	addr := poolBase + uintptr(poolNext)*uintptr(mem.PageSize)
	poolNext++
	phys := a.physBase + (addr - a.virtBase)
	return pmm.PFN(phys >> mem.PageShift), nil
}

// Mapper installs identity-style leaf mappings into the physmap window
// before the PFM exists, tracking every page it has mapped so Cleanup can
// tear a temporary mapping back down. Construct one per logical window
// (the bootinfo buffer, the bootheap range); poolStorage is shared
// across every Mapper built during boot, so build and use them in the
// order their teardown should happen.
type Mapper struct {
	vm     *vmm.Mapper
	mapped []vmm.VPN
}

// New builds a Mapper over the page table already rooted at root -- the
// one rt0 leaves installed in CR3 -- assuming every table node root
// reaches, direct or intermediate, lies within [kernelPhysBase,
// kernelPhysBase+amd64.KernelImageMaxSize) and is reachable at the same
// offset from amd64.KernelImageBase. That is the only thing this package
// assumes is already mapped; it does not assume physmap itself exists.
func New(root pmm.PFN, kernelPhysBase uintptr) *Mapper {
	translate := imageTranslate{physBase: kernelPhysBase, virtBase: amd64.KernelImageBase}
	alloc := poolAlloc{physBase: kernelPhysBase, virtBase: amd64.KernelImageBase}
	return &Mapper{vm: vmm.NewMapper(root, alloc, translate)}
}

// NewOverBootheap builds a Mapper whose intermediate page-table frames
// come from the bootheap itself (via bootheap.PTAlloc) rather than the
// static pool, and whose frame accesses go through the real physmap
// translation rather than the kernel-image-relative one New uses. It is
// only safe to use once the bootheap's own range has already been mapped
// into physmap by a Mapper built with New: every frame PTAlloc hands out
// lives inside that range. This is how physmap.Install reaches the rest
// of the memory map once the bootheap has bootstrapped its own
// reachability, and is what makes bootheap.PTAlloc load-bearing rather
// than a PageTableAlloc implementation nothing ever calls.
func NewOverBootheap(root pmm.PFN, heap *bootheap.Heap) *Mapper {
	alloc := bootheap.PTAlloc{Heap: heap}
	return &Mapper{vm: vmm.NewMapper(root, alloc, vmm.PhysmapTranslate{})}
}

// Map installs read/write leaf mappings for [basePFN, basePFN+pageCount)
// at their physmap-window virtual addresses, so physmap.ToAddr is correct
// for the range the moment Map returns. It satisfies physmap.RangeMapper.
func (m *Mapper) Map(basePFN, pageCount uintptr) *kernel.Error {
	start := vmm.VPN(physmap.Base>>mem.PageShift + basePFN)
	ptr := vmm.NewMappingPointer(start, pageCount)

	for i := uintptr(0); !ptr.Done(); i++ {
		vpn := ptr.Current
		if err := m.vm.Map(&ptr, pmm.PFN(basePFN+i), vmm.PermRead|vmm.PermWrite); err != nil {
			return err
		}
		m.mapped = append(m.mapped, vpn)
	}
	return nil
}

// dropGather flushes each unmapped page immediately instead of batching:
// Cleanup only ever tears down a handful of pages (the bootinfo buffer),
// so there's nothing worth accumulating toward a full-flush promotion.
type dropGather struct{}

func (dropGather) AddTLBFlush(vpn vmm.VPN) { cpu.FlushTLBEntry(vpn.Addr()) }

// Cleanup unmaps every page this Mapper has installed, for windows --
// like the bootinfo buffer -- that only need to live long enough to be
// parsed. Callers that leave a mapping permanently installed (the
// bootheap range) never call this.
//
// It does not cull emptied intermediate tables: the pool only bumps and
// never takes a frame back, so the emptied tables stay linked in place,
// and a later Mapper whose range falls under the same physmap tables
// walks through them instead of allocating new ones. The pool has enough
// slack that leaving a handful of early tables in place is harmless.
func (m *Mapper) Cleanup() {
	for _, vpn := range m.mapped {
		ptr := vmm.NewMappingPointer(vpn, 1)
		m.vm.Unmap(dropGather{}, &ptr)
	}
	m.mapped = nil
}
