// Package kmain wires the kernel's subsystems together in boot order:
// bootinfo parsing, the bump bootheap, the buddy physical frame manager,
// the kernel address space, the Go runtime's allocator hooks, the slab
// heap, and finally the per-CPU scheduler. Grounded on the teacher's
// kernel/kmain.go entry point (hal.InitTerminal/early.Printf replaced by
// the serial console, and a real boot sequence substituted for the
// teacher's "clear the screen and spin" body).
package kmain

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/arch/amd64"
	"ridgeos/kernel/bootinfo"
	"ridgeos/kernel/console"
	"ridgeos/kernel/cpu"
	"ridgeos/kernel/goruntime"
	"ridgeos/kernel/heap"
	"ridgeos/kernel/mem"
	"ridgeos/kernel/mm/bootheap"
	"ridgeos/kernel/mm/earlymap"
	"ridgeos/kernel/mm/physmap"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/mm/vmm"
	"ridgeos/kernel/sched"
)

// goHeapBase/goHeapSize bound the virtual range Configure reserves for the
// Go runtime's sysReserve/sysAlloc bump allocator, carved out of the
// illustrative kernel address space layout in §6 of the design.
const (
	goHeapBase = amd64.KernelAspaceBase + (16 << 30) // +16 GiB
	goHeapSize = uintptr(512) << 20                  // 512 MiB
)

const idleStackSize = 16 * 1024

var pfm pmm.Allocator

// Kmain is the only Go symbol visible from the rt0 initialization code. It
// is invoked after rt0 has set up the GDT and a minimal bootstrap stack,
// leaving the CPU on a root page table whose own node chain lies within
// the kernel image -- the one narrow assumption component D's early
// mapper relies on, the same way ContextSwitch and the rest of kernel/cpu's
// primitives rely on the GDT already being loaded. The physmap window
// itself is not assumed to exist yet; Kmain brings it up. rt0 passes the
// physical address and size of the bootinfo buffer it built, and the
// kernel image's own physical load range. Kmain never returns; if it does,
// rt0 halts the CPU.
//
//go:noinline
func Kmain(bootInfoPhysAddr, bootInfoSize, kernelPhysStart, kernelPhysEnd uintptr) {
	console.Install()
	console.Logf(console.LevelInfo, "starting ridgeos\n")

	rootPFN := pmm.PFN(cpu.ReadCR3() >> mem.PageShift)

	// The bootinfo buffer must be read before anything else -- the memory
	// map and command line both live in it -- so it gets its own pool-backed
	// mapping, torn down once the data it's read is safely copied out.
	bootinfoMapper := earlymap.New(rootPFN, kernelPhysStart)
	bootinfoStartPFN := bootInfoPhysAddr >> mem.PageShift
	bootinfoPages := mem.Size(bootInfoSize).Pages()
	if err := bootinfoMapper.Map(bootinfoStartPFN, uintptr(bootinfoPages)); err != nil {
		kernel.Panic(err)
	}

	view, err := bootinfo.NewView(physAddrBytes(bootInfoPhysAddr, bootInfoSize))
	if err != nil {
		kernel.Panic(err)
	}

	var ranges []bootinfo.MemoryRange
	var cmdline string
	for _, item := range view.Items() {
		switch item.Kind {
		case bootinfo.KindMemoryMap:
			r, err := bootinfo.GetSlice[bootinfo.MemoryRange](item)
			if err != nil {
				kernel.Panic(err)
			}
			// GetSlice views the bootinfo buffer directly; copy it out
			// before Cleanup unmaps the window it lives in.
			ranges = append([]bootinfo.MemoryRange(nil), r...)
		case bootinfo.KindCommandLine:
			cmdline = string(item.Payload)
		}
	}
	bootinfoMapper.Cleanup()

	cl := console.ParseCmdline(cmdline)
	console.SetLevel(cl.LogLevel())

	bheap, highestPFN, bootheapRange := bringUpBootheap(ranges)

	// The bootheap's own range is mapped permanently and in full -- PFM and
	// physmap depend on it staying reachable for the rest of boot -- via
	// the pool-backed mapper. From there the bootheap bootstraps its own
	// reachability for the remaining usable ranges in the memory map
	// (physmap.Install with a bootheap-backed mapper), so the static pool
	// never has to cover more than the bootinfo buffer plus one range.
	bootheapMapper := earlymap.New(rootPFN, kernelPhysStart)
	if err := bootheapMapper.Map(bootheapRange.StartPFN, bootheapRange.PageCount); err != nil {
		kernel.Panic(err)
	}

	remaining := excludeRange(ranges, bootheapRange)
	if err := physmap.Install(remaining, earlymap.NewOverBootheap(rootPFN, bheap)); err != nil {
		kernel.Panic(err)
	}

	pfm.Init(highestPFN, bheap)

	usable := make([]bootheap.PFNRange, 0, len(ranges))
	for _, r := range ranges {
		if r.Kind != bootinfo.MemUsable {
			continue
		}
		usable = append(usable, bootheap.PFNRange{Start: r.StartPFN, End: r.StartPFN + r.PageCount})
	}

	reserved := []bootheap.PFNRange{
		bheap.UsedRange(),
		{Start: bootinfoStartPFN, End: bootinfoStartPFN + uintptr(bootinfoPages)},
	}
	for _, rr := range amd64.ReservedRanges(kernelPhysStart>>mem.PageShift, kernelPhysEnd>>mem.PageShift) {
		reserved = append(reserved, bootheap.PFNRange{Start: rr.Start, End: rr.End})
	}

	bootheap.IterUsableRanges(usable, reserved, func(r bootheap.PFNRange) {
		pfm.AddFreeRange(r.Start, r.End)
	})

	// The kernel address space inherits the root rt0 left installed,
	// rather than building a fresh one: its higher-half kernel mappings
	// (image, physmap) must already reach every address space built on it.
	ptAlloc := vmm.PMMPageTableAlloc{PMM: &pfm}

	kernelAS := vmm.NewAddrSpace(
		vmm.KernelOps{Root: rootPFN},
		&pfm,
		ptAlloc,
		vmm.PhysmapTranslate{},
		vmm.PageFromAddr(amd64.KernelAspaceBase),
		vmm.PageFromAddr(amd64.KernelAspaceEnd),
	)
	_ = kernelAS

	mapper := vmm.NewMapper(rootPFN, ptAlloc, vmm.PhysmapTranslate{})
	goruntime.Configure(mapper, &pfm, vmm.PageFromAddr(goHeapBase), vmm.PageFromAddr(goHeapBase+goHeapSize))
	if err := goruntime.Init(); err != nil {
		kernel.Panic(err)
	}

	kheap := heap.New(&pfm)

	cpuState, err := sched.NewCpuState(kheap, idleStackSize)
	if err != nil {
		kernel.Panic(err)
	}

	console.Logf(console.LevelInfo, "boot complete\n")

	for {
		cpuState.Preempt()
	}
}

// bringUpBootheap picks the largest usable range reported in the memory
// map and carves a bump allocator out of it, returning the highest frame
// number seen across every range (so the PFM can size its free-list
// levels) and the chosen range itself (so the caller can map it and
// exclude it from later passes).
func bringUpBootheap(ranges []bootinfo.MemoryRange) (*bootheap.Heap, uintptr, bootinfo.MemoryRange) {
	var best bootinfo.MemoryRange
	var highestPFN uintptr

	for _, r := range ranges {
		if end := r.StartPFN + r.PageCount; end > highestPFN {
			highestPFN = end
		}
		if r.Kind == bootinfo.MemUsable && r.PageCount > best.PageCount {
			best = r
		}
	}

	if best.PageCount == 0 {
		kernel.Panic(&kernel.Error{Module: "kmain", Code: kernel.ErrOutOfMemory, Message: "no usable memory range reported by the loader"})
	}

	base := best.StartPFN << mem.PageShift
	end := (best.StartPFN + best.PageCount) << mem.PageShift
	return bootheap.New(base, end), highestPFN, best
}

// excludeRange returns ranges with any overlap against excl trimmed away,
// so physmap.Install's pass over the rest of the memory map never tries to
// re-map frames the bootheap's own range already covers permanently.
func excludeRange(ranges []bootinfo.MemoryRange, excl bootinfo.MemoryRange) []bootinfo.MemoryRange {
	exclStart, exclEnd := excl.StartPFN, excl.StartPFN+excl.PageCount

	out := make([]bootinfo.MemoryRange, 0, len(ranges))
	for _, r := range ranges {
		start, end := r.StartPFN, r.StartPFN+r.PageCount
		if r.Kind != bootinfo.MemUsable || end <= exclStart || start >= exclEnd {
			out = append(out, r)
			continue
		}
		if start < exclStart {
			out = append(out, bootinfo.MemoryRange{StartPFN: start, PageCount: exclStart - start, Kind: r.Kind})
		}
		if end > exclEnd {
			out = append(out, bootinfo.MemoryRange{StartPFN: exclEnd, PageCount: end - exclEnd, Kind: r.Kind})
		}
	}
	return out
}

// physAddrBytes views size bytes at the given physical address through the
// physmap window as a byte slice, for reading the bootinfo buffer the
// loader built before any higher-level allocator exists.
func physAddrBytes(physAddr, size uintptr) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(physmap.ToAddrFromPhys(physAddr))), size)
}
