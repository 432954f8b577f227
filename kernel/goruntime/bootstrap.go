// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator.
package goruntime

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/mem"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/mm/vmm"
)

var (
	mapper *vmm.Mapper
	pfm    *pmm.Allocator

	reserveCursor vmm.VPN
	reserveEnd    vmm.VPN

	mapFn                = mapPage
	earlyReserveRegionFn = earlyReserveRegion
	frameAllocFn         = allocFrame
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData
	prngSeed = 0xdeadc0de
)

var errGoHeapExhausted = &kernel.Error{Module: "goruntime", Code: kernel.ErrOutOfResources, Message: "go heap virtual range exhausted"}

// Configure wires the Go runtime's allocator hooks to the kernel address
// space's page-table mapper and the physical frame manager, and reserves
// [base, end) of kernel virtual address space for sysReserve/sysAlloc to
// bump-allocate from. It must run once, before Init, from kmain's boot
// sequence once the kernel address space and PFM are both online.
func Configure(m *vmm.Mapper, allocator *pmm.Allocator, base, end vmm.VPN) {
	mapper = m
	pfm = allocator
	reserveCursor = base
	reserveEnd = end
}

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

//go:linkname mSysStatInc runtime.mSysStatInc
func mSysStatInc(*uint64, uintptr)

// earlyReserveRegion bumps reserveCursor forward by enough pages to cover
// size bytes and returns the virtual address it starts at. It never installs
// any page-table entries; the caller is responsible for mapping whatever
// portion of the region it actually touches.
func earlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	pageCount := vmm.VPN(size.Pages())
	if reserveCursor+pageCount > reserveEnd {
		return 0, errGoHeapExhausted
	}
	start := reserveCursor
	reserveCursor += pageCount
	return start.Addr(), nil
}

// mapPage installs a single leaf translation through the kernel mapper.
func mapPage(page vmm.VPN, frame pmm.PFN, perms vmm.Perms) *kernel.Error {
	ptr := vmm.NewMappingPointer(page, 1)
	return mapper.Map(&ptr, frame, perms)
}

// allocFrame hands out one zeroed order-0 frame from the PFM.
func allocFrame() (pmm.PFN, *kernel.Error) {
	f, err := pfm.Allocate(0)
	if err != nil {
		return pmm.InvalidFrame, err
	}
	kernel.Memset(vmm.PhysmapTranslate{}.Translate(f), 0, uintptr(mem.PageSize))
	return f, nil
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr, reserved *bool) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		panic(err)
	}

	*reserved = true
	return unsafe.Pointer(regionStartAddr)
}

// sysMap establishes a mapping for a region previously reserved via
// sysReserve, backing every page with a freshly allocated zeroed frame.
// The teacher's copy-on-write shared zero page is not reproduced here: the
// page-table engine has no fault path that would distinguish a COW fault
// from any other write fault, so every page is materialized eagerly instead.
//
// This function replaces runtime.sysMap and is required for initializing the
// Go allocator.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, reserved bool, sysStat *uint64) unsafe.Pointer {
	if !reserved {
		panic("sysMap should only be called with reserved=true")
	}

	regionStartAddr := (uintptr(virtAddr) + uintptr(mem.PageSize-1)) &^ uintptr(mem.PageSize-1)
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	pageCount := regionSize.Pages()

	perms := vmm.PermRead | vmm.PermWrite
	page := vmm.PageFromAddr(regionStartAddr)
	for i := uint64(0); i < pageCount; i, page = i+1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := mapFn(page, frame, perms); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// sysAlloc reserves enough virtual address space and physical frames to
// satisfy the allocation request and establishes a contiguous mapping,
// returning a pointer to the region's start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	regionSize := (mem.Size(size) + mem.PageSize - 1) &^ (mem.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	perms := vmm.PermRead | vmm.PermWrite
	pageCount := regionSize.Pages()
	page := vmm.PageFromAddr(regionStartAddr)
	for i := uint64(0); i < pageCount; i, page = i+1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}
		if err := mapFn(page, frame, perms); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	mSysStatInc(sysStat, uintptr(regionSize))
	return unsafe.Pointer(regionStartAddr)
}

// nanotime returns a monotonically increasing clock value. This is a dummy
// implementation and will be replaced when the timekeeper package is
// implemented.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() uint64 {
	// Use a dummy loop to prevent the compiler from inlining this function.
	for i := 0; i < 100; i++ {
	}
	return 1
}

// getRandomData populates the given slice with random data. The runtime
// normally reads a random stream from /dev/random but since this is not
// available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to init
// the following runtime features become available for use:
//  - heap memory allocation (new, make e.t.c)
//  - map primitives
//  - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		reserved bool
		stat     uint64
		zeroPtr  = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0, &reserved)
	sysMap(zeroPtr, 0, reserved, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	stat = nanotime()
}
