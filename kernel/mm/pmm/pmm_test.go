package pmm

import (
	"unsafe"

	"ridgeos/kernel/mm/bootheap"
)

// testArena backs both "physical frames" and bootheap allocations with
// plain Go memory for the duration of a test, since the real physmap
// window is only valid on actual kernel hardware. frameAddrFn/physAddrFn
// are swapped to route through it; see walk_test.go's ptePtrFn override
// in the teacher tree for the analogous pattern.
type testArena struct {
	mem []byte
}

func newTestArena(bytes int) *testArena {
	return &testArena{mem: make([]byte, bytes)}
}

func (a *testArena) install() func() {
	origFrame, origPhys := frameAddrFn, physAddrFn
	base := uintptr(unsafe.Pointer(&a.mem[0]))

	frameAddrFn = func(f PFN) uintptr { return base + uintptr(f)*4096 }
	physAddrFn = func(physAddr uintptr) uintptr { return base + physAddr }

	return func() {
		frameAddrFn = origFrame
		physAddrFn = origPhys
	}
}

func (a *testArena) heap(startByte, endByte uintptr) *bootheap.Heap {
	return bootheap.New(startByte, endByte)
}
