package heap

import (
	"math/bits"
	"testing"
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
	"ridgeos/kernel/mm/pmm"
)

// testFrameSource is a trivial bump/free-list FrameSource backed by plain Go
// memory, standing in for the PFM the same way pmm's own testArena stands
// in for the physmap window in that package's tests.
type testFrameSource struct {
	mem      []byte
	capPages uintptr
	next     uintptr
	free     []pmm.PFN
}

func newTestFrameSource(pages int) *testFrameSource {
	// Slab-header recovery aligns an object pointer down to its frame's page
	// boundary, so the arena needs one spare page of slack to round its
	// arbitrary Go-heap base address up to a real page boundary.
	return &testFrameSource{mem: make([]byte, (pages+1)*int(pageSize)), capPages: uintptr(pages)}
}

func (s *testFrameSource) install() func() {
	origFrame, origAddrFrame := frameAddrFn, addrFrameFn
	base := bitutil.AlignUp(uintptr(unsafe.Pointer(&s.mem[0])), pageSize)

	frameAddrFn = func(f pmm.PFN) uintptr { return base + uintptr(f)*pageSize }
	addrFrameFn = func(addr uintptr) uintptr { return uintptr((addr - base) / pageSize) }

	return func() {
		frameAddrFn = origFrame
		addrFrameFn = origAddrFrame
	}
}

func (s *testFrameSource) Allocate(order uint) (pmm.PFN, *kernel.Error) {
	pagesNeeded := uintptr(1) << order
	if len(s.free) > 0 {
		pfn := s.free[len(s.free)-1]
		s.free = s.free[:len(s.free)-1]
		return pfn, nil
	}

	start := s.next
	if start+pagesNeeded > s.capPages {
		return pmm.InvalidFrame, &kernel.Error{Module: "test", Message: "out of test frames"}
	}
	s.next += pagesNeeded
	return pmm.PFN(start), nil
}

func (s *testFrameSource) Deallocate(pfn pmm.PFN, _ uint) {
	s.free = append(s.free, pfn)
}

func TestSizeClassTableIsMonotoneAndAlignmentPreserving(t *testing.T) {
	for i := 1; i < numSizeClasses; i++ {
		if sizeClassMetas[i].size <= sizeClassMetas[i-1].size {
			t.Fatalf("size class %d (%d) is not larger than class %d (%d)", i, sizeClassMetas[i].size, i-1, sizeClassMetas[i-1].size)
		}
	}

	// Rounding a request up to its class must not lower its trailing-zero
	// count, so an aligned request stays aligned.
	for n := uintptr(1); n <= sizeClassMetas[numSizeClasses-1].size; n++ {
		idx, _ := getSizeClass(n)
		if bits.TrailingZeros64(uint64(sizeClassMetas[idx].size)) < bits.TrailingZeros64(uint64(n)) {
			t.Fatalf("request of %d bytes rounds up to class size %d, losing alignment", n, sizeClassMetas[idx].size)
		}
	}
}

func TestUsableSizeMonotonicity(t *testing.T) {
	src := newTestFrameSource(64)
	defer src.install()()
	h := New(src)

	for n := uintptr(1); n < 4096; n++ {
		if h.UsableSize(n, 1) < n {
			t.Fatalf("usable size for %d is smaller than the request", n)
		}
		if h.UsableSize(n, 1) > h.UsableSize(n+1, 1) {
			t.Fatalf("usable size decreased from n=%d to n=%d", n, n+1)
		}
	}
}

func TestAllocateDeallocateSmallObjects(t *testing.T) {
	src := newTestFrameSource(8)
	defer src.install()()
	h := New(src)

	ptrs := make([]uintptr, 0, 16)
	for i := 0; i < 16; i++ {
		p, err := h.Allocate(16, 8)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		for _, seen := range ptrs {
			if seen == p {
				t.Fatalf("allocate %d returned a pointer already in use", i)
			}
		}
		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		h.Deallocate(p, 16, 8)
	}

	// The slab should be fully reclaimed: allocating again should reuse the
	// same pointer set rather than exhausting fresh frames.
	p, err := h.Allocate(16, 8)
	if err != nil {
		t.Fatalf("reallocate after full free: %v", err)
	}
	found := false
	for _, seen := range ptrs {
		if seen == p {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the freed slab to be reused")
	}
}

// TestSlabFillTriggersNewSlabAndFreeFromFullSlabRelinks is grounded on the
// size-class=64/slab_order=0 slab-fill walkthrough: allocate every object a
// single slab can hold, confirm the next allocation comes from a fresh slab,
// then free one object out of the first (full) slab and confirm it is
// usable again.
//
// objects_per_slab here is derived from this package's own slabHeader
// layout (24 bytes: two pointers plus a uint32, rounded up to 8-byte
// alignment) rather than the literal 62 worked in terms of a 16-byte
// header; see DESIGN.md for why the two headers differ in size.
func TestSlabFillTriggersNewSlabAndFreeFromFullSlabRelinks(t *testing.T) {
	src := newTestFrameSource(4)
	defer src.install()()
	h := New(src)

	idx, ok := getSizeClass(64)
	if !ok {
		t.Fatal("expected a 64-byte size class to exist")
	}
	meta := sizeClassMetas[idx]

	seen := map[uintptr]bool{}
	for i := uintptr(0); i < meta.objectsPerSlab; i++ {
		p, err := h.Allocate(64, 8)
		if err != nil {
			t.Fatalf("allocate %d: %v", i, err)
		}
		if seen[p] {
			t.Fatalf("allocate %d returned a duplicate pointer", i)
		}
		seen[p] = true
		if p%64 != 0 {
			t.Fatalf("allocate %d returned a misaligned pointer 0x%x", i, p)
		}
	}

	framesUsedSoFar := src.next

	overflow, err := h.Allocate(64, 8)
	if err != nil {
		t.Fatalf("allocate past a full slab: %v", err)
	}
	if src.next == framesUsedSoFar {
		t.Fatal("expected the 63rd-equivalent allocation to pull a fresh slab from the frame source")
	}
	if seen[overflow] {
		t.Fatal("the overflow allocation reused a pointer from the first slab")
	}

	h.Deallocate(overflow, 64, 8)

	var freedFromFirstSlab uintptr
	for p := range seen {
		freedFromFirstSlab = p
		break
	}
	h.Deallocate(freedFromFirstSlab, 64, 8)

	// The first slab, previously full, should now accept a fresh allocation
	// via its partial-list re-link rather than requiring another fresh slab.
	reused, err := h.Allocate(64, 8)
	if err != nil {
		t.Fatalf("allocate after freeing from a full slab: %v", err)
	}
	if reused != freedFromFirstSlab {
		t.Fatalf("expected the freed slot 0x%x to be reused; got 0x%x", freedFromFirstSlab, reused)
	}
}

func TestOversizedAllocationFallsBackToRawPages(t *testing.T) {
	src := newTestFrameSource(16)
	defer src.install()()
	h := New(src)

	const big = 3000 // bytes: larger than the biggest size class, fits in one page
	p, err := h.Allocate(big, 8)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}
	if p%pageSize != 0 {
		t.Fatalf("raw page allocation 0x%x is not page-aligned", p)
	}

	h.Deallocate(p, big, 8)
}

func TestReallocInPlaceWhenUsableSizeUnchanged(t *testing.T) {
	src := newTestFrameSource(8)
	defer src.install()()
	h := New(src)

	p, err := h.Allocate(10, 4)
	if err != nil {
		t.Fatalf("allocate: %v", err)
	}

	// 10 and 14, both aligned to 4, round up to the same 16-byte class.
	p2, err := h.Realloc(p, 10, 4, 14, 4)
	if err != nil {
		t.Fatalf("realloc: %v", err)
	}
	if p2 != p {
		t.Fatalf("expected realloc within the same size class to be a no-op; got 0x%x want 0x%x", p2, p)
	}
}
