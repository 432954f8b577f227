// Package pmm implements the physical frame manager: a buddy allocator
// over page frames, grounded on kernel/mem/pmm/frame.go's Frame type and
// kernel/mem/pmm/allocator/bootmem.go's single-owner allocator style in
// the teacher tree, generalized to the split-bitmap buddy scheme described
// in §3/§4.E of the design.
package pmm

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
	"ridgeos/kernel/mm/bootheap"
	"ridgeos/kernel/mm/pfn"
	"ridgeos/kernel/mm/physmap"
	"ridgeos/kernel/sync"
)

// PFN is a physical page-frame number; address = PFN * PageSize. It is an
// alias for pfn.PFN so every memory-management package shares one
// currency without importing each other in a cycle.
type PFN = pfn.PFN

// InvalidFrame is returned by Allocate on failure.
const InvalidFrame = pfn.InvalidFrame

// addr returns the kernel virtual address at which f's contents can be
// read/written, via the physmap window.
func addr(f PFN) uintptr { return frameAddrFn(f) }

// frameAddrFn resolves a PFN to the virtual address at which its contents
// are accessible. It is overridden by tests (which back frames with plain
// Go memory instead of a real physmap window) and otherwise automatically
// inlined by the compiler, the same seam pattern as the teacher's
// ptePtrFn/translateFn in kernel/mem/vmm/walk.go and translate.go.
var frameAddrFn = func(f PFN) uintptr { return physmap.ToAddr(uintptr(f)) }

// physAddrFn resolves an arbitrary physical byte address (used for the
// bootheap-backed split bitmaps in Init) to its virtual address. Mockable
// for the same reason as frameAddrFn.
var physAddrFn = physmap.ToAddrFromPhys

// MaxOrder bounds the buddy level count: blocks range from order 0 (one
// page) to MaxOrder-1 (2^(MaxOrder-1) pages).
const MaxOrder = 15

var errOutOfMemory = &kernel.Error{Module: "pmm", Code: kernel.ErrOutOfMemory, Message: "no free frames at requested order"}

// freeLink is the intrusive node stored at the start of every free block,
// accessed through the physmap translation. It forms a circular doubly
// linked list so Remove can unlink a known buddy in O(1) without a scan.
type freeLink struct {
	next, prev PFN
}

func linkAt(f PFN) *freeLink {
	return (*freeLink)(unsafe.Pointer(addr(f)))
}

// level holds one buddy order's free list head, free-block count, and
// split bitmap. Bit i of level k's splitBits covers the order-(k+1) parent
// block that contains frame (i << (k+1)): it is toggled each time either
// of that parent's two order-k halves is allocated or freed, so it is set
// exactly when one of the two halves is free.
type level struct {
	head      PFN
	count     uint64
	hasHead   bool
	splitBits bitutil.BitVector
}

// Allocator is the buddy physical frame manager. The zero value is not
// usable; call Init followed by one or more AddFreeRange calls.
type Allocator struct {
	lk         sync.Spinlock
	levels     [MaxOrder]level
	highestPFN uintptr
}

// Init allocates the MaxOrder split bitmaps from heap, sized for
// highestPFN frames, and zero-initializes them. It does not itself
// publish any free frames; the caller walks the memory map afterward and
// calls AddFreeRange for each usable, non-reserved range.
func (a *Allocator) Init(highestPFN uintptr, heap *bootheap.Heap) {
	a.highestPFN = highestPFN

	for k := 0; k < MaxOrder; k++ {
		nbits := (highestPFN >> uint(k+1)) + 1
		nwords := bitutil.WordsForBits(uint(nbits))
		nbytes := uintptr(nwords) * 8

		addr := heap.Alloc(bootheap.Layout{Size: nbytes, Align: 8})
		virt := physAddrFn(addr)
		kernel.Memset(virt, 0, nbytes)
		words := wordsAt(virt, nwords)

		a.levels[k] = level{splitBits: bitutil.NewBitVector(words)}
	}
}

func wordsAt(addr uintptr, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(addr)), n)
}

// splitIndex returns the bit index into level k's split bitmap for the
// parent of the block containing pfn.
func splitIndex(pfn PFN, order uint) uint {
	return uint(pfn) >> (order + 1)
}

// buddyOf returns pfn's sibling at the given order.
func buddyOf(pfn PFN, order uint) PFN {
	return pfn ^ PFN(1<<order)
}

// parentOf returns the order+1 block containing pfn.
func parentOf(pfn PFN, order uint) PFN {
	return pfn &^ PFN(1<<order)
}

// pushFront inserts pfn at the head of level k's free list.
func (a *Allocator) pushFront(k int, pfn PFN) {
	lv := &a.levels[k]

	link := linkAt(pfn)
	if lv.hasHead {
		oldHead := lv.head
		oldLink := linkAt(oldHead)
		link.next = oldHead
		link.prev = oldLink.prev
		linkAt(oldLink.prev).next = pfn
		oldLink.prev = pfn
	} else {
		link.next, link.prev = pfn, pfn
	}

	lv.head = pfn
	lv.hasHead = true
	lv.count++
}

// popFront removes and returns the head of level k's free list.
func (a *Allocator) popFront(k int) (PFN, bool) {
	lv := &a.levels[k]
	if !lv.hasHead {
		return InvalidFrame, false
	}

	pfn := lv.head
	a.remove(k, pfn)
	return pfn, true
}

// remove detaches a known member pfn from level k's free list.
func (a *Allocator) remove(k int, pfn PFN) {
	lv := &a.levels[k]
	link := linkAt(pfn)

	if link.next == pfn {
		lv.hasHead = false
		lv.head = InvalidFrame
	} else {
		linkAt(link.prev).next = link.next
		linkAt(link.next).prev = link.prev
		if lv.head == pfn {
			lv.head = link.next
		}
	}

	lv.count--
}

// AddFreeRange publishes every page in [start, end) as free, splitting the
// range into the largest aligned buddy blocks possible and handing each
// to Deallocate at its natural order.
func (a *Allocator) AddFreeRange(start, end uintptr) {
	pfn := start
	for pfn < end {
		order := uint(MaxOrder - 1)
		for order > 0 {
			blockSize := uintptr(1) << order
			if pfn%blockSize == 0 && pfn+blockSize <= end {
				break
			}
			order--
		}

		a.Deallocate(PFN(pfn), order)
		pfn += uintptr(1) << order
	}
}

// Allocate reserves one block of 2^order pages and returns its base PFN,
// or InvalidFrame with an error if no memory is available. Never panics.
func (a *Allocator) Allocate(order uint) (PFN, *kernel.Error) {
	a.lk.Acquire()
	defer a.lk.Release()

	if order >= MaxOrder {
		return InvalidFrame, errOutOfMemory
	}

	var foundLevel = -1
	for k := int(order); k < MaxOrder; k++ {
		if a.levels[k].hasHead {
			foundLevel = k
			break
		}
	}
	if foundLevel == -1 {
		return InvalidFrame, errOutOfMemory
	}

	pfn, _ := a.popFront(foundLevel)
	a.levels[foundLevel].splitBits.Toggle(splitIndex(pfn, uint(foundLevel)))

	for k := foundLevel - 1; k >= int(order); k-- {
		a.levels[k].splitBits.Toggle(splitIndex(pfn, uint(k)))
		buddy := buddyOf(pfn, uint(k))
		a.pushFront(k, buddy)
	}

	return pfn, nil
}

// Deallocate returns a block of 2^order pages starting at pfn to the
// allocator, merging with its buddy as far up as possible.
func (a *Allocator) Deallocate(pfn PFN, order uint) {
	a.lk.Acquire()
	defer a.lk.Release()

	for order < MaxOrder-1 {
		parentSplit := a.levels[order].splitBits.Toggle(splitIndex(pfn, order))
		if parentSplit {
			// Buddy is still allocated (one of the two children is free:
			// this one); stop merging here.
			break
		}

		buddy := buddyOf(pfn, order)
		a.remove(int(order), buddy)
		pfn = parentOf(pfn, order)
		order++
	}

	a.pushFront(int(order), pfn)
}

// FreeCount returns the number of free pages currently tracked at level k,
// expressed in units of 2^k pages.
func (a *Allocator) FreeCount(order uint) uint64 {
	if order >= MaxOrder {
		return 0
	}
	return a.levels[order].count
}
