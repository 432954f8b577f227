package heap

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/bitutil"
	"ridgeos/kernel/mm/physmap"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/sync"
)

var errOutOfMemory = &kernel.Error{Module: "heap", Code: kernel.ErrOutOfMemory, Message: "no frames available for a new slab"}

// frameAddrFn resolves a PFN to the kernel virtual address its contents are
// accessible at. Overridden by tests, which back slabs with plain Go memory
// instead of the real physmap window, the same seam pmm.frameAddrFn uses.
var frameAddrFn = physmap.ToAddr

// addrFrameFn is frameAddrFn's inverse, used when returning a slab to the
// PFM.
var addrFrameFn = physmap.FromAddr

func bitmapBytes(n uintptr) uintptr {
	return uintptr(bitutil.WordsForBits(uint(n))) * 8
}

// slabHeader sits at the base of every slab, immediately followed by the
// slab's allocation bitmap and then the (right-aligned) object array.
// allocated counts how many of the slab's objects are in use. next/prev
// link the header into its size class's partial-slab list; full and empty
// slabs are never linked.
type slabHeader struct {
	next, prev *slabHeader
	allocated  uint32
}

func headerAt(addr uintptr) *slabHeader { return (*slabHeader)(unsafe.Pointer(addr)) }

func (h *slabHeader) addr() uintptr { return uintptr(unsafe.Pointer(h)) }

func (h *slabHeader) bitmap(meta sizeClassMeta) bitutil.BitVector {
	base := h.addr() + unsafe.Sizeof(slabHeader{})
	words := unsafe.Slice((*uint64)(unsafe.Pointer(base)), bitutil.WordsForBits(uint(meta.objectsPerSlab)))
	return bitutil.NewBitVector(words)
}

func (h *slabHeader) objectAddr(meta sizeClassMeta, index uintptr) uintptr {
	return h.addr() + meta.firstObjectOffset() + index*meta.size
}

func slabHeaderFromObject(ptr uintptr, order uint) *slabHeader {
	return headerAt(bitutil.AlignDown(ptr, pageSize<<order))
}

// sizeClass owns one slab-backed pool of fixed-size objects. Every
// operation disables IRQs and holds the class's own spinlock for its
// duration, since allocation can be reached from interrupt context.
type sizeClass struct {
	meta    sizeClassMeta
	lk      sync.Spinlock
	partial *slabHeader // circular doubly linked list; nil when empty
	pfm     FrameSource
}

func (c *sizeClass) pushPartial(h *slabHeader) {
	if c.partial == nil {
		h.next, h.prev = h, h
	} else {
		head := c.partial
		h.next = head
		h.prev = head.prev
		head.prev.next = h
		head.prev = h
	}
	c.partial = h
}

func (c *sizeClass) popPartial() *slabHeader {
	h := c.partial
	if h != nil {
		c.unlink(h)
	}
	return h
}

func (c *sizeClass) unlink(h *slabHeader) {
	if h.next == h {
		c.partial = nil
	} else {
		h.prev.next = h.next
		h.next.prev = h.prev
		if c.partial == h {
			c.partial = h.next
		}
	}
	h.next, h.prev = nil, nil
}

func (c *sizeClass) allocSlab() (*slabHeader, *kernel.Error) {
	pfn, err := c.pfm.Allocate(c.meta.order)
	if err != nil {
		return nil, err
	}

	addr := frameAddrFn(pfn)
	h := headerAt(addr)
	h.next, h.prev, h.allocated = nil, nil, 0
	kernel.Memset(addr+unsafe.Sizeof(slabHeader{}), 0, bitmapBytes(c.meta.objectsPerSlab))

	return h, nil
}

func (c *sizeClass) allocate() (uintptr, *kernel.Error) {
	irq := sync.DisableIrq()
	defer irq.Release()
	c.lk.Acquire()
	defer c.lk.Release()

	h := c.popPartial()
	if h == nil {
		var err *kernel.Error
		h, err = c.allocSlab()
		if err != nil {
			return 0, err
		}
	}

	bitmap := h.bitmap(c.meta)
	idx, ok := bitmap.FirstZero(uint(c.meta.objectsPerSlab))
	if !ok {
		// popPartial/allocSlab only ever hand back a slab with a free slot.
		return 0, errOutOfMemory
	}
	bitmap.Set(idx)
	h.allocated++

	if uintptr(h.allocated) < c.meta.objectsPerSlab {
		c.pushPartial(h)
	}

	return h.objectAddr(c.meta, uintptr(idx)), nil
}

func (c *sizeClass) deallocate(ptr uintptr) {
	irq := sync.DisableIrq()
	defer irq.Release()
	c.lk.Acquire()
	defer c.lk.Release()

	h := slabHeaderFromObject(ptr, c.meta.order)
	wasFull := uintptr(h.allocated) == c.meta.objectsPerSlab
	h.allocated--

	if h.allocated == 0 {
		if c.meta.objectsPerSlab > 1 {
			c.unlink(h)
		}
		c.pfm.Deallocate(pmm.PFN(addrFrameFn(h.addr())), c.meta.order)
		return
	}

	idx := (ptr - h.addr() - c.meta.firstObjectOffset()) / c.meta.size
	bitmap := h.bitmap(c.meta)
	bitmap.Clear(uint(idx))

	if wasFull {
		c.pushPartial(h)
	}
}
