// Package heap implements the kernel's general-purpose allocator: a
// segregated-size-class slab allocator over PFM-allocated pages, with a
// raw-page fallback for requests too large for the largest size class.
// Grounded on the slab allocator in the original kernel's mm/heap module,
// translated into the teacher's mockable-seam, spinlock-guarded idiom.
package heap

import "unsafe"

const pageSize = uintptr(4096)

// classSpec is the fixed (size, slab_order) table every Heap shares. Sizes
// are chosen so that rounding any requested size up to its class never
// reduces its trailing-zero count, so an aligned request never loses its
// alignment by being rounded to a size class.
type classSpec struct {
	size  uintptr
	order uint
}

var classSpecs = [...]classSpec{
	// single pointers and other very small objects
	{2, 0}, {8, 0},
	// 16-byte granularity
	{16, 0}, {32, 0}, {48, 0}, {64, 0}, {80, 0}, {96, 0},
	// 32-byte granularity
	{128, 0}, {160, 0}, {192, 0}, {224, 0},
	// 64-byte granularity
	{256, 1}, {320, 1}, {384, 1}, {448, 1},
	// 128-byte granularity
	{512, 2}, {640, 2}, {768, 2}, {896, 2},
	// 256-byte granularity
	{1024, 3}, {1280, 3}, {1536, 3}, {1792, 3}, {2048, 3},
}

const numSizeClasses = len(classSpecs)

// sizeClassMeta precomputes one size class's slab geometry: how many
// objects fit in a slab, and where the right-aligned object array begins.
type sizeClassMeta struct {
	size           uintptr
	order          uint
	objectsPerSlab uintptr
}

func newSizeClassMeta(spec classSpec) sizeClassMeta {
	slabSize := pageSize << spec.order
	headerSize := unsafe.Sizeof(slabHeader{})

	n := (slabSize - headerSize) / spec.size
	for headerSize+bitmapBytes(n)+n*spec.size > slabSize {
		n--
	}

	return sizeClassMeta{size: spec.size, order: spec.order, objectsPerSlab: n}
}

func (m sizeClassMeta) slabSize() uintptr { return pageSize << m.order }

func (m sizeClassMeta) firstObjectOffset() uintptr {
	return m.slabSize() - m.size*m.objectsPerSlab
}

var sizeClassMetas [numSizeClasses]sizeClassMeta

func init() {
	for i, spec := range classSpecs {
		sizeClassMetas[i] = newSizeClassMeta(spec)
	}
}

// getSizeClass returns the index of the smallest size class able to hold
// an allocation of effective bytes, or false if the request must fall back
// to raw pages.
func getSizeClass(effective uintptr) (int, bool) {
	lo, hi := 0, numSizeClasses
	for lo < hi {
		mid := (lo + hi) / 2
		if sizeClassMetas[mid].size < effective {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo == numSizeClasses {
		return 0, false
	}
	return lo, true
}
