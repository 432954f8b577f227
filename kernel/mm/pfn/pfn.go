// Package pfn defines the physical frame number type shared across the
// bootheap, PFM, and page-table engine so each can hand frames to the
// others without import cycles. Grounded on kernel/mem/pmm/frame.go's
// Frame type in the teacher tree, hoisted out of the pmm package itself
// since bootheap's PageTableAlloc implementation (§4.D) now needs to
// speak the same currency as the PFM's (§4.E) without depending on it.
package pfn

import "math"

// PFN is a physical page-frame number; address = PFN * PageSize.
type PFN uintptr

// InvalidFrame is returned by allocators on failure.
const InvalidFrame = PFN(math.MaxUint64)

// Valid reports whether f is not the InvalidFrame sentinel.
func (f PFN) Valid() bool { return f != InvalidFrame }
