package vmm

import (
	"unsafe"

	"ridgeos/kernel"
	"ridgeos/kernel/arch/amd64"
	"ridgeos/kernel/mm/pmm"
)

// VPN is a virtual page number; address = VPN * PageSize.
type VPN uintptr

// Addr returns the virtual address at the start of v.
func (v VPN) Addr() uintptr { return uintptr(v) << 12 }

// PageFromAddr returns the VPN containing addr.
func PageFromAddr(addr uintptr) VPN { return VPN(addr >> 12) }

var (
	errEntryExists = &kernel.Error{Module: "vmm", Code: kernel.ErrEntryExists, Message: "leaf entry already present"}
	errHugePage    = &kernel.Error{Module: "vmm", Code: kernel.ErrInvalidState, Message: "cannot walk through a huge page entry"}
	errOutOfMemory = &kernel.Error{Module: "vmm", Code: kernel.ErrOutOfMemory, Message: "no frame available for new page table"}
)

// PageTableAlloc allocates frames to back newly created intermediate page
// tables. Implemented by the bootheap's bump allocator before the PFM is
// online, and by the PFM (order 0) afterward.
type PageTableAlloc interface {
	Allocate() (pmm.PFN, *kernel.Error)
}

// TranslatePhys maps a PFN to the virtual address at which the engine can
// read/write that frame's contents -- normally the physmap translation,
// but swappable in tests.
type TranslatePhys interface {
	Translate(pmm.PFN) uintptr
}

// MappingPointer is a cursor over a contiguous run of virtual pages,
// letting the engine be driven across an arbitrarily large range
// (including one that straddles page-table level boundaries) one page at
// a time without the caller tracking indices itself.
type MappingPointer struct {
	Current   VPN
	Remaining uintptr
}

// NewMappingPointer returns a cursor starting at start and covering count
// pages.
func NewMappingPointer(start VPN, count uintptr) MappingPointer {
	return MappingPointer{Current: start, Remaining: count}
}

// Done reports whether every page in the cursor's range has been visited.
func (p *MappingPointer) Done() bool { return p.Remaining == 0 }

// Advance moves the cursor forward by one page.
func (p *MappingPointer) Advance() {
	p.Current++
	p.Remaining--
}

// GatherInvalidations accumulates pages that need a TLB flush after an
// unmap. The address space supplies the concrete implementation, which
// promotes to a full flush once a fixed cap of specific pages is
// exceeded (§4.F).
type GatherInvalidations interface {
	AddTLBFlush(vpn VPN)
}

// Mapper drives the generic four-level x86-64 page-table walk described
// in §4.F. It is parameterized over PageTableAlloc and TranslatePhys so
// the same walker serves the early mapper (component D, bootheap-backed)
// and the steady-state address spaces (component G, PFM-backed).
type Mapper struct {
	root      pmm.PFN
	alloc     PageTableAlloc
	translate TranslatePhys
}

// NewMapper constructs a Mapper over the page table rooted at root.
func NewMapper(root pmm.PFN, alloc PageTableAlloc, translate TranslatePhys) *Mapper {
	return &Mapper{root: root, alloc: alloc, translate: translate}
}

func (m *Mapper) tableAt(pfn pmm.PFN) *[amd64.EntriesPerTable]entry {
	return (*[amd64.EntriesPerTable]entry)(unsafe.Pointer(m.translate.Translate(pfn)))
}

func levelIndex(vpn VPN, level uint) uintptr {
	addr := vpn.Addr()
	shift := amd64.PageLevelShifts[level]
	bits := amd64.PageLevelBits[level]
	return (addr >> shift) & ((1 << bits) - 1)
}

// Map installs a single leaf translation at ptr.Current, advancing ptr by
// one page. Intermediate tables are created on demand with permissions
// merged to the union of every mapping that passes through them; a
// PRESENT leaf already at the target address fails with EntryExists, and
// walking into an existing HUGE entry fails since the engine does not
// split huge pages.
func (m *Mapper) Map(ptr *MappingPointer, pfn pmm.PFN, perms Perms) *kernel.Error {
	vpn := ptr.Current
	tablePFN := m.root

	for level := uint(0); level < amd64.PageLevels-1; level++ {
		table := m.tableAt(tablePFN)
		idx := levelIndex(vpn, level)
		e := &table[idx]

		switch {
		case !e.present():
			newPFN, err := m.alloc.Allocate()
			if err != nil {
				return errOutOfMemory
			}
			zeroTable(m.tableAt(newPFN))
			e.setFrame(newPFN)
			e.setFlags(nonLeafFlagsFrom(perms))
			if perms.Contains(PermExecute) {
				e.clearFlags(flagNoExecute)
			} else {
				e.setFlags(flagNoExecute)
			}
		case e.huge():
			return errHugePage
		default:
			mergeNonLeaf(e, perms)
		}

		tablePFN = e.frame()
	}

	leafTable := m.tableAt(tablePFN)
	leafIdx := levelIndex(vpn, amd64.PageLevels-1)
	leaf := &leafTable[leafIdx]

	if leaf.present() {
		return errEntryExists
	}

	leaf.setFrame(pfn)
	leaf.setFlags(leafFlagsFrom(perms))

	ptr.Advance()
	return nil
}

// Unmap clears the leaf entry at ptr.Current (if present), records the
// page for invalidation in gather, and advances ptr by one page.
func (m *Mapper) Unmap(gather GatherInvalidations, ptr *MappingPointer) *kernel.Error {
	vpn := ptr.Current
	tablePFN := m.root

	for level := uint(0); level < amd64.PageLevels-1; level++ {
		table := m.tableAt(tablePFN)
		idx := levelIndex(vpn, level)
		e := &table[idx]

		if !e.present() {
			ptr.Advance()
			return nil
		}
		if e.huge() {
			return errHugePage
		}
		tablePFN = e.frame()
	}

	leafTable := m.tableAt(tablePFN)
	leafIdx := levelIndex(vpn, amd64.PageLevels-1)
	leaf := &leafTable[leafIdx]

	if leaf.present() {
		*leaf = 0
		gather.AddTLBFlush(vpn)
	}

	ptr.Advance()
	return nil
}

// Lookup walks to the leaf entry for vpn and reports whether it is
// present along with the PFN and leaf flags it maps to. It never
// allocates, used by both the fault handler and tests asserting
// permission-union behavior.
func (m *Mapper) Lookup(vpn VPN) (pfn pmm.PFN, writable, userAccessible, noExecute, ok bool) {
	tablePFN := m.root

	for level := uint(0); level < amd64.PageLevels-1; level++ {
		table := m.tableAt(tablePFN)
		idx := levelIndex(vpn, level)
		e := table[idx]
		if !e.present() {
			return 0, false, false, false, false
		}
		tablePFN = e.frame()
	}

	leafTable := m.tableAt(tablePFN)
	leafIdx := levelIndex(vpn, amd64.PageLevels-1)
	leaf := leafTable[leafIdx]
	if !leaf.present() {
		return 0, false, false, false, false
	}

	return leaf.frame(), leaf.hasFlags(flagWritable), leaf.hasFlags(flagUser), leaf.hasFlags(flagNoExecute), true
}

// IntermediateFlags walks to the intermediate (non-leaf) entry for vpn at
// the given level (0 is the root table; amd64.PageLevels-2 is the deepest
// intermediate level) and reports whether it grants write/user/execute,
// used to
// assert the permission-union invariant (testable property 4) across
// intermediate levels rather than just the leaf.
func (m *Mapper) IntermediateFlags(vpn VPN, level uint) (writable, userAccessible, executable, ok bool) {
	tablePFN := m.root

	for l := uint(0); l <= level && l < amd64.PageLevels-1; l++ {
		table := m.tableAt(tablePFN)
		idx := levelIndex(vpn, l)
		e := table[idx]
		if !e.present() {
			return false, false, false, false
		}
		if l == level {
			return e.hasFlags(flagWritable), e.hasFlags(flagUser), !e.hasFlags(flagNoExecute), true
		}
		tablePFN = e.frame()
	}

	return false, false, false, false
}

// CullTables sweeps [start, start+count) and frees, via freeCb, any
// intermediate table that became entirely empty after an unmap pass. It
// walks level by level from the leaf's parent upward so a table is only
// inspected after all of its children have already been considered.
func (m *Mapper) CullTables(freeCb func(pmm.PFN), start VPN, count uintptr) {
	for level := int(amd64.PageLevels) - 2; level >= 0; level-- {
		m.cullLevel(freeCb, start, count, uint(level))
	}
}

func (m *Mapper) cullLevel(freeCb func(pmm.PFN), start VPN, count uintptr, level uint) {
	seen := make(map[pmm.PFN]bool)

	vpn := start
	for i := uintptr(0); i < count; i++ {
		tablePFN := m.root
		present := true

		for l := uint(0); l < level; l++ {
			table := m.tableAt(tablePFN)
			idx := levelIndex(vpn, l)
			e := table[idx]
			if !e.present() {
				present = false
				break
			}
			tablePFN = e.frame()
		}

		if present {
			table := m.tableAt(tablePFN)
			idx := levelIndex(vpn, level)
			e := &table[idx]

			if e.present() {
				childPFN := e.frame()
				if !seen[childPFN] {
					seen[childPFN] = true
					if child := m.tableAt(childPFN); tableEmpty(child) {
						freeCb(childPFN)
						*e = 0
					}
				}
			}
		}

		vpn++
	}
}

func tableEmpty(table *[amd64.EntriesPerTable]entry) bool {
	for _, e := range table {
		if e.present() {
			return false
		}
	}
	return true
}

func zeroTable(table *[amd64.EntriesPerTable]entry) {
	for i := range table {
		table[i] = 0
	}
}

// maxPageInvalidations bounds GatherInvalidations implementations before
// they must promote to a full TLB flush (§4.F, §9: an untuned heuristic
// treated as a configurable knob).
var maxPageInvalidations = 10

// SetMaxPageInvalidations overrides the invalidation-gather cap.
func SetMaxPageInvalidations(n int) { maxPageInvalidations = n }
