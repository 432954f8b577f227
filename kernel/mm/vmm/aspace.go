package vmm

import (
	"ridgeos/kernel"
	"ridgeos/kernel/cpu"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/sync"
)

// FlushRequest describes the TLB invalidation an Ops implementation must
// perform after a tree mutation: either a bounded list of specific pages or
// a full flush once GatherInvalidations has seen more than it can hold.
type FlushRequest struct {
	Full  bool
	Pages []VPN
}

// Ops supplies the policy an AddrSpace is parameterized over (§4.G): where
// its root table lives, how it flushes the TLB, and the permission floor
// every leaf mapping is unioned with.
type Ops interface {
	RootPT() pmm.PFN
	Flush(req FlushRequest)
	BasePerms() Perms
}

// KernelOps backs the single shared kernel address space: its root table is
// the statically allocated kernel PML4, flushing goes through flushPages
// (one invlpg per named page, or a CR3 reload once the gather has been
// promoted to a full flush), and base_perms is empty -- a kernel mapping
// carries exactly the permissions its protection asks for.
type KernelOps struct {
	Root pmm.PFN
}

// RootPT implements Ops.
func (o KernelOps) RootPT() pmm.PFN { return o.Root }

// BasePerms implements Ops.
func (o KernelOps) BasePerms() Perms { return 0 }

// Flush implements Ops.
func (o KernelOps) Flush(req FlushRequest) { flushPages(req) }

// UserOps backs a per-process low/user address space: its root table is
// the frame given in Root, which UserOps does not allocate or free itself,
// and every leaf mapping is unioned with USER regardless of what its
// protection requests.
type UserOps struct {
	Root pmm.PFN
}

// RootPT implements Ops.
func (o UserOps) RootPT() pmm.PFN { return o.Root }

// BasePerms implements Ops.
func (o UserOps) BasePerms() Perms { return PermUser }

// Flush implements Ops.
func (o UserOps) Flush(req FlushRequest) { flushPages(req) }

// flushPages is the shared TLB-invalidation strategy for both standard Ops:
// a full reload when the gather promoted past its cap, otherwise one
// invlpg per accumulated page.
func flushPages(req FlushRequest) {
	if req.Full {
		cpu.FlushTLBAll()
		return
	}
	for _, vpn := range req.Pages {
		cpu.FlushTLBEntry(vpn.Addr())
	}
}

// flushGather is the GatherInvalidations sink AddrSpace hands to the
// mapper's Unmap: it accumulates specific pages up to maxPageInvalidations
// and promotes to a full flush once that cap is exceeded.
type flushGather struct {
	pages []VPN
	full  bool
}

func (g *flushGather) AddTLBFlush(vpn VPN) {
	if g.full {
		return
	}
	if len(g.pages) >= maxPageInvalidations {
		g.full = true
		g.pages = nil
		return
	}
	g.pages = append(g.pages, vpn)
}

func (g *flushGather) request() FlushRequest {
	if g.full {
		return FlushRequest{Full: true}
	}
	return FlushRequest{Pages: g.pages}
}

// child is one entry in a slice's ordered-by-start children list. Exactly
// one of slice/mapping is non-nil.
type child struct {
	start   VPN
	count   uintptr
	slice   *sliceState
	mapping *mappingState
}

// sliceState is the interior state a Slice handle points at. unmap_slice
// sets detached on every descendant instead of nulling the pointer itself,
// since every live handle shares one *sliceState; checking detached is the
// handle's INVALID_STATE test.
type sliceState struct {
	name     string
	start    VPN
	count    uintptr
	parent   *sliceState
	self     *child
	children []*child
	detached bool
}

// mappingState is the interior state a Mapping handle points at.
type mappingState struct {
	start        VPN
	count        uintptr
	objectOffset uintptr
	object       VmObject
	prot         Perms
	parent       *sliceState
	self         *child
	detached     bool
}

// Slice is a handle into the address-space tree. Once detached (by an
// ancestor's UnmapSlice), every method returns INVALID_STATE; the handle
// itself stays valid to hold but inert.
type Slice struct {
	aspace *AddrSpace
	state  *sliceState
}

// Mapping is a handle to one mapping node: a VM object bound to a range of
// an address space with a fixed protection.
type Mapping struct {
	aspace *AddrSpace
	state  *mappingState
}

// AddrSpace composes the page-table engine with an Ops policy and the
// slice/mapping tree rooted at a single top-level Slice spanning
// [base, end). All tree mutation and fault resolution go through one
// spinlock, adequate since VmObject.ProvidePage is contractually
// non-blocking.
type AddrSpace struct {
	lk     sync.Spinlock
	ops    Ops
	pfm    *pmm.Allocator
	mapper *Mapper
	root   *Slice
}

// NewAddrSpace constructs an address space spanning [base, end) whose root
// table is ops.RootPT(). New intermediate page tables are allocated through
// alloc and freed back to pfm when CullTables finds them empty; translate
// resolves PFNs to addresses the mapper can dereference (normally the
// physmap window).
func NewAddrSpace(ops Ops, pfm *pmm.Allocator, alloc PageTableAlloc, translate TranslatePhys, base, end VPN) *AddrSpace {
	as := &AddrSpace{
		ops:    ops,
		pfm:    pfm,
		mapper: NewMapper(ops.RootPT(), alloc, translate),
	}
	as.root = &Slice{aspace: as, state: &sliceState{name: "root", start: base, count: uintptr(end - base)}}
	return as
}

// Root returns the handle to the address space's top-level slice.
func (as *AddrSpace) Root() *Slice { return as.root }

// findGap scans parent's ordered children for the first run of at least
// count free pages within its bounds.
func findGap(parent *sliceState, count uintptr) (VPN, *kernel.Error) {
	cursor := parent.start
	end := parent.start + VPN(parent.count)

	for _, c := range parent.children {
		if uintptr(c.start-cursor) >= count {
			return cursor, nil
		}
		if childEnd := c.start + VPN(c.count); childEnd > cursor {
			cursor = childEnd
		}
	}
	if uintptr(end-cursor) >= count {
		return cursor, nil
	}
	return 0, errOutOfResources
}

// checkRange validates an explicitly requested [start, start+count) against
// parent's bounds and its existing children.
func checkRange(parent *sliceState, start VPN, count uintptr) *kernel.Error {
	end := start + VPN(count)
	if end < start {
		return errInvalidArgument
	}
	if start < parent.start || end > parent.start+VPN(parent.count) {
		return errInvalidArgument
	}
	for _, c := range parent.children {
		cEnd := c.start + VPN(c.count)
		if start < cEnd && c.start < end {
			return errResourceOverlap
		}
	}
	return nil
}

func insertChild(parent *sliceState, c *child) {
	i := 0
	for i < len(parent.children) && parent.children[i].start < c.start {
		i++
	}
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = c
}

func removeChild(parent *sliceState, target *child) {
	for i, c := range parent.children {
		if c == target {
			parent.children = append(parent.children[:i], parent.children[i+1:]...)
			return
		}
	}
}

// detachDescendants marks every child of s as detached, recursing into
// sub-slices depth-first, without touching s itself.
func detachDescendants(s *sliceState) {
	for _, c := range s.children {
		switch {
		case c.slice != nil:
			detachDescendants(c.slice)
			c.slice.detached = true
		case c.mapping != nil:
			c.mapping.detached = true
		}
	}
	s.children = nil
}

// findMapping performs the depth-first search fault() uses to locate the
// mapping that contains vpn.
func findMapping(s *sliceState, vpn VPN) *mappingState {
	for _, c := range s.children {
		switch {
		case c.mapping != nil:
			end := c.mapping.start + VPN(c.mapping.count)
			if vpn >= c.mapping.start && vpn < end {
				return c.mapping
			}
		case c.slice != nil:
			if m := findMapping(c.slice, vpn); m != nil {
				return m
			}
		}
	}
	return nil
}

// CreateSubslice creates a child slice of parent, either at an explicit
// start or at the first available gap of the requested size.
func (as *AddrSpace) CreateSubslice(parent *Slice, name string, start *VPN, count uintptr) (*Slice, *kernel.Error) {
	as.lk.Acquire()
	defer as.lk.Release()

	if parent.state == nil || parent.state.detached {
		return nil, errInvalidState
	}
	if count == 0 {
		return nil, errInvalidArgument
	}

	base, err := as.resolveRange(parent.state, start, count)
	if err != nil {
		return nil, err
	}

	c := &child{start: base, count: count}
	state := &sliceState{name: name, start: base, count: count, parent: parent.state, self: c}
	c.slice = state
	insertChild(parent.state, c)

	return &Slice{aspace: as, state: state}, nil
}

// Map binds object[objectOffset:objectOffset+count] into a new mapping
// child of parent with the given protection.
func (as *AddrSpace) Map(parent *Slice, start *VPN, count uintptr, objectOffset uintptr, object VmObject, prot Perms) (*Mapping, *kernel.Error) {
	as.lk.Acquire()
	defer as.lk.Release()

	if parent.state == nil || parent.state.detached {
		return nil, errInvalidState
	}
	if count == 0 {
		return nil, errInvalidArgument
	}
	if objectOffset+count > object.PageCount() {
		return nil, errInvalidArgument
	}

	base, err := as.resolveRange(parent.state, start, count)
	if err != nil {
		return nil, err
	}

	c := &child{start: base, count: count}
	state := &mappingState{start: base, count: count, objectOffset: objectOffset, object: object, prot: prot, parent: parent.state, self: c}
	c.mapping = state
	insertChild(parent.state, c)

	return &Mapping{aspace: as, state: state}, nil
}

func (as *AddrSpace) resolveRange(parent *sliceState, start *VPN, count uintptr) (VPN, *kernel.Error) {
	if start == nil {
		return findGap(parent, count)
	}
	if err := checkRange(parent, *start, count); err != nil {
		return 0, err
	}
	return *start, nil
}

// UnmapSlice recursively detaches every descendant of s, removes s from its
// parent, tears down its leaf page-table entries, flushes, and culls the
// intermediate tables the teardown emptied. The root slice cannot be
// unmapped.
func (as *AddrSpace) UnmapSlice(s *Slice) *kernel.Error {
	as.lk.Acquire()
	defer as.lk.Release()

	if s.state == nil || s.state.detached {
		return errInvalidState
	}
	if s.state.parent == nil {
		return errInvalidArgument
	}

	start, count := s.state.start, s.state.count
	detachDescendants(s.state)
	s.state.detached = true
	removeChild(s.state.parent, s.state.self)

	as.teardownRange(start, count)
	return nil
}

// Unmap detaches mapping m, removes it from its parent slice, and tears
// down its leaf page-table entries.
func (as *AddrSpace) Unmap(m *Mapping) *kernel.Error {
	as.lk.Acquire()
	defer as.lk.Release()

	if m.state == nil || m.state.detached {
		return errInvalidState
	}

	start, count := m.state.start, m.state.count
	m.state.detached = true
	removeChild(m.state.parent, m.state.self)

	as.teardownRange(start, count)
	return nil
}

func (as *AddrSpace) teardownRange(start VPN, count uintptr) {
	gather := &flushGather{}
	ptr := NewMappingPointer(start, count)
	for !ptr.Done() {
		_ = as.mapper.Unmap(gather, &ptr)
	}
	as.ops.Flush(gather.request())
	as.mapper.CullTables(as.freeCulledTable, start, count)
}

func (as *AddrSpace) freeCulledTable(f pmm.PFN) {
	// pfm is nil for the bootheap-backed early kernel address space, whose
	// intermediate tables are bump-allocated and never individually freed.
	if as.pfm != nil {
		as.pfm.Deallocate(f, 0)
	}
}

// Commit materializes pages [offset, offset+n) of m, calling
// object.ProvidePage for whichever of them are not already mapped and
// installing a leaf PTE whose permissions are the union of the mapping's
// protection and the address space's base permissions.
func (as *AddrSpace) Commit(m *Mapping, access AccessType, offset, n uintptr) *kernel.Error {
	as.lk.Acquire()
	defer as.lk.Release()
	return as.commitLocked(m.state, access, offset, n)
}

func (as *AddrSpace) commitLocked(m *mappingState, access AccessType, offset, n uintptr) *kernel.Error {
	if m == nil || m.detached {
		return errInvalidState
	}
	if !m.prot.allows(access) {
		return errNoPerms
	}
	if offset+n > m.count {
		return errBadAddress
	}

	leafPerms := m.prot | as.ops.BasePerms()

	for i := uintptr(0); i < n; i++ {
		vpn := m.start + VPN(offset+i)
		if _, _, _, _, ok := as.mapper.Lookup(vpn); ok {
			continue
		}

		pfn, err := m.object.ProvidePage(m.objectOffset+offset+i, access)
		if err != nil {
			return err
		}

		ptr := NewMappingPointer(vpn, 1)
		if err := as.mapper.Map(&ptr, pfn, leafPerms); err != nil {
			return err
		}
	}
	return nil
}

// Fault resolves a single-page access fault at vpn by finding its
// containing mapping (depth-first through sub-slices) and performing a
// single-page commit.
func (as *AddrSpace) Fault(vpn VPN, access AccessType) *kernel.Error {
	as.lk.Acquire()
	defer as.lk.Release()

	m := findMapping(as.root.state, vpn)
	if m == nil {
		return errBadAddress
	}

	offset := uintptr(vpn - m.start)
	if offset >= m.count {
		return errBadAddress
	}

	return as.commitLocked(m, access, offset, 1)
}
