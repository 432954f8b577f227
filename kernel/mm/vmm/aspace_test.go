package vmm

import (
	"testing"

	"ridgeos/kernel"
	"ridgeos/kernel/mm/pmm"
)

// fakeObject is a minimal VmObject for tests that don't need real frames:
// it hands out PFN(100+offset) for every page, never failing.
type fakeObject struct {
	count uintptr
}

func (o *fakeObject) PageCount() uintptr { return o.count }

func (o *fakeObject) ProvidePage(offset uintptr, _ AccessType) (pmm.PFN, *kernel.Error) {
	return pmm.PFN(100 + offset), nil
}

func newTestAddrSpace(t *testing.T, frames int) *AddrSpace {
	t.Helper()
	mem := newTestMem(frames)
	root, err := mem.Allocate()
	if err != nil {
		t.Fatalf("allocating root: %v", err)
	}

	tmp := NewMapper(root, mem, mem)
	zeroTable(tmp.tableAt(root))

	return NewAddrSpace(KernelOps{Root: root}, nil, mem, mem, VPN(0), VPN(1<<20))
}

func vpnPtr(v VPN) *VPN { return &v }

func TestCommitMaterializesPagesWithUnionPermissions(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	sub, err := as.CreateSubslice(as.Root(), "test", nil, 16)
	if err != nil {
		t.Fatalf("create subslice: %v", err)
	}

	obj := &fakeObject{count: 4}
	mapping, err := as.Map(sub, nil, 4, 0, obj, PermRead|PermWrite)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := as.Commit(mapping, AccessRead, 0, 4); err != nil {
		t.Fatalf("commit: %v", err)
	}

	for i := uintptr(0); i < 4; i++ {
		pfn, writable, user, noExec, ok := as.mapper.Lookup(mapping.state.start + VPN(i))
		if !ok {
			t.Fatalf("page %d not present after commit", i)
		}
		if pfn != pmm.PFN(100+i) {
			t.Fatalf("page %d pfn = %d, want %d", i, pfn, 100+i)
		}
		if !writable {
			t.Fatalf("page %d should be writable", i)
		}
		if user {
			t.Fatalf("page %d should not be user-accessible under KernelOps", i)
		}
		if !noExec {
			t.Fatalf("page %d should be no-execute", i)
		}
	}
}

func TestFaultResolvesSinglePageThenCommitIsIdempotent(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	sub, err := as.CreateSubslice(as.Root(), "test", nil, 16)
	if err != nil {
		t.Fatalf("create subslice: %v", err)
	}
	obj := &fakeObject{count: 4}
	mapping, err := as.Map(sub, nil, 4, 0, obj, PermRead|PermWrite)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	v := mapping.state.start
	if err := as.Fault(v, AccessRead); err != nil {
		t.Fatalf("first fault: %v", err)
	}
	if _, _, _, _, ok := as.mapper.Lookup(v); !ok {
		t.Fatal("expected first page present after fault")
	}
	if _, _, _, _, ok := as.mapper.Lookup(v + 1); ok {
		t.Fatal("expected second page to still be absent")
	}

	if err := as.Fault(v, AccessWrite); err != nil {
		t.Fatalf("second fault (write, already mapped): %v", err)
	}

	if err := as.Fault(v+17, AccessRead); err != errBadAddress {
		t.Fatalf("err = %v, want errBadAddress", err)
	}
}

func TestMapRejectsAccessNotInProtection(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	sub, _ := as.CreateSubslice(as.Root(), "test", nil, 16)
	obj := &fakeObject{count: 4}
	mapping, err := as.Map(sub, nil, 4, 0, obj, PermRead)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := as.Commit(mapping, AccessWrite, 0, 1); err != errNoPerms {
		t.Fatalf("err = %v, want errNoPerms", err)
	}
}

func TestCreateSubsliceRejectsOverlapAndOutOfBounds(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	if _, err := as.CreateSubslice(as.Root(), "a", vpnPtr(10), 8); err != nil {
		t.Fatalf("first subslice: %v", err)
	}
	if _, err := as.CreateSubslice(as.Root(), "b", vpnPtr(12), 4); err != errResourceOverlap {
		t.Fatalf("err = %v, want errResourceOverlap", err)
	}
	if _, err := as.CreateSubslice(as.Root(), "c", vpnPtr(VPN(1<<20)), 4); err != errInvalidArgument {
		t.Fatalf("err = %v, want errInvalidArgument", err)
	}
}

func TestUnmapSliceDetachesDescendantsAndRejectsRoot(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	outer, err := as.CreateSubslice(as.Root(), "outer", nil, 16)
	if err != nil {
		t.Fatalf("create outer: %v", err)
	}
	inner, err := as.CreateSubslice(outer, "inner", nil, 4)
	if err != nil {
		t.Fatalf("create inner: %v", err)
	}
	obj := &fakeObject{count: 2}
	mapping, err := as.Map(inner, nil, 2, 0, obj, PermRead)
	if err != nil {
		t.Fatalf("map: %v", err)
	}

	if err := as.UnmapSlice(as.Root()); err != errInvalidArgument {
		t.Fatalf("unmapping root: err = %v, want errInvalidArgument", err)
	}

	if err := as.UnmapSlice(outer); err != nil {
		t.Fatalf("unmap outer: %v", err)
	}

	if _, err := as.CreateSubslice(inner, "x", nil, 1); err != errInvalidState {
		t.Fatalf("create under detached inner: err = %v, want errInvalidState", err)
	}
	if err := as.Commit(mapping, AccessRead, 0, 1); err != errInvalidState {
		t.Fatalf("commit on detached mapping: err = %v, want errInvalidState", err)
	}

	// The space under "outer" is free again.
	if _, err := as.CreateSubslice(as.Root(), "reuse", nil, 16); err != nil {
		t.Fatalf("reusing freed range: %v", err)
	}
}

func TestUnmapRemovesOnlyTheTargetedMapping(t *testing.T) {
	as := newTestAddrSpace(t, 64)

	sub, _ := as.CreateSubslice(as.Root(), "test", nil, 16)
	obj := &fakeObject{count: 8}
	m1, err := as.Map(sub, vpnPtr(sub.state.start), 2, 0, obj, PermRead)
	if err != nil {
		t.Fatalf("map 1: %v", err)
	}
	m2, err := as.Map(sub, vpnPtr(sub.state.start+2), 2, 2, obj, PermRead)
	if err != nil {
		t.Fatalf("map 2: %v", err)
	}

	if err := as.Commit(m1, AccessRead, 0, 2); err != nil {
		t.Fatalf("commit 1: %v", err)
	}
	if err := as.Commit(m2, AccessRead, 0, 2); err != nil {
		t.Fatalf("commit 2: %v", err)
	}

	if err := as.Unmap(m1); err != nil {
		t.Fatalf("unmap 1: %v", err)
	}

	if err := as.Commit(m1, AccessRead, 0, 1); err != errInvalidState {
		t.Fatalf("commit on unmapped m1: err = %v, want errInvalidState", err)
	}
	if err := as.Commit(m2, AccessRead, 0, 2); err != nil {
		t.Fatalf("m2 should still be usable: %v", err)
	}
}
