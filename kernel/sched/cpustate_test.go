package sched

import (
	"testing"

	"ridgeos/kernel"
	"ridgeos/kernel/heap"
	"ridgeos/kernel/mm/pmm"
	"ridgeos/kernel/sync"
)

// fakeFrames is a bump/free-list FrameSource; the resulting addresses are
// never dereferenced in these tests (stacks are large enough to take the
// heap's raw-page fallback, which never touches the memory it hands back),
// so it does not need to back real storage.
type fakeFrames struct {
	next pmm.PFN
	free []pmm.PFN
}

func (f *fakeFrames) Allocate(order uint) (pmm.PFN, *kernel.Error) {
	if len(f.free) > 0 {
		pfn := f.free[len(f.free)-1]
		f.free = f.free[:len(f.free)-1]
		return pfn, nil
	}
	pfn := f.next
	f.next += pmm.PFN(1) << order
	return pfn, nil
}

func (f *fakeFrames) Deallocate(pfn pmm.PFN, _ uint) {
	f.free = append(f.free, pfn)
}

// installMockArch replaces the architectural context-switch seams with test
// doubles: contextSwitchFn just returns immediately (there is only ever one
// real goroutine stack in these tests, so a "switch" is observationally
// just running the handoff bookkeeping in place), and newThreadStackFn
// returns a sentinel instead of building a real register frame.
func installMockArch(t *testing.T) {
	t.Helper()
	origSwitch, origStack := contextSwitchFn, newThreadStackFn
	contextSwitchFn = func(outgoingSP *uintptr, incomingSP uintptr) {
		*outgoingSP = incomingSP // harmless bookkeeping; never dereferenced
	}
	newThreadStackFn = func(base, size uintptr, entry func()) uintptr {
		return base + size
	}
	t.Cleanup(func() {
		contextSwitchFn, newThreadStackFn = origSwitch, origStack
	})
}

const testStackSize = 16 * 1024 // exceeds the largest slab size class

func newTestCpuState(t *testing.T) *CpuState {
	t.Helper()
	installMockArch(t)
	h := heap.New(&fakeFrames{})
	cs, err := NewCpuState(h, testStackSize)
	if err != nil {
		t.Fatalf("NewCpuState: %v", err)
	}
	return cs
}

func TestNewCpuStateInstallsIdleAsCurrent(t *testing.T) {
	cs := newTestCpuState(t)
	if cs.Current() != cs.idle {
		t.Fatal("expected the idle thread to be current immediately after init")
	}
	if cs.idle.State() != ThreadRunning {
		t.Fatalf("expected idle to be running, got %s", cs.idle.State())
	}
}

// TestStartEnqueuesReadyInFIFOOrder suppresses rescheduling around the
// batch of Start calls so RequestResched only records a pending reschedule
// instead of immediately preempting idle, the same way real startup code
// batches thread creation before releasing control to the scheduler.
func TestStartEnqueuesReadyInFIFOOrder(t *testing.T) {
	cs := newTestCpuState(t)

	resched := sync.DisableResched()
	defer resched.Release()

	mk := func(name string) *Thread {
		th, err := cs.Spawn(name, testStackSize, func() {})
		if err != nil {
			t.Fatalf("spawn %s: %v", name, err)
		}
		return th
	}
	a, b, c := mk("a"), mk("b"), mk("c")
	cs.Start(a)
	cs.Start(b)
	cs.Start(c)

	for _, th := range []*Thread{a, b, c} {
		if th.State() != ThreadReady {
			t.Fatalf("expected %s to be ready, got %s", th.Name, th.State())
		}
	}

	for _, want := range []*Thread{a, b, c} {
		got := cs.dequeueReady()
		if got != want {
			t.Fatalf("expected FIFO order %s, got %v", want.Name, got)
		}
	}
}

// TestPreemptHandsOffToReadyThreadAndRequeuesOutgoing starts a thread under
// a resched guard, then releases it to let the pending reschedule fire: a
// demonstration of Start's RequestResched coalescing into a single
// transition once suppression lifts, matching §5's guard discipline.
func TestPreemptHandsOffToReadyThreadAndRequeuesOutgoing(t *testing.T) {
	cs := newTestCpuState(t)

	th, err := cs.Spawn("worker", testStackSize, func() {})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	resched := sync.DisableResched()
	cs.Start(th)
	resched.Release() // idle -> worker, via the pending reschedule

	if cs.Current() != th {
		t.Fatalf("expected worker to become current after start, got %v", cs.Current())
	}
	if th.State() != ThreadRunning {
		t.Fatalf("expected worker to be running, got %s", th.State())
	}
	if cs.idle.State() != ThreadReady {
		t.Fatalf("expected idle to be requeued as ready, got %s", cs.idle.State())
	}

	// Preempting again with nothing else ready falls back to idle, and the
	// worker goes back on the run queue.
	cs.Preempt()
	if cs.Current() != cs.idle {
		t.Fatalf("expected idle to regain the CPU, got %v", cs.Current())
	}
	if th.State() != ThreadReady {
		t.Fatalf("expected worker to be ready again, got %s", th.State())
	}
}

func TestParkRemovesThreadUntilUnpark(t *testing.T) {
	cs := newTestCpuState(t)

	th, err := cs.Spawn("worker", testStackSize, func() {})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	resched := sync.DisableResched()
	cs.Start(th)
	resched.Release() // idle -> worker

	cs.Park()
	if th.State() != ThreadParked {
		t.Fatalf("expected worker parked, got %s", th.State())
	}
	if cs.Current() != cs.idle {
		t.Fatal("expected idle to run while the only other thread is parked")
	}
	if cs.dequeueReady() != nil {
		t.Fatal("a parked thread must not be on the run queue")
	}

	// Worker is the only ready thread and rescheduling isn't suppressed
	// here, so Unpark's RequestResched fires immediately.
	cs.Unpark(th)
	if th.State() != ThreadRunning {
		t.Fatalf("expected worker running after unpark, got %s", th.State())
	}
	if cs.Current() != th {
		t.Fatalf("expected worker current after unpark, got %v", cs.Current())
	}
	if cs.idle.State() != ThreadReady {
		t.Fatalf("expected idle requeued as ready, got %s", cs.idle.State())
	}
}

func TestExitReclaimsStackAndFallsBackToIdle(t *testing.T) {
	cs := newTestCpuState(t)

	th, err := cs.Spawn("worker", testStackSize, func() {})
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}
	exitedStackBase := th.stackBase

	resched := sync.DisableResched()
	cs.Start(th)
	resched.Release() // idle -> worker

	cs.Exit()

	if cs.Current() != cs.idle {
		t.Fatalf("expected idle to take over after exit, got %v", cs.Current())
	}
	if th.State() != ThreadZombie {
		t.Fatalf("expected worker zombie, got %s", th.State())
	}

	// The freed stack should be handed back to the frame source and reused
	// by the next equally-sized allocation.
	reused, err := cs.Spawn("replacement", testStackSize, func() {})
	if err != nil {
		t.Fatalf("spawn replacement: %v", err)
	}
	if reused.stackBase != exitedStackBase {
		t.Fatalf("expected the exited thread's stack to be reused; got 0x%x want 0x%x", reused.stackBase, exitedStackBase)
	}
}

func TestThreadTrampolineRunsEntryThenExits(t *testing.T) {
	cs := newTestCpuState(t)

	ran := false
	th, err := cs.Spawn("worker", testStackSize, func() { ran = true })
	if err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Simulate a real context switch landing on this brand-new thread for
	// the first time: the switching thread has already installed the
	// handoff and the resumed code is threadTrampoline.
	cs.pending = handoff{newThread: th}
	threadTrampoline()

	if !ran {
		t.Fatal("expected the thread's entry function to run")
	}
	if th.State() != ThreadZombie {
		t.Fatalf("expected the thread to have exited, got %s", th.State())
	}
	if cs.Current() != cs.idle {
		t.Fatalf("expected control to fall back to idle after the thread exits, got %v", cs.Current())
	}
}
