package sched

import (
	"ridgeos/kernel"
	"ridgeos/kernel/cpu"
	"ridgeos/kernel/heap"
	"ridgeos/kernel/sync"
)

// stackAlign matches the page granularity the heap's raw-page fallback
// allocates in; thread stacks are always large enough to take that path.
const stackAlign = 4096

// contextSwitchFn and newThreadStackFn are mockable seams over the
// architectural primitives in kernel/cpu, the same pattern cpu.IsIntel uses
// for cpuidFn: tests replace them with recorders instead of exercising real
// register swaps.
var contextSwitchFn = cpu.ContextSwitch
var newThreadStackFn = cpu.NewThreadStack

// handoff is installed by the thread performing a switch, immediately
// before the register swap, and consumed by the thread being switched into
// right after it resumes (§5: "installs a handoff_state ... before the
// register swap").
type handoff struct {
	newThread  *Thread
	freeThread *Thread
}

// CpuState is the scheduler state of a single processor: the currently
// running thread, the idle fallback, its FIFO run queue, and the handoff
// record used to hand control across a context switch. A real multi-CPU
// build would carry one of these per CPU, reached through a GS-relative
// pointer; this target has exactly one processor, so activeCPU stands in
// for that pointer.
type CpuState struct {
	heap *heap.Heap

	current *Thread
	idle    *Thread

	qHead, qTail *Thread

	pending handoff
}

var activeCPU *CpuState

// NewCpuState creates a CPU's scheduler state and its idle thread, and
// installs it as the active processor. ReschedHookFn is wired to Preempt so
// that RequestResched (called by Start when a newly-readied thread should
// run) actually triggers a scheduling transition once IRQs and
// rescheduling are both enabled.
func NewCpuState(h *heap.Heap, idleStackSize uintptr) (*CpuState, *kernel.Error) {
	cs := &CpuState{heap: h}

	idle, err := cs.newThread("idle", idleStackSize, idleLoop)
	if err != nil {
		return nil, err
	}
	idle.state = ThreadRunning
	cs.idle = idle
	cs.current = idle

	activeCPU = cs
	sync.ReschedHookFn = cs.Preempt
	return cs, nil
}

func idleLoop() {
	for {
		cpu.Halt()
	}
}

// newThread allocates a stack from the heap and builds a thread whose
// initial saved stack pointer resumes at threadTrampoline.
func (cs *CpuState) newThread(name string, stackSize uintptr, entry func()) (*Thread, *kernel.Error) {
	base, err := cs.heap.Allocate(stackSize, stackAlign)
	if err != nil {
		return nil, err
	}

	t := &Thread{Name: name, entry: entry, stackBase: base, stackSize: stackSize, state: ThreadNew}
	t.sp = newThreadStackFn(base, stackSize, threadTrampoline)
	return t, nil
}

// Spawn creates a new thread that will run entry once started. The thread
// is not scheduled until Start is called on it.
func (cs *CpuState) Spawn(name string, stackSize uintptr, entry func()) (*Thread, *kernel.Error) {
	return cs.newThread(name, stackSize, entry)
}

// Current returns the thread presently running on this CPU.
func (cs *CpuState) Current() *Thread { return cs.current }

func (cs *CpuState) enqueue(t *Thread) {
	t.next = nil
	if cs.qTail == nil {
		cs.qHead, cs.qTail = t, t
		return
	}
	cs.qTail.next = t
	cs.qTail = t
}

func (cs *CpuState) dequeueReady() *Thread {
	t := cs.qHead
	if t == nil {
		return nil
	}
	cs.qHead = t.next
	if cs.qHead == nil {
		cs.qTail = nil
	}
	t.next = nil
	return t
}

// Start marks a newly created (or re-armed) thread READY, enqueues it, and
// requests a reschedule so it gets a chance to run as soon as preemption is
// no longer suppressed.
func (cs *CpuState) Start(t *Thread) {
	irq := sync.DisableIrq()
	t.state = ThreadReady
	cs.enqueue(t)
	irq.Release()

	sync.RequestResched()
}

// Unpark moves a parked thread back onto the run queue.
func (cs *CpuState) Unpark(t *Thread) {
	irq := sync.DisableIrq()
	t.state = ThreadReady
	cs.enqueue(t)
	irq.Release()

	sync.RequestResched()
}

// switchOut is the single scheduling transition shared by Preempt, Park and
// Exit: it selects the outgoing thread's next state, picks a successor (or
// the idle thread), installs the handoff, and performs the register swap.
// IRQs and rescheduling are suppressed from before the handoff is computed
// until finalizeHandoff re-enables them on the resuming side, so no nested
// transition can observe a half-installed handoff.
func (cs *CpuState) switchOut(nextState ThreadState, freeOutgoing bool) {
	sync.DisableIrq()
	sync.DisableResched()

	outgoing := cs.current
	outgoing.state = nextState
	if nextState == ThreadReady {
		cs.enqueue(outgoing)
	}

	next := cs.dequeueReady()
	if next == nil {
		next = cs.idle
	}
	next.state = ThreadRunning

	var toFree *Thread
	if freeOutgoing {
		toFree = outgoing
	}
	cs.pending = handoff{newThread: next, freeThread: toFree}

	contextSwitchFn(&outgoing.sp, next.sp)

	// Reached only once this same thread is switched back in: control
	// resumes here exactly as if ContextSwitch were an ordinary call that
	// just returned.
	cs.finalizeHandoff()
}

// finalizeHandoff installs the incoming thread as current, reclaims the
// outgoing thread's stack if it exited, and re-enables IRQs and
// rescheduling. Run once per switch, by whichever code path resumes the
// incoming thread: either here in switchOut (an existing thread resuming a
// prior call) or in threadTrampoline (a thread running for the first time).
func (cs *CpuState) finalizeHandoff() {
	h := cs.pending
	cs.current = h.newThread
	if h.freeThread != nil {
		cs.heap.Deallocate(h.freeThread.stackBase, h.freeThread.stackSize, stackAlign)
	}

	(sync.ReschedDisabled{}).Release()
	(sync.IrqDisabled{}).Release()
}

// Preempt moves the current thread back to READY and switches to the next
// runnable thread. Called by timer-driven preemption on behalf of whichever
// thread was interrupted.
func (cs *CpuState) Preempt() { cs.switchOut(ThreadReady, false) }

// Park removes the current thread from scheduling until a matching Unpark.
func (cs *CpuState) Park() { cs.switchOut(ThreadParked, false) }

// Exit terminates the current thread and switches away for the last time;
// its stack is reclaimed by whichever thread finalizes this handoff.
func (cs *CpuState) Exit() { cs.switchOut(ThreadZombie, true) }

// threadTrampoline is the entry point installed by NewThreadStack for every
// newly created thread. A thread started for the first time never returns
// into a live switchOut call, so it finalizes its own handoff before
// running its real entry function.
func threadTrampoline() {
	cs := activeCPU
	cs.finalizeHandoff()
	cs.current.entry()
	cs.Exit()
}
