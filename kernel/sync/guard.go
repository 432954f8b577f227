package sync

import "ridgeos/kernel/cpu"

// perCPUState tracks the nesting depth of the two orthogonal suppressions
// described in the concurrency model: IRQs disabled and rescheduling
// disabled. This core targets a single processor, so one instance suffices;
// the fields are laid out so that promoting this to a per-CPU array (one
// instance per CpuState, GS-relative) is a mechanical change.
type perCPUState struct {
	irqDepth      uint32
	reschedDepth  uint32
	irqWasEnabled bool
	pendingResched bool
}

var cpuState perCPUState

// ReschedHookFn is invoked when rescheduling is re-enabled at depth 0 while
// a reschedule was requested during the suppressed region. It is wired to
// the scheduler's preemption entry point; nil is a valid no-op default for
// code paths that run before the scheduler is initialized.
var ReschedHookFn func()

// IrqDisabled is a proof token that hardware interrupts are masked for the
// lifetime of the value. It is neither copyable in a way that extends its
// lifetime nor safe to hand to another thread: callers must treat it as
// tied to the stack frame that acquired it. Required by raw spinlocks,
// per-CPU data access, and the context-switch inner region.
type IrqDisabled struct {
	_ [0]func() // non-comparable, documents "do not copy across goroutines"
}

// DisableIrq masks hardware interrupts and returns a guard token. Calls
// nest through a depth counter: interrupts are re-enabled only when the
// outermost guard is released.
func DisableIrq() IrqDisabled {
	wasEnabled := cpuState.irqDepth == 0
	cpu.DisableInterrupts()
	cpuState.irqDepth++
	if cpuState.irqDepth == 1 {
		cpuState.irqWasEnabled = wasEnabled
	}
	return IrqDisabled{}
}

// Release re-enables interrupts if this was the outermost guard.
func (g IrqDisabled) Release() {
	if cpuState.irqDepth == 0 {
		return
	}
	cpuState.irqDepth--
	if cpuState.irqDepth == 0 && cpuState.irqWasEnabled {
		cpu.EnableInterrupts()
	}
}

// ReschedDisabled is a proof token that preemption is deferred on the
// current CPU; IRQs may still fire. Disabling IRQs implies rescheduling is
// also disabled. Like IrqDisabled, this guard nests via a depth counter.
type ReschedDisabled struct {
	_ [0]func()
}

// DisableResched defers preemption and returns a guard token. May be
// called while already holding a ReschedDisabled or IrqDisabled guard.
func DisableResched() ReschedDisabled {
	cpuState.reschedDepth++
	return ReschedDisabled{}
}

// Release decrements the nesting depth. When the depth reaches zero and
// IRQs are enabled, a pending reschedule request (set via RequestResched)
// is serviced by invoking ReschedHookFn.
func (g ReschedDisabled) Release() {
	if cpuState.reschedDepth == 0 {
		return
	}
	cpuState.reschedDepth--
	if cpuState.reschedDepth == 0 && cpuState.irqDepth == 0 && cpuState.pendingResched {
		cpuState.pendingResched = false
		if ReschedHookFn != nil {
			ReschedHookFn()
		}
	}
}

// RequestResched marks that a reschedule should occur as soon as
// rescheduling is no longer suppressed. Called by timer-driven preemption
// and by CpuState.Start when the newly-readied thread should preempt.
func RequestResched() {
	if cpuState.reschedDepth == 0 && cpuState.irqDepth == 0 {
		if ReschedHookFn != nil {
			ReschedHookFn()
		}
		return
	}
	cpuState.pendingResched = true
}
