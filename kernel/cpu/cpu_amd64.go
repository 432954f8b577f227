package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// Halt stops instruction execution.
func Halt()

// FlushTLBEntry flushes a TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLBAll invalidates every non-global TLB entry by reloading CR3. Used
// when a gather of page invalidations (§4.F) is promoted to a full flush.
func FlushTLBAll()

// WriteCR3 installs physAddr (a page-table root frame address) as the
// active top-level page table and flushes the TLB. Used by AddrSpace
// activation and by the scheduler's context switch to swap address spaces.
func WriteCR3(physAddr uintptr)

// ReadCR3 returns the physical address of the currently active top-level
// page table.
func ReadCR3() uintptr

// ReadCR2 returns the value stored in the CR2 register (the faulting
// address on the most recent page fault).
func ReadCR2() uint64

// SpinLoopHint issues a PAUSE instruction. It is a hint to the processor
// that the current code is in a busy-wait spin loop, improving the
// performance of the spin loop and reducing power consumption.
func SpinLoopHint()

// Outb writes val to the I/O port at the given address (the OUT instruction).
func Outb(port uint16, val uint8)

// Inb reads a byte from the I/O port at the given address (the IN instruction).
func Inb(port uint16) uint8

// ID returns information about the CPU and its features. It
// is implemented as a CPUID instruction with EAX=leaf and
// returns the values in EAX, EBX, ECX and EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// ContextSwitch performs the scheduler's architectural context switch: it
// saves the callee-saved registers on the outgoing thread's stack, records
// the resulting stack pointer at *outgoingSP, then restores the callee-saved
// registers from incomingSP and resumes execution there. For a thread being
// switched in for the first time, incomingSP points at the frame built by
// NewThreadStack, and control ends up in threadTrampoline rather than
// returning into whatever called ContextSwitch on the outgoing side.
func ContextSwitch(outgoingSP *uintptr, incomingSP uintptr)

// NewThreadStack builds the initial register-save frame at the top of
// [stackBase, stackBase+stackSize) that ContextSwitch needs to transfer
// control to entry the first time a thread runs, and returns the stack
// pointer to record as the thread's saved SP. entry is invoked with the
// stack otherwise empty; it is expected never to return.
func NewThreadStack(stackBase, stackSize uintptr, entry func()) uintptr

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
