// Package cpu defines the privileged operations the kernel performs on the
// processor it runs on. Every platform supplies one implementation of
// Hardware; the memory manager and the scheduler only ever talk to it.
package cpu

// Model specific registers used by the kernel.
const (
	// MSRPAT programs the page attribute table.
	MSRPAT = uint32(0x277)

	// MSRFSBase holds the FS segment base.
	MSRFSBase = uint32(0xC0000100)

	// MSRGSBase holds the active GS segment base.
	MSRGSBase = uint32(0xC0000101)

	// MSRKernelGSBase holds the GS base that SWAPGS exchanges with
	// MSRGSBase on privilege transitions.
	MSRKernelGSBase = uint32(0xC0000102)
)

// Segment selectors installed by the boot code. User selectors carry RPL 3.
const (
	KernelCodeSelector = uint64(0x08)
	KernelDataSelector = uint64(0x10)
	UserDataSelector   = uint64(0x18 | 3)
	UserCodeSelector   = uint64(0x20 | 3)
)

const (
	// FlagInterruptEnable is the IF bit of RFLAGS.
	FlagInterruptEnable = uint64(1 << 9)

	// FlagReserved is bit 1 of RFLAGS which always reads as 1.
	FlagReserved = uint64(1 << 1)

	// DefaultFlags is the RFLAGS value new tasks start with.
	DefaultFlags = FlagReserved | FlagInterruptEnable
)

// Hardware exposes the privileged instructions used by the kernel. Unless
// stated otherwise, each method applies to the core executing the call.
type Hardware interface {
	// CoreID returns the index of the executing core.
	CoreID() uint32

	// ReadMSR returns the value of a model specific register.
	ReadMSR(msr uint32) uint64

	// WriteMSR updates a model specific register.
	WriteMSR(msr uint32, value uint64)

	// ReadCR2 returns the faulting address of the last page fault.
	ReadCR2() uint64

	// ActivePDT returns the physical address of the active page directory
	// table (CR3).
	ActivePDT() uintptr

	// SwitchPDT loads a new page directory table and flushes all
	// non-global TLB entries.
	SwitchPDT(pdtPhysAddr uintptr)

	// FlushTLBEntry invalidates the TLB entry for a virtual address.
	FlushTLBEntry(virtAddr uintptr)

	// SetInterruptStack sets the stack pointer loaded when an interrupt
	// arrives while executing in user mode.
	SetInterruptStack(stackTop uintptr)

	// EnableInterrupts sets the interrupt flag.
	EnableInterrupts()

	// DisableInterrupts clears the interrupt flag.
	DisableInterrupts()

	// InterruptsEnabled reports whether the interrupt flag is set.
	InterruptsEnabled() bool

	// Halt stops the core until the next interrupt arrives.
	Halt()
}
