package sched

import "taskos/kernel/gate"

// Context is the complete state needed to resume a task: the register
// snapshot taken at its last interruption and its segment bases.
type Context struct {
	Regs gate.Registers

	// GSBase is the GS base the task observes while running in user
	// mode. Kernel tasks always run with GS pointing at their handle.
	GSBase uint64
	FSBase uint64
}

// BaseRegisters captures the segment base MSRs of a core.
type BaseRegisters struct {
	GS       uint64
	KernelGS uint64
	FS       uint64
}

// switchContexts computes a context switch without touching the hardware.
//
// frame and bases describe the core as seen by the interrupt handler: a
// user-mode entry has already swapped GS so bases.KernelGS holds the value
// the interrupted task was using. The returned saved context is what the
// interrupted task resumes from later. The returned frame replaces the
// trap frame and nextBases must be loaded into the MSRs before the
// interrupt returns.
//
// GS always ends up holding handle. For a user-mode next task, KernelGS
// receives the task's own GS base so that the swap on the return to user
// mode exposes it and parks the handle in KernelGS for the next entry.
func switchContexts(frame gate.Registers, bases BaseRegisters, next Context, handle uint64) (saved Context, install gate.Registers, nextBases BaseRegisters) {
	saved = Context{
		Regs:   frame,
		GSBase: bases.KernelGS,
		FSBase: bases.FS,
	}

	nextBases = BaseRegisters{
		GS:       handle,
		KernelGS: handle,
		FS:       next.FSBase,
	}
	if next.Regs.IsUserMode() {
		nextBases.KernelGS = next.GSBase
	}

	return saved, next.Regs, nextBases
}
