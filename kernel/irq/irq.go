// Package irq installs the kernel's exception handlers and the software
// interrupt through which user tasks exit.
package irq

import (
	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/gate"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm/vmm"
	"taskos/kernel/sched"
)

var errUnrecoverableFault = &kernel.Error{Module: "irq", Message: "cannot recover from CPU exception that happened in the kernel"}

type handlers struct {
	hw    cpu.Hardware
	vm    *vmm.Manager
	sched *sched.Scheduler
}

// Install registers handlers for every exception vector and allocates the
// exit vector, which is returned. Page faults are offered to the demand
// pager first. Other exceptions, and page faults it cannot resolve,
// terminate the offending task if it runs in user mode and stop the kernel
// otherwise.
func Install(table *gate.Table, hw cpu.Hardware, vm *vmm.Manager, s *sched.Scheduler) (gate.InterruptNumber, *kernel.Error) {
	h := &handlers{hw: hw, vm: vm, sched: s}

	for vec := gate.InterruptNumber(0); vec < gate.FirstDynamicVector; vec++ {
		table.HandleInterrupt(vec, h.exception)
	}
	table.HandleInterrupt(gate.PageFaultException, h.pageFault)

	exitVector, err := table.AllocateVector()
	if err != nil {
		return 0, err
	}
	table.HandleInterrupt(exitVector, s.Exit)

	kfmt.Printf("[irq] exception handlers installed; exit vector: %d\n", uint8(exitVector))
	return exitVector, nil
}

func (h *handlers) pageFault(regs *gate.Registers) {
	faultAddr := uintptr(h.hw.ReadCR2())
	if h.vm.HandleFault(faultAddr, regs.Info, regs.IsUserMode()) {
		return
	}

	h.exception(regs)
}

func (h *handlers) exception(regs *gate.Registers) {
	var (
		vec  = gate.InterruptNumber(regs.Vector)
		name = gate.ExceptionName(vec)
	)

	if regs.IsUserMode() {
		var tid uint64
		if task := h.sched.Current(); task != nil {
			tid = uint64(task.ID)
		}

		kfmt.Printf("[irq] user task (tid: %d) crashed (%s)\n", tid, name)
		if vec == gate.PageFaultException {
			vmm.DumpFault(uintptr(h.hw.ReadCR2()), regs.Info)
		}

		h.sched.Terminate(regs, name)
		return
	}

	kfmt.Printf("\n[irq] CPU exception: %s (0x%x)\n", name, regs.Vector)
	if regs.Info != 0 {
		kfmt.Printf("[irq] error code: 0x%4x\n", regs.Info)
	}
	if vec == gate.PageFaultException {
		kfmt.Printf("[irq] CR2 = 0x%16x\n", h.hw.ReadCR2())
		vmm.DumpFault(uintptr(h.hw.ReadCR2()), regs.Info)
	}

	kfmt.Printf("[irq] registers:\n")
	regs.DumpTo(&kfmt.PrefixWriter{Sink: kfmt.GetOutputSink(), Prefix: []byte("[irq] ")})

	panic(errUnrecoverableFault)
}
