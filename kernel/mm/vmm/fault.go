package vmm

import (
	"taskos/kernel"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
)

// Page fault error code bits pushed by the CPU.
const (
	faultPresent     = 1 << 0
	faultWrite       = 1 << 1
	faultUser        = 1 << 2
	faultReservedBit = 1 << 3
	faultFetch       = 1 << 4
)

// HandleFault services a page fault at faultAddr in the kernel address
// space. It returns true if the fault was resolved by mapping the page and
// the faulting instruction may be retried. Faults raised by user mode,
// faults outside the demand-paged windows and protection faults are not
// handled here. A not-present fault on a page that is present by the time
// the lock is held was resolved by another core and is reported as handled.
//
// Running out of physical memory while servicing a fault is fatal.
func (m *Manager) HandleFault(faultAddr uintptr, errorCode uint64, fromUser bool) bool {
	if fromUser {
		return false
	}

	var (
		inHeap      = m.layout.InHeap(faultAddr)
		inDirectMap = m.layout.InDirectMap(faultAddr)
	)
	if !inHeap && !inDirectMap {
		return false
	}

	m.lock.Acquire()
	defer m.lock.Release()

	if leaf, err := m.leafEntry(m.kernelSpace.root, faultAddr); err == nil && leaf.HasFlags(FlagPresent) {
		m.hw.FlushTLBEntry(mm.PageFromAddress(faultAddr).Address())
		return errorCode&faultPresent == 0
	}

	frame := mm.FrameFromAddress(faultAddr - m.layout.DirectMapBase)
	if inHeap {
		var err *kernel.Error
		if frame, err = m.allocTable(); err != nil {
			panic(err)
		}
	}

	if err := m.mapLocked(m.kernelSpace.root, frame, mm.PageFromAddress(faultAddr), FlagPresent|FlagRW|FlagNoExecute); err != nil {
		panic(err)
	}

	return true
}

// FaultReason decodes a page fault error code into a short description.
func FaultReason(errorCode uint64) string {
	switch {
	case errorCode&faultReservedBit != 0:
		return "reserved bit set in page table entry"
	case errorCode&faultPresent == 0 && errorCode&faultFetch != 0:
		return "instruction fetch from non-present page"
	case errorCode&faultPresent == 0 && errorCode&faultWrite != 0:
		return "write to non-present page"
	case errorCode&faultPresent == 0:
		return "read from non-present page"
	case errorCode&faultFetch != 0:
		return "instruction fetch from non-executable page"
	case errorCode&faultWrite != 0 && errorCode&faultUser != 0:
		return "user write to protected page"
	case errorCode&faultWrite != 0:
		return "write to read-only page"
	case errorCode&faultUser != 0:
		return "user read from supervisor page"
	default:
		return "protection violation"
	}
}

// DumpFault prints the faulting address and decoded error code.
func DumpFault(faultAddr uintptr, errorCode uint64) {
	kfmt.Printf("[vmm] page fault at 0x%16x: %s (error code: 0x%x)\n", faultAddr, FaultReason(errorCode), errorCode)
}
