package sim

import (
	"unsafe"

	"taskos/kernel"
	"taskos/kernel/gate"
	"taskos/kernel/mm"
	"taskos/kernel/mm/vmm"
)

const (
	pageSize    = mm.PageSize
	physMask    = uint64(0x000ffffffffff000)
	pageLevels  = 4
	entryBits   = 9
	entryMask   = 1<<entryBits - 1
	topLevelBit = 39
)

// Page fault error code bits.
const (
	faultPresent = 1 << 0
	faultWrite   = 1 << 1
	faultUser    = 1 << 2
	faultReserve = 1 << 3
	faultFetch   = 1 << 4
)

var errBusError = &kernel.Error{Module: "sim", Message: "physical address outside of installed memory"}

type accessKind uint8

const (
	accessRead accessKind = iota
	accessWrite
	accessExec
)

// fault is raised by memory accesses that the MMU rejects. The instruction
// that triggered it is rolled back and the exception is delivered.
type fault struct {
	vector gate.InterruptNumber
	code   uint64
	addr   uintptr
}

func memBase(mem []byte) uintptr {
	return uintptr(unsafe.Pointer(&mem[0]))
}

func canonical(virtAddr uintptr) bool {
	top := int64(virtAddr) >> 47
	return top == 0 || top == -1
}

// translate resolves virtAddr for the supplied access on core c, consulting
// and filling the TLB of the core.
func (m *Machine) translate(c *core, virtAddr uintptr, kind accessKind) (uintptr, *fault) {
	if !canonical(virtAddr) {
		return 0, &fault{vector: gate.GPFException}
	}

	var (
		user   = c.userMode()
		page   = virtAddr &^ (pageSize - 1)
		offset = virtAddr & (pageSize - 1)
	)

	if entry, ok := c.tlb[page]; ok {
		if permitted(entry, user, kind) {
			return entry.frame + offset, nil
		}
		delete(c.tlb, page)
	}

	entry := tlbEntry{user: true, write: true, exec: true}
	table := c.cr3
	for level := 0; level < pageLevels; level++ {
		index := (virtAddr >> (topLevelBit - entryBits*uint(level))) & entryMask

		pte, ok := m.read64(table + index*8)
		if !ok {
			return 0, &fault{vector: gate.MachineCheck}
		}

		if pte&uint64(vmm.FlagPresent) == 0 {
			return 0, m.pageFault(virtAddr, user, kind, 0)
		}

		if level < pageLevels-1 && pte&uint64(vmm.FlagHugePage) != 0 {
			return 0, m.pageFault(virtAddr, user, kind, faultPresent|faultReserve)
		}

		entry.user = entry.user && pte&uint64(vmm.FlagUserAccessible) != 0
		entry.write = entry.write && pte&uint64(vmm.FlagRW) != 0
		entry.exec = entry.exec && pte&uint64(vmm.FlagNoExecute) == 0
		entry.global = pte&uint64(vmm.FlagGlobal) != 0

		table = uintptr(pte & physMask)
	}

	entry.frame = table
	if !permitted(entry, user, kind) {
		return 0, m.pageFault(virtAddr, user, kind, faultPresent)
	}

	c.tlb[page] = entry
	return entry.frame + offset, nil
}

func permitted(entry tlbEntry, user bool, kind accessKind) bool {
	switch {
	case user && !entry.user:
		return false
	case kind == accessWrite && !entry.write:
		return false
	case kind == accessExec && !entry.exec:
		return false
	}
	return true
}

func (m *Machine) pageFault(virtAddr uintptr, user bool, kind accessKind, code uint64) *fault {
	if user {
		code |= faultUser
	}
	switch kind {
	case accessWrite:
		code |= faultWrite
	case accessExec:
		code |= faultFetch
	}

	return &fault{vector: gate.PageFaultException, code: code, addr: virtAddr}
}
