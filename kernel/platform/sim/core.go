package sim

import (
	"encoding/binary"

	"taskos/kernel/cpu"
	"taskos/kernel/gate"
)

type tlbEntry struct {
	frame  uintptr
	user   bool
	write  bool
	exec   bool
	global bool
}

type core struct {
	id   uint32
	regs gate.Registers

	interruptsOn bool
	halted       bool

	cr2 uint64
	cr3 uintptr

	gs, kernelGS, fs uint64
	msr              map[uint32]uint64
	interruptStack   uintptr

	tlb map[uintptr]tlbEntry

	timerVector   uint8
	timerDeadline uint64
	timerPending  bool
	eois          int
}

func newCore(id uint32) *core {
	return &core{
		id:  id,
		msr: make(map[uint32]uint64),
		tlb: make(map[uintptr]tlbEntry),
	}
}

func (c *core) userMode() bool {
	return c.regs.IsUserMode()
}

func (c *core) swapgs() {
	c.gs, c.kernelGS = c.kernelGS, c.gs
}

func (c *core) flushTLB() {
	for page, entry := range c.tlb {
		if !entry.global {
			delete(c.tlb, page)
		}
	}
}

// The methods below implement cpu.Hardware, hal.Platform and
// mm.PhysicalMemory for whichever core is currently executing kernel code.

// CoreID implements cpu.Hardware.
func (m *Machine) CoreID() uint32 { return m.cur.id }

// ReadMSR implements cpu.Hardware.
func (m *Machine) ReadMSR(msr uint32) uint64 {
	switch msr {
	case cpu.MSRGSBase:
		return m.cur.gs
	case cpu.MSRKernelGSBase:
		return m.cur.kernelGS
	case cpu.MSRFSBase:
		return m.cur.fs
	default:
		return m.cur.msr[msr]
	}
}

// WriteMSR implements cpu.Hardware.
func (m *Machine) WriteMSR(msr uint32, value uint64) {
	switch msr {
	case cpu.MSRGSBase:
		m.cur.gs = value
	case cpu.MSRKernelGSBase:
		m.cur.kernelGS = value
	case cpu.MSRFSBase:
		m.cur.fs = value
	default:
		m.cur.msr[msr] = value
	}
}

// ReadCR2 implements cpu.Hardware.
func (m *Machine) ReadCR2() uint64 { return m.cur.cr2 }

// ActivePDT implements cpu.Hardware.
func (m *Machine) ActivePDT() uintptr { return m.cur.cr3 }

// SwitchPDT implements cpu.Hardware.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.cur.cr3 = pdtPhysAddr
	m.cur.flushTLB()
}

// FlushTLBEntry implements cpu.Hardware.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	delete(m.cur.tlb, virtAddr&^(pageSize-1))
}

// SetInterruptStack implements cpu.Hardware.
func (m *Machine) SetInterruptStack(stackTop uintptr) { m.cur.interruptStack = stackTop }

// EnableInterrupts implements cpu.Hardware.
func (m *Machine) EnableInterrupts() {
	m.cur.interruptsOn = true
}

// DisableInterrupts implements cpu.Hardware.
func (m *Machine) DisableInterrupts() {
	m.cur.interruptsOn = false
}

// InterruptsEnabled implements cpu.Hardware.
func (m *Machine) InterruptsEnabled() bool { return m.cur.interruptsOn }

// Halt implements cpu.Hardware.
func (m *Machine) Halt() { m.cur.halted = true }

// ConfigureTimer implements hal.Platform.
func (m *Machine) ConfigureTimer(vector uint8) { m.cur.timerVector = vector }

// ArmTimer implements hal.Platform.
func (m *Machine) ArmTimer(microseconds uint64) {
	if microseconds == 0 {
		microseconds = 1
	}
	m.cur.timerDeadline = m.now + microseconds
}

// StopTimer implements hal.Platform.
func (m *Machine) StopTimer() {
	m.cur.timerDeadline = 0
	m.cur.timerPending = false
}

// EOI implements hal.Platform.
func (m *Machine) EOI(vector uint8) { m.cur.eois++ }

// Access implements mm.PhysicalMemory.
func (m *Machine) Access(physAddr uintptr) uintptr {
	if physAddr >= uintptr(len(m.mem)) {
		panic(errBusError)
	}
	return memBase(m.mem) + physAddr
}

func (m *Machine) read64(physAddr uintptr) (uint64, bool) {
	if physAddr+8 > uintptr(len(m.mem)) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(m.mem[physAddr:]), true
}

func (m *Machine) write64(physAddr uintptr, value uint64) bool {
	if physAddr+8 > uintptr(len(m.mem)) {
		return false
	}
	binary.LittleEndian.PutUint64(m.mem[physAddr:], value)
	return true
}
