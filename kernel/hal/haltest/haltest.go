// Package haltest provides a fake machine for testing code that depends on
// cpu.Hardware, hal.Platform and mm.PhysicalMemory.
package haltest

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Machine records every privileged operation issued by the code under test.
// Physical memory is an anonymous host mapping so that addresses handed out
// by Access stay valid for the lifetime of the test.
type Machine struct {
	mem []byte

	Core uint32
	MSR  map[uint32]uint64
	CR2  uint64
	PDT  uintptr
	IF   bool

	Halts          int
	FlushedEntries []uintptr
	PDTSwitches    []uintptr
	InterruptStack uintptr

	TimerVector uint8
	ArmedTimers []uint64
	TimerStops  int
	EOIs        []uint8
}

// NewMachine returns a Machine backed by memSize bytes of zeroed physical
// memory. The memory is released when the test completes.
func NewMachine(t testing.TB, memSize uintptr) *Machine {
	t.Helper()

	mem, err := unix.Mmap(-1, 0, int(memSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		t.Fatalf("unable to allocate %d bytes of physical memory: %v", memSize, err)
	}
	t.Cleanup(func() { _ = unix.Munmap(mem) })

	return &Machine{
		mem: mem,
		MSR: make(map[uint32]uint64),
	}
}

// Size returns the amount of physical memory.
func (m *Machine) Size() uintptr {
	return uintptr(len(m.mem))
}

// Bytes returns a slice aliasing physical memory [physAddr, physAddr+size).
func (m *Machine) Bytes(physAddr, size uintptr) []byte {
	return m.mem[physAddr : physAddr+size]
}

// Access implements mm.PhysicalMemory.
func (m *Machine) Access(physAddr uintptr) uintptr {
	if physAddr >= uintptr(len(m.mem)) {
		panic("haltest: physical address out of range")
	}
	return uintptr(unsafe.Pointer(&m.mem[0])) + physAddr
}

// CoreID implements cpu.Hardware.
func (m *Machine) CoreID() uint32 { return m.Core }

// ReadMSR implements cpu.Hardware.
func (m *Machine) ReadMSR(msr uint32) uint64 { return m.MSR[msr] }

// WriteMSR implements cpu.Hardware.
func (m *Machine) WriteMSR(msr uint32, value uint64) { m.MSR[msr] = value }

// ReadCR2 implements cpu.Hardware.
func (m *Machine) ReadCR2() uint64 { return m.CR2 }

// ActivePDT implements cpu.Hardware.
func (m *Machine) ActivePDT() uintptr { return m.PDT }

// SwitchPDT implements cpu.Hardware.
func (m *Machine) SwitchPDT(pdtPhysAddr uintptr) {
	m.PDT = pdtPhysAddr
	m.PDTSwitches = append(m.PDTSwitches, pdtPhysAddr)
}

// FlushTLBEntry implements cpu.Hardware.
func (m *Machine) FlushTLBEntry(virtAddr uintptr) {
	m.FlushedEntries = append(m.FlushedEntries, virtAddr)
}

// SetInterruptStack implements cpu.Hardware.
func (m *Machine) SetInterruptStack(stackTop uintptr) { m.InterruptStack = stackTop }

// EnableInterrupts implements cpu.Hardware.
func (m *Machine) EnableInterrupts() { m.IF = true }

// DisableInterrupts implements cpu.Hardware.
func (m *Machine) DisableInterrupts() { m.IF = false }

// InterruptsEnabled implements cpu.Hardware.
func (m *Machine) InterruptsEnabled() bool { return m.IF }

// Halt implements cpu.Hardware.
func (m *Machine) Halt() { m.Halts++ }

// ConfigureTimer implements hal.Platform.
func (m *Machine) ConfigureTimer(vector uint8) { m.TimerVector = vector }

// ArmTimer implements hal.Platform.
func (m *Machine) ArmTimer(microseconds uint64) {
	m.ArmedTimers = append(m.ArmedTimers, microseconds)
}

// StopTimer implements hal.Platform.
func (m *Machine) StopTimer() { m.TimerStops++ }

// EOI implements hal.Platform.
func (m *Machine) EOI(vector uint8) { m.EOIs = append(m.EOIs, vector) }
