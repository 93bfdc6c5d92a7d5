// Package sim implements a simulated amd64 machine that the kernel can boot
// on inside a host process. Physical memory is an anonymous host mapping;
// every core has its own registers, segment bases, page table root, TLB
// and one-shot timer. Programs are Go functions identified by 8-byte
// opcodes stored in simulated memory and executed one step per tick.
package sim

import (
	"golang.org/x/sys/unix"

	"taskos/kernel"
	"taskos/kernel/gate"
	"taskos/kernel/hal"
	"taskos/kernel/mm"
	"taskos/kernel/mm/vmm"
)

var (
	errNoCores        = &kernel.Error{Module: "sim", Message: "machine needs at least one core"}
	errNoMemory       = &kernel.Error{Module: "sim", Message: "memory map describes no memory"}
	errMemoryMap      = &kernel.Error{Module: "sim", Message: "unable to allocate host memory for the machine"}
	errKernelImage    = &kernel.Error{Module: "sim", Message: "kernel image region is missing from the memory map"}
	errKernelPanic    = &kernel.Error{Module: "sim", Message: "kernel panic"}
	errTooManyKernels = &kernel.Error{Module: "sim", Message: "kernel image has no room for more programs"}
)

// ErrKernelPanic is returned by Run once the kernel has panicked.
var ErrKernelPanic = errKernelPanic

// Config describes the simulated machine.
type Config struct {
	// Cores is the number of cores.
	Cores int

	// MemoryMap is the physical memory map handed to the kernel. Host
	// memory is allocated up to the end of the highest region.
	MemoryMap []mm.Region

	// KernelVirtBase is the virtual address of the kernel image. The
	// physical base is the start of the RegionKernelAndModules region.
	KernelVirtBase uintptr

	// DirectMapBase is the virtual address of the direct map.
	DirectMapBase uintptr

	// TraceLimit caps the number of dispatch records kept by the machine.
	TraceLimit int
}

// DefaultConfig returns a single-core machine with 16M of usable memory
// above the legacy areas, a kernel image region at 1M and a framebuffer.
func DefaultConfig() Config {
	return Config{
		Cores: 1,
		MemoryMap: []mm.Region{
			{Base: 0x0, Length: 0x1000, Kind: mm.RegionReserved},
			{Base: 0x1000, Length: 0x9e000, Kind: mm.RegionUsable},
			{Base: 0x9f000, Length: 0x61000, Kind: mm.RegionReserved},
			{Base: 0x100000, Length: 0x100000, Kind: mm.RegionKernelAndModules},
			{Base: 0x200000, Length: 0x80000, Kind: mm.RegionBootloaderReclaimable},
			{Base: 0x280000, Length: 0x80000, Kind: mm.RegionACPIReclaimable},
			{Base: 0x300000, Length: uintptr(16 * mm.Mb), Kind: mm.RegionUsable},
			{Base: 0x1300000, Length: uintptr(1 * mm.Mb), Kind: mm.RegionFramebuffer},
		},
		KernelVirtBase: 0xffffffff80000000,
		DirectMapBase:  vmm.DefaultDirectMapBase,
		TraceLimit:     4096,
	}
}

// Machine is a simulated multi-core amd64 machine.
type Machine struct {
	cfg Config
	mem []byte

	kernelPhysBase uintptr
	kernelSize     uintptr

	cores []*core
	cur   *core
	now   uint64

	programs    map[uint64]Program
	names       map[string]uint64
	kernelSlots uintptr

	dispatch    func(*gate.Registers)
	timerVector uint8
	exitVector  uint8

	panicked   bool
	panicValue interface{}

	faults       map[uintptr]int
	trace        []DispatchRecord
	droppedTrace int

	// OnDispatch, if set, is invoked after every interrupt handled by
	// the kernel.
	OnDispatch func(DispatchRecord)
}

// DispatchRecord describes an interrupt handled by the kernel.
type DispatchRecord struct {
	Tick   uint64
	Core   uint32
	Vector uint8

	// Task is the handle of the task the core resumes after the
	// interrupt and User is set if it resumes in user mode.
	Task uint64
	User bool
}

// NewMachine allocates the physical memory of a machine described by cfg.
// Close releases it.
func NewMachine(cfg Config) (*Machine, *kernel.Error) {
	if cfg.Cores <= 0 {
		return nil, errNoCores
	}

	m := &Machine{
		cfg:      cfg,
		programs: make(map[uint64]Program),
		names:    make(map[string]uint64),
		faults:   make(map[uintptr]int),
	}

	var limit uintptr
	for _, region := range cfg.MemoryMap {
		if end := region.End(); end > limit {
			limit = end
		}
		if region.Kind == mm.RegionKernelAndModules {
			m.kernelPhysBase, m.kernelSize = region.Base, region.Length
		}
	}

	if limit == 0 {
		return nil, errNoMemory
	}
	if m.kernelSize == 0 {
		return nil, errKernelImage
	}

	mem, err := unix.Mmap(-1, 0, int(mm.PageAlign(limit)), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errMemoryMap
	}
	m.mem = mem

	for id := 0; id < cfg.Cores; id++ {
		m.cores = append(m.cores, newCore(uint32(id)))
	}
	m.cur = m.cores[0]

	registerBuiltins(m)
	return m, nil
}

// Close releases the host memory backing the machine.
func (m *Machine) Close() error {
	if m.mem == nil {
		return nil
	}

	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}

// BootInfo returns the boot hand-off for the kernel.
func (m *Machine) BootInfo() *hal.BootInfo {
	return &hal.BootInfo{
		MemoryMap:      m.cfg.MemoryMap,
		KernelPhysBase: m.kernelPhysBase,
		KernelVirtBase: m.cfg.KernelVirtBase,
		KernelSize:     m.kernelSize,
		DirectMapBase:  m.cfg.DirectMapBase,
	}
}

// Cores returns the number of cores.
func (m *Machine) Cores() int {
	return len(m.cores)
}

// Now returns the number of elapsed ticks. One tick lasts a microsecond.
func (m *Machine) Now() uint64 {
	return m.now
}

// Panicked returns true and the panic value once the kernel has panicked.
func (m *Machine) Panicked() (bool, interface{}) {
	return m.panicked, m.panicValue
}

// Trace returns the recorded dispatch records.
func (m *Machine) Trace() []DispatchRecord {
	return append([]DispatchRecord(nil), m.trace...)
}

// PageFaults returns the number of page faults raised for the page that
// contains virtAddr.
func (m *Machine) PageFaults(virtAddr uintptr) int {
	return m.faults[mm.PageFromAddress(virtAddr).Address()]
}

// Registers returns a copy of the registers of a core.
func (m *Machine) Registers(coreID int) gate.Registers {
	return m.cores[coreID].regs
}

// Halted returns true if the core is waiting for an interrupt.
func (m *Machine) Halted(coreID int) bool {
	return m.cores[coreID].halted
}
