package sim

import (
	"encoding/binary"

	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/gate"
	"taskos/kernel/mm/vmm"
)

// opcodeBase tags every opcode so that zeroed memory never decodes to a
// valid program.
const opcodeBase = uint64(0x51a7c0de00000000)

// Names of the programs every machine provides.
const (
	// ProgramIdle halts until the next interrupt.
	ProgramIdle = "idle"

	// ProgramCounter increments RAX on every step.
	ProgramCounter = "counter"

	// ProgramHeapToucher increments the word at the address held in RDI,
	// or at the start of the kernel heap window if RDI is zero, and counts
	// its steps in RAX.
	ProgramHeapToucher = "heap-toucher"

	// ProgramWildAccess reads from an unmapped user address.
	ProgramWildAccess = "wild-access"

	// ProgramExit raises the exit vector.
	ProgramExit = "exit"

	// ProgramStackCounter increments the topmost word of its stack on
	// every step.
	ProgramStackCounter = "stack-counter"

	// ProgramPrivileged executes a halt, which is not allowed in user
	// mode.
	ProgramPrivileged = "privileged"
)

const (
	// WildAccessAddr is the address ProgramWildAccess reads from.
	WildAccessAddr = uintptr(0xdead0000)

	// HeapTouchAddr is the address ProgramHeapToucher uses by default.
	HeapTouchAddr = vmm.DefaultHeapBase
)

// Program executes a single step of a simulated task. Programs keep all
// their state in registers or memory since every step starts from the
// register file of the core.
type Program func(x *Exec)

// Exec gives a program access to the core it runs on.
type Exec struct {
	m *Machine
	c *core

	swInt   bool
	swIntNo uint8
}

// Regs returns the register file of the core.
func (x *Exec) Regs() *gate.Registers {
	return &x.c.regs
}

// CoreID returns the core executing the program.
func (x *Exec) CoreID() uint32 {
	return x.c.id
}

// Load reads the 8-byte word at virtAddr.
func (x *Exec) Load(virtAddr uintptr) uint64 {
	physAddr := x.access(virtAddr, accessRead)
	value, _ := x.m.read64(physAddr)
	return value
}

// Store writes an 8-byte word to virtAddr.
func (x *Exec) Store(virtAddr uintptr, value uint64) {
	physAddr := x.access(virtAddr, accessWrite)
	x.m.write64(physAddr, value)
}

func (x *Exec) access(virtAddr uintptr, kind accessKind) uintptr {
	if virtAddr&7 != 0 {
		panic(&fault{vector: gate.GPFException})
	}

	physAddr, f := x.m.translate(x.c, virtAddr, kind)
	if f != nil {
		panic(f)
	}

	if physAddr+8 > uintptr(len(x.m.mem)) {
		panic(&fault{vector: gate.MachineCheck})
	}
	return physAddr
}

// Halt stops the core until the next interrupt. Halting in user mode
// raises a general protection fault.
func (x *Exec) Halt() {
	if x.c.userMode() {
		panic(&fault{vector: gate.GPFException})
	}
	x.c.halted = true
}

// Interrupt raises a software interrupt once the current step completes.
// The interrupted context resumes at the next instruction.
func (x *Exec) Interrupt(vector uint8) {
	x.swInt, x.swIntNo = true, vector
}

// Exit raises the exit vector of the booted kernel.
func (x *Exec) Exit() {
	x.Interrupt(x.m.exitVector)
}

var errUnknownProgram = &kernel.Error{Module: "sim", Message: "unknown program"}

// Register adds a program to the machine and returns its opcode. Registering
// the same name again replaces the program.
func (m *Machine) Register(name string, program Program) uint64 {
	opcode, exists := m.names[name]
	if !exists {
		opcode = opcodeBase + uint64(len(m.names)) + 1
		m.names[name] = opcode
	}

	m.programs[opcode] = program
	return opcode
}

// Opcode returns the opcode of a registered program.
func (m *Machine) Opcode(name string) (uint64, *kernel.Error) {
	opcode, exists := m.names[name]
	if !exists {
		return 0, errUnknownProgram
	}
	return opcode, nil
}

// KernelEntry writes the opcode of the named program into the kernel image
// and returns its virtual address.
func (m *Machine) KernelEntry(name string) (uintptr, *kernel.Error) {
	opcode, err := m.Opcode(name)
	if err != nil {
		return 0, err
	}

	offset := m.kernelSlots * 8
	if offset+8 > m.kernelSize {
		return 0, errTooManyKernels
	}

	m.write64(m.kernelPhysBase+offset, opcode)
	m.kernelSlots++
	return m.cfg.KernelVirtBase + offset, nil
}

// UserImage builds a flat executable image holding the opcodes of the
// named programs back to back.
func (m *Machine) UserImage(names ...string) ([]byte, *kernel.Error) {
	image := make([]byte, 8*len(names))
	for index, name := range names {
		opcode, err := m.Opcode(name)
		if err != nil {
			return nil, err
		}
		binary.LittleEndian.PutUint64(image[index*8:], opcode)
	}
	return image, nil
}

func registerBuiltins(m *Machine) {
	m.Register(ProgramIdle, func(x *Exec) {
		x.Halt()
	})

	m.Register(ProgramCounter, func(x *Exec) {
		x.Regs().RAX++
	})

	m.Register(ProgramHeapToucher, func(x *Exec) {
		addr := uintptr(x.Regs().RDI)
		if addr == 0 {
			addr = HeapTouchAddr
		}

		value := x.Load(addr)
		x.Store(addr, value+1)
		x.Regs().RAX++
	})

	m.Register(ProgramWildAccess, func(x *Exec) {
		x.Regs().RAX = x.Load(WildAccessAddr)
	})

	m.Register(ProgramExit, func(x *Exec) {
		x.Exit()
	})

	m.Register(ProgramStackCounter, func(x *Exec) {
		slot := uintptr(x.Regs().RSP) - 8
		value := x.Load(slot)
		x.Store(slot, value+1)
		x.Regs().RAX = value + 1
	})

	m.Register(ProgramPrivileged, func(x *Exec) {
		x.Halt()
	})
}

// step executes one instruction on core c. Faults roll the register file
// back to its state before the step and raise the exception.
func (m *Machine) step(c *core) {
	x := Exec{m: m, c: c}
	saved := c.regs

	f := m.runStep(&x)
	if f != nil {
		c.regs = saved
		if f.vector == gate.PageFaultException {
			c.cr2 = uint64(f.addr)
			m.faults[f.addr&^(pageSize-1)]++
		}
		m.deliver(c, uint8(f.vector), f.code)
		return
	}

	if x.swInt {
		c.regs.RIP += 8
		m.deliver(c, x.swIntNo, 0)
	}
}

func (m *Machine) runStep(x *Exec) (f *fault) {
	defer func() {
		if r := recover(); r != nil {
			var ok bool
			if f, ok = r.(*fault); !ok {
				panic(r)
			}
		}
	}()

	physAddr, f := m.translate(x.c, uintptr(x.c.regs.RIP), accessExec)
	if f != nil {
		return f
	}

	opcode, _ := m.read64(physAddr)
	program, known := m.programs[opcode]
	if !known {
		return &fault{vector: gate.InvalidOpcode}
	}

	program(x)
	return nil
}

// idleRegisters is the context a core starts scheduling from.
func idleRegisters(entry uintptr) gate.Registers {
	return gate.Registers{
		RIP:    uint64(entry),
		CS:     cpu.KernelCodeSelector,
		RFlags: cpu.DefaultFlags,
		SS:     cpu.KernelDataSelector,
	}
}
