package sim

import (
	"context"

	"taskos/kernel"
	"taskos/kernel/gate"
	"taskos/kernel/kfmt"
	"taskos/kernel/kmain"
	"taskos/kernel/sched"
)

// ctxCheckInterval is the number of ticks between checks for cancellation.
const ctxCheckInterval = 1024

// Boot runs the kernel boot sequence on core 0 with a loader for flat
// images, starts scheduling on every core and returns the kernel. The idle
// entry point of cfg is replaced by the built-in idle program.
func (m *Machine) Boot(cfg kmain.Config) (*kmain.Kernel, *kernel.Error) {
	idleEntry, err := m.KernelEntry(ProgramIdle)
	if err != nil {
		return nil, err
	}
	cfg.Sched.IdleEntry = idleEntry

	m.cur = m.cores[0]
	k, err := kmain.Boot(cfg, m.BootInfo(), m, m, m, FlatLoader{Base: DefaultImageBase})
	if err != nil {
		return nil, err
	}

	m.dispatch = k.Dispatch
	m.timerVector = uint8(k.TimerVector)
	m.exitVector = uint8(k.ExitVector)

	boot := m.cores[0]
	for _, c := range m.cores {
		c.cr3 = boot.cr3
		for msr, value := range boot.msr {
			c.msr[msr] = value
		}
		c.regs = idleRegisters(idleEntry)

		m.cur = c
		if err := k.Start(); err != nil {
			return nil, err
		}
	}
	m.cur = boot

	return k, nil
}

// NewKernelTask creates a kernel task running the named program.
func (m *Machine) NewKernelTask(k *kmain.Kernel, program string) (*sched.Task, *kernel.Error) {
	entry, err := m.KernelEntry(program)
	if err != nil {
		return nil, err
	}

	m.cur = m.cores[0]
	return k.Sched.NewKernelTask(entry, true)
}

// NewUserTask creates a user task whose image holds the named programs.
func (m *Machine) NewUserTask(k *kmain.Kernel, programs ...string) (*sched.Task, *kernel.Error) {
	image, err := m.UserImage(programs...)
	if err != nil {
		return nil, err
	}

	m.cur = m.cores[0]
	return k.Sched.NewUserTask(image, true)
}

// Run advances the machine by the given number of ticks. It returns early
// with ErrKernelPanic if the kernel panics or with the context error if ctx
// is cancelled.
func (m *Machine) Run(ctx context.Context, ticks uint64) error {
	if m.panicked {
		return errKernelPanic
	}

	end := m.now + ticks
	for m.now < end {
		if m.now%ctxCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
		}

		if m.allHalted() {
			next := m.nextDeadline()
			if next == 0 || next > end {
				m.now = end
				break
			}
			if next > m.now+1 {
				m.now = next - 1
			}
		}

		m.now++
		for _, c := range m.cores {
			m.tick(c)
			if m.panicked {
				return errKernelPanic
			}
		}
	}

	return nil
}

func (m *Machine) tick(c *core) {
	if c.timerDeadline != 0 && m.now >= c.timerDeadline {
		c.timerDeadline = 0
		c.timerPending = true
	}

	if c.timerPending && c.interruptsOn {
		c.timerPending = false
		m.deliver(c, c.timerVector, 0)
		return
	}

	if c.halted {
		return
	}

	m.step(c)
}

func (m *Machine) allHalted() bool {
	for _, c := range m.cores {
		if !c.halted || (c.timerPending && c.interruptsOn) {
			return false
		}
	}
	return true
}

// nextDeadline returns the earliest armed timer deadline or zero.
func (m *Machine) nextDeadline() uint64 {
	var next uint64
	for _, c := range m.cores {
		if c.timerDeadline != 0 && c.interruptsOn && (next == 0 || c.timerDeadline < next) {
			next = c.timerDeadline
		}
	}
	return next
}

// deliver raises an interrupt on core c: it builds the trap frame, swaps
// GS when entering from user mode, runs the kernel handler and returns
// from the interrupt with whatever frame the handler left behind.
func (m *Machine) deliver(c *core, vector uint8, code uint64) {
	frame := c.regs
	frame.Vector = uint64(vector)
	frame.Info = code
	if c.interruptsOn {
		frame.RFlags |= 1 << 9
	} else {
		frame.RFlags &^= 1 << 9
	}

	if frame.IsUserMode() {
		c.swapgs()
	}
	c.halted = false
	c.interruptsOn = false

	prev := m.cur
	m.cur = c
	handled := m.invoke(&frame)
	m.cur = prev

	if !handled {
		return
	}

	m.record(DispatchRecord{
		Tick:   m.now,
		Core:   c.id,
		Vector: vector,
		Task:   c.gs,
		User:   frame.IsUserMode(),
	})

	c.regs = frame
	c.regs.Vector, c.regs.Info = 0, 0
	c.interruptsOn = frame.RFlags&(1<<9) != 0
	if frame.IsUserMode() {
		c.swapgs()
	}
}

// invoke runs the kernel interrupt handler. A panic escaping the handler
// is reported through kfmt.Panic and stops the machine.
func (m *Machine) invoke(frame *gate.Registers) (handled bool) {
	defer func() {
		if r := recover(); r != nil {
			m.panicked, m.panicValue = true, r
			kfmt.Panic(r)
			handled = false
		}
	}()

	if m.dispatch == nil {
		kfmt.Printf("[sim] interrupt %d raised before the kernel booted\n", frame.Vector)
		m.cur.halted = true
		return false
	}

	m.dispatch(frame)
	return true
}

func (m *Machine) record(rec DispatchRecord) {
	if len(m.trace) < m.cfg.TraceLimit {
		m.trace = append(m.trace, rec)
	} else {
		m.droppedTrace++
	}

	if m.OnDispatch != nil {
		m.OnDispatch(rec)
	}
}

// TimerVector returns the vector used by the scheduler timer.
func (m *Machine) TimerVector() uint8 {
	return m.timerVector
}

// Switches returns the task handles dispatched by timer interrupts on the
// given core, in order.
func (m *Machine) Switches(coreID uint32) []uint64 {
	var tasks []uint64
	for _, rec := range m.trace {
		if rec.Core == coreID && rec.Vector == m.timerVector {
			tasks = append(tasks, rec.Task)
		}
	}
	return tasks
}
