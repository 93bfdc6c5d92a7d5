// Package kmain assembles the kernel subsystems in boot order.
package kmain

import (
	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/gate"
	"taskos/kernel/hal"
	"taskos/kernel/irq"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
	"taskos/kernel/mm/pmm"
	"taskos/kernel/mm/vmm"
	"taskos/kernel/sched"
)

// Config aggregates the kernel tunables.
type Config struct {
	Sched  sched.Config
	Layout vmm.Layout
}

// DefaultConfig returns the default kernel tunables.
func DefaultConfig() Config {
	return Config{
		Sched:  sched.DefaultConfig(),
		Layout: vmm.DefaultLayout(),
	}
}

// Kernel holds the subsystems created by Boot.
type Kernel struct {
	Frames *pmm.BitmapAllocator
	VM     *vmm.Manager
	Gates  *gate.Table
	Sched  *sched.Scheduler

	// Idle is the task that keeps the run queue from becoming empty.
	Idle *sched.Task

	TimerVector gate.InterruptNumber
	ExitVector  gate.InterruptNumber

	hw       cpu.Hardware
	platform hal.Platform
}

// Boot initializes the memory managers, the interrupt table and the
// scheduler from the information handed over by the boot loader. An idle
// task running cfg.Sched.IdleEntry is queued so that the run queue is never
// empty. Scheduling does not begin until Start is called.
func Boot(cfg Config, boot *hal.BootInfo, hw cpu.Hardware, platform hal.Platform, mem mm.PhysicalMemory, loader sched.ImageLoader) (*Kernel, *kernel.Error) {
	kfmt.SetHaltFn(hw.Halt)

	k := &Kernel{
		Frames:   new(pmm.BitmapAllocator),
		Gates:    gate.NewTable(),
		hw:       hw,
		platform: platform,
	}

	pmm.PrintMemoryMap(boot.MemoryMap)

	var err *kernel.Error
	if err = k.Frames.Init(mem, boot.MemoryMap); err != nil {
		return nil, err
	}

	k.VM = vmm.NewManager(hw, mem, k.Frames, cfg.Layout)
	if err = k.VM.Init(boot); err != nil {
		return nil, err
	}

	k.Sched = sched.New(cfg.Sched, hw, platform, k.VM, k.Frames, loader)
	if k.ExitVector, err = irq.Install(k.Gates, hw, k.VM, k.Sched); err != nil {
		return nil, err
	}

	if k.TimerVector, err = k.Gates.AllocateVector(); err != nil {
		return nil, err
	}
	k.Gates.HandleInterrupt(k.TimerVector, k.Sched.HandleTimer)

	if k.Idle, err = k.Sched.NewKernelTask(cfg.Sched.IdleEntry, true); err != nil {
		return nil, err
	}

	kfmt.Printf("[kmain] boot complete; timer vector: %d\n", uint8(k.TimerVector))
	return k, nil
}

// Start begins scheduling on the executing core. It must be called once
// on every core that takes part in scheduling.
func (k *Kernel) Start() *kernel.Error {
	k.platform.ConfigureTimer(uint8(k.TimerVector))
	if err := k.Sched.Start(k.TimerVector); err != nil {
		return err
	}

	k.hw.EnableInterrupts()
	return nil
}

// Dispatch routes an interrupt to its registered handler.
func (k *Kernel) Dispatch(regs *gate.Registers) {
	k.Gates.Dispatch(regs)
}
