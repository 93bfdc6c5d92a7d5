package sched

import (
	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/gate"
	"taskos/kernel/kfmt"
)

// Start arms the timer of the executing core for the initial quantum. The
// first task is dispatched by the handler of timerVector once it fires.
// If an idle entry point is configured, the idle task of the executing core
// is created as well.
func (s *Scheduler) Start(timerVector gate.InterruptNumber) *kernel.Error {
	core := s.hw.CoreID()
	if s.cfg.IdleEntry != 0 && s.IdleTask(core) == nil {
		idle, err := s.NewKernelTask(s.cfg.IdleEntry, false)
		if err != nil {
			return err
		}

		s.withQueueLocked(func() {
			s.idle[core] = idle
		})
	}

	s.timerVector = timerVector
	kfmt.Printf("[sched] starting on core %d with %d queued tasks\n", core, len(s.RunQueue()))
	s.platform.ArmTimer(s.cfg.InitialQuantum)
	return nil
}

// IdleTask returns the idle task of the given core or nil if the core has
// not been started.
func (s *Scheduler) IdleTask(core uint32) *Task {
	var task *Task
	s.withQueueLocked(func() {
		task = s.idle[core]
	})
	return task
}

// HandleTimer is the timer interrupt handler. It saves the interrupted
// task, picks the next queued task in round-robin order and rewrites regs
// so that the interrupt return resumes it.
func (s *Scheduler) HandleTimer(regs *gate.Registers) {
	s.platform.StopTimer()

	core := s.hw.CoreID()
	bases := BaseRegisters{
		GS:       s.hw.ReadMSR(cpu.MSRGSBase),
		KernelGS: s.hw.ReadMSR(cpu.MSRKernelGSBase),
		FS:       s.hw.ReadMSR(cpu.MSRFSBase),
	}

	s.lock.Acquire()

	s.reapLocked(core)

	prev := s.lookupLocked(TaskID(bases.GS))
	alive := prev != nil && prev.State != Terminated
	if alive {
		prev.State = Runnable
	}

	if s.queue.Len() == 0 {
		s.lock.Release()
		panic(errNoRunnableTasks)
	}

	var prevID TaskID
	if prev != nil {
		prevID = prev.ID
	}

	var next *Task
	nextID, found := s.queue.Next(prevID, func(id TaskID) bool {
		task := s.tasks[id-1]
		return task.State != Running || task.Core == core
	})
	switch {
	case found:
		next = s.tasks[nextID-1]
	case alive:
		// Every queued task is loaded on another core.
		next = prev
	default:
		// The interrupted context belongs to no live task.
		next = s.idle[core]
	}

	if next == nil || next == prev {
		// Keep running whatever was interrupted. A terminated task stays
		// unreleased until the core leaves its stack.
		if alive {
			prev.State = Running
			prev.Core = core
		}

		s.lock.Release()
		s.rearm()
		return
	}

	saved, install, nextBases := switchContexts(*regs, bases, next.Context, uint64(next.ID))
	if alive {
		prev.Context = saved
	} else if prev != nil {
		// This interrupt is the last one taken on the stack of the
		// terminated task.
		prev.released = true
		prev.releasedOn = core
	}

	s.vm.Activate(next.Space)
	if next.Context.Regs.IsUserMode() {
		s.hw.SetInterruptStack(next.KernelStackTop)
	}

	s.hw.WriteMSR(cpu.MSRGSBase, nextBases.GS)
	s.hw.WriteMSR(cpu.MSRKernelGSBase, nextBases.KernelGS)
	s.hw.WriteMSR(cpu.MSRFSBase, nextBases.FS)

	*regs = install
	next.State = Running
	next.Core = core

	s.lock.Release()
	s.rearm()
}

func (s *Scheduler) rearm() {
	s.platform.EOI(uint8(s.timerVector))
	s.platform.ArmTimer(s.cfg.Quantum)
}

// Exit terminates the task running on the executing core. regs is the trap
// frame of the call; it is rewritten so that the core idles until the next
// timer interrupt dispatches another task.
func (s *Scheduler) Exit(regs *gate.Registers) {
	task := s.dequeueAndDie(regs)
	kfmt.Printf("[sched] task %d exited\n", uint64(task.ID))
}

// Terminate behaves like Exit but is used when the running task is killed
// because of cause.
func (s *Scheduler) Terminate(regs *gate.Registers, cause string) {
	task := s.dequeueAndDie(regs)
	kfmt.Printf("[sched] task %d terminated: %s\n", uint64(task.ID), cause)
}

func (s *Scheduler) dequeueAndDie(regs *gate.Registers) *Task {
	var task *Task

	s.withQueueLocked(func() {
		task = s.lookupLocked(TaskID(s.hw.ReadMSR(cpu.MSRGSBase)))
		if task == nil || task.State == Terminated {
			return
		}

		s.queue.Remove(task.ID)
		task.State = Terminated
		s.zombies = append(s.zombies, task)
	})

	if task == nil {
		panic(errNoCurrentTask)
	}

	*regs = gate.Registers{
		RIP:    uint64(s.cfg.IdleEntry),
		CS:     cpu.KernelCodeSelector,
		RFlags: cpu.DefaultFlags,
		RSP:    uint64(task.KernelStackTop),
		SS:     cpu.KernelDataSelector,
	}

	// The interrupt return goes to kernel mode so the swap on the way out
	// will not happen; GS already holds the task handle.
	return task
}

// reapLocked releases the resources of terminated tasks that were released
// by core. Callers must hold s.lock.
func (s *Scheduler) reapLocked(core uint32) {
	remaining := s.zombies[:0]
	for _, task := range s.zombies {
		if !task.released || task.releasedOn != core {
			remaining = append(remaining, task)
			continue
		}

		if err := s.releaseResources(task); err != nil {
			s.lock.Release()
			panic(err)
		}

		task.reaped = true
		kfmt.Printf("[sched] reaped task %d\n", uint64(task.ID))
	}

	for index := len(remaining); index < len(s.zombies); index++ {
		s.zombies[index] = nil
	}
	s.zombies = remaining
}

// Zombies returns the number of terminated tasks waiting to be reaped.
func (s *Scheduler) Zombies() int {
	var count int
	s.withQueueLocked(func() {
		count = len(s.zombies)
	})
	return count
}
