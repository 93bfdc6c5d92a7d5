// Package sched implements a preemptive round-robin scheduler driven by a
// per-core one-shot timer. Context switches happen inside the timer
// interrupt handler by rewriting the trap frame of the interrupted task.
package sched

import (
	"taskos/kernel"
	"taskos/kernel/cpu"
	"taskos/kernel/gate"
	"taskos/kernel/hal"
	"taskos/kernel/kfmt"
	"taskos/kernel/mm"
	"taskos/kernel/mm/vmm"
	"taskos/kernel/sync"
)

var (
	errNoRunnableTasks = &kernel.Error{Module: "sched", Message: "no tasks in the run queue"}
	errNoCurrentTask   = &kernel.Error{Module: "sched", Message: "no task is running on this core"}
	errNoImageLoader   = &kernel.Error{Module: "sched", Message: "no image loader configured"}
	errInvalidStack    = &kernel.Error{Module: "sched", Message: "stack size must be a non-zero multiple of the page size"}
)

// ImageLoader installs the mappings of an executable image into an address
// space and returns its entry point.
type ImageLoader interface {
	Load(vm *vmm.Manager, space *vmm.AddressSpace, image []byte) (uintptr, *kernel.Error)
}

// Config holds the scheduler tunables.
type Config struct {
	// InitialQuantum is the delay in microseconds before the first
	// dispatch and Quantum the time slice of every task afterwards.
	InitialQuantum uint64
	Quantum        uint64

	// StackSize is the size of each task stack.
	StackSize uintptr

	// UserStackTop is the address right above the user stack of user
	// tasks.
	UserStackTop uintptr

	// IdleEntry is the address of a kernel routine that halts in a loop.
	// Terminated tasks run it until the next switch.
	IdleEntry uintptr
}

// DefaultConfig returns a 1ms initial quantum, a 300Hz time slice and 64K
// stacks.
func DefaultConfig() Config {
	return Config{
		InitialQuantum: 1000,
		Quantum:        1000000 / 300,
		StackSize:      uintptr(64 * mm.Kb),
		UserStackTop:   0x00007ffffffff000,
	}
}

// Scheduler owns the task arena and the run queue.
type Scheduler struct {
	lock sync.Spinlock

	cfg      Config
	hw       cpu.Hardware
	platform hal.Platform
	vm       *vmm.Manager
	frames   mm.FrameAllocator
	loader   ImageLoader

	// tasks is indexed by TaskID-1.
	tasks   []*Task
	queue   RunQueue
	zombies []*Task

	// idle holds a task per core that is never queued. A core runs it
	// when no queued task is eligible and the interrupted task is gone.
	idle map[uint32]*Task

	timerVector gate.InterruptNumber
}

// New returns a Scheduler with an empty run queue.
func New(cfg Config, hw cpu.Hardware, platform hal.Platform, vm *vmm.Manager, frames mm.FrameAllocator, loader ImageLoader) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		hw:       hw,
		platform: platform,
		vm:       vm,
		frames:   frames,
		loader:   loader,
		idle:     make(map[uint32]*Task),
	}
}

// Config returns the scheduler tunables.
func (s *Scheduler) Config() Config {
	return s.cfg
}

// NewKernelTask creates a task that runs entry in kernel mode on a fresh
// stack within the kernel address space. If enqueue is true the task is
// appended to the run queue.
func (s *Scheduler) NewKernelTask(entry uintptr, enqueue bool) (*Task, *kernel.Error) {
	task := &Task{Space: s.vm.KernelSpace()}
	if err := s.allocStack(task); err != nil {
		return nil, err
	}

	task.Context.Regs = gate.Registers{
		RIP:    uint64(entry),
		CS:     cpu.KernelCodeSelector,
		RFlags: cpu.DefaultFlags,
		RSP:    uint64(task.KernelStackTop),
		SS:     cpu.KernelDataSelector,
	}

	s.register(task, enqueue)
	kfmt.Printf("[sched] created kernel task %d (entry: 0x%x)\n", uint64(task.ID), entry)
	return task, nil
}

// NewUserTask creates a task that runs the supplied image in user mode
// inside a private address space. The image loader installs the program
// mappings; the scheduler adds the user stack right below
// Config.UserStackTop and a kernel stack used while handling traps. If
// enqueue is true the task is appended to the run queue.
func (s *Scheduler) NewUserTask(image []byte, enqueue bool) (*Task, *kernel.Error) {
	if s.loader == nil {
		return nil, errNoImageLoader
	}

	space, err := s.vm.NewAddressSpace()
	if err != nil {
		return nil, err
	}

	task := &Task{Space: space, ownsSpace: true}
	if err = s.setupUserTask(task, image); err != nil {
		_ = s.releaseResources(task)
		return nil, err
	}

	s.register(task, enqueue)
	kfmt.Printf("[sched] created user task %d (entry: 0x%x)\n", uint64(task.ID), task.Context.Regs.RIP)
	return task, nil
}

func (s *Scheduler) setupUserTask(task *Task, image []byte) *kernel.Error {
	if s.cfg.StackSize == 0 || s.cfg.StackSize&(mm.PageSize-1) != 0 {
		return errInvalidStack
	}

	stackBase := s.cfg.UserStackTop - s.cfg.StackSize
	for offset := uintptr(0); offset < s.cfg.StackSize; offset += mm.PageSize {
		frame, err := s.frames.AllocFrame()
		if err != nil {
			return err
		}

		kernel.Memset(s.vm.PhysicalMemory().Access(frame.Address()), 0, mm.PageSize)

		// Leaf pages flagged as user accessible belong to the address
		// space and are released along with it.
		if err = s.vm.MapPage(task.Space, frame.Address(), stackBase+offset, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible|vmm.FlagNoExecute); err != nil {
			_ = s.frames.FreeFrame(frame)
			return err
		}
	}

	if err := s.allocStack(task); err != nil {
		return err
	}

	entry, err := s.loader.Load(s.vm, task.Space, image)
	if err != nil {
		return err
	}

	task.Context = Context{
		Regs: gate.Registers{
			RIP:    uint64(entry),
			CS:     cpu.UserCodeSelector,
			RFlags: cpu.DefaultFlags,
			RSP:    uint64(s.cfg.UserStackTop),
			SS:     cpu.UserDataSelector,
		},
	}
	return nil
}

// allocStack reserves a physically contiguous kernel stack for the task.
func (s *Scheduler) allocStack(task *Task) *kernel.Error {
	if s.cfg.StackSize == 0 || s.cfg.StackSize&(mm.PageSize-1) != 0 {
		return errInvalidStack
	}

	count := s.cfg.StackSize >> mm.PageShift
	first, err := s.frames.AllocFrames(count)
	if err != nil {
		return err
	}

	task.stack, task.stackFrames = first, count
	task.KernelStackTop = s.vm.Layout().DirectMap(first.Address()) + s.cfg.StackSize
	return nil
}

// releaseResources frees the kernel stack of a task and, for user tasks,
// its address space.
func (s *Scheduler) releaseResources(task *Task) *kernel.Error {
	if task.stackFrames != 0 {
		if err := s.frames.FreeFrames(task.stack, task.stackFrames); err != nil {
			return err
		}
		task.stackFrames = 0
	}

	if task.ownsSpace && task.Space.Root().Valid() {
		if err := s.vm.Destroy(task.Space); err != nil {
			return err
		}
	}

	return nil
}

// register assigns an id to the task and optionally enqueues it.
func (s *Scheduler) register(task *Task, enqueue bool) {
	s.withQueueLocked(func() {
		s.tasks = append(s.tasks, task)
		task.ID = TaskID(len(s.tasks))
		task.State = Runnable
		if enqueue {
			s.queue.Push(task.ID)
		}
	})
}

// Enqueue appends a runnable task that is not queued yet to the run queue.
func (s *Scheduler) Enqueue(task *Task) {
	s.withQueueLocked(func() {
		if task.State != Terminated && !s.queue.Contains(task.ID) {
			s.queue.Push(task.ID)
		}
	})
}

// withQueueLocked runs fn with interrupts disabled on this core and the
// scheduler lock held.
func (s *Scheduler) withQueueLocked(fn func()) {
	enabled := s.hw.InterruptsEnabled()
	if enabled {
		s.hw.DisableInterrupts()
	}

	s.lock.Acquire()
	fn()
	s.lock.Release()

	if enabled {
		s.hw.EnableInterrupts()
	}
}

// Task returns the task with the given id or nil if no such task exists.
func (s *Scheduler) Task(id TaskID) *Task {
	var task *Task
	s.withQueueLocked(func() {
		task = s.lookupLocked(id)
	})
	return task
}

// TaskCount returns the number of tasks ever created.
func (s *Scheduler) TaskCount() int {
	var count int
	s.withQueueLocked(func() {
		count = len(s.tasks)
	})
	return count
}

// RunQueue returns the ids of the queued tasks in dispatch order.
func (s *Scheduler) RunQueue() []TaskID {
	var ids []TaskID
	s.withQueueLocked(func() {
		ids = s.queue.Snapshot()
	})
	return ids
}

// Current returns the task loaded on the executing core or nil if the
// core has not dispatched a task yet.
func (s *Scheduler) Current() *Task {
	return s.Task(TaskID(s.hw.ReadMSR(cpu.MSRGSBase)))
}

func (s *Scheduler) lookupLocked(id TaskID) *Task {
	if id == 0 || uint64(id) > uint64(len(s.tasks)) {
		return nil
	}
	return s.tasks[id-1]
}
