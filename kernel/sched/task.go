package sched

import (
	"taskos/kernel/mm"
	"taskos/kernel/mm/vmm"
)

// TaskID identifies a task. IDs are never reused; zero means no task.
type TaskID uint64

// State describes the lifecycle stage of a task.
type State uint8

const (
	// Runnable tasks are in the run queue but not loaded on any core.
	Runnable State = iota

	// Running tasks are loaded on exactly one core.
	Running

	// Terminated tasks have left the run queue and wait to be reaped.
	Terminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Task is a schedulable unit of execution.
type Task struct {
	ID    TaskID
	State State

	// Core is the index of the core that last loaded the task.
	Core uint32

	// Context is only touched by the scheduler while the task is not
	// running on any core.
	Context Context

	// Space is the address space the task runs in. Kernel tasks share
	// the kernel address space; user tasks own theirs.
	Space     *vmm.AddressSpace
	ownsSpace bool

	// The kernel stack is used by kernel tasks for all execution and by
	// user tasks while handling traps on their behalf.
	stack          mm.Frame
	stackFrames    uintptr
	KernelStackTop uintptr

	// released is set once the core that ran a terminated task has
	// switched to another task's stack and address space. Only that core,
	// releasedOn, may reap it.
	released   bool
	releasedOn uint32
	reaped     bool
}

// IsUser returns true if the task executes in user mode.
func (t *Task) IsUser() bool {
	return t.ownsSpace
}

// Reaped returns true once the resources owned by a terminated task have
// been released.
func (t *Task) Reaped() bool {
	return t.reaped
}
