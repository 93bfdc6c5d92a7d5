package gate

import (
	"taskos/kernel"
	"taskos/kernel/kfmt"
	"taskos/kernel/sync"
)

var (
	errNoFreeVector         = &kernel.Error{Module: "gate", Message: "no free interrupt vectors"}
	errVectorInUse          = &kernel.Error{Module: "gate", Message: "interrupt vector already allocated"}
	errVectorNotAllocated   = &kernel.Error{Module: "gate", Message: "interrupt vector is not allocated"}
	errExceptionVectorFreed = &kernel.Error{Module: "gate", Message: "exception vectors cannot be released"}
)

// Handler is invoked with the register snapshot of the interrupted context.
type Handler func(*Registers)

// Table maps each interrupt vector to its handler. Vectors below
// FirstDynamicVector belong to CPU exceptions; the rest are handed out on
// request.
type Table struct {
	lock sync.Spinlock

	handlers [256]Handler

	// allocated tracks vector ownership, one bit per vector.
	allocated [4]uint64
}

// NewTable returns a Table with the exception vectors reserved and no
// handlers installed.
func NewTable() *Table {
	t := &Table{}
	t.allocated[0] = 0xffffffff
	return t
}

// HandleInterrupt ensures that the provided handler will be invoked when a
// particular interrupt number occurs. A nil handler removes any previously
// installed handler.
func (t *Table) HandleInterrupt(intNumber InterruptNumber, handler Handler) {
	t.lock.Acquire()
	t.handlers[intNumber] = handler
	t.lock.Release()
}

// AllocateVector reserves the lowest free vector at or above
// FirstDynamicVector.
func (t *Table) AllocateVector() (InterruptNumber, *kernel.Error) {
	t.lock.Acquire()
	defer t.lock.Release()

	for vec := uint(FirstDynamicVector); vec < 256; vec++ {
		if t.allocated[vec>>6]&(1<<(vec&63)) == 0 {
			t.allocated[vec>>6] |= 1 << (vec & 63)
			return InterruptNumber(vec), nil
		}
	}

	return 0, errNoFreeVector
}

// Reserve marks a specific vector as allocated.
func (t *Table) Reserve(intNumber InterruptNumber) *kernel.Error {
	t.lock.Acquire()
	defer t.lock.Release()

	word, mask := intNumber>>6, uint64(1)<<(intNumber&63)
	if t.allocated[word]&mask != 0 {
		return errVectorInUse
	}

	t.allocated[word] |= mask
	return nil
}

// FreeVector releases a vector obtained via AllocateVector or Reserve and
// removes its handler.
func (t *Table) FreeVector(intNumber InterruptNumber) *kernel.Error {
	if intNumber < FirstDynamicVector {
		return errExceptionVectorFreed
	}

	t.lock.Acquire()
	defer t.lock.Release()

	word, mask := intNumber>>6, uint64(1)<<(intNumber&63)
	if t.allocated[word]&mask == 0 {
		return errVectorNotAllocated
	}

	t.allocated[word] &^= mask
	t.handlers[intNumber] = nil
	return nil
}

// IsAllocated returns true if the vector is reserved.
func (t *Table) IsAllocated(intNumber InterruptNumber) bool {
	t.lock.Acquire()
	defer t.lock.Release()

	return t.allocated[intNumber>>6]&(1<<(intNumber&63)) != 0
}

// Dispatch invokes the handler registered for regs.Vector. Interrupts
// without a handler are logged and otherwise ignored.
func (t *Table) Dispatch(regs *Registers) {
	vec := InterruptNumber(regs.Vector)

	t.lock.Acquire()
	handler := t.handlers[vec]
	t.lock.Release()

	if handler == nil {
		kfmt.Printf("[gate] unhandled interrupt %d (%s)\n", regs.Vector, ExceptionName(vec))
		return
	}

	handler(regs)
}
