// Package sync provides the spin-wait lock used to serialize access to state
// shared between cores.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed acquisition attempts after
// which Acquire invokes yieldFn.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by Acquire while the lock is contended.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each core trying to acquire it busy-waits
// till the lock becomes available. The zero value is an unlocked Spinlock.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the caller. Any attempt to
// re-acquire a lock already held by the caller will cause a deadlock.
func (l *Spinlock) Acquire() {
	for attempts := uint32(1); ; attempts++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempts%attemptsBeforeYielding == 0 && yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other cores to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held reports whether the lock is currently held.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}
