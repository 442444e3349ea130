// Package sync provides synchronization primitive implementations for
// spinlocks. Every lock in the PMM lock discipline (list-level, per-region,
// per-watermark-meta) is one of these: the PMM runs with interrupts
// potentially enabled on other cores and must never sleep-lock.
package sync

import "sync/atomic"

var (
	// yieldFn is invoked between failed acquire attempts. It is nil by
	// default (a pure busy-wait, appropriate for an MMU-less early boot
	// environment with no scheduler to yield to) and is overridden by
	// tests with runtime.Gosched so that contended-lock tests do not
	// starve the Go scheduler's other goroutines.
	yieldFn func()
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Any attempt to re-acquire a lock already held by the current task
// will cause a deadlock.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if yieldFn != nil {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
