// Package sync provides the synchronization primitive used to guard the
// kernel's global tables (PMM bitmap, heap free list, swap bitmap,
// shared-memory table; the scheduler's task table takes no lock) for the
// short sections that, per spec.md §5, run with interrupts
// disabled. No locks are required by the single-CPU design; Spinlock exists
// so the same code stays safe if ever run under a preemptible/SMP build.
package sync

import "sync/atomic"

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active
// task. Re-acquiring a lock already held by the current task deadlocks.
func (l *Spinlock) Acquire() {
	for !l.TryToAcquire() {
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// could be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.SwapUint32(&l.state, 1) == 0
}

// Release relinquishes a held lock, allowing other tasks to acquire it.
// Calling Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}
