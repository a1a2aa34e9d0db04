// File: internal/concurrency/spinlock.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Busy-wait lock for very short critical sections (free lists, interest
// masks). Never held across a syscall or a callback.

package concurrency

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a CAS lock that yields the processor while contended.
// The zero value is unlocked.
type SpinLock struct {
	state int32
}

// Lock spins until the lock is taken.
func (l *SpinLock) Lock() {
	for !atomic.CompareAndSwapInt32(&l.state, 0, 1) {
		runtime.Gosched()
	}
}

// TryLock takes the lock if it is free.
func (l *SpinLock) TryLock() bool {
	return atomic.CompareAndSwapInt32(&l.state, 0, 1)
}

// Unlock releases the lock.
func (l *SpinLock) Unlock() {
	atomic.StoreInt32(&l.state, 0)
}

// DefaultThreads is the worker count used when configuration leaves it zero.
func DefaultThreads() int {
	return runtime.NumCPU()
}
