// Package spinlock provides a busy-waiting mutual exclusion lock.
//
// Spin locks guard the short, bounded critical sections of the buffer cache
// and the page allocator (bucket lists, the structural eviction lock and the
// per-core free lists). A waiter polls the lock word instead of parking, so
// holders must never block, perform I/O or take a sleep lock while holding one.
//
// Go has no way to disable preemption, so the polling loop yields with
// runtime.Gosched between attempts. This keeps a descheduled holder from being
// starved by its own waiters when GOMAXPROCS is smaller than the number of
// contending goroutines.
package spinlock

import (
	"runtime"
	"sync/atomic"
)

// SpinLock is a test-and-test-and-set lock. The zero value is unlocked.
// It implements sync.Locker.
type SpinLock struct {
	name   string
	locked atomic.Bool
	spins  atomic.Uint64
}

// New returns an unlocked SpinLock carrying a debug name.
func New(name string) *SpinLock {
	return &SpinLock{name: name}
}

// Init sets the debug name of an embedded lock.
func (l *SpinLock) Init(name string) {
	l.name = name
}

// Name returns the debug name.
func (l *SpinLock) Name() string {
	return l.name
}

// Lock spins until the lock is acquired.
func (l *SpinLock) Lock() {
	for {
		if !l.locked.Load() && l.locked.CompareAndSwap(false, true) {
			return
		}
		l.spins.Add(1)
		runtime.Gosched()
	}
}

// TryLock acquires the lock if it is free and reports whether it did.
func (l *SpinLock) TryLock() bool {
	return !l.locked.Load() && l.locked.CompareAndSwap(false, true)
}

// Unlock releases the lock. Unlocking a free lock panics, matching sync.Mutex.
func (l *SpinLock) Unlock() {
	if !l.locked.CompareAndSwap(true, false) {
		panic("spinlock: unlock of unlocked lock " + l.name)
	}
}

// Locked reports whether the lock is currently held by anyone.
func (l *SpinLock) Locked() bool {
	return l.locked.Load()
}

// Spins returns the number of failed acquisition attempts so far.
func (l *SpinLock) Spins() uint64 {
	return l.spins.Load()
}
