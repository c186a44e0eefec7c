// Package sleeplock provides a long-term lock with an owner check.
//
// A SleepLock protects a buffer payload across device I/O. Waiters park
// (sync.Mutex semantics) instead of spinning, because the holder may be
// waiting on a slow device. Ownership is tracked by a lease number chosen by
// the caller, which lets the owner of the lock be verified before a write or
// release is allowed.
package sleeplock

import (
	"sync"
	"sync/atomic"
)

// SleepLock is a blocking lock whose holder is identified by a non-zero lease.
// The zero value is unlocked.
type SleepLock struct {
	name   string
	mu     sync.Mutex
	holder atomic.Uint64
}

// Init sets the debug name.
func (l *SleepLock) Init(name string) {
	l.name = name
}

// Name returns the debug name.
func (l *SleepLock) Name() string {
	return l.name
}

// Lock blocks until the lock is free and records lease as the holder.
// lease must be non-zero.
func (l *SleepLock) Lock(lease uint64) {
	if lease == 0 {
		panic("sleeplock: zero lease on " + l.name)
	}
	l.mu.Lock()
	l.holder.Store(lease)
}

// Unlock releases the lock if lease is the current holder and reports
// whether it did. A false result means the caller does not own the lock and
// nothing was changed.
func (l *SleepLock) Unlock(lease uint64) bool {
	if lease == 0 || !l.holder.CompareAndSwap(lease, 0) {
		return false
	}
	l.mu.Unlock()
	return true
}

// Holding reports whether lease currently holds the lock.
func (l *SleepLock) Holding(lease uint64) bool {
	return lease != 0 && l.holder.Load() == lease
}

// Locked reports whether anyone holds the lock.
func (l *SleepLock) Locked() bool {
	return l.holder.Load() != 0
}
