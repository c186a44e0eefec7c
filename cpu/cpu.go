// Package cpu models the execution cores of the kernel resource layer.
//
// Go code cannot ask which hardware core it runs on, and a goroutine may
// migrate between OS threads at any instruction. Per-core data structures
// therefore need an explicit notion of "the core I am running on" that stays
// valid for as long as it is used. A Token is that notion: it is bound to one
// core of a Set, at most one Token per core is live at a time, and the core
// cannot change under its holder. Releasing the Token is the equivalent of
// re-enabling migration.
//
// Tokens are obtained with Set.Pin (any free core), Set.PinCore (a specific
// core) or the scoped Set.Do, which releases automatically.
package cpu

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Set is a fixed group of cores.
type Set struct {
	cores []core
	next  atomic.Uint32
}

type core struct {
	busy sync.Mutex
}

// NewSet creates a Set of n cores (n < 1 is treated as 1).
func NewSet(n int) *Set {
	if n < 1 {
		n = 1
	}
	return &Set{cores: make([]core, n)}
}

// N returns the number of cores.
func (s *Set) N() int {
	return len(s.cores)
}

// Pin binds the caller to a free core, blocking while every core is taken.
// Cores are probed round-robin so concurrent callers spread across the Set.
func (s *Set) Pin() *Token {
	n := len(s.cores)
	start := int(s.next.Add(1)-1) % n
	for i := range n {
		id := (start + i) % n
		if s.cores[id].busy.TryLock() {
			return &Token{set: s, id: id}
		}
	}
	s.cores[start].busy.Lock()
	return &Token{set: s, id: start}
}

// PinCore binds the caller to core id, blocking while it is taken.
func (s *Set) PinCore(id int) *Token {
	if id < 0 || id >= len(s.cores) {
		panic(fmt.Sprintf("cpu: core %d out of range [0,%d)", id, len(s.cores)))
	}
	s.cores[id].busy.Lock()
	return &Token{set: s, id: id}
}

// Do runs fn pinned to a free core and releases the core afterwards.
func (s *Set) Do(fn func(t *Token)) {
	t := s.Pin()
	defer t.Release()
	fn(t)
}

// DoOn runs fn pinned to core id and releases the core afterwards.
func (s *Set) DoOn(id int, fn func(t *Token)) {
	t := s.PinCore(id)
	defer t.Release()
	fn(t)
}

// Token is a live binding to one core.
type Token struct {
	set      *Set
	id       int
	released atomic.Bool
}

// ID returns the core index. It is stable for the lifetime of the Token.
func (t *Token) ID() int {
	return t.id
}

// Set returns the Set the Token belongs to.
func (t *Token) Set() *Set {
	return t.set
}

// Live reports whether the Token has not been released.
func (t *Token) Live() bool {
	return !t.released.Load()
}

// Release frees the core. It is idempotent.
func (t *Token) Release() {
	if t.released.Swap(true) {
		return
	}
	t.set.cores[t.id].busy.Unlock()
}

func (t *Token) String() string {
	return fmt.Sprintf("cpu%d", t.id)
}
