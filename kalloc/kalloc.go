package kalloc

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	xcpu "golang.org/x/sys/cpu"

	"github.com/hupe1980/kcore/cpu"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/conv"
	"github.com/hupe1980/kcore/internal/mmap"
	"github.com/hupe1980/kcore/internal/spinlock"
)

const (
	junkFree  = 0x01
	junkAlloc = 0x05
	nilFrame  = -1
)

// freeList is one core's stack of free frame indexes.
type freeList struct {
	lock spinlock.SpinLock
	head int32
	n    int
	_    xcpu.CacheLinePad
}

// Allocator hands out page frames from per-core free lists.
type Allocator struct {
	cfg    Config
	cores  *cpu.Set
	logger *slog.Logger
	obs    Observer
	halt   fault.Halter
	mem    MemoryAcquirer

	region *mmap.Mapping
	base   PhysAddr
	frames int

	// next[i] links frame i to the following free frame on the same list.
	// It is only touched under the owning list's lock, or on chains that
	// have been detached from every list.
	next  []int32
	lists []freeList

	fillFree  []byte
	fillAlloc []byte

	allocs   atomic.Uint64
	frees    atomic.Uint64
	steals   atomic.Uint64
	stolen   atomic.Uint64
	failures atomic.Uint64

	closed atomic.Bool
}

// New maps the physical range and frees every frame in
// [PageRoundUp(KernelEnd), PhysTop) onto core 0, the boot core. Other
// cores start empty and fill their lists by stealing.
func New(cfg Config, cores *cpu.Set, opts ...Option) (*Allocator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cores == nil {
		return nil, fmt.Errorf("%w: nil core set", ErrInvalidConfig)
	}

	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}
	if o.obs == nil {
		o.obs = noopObserver{}
	}
	if o.halt == nil {
		o.halt = fault.Panic
	}

	frames32, err := conv.ToInt32(cfg.NumFrames())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	frames := int(frames32)
	size, err := conv.ToInt(uint64(frames) * cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	region, err := mmap.MapAnon(size)
	if err != nil {
		return nil, fmt.Errorf("kalloc: map physical memory: %w", err)
	}

	a := &Allocator{
		cfg:       cfg,
		cores:     cores,
		logger:    o.logger,
		obs:       o.obs,
		halt:      o.halt,
		mem:       o.mem,
		region:    region,
		base:      cfg.FirstFrame(),
		frames:    frames,
		next:      make([]int32, frames),
		lists:     make([]freeList, cores.N()),
		fillFree:  filled(cfg.PageSize, junkFree),
		fillAlloc: filled(cfg.PageSize, junkAlloc),
	}
	for i := range a.lists {
		a.lists[i].lock.Init(fmt.Sprintf("kmem_CPU%d", i))
		a.lists[i].head = nilFrame
	}

	// Boot: free the whole range on the boot core, lowest frame first, so
	// the highest frame ends up at the head of the list.
	cores.DoOn(0, func(tok *cpu.Token) {
		for pa := a.base; pa+PhysAddr(cfg.PageSize) <= cfg.PhysTop; pa += PhysAddr(cfg.PageSize) {
			a.free(tok, pa, false)
		}
	})

	a.logger.Info("physical memory initialized",
		"first_frame", a.base.String(), "phys_top", cfg.PhysTop.String(),
		"frames", frames, "cores", cores.N())
	return a, nil
}

func filled(n uint64, b byte) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = b
	}
	return p
}

// Config returns the memory layout.
func (a *Allocator) Config() Config { return a.cfg }

// Cores returns the core set the allocator was built for.
func (a *Allocator) Cores() *cpu.Set { return a.cores }

// NumFrames returns the number of frames under management.
func (a *Allocator) NumFrames() int { return a.frames }

func (a *Allocator) index(pa PhysAddr) int32 {
	return int32(uint64(pa-a.base) / a.cfg.PageSize) //nolint:gosec // bounded by frames, which fits int32
}

func (a *Allocator) addr(i int32) PhysAddr {
	return a.base + PhysAddr(uint64(i)*a.cfg.PageSize)
}

func (a *Allocator) page(i int32) []byte {
	off := uint64(i) * a.cfg.PageSize
	return a.region.Bytes()[off : off+a.cfg.PageSize : off+a.cfg.PageSize]
}

// Alloc pins the caller to a core for the duration of the call and
// allocates a frame from that core's list.
//
// Callers already holding a Token must use AllocOn instead.
func (a *Allocator) Alloc() (f *Frame, err error) {
	a.cores.Do(func(tok *cpu.Token) {
		f, err = a.AllocOn(tok)
	})
	return f, err
}

// AllocOn allocates a frame on the token's core. The frame is filled with
// 0x05. If the local list is empty a batch is stolen from another core;
// if every other core has fewer than two frames ErrAllocationFailed is
// returned.
func (a *Allocator) AllocOn(tok *cpu.Token) (*Frame, error) {
	id := a.checkToken(tok, "kalloc")
	if a.closed.Load() {
		a.failures.Add(1)
		a.obs.RecordAlloc(id, 0, ErrClosed)
		return nil, ErrClosed
	}

	if a.mem != nil {
		if err := a.mem.AcquireMemory(int64(a.cfg.PageSize)); err != nil { //nolint:gosec // page size is small
			a.failures.Add(1)
			err = fmt.Errorf("%w: %v", ErrAllocationFailed, err)
			a.obs.RecordAlloc(id, 0, err)
			return nil, err
		}
	}

	i, stolen := a.pop(id)
	if i == nilFrame {
		if a.mem != nil {
			a.mem.ReleaseMemory(int64(a.cfg.PageSize)) //nolint:gosec // page size is small
		}
		a.failures.Add(1)
		a.logger.Warn("out of physical memory", "cpu", id)
		a.obs.RecordAlloc(id, 0, ErrAllocationFailed)
		return nil, ErrAllocationFailed
	}

	p := a.page(i)
	copy(p, a.fillAlloc)
	a.allocs.Add(1)
	a.obs.RecordAlloc(id, stolen, nil)
	return &Frame{pa: a.addr(i), data: p}, nil
}

// pop takes the head of core id's list, stealing first if it is empty.
func (a *Allocator) pop(id int) (int32, int) {
	own := &a.lists[id]

	own.lock.Lock()
	if i := own.head; i != nilFrame {
		own.head = a.next[i]
		own.n--
		own.lock.Unlock()
		return i, 0
	}
	own.lock.Unlock()

	// Never hold our own lock while taking another core's: two empty cores
	// stealing from each other would deadlock.
	first, last, n, victim := a.steal(id)
	if n == 0 {
		return nilFrame, 0
	}

	a.steals.Add(1)
	a.stolen.Add(uint64(n)) //nolint:gosec // n > 0
	a.logger.Debug("frames stolen", "cpu", id, "from", victim, "frames", n)

	// Keep the first stolen frame, splice the rest in front of whatever was
	// freed locally meanwhile.
	if n > 1 {
		own.lock.Lock()
		a.next[last] = own.head
		own.head = a.next[first]
		own.n += n - 1
		own.lock.Unlock()
	}
	return first, n
}

// steal detaches up to StealBatch frames from the first core other than
// self holding at least two. It returns the detached chain.
func (a *Allocator) steal(self int) (first, last int32, n, victim int) {
	for v := range a.lists {
		if v == self {
			continue
		}
		l := &a.lists[v]
		l.lock.Lock()
		if l.n < 2 {
			l.lock.Unlock()
			continue
		}

		n = min(l.n, a.cfg.StealBatch)
		first = l.head
		last = first
		for range n - 1 {
			last = a.next[last]
		}
		l.head = a.next[last]
		l.n -= n
		a.next[last] = nilFrame
		l.lock.Unlock()
		return first, last, n, v
	}
	return nilFrame, nilFrame, 0, -1
}

// Free returns f to the current core's list and invalidates the handle.
// Freeing the same handle twice halts with fault.InvalidFrame.
func (a *Allocator) Free(f *Frame) {
	a.cores.Do(func(tok *cpu.Token) {
		a.FreeOn(tok, f)
	})
}

// FreeOn is Free on an already pinned core.
func (a *Allocator) FreeOn(tok *cpu.Token, f *Frame) {
	var pa PhysAddr
	if f != nil {
		pa = f.pa
		f.pa, f.data = 0, nil
	}
	a.free(tok, pa, true)
}

// FreeAddr returns the frame at pa to the current core's list. pa must be
// page aligned and inside [KernelEnd, PhysTop); anything else halts with
// fault.InvalidFrame.
func (a *Allocator) FreeAddr(pa PhysAddr) {
	a.cores.Do(func(tok *cpu.Token) {
		a.free(tok, pa, true)
	})
}

// FreeAddrOn is FreeAddr on an already pinned core.
func (a *Allocator) FreeAddrOn(tok *cpu.Token, pa PhysAddr) {
	a.free(tok, pa, true)
}

func (a *Allocator) free(tok *cpu.Token, pa PhysAddr, charged bool) {
	if uint64(pa)%a.cfg.PageSize != 0 || pa < a.cfg.KernelEnd || pa >= a.cfg.PhysTop {
		fault.Halt(a.halt, fault.InvalidFrame, "kfree", "pa %s outside [%s, %s) or unaligned",
			pa, a.cfg.KernelEnd, a.cfg.PhysTop)
	}
	id := a.checkToken(tok, "kfree")
	if a.closed.Load() {
		fault.Halt(a.halt, fault.InvalidFrame, "kfree", "pa %s freed after physical memory was unmapped", pa)
	}

	i := a.index(pa)
	copy(a.page(i), a.fillFree)

	l := &a.lists[id]
	l.lock.Lock()
	a.next[i] = l.head
	l.head = i
	l.n++
	l.lock.Unlock()

	if charged {
		if a.mem != nil {
			a.mem.ReleaseMemory(int64(a.cfg.PageSize)) //nolint:gosec // page size is small
		}
		a.frees.Add(1)
		a.obs.RecordFree(id)
	}
}

func (a *Allocator) checkToken(tok *cpu.Token, op string) int {
	if tok == nil || !tok.Live() || tok.Set() != a.cores {
		fault.Halt(a.halt, fault.LockMisuse, op, "%v is not a live token of this core set", tok)
	}
	return tok.ID()
}

// Close unmaps physical memory. Frames must not be used afterwards:
// AllocOn returns ErrClosed and freeing halts with fault.InvalidFrame.
// Closing twice is a no-op.
func (a *Allocator) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	return a.region.Close()
}
