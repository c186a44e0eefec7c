package kalloc

import (
	"bytes"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kcore/cpu"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/resource"
	"github.com/hupe1980/kcore/testutil"
)

// testConfig is 64 frames above an unaligned kernel end.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.KernelEnd = cfg.KernBase + 0x1a40
	cfg.PhysTop = cfg.KernBase + 66*4096
	return cfg
}

func newTestAllocator(t *testing.T, cfg Config, cores int, opts ...Option) *Allocator {
	t.Helper()
	a, err := New(cfg, cpu.NewSet(cores), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, PhysAddr(0x80022000), cfg.FirstFrame())
	assert.Equal(t, uint64(32768-0x22), cfg.NumFrames())

	tc := testConfig()
	assert.Equal(t, uint64(64), tc.NumFrames())
	assert.Equal(t, PhysAddr(0x80002000), tc.FirstFrame())
	assert.Equal(t, "0x80002000", tc.FirstFrame().String())
}

func TestConfig_Validate(t *testing.T) {
	for name, mutate := range map[string]func(*Config){
		"PageSizeNotPow2": func(c *Config) { c.PageSize = 3000 },
		"PageSizeZero":    func(c *Config) { c.PageSize = 0 },
		"EndBelowBase":    func(c *Config) { c.KernelEnd = c.KernBase - 1 },
		"UnalignedTop":    func(c *Config) { c.PhysTop++ },
		"NoFrames":        func(c *Config) { c.KernelEnd = c.PhysTop },
		"ZeroSteal":       func(c *Config) { c.StealBatch = 0 },
	} {
		t.Run(name, func(t *testing.T) {
			cfg := testConfig()
			mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
		})
	}

	_, err := New(testConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestNew_SeedsBootCore(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 4)

	s := a.Stats()
	assert.Equal(t, 64, s.Frames)
	assert.Equal(t, []int{64, 0, 0, 0}, s.FreePerCore)
	assert.Zero(t, s.Frees, "boot frees are not counted")
	require.NoError(t, a.Audit())

	// The highest frame was freed last and is handed out first.
	tok := a.cores.PinCore(0)
	defer tok.Release()
	f, err := a.AllocOn(tok)
	require.NoError(t, err)
	assert.Equal(t, a.cfg.PhysTop-4096, f.Addr())
}

func TestAlloc_FillsAndRoundTrips(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 1)

	f, err := a.Alloc()
	require.NoError(t, err)
	require.Len(t, f.Bytes(), 4096)
	assert.Equal(t, bytes.Repeat([]byte{0x05}, 4096), f.Bytes())

	pa := f.Addr()
	assert.Zero(t, uint64(pa)%4096)
	assert.GreaterOrEqual(t, pa, a.cfg.KernelEnd)
	assert.Less(t, pa, a.cfg.PhysTop)

	data := f.Bytes()
	a.Free(f)
	assert.Nil(t, f.Bytes())
	assert.Zero(t, f.Addr())
	// Freed memory is junk-filled.
	assert.Equal(t, bytes.Repeat([]byte{0x01}, 4096), data)

	s := a.Stats()
	assert.Equal(t, uint64(1), s.Allocs)
	assert.Equal(t, uint64(1), s.Frees)
	assert.Equal(t, 64, s.Free)
	require.NoError(t, a.Audit())
}

func TestAlloc_ExhaustAndRecover(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 1)

	var frames []*Frame
	seen := map[PhysAddr]bool{}
	for range 64 {
		f, err := a.Alloc()
		require.NoError(t, err)
		require.False(t, seen[f.Addr()], "frame handed out twice")
		seen[f.Addr()] = true
		frames = append(frames, f)
	}

	_, err := a.Alloc()
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, uint64(1), a.Stats().Failures)

	for _, f := range frames {
		a.FreeAddr(f.Addr())
	}
	assert.Equal(t, 64, a.Stats().Free)
	require.NoError(t, a.Audit())
}

func TestSteal(t *testing.T) {
	cfg := testConfig()
	cfg.StealBatch = 10
	a := newTestAllocator(t, cfg, 3)

	before, err := a.FreeSet(0)
	require.NoError(t, err)

	tok := a.cores.PinCore(2)
	f, err := a.AllocOn(tok)
	require.NoError(t, err)

	s := a.Stats()
	assert.Equal(t, uint64(1), s.Steals)
	assert.Equal(t, uint64(10), s.StolenFrames)
	assert.Equal(t, []int{54, 0, 9}, s.FreePerCore)

	// Stolen frames moved: exclusively on core 2, gone from core 0.
	after0, err := a.FreeSet(0)
	require.NoError(t, err)
	on2, err := a.FreeSet(2)
	require.NoError(t, err)
	assert.False(t, after0.Intersects(on2))
	assert.True(t, before.Contains(a.FrameIndex(f.Addr())))
	assert.False(t, on2.Contains(a.FrameIndex(f.Addr())))
	assert.Equal(t, before.GetCardinality(), after0.GetCardinality()+on2.GetCardinality()+1)
	require.NoError(t, a.Audit())

	// The next nine come from the local list without stealing.
	for range 9 {
		_, err := a.AllocOn(tok)
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(1), a.Stats().Steals)
	tok.Release()
}

func TestSteal_NeedsTwoFrames(t *testing.T) {
	cfg := testConfig()
	cfg.PhysTop = cfg.FirstFrame() + 4096 // a single frame
	a := newTestAllocator(t, cfg, 2)

	tok := a.cores.PinCore(1)
	defer tok.Release()

	_, err := a.AllocOn(tok)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Equal(t, []int{1, 0}, a.Stats().FreePerCore)
}

func TestSteal_TakesWholeShortList(t *testing.T) {
	cfg := testConfig()
	a := newTestAllocator(t, cfg, 2)

	tok := a.cores.PinCore(1)
	defer tok.Release()

	// 64 frames < 1024: the whole list moves, one handed out.
	_, err := a.AllocOn(tok)
	require.NoError(t, err)
	assert.Equal(t, []int{0, 63}, a.Stats().FreePerCore)
}

func TestFree_InvalidFrame(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 1)
	cfg := a.cfg

	for name, pa := range map[string]PhysAddr{
		"Unaligned":    cfg.FirstFrame() + 1,
		"BelowKernel":  cfg.KernBase,
		"InsideKernel": cfg.FirstFrame() - 4096,
		"AtPhysTop":    cfg.PhysTop,
		"AbovePhysTop": cfg.PhysTop + 4096,
		"Zero":         0,
	} {
		t.Run(name, func(t *testing.T) {
			f := testutil.RequireHalt(t, fault.InvalidFrame, func() { a.FreeAddr(pa) })
			assert.Equal(t, "kfree", f.Op)
		})
	}

	// Double free through the same handle.
	fr, err := a.Alloc()
	require.NoError(t, err)
	a.Free(fr)
	testutil.RequireHalt(t, fault.InvalidFrame, func() { a.Free(fr) })
	testutil.RequireHalt(t, fault.InvalidFrame, func() { a.Free(nil) })

	require.NoError(t, a.Audit())
}

func TestAllocOn_DeadToken(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 2)

	tok := a.cores.PinCore(0)
	tok.Release()
	testutil.RequireHalt(t, fault.LockMisuse, func() { _, _ = a.AllocOn(tok) })

	other := cpu.NewSet(2).PinCore(0)
	defer other.Release()
	testutil.RequireHalt(t, fault.LockMisuse, func() { _, _ = a.AllocOn(other) })
}

func TestClose_StopsAllocAndFree(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 8 * 4096})
	a := newTestAllocator(t, testConfig(), 2, WithMemoryAcquirer(rc))

	held, err := a.Alloc()
	require.NoError(t, err)
	pa := held.Addr()
	before := a.Stats()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())

	_, err = a.Alloc()
	require.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, int64(4096), rc.MemoryUsage(), "quota is not charged after close")

	f := testutil.RequireHalt(t, fault.InvalidFrame, func() { a.FreeAddr(pa) })
	assert.Equal(t, "kfree", f.Op)

	after := a.Stats()
	assert.Equal(t, before.Free, after.Free, "no frame leaves the free lists")
	require.NoError(t, a.Audit())
}

func TestMemoryAcquirer(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 2 * 4096})
	a := newTestAllocator(t, testConfig(), 1, WithMemoryAcquirer(rc))

	f1, err := a.Alloc()
	require.NoError(t, err)
	_, err = a.Alloc()
	require.NoError(t, err)

	_, err = a.Alloc()
	require.ErrorIs(t, err, ErrAllocationFailed)
	assert.ErrorContains(t, err, resource.ErrMemoryLimitExceeded.Error())
	assert.Equal(t, int64(2*4096), rc.MemoryUsage())

	a.Free(f1)
	assert.Equal(t, int64(4096), rc.MemoryUsage())
	_, err = a.Alloc()
	require.NoError(t, err)
}

type recordingObserver struct {
	mu     sync.Mutex
	allocs []int
	stolen int
	fails  int
	frees  int
}

func (r *recordingObserver) RecordAlloc(core, stolen int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.fails++
		return
	}
	r.allocs = append(r.allocs, core)
	r.stolen += stolen
}

func (r *recordingObserver) RecordFree(int) {
	r.mu.Lock()
	r.frees++
	r.mu.Unlock()
}

func TestObserver(t *testing.T) {
	obs := &recordingObserver{}
	a := newTestAllocator(t, testConfig(), 2, WithObserver(obs))

	a.cores.DoOn(1, func(tok *cpu.Token) {
		f, err := a.AllocOn(tok)
		require.NoError(t, err)
		a.FreeOn(tok, f)
	})

	assert.Equal(t, []int{1}, obs.allocs)
	assert.Equal(t, 64, obs.stolen)
	assert.Equal(t, 1, obs.frees)
	assert.Zero(t, obs.fails)
}

func TestAudit_DetectsCorruption(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 2)
	require.NoError(t, a.Audit())

	// Put core 0's head on core 1 as well.
	a.lists[1].head = a.lists[0].head
	a.next[a.lists[0].head] = nilFrame
	a.lists[1].n = 1
	assert.ErrorIs(t, a.Audit(), ErrCorrupt)
}

func TestAudit_DetectsSharedFrame(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 2)

	// Both lists stay internally consistent but end on the same frame.
	tail := a.lists[0].head
	for a.next[tail] != nilFrame {
		tail = a.next[tail]
	}
	a.lists[1].head = tail
	a.lists[1].n = 1

	err := a.Audit()
	require.ErrorIs(t, err, ErrCorrupt)
	assert.ErrorContains(t, err, "cpu 1 shares frames")
}

func TestAudit_DetectsCycle(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 1)
	head := a.lists[0].head
	a.next[a.next[head]] = head
	assert.ErrorIs(t, a.Audit(), ErrCorrupt)
}

func TestConcurrent_AllocFree(t *testing.T) {
	a := newTestAllocator(t, testConfig(), 4)

	var (
		mu    sync.Mutex
		owned = map[PhysAddr]bool{}
	)
	claim := func(pa PhysAddr) error {
		mu.Lock()
		defer mu.Unlock()
		if owned[pa] {
			return errors.New("frame owned twice")
		}
		owned[pa] = true
		return nil
	}
	drop := func(pa PhysAddr) {
		mu.Lock()
		delete(owned, pa)
		mu.Unlock()
	}

	var g errgroup.Group
	for w := range 8 {
		g.Go(func() error {
			var held []*Frame
			for i := range 500 {
				if len(held) < 6 && i%3 != 2 {
					f, err := a.Alloc()
					if errors.Is(err, ErrAllocationFailed) {
						continue
					}
					if err != nil {
						return err
					}
					if err := claim(f.Addr()); err != nil {
						return err
					}
					f.Bytes()[0] = byte(w)
					held = append(held, f)
					continue
				}
				if len(held) > 0 {
					f := held[len(held)-1]
					held = held[:len(held)-1]
					drop(f.Addr())
					a.Free(f)
				}
			}
			for _, f := range held {
				drop(f.Addr())
				a.Free(f)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.NoError(t, a.Audit())
	s := a.Stats()
	assert.Equal(t, 64, s.Free)
	assert.Equal(t, s.Allocs, s.Frees)
}
