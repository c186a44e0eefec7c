package bcache

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/kcore/device"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/rng"
	"github.com/hupe1980/kcore/testutil"
)

const testDev = 1

func newTestCache(t *testing.T, cfg Config, opts ...Option) (*Cache, *device.Memory) {
	t.Helper()
	disk := device.NewMemory(cfg.BlockSize, 256)
	tab := device.NewTable()
	require.NoError(t, tab.Register(testDev, disk))

	c, err := New(cfg, tab, opts...)
	require.NoError(t, err)
	return c, disk
}

func smallConfig(buffers int) Config {
	cfg := DefaultConfig()
	cfg.NumBuffers = buffers
	return cfg
}

func TestNew_InitialPlacement(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	slots := c.Snapshot()
	require.Len(t, slots, 30)
	for i, s := range slots {
		assert.Equal(t, 0, s.Bucket)
		assert.Equal(t, uint32(0), s.Dev)
		assert.Equal(t, uint32(0), s.BlockNo)
		assert.Equal(t, 0, s.RefCnt)
		assert.Equal(t, uint64(0), s.LastUse)
		// Pushed at the head, so the last slot comes first.
		assert.Equal(t, 29-i, s.Slot)
	}
	assert.NoError(t, c.Audit())
}

func TestNew_InvalidConfig(t *testing.T) {
	for _, cfg := range []Config{
		{NumBuffers: 0, NumBuckets: 1, BlockSize: 1},
		{NumBuffers: 1, NumBuckets: 0, BlockSize: 1},
		{NumBuffers: 1, NumBuckets: 1, BlockSize: 0},
	} {
		_, err := New(cfg, device.NewTable())
		assert.ErrorIs(t, err, ErrInvalidConfig)
	}

	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBucketOf(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())

	assert.Equal(t, 0, c.bucketOf(0, 0))
	assert.Equal(t, 5, c.bucketOf(0, 5))
	// 2^27 = 8 (mod 21)
	assert.Equal(t, 13, c.bucketOf(1, 5))
	// dev << 27 wraps in 32 bits
	assert.Equal(t, 5, c.bucketOf(32, 5))
}

func TestRead_HitDoesNotTouchDevice(t *testing.T) {
	c, disk := newTestCache(t, DefaultConfig())
	ctx := t.Context()

	want := bytes.Repeat([]byte{0x42}, 1024)
	require.NoError(t, disk.WriteBlock(ctx, 7, want))

	b, err := c.Read(ctx, testDev, 7)
	require.NoError(t, err)
	assert.True(t, b.Valid())
	assert.Equal(t, want, b.Data())
	c.Release(b)

	b, err = c.Read(ctx, testDev, 7)
	require.NoError(t, err)
	assert.Equal(t, want, b.Data())
	c.Release(b)

	assert.Equal(t, uint64(1), disk.Reads())
	st := c.Stats()
	assert.Equal(t, uint64(1), st.Hits)
	assert.Equal(t, uint64(1), st.Misses)
	assert.Equal(t, uint64(1), st.DeviceReads)
	assert.InDelta(t, 0.5, st.HitRate(), 1e-9)
}

func TestWrite_ReachesDevice(t *testing.T) {
	c, disk := newTestCache(t, DefaultConfig())
	ctx := t.Context()

	b, err := c.Read(ctx, testDev, 3)
	require.NoError(t, err)
	copy(b.Data(), "hello")
	require.NoError(t, c.Write(ctx, b))
	c.Release(b)

	assert.Equal(t, uint64(1), disk.Writes())
	p := make([]byte, 1024)
	require.NoError(t, disk.ReadBlock(ctx, 3, p))
	assert.Equal(t, []byte("hello"), p[:5])
}

func TestAcquire_WriteWithoutRead(t *testing.T) {
	c, disk := newTestCache(t, DefaultConfig())
	ctx := t.Context()

	b := c.Acquire(testDev, 9)
	assert.False(t, b.Valid())
	copy(b.Data(), "fresh")
	require.NoError(t, c.Write(ctx, b))
	c.Release(b)

	// The written payload is served from the cache.
	b, err := c.Read(ctx, testDev, 9)
	require.NoError(t, err)
	assert.Equal(t, []byte("fresh"), b.Data()[:5])
	c.Release(b)
	assert.Equal(t, uint64(0), disk.Reads())
}

func TestRelease_LRUOrder(t *testing.T) {
	clock := &ManualClock{}
	c, _ := newTestCache(t, smallConfig(3), WithClock(clock))
	ctx := t.Context()

	slots := map[uint32]int{}
	for _, r := range []struct {
		blk  uint32
		tick uint64
	}{{1, 10}, {2, 5}, {3, 7}} {
		b, err := c.Read(ctx, testDev, r.blk)
		require.NoError(t, err)
		slots[r.blk] = b.Slot()
		clock.Set(r.tick)
		c.Release(b)
	}

	// Block 2 was released earliest.
	b := c.Acquire(testDev, 4)
	assert.Equal(t, slots[2], b.Slot())
	clock.Set(20)
	c.Release(b)

	// Next oldest is block 3 (tick 7).
	b = c.Acquire(testDev, 5)
	assert.Equal(t, slots[3], b.Slot())
	c.Release(b)

	assert.Equal(t, uint64(2), c.Stats().Evictions)
	assert.NoError(t, c.Audit())
}

func TestEviction_TieTakesFirstInScanOrder(t *testing.T) {
	clock := &ManualClock{}
	c, _ := newTestCache(t, smallConfig(4), WithClock(clock))
	ctx := t.Context()

	for blk := range uint32(4) {
		b, err := c.Read(ctx, testDev, blk*21) // all hash to one bucket
		require.NoError(t, err)
		c.Release(b)
	}

	var first int
	for _, s := range c.Snapshot() {
		if s.RefCnt == 0 {
			first = s.Slot
			break
		}
	}

	b := c.Acquire(testDev, 100)
	assert.Equal(t, first, b.Slot())
	c.Release(b)
}

func TestPoolExhausted_Scenario(t *testing.T) {
	t.Run("NoRelease", func(t *testing.T) {
		c, _ := newTestCache(t, smallConfig(3))
		for blk := uint32(1); blk <= 3; blk++ {
			c.Acquire(testDev, blk)
		}
		f := testutil.RequireHalt(t, fault.PoolExhausted, func() {
			c.Acquire(testDev, 4)
		})
		assert.ErrorIs(t, f, fault.ErrPoolExhausted)
		assert.Equal(t, "bget", f.Op)
	})

	t.Run("ReleaseFirst", func(t *testing.T) {
		c, _ := newTestCache(t, smallConfig(3))
		b1 := c.Acquire(testDev, 1)
		c.Acquire(testDev, 2)
		c.Acquire(testDev, 3)

		slot := b1.Slot()
		c.Release(b1)

		b4 := c.Acquire(testDev, 4)
		assert.Equal(t, slot, b4.Slot())
		assert.Equal(t, uint32(4), b4.BlockNo())
		assert.NoError(t, c.Audit())
	})
}

func TestLockMisuse(t *testing.T) {
	c, _ := newTestCache(t, DefaultConfig())
	ctx := t.Context()

	b, err := c.Read(ctx, testDev, 1)
	require.NoError(t, err)
	c.Release(b)

	assert.Nil(t, b.Data())
	assert.False(t, b.Valid())

	f := testutil.RequireHalt(t, fault.LockMisuse, func() { c.Release(b) })
	assert.Equal(t, "brelse", f.Op)
	assert.Contains(t, f.Detail, "already released")

	f = testutil.RequireHalt(t, fault.LockMisuse, func() { _ = c.Write(ctx, b) })
	assert.Equal(t, "bwrite", f.Op)

	testutil.RequireHalt(t, fault.LockMisuse, func() { c.Release(nil) })

	// A forged handle to a buffer someone else holds.
	owner := c.Acquire(testDev, 2)
	forged := &Buf{c: c, b: owner.b, lease: owner.lease + 1000, dev: 2, blockno: 2}
	testutil.RequireHalt(t, fault.LockMisuse, func() { c.Release(forged) })
	c.Release(owner)
	assert.NoError(t, c.Audit())
}

func TestHalter(t *testing.T) {
	var got *fault.Error
	stop := errors.New("stop")
	c, _ := newTestCache(t, smallConfig(1), WithHalter(func(e *fault.Error) {
		got = e
		panic(stop)
	}))

	c.Acquire(testDev, 1)
	assert.PanicsWithValue(t, stop, func() { c.Acquire(testDev, 2) })
	require.NotNil(t, got)
	assert.Equal(t, fault.PoolExhausted, got.Kind)
}

func TestPinUnpin(t *testing.T) {
	c, _ := newTestCache(t, smallConfig(1))
	ctx := t.Context()

	b, err := c.Read(ctx, testDev, 1)
	require.NoError(t, err)
	c.Pin(b)
	c.Release(b)

	assert.Equal(t, 1, c.Snapshot()[0].RefCnt)
	testutil.RequireHalt(t, fault.PoolExhausted, func() { c.Acquire(testDev, 2) })

	c.Unpin(b)
	assert.Equal(t, 0, c.Snapshot()[0].RefCnt)

	b2 := c.Acquire(testDev, 2)
	c.Release(b2)

	// The old handle's slot now caches block 2.
	f := testutil.RequireHalt(t, fault.LockMisuse, func() { c.Unpin(b) })
	assert.Equal(t, "bunpin", f.Op)

	// Unpin without a reference.
	f = testutil.RequireHalt(t, fault.LockMisuse, func() { c.Unpin(b2) })
	assert.Contains(t, f.Detail, "no references")
	assert.NoError(t, c.Audit())
}

type failingDriver struct {
	err error
}

func (d failingDriver) ReadBlock(context.Context, uint32, uint32, []byte) error  { return d.err }
func (d failingDriver) WriteBlock(context.Context, uint32, uint32, []byte) error { return d.err }

func TestRead_DeviceError(t *testing.T) {
	ioErr := errors.New("disk on fire")
	c, err := New(smallConfig(2), failingDriver{err: ioErr})
	require.NoError(t, err)

	b, err := c.Read(t.Context(), testDev, 4)
	assert.Nil(t, b)
	require.ErrorIs(t, err, ioErr)
	assert.Contains(t, err.Error(), "dev 1 block 4")

	for _, s := range c.Snapshot() {
		assert.Equal(t, 0, s.RefCnt)
	}

	// Still invalid, so the next read retries the device.
	_, err = c.Read(t.Context(), testDev, 4)
	require.ErrorIs(t, err, ioErr)
	st := c.Stats()
	assert.Equal(t, uint64(2), st.DeviceReads)
	assert.Equal(t, uint64(2), st.DeviceErrors)
	assert.Equal(t, uint64(1), st.Hits)
}

func TestWrite_DeviceError(t *testing.T) {
	ioErr := errors.New("read-only")
	c, err := New(smallConfig(2), failingDriver{err: ioErr})
	require.NoError(t, err)

	b := c.Acquire(testDev, 1)
	require.ErrorIs(t, c.Write(t.Context(), b), ioErr)
	// Still held after a failed write.
	assert.True(t, b.Holding())
	c.Release(b)
}

func TestAudit_DetectsCorruption(t *testing.T) {
	c, _ := newTestCache(t, smallConfig(4))
	require.NoError(t, c.Audit())

	c.bufs[0].dev = 5
	assert.ErrorIs(t, c.Audit(), ErrCorrupt)
	c.bufs[0].dev = 0

	c.bufs[1].refcnt = -1
	assert.ErrorIs(t, c.Audit(), ErrCorrupt)
	c.bufs[1].refcnt = 0

	// Unlink a slot.
	c.buckets[0].head = c.buckets[0].head.next
	assert.ErrorIs(t, c.Audit(), ErrCorrupt)
}

func TestConcurrent_ReadWriteRelease(t *testing.T) {
	c, disk := newTestCache(t, DefaultConfig())
	gen := rng.NewRNG(4711)

	const (
		workers = 8
		blocks  = 64
		ops     = 300
	)

	g, ctx := errgroup.WithContext(t.Context())
	for w := range workers {
		g.Go(func() error {
			for range ops {
				blk := gen.BlockNo(blocks)
				b, err := c.Read(ctx, testDev, blk)
				if err != nil {
					return err
				}
				data := b.Data()
				if got := binary.LittleEndian.Uint32(data); got != 0 && got != blk+1 {
					c.Release(b)
					return errors.New("payload belongs to another block")
				}
				binary.LittleEndian.PutUint32(data, blk+1)
				data[4] = byte(w)
				if err := c.Write(ctx, b); err != nil {
					c.Release(b)
					return err
				}
				c.Release(b)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.NoError(t, c.Audit())

	for _, s := range c.Snapshot() {
		assert.Equal(t, 0, s.RefCnt)
		assert.False(t, s.Locked)
	}

	// Everything written is on the device.
	p := make([]byte, 1024)
	for blk := range uint32(blocks) {
		require.NoError(t, disk.ReadBlock(t.Context(), blk, p))
		if got := binary.LittleEndian.Uint32(p); got != 0 {
			assert.Equal(t, blk+1, got)
		}
	}
	assert.Equal(t, uint64(workers*ops), c.Stats().DeviceWrites)
}

func TestConcurrent_SameBlock(t *testing.T) {
	c, _ := newTestCache(t, smallConfig(4))

	var g errgroup.Group
	for range 8 {
		g.Go(func() error {
			for range 200 {
				b := c.Acquire(testDev, 1)
				b.Data()[0]++
				c.Release(b)
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	b := c.Acquire(testDev, 1)
	assert.Equal(t, byte(1600%256), b.Data()[0])
	c.Release(b)
}

func TestTickClock(t *testing.T) {
	clk := NewTickClock(0)
	assert.Equal(t, uint64(0), clk.Now())

	m := &ManualClock{}
	assert.Equal(t, uint64(3), m.Advance(3))
	assert.Equal(t, uint64(3), m.Now())
}
