package bcache

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sys/cpu"

	"github.com/hupe1980/kcore/device"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/mem"
	"github.com/hupe1980/kcore/internal/sleeplock"
	"github.com/hupe1980/kcore/internal/spinlock"
)

// buffer is a pool slot. Identity (dev, blockno) and the list link change
// only under the global lock plus the owning bucket lock; refcnt and
// lastUse only under the owning bucket lock; valid and data only under the
// sleep lock.
type buffer struct {
	id      int
	dev     uint32
	blockno uint32
	valid   bool
	refcnt  int
	lastUse uint64
	data    []byte
	lock    sleeplock.SleepLock
	next    *buffer
}

type bucket struct {
	lock spinlock.SpinLock
	head *buffer
	_    cpu.CacheLinePad
}

func (bk *bucket) lookup(dev, blockno uint32) *buffer {
	for b := bk.head; b != nil; b = b.next {
		if b.dev == dev && b.blockno == blockno {
			return b
		}
	}
	return nil
}

func (bk *bucket) contains(b *buffer) bool {
	for x := bk.head; x != nil; x = x.next {
		if x == b {
			return true
		}
	}
	return false
}

// Cache is the buffer cache.
type Cache struct {
	cfg    Config
	drv    device.Driver
	clock  Clock
	logger *slog.Logger
	obs    Observer
	halt   fault.Halter

	lock    spinlock.SpinLock
	buckets []bucket
	bufs    []buffer
	leases  atomic.Uint64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	reads     atomic.Uint64
	writes    atomic.Uint64
	ioErrors  atomic.Uint64
}

// New builds the pool. All buffers start on bucket 0 with identity (0, 0),
// invalid, unreferenced and stamped at tick 0.
func New(cfg Config, drv device.Driver, opts ...Option) (*Cache, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if drv == nil {
		return nil, fmt.Errorf("%w: nil driver", ErrInvalidConfig)
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
	if o.clock == nil {
		o.clock = NewTickClock(0)
	}

	c := &Cache{
		cfg:     cfg,
		drv:     drv,
		clock:   o.clock,
		logger:  o.logger,
		obs:     o.obs,
		halt:    o.halt,
		buckets: make([]bucket, cfg.NumBuckets),
		bufs:    make([]buffer, cfg.NumBuffers),
	}
	c.lock.Init("bcache")
	for i := range c.buckets {
		c.buckets[i].lock.Init(fmt.Sprintf("buff_Buck%d", i))
	}

	data := mem.AllocBlocks(cfg.NumBuffers, cfg.BlockSize)
	head := &c.buckets[0]
	for i := range c.bufs {
		b := &c.bufs[i]
		b.id = i
		b.data = data[i]
		b.lock.Init(fmt.Sprintf("buff%d", i))
		b.next = head.head
		head.head = b
	}

	c.logger.Debug("buffer cache initialized",
		"buffers", cfg.NumBuffers, "buckets", cfg.NumBuckets, "block_size", cfg.BlockSize)
	return c, nil
}

// Config returns the pool geometry.
func (c *Cache) Config() Config { return c.cfg }

func (c *Cache) bucketOf(dev, blockno uint32) int {
	return int(((dev << 27) | blockno) % uint32(c.cfg.NumBuckets)) //nolint:gosec // NumBuckets validated positive
}

// Acquire returns the buffer for (dev, blockno), locked for the caller.
// The payload is only valid if Valid reports true. Acquire never touches
// the device; use Read to fill the payload.
//
// If every buffer is referenced Acquire halts with fault.PoolExhausted.
func (c *Cache) Acquire(dev, blockno uint32) *Buf {
	key := c.bucketOf(dev, blockno)
	bk := &c.buckets[key]

	bk.lock.Lock()
	if b := bk.lookup(dev, blockno); b != nil {
		b.refcnt++
		bk.lock.Unlock()
		return c.hit(b, dev, blockno)
	}
	bk.lock.Unlock()

	// Miss. Serialize with every other structural change, then look again:
	// another CPU may have brought the block in meanwhile.
	c.lock.Lock()
	bk.lock.Lock()
	if b := bk.lookup(dev, blockno); b != nil {
		b.refcnt++
		bk.lock.Unlock()
		c.lock.Unlock()
		return c.hit(b, dev, blockno)
	}
	bk.lock.Unlock()

	link, victimBucket := c.findLRU()
	if link == nil {
		c.lock.Unlock()
		fault.Halt(c.halt, fault.PoolExhausted, "bget", "no free buffer for dev %d block %d", dev, blockno)
	}

	victim := *link
	*link = victim.next
	evicted := victim.valid
	oldDev, oldBlock := victim.dev, victim.blockno
	c.buckets[victimBucket].lock.Unlock()

	bk.lock.Lock()
	victim.next = bk.head
	bk.head = victim
	victim.dev = dev
	victim.blockno = blockno
	victim.valid = false
	victim.refcnt = 1
	bk.lock.Unlock()
	c.lock.Unlock()

	c.misses.Add(1)
	if evicted {
		c.evictions.Add(1)
		c.logger.Debug("buffer evicted",
			"slot", victim.id,
			"from_bucket", victimBucket, "to_bucket", key,
			"old_dev", oldDev, "old_block", oldBlock,
			"dev", dev, "block", blockno)
	}
	c.obs.RecordCacheLookup(false, evicted)

	return c.lockBuf(victim, dev, blockno)
}

func (c *Cache) hit(b *buffer, dev, blockno uint32) *Buf {
	c.hits.Add(1)
	c.obs.RecordCacheLookup(true, false)
	return c.lockBuf(b, dev, blockno)
}

// findLRU scans all buckets in increasing order for the unreferenced buffer
// with the smallest lastUse, first found on ties. On success it returns the
// link pointing at that buffer with its bucket still locked. At most the
// current bucket and the best-candidate bucket are locked at any time.
// The caller holds the global lock.
func (c *Cache) findLRU() (**buffer, int) {
	var best **buffer
	bestBucket := -1

	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.lock.Lock()
		found := false
		for link := &bk.head; *link != nil; link = &(*link).next {
			b := *link
			if b.refcnt == 0 && (best == nil || b.lastUse < (*best).lastUse) {
				best = link
				found = true
			}
		}
		if !found {
			bk.lock.Unlock()
			continue
		}
		if bestBucket != -1 {
			c.buckets[bestBucket].lock.Unlock()
		}
		bestBucket = i
	}
	return best, bestBucket
}

func (c *Cache) lockBuf(b *buffer, dev, blockno uint32) *Buf {
	lease := c.leases.Add(1)
	b.lock.Lock(lease)
	return &Buf{c: c, b: b, lease: lease, dev: dev, blockno: blockno}
}

// Read returns a locked buffer holding the contents of (dev, blockno),
// reading from the device only if the cached copy is not valid.
//
// On a device error the buffer is released, stays invalid, and the error
// is returned.
func (c *Cache) Read(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	buf := c.Acquire(dev, blockno)
	b := buf.b
	if b.valid {
		return buf, nil
	}

	start := time.Now()
	err := c.drv.ReadBlock(ctx, dev, blockno, b.data)
	c.obs.RecordBlockIO(false, time.Since(start), err)
	c.reads.Add(1)
	if err != nil {
		c.ioErrors.Add(1)
		c.logger.Error("block read failed", "dev", dev, "block", blockno, "error", err)
		c.Release(buf)
		return nil, fmt.Errorf("bcache: read dev %d block %d: %w", dev, blockno, err)
	}
	b.valid = true
	return buf, nil
}

// Write writes the buffer's payload to the device. The caller must hold
// the buffer; otherwise Write halts with fault.LockMisuse. Neither the lock
// nor the reference count changes.
func (c *Cache) Write(ctx context.Context, buf *Buf) error {
	if !buf.Holding() {
		fault.Halt(c.halt, fault.LockMisuse, "bwrite", "%s", buf.describe())
	}
	b := buf.b

	start := time.Now()
	err := c.drv.WriteBlock(ctx, buf.dev, buf.blockno, b.data)
	c.obs.RecordBlockIO(true, time.Since(start), err)
	c.writes.Add(1)
	if err != nil {
		c.ioErrors.Add(1)
		c.logger.Error("block write failed", "dev", buf.dev, "block", buf.blockno, "error", err)
		return fmt.Errorf("bcache: write dev %d block %d: %w", buf.dev, buf.blockno, err)
	}
	// The device now holds exactly the payload.
	b.valid = true
	return nil
}

// Release unlocks the buffer and drops the caller's reference. When the
// last reference goes the buffer is stamped with the current tick, which
// orders eviction. The buffer stays on its bucket.
//
// The handle is dead afterwards. Releasing a buffer the caller does not
// hold halts with fault.LockMisuse.
func (c *Cache) Release(buf *Buf) {
	if !buf.Holding() {
		fault.Halt(c.halt, fault.LockMisuse, "brelse", "%s", buf.describe())
	}
	b := buf.b
	b.lock.Unlock(buf.lease)
	buf.lease = 0

	bk := &c.buckets[c.bucketOf(buf.dev, buf.blockno)]
	bk.lock.Lock()
	b.refcnt--
	if b.refcnt == 0 {
		b.lastUse = c.clock.Now()
	}
	bk.lock.Unlock()
}

// Pin takes an extra reference so the buffer survives Release without
// being evicted. It does not need the buffer lock.
func (c *Cache) Pin(buf *Buf) {
	c.adjust(buf, +1, "bpin")
}

// Unpin drops a reference taken by Pin.
func (c *Cache) Unpin(buf *Buf) {
	c.adjust(buf, -1, "bunpin")
}

func (c *Cache) adjust(buf *Buf, delta int, op string) {
	if buf == nil || buf.b == nil {
		fault.Halt(c.halt, fault.LockMisuse, op, "nil buffer")
	}
	b := buf.b
	bk := &c.buckets[c.bucketOf(buf.dev, buf.blockno)]

	bk.lock.Lock()
	// A slot that left this bucket, or was re-identified in place, no
	// longer belongs to the handle.
	if !bk.contains(b) || b.dev != buf.dev || b.blockno != buf.blockno {
		bk.lock.Unlock()
		fault.Halt(c.halt, fault.LockMisuse, op, "dev %d block %d was evicted", buf.dev, buf.blockno)
	}
	if b.refcnt+delta < 0 {
		bk.lock.Unlock()
		fault.Halt(c.halt, fault.LockMisuse, op, "dev %d block %d has no references", buf.dev, buf.blockno)
	}
	b.refcnt += delta
	if b.refcnt == 0 {
		b.lastUse = c.clock.Now()
	}
	bk.lock.Unlock()
}
