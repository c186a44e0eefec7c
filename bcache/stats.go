package bcache

import (
	"errors"
	"fmt"
)

// ErrCorrupt is returned by Audit when the pool structure is inconsistent.
var ErrCorrupt = errors.New("bcache: corrupt pool")

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits         uint64 `json:"hits"`
	Misses       uint64 `json:"misses"`
	Evictions    uint64 `json:"evictions"`
	DeviceReads  uint64 `json:"device_reads"`
	DeviceWrites uint64 `json:"device_writes"`
	DeviceErrors uint64 `json:"device_errors"`
	Buffers      int    `json:"buffers"`
	Buckets      int    `json:"buckets"`
	LockSpins    uint64 `json:"lock_spins"`
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Stats returns the cache counters.
func (c *Cache) Stats() Stats {
	spins := c.lock.Spins()
	for i := range c.buckets {
		spins += c.buckets[i].lock.Spins()
	}
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Evictions:    c.evictions.Load(),
		DeviceReads:  c.reads.Load(),
		DeviceWrites: c.writes.Load(),
		DeviceErrors: c.ioErrors.Load(),
		Buffers:      c.cfg.NumBuffers,
		Buckets:      c.cfg.NumBuckets,
		LockSpins:    spins,
	}
}

// SlotInfo describes one buffer as seen by Snapshot.
type SlotInfo struct {
	Slot    int    `json:"slot"`
	Bucket  int    `json:"bucket"`
	Dev     uint32 `json:"dev"`
	BlockNo uint32 `json:"blockno"`
	RefCnt  int    `json:"refcnt"`
	LastUse uint64 `json:"last_use"`
	Locked  bool   `json:"locked"`
}

// Snapshot lists every buffer in bucket-then-list order, the order in which
// eviction scans them.
func (c *Cache) Snapshot() []SlotInfo {
	out := make([]SlotInfo, 0, len(c.bufs))
	_ = c.walk(func(bucket int, b *buffer) {
		out = append(out, SlotInfo{
			Slot:    b.id,
			Bucket:  bucket,
			Dev:     b.dev,
			BlockNo: b.blockno,
			RefCnt:  b.refcnt,
			LastUse: b.lastUse,
			Locked:  b.lock.Locked(),
		})
	})
	return out
}

// Audit checks the structural invariants: every slot is on exactly one
// bucket list, each slot hashes to the bucket it is on, and no reference
// count is negative.
func (c *Cache) Audit() error {
	seen := make([]int, len(c.bufs))
	var errs []error

	if err := c.walk(func(bucket int, b *buffer) {
		seen[b.id]++
		if want := c.bucketOf(b.dev, b.blockno); want != bucket {
			errs = append(errs, fmt.Errorf("%w: slot %d (dev %d block %d) on bucket %d, hashes to %d",
				ErrCorrupt, b.id, b.dev, b.blockno, bucket, want))
		}
		if b.refcnt < 0 {
			errs = append(errs, fmt.Errorf("%w: slot %d has refcnt %d", ErrCorrupt, b.id, b.refcnt))
		}
	}); err != nil {
		return err
	}

	for id, n := range seen {
		if n != 1 {
			errs = append(errs, fmt.Errorf("%w: slot %d appears on %d lists", ErrCorrupt, id, n))
		}
	}
	return errors.Join(errs...)
}

// walk visits every slot under the global lock, one bucket lock at a time.
// It stops with ErrCorrupt if the lists hold more entries than the pool.
func (c *Cache) walk(fn func(bucket int, b *buffer)) error {
	c.lock.Lock()
	defer c.lock.Unlock()

	visited := 0
	for i := range c.buckets {
		bk := &c.buckets[i]
		bk.lock.Lock()
		for b := bk.head; b != nil; b = b.next {
			if visited++; visited > len(c.bufs) {
				bk.lock.Unlock()
				return fmt.Errorf("%w: bucket lists hold more than %d entries", ErrCorrupt, len(c.bufs))
			}
			fn(i, b)
		}
		bk.lock.Unlock()
	}
	return nil
}
