package kcore

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like
// Prometheus (see the observability package).
//
// It satisfies both bcache.Observer and kalloc.Observer.
type MetricsCollector interface {
	// RecordCacheLookup is called once per buffer acquisition.
	// evicted reports whether a miss displaced a valid block.
	RecordCacheLookup(hit, evicted bool)

	// RecordBlockIO is called after every device transfer.
	RecordBlockIO(write bool, duration time.Duration, err error)

	// RecordAlloc is called after every allocation attempt on core.
	// stolen is the number of frames moved to core by a steal.
	RecordAlloc(core, stolen int, err error)

	// RecordFree is called after a frame is freed on core.
	RecordFree(core int)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
// Use this when metrics collection is not needed.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordCacheLookup(bool, bool)             {}
func (NoopMetricsCollector) RecordBlockIO(bool, time.Duration, error) {}
func (NoopMetricsCollector) RecordAlloc(int, int, error)              {}
func (NoopMetricsCollector) RecordFree(int)                           {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and basic monitoring without external dependencies.
type BasicMetricsCollector struct {
	CacheHits       atomic.Int64
	CacheMisses     atomic.Int64
	CacheEvictions  atomic.Int64
	BlockReads      atomic.Int64
	BlockWrites     atomic.Int64
	BlockErrors     atomic.Int64
	BlockTotalNanos atomic.Int64
	Allocs          atomic.Int64
	AllocFailures   atomic.Int64
	StolenFrames    atomic.Int64
	Frees           atomic.Int64
}

// RecordCacheLookup implements MetricsCollector.
func (b *BasicMetricsCollector) RecordCacheLookup(hit, evicted bool) {
	if hit {
		b.CacheHits.Add(1)
		return
	}
	b.CacheMisses.Add(1)
	if evicted {
		b.CacheEvictions.Add(1)
	}
}

// RecordBlockIO implements MetricsCollector.
func (b *BasicMetricsCollector) RecordBlockIO(write bool, duration time.Duration, err error) {
	if write {
		b.BlockWrites.Add(1)
	} else {
		b.BlockReads.Add(1)
	}
	b.BlockTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.BlockErrors.Add(1)
	}
}

// RecordAlloc implements MetricsCollector.
func (b *BasicMetricsCollector) RecordAlloc(_, stolen int, err error) {
	if err != nil {
		b.AllocFailures.Add(1)
		return
	}
	b.Allocs.Add(1)
	b.StolenFrames.Add(int64(stolen))
}

// RecordFree implements MetricsCollector.
func (b *BasicMetricsCollector) RecordFree(int) {
	b.Frees.Add(1)
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		CacheHits:      b.CacheHits.Load(),
		CacheMisses:    b.CacheMisses.Load(),
		CacheEvictions: b.CacheEvictions.Load(),
		BlockReads:     b.BlockReads.Load(),
		BlockWrites:    b.BlockWrites.Load(),
		BlockErrors:    b.BlockErrors.Load(),
		BlockAvgNanos:  b.getAvgBlockNanos(),
		Allocs:         b.Allocs.Load(),
		AllocFailures:  b.AllocFailures.Load(),
		StolenFrames:   b.StolenFrames.Load(),
		Frees:          b.Frees.Load(),
	}
}

func (b *BasicMetricsCollector) getAvgBlockNanos() int64 {
	count := b.BlockReads.Load() + b.BlockWrites.Load()
	if count == 0 {
		return 0
	}
	return b.BlockTotalNanos.Load() / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	CacheHits      int64 `json:"cache_hits"`
	CacheMisses    int64 `json:"cache_misses"`
	CacheEvictions int64 `json:"cache_evictions"`
	BlockReads     int64 `json:"block_reads"`
	BlockWrites    int64 `json:"block_writes"`
	BlockErrors    int64 `json:"block_errors"`
	BlockAvgNanos  int64 `json:"block_avg_nanos"`
	Allocs         int64 `json:"allocs"`
	AllocFailures  int64 `json:"alloc_failures"`
	StolenFrames   int64 `json:"stolen_frames"`
	Frees          int64 `json:"frees"`
}
