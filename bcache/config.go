package bcache

import (
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hupe1980/kcore/fault"
)

// ErrInvalidConfig is returned by New for unusable pool geometry.
var ErrInvalidConfig = errors.New("bcache: invalid config")

// Config fixes the pool geometry at boot.
type Config struct {
	// NumBuffers is the number of buffers in the pool.
	NumBuffers int `json:"num_buffers"`
	// NumBuckets is the number of hash buckets.
	NumBuckets int `json:"num_buckets"`
	// BlockSize is the payload size of each buffer in bytes.
	BlockSize int `json:"block_size"`
}

// DefaultConfig returns the classic 30 buffers over 21 buckets of 1 KiB blocks.
func DefaultConfig() Config {
	return Config{
		NumBuffers: 30,
		NumBuckets: 21,
		BlockSize:  1024,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.NumBuffers <= 0:
		return fmt.Errorf("%w: num_buffers must be positive, got %d", ErrInvalidConfig, c.NumBuffers)
	case c.NumBuckets <= 0:
		return fmt.Errorf("%w: num_buckets must be positive, got %d", ErrInvalidConfig, c.NumBuckets)
	case c.BlockSize <= 0:
		return fmt.Errorf("%w: block_size must be positive, got %d", ErrInvalidConfig, c.BlockSize)
	}
	return nil
}

type options struct {
	logger *slog.Logger
	obs    Observer
	halt   fault.Halter
	clock  Clock
}

// Option configures a Cache.
type Option func(*options)

// WithLogger sets the logger. nil discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithObserver sets the metrics observer.
func WithObserver(obs Observer) Option {
	return func(o *options) { o.obs = obs }
}

// WithHalter sets the handler for fatal faults. Defaults to fault.Panic.
func WithHalter(h fault.Halter) Option {
	return func(o *options) { o.halt = h }
}

// WithClock sets the tick source used to stamp released buffers.
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// Clock supplies the monotonic tick stamped on a buffer when its last
// reference is dropped.
type Clock interface {
	Now() uint64
}

// TickClock counts fixed-length ticks since its creation.
type TickClock struct {
	start time.Time
	tick  time.Duration
}

// NewTickClock returns a clock ticking every d (10ms if d <= 0).
func NewTickClock(d time.Duration) *TickClock {
	if d <= 0 {
		d = 10 * time.Millisecond
	}
	return &TickClock{start: time.Now(), tick: d}
}

// Now returns the number of whole ticks elapsed since the clock was created.
func (c *TickClock) Now() uint64 {
	return uint64(time.Since(c.start) / c.tick) //nolint:gosec // monotonic, never negative
}

// ManualClock is a Clock advanced explicitly, for tests and simulations.
type ManualClock struct {
	now atomic.Uint64
}

// Now returns the current manual time.
func (c *ManualClock) Now() uint64 { return c.now.Load() }

// Set moves the clock to t.
func (c *ManualClock) Set(t uint64) { c.now.Store(t) }

// Advance moves the clock forward by d ticks and returns the new time.
func (c *ManualClock) Advance(d uint64) uint64 { return c.now.Add(d) }

// Observer receives cache events.
type Observer interface {
	// RecordCacheLookup is called once per Acquire. evicted reports whether
	// a miss displaced a valid block.
	RecordCacheLookup(hit, evicted bool)
	// RecordBlockIO is called after every device transfer.
	RecordBlockIO(write bool, duration time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) RecordCacheLookup(bool, bool)             {}
func (noopObserver) RecordBlockIO(bool, time.Duration, error) {}
