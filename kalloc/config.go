package kalloc

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/hupe1980/kcore/fault"
)

// PhysAddr is a physical address.
type PhysAddr uint64

func (pa PhysAddr) String() string { return fmt.Sprintf("%#x", uint64(pa)) }

var (
	// ErrAllocationFailed is returned when no free frame is available to the
	// calling core, or the memory quota is exhausted.
	ErrAllocationFailed = errors.New("kalloc: out of memory")
	// ErrClosed is returned by AllocOn once Close has unmapped memory.
	ErrClosed = errors.New("kalloc: allocator closed")
	// ErrInvalidConfig is returned by New for an unusable memory layout.
	ErrInvalidConfig = errors.New("kalloc: invalid config")
	// ErrCorrupt is returned by Audit when the free lists are inconsistent.
	ErrCorrupt = errors.New("kalloc: corrupt free lists")
)

// Config describes the physical memory layout.
type Config struct {
	// PageSize is the frame size in bytes; a power of two.
	PageSize uint64 `json:"page_size"`
	// KernBase is the first physical address of RAM.
	KernBase PhysAddr `json:"kern_base"`
	// KernelEnd is the first address after the kernel image. Frames start
	// at the next page boundary.
	KernelEnd PhysAddr `json:"kernel_end"`
	// PhysTop is the end of RAM; page aligned.
	PhysTop PhysAddr `json:"phys_top"`
	// StealBatch caps the number of frames moved by one steal.
	StealBatch int `json:"steal_batch"`
}

// DefaultConfig returns 128 MiB of RAM at 0x80000000 in 4 KiB pages.
func DefaultConfig() Config {
	const kernBase = 0x80000000
	return Config{
		PageSize:   4096,
		KernBase:   kernBase,
		KernelEnd:  kernBase + 0x21a40,
		PhysTop:    kernBase + 128*1024*1024,
		StealBatch: 1024,
	}
}

// PageRoundUp rounds pa up to a page boundary.
func (c Config) PageRoundUp(pa PhysAddr) PhysAddr {
	return PhysAddr((uint64(pa) + c.PageSize - 1) &^ (c.PageSize - 1))
}

// FirstFrame returns the address of the lowest allocatable frame.
func (c Config) FirstFrame() PhysAddr {
	return c.PageRoundUp(c.KernelEnd)
}

// NumFrames returns the number of allocatable frames.
func (c Config) NumFrames() uint64 {
	first := c.FirstFrame()
	if first >= c.PhysTop {
		return 0
	}
	return uint64(c.PhysTop-first) / c.PageSize
}

// Validate checks the layout.
func (c Config) Validate() error {
	switch {
	case c.PageSize == 0 || c.PageSize&(c.PageSize-1) != 0:
		return fmt.Errorf("%w: page_size %d is not a power of two", ErrInvalidConfig, c.PageSize)
	case c.KernelEnd < c.KernBase:
		return fmt.Errorf("%w: kernel_end %s below kern_base %s", ErrInvalidConfig, c.KernelEnd, c.KernBase)
	case uint64(c.PhysTop)%c.PageSize != 0:
		return fmt.Errorf("%w: phys_top %s not page aligned", ErrInvalidConfig, c.PhysTop)
	case c.FirstFrame() >= c.PhysTop:
		return fmt.Errorf("%w: no frames between kernel_end %s and phys_top %s", ErrInvalidConfig, c.KernelEnd, c.PhysTop)
	case c.StealBatch < 1:
		return fmt.Errorf("%w: steal_batch must be positive, got %d", ErrInvalidConfig, c.StealBatch)
	}
	return nil
}

// MemoryAcquirer admits or refuses allocations against a memory budget.
// It is satisfied by the resource controller.
type MemoryAcquirer interface {
	AcquireMemory(bytes int64) error
	ReleaseMemory(bytes int64)
}

// Observer receives allocator events.
type Observer interface {
	// RecordAlloc is called after every allocation attempt. stolen is the
	// number of frames moved to core by a steal during the attempt.
	RecordAlloc(core, stolen int, err error)
	// RecordFree is called after a frame is pushed onto core's list.
	RecordFree(core int)
}

type noopObserver struct{}

func (noopObserver) RecordAlloc(int, int, error) {}
func (noopObserver) RecordFree(int)              {}

type options struct {
	logger *slog.Logger
	obs    Observer
	halt   fault.Halter
	mem    MemoryAcquirer
}

// Option configures an Allocator.
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

// WithMemoryAcquirer charges every allocated frame against m.
// Refusals surface as ErrAllocationFailed.
func WithMemoryAcquirer(m MemoryAcquirer) Option {
	return func(o *options) { o.mem = m }
}
