package kcore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hupe1980/kcore/bcache"
	"github.com/hupe1980/kcore/cpu"
	"github.com/hupe1980/kcore/device"
	"github.com/hupe1980/kcore/fault"
	"github.com/hupe1980/kcore/internal/resource"
	"github.com/hupe1980/kcore/kalloc"
)

// Kernel owns the resource-layer singletons: the core set, the device
// table, the buffer cache and the page allocator. Create it with Boot and
// pass it explicitly to whatever needs it.
type Kernel struct {
	cfg       Config
	logger    *Logger
	metrics   MetricsCollector
	resources *resource.Controller

	// Cores is the set of virtual cores the allocator partitions memory over.
	Cores *cpu.Set
	// Devices routes cache transfers to registered block devices.
	Devices *device.Table
	// Cache is the sharded block buffer cache.
	Cache *bcache.Cache
	// Memory is the per-core physical page allocator.
	Memory *kalloc.Allocator

	closed atomic.Bool
}

// Boot validates cfg and brings up the resource layer. The device table is
// empty; register devices with AttachDevice before reading blocks.
func Boot(cfg Config, optFns ...Option) (*Kernel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	opts := applyOptions(optFns)

	k := &Kernel{
		cfg:       cfg,
		logger:    opts.logger,
		metrics:   opts.metricsCollector,
		resources: resource.NewController(cfg.resourceConfig()),
		Cores:     cpu.NewSet(cfg.NumCores),
		Devices:   device.NewTable(),
	}

	halt := k.halter(opts.halter)
	obs := &observer{logger: k.logger, metrics: k.metrics}

	clock := opts.clock
	if clock == nil {
		clock = bcache.NewTickClock(cfg.Tick())
	}

	cache, err := bcache.New(cfg.Cache, k.Devices,
		bcache.WithLogger(k.logger.With("component", "bcache")),
		bcache.WithObserver(obs),
		bcache.WithHalter(halt),
		bcache.WithClock(clock),
	)
	if err != nil {
		return nil, err
	}
	k.Cache = cache

	mem, err := kalloc.New(cfg.Memory, k.Cores,
		kalloc.WithLogger(k.logger.With("component", "kalloc")),
		kalloc.WithObserver(obs),
		kalloc.WithHalter(halt),
		kalloc.WithMemoryAcquirer(k.resources),
	)
	if err != nil {
		return nil, err
	}
	k.Memory = mem

	k.logger.LogBoot(context.Background(), cfg)
	return k, nil
}

// halter logs every fault before handing it to next.
func (k *Kernel) halter(next fault.Halter) fault.Halter {
	return func(f *fault.Error) {
		k.logger.LogHalt(f)
		next(f)
	}
}

// Config returns the boot configuration.
func (k *Kernel) Config() Config { return k.cfg }

// Logger returns the kernel logger.
func (k *Kernel) Logger() *Logger { return k.logger }

// Resources returns the resource controller enforcing the configured limits.
func (k *Kernel) Resources() *resource.Controller { return k.resources }

// AttachDevice registers d under id. When an IO rate limit is configured
// the device is throttled by the kernel's resource controller.
func (k *Kernel) AttachDevice(ctx context.Context, id uint32, kind string, d device.BlockDevice) error {
	if k.closed.Load() {
		return ErrShutdown
	}
	if d.BlockSize() != k.cfg.Cache.BlockSize {
		err := fmt.Errorf("%w: device block size %d, cache block size %d",
			device.ErrBlockSize, d.BlockSize(), k.cfg.Cache.BlockSize)
		k.logger.LogDeviceAttach(ctx, id, kind, d.NumBlocks(), err)
		return err
	}
	if k.cfg.Limits.IOBytesPerSec > 0 {
		d = device.NewThrottled(d, k.resources)
	}
	err := k.Devices.Register(id, d)
	k.logger.LogDeviceAttach(ctx, id, kind, d.NumBlocks(), err)
	return err
}

// Stats aggregates the component counters.
type Stats struct {
	Cache       bcache.Stats `json:"cache"`
	Memory      kalloc.Stats `json:"memory"`
	MemoryUsage int64        `json:"memory_usage_bytes"`
	IOBytes     int64        `json:"io_bytes"`
	Devices     []uint32     `json:"devices"`
}

// Stats returns a snapshot of the cache, allocator and resource counters.
func (k *Kernel) Stats() Stats {
	return Stats{
		Cache:       k.Cache.Stats(),
		Memory:      k.Memory.Stats(),
		MemoryUsage: k.resources.MemoryUsage(),
		IOBytes:     k.resources.IOBytes(),
		Devices:     k.Devices.IDs(),
	}
}

// Audit checks the structural invariants of the cache and the allocator.
// Both are audited; failures are joined.
func (k *Kernel) Audit(ctx context.Context) error {
	var errs []error
	if err := k.Cache.Audit(); err != nil {
		errs = append(errs, &ErrAuditFailed{Component: "bcache", cause: err})
	}
	if err := k.Memory.Audit(); err != nil {
		errs = append(errs, &ErrAuditFailed{Component: "kalloc", cause: err})
	}
	err := errors.Join(errs...)
	k.logger.LogAudit(ctx, err)
	return err
}

// Shutdown unmaps physical memory and closes every registered device.
// Buffers and frames still held become invalid. Calling Shutdown again
// returns ErrShutdown.
func (k *Kernel) Shutdown(ctx context.Context) error {
	if k.closed.Swap(true) {
		return ErrShutdown
	}
	err := errors.Join(k.Memory.Close(), k.Devices.Close())
	k.logger.LogShutdown(ctx, err)
	return err
}

// observer forwards component events to the metrics collector and logs the
// noteworthy ones.
type observer struct {
	logger  *Logger
	metrics MetricsCollector
}

func (o *observer) RecordCacheLookup(hit, evicted bool) {
	o.metrics.RecordCacheLookup(hit, evicted)
}

func (o *observer) RecordBlockIO(write bool, d time.Duration, err error) {
	if err != nil {
		o.logger.LogDeviceError(write, d, err)
	}
	o.metrics.RecordBlockIO(write, d, err)
}

func (o *observer) RecordAlloc(core, stolen int, err error) {
	if stolen > 0 {
		o.logger.LogSteal(core, stolen)
	}
	o.metrics.RecordAlloc(core, stolen, err)
}

func (o *observer) RecordFree(core int) {
	o.metrics.RecordFree(core)
}
