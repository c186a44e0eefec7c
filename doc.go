// Package kcore is the resource-management core of a small teaching kernel:
// a block buffer cache and a physical page allocator, both built for
// concurrent use from many cores.
//
// # Quick Start
//
//	k, err := kcore.Boot(kcore.DefaultConfig(), kcore.WithLogLevel(slog.LevelInfo))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer k.Shutdown(ctx)
//
//	_ = k.AttachDevice(ctx, 1, "mem", device.NewMemory(1024, 4096))
//
//	b, err := k.Cache.Read(ctx, 1, 42)
//	if err != nil { ... }
//	copy(b.Data(), "hello")
//	_ = k.Cache.Write(ctx, b)
//	k.Cache.Release(b)
//
//	f, err := k.Memory.Alloc()
//	if errors.Is(err, kalloc.ErrAllocationFailed) { ... }
//	k.Memory.Free(f)
//
// # Services
//
// A Kernel owns one instance of each service for its whole lifetime:
//
//   - Cores (cpu.Set): the cores goroutines pin themselves to
//   - Devices (device.Table): block devices by id
//   - Cache (bcache.Cache): sharded buffer cache with global LRU eviction
//   - Memory (kalloc.Allocator): per-core page allocator with stealing
//
// Consumers receive the Kernel (or the individual service) explicitly;
// there is no package-level state.
//
// # Fatal Faults
//
// Lock misuse, an exhausted buffer pool and freeing an invalid frame are
// kernel bugs, not errors. They are raised as *fault.Error through the
// configured halter, which never returns. The kernel logs every fault and
// then hands it to the halter, which panics by default; see WithHalter.
//
// # Observability
//
// Boot takes a Logger (WithLogger) and a MetricsCollector
// (WithMetricsCollector). The observability package exports the same
// events to Prometheus.
//
// # Configuration
//
// Config mirrors the classic boot parameters and can be loaded from a
// JSON-with-comments file with LoadConfig.
package kcore
