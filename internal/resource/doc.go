// Package resource implements shared resource budgets for the kernel resource layer.
//
// The Controller governs two budgets:
//
//   - Memory: an optional quota on frames handed out by the page allocator
//     (non-blocking, fail-fast; refusal surfaces as an allocation failure)
//   - IO: a token bucket limiting block device throughput
//
// # Memory Quota
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes: 16 << 20, // 4096 frames of 4 KiB
//	})
//
//	if err := rc.AcquireMemory(4096); err != nil {
//	    // ErrMemoryLimitExceeded - the allocator reports ErrAllocationFailed
//	}
//	defer rc.ReleaseMemory(4096)
//
// # IO Rate Limiting
//
//	rc := resource.NewController(resource.Config{
//	    IOLimitBytesPerSec: 8 << 20, // 8 MiB/s
//	})
//
//	if err := rc.AcquireIO(ctx, 1024); err != nil {
//	    return err
//	}
//
// # Nil Safety
//
// All methods handle a nil Controller gracefully - they become no-ops.
// This allows optional limiting without nil checks everywhere.
package resource
