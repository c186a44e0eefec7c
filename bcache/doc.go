// Package bcache implements the block buffer cache.
//
// The cache holds a fixed pool of block-sized buffers. Buffers are hashed by
// (device, block number) into buckets, each guarded by its own spin lock, so
// lookups of different blocks proceed in parallel. A miss takes the global
// cache lock and evicts the least recently released unreferenced buffer
// from any bucket.
//
// # Usage
//
//	b, err := cache.Read(ctx, dev, blockno)
//	if err != nil {
//	    return err
//	}
//	copy(b.Data(), payload)
//	if err := cache.Write(ctx, b); err != nil { ... }
//	cache.Release(b)
//
// A returned *Buf is exclusively locked for the caller until Release. Only
// the holder may Write or Release it; violations halt through the
// configured fault.Halter.
//
// # Lock Order
//
//  1. global cache lock
//  2. bucket locks, at most two at a time, in increasing bucket index
//  3. the buffer's sleep lock, only after every spin lock is released
package bcache
