// Package device implements the block device boundary below the buffer
// cache.
//
// The cache talks to a Driver, which addresses whole blocks by
// (device, block number). A Table routes those calls to registered
// BlockDevice implementations:
//
//   - Memory: RAM disk
//   - File: a regular file or raw device node
//   - Blob: one object per block in a blobstore.Store, optionally compressed
//   - Throttled: wraps another device with an IO rate limit
//
// All transfers are synchronous and move exactly one block.
package device
