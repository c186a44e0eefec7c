// Package blobstore provides the object storage abstraction behind
// blob-backed block devices.
//
// A Store holds small named objects (one per device block). Implementations
// must be safe for concurrent use.
//
// # Built-in Implementations
//
//   - MemoryStore: in-process map, for tests and ramdisk-style devices
//   - LocalStore: one file per object, written atomically
//   - s3.Store: Amazon S3 (multipart-aware uploads via the transfer manager)
//   - minio.Store: MinIO and other S3-compatible services
//   - ddb.Store: one DynamoDB item per object
//
// # Custom Implementations
//
//	type Store interface {
//	    Get(ctx, name) ([]byte, error)
//	    Put(ctx, name, data) error
//	    Delete(ctx, name) error
//	    List(ctx, prefix) ([]string, error)
//	}
//
// Get must return an error satisfying errors.Is(err, ErrNotFound) for
// missing objects; the block device layer treats those as zero-filled.
package blobstore
