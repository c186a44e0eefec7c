package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/kcore/blobstore"
	"github.com/hupe1980/kcore/internal/codec"
)

// BlobOption configures a Blob device.
type BlobOption func(*Blob)

// WithCompression sets the block compression (default codec.None).
func WithCompression(c codec.Compression) BlobOption {
	return func(b *Blob) { b.compression = c }
}

// Blob stores each block as one object named "%08d.blk".
// Blocks that were never written read as zeros.
type Blob struct {
	store       blobstore.Store
	blockSize   int
	numBlocks   uint32
	compression codec.Compression
}

// NewBlob creates an object-backed disk on store.
func NewBlob(store blobstore.Store, blockSize int, numBlocks uint32, opts ...BlobOption) *Blob {
	b := &Blob{
		store:     store,
		blockSize: blockSize,
		numBlocks: numBlocks,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BlockName returns the object name of a block.
func BlockName(blockno uint32) string {
	return fmt.Sprintf("%08d.blk", blockno)
}

func (b *Blob) BlockSize() int    { return b.blockSize }
func (b *Blob) NumBlocks() uint32 { return b.numBlocks }

func (b *Blob) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(b, blockno, p); err != nil {
		return err
	}

	frame, err := b.store.Get(ctx, BlockName(blockno))
	if errors.Is(err, blobstore.ErrNotFound) {
		clear(p)
		return nil
	}
	if err != nil {
		return fmt.Errorf("device: get block %d: %w", blockno, err)
	}
	if err := codec.Decode(frame, p); err != nil {
		return fmt.Errorf("device: decode block %d: %w", blockno, err)
	}
	return nil
}

func (b *Blob) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(b, blockno, p); err != nil {
		return err
	}

	frame, err := codec.Encode(p, b.compression)
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, BlockName(blockno), frame); err != nil {
		return fmt.Errorf("device: put block %d: %w", blockno, err)
	}
	return nil
}

// Close is a no-op; the store is owned by the caller.
func (b *Blob) Close() error { return nil }
