package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hupe1980/kcore/internal/fs"
)

// FileOption configures a File device.
type FileOption func(*fileOptions)

type fileOptions struct {
	sync     bool
	readOnly bool
	fs       fs.FileSystem
}

// WithSync fsyncs the file after every block write.
func WithSync() FileOption {
	return func(o *fileOptions) { o.sync = true }
}

// WithReadOnly opens the file read-only; writes fail.
func WithReadOnly() FileOption {
	return func(o *fileOptions) { o.readOnly = true }
}

// WithFileSystem opens the backing file through fsys instead of the os
// package.
func WithFileSystem(fsys fs.FileSystem) FileOption {
	return func(o *fileOptions) { o.fs = fsys }
}

// File is a disk backed by a regular file or device node.
// Bytes past the end of a short file read as zeros.
type File struct {
	f         fs.File
	blockSize int
	numBlocks uint32
	opts      fileOptions
}

// OpenFile opens (creating if needed) a file-backed disk of numBlocks blocks.
func OpenFile(path string, blockSize int, numBlocks uint32, optFns ...FileOption) (*File, error) {
	opts := fileOptions{fs: fs.Default}
	for _, fn := range optFns {
		fn(&opts)
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.readOnly {
		flag = os.O_RDONLY
	}
	f, err := opts.fs.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("device: open %s: %w", path, err)
	}

	return &File{
		f:         f,
		blockSize: blockSize,
		numBlocks: numBlocks,
		opts:      opts,
	}, nil
}

func (d *File) BlockSize() int    { return d.blockSize }
func (d *File) NumBlocks() uint32 { return d.numBlocks }

func (d *File) offset(blockno uint32) int64 {
	return int64(blockno) * int64(d.blockSize)
}

func (d *File) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(d, blockno, p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := d.f.ReadAt(p, d.offset(blockno))
	if errors.Is(err, io.EOF) {
		clear(p[n:])
		return nil
	}
	if err != nil {
		return fmt.Errorf("device: read block %d: %w", blockno, err)
	}
	return nil
}

func (d *File) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(d, blockno, p); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if _, err := d.f.WriteAt(p, d.offset(blockno)); err != nil {
		return fmt.Errorf("device: write block %d: %w", blockno, err)
	}
	if d.opts.sync {
		if err := d.f.Sync(); err != nil {
			return fmt.Errorf("device: sync: %w", err)
		}
	}
	return nil
}

func (d *File) Close() error {
	return d.f.Close()
}
