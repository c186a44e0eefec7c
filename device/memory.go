package device

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Memory is a RAM disk.
type Memory struct {
	mu        sync.RWMutex
	data      []byte
	blockSize int
	numBlocks uint32
	closed    bool

	reads  atomic.Uint64
	writes atomic.Uint64
}

// NewMemory creates a zero-filled RAM disk.
func NewMemory(blockSize int, numBlocks uint32) *Memory {
	return &Memory{
		data:      make([]byte, blockSize*int(numBlocks)),
		blockSize: blockSize,
		numBlocks: numBlocks,
	}
}

// NewMemoryFromImage creates a RAM disk holding a copy of img.
// len(img) must be a multiple of blockSize.
func NewMemoryFromImage(blockSize int, img []byte) (*Memory, error) {
	if blockSize <= 0 || len(img)%blockSize != 0 {
		return nil, fmt.Errorf("%w: image of %d bytes, block size %d", ErrBlockSize, len(img), blockSize)
	}
	m := &Memory{
		data:      make([]byte, len(img)),
		blockSize: blockSize,
		numBlocks: uint32(len(img) / blockSize), //nolint:gosec // image size bounded by memory
	}
	copy(m.data, img)
	return m, nil
}

func (m *Memory) BlockSize() int    { return m.blockSize }
func (m *Memory) NumBlocks() uint32 { return m.numBlocks }

// Reads returns the number of completed block reads.
func (m *Memory) Reads() uint64 { return m.reads.Load() }

// Writes returns the number of completed block writes.
func (m *Memory) Writes() uint64 { return m.writes.Load() }

func (m *Memory) block(blockno uint32) []byte {
	off := int(blockno) * m.blockSize
	return m.data[off : off+m.blockSize]
}

func (m *Memory) ReadBlock(_ context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(m, blockno, p); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	copy(p, m.block(blockno))
	m.reads.Add(1)
	return nil
}

func (m *Memory) WriteBlock(_ context.Context, blockno uint32, p []byte) error {
	if err := checkTransfer(m, blockno, p); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	copy(m.block(blockno), p)
	m.writes.Add(1)
	return nil
}

// Image returns a copy of the whole disk.
func (m *Memory) Image() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
