package mem

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func addr(p []byte) uintptr { return uintptr(unsafe.Pointer(&p[0])) }

func TestAllocAligned(t *testing.T) {
	for _, size := range []int{1, 10, 63, 64, 65, 100, 1024} {
		buf := AllocAligned(size)
		assert.Len(t, buf, size)
		assert.Equal(t, size, cap(buf))
		assert.Zero(t, addr(buf)%Alignment, "size %d", size)
	}

	assert.Nil(t, AllocAligned(0))
	assert.Nil(t, AllocAligned(-1))
}

func TestAllocBlocks(t *testing.T) {
	blocks := AllocBlocks(30, 1024)
	require.Len(t, blocks, 30)
	for i, b := range blocks {
		assert.Len(t, b, 1024)
		assert.Equal(t, 1024, cap(b), "append must not spill into the next block")
		assert.Zero(t, addr(b)%Alignment, "block %d", i)
	}

	// Blocks are disjoint.
	blocks[0][1023] = 0xff
	assert.Zero(t, blocks[1][0])

	assert.Nil(t, AllocBlocks(0, 1024))
	assert.Nil(t, AllocBlocks(4, 0))
}
