package mem

import (
	"unsafe"
)

// Alignment is the byte alignment of AllocAligned, one cache line.
const Alignment = 64

// AllocAligned allocates a byte slice of the given size whose first byte
// sits on a cache-line boundary. It returns nil for size <= 0.
//
// The backing array is Alignment bytes longer than size and is kept alive
// by the returned slice. The capacity is clipped to size.
func AllocAligned(size int) []byte {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+Alignment)

	addr := uintptr(unsafe.Pointer(&buf[0])) //nolint:gosec // address arithmetic only
	offset := int((Alignment - (addr & (Alignment - 1))) & (Alignment - 1))

	return buf[offset : offset+size : offset+size]
}

// AllocBlocks carves n blocks of blockSize bytes out of one aligned
// allocation. When blockSize is a multiple of Alignment every block starts
// on a cache line, so no two blocks share one.
func AllocBlocks(n, blockSize int) [][]byte {
	if n <= 0 || blockSize <= 0 {
		return nil
	}
	arena := AllocAligned(n * blockSize)
	blocks := make([][]byte, n)
	for i := range blocks {
		lo := i * blockSize
		blocks[i] = arena[lo : lo+blockSize : lo+blockSize]
	}
	return blocks
}
