package bcache

import "fmt"

// Buf is a caller's lease on a locked buffer. It is returned by Acquire
// and Read and dies at Release.
type Buf struct {
	c       *Cache
	b       *buffer
	lease   uint64
	dev     uint32
	blockno uint32
}

// Dev returns the device id.
func (b *Buf) Dev() uint32 { return b.dev }

// BlockNo returns the block number.
func (b *Buf) BlockNo() uint32 { return b.blockno }

// Slot returns the pool index of the underlying buffer.
func (b *Buf) Slot() int { return b.b.id }

// Holding reports whether the handle still holds the buffer lock.
func (b *Buf) Holding() bool {
	return b != nil && b.b != nil && b.lease != 0 && b.b.lock.Holding(b.lease)
}

// Valid reports whether the payload mirrors the device block.
// It returns false for a released handle.
func (b *Buf) Valid() bool {
	return b.Holding() && b.b.valid
}

// Data returns the block payload. Writes to it reach the device only
// through Cache.Write. It returns nil once the handle is released.
func (b *Buf) Data() []byte {
	if !b.Holding() {
		return nil
	}
	return b.b.data
}

func (b *Buf) String() string {
	if b == nil {
		return "buf(nil)"
	}
	return fmt.Sprintf("buf(dev=%d block=%d)", b.dev, b.blockno)
}

func (b *Buf) describe() string {
	if b == nil || b.b == nil {
		return "nil buffer"
	}
	if b.lease == 0 {
		return b.String() + " already released"
	}
	return b.String() + " not held by caller"
}
