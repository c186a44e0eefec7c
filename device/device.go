package device

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNoDevice is returned for device ids with no registered device.
	ErrNoDevice = errors.New("device: no such device")
	// ErrOutOfRange is returned for block numbers past the end of a device.
	ErrOutOfRange = errors.New("device: block out of range")
	// ErrBlockSize is returned when a transfer buffer is not exactly one block.
	ErrBlockSize = errors.New("device: buffer is not one block")
	// ErrExists is returned when registering an id that is already taken.
	ErrExists = errors.New("device: id already registered")
	// ErrClosed is returned after a device has been closed.
	ErrClosed = errors.New("device: closed")
)

// Driver transfers whole blocks addressed by device id and block number.
// The buffer cache is its only caller.
type Driver interface {
	ReadBlock(ctx context.Context, dev, blockno uint32, p []byte) error
	WriteBlock(ctx context.Context, dev, blockno uint32, p []byte) error
}

// BlockDevice is a single block-addressed device.
type BlockDevice interface {
	ReadBlock(ctx context.Context, blockno uint32, p []byte) error
	WriteBlock(ctx context.Context, blockno uint32, p []byte) error
	BlockSize() int
	NumBlocks() uint32
	Close() error
}

// checkTransfer validates a transfer against the device geometry.
func checkTransfer(d BlockDevice, blockno uint32, p []byte) error {
	if len(p) != d.BlockSize() {
		return fmt.Errorf("%w: got %d bytes, block size %d", ErrBlockSize, len(p), d.BlockSize())
	}
	if blockno >= d.NumBlocks() {
		return fmt.Errorf("%w: block %d, device has %d", ErrOutOfRange, blockno, d.NumBlocks())
	}
	return nil
}
