package device

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
)

// Table maps device ids to block devices and implements Driver.
type Table struct {
	mu      sync.RWMutex
	devices map[uint32]BlockDevice
}

// NewTable creates an empty device table.
func NewTable() *Table {
	return &Table{devices: make(map[uint32]BlockDevice)}
}

// Register attaches d under id.
func (t *Table) Register(id uint32, d BlockDevice) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.devices[id]; ok {
		return fmt.Errorf("%w: %d", ErrExists, id)
	}
	t.devices[id] = d
	return nil
}

// Unregister detaches and returns the device registered under id.
// The device is not closed.
func (t *Table) Unregister(id uint32) (BlockDevice, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	d, ok := t.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, id)
	}
	delete(t.devices, id)
	return d, nil
}

// Lookup returns the device registered under id.
func (t *Table) Lookup(id uint32) (BlockDevice, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	d, ok := t.devices[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNoDevice, id)
	}
	return d, nil
}

// IDs returns the registered device ids in ascending order.
func (t *Table) IDs() []uint32 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Sorted(maps.Keys(t.devices))
}

// ReadBlock implements Driver.
func (t *Table) ReadBlock(ctx context.Context, dev, blockno uint32, p []byte) error {
	d, err := t.Lookup(dev)
	if err != nil {
		return err
	}
	if err := checkTransfer(d, blockno, p); err != nil {
		return err
	}
	return d.ReadBlock(ctx, blockno, p)
}

// WriteBlock implements Driver.
func (t *Table) WriteBlock(ctx context.Context, dev, blockno uint32, p []byte) error {
	d, err := t.Lookup(dev)
	if err != nil {
		return err
	}
	if err := checkTransfer(d, blockno, p); err != nil {
		return err
	}
	return d.WriteBlock(ctx, blockno, p)
}

// Close closes and removes every registered device.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for id, d := range t.devices {
		if err := d.Close(); err != nil {
			errs = append(errs, fmt.Errorf("device %d: %w", id, err))
		}
		delete(t.devices, id)
	}
	return errors.Join(errs...)
}
