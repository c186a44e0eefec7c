package device

import (
	"context"

	"github.com/hupe1980/kcore/internal/resource"
)

// Throttled charges every transfer against a resource controller's IO limit
// before passing it on.
type Throttled struct {
	BlockDevice
	rc *resource.Controller
}

// NewThrottled wraps d. A nil controller disables throttling.
func NewThrottled(d BlockDevice, rc *resource.Controller) *Throttled {
	return &Throttled{BlockDevice: d, rc: rc}
}

func (t *Throttled) ReadBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := t.rc.AcquireIO(ctx, len(p)); err != nil {
		return err
	}
	return t.BlockDevice.ReadBlock(ctx, blockno, p)
}

func (t *Throttled) WriteBlock(ctx context.Context, blockno uint32, p []byte) error {
	if err := t.rc.AcquireIO(ctx, len(p)); err != nil {
		return err
	}
	return t.BlockDevice.WriteBlock(ctx, blockno, p)
}
