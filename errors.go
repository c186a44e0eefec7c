package kcore

import (
	"errors"

	"github.com/hupe1980/kcore/fault"
)

var (
	// ErrInvalidConfig is returned when the boot configuration is unusable.
	ErrInvalidConfig = errors.New("kcore: invalid config")
	// ErrShutdown is returned when using a kernel after Shutdown.
	ErrShutdown = errors.New("kcore: kernel is shut down")
)

// ErrAuditFailed reports structural corruption found by Kernel.Audit.
//
// The component findings can be accessed via errors.Unwrap.
type ErrAuditFailed struct {
	Component string
	cause     error
}

func (e *ErrAuditFailed) Error() string {
	return "kcore: " + e.Component + " audit failed: " + e.cause.Error()
}

func (e *ErrAuditFailed) Unwrap() error { return e.cause }

// IsFatal reports whether err carries a fatal fault.
func IsFatal(err error) bool {
	var fe *fault.Error
	return errors.As(err, &fe)
}
