package fault

import (
	"errors"
	"fmt"
)

// Kind enumerates the unrecoverable conditions.
type Kind uint8

const (
	// LockMisuse is a violated exclusive-lock precondition.
	LockMisuse Kind = iota + 1
	// PoolExhausted means no unreferenced buffer is left for eviction.
	PoolExhausted
	// InvalidFrame is a freed frame failing alignment or range validation.
	InvalidFrame
)

var (
	// ErrLockMisuse is the sentinel wrapped by LockMisuse faults.
	ErrLockMisuse = errors.New("lock misuse")
	// ErrPoolExhausted is the sentinel wrapped by PoolExhausted faults.
	ErrPoolExhausted = errors.New("buffer pool exhausted")
	// ErrInvalidFrame is the sentinel wrapped by InvalidFrame faults.
	ErrInvalidFrame = errors.New("invalid frame")
)

func (k Kind) String() string {
	switch k {
	case LockMisuse:
		return "LockMisuse"
	case PoolExhausted:
		return "PoolExhausted"
	case InvalidFrame:
		return "InvalidFrame"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case LockMisuse:
		return ErrLockMisuse
	case PoolExhausted:
		return ErrPoolExhausted
	case InvalidFrame:
		return ErrInvalidFrame
	default:
		return nil
	}
}

// Error is a fault. It is only ever observed through a Halter or a recovered panic.
type Error struct {
	Kind   Kind
	Op     string // operation that detected the fault, e.g. "bcache.Release"
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("fault: %s: %v", e.Op, e.Kind.sentinel())
	}
	return fmt.Sprintf("fault: %s: %v: %s", e.Op, e.Kind.sentinel(), e.Detail)
}

// Unwrap allows errors.Is(err, fault.ErrPoolExhausted) and friends.
func (e *Error) Unwrap() error { return e.Kind.sentinel() }

// Halter receives a fault. It must not return control to the faulting code;
// if it does, Halt panics.
type Halter func(*Error)

// Panic is the default Halter.
func Panic(e *Error) { panic(e) }

// Halt constructs a fault of the given kind and hands it to h (Panic if nil).
// It never returns.
func Halt(h Halter, kind Kind, op, format string, args ...any) {
	e := &Error{Kind: kind, Op: op}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	if h == nil {
		h = Panic
	}
	h(e)
	panic(e)
}

// Recover converts a recovered panic value back into a fault.
// It returns nil when v is not a *Error.
func Recover(v any) *Error {
	if v == nil {
		return nil
	}
	var fe *Error
	switch x := v.(type) {
	case *Error:
		return x
	case error:
		if errors.As(x, &fe) {
			return fe
		}
	}
	return nil
}
