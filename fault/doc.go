// Package fault defines the unrecoverable conditions of the kernel resource layer.
//
// A fault is a programming error or an exhausted resource from which no safe
// degradation exists: continuing would corrupt the invariants of the buffer
// cache or the page allocator. Faults are therefore never returned to the
// caller. They are constructed with Halt, handed to a Halter, and the calling
// goroutine does not continue past that point.
//
// # Kinds
//
//   - LockMisuse: Write/Release on a buffer whose lease is not held, or an
//     Unpin that would drive a reference count negative.
//   - PoolExhausted: every buffer is referenced when a new block is needed.
//   - InvalidFrame: a freed frame is misaligned or outside the managed range.
//
// Recoverable conditions (for example an exhausted allocator) are ordinary
// errors and live in the packages that produce them.
//
// # Halting
//
// The default Halter panics with the *Error. A process that does not recover
// the panic terminates, which is the intended outcome. Hosts may install a
// Halter that logs first or exits with a specific status; a Halter that
// returns normally is followed by a panic anyway.
package fault
