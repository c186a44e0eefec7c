// Package mmap provides anonymous memory mappings used as the physical
// memory backing store of the page allocator.
//
// The mapping lives outside the Go heap: the garbage collector never scans or
// moves it, so frame addresses handed out by the allocator are stable for the
// lifetime of the mapping.
//
// # Usage
//
//	m, err := mmap.MapAnon(32 << 20)
//	if err != nil { ... }
//	defer m.Close()
//
//	ram := m.Bytes()
//	_ = m.Advise(mmap.AccessRandom)
//
// # Platform Support
//
//   - Unix (Linux, macOS, BSD): mmap(2) with MAP_ANON|MAP_PRIVATE, madvise(2) hints
//   - Windows: VirtualAlloc with MEM_RESERVE|MEM_COMMIT (Advise is a no-op)
//
// # Thread Safety
//
// Close is idempotent and guarded by an atomic flag. Callers must ensure no
// goroutine touches Bytes() after Close returns.
package mmap
