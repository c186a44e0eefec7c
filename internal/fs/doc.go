// Package fs abstracts the files behind file-backed block devices so that
// tests can inject I/O failures.
//
//   - [File]: an open file with positioned reads and writes
//   - [FileSystem]: opens and inspects files
//
// # Implementations
//
//   - [LocalFS]: the os package
//   - [FaultyFS]: wraps another FileSystem and fails reads, writes, syncs
//     or closes on request
//
// Production code uses fs.Default:
//
//	f, err := fs.Default.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
//
// Tests inject a FaultyFS:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("disk.img", fs.Fault{FailAfterBytes: 4096})
//
// Operations take no context: positioned file I/O is not interruptible at
// the syscall level.
package fs
