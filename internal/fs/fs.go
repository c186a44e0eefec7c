package fs

import (
	"io"
	"os"
)

// File represents an open file used as a block store.
type File interface {
	io.ReaderAt
	io.WriterAt
	io.Closer
	Sync() error
	Stat() (os.FileInfo, error)
}

// FileSystem abstracts file system operations for testability.
type FileSystem interface {
	OpenFile(name string, flag int, perm os.FileMode) (File, error)
	Stat(name string) (os.FileInfo, error)
	Truncate(name string, size int64) error
	Remove(name string) error
}

// LocalFS implements FileSystem using the local os package.
type LocalFS struct{}

func (LocalFS) OpenFile(name string, flag int, perm os.FileMode) (File, error) {
	f, err := os.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (LocalFS) Stat(name string) (os.FileInfo, error)  { return os.Stat(name) }
func (LocalFS) Truncate(name string, size int64) error { return os.Truncate(name, size) }
func (LocalFS) Remove(name string) error               { return os.Remove(name) }

// Default is the default local file system.
var Default FileSystem = LocalFS{}
