package archiver

import (
	"io"
	"os"
	"path/filepath"
)

// FS is the file system view used by the archiver. Tests can supply
// synthetic implementations.
type FS interface {
	Lstat(name string) (os.FileInfo, error)
	OpenFile(name string) (File, error)
	ReadDir(name string) ([]os.DirEntry, error)

	Abs(name string) (string, error)
	Join(elem ...string) string
}

// File is an open file being read for archiving.
type File interface {
	io.Reader
	io.Closer

	Name() string
	Stat() (os.FileInfo, error)
}

// LocalFS reads from the local file system.
type LocalFS struct{}

func (LocalFS) Lstat(name string) (os.FileInfo, error) {
	return os.Lstat(name)
}

func (LocalFS) OpenFile(name string) (File, error) {
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (LocalFS) ReadDir(name string) ([]os.DirEntry, error) {
	return os.ReadDir(name)
}

func (LocalFS) Abs(name string) (string, error) {
	return filepath.Abs(name)
}

func (LocalFS) Join(elem ...string) string {
	return filepath.Join(elem...)
}
