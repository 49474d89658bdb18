// Package local implements a backend storing its files in a directory tree on
// the local filesystem.
package local

import (
	"context"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"syscall"

	"github.com/cenkalti/backoff/v4"

	"github.com/strata-backup/strata/internal/backend/util"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// Local is a backend in a local directory.
type Local struct {
	Config
}

// ensure statically that *Local implements strata.Backend.
var _ strata.Backend = &Local{}

// Open opens the local backend as specified by config.
func Open(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("open local backend at %v", cfg.Path)

	if _, err := os.Stat(Filename(cfg.Path, strata.ConfigFile, "")); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Fatalf("unable to open repository at %v: config file does not exist", cfg.Path)
		}
		return nil, errors.WithStack(err)
	}

	return &Local{Config: cfg}, nil
}

// Create creates all the necessary files and directories for a new local
// backend at dir. Afterwards a new config blob should be created.
func Create(_ context.Context, cfg Config) (*Local, error) {
	debug.Log("create local backend at %v", cfg.Path)

	be := &Local{Config: cfg}

	// test if config file already exists
	_, err := os.Lstat(Filename(cfg.Path, strata.ConfigFile, ""))
	if err == nil {
		return nil, errors.New("config file already exists")
	}

	// create paths for data and refs
	for _, d := range Paths(cfg.Path) {
		err := os.MkdirAll(d, 0700)
		if err != nil {
			return nil, errors.WithStack(err)
		}
	}

	return be, nil
}

// Location returns this backend's location (the directory name).
func (b *Local) Location() string {
	return "local:" + b.Path
}

// Connections returns the maximum number of concurrent backend operations.
func (b *Local) Connections() uint {
	return b.Config.Connections
}

// Hasher may return a hash function for calculating a content hash for the
// backend.
func (b *Local) Hasher() hash.Hash {
	return nil
}

// HasAtomicReplace returns whether Save() can atomically replace files.
func (b *Local) HasAtomicReplace() bool {
	return true
}

// IsNotExist returns true if the error is caused by a non existing file.
func (b *Local) IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// IsPermanentError returns true if the error is permanent.
func (b *Local) IsPermanentError(err error) bool {
	return b.IsNotExist(err) || errors.Is(err, errTooShort) || errors.Is(err, os.ErrPermission)
}

var errTooShort = errors.New("file is too short")

// Save stores data in the backend at the handle.
func (b *Local) Save(_ context.Context, h strata.Handle, rd strata.RewindReader) (err error) {
	finalname := b.Filename(h)
	dir := filepath.Dir(finalname)

	defer func() {
		// Mark non-retriable errors as such
		if errors.Is(err, syscall.ENOSPC) || os.IsPermission(err) {
			err = backoff.Permanent(err)
		}
	}()

	// create new file with a temporary name
	tmpname := filepath.Base(finalname) + "-tmp-"
	f, err := tempFile(dir, tmpname)

	if b.IsNotExist(err) {
		debug.Log("error %v: creating dir", err)

		// error is caused by a missing directory, try to create it
		mkdirErr := os.MkdirAll(dir, 0700)
		if mkdirErr != nil {
			debug.Log("error creating dir %v: %v", dir, mkdirErr)
		} else {
			// try again
			f, err = tempFile(dir, tmpname)
		}
	}

	if err != nil {
		return errors.WithStack(err)
	}

	defer func(f *os.File) {
		if err != nil {
			_ = f.Close() // Double Close is harmless.
			// Remove after Rename is harmless: we embed the final name in the
			// temp's name and no other goroutine will get the same data to
			// Save, so the temp name should never be reused by another
			// goroutine.
			_ = os.Remove(f.Name())
		}
	}(f)

	// save data, then sync
	wbytes, err := io.Copy(f, rd)
	if err != nil {
		return errors.WithStack(err)
	}
	// sanity check
	if wbytes != rd.Length() {
		return errors.Errorf("wrote %d bytes instead of the expected %d bytes", wbytes, rd.Length())
	}

	if err = f.Sync(); err != nil {
		return errors.WithStack(err)
	}

	err = f.Close()
	if err != nil {
		return errors.WithStack(err)
	}

	// try to mark file as read-only to avoid accidental modifications
	err = setFileReadonly(f.Name())
	if err != nil && !os.IsPermission(err) {
		return errors.WithStack(err)
	}

	err = os.Rename(f.Name(), finalname)
	if err != nil {
		return errors.WithStack(err)
	}

	return fsyncDir(dir)
}

// Load runs fn with a reader that yields the contents of the file at h at the
// given offset.
func (b *Local) Load(ctx context.Context, h strata.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	return util.DefaultLoad(ctx, h, length, offset, b.openReader, fn)
}

func (b *Local) openReader(_ context.Context, h strata.Handle, length int, offset int64) (io.ReadCloser, error) {
	f, err := os.Open(b.Filename(h))
	if err != nil {
		return nil, err
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	size := fi.Size()
	if size < offset+int64(length) {
		_ = f.Close()
		return nil, errTooShort
	}

	if offset > 0 {
		_, err = f.Seek(offset, 0)
		if err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	if length > 0 {
		return util.LimitReadCloser(f, int64(length)), nil
	}

	return f, nil
}

// Stat returns information about a blob.
func (b *Local) Stat(_ context.Context, h strata.Handle) (strata.FileInfo, error) {
	fi, err := os.Stat(b.Filename(h))
	if err != nil {
		return strata.FileInfo{}, errors.WithStack(err)
	}

	return strata.FileInfo{Size: fi.Size(), Name: h.Name}, nil
}

// Remove removes the blob with the given name and type.
func (b *Local) Remove(_ context.Context, h strata.Handle) error {
	fn := b.Filename(h)

	// reset read-only flag
	err := os.Chmod(fn, 0666)
	if err != nil && !os.IsPermission(err) {
		return errors.WithStack(err)
	}

	return os.Remove(fn)
}

// List runs fn for each file in the backend which has the type t. When an
// error occurs or fn returns an error, List stops and returns it.
func (b *Local) List(ctx context.Context, t strata.FileType, fn func(strata.FileInfo) error) (err error) {
	basedir, subdirs := b.Basedir(t)
	if subdirs {
		err = visitDirs(ctx, basedir, fn)
	} else {
		err = visitFiles(ctx, basedir, fn, false)
	}

	if b.IsNotExist(err) {
		debug.Log("ignoring non-existing directory")
		return nil
	}

	return err
}

// The following two functions are like filepath.Walk, but visit only one or
// two levels of directory structure (including dir itself as the first level).
// Also, visitDirs assumes it sees a directory full of directories, while
// visitFiles wants a directory full or regular files.
func visitDirs(ctx context.Context, dir string, fn func(strata.FileInfo) error) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	sub, err := d.Readdirnames(-1)
	if err != nil {
		// ignore subsequent errors
		_ = d.Close()
		return err
	}

	err = d.Close()
	if err != nil {
		return err
	}

	for _, f := range sub {
		err = visitFiles(ctx, filepath.Join(dir, f), fn, true)
		if err != nil {
			return err
		}
	}
	return ctx.Err()
}

func visitFiles(ctx context.Context, dir string, fn func(strata.FileInfo) error, ignoreNotADirectory bool) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	if ignoreNotADirectory {
		fi, err := d.Stat()
		if err != nil || !fi.IsDir() {
			// ignore subsequent errors
			_ = d.Close()
			return err
		}
	}

	sub, err := d.Readdir(-1)
	if err != nil {
		// ignore subsequent errors
		_ = d.Close()
		return err
	}

	err = d.Close()
	if err != nil {
		return err
	}

	for _, fi := range sub {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn(strata.FileInfo{
			Name: fi.Name(),
			Size: fi.Size(),
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Delete removes the repository and all files.
func (b *Local) Delete(_ context.Context) error {
	return os.RemoveAll(b.Path)
}

// Close closes all open files.
func (b *Local) Close() error {
	// this does not need to do anything, all open files are closed within the
	// same function.
	return nil
}

// Filename returns the filename of the file with the handle h in the
// repository at path.
func Filename(path string, t strata.FileType, name string) string {
	if t == strata.ConfigFile {
		return filepath.Join(path, "config")
	}

	if t == strata.PackFile && len(name) > 2 {
		return filepath.Join(path, string(t), name[:2], name)
	}

	return filepath.Join(path, string(t), name)
}

// Filename returns the filename of the file described by h.
func (b *Local) Filename(h strata.Handle) string {
	return Filename(b.Path, h.Type, h.Name)
}

// Basedir returns the directory for the file type t, and whether the files of
// this type are spread over subdirectories.
func (b *Local) Basedir(t strata.FileType) (dir string, subdirs bool) {
	if t == strata.PackFile {
		return filepath.Join(b.Path, string(t)), true
	}
	return filepath.Join(b.Path, string(t)), false
}

// Paths returns the directories that must exist in a repository at path.
func Paths(path string) []string {
	deflt := []string{
		filepath.Join(path, string(strata.PackFile)),
		filepath.Join(path, string(strata.SnapshotFile)),
		filepath.Join(path, string(strata.IndexFile)),
		filepath.Join(path, string(strata.LockFile)),
		filepath.Join(path, string(strata.KeyFile)),
	}

	// pack files are stored in subdirectories by the first byte of their name
	for i := 0; i < 256; i++ {
		deflt = append(deflt, filepath.Join(path, string(strata.PackFile), fmt.Sprintf("%02x", i)))
	}

	return deflt
}
