package cache

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"

	"github.com/strata-backup/strata/internal/backend/util"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

func (c *Cache) filename(h strata.Handle) string {
	if len(h.Name) < 2 {
		panic("Name is empty or too short")
	}
	subdir := h.Name[:2]
	return filepath.Join(c.path, cacheLayoutPaths[h.Type], subdir, h.Name)
}

func (c *Cache) canBeCached(t strata.FileType) bool {
	if c == nil {
		return false
	}

	_, ok := cacheLayoutPaths[t]
	return ok
}

// load returns a reader that yields the contents of the file with the
// given handle. rd must be closed after use. If an error is returned, the
// ReadCloser is nil. The reader is truncated to length bytes, skipping offset
// bytes. If length is 0, the reader returns data until the end of the file.
//
// Loads covering the complete file verify the content hash against the file
// name before returning any data. Corrupted entries are dropped from the
// cache so that the next load fetches the file from the backend again.
func (c *Cache) load(h strata.Handle, length int, offset int64) (io.ReadCloser, error) {
	debug.Log("Load(%v, %v, %v) from cache", h, length, offset)
	if !c.canBeCached(h.Type) {
		return nil, errors.New("cannot be cached")
	}

	f, err := os.Open(c.filename(h))
	if err != nil {
		return nil, errors.WithStack(err)
	}

	fi, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, errors.WithStack(err)
	}

	size := fi.Size()
	if size <= int64(crossover(h)) {
		_ = f.Close()
		_ = c.remove(h)
		return nil, errors.Errorf("cached file %v is truncated, removing", h)
	}

	if size < offset+int64(length) {
		_ = f.Close()
		_ = c.remove(h)
		return nil, errors.Errorf("cached file %v is too short, removing", h)
	}

	if offset == 0 && (length == 0 || int64(length) == size) {
		return c.loadComplete(h, f, size, length)
	}

	if _, err = f.Seek(offset, io.SeekStart); err != nil {
		_ = f.Close()
		return nil, err
	}

	if length <= 0 {
		return f, nil
	}
	return util.LimitReadCloser(f, int64(length)), nil
}

// loadComplete reads the whole cached file, verifies its SHA-256 against the
// file name and hands out an in-memory reader. f is closed in any case.
func (c *Cache) loadComplete(h strata.Handle, f *os.File, size int64, length int) (io.ReadCloser, error) {
	defer func() {
		_ = f.Close()
	}()

	buf := make([]byte, size)
	_, err := io.ReadFull(f, buf)
	if err != nil {
		_ = c.remove(h)
		return nil, errors.Wrapf(err, "reading cached file %v", h)
	}

	hash := sha256.Sum256(buf)
	if hex.EncodeToString(hash[:]) != h.Name {
		_ = c.remove(h)
		return nil, errors.Errorf("cached file %v is corrupted, removing", h)
	}

	if length > 0 && int64(length) < size {
		buf = buf[:length]
	}
	return io.NopCloser(bytes.NewReader(buf)), nil
}

// crossover returns the minimum size a cached file of the given type must
// have. Everything in the repository is at least as long as the crypto
// overhead.
func crossover(h strata.Handle) int {
	// ciphertext overhead: nonce and MAC
	return 32
}

// save saves a file in the cache.
func (c *Cache) save(h strata.Handle, rd io.Reader) error {
	debug.Log("Save to cache: %v", h)
	if rd == nil {
		return errors.New("Save() called with nil reader")
	}
	if !c.canBeCached(h.Type) {
		return errors.New("cannot be cached")
	}

	finalname := c.filename(h)
	dir := filepath.Dir(finalname)
	err := os.MkdirAll(dir, dirMode)
	if err != nil {
		return errors.WithStack(err)
	}

	// First save to a temporary location. This allows multiple concurrent
	// writers. However, this can lead to a race condition if the file is
	// removed from the cache in the meantime.
	f, err := os.CreateTemp(dir, "tmp-")
	if err != nil {
		return err
	}

	n, err := io.Copy(f, rd)
	if err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return errors.Wrap(err, "Copy")
	}

	if n <= int64(crossover(h)) {
		_ = f.Close()
		_ = os.Remove(f.Name())
		debug.Log("trying to cache truncated file %v, removing", h)
		return nil
	}

	// Close, then rename. Windows doesn't like the reverse order.
	if err = f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return errors.WithStack(err)
	}

	err = os.Rename(f.Name(), finalname)
	if err != nil {
		_ = os.Remove(f.Name())
	}

	return errors.WithStack(err)
}

// Forget removes a file from the cache. Once forgotten, a file is not deleted
// again while the process runs, to prevent flapping between caching and
// dropping a broken file.
func (c *Cache) Forget(h strata.Handle) error {
	h.IsMetadata = false

	if _, ok := c.forgotten.Load(h); ok {
		return errors.Errorf("circuit breaker prevents repeated deletion of cached file %v", h)
	}

	if !c.Has(h) {
		return nil
	}

	err := c.remove(h)
	if err == nil {
		c.forgotten.Store(h, struct{}{})
	}
	return err
}

// remove deletes a file. When the file is not cached, no error is returned.
func (c *Cache) remove(h strata.Handle) error {
	if !c.canBeCached(h.Type) {
		return nil
	}

	err := os.Remove(c.filename(h))
	if err != nil && errors.Is(err, os.ErrNotExist) {
		err = nil
	}
	return err
}

// Clear removes all files of type t from the cache that are not contained in
// the set valid.
func (c *Cache) Clear(t strata.FileType, valid strata.IDSet) error {
	debug.Log("Clearing cache for %v: %v valid files", t, len(valid))
	if !c.canBeCached(t) {
		return nil
	}

	list, err := c.list(t)
	if err != nil {
		return err
	}

	for id := range list {
		if valid.Has(id) {
			continue
		}

		if err = os.Remove(c.filename(strata.Handle{Type: t, Name: id.String()})); err != nil {
			return err
		}
	}

	return nil
}

func isFile(fi os.FileInfo) bool {
	return fi.Mode()&(os.ModeType|os.ModeCharDevice) == 0
}

// list returns a list of all files of type T in the cache.
func (c *Cache) list(t strata.FileType) (strata.IDSet, error) {
	if !c.canBeCached(t) {
		return nil, errors.New("cannot be cached")
	}

	list := strata.NewIDSet()
	dir := filepath.Join(c.path, cacheLayoutPaths[t])
	err := filepath.Walk(dir, func(name string, fi os.FileInfo, err error) error {
		if err != nil {
			return errors.Wrap(err, "Walk")
		}

		if !isFile(fi) {
			return nil
		}

		id, err := strata.ParseID(filepath.Base(name))
		if err != nil {
			return nil
		}

		list.Insert(id)
		return nil
	})

	return list, err
}

// Has returns true if the file is cached.
func (c *Cache) Has(h strata.Handle) bool {
	if !c.canBeCached(h.Type) {
		return false
	}

	_, err := os.Stat(c.filename(h))
	return err == nil
}
