package restorer

import (
	"os"
	"sync"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"

	"github.com/cespare/xxhash/v2"
)

// filesWriter writes blobs to files at specific offsets. Files are opened
// lazily and closed once all their blobs have been written. The writers are
// split into buckets to reduce lock contention between worker goroutines.
type filesWriter struct {
	buckets []filesWriterBucket
}

type filesWriterBucket struct {
	lock  sync.Mutex
	files map[string]*partialFile
}

type partialFile struct {
	*os.File
	users int
}

func newFilesWriter(count int) *filesWriter {
	buckets := make([]filesWriterBucket, count)
	for b := 0; b < count; b++ {
		buckets[b].files = make(map[string]*partialFile)
	}
	return &filesWriter{
		buckets: buckets,
	}
}

// writeToFile writes blob to path at the given offset. createSize, when
// non-negative, indicates that the file must be created and truncated to
// that size before the first write.
func (w *filesWriter) writeToFile(path string, blob []byte, offset int64, createSize int64) error {
	bucket := &w.buckets[uint(xxhash.Sum64String(path))%uint(len(w.buckets))]

	acquireWriter := func() (*partialFile, error) {
		bucket.lock.Lock()
		defer bucket.lock.Unlock()

		if wr, ok := bucket.files[path]; ok {
			wr.users++
			return wr, nil
		}

		flags := os.O_WRONLY
		if createSize >= 0 {
			flags |= os.O_CREATE | os.O_TRUNC
		}

		f, err := os.OpenFile(path, flags, 0600)
		if err != nil {
			return nil, errors.WithStack(err)
		}

		wr := &partialFile{File: f, users: 1}
		bucket.files[path] = wr

		if createSize >= 0 {
			err := f.Truncate(createSize)
			if err != nil {
				_ = f.Close()
				delete(bucket.files, path)
				return nil, errors.WithStack(err)
			}
		}

		return wr, nil
	}

	releaseWriter := func(wr *partialFile) error {
		bucket.lock.Lock()
		defer bucket.lock.Unlock()

		wr.users--
		if wr.users > 0 {
			return nil
		}
		delete(bucket.files, path)
		return wr.Close()
	}

	wr, err := acquireWriter()
	if err != nil {
		return err
	}

	_, err = wr.WriteAt(blob, offset)
	if err != nil {
		_ = releaseWriter(wr)
		debug.Log("error writing blob to %v at %v: %v", path, offset, err)
		return errors.WithStack(err)
	}

	return releaseWriter(wr)
}
