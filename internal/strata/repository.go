package strata

import (
	"context"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/progress"

	"golang.org/x/sync/errgroup"
)

// ErrBlobNotFound is used to report that a blob is not present in the repository.
var ErrBlobNotFound = errors.New("blob not found")

// ErrInvalidData is used to report that a file in the repository does not
// match its expected hash.
var ErrInvalidData = errors.New("invalid data returned")

// Repository stores data in a backend. It provides high-level functions and
// transparently encrypts, compresses and deduplicates all data it handles.
type Repository interface {
	// Connections returns the maximum number of concurrent backend operations.
	Connections() uint
	Config() Config
	PackSize() uint

	// List calls the function fn for each file of type t in the repository.
	// When an error is returned by fn, processing stops and List() returns the
	// error.
	List(ctx context.Context, t FileType, fn func(ID, int64) error) error

	// ListBlobs runs fn on all blobs known to the index. When the context is
	// cancelled, the index iteration returns immediately with ctx.Err(). This
	// blocks any modification of the index.
	ListBlobs(ctx context.Context, fn func(PackedBlob)) error

	// ListPack returns the list of blobs saved in the pack id and the length
	// of the pack header.
	ListPack(ctx context.Context, id ID, packSize int64) (entries []Blob, hdrSize uint32, err error)

	// ListPacksFromIndex returns the blobs of the specified pack files,
	// according to the index, grouped by pack file.
	ListPacksFromIndex(ctx context.Context, packs IDSet) <-chan PackBlobs

	// LookupBlob returns the pack locations of the blob, if it is present in
	// the index.
	LookupBlob(t BlobType, id ID) []PackedBlob
	// LookupBlobSize returns the plaintext size of the blob, if it is present
	// in the index.
	LookupBlobSize(t BlobType, id ID) (size uint, exists bool)

	// LoadBlob loads a blob from the repository. It may use all of buf as
	// scratch space and returns the plaintext in a possibly different buffer.
	LoadBlob(ctx context.Context, t BlobType, id ID, buf []byte) ([]byte, error)
	// LoadBlobsFromPack loads the listed blobs from the single pack file id
	// and calls handleBlobFn for each, in pack offset order.
	LoadBlobsFromPack(ctx context.Context, packID ID, blobs []Blob, handleBlobFn func(blob BlobHandle, buf []byte, err error) error) error

	// LoadRaw reads all data stored in the backend for the file with id and
	// filetype t. If the storage hash of the file does not match its name, the
	// file's content is returned along with an error.
	LoadRaw(ctx context.Context, t FileType, id ID) (data []byte, err error)

	// SaveBlob saves a blob of type t to the repository. It takes care that no
	// duplicates are saved; this can be overwritten by setting storeDuplicate
	// to true. If id is the null id, the plaintext hash is computed.
	SaveBlob(ctx context.Context, t BlobType, buf []byte, id ID, storeDuplicate bool) (newID ID, known bool, size int, err error)

	// StartPackUploader starts the pack uploader goroutines on wg. It must be
	// called before blobs can be saved with SaveBlob.
	StartPackUploader(ctx context.Context, wg *errgroup.Group)
	// Flush finalizes all pending packs, waits for their upload and writes a
	// new index.
	Flush(ctx context.Context) error

	LoaderUnpacked
	SaverUnpacked
	RemoverUnpacked
}

// BlobLoader is the part of a repository that reads blobs.
type BlobLoader interface {
	LoadBlob(ctx context.Context, t BlobType, id ID, buf []byte) ([]byte, error)
	LookupBlobSize(t BlobType, id ID) (size uint, exists bool)
	Connections() uint
}

// BlobSaver is the part of a repository that stores blobs.
type BlobSaver interface {
	SaveBlob(ctx context.Context, t BlobType, buf []byte, id ID, storeDuplicate bool) (newID ID, known bool, size int, err error)
	Connections() uint
}

// Lister allows listing files in a backend.
type Lister interface {
	List(ctx context.Context, t FileType, fn func(ID, int64) error) error
}

// ListBlobser allows listing the blobs stored in the index.
type ListBlobser interface {
	ListBlobs(ctx context.Context, fn func(PackedBlob)) error
}

// LoaderUnpacked allows loading a blob not stored in a pack file.
type LoaderUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations.
	Connections() uint
	LoadUnpacked(ctx context.Context, t FileType, id ID) (data []byte, err error)
}

// SaverUnpacked allows saving a blob not stored in a pack file.
type SaverUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations.
	Connections() uint
	SaveUnpacked(ctx context.Context, t FileType, buf []byte) (ID, error)
}

// RemoverUnpacked allows removing an unpacked blob.
type RemoverUnpacked interface {
	// Connections returns the maximum number of concurrent backend operations.
	Connections() uint
	RemoveUnpacked(ctx context.Context, t FileType, id ID) error
}

// SaverRemoverUnpacked allows saving and removing unpacked blobs.
type SaverRemoverUnpacked interface {
	SaverUnpacked
	RemoverUnpacked
}

// ListerLoaderUnpacked is a Lister that can also load unpacked files.
type ListerLoaderUnpacked interface {
	Lister
	LoaderUnpacked
}

// ParallelList lists the files of type t in the repo and calls fn for each in
// parallel, using up to parallelism goroutines.
func ParallelList(ctx context.Context, r Lister, t FileType, parallelism uint, fn func(context.Context, ID, int64) error) error {
	type FileIDInfo struct {
		ID
		Size int64
	}

	wg, ctx := errgroup.WithContext(ctx)
	ch := make(chan FileIDInfo)

	// send list of files through ch, which is closed afterwards
	wg.Go(func() error {
		defer close(ch)
		return r.List(ctx, t, func(id ID, size int64) error {
			select {
			case <-ctx.Done():
				return nil
			case ch <- FileIDInfo{id, size}:
			}
			return nil
		})
	})

	for i := uint(0); i < parallelism; i++ {
		wg.Go(func() error {
			for f := range ch {
				err := fn(ctx, f.ID, f.Size)
				if err != nil {
					return err
				}
			}
			return nil
		})
	}

	return wg.Wait()
}

// ParallelRemove deletes the files of type t in the list, using up to
// Connections() goroutines. The optional report function is called after each
// deletion, the optional bar is advanced for each deleted file.
func ParallelRemove(ctx context.Context, repo RemoverUnpacked, list IDSet, t FileType, report func(id ID, err error) error, bar *progress.Counter) error {
	fileChan := make(chan ID)
	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		defer close(fileChan)
		for id := range list {
			select {
			case fileChan <- id:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})

	workerCount := int(repo.Connections())
	for i := 0; i < workerCount; i++ {
		wg.Go(func() error {
			for id := range fileChan {
				err := repo.RemoveUnpacked(ctx, t, id)
				if err == nil {
					bar.Add(1)
				}
				if report != nil {
					err = report(id, err)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	return wg.Wait()
}
