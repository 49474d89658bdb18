package restorer

import (
	"context"
	"path/filepath"
	"sync"

	"github.com/strata-backup/strata/internal/bloblru"
	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"

	"golang.org/x/sync/errgroup"
)

// fileInfo is a file queued for restore together with the write offsets of
// its content blobs.
type fileInfo struct {
	lock       sync.Mutex
	inProgress bool
	size       int64
	location   string // file on local filesystem relative to restorer basedir
	blobs      []strata.ID
}

type fileBlobInfo struct {
	id     strata.ID // the blob id
	offset int64     // blob offset in the file
}

// packInfo contains the set of files a pack contributes content to.
type packInfo struct {
	id    strata.ID
	files map[*fileInfo]struct{}
}

type blobsLoaderFn func(ctx context.Context, packID strata.ID, blobs []strata.Blob, handleBlobFn func(blob strata.BlobHandle, buf []byte, err error) error) error

// blobCacheSize bounds the memory used to hold blobs which occur in more
// than one pack or file.
const blobCacheSize = 64 << 20

// fileRestorer restores the content of a set of files. Blobs are fetched
// grouped by pack file so that every pack is downloaded at most once.
type fileRestorer struct {
	idx         func(strata.BlobType, strata.ID) []strata.PackedBlob
	blobsLoader blobsLoaderFn

	filesWriter *filesWriter
	blobCache   *bloblru.Cache

	workerCount int
	dstdir      string

	files []*fileInfo

	Error func(string, error) error
	Warn  func(message string)
}

func newFileRestorer(dstdir string,
	blobsLoader blobsLoaderFn,
	idx func(strata.BlobType, strata.ID) []strata.PackedBlob,
	connections uint) *fileRestorer {

	// as packs are streamed the concurrency is limited by IO
	workerCount := int(connections)

	return &fileRestorer{
		idx:         idx,
		blobsLoader: blobsLoader,
		filesWriter: newFilesWriter(workerCount),
		blobCache:   bloblru.New(blobCacheSize),
		workerCount: workerCount,
		dstdir:      dstdir,
		Error:       restorerAbortOnAllErrors,
	}
}

func (r *fileRestorer) addFile(location string, content []strata.ID, size int64) {
	r.files = append(r.files, &fileInfo{location: location, blobs: content, size: size})
}

func (r *fileRestorer) targetPath(location string) string {
	return filepath.Join(r.dstdir, location)
}

func (r *fileRestorer) forEachBlob(blobIDs []strata.ID, fn func(packID strata.ID, packBlob strata.Blob)) error {
	if len(blobIDs) == 0 {
		return nil
	}

	for _, blobID := range blobIDs {
		packs := r.idx(strata.DataBlob, blobID)
		if len(packs) == 0 {
			return errors.Errorf("Unknown blob %s", blobID.String())
		}
		fn(packs[0].PackID, packs[0].Blob)
	}

	return nil
}

func (r *fileRestorer) restoreFiles(ctx context.Context) error {
	packs := make(map[strata.ID]*packInfo) // all packs

	// create packInfo from fileInfo
	for _, file := range r.files {
		err := r.forEachBlob(file.blobs, func(packID strata.ID, blob strata.Blob) {
			pack, ok := packs[packID]
			if !ok {
				pack = &packInfo{
					id:    packID,
					files: make(map[*fileInfo]struct{}),
				}
				packs[packID] = pack
			}
			pack.files[file] = struct{}{}
		})
		if err != nil {
			// repository index is messed up, can't do anything
			return err
		}
	}

	wg, ctx := errgroup.WithContext(ctx)
	downloadCh := make(chan *packInfo)

	worker := func() error {
		for pack := range downloadCh {
			if err := r.downloadPack(ctx, pack); err != nil {
				return err
			}
		}
		return nil
	}
	for i := 0; i < r.workerCount; i++ {
		wg.Go(worker)
	}

	// the main restore loop
	wg.Go(func() error {
		defer close(downloadCh)
		for _, pack := range packs {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case downloadCh <- pack:
				debug.Log("Scheduled download pack %s", pack.id.Str())
			}
		}
		return nil
	})

	return wg.Wait()
}

// fileBlobs returns the blobs of the file that are stored in the pack,
// together with their offsets within the file.
func (r *fileRestorer) fileBlobs(file *fileInfo, packID strata.ID) ([]fileBlobInfo, error) {
	var blobs []fileBlobInfo

	var offset int64
	err := r.forEachBlob(file.blobs, func(blobPack strata.ID, blob strata.Blob) {
		if blobPack == packID {
			blobs = append(blobs, fileBlobInfo{id: blob.ID, offset: offset})
		}
		offset += int64(blob.DataLength())
	})

	return blobs, err
}

func (r *fileRestorer) downloadPack(ctx context.Context, pack *packInfo) error {
	// calculate the set of blobs needed from this pack and the files and
	// offsets each blob has to be written to
	blobs := make(map[strata.ID]strata.Blob)
	writes := make(map[strata.ID][]blobWrite)

	for file := range pack.files {
		fileBlobs, err := r.fileBlobs(file, pack.id)
		if err != nil {
			if ferr := r.sanitizeError(file, err); ferr != nil {
				return ferr
			}
			continue
		}

		for _, entry := range fileBlobs {
			if _, ok := blobs[entry.id]; !ok {
				packedBlobs := r.idx(strata.DataBlob, entry.id)
				for _, pb := range packedBlobs {
					if pb.PackID.Equal(pack.id) {
						blobs[entry.id] = pb.Blob
						break
					}
				}
			}
			writes[entry.id] = append(writes[entry.id], blobWrite{file: file, offset: entry.offset})
		}
	}

	// blobs already in the cache can be written without downloading them again
	for blobID, targets := range writes {
		if blob, ok := r.blobCache.Get(blobID); ok {
			if err := r.writeBlob(blobID, blob, targets); err != nil {
				return err
			}
			delete(blobs, blobID)
			delete(writes, blobID)
		}
	}

	if len(blobs) == 0 {
		return nil
	}

	blobList := make([]strata.Blob, 0, len(blobs))
	for _, blob := range blobs {
		blobList = append(blobList, blob)
	}

	err := r.blobsLoader(ctx, pack.id, blobList, func(h strata.BlobHandle, buf []byte, err error) error {
		targets := writes[h.ID]
		if err != nil {
			for _, t := range targets {
				if ferr := r.sanitizeError(t.file, err); ferr != nil {
					return ferr
				}
			}
			return nil
		}

		if len(targets) > 1 {
			r.blobCache.Add(h.ID, append([]byte{}, buf...))
		}

		return r.writeBlob(h.ID, buf, targets)
	})
	if err != nil {
		for file := range pack.files {
			if ferr := r.sanitizeError(file, err); ferr != nil {
				return ferr
			}
		}
	}

	return nil
}

type blobWrite struct {
	file   *fileInfo
	offset int64
}

func (r *fileRestorer) writeBlob(blobID strata.ID, blob []byte, targets []blobWrite) error {
	for _, t := range targets {
		file := t.file

		file.lock.Lock()
		createSize := int64(-1)
		if !file.inProgress {
			file.inProgress = true
			createSize = file.size
		}
		file.lock.Unlock()

		err := r.filesWriter.writeToFile(r.targetPath(file.location), blob, t.offset, createSize)
		if err != nil {
			if ferr := r.sanitizeError(file, err); ferr != nil {
				return ferr
			}
		}
	}

	return nil
}

// sanitizeError processes the given error from writing file via the error
// callback. A file that could not be written is truncated to mark it as
// incomplete.
func (r *fileRestorer) sanitizeError(file *fileInfo, err error) error {
	switch err {
	case nil, context.Canceled, context.DeadlineExceeded:
		// Context errors are permanent.
		return err
	default:
		return r.Error(file.location, err)
	}
}
