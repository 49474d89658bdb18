package repository_test

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

var testSizes = []int{5, 23, 2<<18 + 23, 1 << 20}

var rnd = rand.New(rand.NewSource(time.Now().UnixNano()))

func TestSave(t *testing.T) {
	repository.TestAllVersions(t, testSavePassID)
	repository.TestAllVersions(t, testSaveCalculateID)
}

func testSavePassID(t *testing.T, version uint) {
	testSave(t, version, false)
}

func testSaveCalculateID(t *testing.T, version uint) {
	testSave(t, version, true)
}

func testSave(t *testing.T, version uint, calculateID bool) {
	repo := repository.TestRepositoryWithVersion(t, version)

	for _, size := range testSizes {
		data := make([]byte, size)
		_, err := io.ReadFull(rnd, data)
		rtest.OK(t, err)

		id := strata.Hash(data)

		var wg errgroup.Group
		repo.StartPackUploader(context.TODO(), &wg)

		// save
		inputID := strata.ID{}
		if !calculateID {
			inputID = id
		}
		sid, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, data, inputID, false)
		rtest.OK(t, err)
		rtest.Equals(t, id, sid)

		rtest.OK(t, repo.Flush(context.Background()))

		// read back
		buf, err := repo.LoadBlob(context.TODO(), strata.DataBlob, id, nil)
		rtest.OK(t, err)
		rtest.Equals(t, size, len(buf))

		rtest.Assert(t, bytes.Equal(buf, data),
			"data does not match: expected %02x, got %02x",
			data, buf)
	}
}

func TestSaveBlobDeduplication(t *testing.T) {
	repository.TestAllVersions(t, testSaveBlobDeduplication)
}

func testSaveBlobDeduplication(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)

	data := make([]byte, 100)
	_, err := io.ReadFull(rnd, data)
	rtest.OK(t, err)

	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)

	id, known, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, data, strata.ID{}, false)
	rtest.OK(t, err)
	rtest.Assert(t, !known, "first save of blob was reported as known")

	// the blob is still queued, a second save must already be deduplicated
	_, known, size, err := repo.SaveBlob(context.TODO(), strata.DataBlob, data, strata.ID{}, false)
	rtest.OK(t, err)
	rtest.Assert(t, known, "second save of blob was not reported as known")
	rtest.Equals(t, 0, size)

	rtest.OK(t, repo.Flush(context.Background()))

	// also known after the pack was flushed and indexed
	_, known, _, err = repo.SaveBlob(context.TODO(), strata.DataBlob, data, strata.ID{}, false)
	rtest.OK(t, err)
	rtest.Assert(t, known, "save after flush was not reported as known")

	buf, err := repo.LoadBlob(context.TODO(), strata.DataBlob, id, nil)
	rtest.OK(t, err)
	rtest.Equals(t, data, buf)
}

func TestLoadBlob(t *testing.T) {
	repository.TestAllVersions(t, testLoadBlob)
}

func testLoadBlob(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)
	length := 1000000
	buf := strata.NewBlobBuffer(length)
	_, err := io.ReadFull(rnd, buf)
	rtest.OK(t, err)

	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)

	id, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, buf, strata.ID{}, false)
	rtest.OK(t, err)
	rtest.OK(t, repo.Flush(context.Background()))

	base := strata.CiphertextLength(length)
	for _, testlength := range []int{0, base - 20, base - 1, base, base + 7, base + 15, base + 1000} {
		buf = make([]byte, 0, testlength)
		buf, err := repo.LoadBlob(context.TODO(), strata.DataBlob, id, buf)
		if err != nil {
			t.Errorf("LoadBlob() returned an error for buffer size %v: %v", testlength, err)
			continue
		}

		if len(buf) != length {
			t.Errorf("LoadBlob() returned the wrong number of bytes: want %v, got %v", length, len(buf))
			continue
		}
	}
}

func TestLoadBlobNotExists(t *testing.T) {
	repo := repository.TestRepository(t)

	_, err := repo.LoadBlob(context.TODO(), strata.DataBlob, strata.NewRandomID(), nil)
	rtest.Assert(t, errors.Is(err, strata.ErrBlobNotFound), "wrong error %v", err)
}

func TestUnpackedSaveLoad(t *testing.T) {
	repository.TestAllVersions(t, testUnpackedSaveLoad)
}

func testUnpackedSaveLoad(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)

	for _, size := range testSizes {
		data := make([]byte, size)
		_, err := io.ReadFull(rnd, data)
		rtest.OK(t, err)

		id, err := repo.SaveUnpacked(context.TODO(), strata.SnapshotFile, data)
		rtest.OK(t, err)
		rtest.Equals(t, strata.Hash(data), id)

		buf, err := repo.LoadUnpacked(context.TODO(), strata.SnapshotFile, id)
		rtest.OK(t, err)
		rtest.Equals(t, data, buf)
	}
}

func TestLoadRaw(t *testing.T) {
	repo := repository.TestRepository(t)

	data := make([]byte, 1000)
	_, err := io.ReadFull(rnd, data)
	rtest.OK(t, err)

	id, err := repo.SaveUnpacked(context.TODO(), strata.SnapshotFile, data)
	rtest.OK(t, err)

	buf, err := repo.LoadRaw(context.TODO(), strata.SnapshotFile, id)
	rtest.OK(t, err)
	rtest.Equals(t, id, strata.Hash(buf))
}

func TestRepositoryLoadIndex(t *testing.T) {
	repository.TestAllVersions(t, testRepositoryLoadIndex)
}

func testRepositoryLoadIndex(t *testing.T, version uint) {
	be := repository.TestBackend(t)
	repo := repository.TestRepositoryWithBackend(t, be, version, repository.Options{})

	// add some blobs
	var ids []strata.ID
	var bufs [][]byte
	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)
	for i := 0; i < 5; i++ {
		data := make([]byte, 1000+i)
		_, err := io.ReadFull(rnd, data)
		rtest.OK(t, err)

		id, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, data, strata.ID{}, false)
		rtest.OK(t, err)
		ids = append(ids, id)
		bufs = append(bufs, data)
	}
	rtest.OK(t, repo.Flush(context.Background()))

	// open the repository a second time and load the index
	repo2 := repository.TestOpenBackend(t, be)
	rtest.OK(t, repo2.LoadIndex(context.TODO(), nil))

	for i, id := range ids {
		buf, err := repo2.LoadBlob(context.TODO(), strata.DataBlob, id, nil)
		rtest.OK(t, err)
		rtest.Equals(t, bufs[i], buf)
	}
}

func TestListPack(t *testing.T) {
	repo := repository.TestRepository(t)

	data := make([]byte, 1000)
	_, err := io.ReadFull(rnd, data)
	rtest.OK(t, err)

	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)
	id, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, data, strata.ID{}, false)
	rtest.OK(t, err)
	rtest.OK(t, repo.Flush(context.Background()))

	pbs := repo.LookupBlob(strata.DataBlob, id)
	rtest.Equals(t, 1, len(pbs))

	var packSize int64
	rtest.OK(t, repo.List(context.TODO(), strata.PackFile, func(fid strata.ID, size int64) error {
		if fid == pbs[0].PackID {
			packSize = size
		}
		return nil
	}))
	rtest.Assert(t, packSize > 0, "pack %v not found in backend", pbs[0].PackID)

	blobs, _, err := repo.ListPack(context.TODO(), pbs[0].PackID, packSize)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(blobs))
	rtest.Equals(t, id, blobs[0].ID)
}

func TestLoadBlobsFromPack(t *testing.T) {
	repository.TestAllVersions(t, testLoadBlobsFromPack)
}

func testLoadBlobsFromPack(t *testing.T, version uint) {
	repo := repository.TestRepositoryWithVersion(t, version)

	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)

	data := make(map[strata.ID][]byte)
	for i := 0; i < 10; i++ {
		buf := make([]byte, 1000*(i+1))
		_, err := io.ReadFull(rnd, buf)
		rtest.OK(t, err)

		id, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, buf, strata.ID{}, false)
		rtest.OK(t, err)
		data[id] = buf
	}
	rtest.OK(t, repo.Flush(context.Background()))

	// collect the packs of all stored blobs
	packBlobs := make(map[strata.ID][]strata.Blob)
	for id := range data {
		pbs := repo.LookupBlob(strata.DataBlob, id)
		rtest.Equals(t, 1, len(pbs))
		packBlobs[pbs[0].PackID] = append(packBlobs[pbs[0].PackID], pbs[0].Blob)
	}

	loaded := 0
	for packID, blobs := range packBlobs {
		err := repo.LoadBlobsFromPack(context.TODO(), packID, blobs, func(blob strata.BlobHandle, buf []byte, err error) error {
			rtest.OK(t, err)
			rtest.Equals(t, data[blob.ID], buf)
			loaded++
			return nil
		})
		rtest.OK(t, err)
	}
	rtest.Equals(t, len(data), loaded)
}

func BenchmarkSaveAndEncrypt(b *testing.B) {
	repository.BenchmarkAllVersions(b, benchmarkSaveAndEncrypt)
}

func benchmarkSaveAndEncrypt(b *testing.B, version uint) {
	repo := repository.TestRepositoryWithVersion(b, version)
	size := 4 << 20 // 4MiB

	data := make([]byte, size)
	_, err := io.ReadFull(rnd, data)
	rtest.OK(b, err)

	id := strata.Hash(data)
	var wg errgroup.Group
	repo.StartPackUploader(context.Background(), &wg)

	b.ReportAllocs()
	b.ResetTimer()
	b.SetBytes(int64(size))

	for i := 0; i < b.N; i++ {
		_, _, _, err = repo.SaveBlob(context.TODO(), strata.DataBlob, data, id, true)
		rtest.OK(b, err)
	}
}
