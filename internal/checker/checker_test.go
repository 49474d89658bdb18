package checker_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/strata-backup/strata/internal/archiver"
	"github.com/strata-backup/strata/internal/backend/mem"
	"github.com/strata-backup/strata/internal/checker"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func collectErrors(ctx context.Context, f func(context.Context, chan<- error)) (errs []error) {
	errChan := make(chan error)

	go f(ctx, errChan)

	for err := range errChan {
		errs = append(errs, err)
	}

	return errs
}

func checkPacks(chkr *checker.Checker) []error {
	return collectErrors(context.TODO(), chkr.Packs)
}

func checkStruct(chkr *checker.Checker) []error {
	return collectErrors(context.TODO(), func(ctx context.Context, errCh chan<- error) {
		chkr.Structure(ctx, nil, errCh)
	})
}

func checkData(chkr *checker.Checker) []error {
	return collectErrors(context.TODO(), chkr.ReadData)
}

func loadIndex(t testing.TB, chkr *checker.Checker) {
	hints, errs := chkr.LoadIndex(context.TODO(), nil)
	if len(errs) > 0 {
		t.Fatalf("expected no errors, got %v: %v", len(errs), errs)
	}
	for _, hint := range hints {
		t.Logf("hint: %v", hint)
	}
}

func testSnapshot(t testing.TB, repo strata.Repository) *strata.Snapshot {
	srcdir := t.TempDir()
	for _, name := range []string{"foo", "bar", "baz"} {
		rtest.OK(t, os.WriteFile(filepath.Join(srcdir, name), []byte("content of "+name), 0600))
	}

	arch := archiver.New(repo, archiver.LocalFS{}, archiver.Options{})
	sn, _, err := arch.Snapshot(context.TODO(), []string{srcdir}, archiver.SnapshotOptions{
		Time:     time.Now(),
		Hostname: "localhost",
	})
	rtest.OK(t, err)
	return sn
}

func TestCheckRepo(t *testing.T) {
	repo := repository.TestRepository(t)
	testSnapshot(t, repo)

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	rtest.OKs(t, checkPacks(chkr))
	rtest.OKs(t, checkStruct(chkr))
	rtest.OKs(t, checkData(chkr))
}

func TestMissingPack(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	testSnapshot(t, repo)

	// remove one pack file behind the repository's back
	var packID strata.ID
	rtest.OK(t, repo.List(context.TODO(), strata.PackFile, func(id strata.ID, size int64) error {
		packID = id
		return nil
	}))
	rtest.OK(t, be.Remove(context.TODO(), strata.Handle{Type: strata.PackFile, Name: packID.String()}))

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", errs)

	packErr, ok := errs[0].(*checker.PackError)
	rtest.Assert(t, ok, "expected *checker.PackError, got %T", errs[0])
	rtest.Equals(t, packID, packErr.ID)
	rtest.Assert(t, !packErr.Orphaned, "missing pack reported as orphaned")
}

func TestOrphanedPack(t *testing.T) {
	be := mem.New()
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	testSnapshot(t, repo)

	// store a file in the pack namespace that no index references
	buf := make([]byte, 100)
	_, _ = rand.New(rand.NewSource(1)).Read(buf)
	id := strata.Hash(buf)
	h := strata.Handle{Type: strata.PackFile, Name: id.String()}
	rtest.OK(t, be.Save(context.TODO(), h, strata.NewByteReader(buf, be.Hasher())))

	chkr := checker.New(repo, false)
	loadIndex(t, chkr)

	errs := checkPacks(chkr)
	rtest.Assert(t, len(errs) == 1, "expected exactly one error, got %v", errs)

	packErr, ok := errs[0].(*checker.PackError)
	rtest.Assert(t, ok, "expected *checker.PackError, got %T", errs[0])
	rtest.Equals(t, id, packErr.ID)
	rtest.Assert(t, packErr.Orphaned, "unreferenced pack not reported as orphaned")
}

func TestUnusedBlobs(t *testing.T) {
	repo := repository.TestRepository(t)
	testSnapshot(t, repo)

	// store an extra blob that no snapshot references
	var wg errgroup.Group
	repo.StartPackUploader(context.TODO(), &wg)
	_, _, _, err := repo.SaveBlob(context.TODO(), strata.DataBlob, []byte("never referenced"), strata.ID{}, false)
	rtest.OK(t, err)
	rtest.OK(t, repo.Flush(context.TODO()))

	chkr := checker.New(repo, true)
	loadIndex(t, chkr)

	rtest.OKs(t, checkPacks(chkr))
	rtest.OKs(t, checkStruct(chkr))

	blobs, err := chkr.UnusedBlobs(context.TODO())
	rtest.OK(t, err)
	rtest.Assert(t, len(blobs) == 1, "expected one unused blob, got %v", blobs)
}
