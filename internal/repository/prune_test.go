package repository_test

import (
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/progress"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func testPrune(t *testing.T, opts repository.PruneOptions, errOnUnused bool) {
	seed := time.Now().UnixNano()
	rand.Seed(seed)
	t.Logf("rand seed is %v", seed)

	be := repository.TestBackend(t)
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	createRandomBlobs(t, repo, 100, 0.7)

	usedBlobs, removeBlobs := selectBlobs(t, repo, 0.7)

	getUsedBlobs := func(_ context.Context, _ strata.Repository, blobs strata.CountedBlobSet) error {
		for h := range usedBlobs {
			blobs.Insert(h)
		}
		return nil
	}

	plan, err := repository.PlanPrune(context.TODO(), opts, repo, getUsedBlobs, progress.NewNoopPrinter())
	rtest.OK(t, err)

	rtest.OK(t, plan.Execute(context.TODO(), progress.NewNoopPrinter()))

	// reopen repository to read the rewritten index
	repo2 := repository.TestOpenBackend(t, be)
	rtest.OK(t, repo2.LoadIndex(context.TODO(), nil))

	for h := range usedBlobs {
		if _, found := repo2.LookupBlobSize(h.Type, h.ID); !found {
			t.Errorf("blob %v was removed by prune although it is used", h)
		}

		buf, err := repo2.LoadBlob(context.TODO(), h.Type, h.ID, nil)
		rtest.OK(t, err)
		rtest.Equals(t, h.ID, strata.Hash(buf))
	}

	if errOnUnused {
		for h := range removeBlobs {
			if _, found := repo2.LookupBlobSize(h.Type, h.ID); found {
				t.Errorf("blob %v still in index although it is unused", h)
			}
		}
	}
}

func TestPrune(t *testing.T) {
	for _, test := range []struct {
		name        string
		opts        repository.PruneOptions
		errOnUnused bool
	}{
		{
			name: "0%",
			opts: repository.PruneOptions{
				MaxRepackBytes: 1 << 62,
				MaxUnusedBytes: func(_ uint64) uint64 { return 0 },
			},
			errOnUnused: true,
		},
		{
			name: "5%",
			opts: repository.PruneOptions{
				MaxRepackBytes: 1 << 62,
				MaxUnusedBytes: func(used uint64) uint64 { return used / 20 },
			},
		},
		{
			name: "unlimited",
			opts: repository.PruneOptions{
				MaxRepackBytes: 1 << 62,
				MaxUnusedBytes: func(_ uint64) uint64 { return 1 << 62 },
			},
		},
		{
			name: "cacheableonly",
			opts: repository.PruneOptions{
				MaxRepackBytes:      1 << 62,
				MaxUnusedBytes:      func(used uint64) uint64 { return used / 20 },
				RepackCacheableOnly: true,
			},
		},
		{
			name: "small",
			opts: repository.PruneOptions{
				MaxRepackBytes: 1 << 62,
				MaxUnusedBytes: func(used uint64) uint64 { return used / 20 },
				RepackSmall:    true,
			},
			errOnUnused: true,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			testPrune(t, test.opts, test.errOnUnused)
		})
	}
}

func TestPruneMissingUsedBlob(t *testing.T) {
	repo := repository.TestRepository(t)
	createRandomBlobs(t, repo, 10, 0.5)

	// request a blob that does not exist in the repository
	getUsedBlobs := func(_ context.Context, _ strata.Repository, blobs strata.CountedBlobSet) error {
		blobs.Insert(strata.NewRandomBlobHandle())
		return nil
	}

	opts := repository.PruneOptions{
		MaxRepackBytes: 1 << 62,
		MaxUnusedBytes: func(_ uint64) uint64 { return 0 },
	}
	_, err := repository.PlanPrune(context.TODO(), opts, repo, getUsedBlobs, progress.NewNoopPrinter())
	rtest.Assert(t, err != nil, "expected error for missing used blob")
}

func TestPruneDryRun(t *testing.T) {
	repo := repository.TestRepository(t)
	createRandomBlobs(t, repo, 10, 0.5)

	usedBlobs, _ := selectBlobs(t, repo, 0.3)
	getUsedBlobs := func(_ context.Context, _ strata.Repository, blobs strata.CountedBlobSet) error {
		for h := range usedBlobs {
			blobs.Insert(h)
		}
		return nil
	}

	opts := repository.PruneOptions{
		DryRun:         true,
		MaxRepackBytes: 1 << 62,
		MaxUnusedBytes: func(_ uint64) uint64 { return 0 },
	}
	plan, err := repository.PlanPrune(context.TODO(), opts, repo, getUsedBlobs, progress.NewNoopPrinter())
	rtest.OK(t, err)
	rtest.OK(t, plan.Execute(context.TODO(), progress.NewNoopPrinter()))

	// nothing may have been removed
	packs := listPacks(t, repo)
	err = repo.List(context.TODO(), strata.PackFile, func(id strata.ID, _ int64) error {
		rtest.Assert(t, packs.Has(id), "pack %v missing after dry run", id)
		return nil
	})
	rtest.OK(t, err)
}

// TestPruneInterruptedRepack simulates a prune that is aborted after the
// repacked packs have been written but before the index is rewritten and the
// obsolete packs are deleted. A subsequent prune must clean up the leftover
// duplicates without losing any used blob, and another prune right after
// must find nothing left to do.
func TestPruneInterruptedRepack(t *testing.T) {
	seed := time.Now().UnixNano()
	rand.Seed(seed)
	t.Logf("rand seed is %v", seed)

	be := repository.TestBackend(t)
	repo := repository.TestRepositoryWithBackend(t, be, 0, repository.Options{})
	createRandomBlobs(t, repo, 50, 0.7)

	usedBlobs, removeBlobs := selectBlobs(t, repo, 0.5)
	packs := findPacksForBlobs(t, repo, usedBlobs)

	// write the repacked packs, then stop: the old packs and the index
	// files referencing them are still there
	_, err := repository.Repack(context.TODO(), repo, repo, packs, strata.NewCountedBlobSet(usedBlobs.List()...), nil)
	rtest.OK(t, err)

	opts := repository.PruneOptions{
		MaxRepackBytes: 1 << 62,
		MaxUnusedBytes: func(_ uint64) uint64 { return 0 },
	}
	getUsedBlobs := func(_ context.Context, _ strata.Repository, blobs strata.CountedBlobSet) error {
		for h := range usedBlobs {
			blobs.Insert(h)
		}
		return nil
	}

	// the next prune sees every used blob twice and must get rid of the
	// superfluous copies
	repo2 := repository.TestOpenBackend(t, be)
	rtest.OK(t, repo2.LoadIndex(context.TODO(), nil))

	plan, err := repository.PlanPrune(context.TODO(), opts, repo2, getUsedBlobs, progress.NewNoopPrinter())
	rtest.OK(t, err)
	rtest.OK(t, plan.Execute(context.TODO(), progress.NewNoopPrinter()))

	repo3 := repository.TestOpenBackend(t, be)
	rtest.OK(t, repo3.LoadIndex(context.TODO(), nil))

	for h := range usedBlobs {
		buf, err := repo3.LoadBlob(context.TODO(), h.Type, h.ID, nil)
		rtest.OK(t, err)
		rtest.Equals(t, h.ID, strata.Hash(buf))
	}
	for h := range removeBlobs {
		if _, found := repo3.LookupBlobSize(h.Type, h.ID); found {
			t.Errorf("blob %v still in index although it is unused", h)
		}
	}

	// pruning again must converge: there is nothing left to remove
	plan, err = repository.PlanPrune(context.TODO(), opts, repo3, getUsedBlobs, progress.NewNoopPrinter())
	rtest.OK(t, err)

	stats := plan.Stats()
	rtest.Equals(t, uint(0), stats.Packs.Unref)
	rtest.Equals(t, uint(0), stats.Packs.Repack)
	rtest.Equals(t, uint(0), stats.Packs.Remove)
	rtest.Equals(t, uint(0), stats.Blobs.Duplicate)

	rtest.OK(t, plan.Execute(context.TODO(), progress.NewNoopPrinter()))

	repo4 := repository.TestOpenBackend(t, be)
	rtest.OK(t, repo4.LoadIndex(context.TODO(), nil))
	for h := range usedBlobs {
		_, err := repo4.LoadBlob(context.TODO(), h.Type, h.ID, nil)
		rtest.OK(t, err)
	}
}
