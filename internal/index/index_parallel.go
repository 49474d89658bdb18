package index

import (
	"context"
	"runtime"
	"sync"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/strata"
)

// ForAllIndexes loads all index files in parallel and calls the given callback.
// It is guaranteed that the function is not run concurrently. If the callback
// returns an error, this function is cancelled and also returns that error.
func ForAllIndexes(ctx context.Context, lister strata.Lister, repo strata.LoaderUnpacked,
	fn func(id strata.ID, index *Index, oldFormat bool, err error) error) error {

	// decoding an index can take quite some time such that this can be both CPU- or IO-bound
	// as the whole index is kept in memory anyways, a few workers too much don't matter
	workerCount := runtime.GOMAXPROCS(0) + int(repo.Connections())

	var m sync.Mutex
	return strata.ParallelList(ctx, lister, strata.IndexFile, uint(workerCount), func(ctx context.Context, id strata.ID, _ int64) error {
		var idx *Index
		oldFormat := false

		buf, err := repo.LoadUnpacked(ctx, strata.IndexFile, id)
		if err == nil {
			// the old index format is a bare JSON array of packs
			oldFormat = len(buf) > 0 && buf[0] == '['
			idx, err = DecodeIndex(buf, id)
			if err != nil {
				debug.Log("unable to decode index %v: %v", id.Str(), err)
			}
		}

		m.Lock()
		defer m.Unlock()
		return fn(id, idx, oldFormat, err)
	})
}
