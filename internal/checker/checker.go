// Package checker tests the internal consistency of a repository.
package checker

import (
	"bufio"
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sync/errgroup"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/index"
	"github.com/strata-backup/strata/internal/pack"
	"github.com/strata-backup/strata/internal/progress"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
)

// Checker runs various checks on a repository. It is advisable to create an
// exclusive Lock in the repository before running any checks.
//
// A Checker only tests for internal errors within the data structures of the
// repository (e.g. missing blobs), and needs a valid Repository to work on.
type Checker struct {
	packs    map[strata.ID]int64
	blobRefs struct {
		sync.Mutex
		M strata.BlobSet
	}
	trackUnused bool

	snapshots strata.Lister

	repo *repository.Repository
}

// New returns a new checker which runs on repo.
func New(repo *repository.Repository, trackUnused bool) *Checker {
	c := &Checker{
		packs:       make(map[strata.ID]int64),
		repo:        repo,
		trackUnused: trackUnused,
	}

	c.blobRefs.M = strata.NewBlobSet()

	return c
}

// ErrDuplicatePacks is returned when a pack is found in more than one index.
type ErrDuplicatePacks struct {
	PackID  strata.ID
	Indexes strata.IDSet
}

func (e *ErrDuplicatePacks) Error() string {
	return fmt.Sprintf("pack %v contained in several indexes: %v", e.PackID, e.Indexes)
}

// ErrMixedPack is returned when a pack is found that contains both tree and
// data blobs.
type ErrMixedPack struct {
	PackID strata.ID
}

func (e *ErrMixedPack) Error() string {
	return fmt.Sprintf("pack %v contains a mix of tree and data blobs", e.PackID.Str())
}

// ErrOldIndexFormat is returned when an index with the old format is found.
type ErrOldIndexFormat struct {
	strata.ID
}

func (err *ErrOldIndexFormat) Error() string {
	return fmt.Sprintf("index %v has old format", err.ID)
}

// LoadSnapshots lists the snapshot files once so that later passes reuse the
// cached list.
func (c *Checker) LoadSnapshots(ctx context.Context) error {
	var err error
	c.snapshots, err = strata.MemorizeList(ctx, c.repo, strata.SnapshotFile)
	return err
}

// LoadIndex loads all index files.
func (c *Checker) LoadIndex(ctx context.Context, p *progress.Counter) (hints []error, errs []error) {
	debug.Log("Start")

	indexList, err := strata.MemorizeList(ctx, c.repo, strata.IndexFile)
	if err != nil {
		// abort if an error occurs while listing the indexes
		return hints, append(errs, err)
	}

	if p != nil {
		var numIndexFiles uint64
		err := indexList.List(ctx, strata.IndexFile, func(_ strata.ID, _ int64) error {
			numIndexFiles++
			return nil
		})
		if err != nil {
			return hints, append(errs, err)
		}
		p.SetMax(numIndexFiles)
		defer p.Done()
	}

	packToIndex := make(map[strata.ID]strata.IDSet)
	masterIndex := index.NewMasterIndex()

	err = index.ForAllIndexes(ctx, indexList, c.repo, func(id strata.ID, idx *index.Index, oldFormat bool, err error) error {
		debug.Log("process index %v, err %v", id, err)

		if p != nil {
			p.Add(1)
		}

		if oldFormat {
			debug.Log("index %v has old format", id.Str())
			hints = append(hints, &ErrOldIndexFormat{id})
		}

		err = errors.Wrapf(err, "error loading index %v", id.Str())

		if err != nil {
			errs = append(errs, err)
			return nil
		}

		masterIndex.Insert(idx)

		debug.Log("process blobs")
		cnt := 0
		return idx.Each(ctx, func(blob strata.PackedBlob) {
			cnt++

			if _, ok := packToIndex[blob.PackID]; !ok {
				packToIndex[blob.PackID] = strata.NewIDSet()
			}
			packToIndex[blob.PackID].Insert(id)
			debug.Log("%d blobs processed", cnt)
		})
	})
	if err != nil {
		errs = append(errs, err)
	}

	debug.Log("merging indexes into master index")
	err = masterIndex.MergeFinalIndexes()
	if err != nil {
		errs = append(errs, err)
		return hints, errs
	}

	err = c.repo.SetIndex(masterIndex)
	if err != nil {
		debug.Log("SetIndex returned error: %v", err)
		errs = append(errs, err)
	}

	// compute pack size using index entries
	c.packs, err = pack.Size(ctx, c.repo, false)
	if err != nil {
		errs = append(errs, err)
		return hints, errs
	}

	debug.Log("checking for duplicate packs")
	for packID := range c.packs {
		debug.Log("  check pack %v: contained in %d indexes", packID, len(packToIndex[packID]))
		if len(packToIndex[packID]) > 1 {
			hints = append(hints, &ErrDuplicatePacks{
				PackID:  packID,
				Indexes: packToIndex[packID],
			})
		}
	}

	if c.repo.Config().Version >= 2 {
		// check that all pack files contain only one blob type
		blobTypes := make(map[strata.ID]strata.BlobType)
		err := c.repo.ListBlobs(ctx, func(blob strata.PackedBlob) {
			prev, ok := blobTypes[blob.PackID]
			if !ok {
				blobTypes[blob.PackID] = blob.Type
			} else if prev != blob.Type {
				prev = strata.InvalidBlob
				blobTypes[blob.PackID] = prev
			}
		})
		if err != nil {
			errs = append(errs, err)
		}
		for packID, tpe := range blobTypes {
			if tpe == strata.InvalidBlob {
				hints = append(hints, &ErrMixedPack{PackID: packID})
			}
		}
	}

	return hints, errs
}

// PackError describes an error with a specific pack.
type PackError struct {
	ID        strata.ID
	Orphaned  bool
	Truncated bool
	Err       error
}

func (e *PackError) Error() string {
	return "pack " + e.ID.String() + ": " + e.Err.Error()
}

// Packs checks that all packs referenced in the index are still available and
// there are no packs that aren't in an index. errChan is closed after all
// packs have been checked.
func (c *Checker) Packs(ctx context.Context, errChan chan<- error) {
	defer close(errChan)

	debug.Log("checking for %d packs", len(c.packs))

	debug.Log("listing repository packs")
	repoPacks := make(map[strata.ID]int64)

	err := c.repo.List(ctx, strata.PackFile, func(id strata.ID, size int64) error {
		repoPacks[id] = size
		return nil
	})
	if err != nil {
		select {
		case <-ctx.Done():
			return
		case errChan <- err:
		}
	}

	for id, size := range c.packs {
		reposize, ok := repoPacks[id]
		// remove from repoPacks so we can find orphaned packs
		delete(repoPacks, id)

		// missing: present in c.packs but not in the repo
		if !ok {
			select {
			case <-ctx.Done():
				return
			case errChan <- &PackError{ID: id, Err: errors.New("does not exist")}:
			}
			continue
		}

		// size not matching: present in c.packs and in the repo, but sizes do not match
		if size != reposize {
			select {
			case <-ctx.Done():
				return
			case errChan <- &PackError{ID: id, Truncated: true, Err: errors.Errorf("unexpected file size: got %d, expected %d", reposize, size)}:
			}
		}
	}

	// orphaned: present in the repo but not in c.packs
	for orphanID := range repoPacks {
		select {
		case <-ctx.Done():
			return
		case errChan <- &PackError{ID: orphanID, Orphaned: true, Err: errors.New("not referenced in any index")}:
		}
	}
}

// TreeError collects several errors that occurred while processing a tree.
type TreeError struct {
	ID     strata.ID
	Errors []error
}

func (e *TreeError) Error() string {
	return fmt.Sprintf("tree %v: %v", e.ID.Str(), e.Errors)
}

// loadSnapshotTreeIDs loads the IDs of all snapshot trees.
func loadSnapshotTreeIDs(ctx context.Context, lister strata.Lister, repo strata.LoaderUnpacked) (strata.IDs, []error) {
	var trees strata.IDs
	var errs []error

	// process snapshots in parallel
	err := strata.ForAllSnapshots(ctx, lister, repo, nil, func(id strata.ID, sn *strata.Snapshot, err error) error {
		if err != nil {
			errs = append(errs, err)
			return nil
		}

		treeID := *sn.Tree
		debug.Log("snapshot %v has tree %v", id, treeID)
		trees = append(trees, treeID)
		return nil
	})
	if err != nil {
		errs = append(errs, err)
	}

	return trees, errs
}

// Structure checks that for all snapshots all referenced data blobs and
// subtrees are available in the index. errChan is closed after all trees have
// been traversed.
func (c *Checker) Structure(ctx context.Context, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	snapshotLister := c.snapshots
	if snapshotLister == nil {
		snapshotLister = c.repo
	}

	trees, errs := loadSnapshotTreeIDs(ctx, snapshotLister, c.repo)
	p.SetMax(uint64(len(trees)))
	debug.Log("need to check %d trees from snapshots, %d errs returned", len(trees), len(errs))

	for _, err := range errs {
		select {
		case <-ctx.Done():
			return
		case errChan <- err:
		}
	}

	wg, ctx := errgroup.WithContext(ctx)
	treeStream := strata.StreamTrees(ctx, wg, c.repo, trees, func(treeID strata.ID) bool {
		// blobRefs may be accessed in parallel by checkTree
		c.blobRefs.Lock()
		h := strata.BlobHandle{ID: treeID, Type: strata.TreeBlob}
		blobReferenced := c.blobRefs.M.Has(h)
		// noop if already referenced
		c.blobRefs.M.Insert(h)
		c.blobRefs.Unlock()
		return blobReferenced
	})

	defer func() {
		// the wait group should not return an error because no worker returns an
		// error, so panic if that has changed somehow.
		err := wg.Wait()
		if err != nil {
			panic(err)
		}
	}()

	for i := 0; i < runtime.GOMAXPROCS(0); i++ {
		wg.Go(func() error {
			for job := range treeStream {
				debug.Log("check tree %v (tree %v, err %v)", job.ID, job.Tree, job.Error)

				var errs []error
				if job.Error != nil {
					errs = append(errs, job.Error)
				} else {
					errs = c.checkTree(job.ID, job.Tree)
				}

				p.Add(1)
				if len(errs) == 0 {
					continue
				}
				treeError := &TreeError{ID: job.ID, Errors: errs}
				select {
				case <-ctx.Done():
					return nil
				case errChan <- treeError:
					debug.Log("tree %v: sent %d errors", treeError.ID, len(treeError.Errors))
				}
			}
			return nil
		})
	}
}

func (c *Checker) checkTree(id strata.ID, tree *strata.Tree) (errs []error) {
	debug.Log("checking tree %v", id)

	for _, node := range tree.Nodes {
		switch node.Type {
		case strata.NodeTypeFile:
			if node.Content == nil {
				errs = append(errs, errors.Errorf("file %q has nil blob list", node.Name))
			}

			for b, blobID := range node.Content {
				if blobID.IsNull() {
					errs = append(errs, errors.Errorf("file %q blob %d has null ID", node.Name, b))
					continue
				}
				// The sum of the blob sizes is not compared to the file size,
				// as old archivers stored sizes that can legitimately differ.

				_, found := c.repo.LookupBlobSize(strata.DataBlob, blobID)
				if !found {
					debug.Log("tree %v references blob %v which isn't contained in index", id, blobID)
					errs = append(errs, errors.Errorf("file %q blob %v not found in index", node.Name, blobID))
				}
			}

			if c.trackUnused {
				// mark all blobs as used
				c.blobRefs.Lock()
				for _, blobID := range node.Content {
					c.blobRefs.M.Insert(strata.BlobHandle{ID: blobID, Type: strata.DataBlob})
				}
				c.blobRefs.Unlock()
			}

		case strata.NodeTypeDir:
			if node.Subtree == nil {
				errs = append(errs, errors.Errorf("dir node %q has no subtree", node.Name))
				continue
			}

			if node.Subtree.IsNull() {
				errs = append(errs, errors.Errorf("dir node %q subtree id is null", node.Name))
				continue
			}

		case strata.NodeTypeSymlink:
			// nothing to check

		default:
			errs = append(errs, errors.Errorf("node %q with invalid type %q", node.Name, node.Type))
		}

		if node.Name == "" {
			errs = append(errs, errors.New("node with empty name"))
		}
	}

	return errs
}

// UnusedBlobs returns all blobs that have never been referenced.
func (c *Checker) UnusedBlobs(ctx context.Context) (blobs strata.BlobHandles, err error) {
	if !c.trackUnused {
		panic("only works when tracking blob references")
	}
	c.blobRefs.Lock()
	defer c.blobRefs.Unlock()

	debug.Log("checking %d blobs", len(c.blobRefs.M))
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	err = c.repo.ListBlobs(ctx, func(blob strata.PackedBlob) {
		h := strata.BlobHandle{ID: blob.ID, Type: blob.Type}
		if !c.blobRefs.M.Has(h) {
			debug.Log("blob %v not referenced", h)
			blobs = append(blobs, h)
		}
	})

	return blobs, err
}

// CountPacks returns the number of packs in the repository.
func (c *Checker) CountPacks() uint64 {
	return uint64(len(c.packs))
}

// GetPacks returns IDSet of packs in the repository
func (c *Checker) GetPacks() map[strata.ID]int64 {
	return c.packs
}

// ReadData loads all data from the repository and checks the integrity.
func (c *Checker) ReadData(ctx context.Context, errChan chan<- error) {
	c.ReadPacks(ctx, c.packs, nil, errChan)
}

const maxStreamBufferSize = repository.MaxStreamBufferSize

// ReadPacks loads data from specified packs and checks the integrity.
func (c *Checker) ReadPacks(ctx context.Context, packs map[strata.ID]int64, p *progress.Counter, errChan chan<- error) {
	defer close(errChan)

	g, ctx := errgroup.WithContext(ctx)
	type checkTask struct {
		id    strata.ID
		size  int64
		blobs []strata.Blob
	}
	ch := make(chan checkTask)

	// as packs are streamed the concurrency is limited by IO
	workerCount := int(c.repo.Connections())
	// run workers
	for i := 0; i < workerCount; i++ {
		g.Go(func() error {
			bufRd := bufio.NewReaderSize(nil, maxStreamBufferSize)
			dec, err := zstd.NewReader(nil)
			if err != nil {
				panic(dec)
			}
			defer dec.Close()
			for {
				var ps checkTask
				var ok bool

				select {
				case <-ctx.Done():
					return nil
				case ps, ok = <-ch:
					if !ok {
						return nil
					}
				}

				err := repository.CheckPack(ctx, c.repo, ps.id, ps.blobs, ps.size, bufRd, dec)
				p.Add(1)
				if err == nil {
					continue
				}

				select {
				case <-ctx.Done():
					return nil
				case errChan <- err:
				}
			}
		})
	}

	packSet := strata.NewIDSet()
	for pack := range packs {
		packSet.Insert(pack)
	}

	// push packs to ch
	for pbs := range c.repo.ListPacksFromIndex(ctx, packSet) {
		size := packs[pbs.PackID]
		debug.Log("listed %v", pbs.PackID)
		select {
		case ch <- checkTask{id: pbs.PackID, size: size, blobs: pbs.Blobs}:
		case <-ctx.Done():
		}
	}
	close(ch)

	err := g.Wait()
	if err != nil {
		select {
		case <-ctx.Done():
			return
		case errChan <- err:
		}
	}
}
