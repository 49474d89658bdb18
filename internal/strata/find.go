package strata

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

const streamTreeParallelism = 6

// FindUsedBlobs traverses the trees rooted at the given IDs and adds all seen
// blobs (trees and data) to the set blobs. Already seen tree blobs are not
// visited again.
func FindUsedBlobs(ctx context.Context, repo BlobLoader, treeIDs IDs, blobs CountedBlobSet, p func()) error {
	var lock sync.Mutex

	wg, ctx := errgroup.WithContext(ctx)
	treeStream := StreamTrees(ctx, wg, repo, treeIDs, func(treeID ID) bool {
		// locking is necessary, the goroutine below concurrently adds data blobs
		lock.Lock()
		h := BlobHandle{ID: treeID, Type: TreeBlob}
		blobReferenced := blobs.Has(h)
		// noop if already referenced
		blobs.Insert(h)
		lock.Unlock()
		return blobReferenced
	})

	wg.Go(func() error {
		for tree := range treeStream {
			if tree.Error != nil {
				return tree.Error
			}

			lock.Lock()
			for _, node := range tree.Nodes {
				if node.Type == NodeTypeFile {
					for _, blob := range node.Content {
						blobs.Insert(BlobHandle{ID: blob, Type: DataBlob})
					}
				}
			}
			lock.Unlock()

			if p != nil {
				p()
			}
		}
		return nil
	})
	return wg.Wait()
}

// TreeItem is a tree together with its ID, or a load error.
type TreeItem struct {
	ID
	Error error
	*Tree
}

type trackedTreeItem struct {
	TreeItem
	rootIdx int
}

type trackedID struct {
	ID
	rootIdx int
}

// loadTreeWorker loads trees from repo and sends them to out.
func loadTreeWorker(ctx context.Context, repo BlobLoader,
	in <-chan trackedID, out chan<- trackedTreeItem) {

	for treeID := range in {
		tree, err := LoadTree(ctx, repo, treeID.ID)
		job := trackedTreeItem{TreeItem: TreeItem{ID: treeID.ID, Error: err, Tree: tree}, rootIdx: treeID.rootIdx}

		select {
		case <-ctx.Done():
			return
		case out <- job:
		}
	}
}

func filterTrees(ctx context.Context, trees IDs, loaderChan chan<- trackedID,
	in <-chan trackedTreeItem, out chan<- TreeItem, skip func(tree ID) bool) {

	var (
		inCh                    = in
		outCh                   chan<- TreeItem
		loadCh                  chan<- trackedID
		job                     TreeItem
		nextTreeID              trackedID
		outstandingLoadTreeJobs = 0
	)
	rootCounter := len(trees)
	backlog := make([]trackedID, 0, len(trees))
	for idx, id := range trees {
		backlog = append(backlog, trackedID{ID: id, rootIdx: idx})
	}

	for {
		if loadCh == nil && len(backlog) > 0 {
			// pop the last added id first, that way the tree is traversed in
			// depth-first order
			ln := len(backlog) - 1
			nextTreeID, backlog = backlog[ln], backlog[:ln]

			if skip != nil && skip(nextTreeID.ID) {
				if nextTreeID.rootIdx >= 0 {
					rootCounter--
				}
				continue
			}

			loadCh = loaderChan
		}

		if loadCh == nil && outCh == nil && outstandingLoadTreeJobs == 0 && rootCounter == 0 {
			return
		}

		select {
		case <-ctx.Done():
			return

		case loadCh <- nextTreeID:
			outstandingLoadTreeJobs++
			loadCh = nil

		case j, ok := <-inCh:
			if !ok {
				inCh = nil
				continue
			}
			outstandingLoadTreeJobs--
			if j.rootIdx >= 0 {
				rootCounter--
			}

			job = j.TreeItem
			if job.Error == nil {
				subtrees := job.Tree.Subtrees()
				for i := len(subtrees) - 1; i >= 0; i-- {
					id := subtrees[i]
					if id.IsNull() {
						continue
					}
					backlog = append(backlog, trackedID{ID: id, rootIdx: -1})
				}
			}
			outCh = out

		case outCh <- job:
			outCh = nil
		}
	}
}

// StreamTrees iteratively loads the given trees and their subtrees. The skip
// method is guaranteed to always be called from the same goroutine. To shut
// down the started goroutines, either read all items from the channel or
// cancel the context. Then Wait() on the errgroup until all goroutines have
// stopped.
func StreamTrees(ctx context.Context, wg *errgroup.Group, repo BlobLoader, trees IDs, skip func(tree ID) bool) <-chan TreeItem {
	loaderChan := make(chan trackedID)
	loadedTreeChan := make(chan trackedTreeItem)
	treeStream := make(chan TreeItem)

	var loadTreeWg sync.WaitGroup

	workerCount := int(repo.Connections()) + streamTreeParallelism
	if workerCount > 2*runtime.GOMAXPROCS(0) {
		workerCount = 2 * runtime.GOMAXPROCS(0)
	}
	for i := 0; i < workerCount; i++ {
		loadTreeWg.Add(1)
		wg.Go(func() error {
			defer loadTreeWg.Done()
			loadTreeWorker(ctx, repo, loaderChan, loadedTreeChan)
			return nil
		})
	}

	// close once all loadTreeWorkers have completed
	wg.Go(func() error {
		loadTreeWg.Wait()
		close(loadedTreeChan)
		return nil
	})

	wg.Go(func() error {
		defer close(loaderChan)
		defer close(treeStream)
		filterTrees(ctx, trees, loaderChan, loadedTreeChan, treeStream, skip)
		return nil
	})
	return treeStream
}
