// Package archiver contains the code which reads files, splits them into
// blobs and saves the data to the repository.
package archiver

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"

	"golang.org/x/sync/errgroup"
)

// SelectFunc returns true for all items that should be included (files and
// dirs). If false is returned, files are ignored and dirs are not even walked.
type SelectFunc func(item string, fi os.FileInfo) bool

// ErrorFunc is called when an error during archiving occurs. When nil is
// returned, the archiver continues, otherwise it aborts and passes the error
// up the call stack.
type ErrorFunc func(file string, err error) error

// ItemStats collects some statistics about a particular file or directory.
type ItemStats struct {
	DataBlobs      int    // number of new data blobs added for an item
	DataSize       uint64 // sum of the sizes of all new data blobs
	DataSizeInRepo uint64 // sum of the bytes added to the repository (after compression and encryption)
	TreeBlobs      int    // number of new tree blobs added for an item
	TreeSize       uint64 // sum of the sizes of all new tree blobs
	TreeSizeInRepo uint64 // sum of the bytes added to the repository (after compression and encryption)
}

// Add adds other to the current ItemStats.
func (s *ItemStats) Add(other ItemStats) {
	s.DataBlobs += other.DataBlobs
	s.DataSize += other.DataSize
	s.DataSizeInRepo += other.DataSizeInRepo
	s.TreeBlobs += other.TreeBlobs
	s.TreeSize += other.TreeSize
	s.TreeSizeInRepo += other.TreeSizeInRepo
}

type futureNodeResult struct {
	snPath, target string

	node  *strata.Node
	stats ItemStats
	err   error
}

type futureNode struct {
	ch  <-chan futureNodeResult
	res *futureNodeResult
}

func newFutureNode() (futureNode, chan futureNodeResult) {
	ch := make(chan futureNodeResult, 1)
	return futureNode{ch: ch}, ch
}

func newFutureNodeWithResult(res futureNodeResult) futureNode {
	return futureNode{
		res: &res,
	}
}

func (fn *futureNode) take(ctx context.Context) futureNodeResult {
	if fn.res != nil {
		res := fn.res
		// free result
		fn.res = nil
		return *res
	}
	select {
	case res, ok := <-fn.ch:
		if ok {
			// free channel
			fn.ch = nil
			return res
		}
	case <-ctx.Done():
		return futureNodeResult{err: ctx.Err()}
	}
	return futureNodeResult{err: errors.Errorf("no result")}
}

// Archiver saves a directory structure to the repo.
type Archiver struct {
	Repo strata.Repository
	FS   FS

	blobSaver *blobSaver
	fileSaver *fileSaver
	treeSaver *treeSaver

	Select SelectFunc
	Error  ErrorFunc

	Options Options

	// CompleteItem is called for all files and dirs once they have been
	// processed successfully. The parameter item contains the path as it will
	// be in the snapshot after saving. s contains some statistics about this
	// particular file/dir.
	//
	// CompleteItem may be called asynchronously from several different
	// goroutines!
	CompleteItem func(item string, previous, current *strata.Node, s ItemStats, d time.Duration)

	// StartFile is called when a file is being processed by a worker.
	StartFile func(filename string)

	// CompleteBlob is called for all saved blobs for files.
	CompleteBlob func(bytes uint64)
}

// Options is used to configure the archiver.
type Options struct {
	// ReadConcurrency sets how many files are read in concurrently. If
	// it's set to zero, at most two files are read in concurrently (which
	// turned out to be a good default for most situations).
	ReadConcurrency uint

	// SaveBlobConcurrency sets how many blobs are hashed and saved
	// concurrently. If it's set to zero, the default is the number of CPUs
	// available in the system.
	SaveBlobConcurrency uint

	// SaveTreeConcurrency sets how many trees are marshalled and saved to the
	// repo concurrently.
	SaveTreeConcurrency uint
}

// ApplyDefaults returns a copy of o with the default options set for all unset
// fields.
func (o Options) ApplyDefaults() Options {
	if o.ReadConcurrency == 0 {
		o.ReadConcurrency = 2
	}

	if o.SaveBlobConcurrency == 0 {
		// blob saving is CPU bound due to hash checking and encryption
		o.SaveBlobConcurrency = uint(runtime.GOMAXPROCS(0))
	}

	if o.SaveTreeConcurrency == 0 {
		// can either wait for a file, wait for a tree, serialize a tree or
		// marshal saved trees, so there are multiple blocking points
		o.SaveTreeConcurrency = o.SaveBlobConcurrency * 20
	}

	return o
}

// New initializes a new archiver.
func New(repo strata.Repository, filesystem FS, opts Options) *Archiver {
	arch := &Archiver{
		Repo:    repo,
		FS:      filesystem,
		Options: opts.ApplyDefaults(),

		Select:       func(string, os.FileInfo) bool { return true },
		CompleteItem: func(string, *strata.Node, *strata.Node, ItemStats, time.Duration) {},
		StartFile:    func(string) {},
		CompleteBlob: func(uint64) {},
	}

	return arch
}

// error calls arch.Error if it is set and the error is different from
// context.Canceled.
func (arch *Archiver) error(item string, err error) error {
	if arch.Error == nil || err == nil {
		return err
	}

	if errors.Is(err, context.Canceled) {
		return err
	}

	errf := arch.Error(item, err)
	if err != errf {
		debug.Log("item %v: error was filtered by handler, before: %q, after: %v", item, err, errf)
	}
	return errf
}

func (arch *Archiver) nodeFromFileInfo(snPath, filename string, fi os.FileInfo) (*strata.Node, error) {
	node, err := strata.NodeFromFileInfo(filename, fi)
	if err != nil {
		err = errors.Errorf("incomplete metadata for %v: %v", filename, err)
		return node, arch.error(filename, err)
	}
	return node, err
}

// save saves a target (file or directory) to the repo.
//
// save returns a futureNode which may contain a nil node (in case the file or
// directory was not selected).
//
// snPath is the path within the current snapshot.
func (arch *Archiver) save(ctx context.Context, snPath, target string) (fn futureNode, excluded bool, err error) {
	start := time.Now()

	debug.Log("%v target %q", snPath, target)

	abstarget, err := arch.FS.Abs(target)
	if err != nil {
		return futureNode{}, false, err
	}

	fi, err := arch.FS.Lstat(target)
	if err != nil {
		debug.Log("lstat() for %v returned error: %v", target, err)
		err = arch.error(abstarget, err)
		if err != nil {
			return futureNode{}, false, errors.WithStack(err)
		}
		return futureNode{}, true, nil
	}

	if !arch.Select(abstarget, fi) {
		debug.Log("%v is excluded", target)
		return futureNode{}, true, nil
	}

	switch {
	case fi.Mode().IsRegular():
		debug.Log("  %v regular file", target)

		// open the file to read the contents
		file, err := arch.FS.OpenFile(target)
		if err != nil {
			debug.Log("Openfile() for %v returned error: %v", target, err)
			err = arch.error(abstarget, err)
			if err != nil {
				return futureNode{}, false, errors.WithStack(err)
			}
			return futureNode{}, true, nil
		}

		// make sure it's still a file
		fi, err = file.Stat()
		if err != nil {
			err = arch.error(abstarget, errors.WithStack(err))
			_ = file.Close()
			if err != nil {
				return futureNode{}, false, err
			}
			return futureNode{}, true, nil
		}
		if !fi.Mode().IsRegular() {
			err = arch.error(abstarget, errors.New("file type changed"))
			_ = file.Close()
			if err != nil {
				return futureNode{}, false, err
			}
			return futureNode{}, true, nil
		}

		fn = arch.fileSaver.Save(ctx, snPath, target, file, fi, func() {
			arch.StartFile(snPath)
		}, func() {
		}, func(node *strata.Node, stats ItemStats) {
			arch.CompleteItem(snPath, nil, node, stats, time.Since(start))
		})

	case fi.Mode().IsDir():
		debug.Log("  %v dir", target)

		snItem := snPath + "/"
		fn, err = arch.saveDir(ctx, snPath, target, fi,
			func(node *strata.Node, stats ItemStats) {
				arch.CompleteItem(snItem, nil, node, stats, time.Since(start))
			})
		if err != nil {
			debug.Log("error saving dir %v: %v", target, err)
			return futureNode{}, false, err
		}

	case fi.Mode()&os.ModeSocket > 0:
		debug.Log("  %v is a socket, ignoring", target)
		return futureNode{}, true, nil

	default:
		debug.Log("  %v other", target)

		node, err := arch.nodeFromFileInfo(snPath, target, fi)
		if err != nil {
			return futureNode{}, false, err
		}
		fn = newFutureNodeWithResult(futureNodeResult{
			snPath: snPath,
			target: target,
			node:   node,
		})
	}

	debug.Log("return after %.3f", time.Since(start).Seconds())

	return fn, false, nil
}

// saveDir stores a directory in the repo and returns the node. snPath is the
// path within the current snapshot.
func (arch *Archiver) saveDir(ctx context.Context, snPath string, dir string, fi os.FileInfo, complete CompleteFunc) (d futureNode, err error) {
	debug.Log("%v %v", snPath, dir)

	treeNode, err := arch.nodeFromFileInfo(snPath, dir, fi)
	if err != nil {
		return futureNode{}, err
	}

	names, err := arch.readdirnames(dir)
	if err != nil {
		return futureNode{}, err
	}
	sort.Strings(names)

	nodes := make([]futureNode, 0, len(names))

	for _, name := range names {
		// test if context has been cancelled
		if ctx.Err() != nil {
			debug.Log("context has been cancelled, aborting")
			return futureNode{}, ctx.Err()
		}

		pathname := arch.FS.Join(dir, name)
		fn, excluded, err := arch.save(ctx, join(snPath, name), pathname)

		// return error early if possible
		if err != nil {
			err = arch.error(pathname, err)
			if err == nil {
				// ignore error
				continue
			}

			return futureNode{}, err
		}

		if excluded {
			continue
		}

		nodes = append(nodes, fn)
	}

	fn := arch.treeSaver.Save(ctx, snPath, dir, treeNode, nodes, complete)

	return fn, nil
}

func (arch *Archiver) readdirnames(dir string) ([]string, error) {
	entries, err := arch.FS.ReadDir(dir)
	if err != nil {
		err = arch.error(dir, errors.Wrap(err, "ReadDir"))
		if err != nil {
			return nil, err
		}
		return nil, nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names, nil
}

// join returns the path within the snapshot for name below snPath.
func join(snPath, name string) string {
	if snPath == "/" {
		return snPath + name
	}
	return snPath + "/" + name
}

// SnapshotOptions collect attributes for a new snapshot.
type SnapshotOptions struct {
	Tags     []string
	Hostname string
	Excludes []string
	Time     time.Time
}

// runWorkers starts the worker pools, which are stopped when the context is
// cancelled or all their input channels are closed.
func (arch *Archiver) runWorkers(ctx context.Context, wg *errgroup.Group) {
	arch.blobSaver = newBlobSaver(ctx, wg, arch.Repo, arch.Options.SaveBlobConcurrency)

	arch.fileSaver = newFileSaver(ctx, wg,
		arch.blobSaver.Save,
		arch.Repo.Config().ChunkerPolynomial,
		arch.Options.ReadConcurrency,
		arch.Options.SaveBlobConcurrency)
	arch.fileSaver.CompleteBlob = arch.CompleteBlob
	arch.fileSaver.NodeFromFileInfo = arch.nodeFromFileInfo

	arch.treeSaver = newTreeSaver(ctx, wg, arch.Options.SaveTreeConcurrency, arch.blobSaver.Save, arch.Error)
}

func (arch *Archiver) stopWorkers() {
	arch.blobSaver.TriggerShutdown()
	arch.fileSaver.TriggerShutdown()
	arch.treeSaver.TriggerShutdown()
	arch.blobSaver = nil
	arch.fileSaver = nil
	arch.treeSaver = nil
}

// Snapshot saves several targets and returns a snapshot.
func (arch *Archiver) Snapshot(ctx context.Context, targets []string, opts SnapshotOptions) (*strata.Snapshot, strata.ID, error) {
	cleanTargets, err := resolveRelativeTargets(arch.FS, targets)
	if err != nil {
		return nil, strata.ID{}, err
	}

	if len(cleanTargets) == 0 {
		return nil, strata.ID{}, errors.New("nothing to back up")
	}

	var rootTreeID strata.ID

	wgUp, wgUpCtx := errgroup.WithContext(ctx)
	arch.Repo.StartPackUploader(wgUpCtx, wgUp)

	wgUp.Go(func() error {
		wg, wgCtx := errgroup.WithContext(wgUpCtx)
		start := time.Now()

		wg.Go(func() error {
			arch.runWorkers(wgCtx, wg)

			debug.Log("starting snapshot")
			fn, err := arch.saveTargets(wgCtx, cleanTargets)
			if err != nil {
				return err
			}

			fnr := fn.take(wgCtx)
			if fnr.err != nil {
				return fnr.err
			}

			if wgCtx.Err() != nil {
				return wgCtx.Err()
			}

			if fnr.node == nil {
				return errors.Errorf("snapshot is empty")
			}

			rootTreeID = *fnr.node.Subtree
			arch.stopWorkers()
			arch.CompleteItem("/", nil, nil, fnr.stats, time.Since(start))
			return nil
		})

		err = wg.Wait()
		debug.Log("err is %v", err)

		if err != nil {
			debug.Log("error while saving tree: %v", err)
			return err
		}

		return arch.Repo.Flush(ctx)
	})
	err = wgUp.Wait()
	if err != nil {
		return nil, strata.ID{}, err
	}

	sn, err := strata.NewSnapshot(targets, opts.Tags, opts.Hostname, opts.Time)
	if err != nil {
		return nil, strata.ID{}, err
	}

	sn.Excludes = opts.Excludes
	sn.Tree = &rootTreeID

	id, err := strata.SaveSnapshot(ctx, arch.Repo, sn)
	if err != nil {
		return nil, strata.ID{}, err
	}

	return sn, id, nil
}

// saveTargets saves all targets and wraps them in a single root tree. The
// returned futureNode resolves to the root node once all targets are done.
func (arch *Archiver) saveTargets(ctx context.Context, targets []string) (futureNode, error) {
	nodes := make([]futureNode, 0, len(targets))

	for _, target := range targets {
		fn, excluded, err := arch.save(ctx, path.Join("/", filepath.Base(target)), target)
		if err != nil {
			err = arch.error(target, err)
			if err == nil {
				continue
			}
			return futureNode{}, err
		}
		if excluded {
			continue
		}
		nodes = append(nodes, fn)
	}

	rootNode := &strata.Node{
		Type: strata.NodeTypeDir,
		Name: "",
	}

	fn := arch.treeSaver.Save(ctx, "/", "/", rootNode, nodes, nil)
	return fn, nil
}

// resolveRelativeTargets replaces targets that only contain relative
// directories ("." or "../../") with the contents of the directory. Each
// element of target is processed with fs.Clean(). Empty targets and
// duplicates are dropped, the result is sorted so that the assembled root
// tree is in order.
func resolveRelativeTargets(filesys FS, targets []string) ([]string, error) {
	debug.Log("targets before resolving: %v", targets)
	result := make([]string, 0, len(targets))
	seen := make(map[string]struct{})
	for _, target := range targets {
		if target != "" {
			target = filepath.Clean(target)
		}
		if target == "" {
			continue
		}

		pc, _ := pathComponents(target)
		if len(pc) > 0 {
			if _, ok := seen[target]; !ok {
				seen[target] = struct{}{}
				result = append(result, target)
			}
			continue
		}

		debug.Log("replacing %q with readdir(%q)", target, target)
		entries, err := filesys.ReadDir(target)
		if err != nil {
			return nil, errors.Wrap(err, "ReadDir")
		}

		for _, entry := range entries {
			name := filesys.Join(target, entry.Name())
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				result = append(result, name)
			}
		}
	}

	sort.Slice(result, func(i, j int) bool {
		return filepath.Base(result[i]) < filepath.Base(result[j])
	})

	debug.Log("targets after resolving: %v", result)
	return result, nil
}

// pathComponents returns all path components of p that name real files or
// directories, skipping "." and "..". rooted is true if p is absolute.
func pathComponents(p string) (components []string, rooted bool) {
	if p == "" {
		return nil, false
	}

	p = filepath.ToSlash(p)
	rooted = strings.HasPrefix(p, "/")

	for _, name := range strings.Split(p, "/") {
		if name == "" || name == "." || name == ".." {
			continue
		}
		components = append(components, name)
	}

	return components, rooted
}
