// Package restorer materializes snapshots onto the local filesystem.
package restorer

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/progress"
	"github.com/strata-backup/strata/internal/strata"
)

// Restorer is used to restore a snapshot to a directory.
type Restorer struct {
	repo strata.Repository
	sn   *strata.Snapshot
	opts Options

	Error func(location string, err error) error
	Warn  func(message string)
	// SelectFilter determines whether the item is selected for restore and
	// whether a child of the item may be selected.
	SelectFilter func(item string, isDir bool) (selectedForRestore bool, childMayBeSelected bool)
}

var restorerAbortOnAllErrors = func(_ string, err error) error { return err }

// Options collect attributes for a restore.
type Options struct {
	DryRun   bool
	Progress *progress.Counter
}

// NewRestorer creates a restorer preloaded with the content from the snapshot sn.
func NewRestorer(repo strata.Repository, sn *strata.Snapshot, opts Options) *Restorer {
	r := &Restorer{
		repo:         repo,
		opts:         opts,
		Error:        restorerAbortOnAllErrors,
		Warn:         func(string) {},
		SelectFilter: func(string, bool) (bool, bool) { return true, true },
		sn:           sn,
	}

	return r
}

type treeVisitor struct {
	enterDir  func(node *strata.Node, target, location string) error
	visitNode func(node *strata.Node, target, location string) error
	leaveDir  func(node *strata.Node, target, location string) error
}

func (res *Restorer) sanitizeError(location string, err error) error {
	switch err {
	case nil, context.Canceled, context.DeadlineExceeded:
		// Context errors are permanent.
		return err
	default:
		return res.Error(location, err)
	}
}

// traverseTree traverses a tree from the repo and calls treeVisitor.
// target is the path in the file system, location within the snapshot.
func (res *Restorer) traverseTree(ctx context.Context, target string, treeID strata.ID, visitor treeVisitor) error {
	location := string(filepath.Separator)

	if visitor.enterDir != nil {
		err := res.sanitizeError(location, visitor.enterDir(nil, target, location))
		if err != nil {
			return err
		}
	}

	hasRestored, err := res.traverseTreeInner(ctx, target, location, treeID, visitor)
	if err != nil {
		return err
	}

	if hasRestored && visitor.leaveDir != nil {
		err = res.sanitizeError(location, visitor.leaveDir(nil, target, location))
	}

	return err
}

func (res *Restorer) traverseTreeInner(ctx context.Context, target, location string, treeID strata.ID, visitor treeVisitor) (hasRestored bool, err error) {
	debug.Log("%v %v %v", target, location, treeID)
	tree, err := strata.LoadTree(ctx, res.repo, treeID)
	if err != nil {
		debug.Log("error loading tree %v: %v", treeID, err)
		return hasRestored, res.sanitizeError(location, err)
	}

	for i, node := range tree.Nodes {
		if ctx.Err() != nil {
			return hasRestored, ctx.Err()
		}

		// allow GC of tree node
		tree.Nodes[i] = nil

		// ensure that the node name does not contain anything that refers to
		// a top-level directory
		nodeName := filepath.Base(filepath.Join(string(filepath.Separator), node.Name))
		if nodeName != node.Name {
			debug.Log("node %q has invalid name %q", node.Name, nodeName)
			err := res.sanitizeError(location, errors.Errorf("invalid child node name %s", node.Name))
			if err != nil {
				return hasRestored, err
			}
			continue
		}

		nodeTarget := filepath.Join(target, nodeName)
		nodeLocation := filepath.Join(location, nodeName)

		if target == nodeTarget || !hasPathPrefix(target, nodeTarget) {
			debug.Log("node %q has invalid target path %q", node.Name, nodeTarget)
			err := res.sanitizeError(nodeLocation, errors.New("node has invalid path"))
			if err != nil {
				return hasRestored, err
			}
			continue
		}

		// sockets cannot be restored
		if node.Type == strata.NodeTypeInvalid {
			continue
		}

		selectedForRestore, childMayBeSelected := res.SelectFilter(nodeLocation, node.Type == strata.NodeTypeDir)
		debug.Log("SelectFilter returned %v %v for %q", selectedForRestore, childMayBeSelected, nodeLocation)

		if selectedForRestore {
			hasRestored = true
		}

		if node.Type == strata.NodeTypeDir {
			if node.Subtree == nil {
				return hasRestored, errors.Errorf("Dir without subtree in tree %v", treeID.Str())
			}

			if selectedForRestore && visitor.enterDir != nil {
				err = res.sanitizeError(nodeLocation, visitor.enterDir(node, nodeTarget, nodeLocation))
				if err != nil {
					return hasRestored, err
				}
			}

			// keep track of restored child status so metadata of the current
			// directory is restored on leaveDir
			childHasRestored := false

			if childMayBeSelected {
				childHasRestored, err = res.traverseTreeInner(ctx, nodeTarget, nodeLocation, *node.Subtree, visitor)
				err = res.sanitizeError(nodeLocation, err)
				if err != nil {
					return hasRestored, err
				}
				if childHasRestored {
					hasRestored = true
				}
			}

			// metadata needs to be restored when leaving the directory in
			// both cases: selected for restore or any child was restored
			if (selectedForRestore || childHasRestored) && visitor.leaveDir != nil {
				err = res.sanitizeError(nodeLocation, visitor.leaveDir(node, nodeTarget, nodeLocation))
				if err != nil {
					return hasRestored, err
				}
			}

			continue
		}

		if selectedForRestore {
			err = res.sanitizeError(nodeLocation, visitor.visitNode(node, nodeTarget, nodeLocation))
			if err != nil {
				return hasRestored, err
			}
		}
	}

	return hasRestored, nil
}

func (res *Restorer) restoreNodeTo(node *strata.Node, target, location string) error {
	if !res.opts.DryRun {
		debug.Log("restoreNode %v %v %v", node.Name, target, location)
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return errors.Wrap(err, "RemoveNode")
		}

		err := node.CreateAt(target)
		if err != nil {
			debug.Log("node.CreateAt(%s) error %v", target, err)
			return err
		}
	}

	res.opts.Progress.Add(1)
	return res.restoreNodeMetadataTo(node, target, location)
}

func (res *Restorer) restoreEmptyFileAt(target string) error {
	if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.WithStack(err)
	}

	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return errors.WithStack(err)
	}

	res.opts.Progress.Add(1)
	return nil
}

func (res *Restorer) restoreNodeMetadataTo(node *strata.Node, target, location string) error {
	if res.opts.DryRun {
		return nil
	}
	debug.Log("restoreNodeMetadata %v %v %v", node.Name, target, location)
	err := node.RestoreMetadata(target, res.Warn)
	if err != nil {
		debug.Log("node.RestoreMetadata(%s) error %v", target, err)
	}
	return err
}

func (res *Restorer) ensureDir(target string) error {
	if res.opts.DryRun {
		return nil
	}

	fi, err := os.Lstat(target)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return errors.Wrapf(err, "failed to check for directory")
	}
	if err == nil && !fi.IsDir() {
		// try to cleanup unexpected file
		if err := os.Remove(target); err != nil {
			return errors.Wrapf(err, "failed to remove stale item")
		}
	}

	return errors.Wrap(os.MkdirAll(target, 0700), "MkdirAll")
}

// RestoreTo creates the directories and files in the snapshot below dst.
// Before an item is created, res.SelectFilter is called.
func (res *Restorer) RestoreTo(ctx context.Context, dst string) error {
	var err error
	if !filepath.IsAbs(dst) {
		dst, err = filepath.Abs(dst)
		if err != nil {
			return errors.Wrap(err, "Abs")
		}
	}

	idx := NewHardlinkIndex[string]()
	filerestorer := newFileRestorer(dst, res.repo.LoadBlobsFromPack, res.repo.LookupBlob, res.repo.Connections())
	filerestorer.Error = res.Error
	filerestorer.Warn = res.Warn

	debug.Log("first pass for %q", dst)

	// first tree pass: create directories and collect all files to restore
	err = res.traverseTree(ctx, dst, *res.sn.Tree, treeVisitor{
		enterDir: func(_ *strata.Node, target, location string) error {
			debug.Log("first pass, enterDir: mkdir %q, leaveDir should restore metadata", location)
			res.opts.Progress.Add(1)
			// create dir with default permissions
			// #leaveDir restores dir metadata after visiting/restoring all files
			return res.ensureDir(target)
		},

		visitNode: func(node *strata.Node, target, location string) error {
			debug.Log("first pass, visitNode: mkdir %q, %v", location, node.Type)
			// create parent dir with default permissions
			// second pass #leaveDir restores dir metadata after visiting/restoring all files
			// starting from the second pass, restorer will stop touching shared
			// directories
			err := res.ensureDir(filepath.Dir(target))
			if err != nil {
				return err
			}

			if node.Type != strata.NodeTypeFile {
				return nil
			}

			if node.Links > 1 {
				if idx.Has(node.Inode, node.DeviceID) {
					return nil
				}
				idx.Add(node.Inode, node.DeviceID, location)
			}

			if res.opts.DryRun {
				res.opts.Progress.Add(1)
				return nil
			}

			// the file restorer tracks files by their content blobs, files
			// without content have to be created here
			if node.Size == 0 {
				return res.restoreEmptyFileAt(target)
			}

			filerestorer.addFile(location, node.Content, int64(node.Size))
			return nil
		},
	})
	if err != nil {
		return err
	}

	if !res.opts.DryRun {
		err = filerestorer.restoreFiles(ctx)
		if err != nil {
			return err
		}
	}

	debug.Log("second pass for %q", dst)

	// second tree pass: restore special files and filesystem metadata
	return res.traverseTree(ctx, dst, *res.sn.Tree, treeVisitor{
		visitNode: func(node *strata.Node, target, location string) error {
			debug.Log("second pass, visitNode: restore node %q", location)
			if node.Type != strata.NodeTypeFile {
				return res.restoreNodeTo(node, target, location)
			}

			if node.Links > 1 {
				origin := idx.Value(node.Inode, node.DeviceID)
				if origin != location {
					if !res.opts.DryRun {
						originTarget := filepath.Join(dst, origin)
						if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
							return errors.Wrap(err, "RemoveCreateHardlink")
						}
						if err := os.Link(originTarget, target); err != nil {
							return errors.WithStack(err)
						}
					}
					res.opts.Progress.Add(1)
					return res.restoreNodeMetadataTo(node, target, location)
				}
			}

			res.opts.Progress.Add(1)
			return res.restoreNodeMetadataTo(node, target, location)
		},
		leaveDir: func(node *strata.Node, target, location string) error {
			if node == nil {
				return nil
			}
			err := res.restoreNodeMetadataTo(node, target, location)
			if err == nil {
				res.opts.Progress.Add(1)
			}
			return err
		},
	})
}

// Snapshot returns the snapshot this restorer is configured to use.
func (res *Restorer) Snapshot() *strata.Snapshot {
	return res.sn
}

// hasPathPrefix returns true if p is a subdir of (or a file within) base. It
// assumes a file system which is case sensitive. If the paths are not of the
// same type (one relative, one absolute), false is returned.
func hasPathPrefix(base, p string) bool {
	if base == p {
		return true
	}
	for {
		dir := filepath.Dir(p)
		if base == dir {
			return true
		}
		if p == dir || strings.HasSuffix(dir, string(filepath.Separator)) {
			return false
		}
		p = dir
	}
}
