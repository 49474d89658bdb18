// Package walker traverses the directory trees stored in a repository.
package walker

import (
	"context"
	"path"
	"sort"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// ErrSkipNode is returned by WalkFunc when a dir node should not be walked.
var ErrSkipNode = errors.New("skip this node")

// WalkFunc is the type of the function called for each node visited by Walk.
// Path is the slash-separated path from the root node. If there was a problem
// loading a node, err is set to a non-nil error. WalkFunc can chose to ignore
// it by returning nil.
//
// When the special value ErrSkipNode is returned and node is a dir node, it is
// not walked. When the node is not a dir node, the remaining items in this
// tree are skipped.
type WalkFunc func(parentTreeID strata.ID, path string, node *strata.Node, nodeErr error) (err error)

type WalkVisitor struct {
	// ProcessNode is called for each node. If the node is a dir, it will be
	// entered afterwards unless ErrSkipNode was returned. This function is
	// mandatory.
	ProcessNode WalkFunc
	// LeaveDir is called when all nodes of a dir have been processed.
	// Optional.
	LeaveDir func(path string)
}

// Walk calls the visitor recursively for each node in root. If ProcessNode
// returns an error, it is passed up the call stack.
func Walk(ctx context.Context, repo strata.BlobLoader, root strata.ID, visitor WalkVisitor) error {
	tree, err := strata.LoadTree(ctx, repo, root)
	err = visitor.ProcessNode(root, "/", nil, err)

	if err != nil {
		if err == ErrSkipNode {
			err = nil
		}
		return err
	}

	return walk(ctx, repo, "/", root, tree, visitor)
}

// walk recursively traverses the tree, nodes are visited in sorted order.
func walk(ctx context.Context, repo strata.BlobLoader, prefix string, parentTreeID strata.ID, tree *strata.Tree, visitor WalkVisitor) (err error) {
	sort.Slice(tree.Nodes, func(i, j int) bool {
		return tree.Nodes[i].Name < tree.Nodes[j].Name
	})

	for _, node := range tree.Nodes {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		p := path.Join(prefix, node.Name)

		if node.Type == strata.NodeTypeInvalid {
			return errors.Errorf("node type is empty for node %q", node.Name)
		}

		if node.Type != strata.NodeTypeDir {
			err := visitor.ProcessNode(parentTreeID, p, node, nil)
			if err != nil {
				if err == ErrSkipNode {
					// skip the remaining entries in this tree
					break
				}

				return err
			}

			continue
		}

		if node.Subtree == nil {
			return errors.Errorf("subtree for node %v in tree %v is nil", node.Name, p)
		}

		subtree, err := strata.LoadTree(ctx, repo, *node.Subtree)
		err = visitor.ProcessNode(parentTreeID, p, node, err)
		if err != nil {
			if err == ErrSkipNode {
				continue
			}
			return err
		}

		err = walk(ctx, repo, p, *node.Subtree, subtree, visitor)
		if err != nil {
			return err
		}
	}

	if visitor.LeaveDir != nil {
		visitor.LeaveDir(prefix)
	}

	return nil
}
