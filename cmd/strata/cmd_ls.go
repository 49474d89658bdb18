package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	"github.com/strata-backup/strata/internal/walker"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newLsCommand() *cobra.Command {
	var opts LsOptions

	cmd := &cobra.Command{
		Use:   "ls [flags] snapshotID",
		Short: "List files in a snapshot",
		Long: `
The "ls" command lists files and directories in a snapshot.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLs(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// LsOptions bundles all options for the ls command.
type LsOptions struct {
	ListLong  bool
	Recursive bool
}

func (opts *LsOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.ListLong, "long", "l", false, "use a long listing format showing size and mode")
	f.BoolVar(&opts.Recursive, "recursive", true, "include files in subfolders of the listed directories")
}

func runLs(ctx context.Context, opts LsOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("no snapshot ID specified, specify snapshot ID or use special ID 'latest'")
	}

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	sn, _, err := strata.FindSnapshot(ctx, repo, repo, args[0])
	if err != nil {
		return errors.Fatalf("failed to find snapshot: %v", err)
	}

	err = repo.LoadIndex(ctx, nil)
	if err != nil {
		return err
	}

	if !gopts.JSON {
		Verbosef("snapshot %s of %v at %s:\n", sn.ID().Str(), sn.Paths, sn.Time)
	}

	printNode := func(path string, node *strata.Node) error {
		if gopts.JSON {
			return json.NewEncoder(globalOptions.stdout).Encode(lsNode{
				Name: node.Name,
				Type: string(node.Type),
				Path: path,
				Size: node.Size,
				Mode: node.Mode,
			})
		}

		if opts.ListLong {
			Println(formatNode(path, node))
		} else {
			Println(path)
		}
		return nil
	}

	return walker.Walk(ctx, repo, *sn.Tree, walker.WalkVisitor{
		ProcessNode: func(_ strata.ID, nodepath string, node *strata.Node, err error) error {
			if err != nil {
				return err
			}
			if node == nil {
				return nil
			}

			if err := printNode(nodepath, node); err != nil {
				return err
			}

			if node.Type == strata.NodeTypeDir && !opts.Recursive && nodepath != "/" {
				return walker.ErrSkipNode
			}
			return nil
		},
	})
}

type lsNode struct {
	Name string      `json:"name"`
	Type string      `json:"type"`
	Path string      `json:"path"`
	Size uint64      `json:"size,omitempty"`
	Mode os.FileMode `json:"mode,omitempty"`
}

// formatNode returns a one-line textual representation in the style of ls -l.
func formatNode(path string, node *strata.Node) string {
	var mode string
	switch node.Type {
	case strata.NodeTypeFile:
		mode = "-"
	case strata.NodeTypeDir:
		mode = "d"
	case strata.NodeTypeSymlink:
		mode = "l"
	default:
		mode = "?"
	}

	target := ""
	if node.Type == strata.NodeTypeSymlink {
		target = " -> " + node.LinkTarget
	}

	return fmt.Sprintf("%s%s %5d %5d %10d %s %s%s",
		mode, node.Mode.Perm(), node.UID, node.GID, node.Size,
		node.ModTime.Format("2006-01-02 15:04:05"), path, target)
}
