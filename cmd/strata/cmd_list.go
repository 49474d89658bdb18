package main

import (
	"context"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/index"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
)

func newListCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list [flags] [blobs|packs|index|snapshots|keys|locks]",
		Short: "List objects in the repository",
		Long: `
The "list" command allows listing objects in the repository based on type.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runList(cmd.Context(), globalOptions, args)
		},
	}
	return cmd
}

func runList(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("type not specified")
	}

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock || args[0] == "locks")
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var t strata.FileType
	switch args[0] {
	case "packs":
		t = strata.PackFile
	case "index":
		t = strata.IndexFile
	case "snapshots":
		t = strata.SnapshotFile
	case "keys":
		t = strata.KeyFile
	case "locks":
		t = strata.LockFile
	case "blobs":
		return index.ForAllIndexes(ctx, repo, repo, func(_ strata.ID, idx *index.Index, _ bool, err error) error {
			if err != nil {
				return err
			}
			return idx.Each(ctx, func(blob strata.PackedBlob) {
				Printf("%v %v\n", blob.Type, blob.ID)
			})
		})
	default:
		return errors.Fatal("invalid type")
	}

	return repo.List(ctx, t, func(id strata.ID, _ int64) error {
		Printf("%s\n", id)
		return nil
	})
}
