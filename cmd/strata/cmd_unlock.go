package main

import (
	"context"

	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
)

func newUnlockCommand() *cobra.Command {
	var removeAll bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Remove locks other processes created",
		Long: `
The "unlock" command removes stale locks that have been created by other
processes.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runUnlock(cmd.Context(), removeAll, globalOptions)
		},
	}
	cmd.Flags().BoolVar(&removeAll, "remove-all", false, "remove all locks, even non-stale ones")
	return cmd
}

func runUnlock(ctx context.Context, removeAll bool, gopts GlobalOptions) error {
	repo, err := OpenRepository(ctx, gopts)
	if err != nil {
		return err
	}

	fn := strata.RemoveStaleLocks
	if removeAll {
		fn = strata.RemoveAllLocks
	}

	processed, err := fn(ctx, repo)
	if err != nil {
		return err
	}

	if processed > 0 {
		Verbosef("successfully removed %d locks\n", processed)
	}
	return nil
}
