package main

import (
	"context"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newForgetCommand() *cobra.Command {
	var opts ForgetOptions

	cmd := &cobra.Command{
		Use:   "forget [flags] ID [ID...]",
		Short: "Remove snapshots from the repository",
		Long: `
The "forget" command removes snapshots from the repository. When a snapshot
is removed, the data referenced by it is not deleted immediately; run
"prune" afterwards (or pass --prune) to remove the data that has become
unreferenced.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runForget(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// ForgetOptions collects all options for the forget command.
type ForgetOptions struct {
	DryRun bool
	Prune  bool
}

func (opts *ForgetOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not delete anything, just print what would be done")
	f.BoolVar(&opts.Prune, "prune", false, "automatically run the 'prune' command if snapshots have been removed")
}

func runForget(ctx context.Context, opts ForgetOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("no snapshot ID specified")
	}

	ctx, lock, repo, err := openWithExclusiveLock(ctx, gopts, false)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	removed, err := forgetSnapshots(ctx, repo, args, opts.DryRun)
	if err != nil {
		return err
	}

	for _, id := range removed {
		if opts.DryRun {
			Verbosef("would remove snapshot %v\n", id.Str())
		} else {
			Verbosef("removed snapshot %v\n", id.Str())
		}
	}

	if opts.Prune && !opts.DryRun && len(removed) > 0 {
		pruneOpts := PruneOptions{MaxUnused: "5%"}
		if err := verifyPruneOptions(&pruneOpts); err != nil {
			return err
		}
		if repo.Connections() < 2 {
			return errors.Fatal("prune requires a backend connection limit of at least two")
		}
		return runPruneWithRepo(ctx, pruneOpts, gopts, repo)
	}

	return nil
}

// forgetSnapshots resolves the given snapshot ID prefixes and removes the
// snapshot files unless dryRun is set. All IDs are resolved before anything
// is removed, an unknown ID leaves the repository untouched.
func forgetSnapshots(ctx context.Context, repo *repository.Repository, args []string, dryRun bool) ([]strata.ID, error) {
	ids := make([]strata.ID, 0, len(args))
	for _, arg := range args {
		_, id, err := strata.FindSnapshot(ctx, repo, repo, arg)
		if err != nil {
			return nil, errors.Fatalf("could not find snapshot: %v", err)
		}
		ids = append(ids, id)
	}

	if dryRun {
		return ids, nil
	}

	for _, id := range ids {
		if err := repo.RemoveUnpacked(ctx, strata.SnapshotFile, id); err != nil {
			return nil, err
		}
	}
	return ids, nil
}
