package main

import (
	"context"

	"github.com/strata-backup/strata/internal/checker"
	"github.com/strata-backup/strata/internal/errors"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newCheckCommand() *cobra.Command {
	var opts CheckOptions

	cmd := &cobra.Command{
		Use:   "check [flags]",
		Short: "Check the repository for errors",
		Long: `
The "check" command tests the repository for errors and reports any errors it
finds. It can also be used to read all data and therefore simulate a restore.

By default, the "check" command will always load all data directly from the
repository and not use a local cache.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCheck(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// CheckOptions bundles all options for the check command.
type CheckOptions struct {
	ReadData    bool
	CheckUnused bool
}

func (opts *CheckOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVar(&opts.ReadData, "read-data", false, "read all data blobs")
	f.BoolVar(&opts.CheckUnused, "check-unused", false, "find unused blobs")
}

func runCheck(ctx context.Context, opts CheckOptions, gopts GlobalOptions, args []string) error {
	if len(args) != 0 {
		return errors.Fatal("the check command expects no arguments, only options")
	}

	ctx, lock, repo, err := openWithExclusiveLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	chkr := checker.New(repo, opts.CheckUnused)
	err = chkr.LoadSnapshots(ctx)
	if err != nil {
		return err
	}

	Verbosef("load indexes\n")
	bar := newTerminalProgressMax(!gopts.Quiet, 0, "index files loaded")
	hints, errs := chkr.LoadIndex(ctx, bar)

	errorsFound := false
	suggestIndexRebuild := false
	for _, hint := range hints {
		switch hint.(type) {
		case *checker.ErrDuplicatePacks, *checker.ErrOldIndexFormat:
			Printf("%v\n", hint)
			suggestIndexRebuild = true
		case *checker.ErrMixedPack:
			Printf("%v\n", hint)
		default:
			Warnf("error: %v\n", hint)
			errorsFound = true
		}
	}

	if suggestIndexRebuild {
		Printf("Duplicate packs or legacy indexes are non-critical, you can run `strata prune` to correct this.\n")
	}

	for _, err := range errs {
		errorsFound = true
		Warnf("error: %v\n", err)
	}

	if errorsFound {
		return errors.Fatal("LoadIndex returned errors")
	}

	orphanedPacks := 0
	errChan := make(chan error)

	Verbosef("check all packs\n")
	go chkr.Packs(ctx, errChan)

	for err := range errChan {
		var packErr *checker.PackError
		if errors.As(err, &packErr) && packErr.Orphaned {
			orphanedPacks++
			Verbosef("%v\n", err)
			continue
		}
		errorsFound = true
		Warnf("%v\n", err)
	}

	if orphanedPacks > 0 {
		Verbosef("%d additional files were found in the repo, which likely contain duplicate data.\nThis is non-critical, you can run `strata prune` to correct this.\n", orphanedPacks)
	}

	Verbosef("check snapshots, trees and blobs\n")
	errChan = make(chan error)
	go func() {
		bar := newTerminalProgressMax(!gopts.Quiet, 0, "snapshots")
		defer bar.Done()
		chkr.Structure(ctx, bar, errChan)
	}()

	for err := range errChan {
		errorsFound = true
		if e, ok := err.(*checker.TreeError); ok {
			Warnf("error for tree %v:\n", e.ID.Str())
			for _, treeErr := range e.Errors {
				Warnf("  %v\n", treeErr)
			}
		} else {
			Warnf("error: %v\n", err)
		}
	}

	if opts.CheckUnused {
		unused, err := chkr.UnusedBlobs(ctx)
		if err != nil {
			return err
		}
		for _, id := range unused {
			Verbosef("unused blob %v\n", id)
			errorsFound = true
		}
	}

	if opts.ReadData {
		Verbosef("read all data\n")
		errChan = make(chan error)
		go func() {
			bar := newTerminalProgressMax(!gopts.Quiet, chkr.CountPacks(), "packs")
			defer bar.Done()
			chkr.ReadPacks(ctx, chkr.GetPacks(), bar, errChan)
		}()

		for err := range errChan {
			errorsFound = true
			Warnf("%v\n", err)
		}
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if errorsFound {
		return errors.Fatal("repository contains errors")
	}

	Verbosef("no errors were found\n")
	return nil
}
