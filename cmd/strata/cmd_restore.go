package main

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/restorer"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newRestoreCommand() *cobra.Command {
	var opts RestoreOptions

	cmd := &cobra.Command{
		Use:   "restore [flags] snapshotID",
		Short: "Extract the data from a snapshot",
		Long: `
The "restore" command extracts the data from a snapshot from the repository to
a directory.

The special snapshotID "latest" can be used to restore the latest snapshot in
the repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRestore(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// RestoreOptions bundles all options for the restore command.
type RestoreOptions struct {
	Exclude []string
	Include []string
	Target  string
	DryRun  bool
}

func (opts *RestoreOptions) AddFlags(f *pflag.FlagSet) {
	f.StringArrayVarP(&opts.Exclude, "exclude", "e", nil, "exclude a `pattern` using shell-style wildcards, \"**\" is not supported (can be specified multiple times)")
	f.StringArrayVarP(&opts.Include, "include", "i", nil, "include a `pattern` using shell-style wildcards, exclude everything else (can be specified multiple times)")
	f.StringVarP(&opts.Target, "target", "t", "", "directory to extract data to")
	f.BoolVar(&opts.DryRun, "dry-run", false, "do not write any data, just show what would be done")
}

func runRestore(ctx context.Context, opts RestoreOptions, gopts GlobalOptions, args []string) error {
	hasExcludes := len(opts.Exclude) > 0
	hasIncludes := len(opts.Include) > 0

	switch {
	case len(args) == 0:
		return errors.Fatal("no snapshot ID specified")
	case len(args) > 1:
		return errors.Fatalf("more than one snapshot ID specified: %v", args)
	}

	if opts.Target == "" {
		return errors.Fatal("please specify a directory to restore to (--target)")
	}

	if hasExcludes && hasIncludes {
		return errors.Fatal("exclude and include patterns are mutually exclusive")
	}

	snapshotIDString := args[0]

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	sn, _, err := strata.FindSnapshot(ctx, repo, repo, snapshotIDString)
	if err != nil {
		return errors.Fatalf("failed to find snapshot: %v", err)
	}

	err = repo.LoadIndex(ctx, newTerminalProgressMax(!gopts.Quiet && !gopts.JSON, 0, "index files loaded"))
	if err != nil {
		return err
	}

	res := restorer.NewRestorer(repo, sn, restorer.Options{
		DryRun:   opts.DryRun,
		Progress: newTerminalProgressMax(!gopts.Quiet && !gopts.JSON, 0, "files restored"),
	})

	totalErrors := 0
	res.Error = func(location string, err error) error {
		Warnf("ignoring error for %s: %s\n", location, err)
		totalErrors++
		return nil
	}
	res.Warn = func(message string) {
		Warnf("%s\n", message)
	}

	selectExcludeFilter := func(item string, _ bool) (selectedForRestore bool, childMayBeSelected bool) {
		matched := matchesAny(opts.Exclude, item)
		// An exclude filter is basically a 'wildcard but foo', so even if a
		// childMayMatch, other children of a dir may not, therefore childMayMatch
		// does not matter, but we should not go down unmatched dirs.
		return !matched, !matched
	}

	selectIncludeFilter := func(item string, isDir bool) (selectedForRestore bool, childMayBeSelected bool) {
		matched, childMayMatch := matchesAnyInclude(opts.Include, item)
		return matched, childMayMatch && isDir
	}

	if hasExcludes {
		res.SelectFilter = selectExcludeFilter
	} else if hasIncludes {
		res.SelectFilter = selectIncludeFilter
	}

	if !gopts.JSON {
		Verbosef("restoring %s to %v\n", res.Snapshot(), opts.Target)
	}

	err = res.RestoreTo(ctx, opts.Target)
	if err != nil {
		return err
	}

	if totalErrors > 0 {
		return errors.Fatalf("There were %d errors\n", totalErrors)
	}

	if !gopts.JSON {
		Verbosef("restore done\n")
	}

	return nil
}

// matchesAny reports whether the item matches one of the patterns. A pattern
// with path separators is matched against the whole path, otherwise against
// the file name.
func matchesAny(patterns []string, item string) bool {
	for _, pat := range patterns {
		if matchPattern(pat, item) {
			return true
		}
	}
	return false
}

// matchesAnyInclude additionally reports whether a child of item may match
// one of the patterns, so directory traversal can be pruned.
func matchesAnyInclude(patterns []string, item string) (matched bool, childMayMatch bool) {
	for _, pat := range patterns {
		if matchPattern(pat, item) {
			return true, true
		}

		// a directory must be entered if the pattern names something below it
		if strings.HasPrefix(pat, item+"/") || !strings.Contains(pat, "/") {
			childMayMatch = true
		}
	}
	return false, childMayMatch
}

func matchPattern(pat, item string) bool {
	if strings.Contains(pat, "/") {
		if ok, _ := filepath.Match(pat, item); ok {
			return true
		}
		// also match everything below a matching directory
		if strings.HasPrefix(item, strings.TrimSuffix(pat, "/")+"/") {
			return true
		}
		return false
	}

	ok, _ := filepath.Match(pat, filepath.Base(item))
	return ok
}
