package main

import (
	"context"
	"math"
	"strconv"
	"strings"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/progress"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newPruneCommand() *cobra.Command {
	var opts PruneOptions

	cmd := &cobra.Command{
		Use:   "prune [flags]",
		Short: "Remove unneeded data from the repository",
		Long: `
The "prune" command checks the repository and removes data that is not
referenced and therefore not needed any more.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// PruneOptions collects all options for the prune command.
type PruneOptions struct {
	DryRun                bool
	UnsafeNoSpaceRecovery string

	unsafeRecovery bool

	MaxUnused      string
	maxUnusedBytes func(used uint64) (unused uint64) // calculates the number of unused bytes after repacking, according to MaxUnused

	MaxRepackSize  string
	MaxRepackBytes uint64

	RepackCacheableOnly bool
	RepackSmall         bool
	RepackUncompressed  bool
}

func (opts *PruneOptions) AddFlags(f *pflag.FlagSet) {
	f.BoolVarP(&opts.DryRun, "dry-run", "n", false, "do not modify the repository, just print what would be done")
	f.StringVarP(&opts.MaxUnused, "max-unused", "", "5%", "tolerate given `limit` of unused data (absolute value in bytes with suffixes k/K, m/M, g/G, t/T, a value in % or the word 'unlimited')")
	f.StringVar(&opts.MaxRepackSize, "max-repack-size", "", "stop after repacking this much data in total (allowed suffixes for `size`: k/K, m/M, g/G, t/T)")
	f.BoolVar(&opts.RepackCacheableOnly, "repack-cacheable-only", false, "only repack packs which are cacheable")
	f.BoolVar(&opts.RepackSmall, "repack-small", false, "repack pack files below 80% of target pack size")
	f.BoolVar(&opts.RepackUncompressed, "repack-uncompressed", false, "repack all uncompressed data")
	f.StringVar(&opts.UnsafeNoSpaceRecovery, "unsafe-recover-no-free-space", "", "UNSAFE, READ THE DOCUMENTATION BEFORE USING! Try to recover a repository stuck with no free space. Do not use without trying out 'prune --max-repack-size 0' first.")
}

func verifyPruneOptions(opts *PruneOptions) error {
	opts.MaxRepackBytes = math.MaxUint64
	if len(opts.MaxRepackSize) > 0 {
		size, err := parseSize(opts.MaxRepackSize)
		if err != nil {
			return err
		}
		opts.MaxRepackBytes = uint64(size)
	}
	if len(opts.UnsafeNoSpaceRecovery) > 0 {
		// prevent repacking data to make sure users cannot get stuck.
		opts.MaxRepackBytes = 0
		opts.unsafeRecovery = true
	}

	maxUnused := strings.TrimSpace(opts.MaxUnused)
	if maxUnused == "" {
		return errors.Fatalf("invalid value for --max-unused: %q", opts.MaxUnused)
	}

	// parse MaxUnused either as unlimited, a percentage, or an absolute number of bytes
	switch {
	case maxUnused == "unlimited":
		opts.maxUnusedBytes = func(_ uint64) uint64 {
			return math.MaxUint64
		}

	case strings.HasSuffix(maxUnused, "%"):
		maxUnused = strings.TrimSuffix(maxUnused, "%")
		p, err := strconv.ParseFloat(maxUnused, 64)
		if err != nil {
			return errors.Fatalf("invalid percentage %q passed for --max-unused: %v", opts.MaxUnused, err)
		}

		if p < 0 {
			return errors.Fatal("percentage for --max-unused must be positive")
		}

		if p >= 100 {
			return errors.Fatal("percentage for --max-unused must be below 100%")
		}

		opts.maxUnusedBytes = func(used uint64) uint64 {
			return uint64(p / (100 - p) * float64(used))
		}

	default:
		size, err := parseSize(maxUnused)
		if err != nil {
			return errors.Fatalf("invalid number of bytes %q for --max-unused: %v", opts.MaxUnused, err)
		}

		opts.maxUnusedBytes = func(_ uint64) uint64 {
			return uint64(size)
		}
	}

	return nil
}

// parseSize parses a size like "100m" into the number of bytes it denotes.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("expected size, got empty string")
	}

	numStr := s
	var unit uint64 = 1

	switch s[len(s)-1] {
	case 'b', 'B':
		numStr = s[:len(s)-1]
	case 'k', 'K':
		unit = 1024
		numStr = s[:len(s)-1]
	case 'm', 'M':
		unit = 1024 * 1024
		numStr = s[:len(s)-1]
	case 'g', 'G':
		unit = 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	case 't', 'T':
		unit = 1024 * 1024 * 1024 * 1024
		numStr = s[:len(s)-1]
	}

	value, err := strconv.ParseInt(numStr, 10, 64)
	if err != nil {
		return 0, err
	}

	return value * int64(unit), nil
}

func runPrune(ctx context.Context, opts PruneOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the prune command expects no arguments, only options")
	}

	err := verifyPruneOptions(&opts)
	if err != nil {
		return err
	}

	if opts.RepackUncompressed && gopts.Compression == repository.CompressionOff {
		return errors.Fatal("disabled compression and `--repack-uncompressed` are mutually exclusive")
	}

	ctx, lock, repo, err := openWithExclusiveLock(ctx, gopts, false)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	if repo.Connections() < 2 {
		return errors.Fatal("prune requires a backend connection limit of at least two")
	}

	if opts.UnsafeNoSpaceRecovery != "" {
		repoID := repo.Config().ID
		if opts.UnsafeNoSpaceRecovery != repoID {
			return errors.Fatalf("must pass id of repository to --unsafe-recover-no-free-space")
		}
	}

	return runPruneWithRepo(ctx, opts, gopts, repo)
}

func runPruneWithRepo(ctx context.Context, opts PruneOptions, gopts GlobalOptions, repo *repository.Repository) error {
	if repo.CacheDir() == "" {
		Warnf("running prune without a cache, this may be very slow!\n")
	}

	printer := newTerminalProgressPrinter(gopts)

	printer.P("loading indexes...")
	bar := newTerminalProgressMax(!gopts.Quiet, 0, "index files loaded")
	err := repo.LoadIndex(ctx, bar)
	if err != nil {
		return err
	}

	popts := repository.PruneOptions{
		DryRun:         opts.DryRun,
		UnsafeRecovery: opts.unsafeRecovery,

		MaxUnusedBytes: opts.maxUnusedBytes,
		MaxRepackBytes: opts.MaxRepackBytes,

		RepackCacheableOnly: opts.RepackCacheableOnly,
		RepackSmall:         opts.RepackSmall,
		RepackUncompressed:  opts.RepackUncompressed,
	}

	plan, err := repository.PlanPrune(ctx, popts, repo, getUsedBlobs, printer)
	if err != nil {
		return err
	}

	printPruneStats(printer, plan.Stats())

	err = plan.Execute(ctx, printer)
	if err != nil {
		return err
	}

	printer.P("done")
	return nil
}

// printPruneStats prints out the statistics
func printPruneStats(printer progress.Printer, stats repository.PruneStats) {
	printer.V("used:         %10d blobs / %s", stats.Blobs.Used, formatBytes(stats.Size.Used))
	if stats.Blobs.Duplicate > 0 {
		printer.V("duplicates:   %10d blobs / %s", stats.Blobs.Duplicate, formatBytes(stats.Size.Duplicate))
	}
	printer.V("unused:       %10d blobs / %s", stats.Blobs.Unused, formatBytes(stats.Size.Unused))
	if stats.Size.Unref > 0 {
		printer.V("unreferenced:                    %s", formatBytes(stats.Size.Unref))
	}
	totalBlobs := stats.Blobs.Used + stats.Blobs.Unused + stats.Blobs.Duplicate
	totalSize := stats.Size.Used + stats.Size.Duplicate + stats.Size.Unused + stats.Size.Unref
	unusedSize := stats.Size.Duplicate + stats.Size.Unused
	printer.V("total:        %10d blobs / %s", totalBlobs, formatBytes(totalSize))
	printer.V("unused size: %s of total size", formatPercent(unusedSize, totalSize))

	printer.P("to repack:    %10d blobs / %s", stats.Blobs.Repack, formatBytes(stats.Size.Repack))
	printer.P("this removes: %10d blobs / %s", stats.Blobs.Repackrm, formatBytes(stats.Size.Repackrm))
	printer.P("to delete:    %10d blobs / %s", stats.Blobs.Remove, formatBytes(stats.Size.Remove+stats.Size.Unref))
	totalPruneSize := stats.Size.Remove + stats.Size.Repackrm + stats.Size.Unref
	printer.P("total prune:  %10d blobs / %s", stats.Blobs.Remove+stats.Blobs.Repackrm, formatBytes(totalPruneSize))
	if stats.Size.Uncompressed > 0 {
		printer.P("not yet compressed:              %s", formatBytes(stats.Size.Uncompressed))
	}
	printer.P("remaining:    %10d blobs / %s", totalBlobs-(stats.Blobs.Remove+stats.Blobs.Repackrm), formatBytes(totalSize-totalPruneSize))
	unusedAfter := unusedSize - stats.Size.Remove - stats.Size.Repackrm
	printer.P("unused size after prune: %s (%s of remaining size)",
		formatBytes(unusedAfter), formatPercent(unusedAfter, totalSize-totalPruneSize))
	printer.P("")
	printer.V("totally used packs: %10d", stats.Packs.Used)
	printer.V("partly used packs:  %10d", stats.Packs.PartlyUsed)
	printer.V("unused packs:       %10d\n", stats.Packs.Unused)
	printer.V("to keep:      %10d packs", stats.Packs.Keep)
	printer.V("to repack:    %10d packs", stats.Packs.Repack)
	printer.V("to delete:    %10d packs", stats.Packs.Remove)
	if stats.Packs.Unref > 0 {
		printer.V("to delete:    %10d unreferenced packs\n", stats.Packs.Unref)
	}
}

// getUsedBlobs marks all blobs reachable from one of the snapshots as used.
func getUsedBlobs(ctx context.Context, repo strata.Repository, usedBlobs strata.CountedBlobSet) error {
	var snapshotTrees strata.IDs

	err := strata.ForAllSnapshots(ctx, repo, repo, nil, func(id strata.ID, sn *strata.Snapshot, err error) error {
		if err != nil {
			return errors.Errorf("failed to load snapshot %v (error %v)", id.Str(), err)
		}
		snapshotTrees = append(snapshotTrees, *sn.Tree)
		return nil
	})
	if err != nil {
		return errors.Fatalf("failed loading snapshot: %v", err)
	}

	Verbosef("finding data that is still in use for %d snapshots\n", len(snapshotTrees))

	bar := newTerminalProgressMax(!globalOptions.Quiet, uint64(len(snapshotTrees)), "snapshots")
	defer bar.Done()

	return strata.FindUsedBlobs(ctx, repo, snapshotTrees, usedBlobs, func() {
		bar.Add(1)
	})
}
