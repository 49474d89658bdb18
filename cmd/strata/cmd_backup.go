package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/strata-backup/strata/internal/archiver"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newBackupCommand() *cobra.Command {
	var opts BackupOptions

	cmd := &cobra.Command{
		Use:   "backup [flags] [FILE/DIR] ...",
		Short: "Create a new backup of files and/or directories",
		Long: `
The "backup" command creates a new snapshot and saves the files and directories
given as the arguments.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was a fatal error (no snapshot created).
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBackup(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// BackupOptions bundles all options for the backup command.
type BackupOptions struct {
	Excludes        []string
	Tags            []string
	Host            string
	TimeStamp       string
	ReadConcurrency uint
}

func (opts *BackupOptions) AddFlags(f *pflag.FlagSet) {
	f.StringArrayVarP(&opts.Excludes, "exclude", "e", nil, "exclude a `pattern` using shell-style wildcards, \"**\" is not supported (can be specified multiple times)")
	f.StringArrayVar(&opts.Tags, "tag", nil, "add `tags` for the new snapshot (can be specified multiple times)")
	f.StringVar(&opts.Host, "host", "", "set the `hostname` for the snapshot manually")
	f.StringVar(&opts.TimeStamp, "time", "", "`time` of the backup (ex. '2012-11-01 22:08:41') (default: now)")
	f.UintVar(&opts.ReadConcurrency, "read-concurrency", 0, "read `n` files concurrently (default: $STRATA_READ_CONCURRENCY or 2)")

	readConcurrency, _ := strconv.ParseUint(os.Getenv("STRATA_READ_CONCURRENCY"), 10, 32)
	opts.ReadConcurrency = uint(readConcurrency)
}

// rejectByPattern returns a SelectFunc that rejects files and directories
// matching one of the exclude patterns. Patterns are matched against the full
// path and against the file name.
func rejectByPattern(patterns []string) archiver.SelectFunc {
	if len(patterns) == 0 {
		return func(_ string, _ os.FileInfo) bool { return true }
	}

	return func(item string, _ os.FileInfo) bool {
		for _, pat := range patterns {
			if ok, _ := filepath.Match(pat, item); ok {
				return false
			}
			if ok, _ := filepath.Match(pat, filepath.Base(item)); ok {
				return false
			}
			// patterns with a separator also match path prefixes
			if strings.Contains(pat, string(filepath.Separator)) {
				if ok, _ := filepath.Match(pat+string(filepath.Separator)+"*", item); ok {
					return false
				}
			}
		}
		return true
	}
}

func runBackup(ctx context.Context, opts BackupOptions, gopts GlobalOptions, args []string) error {
	if len(args) == 0 {
		return errors.Fatal("wrong number of parameters, nothing to back up")
	}

	timeStamp := time.Now()
	if opts.TimeStamp != "" {
		ts, err := time.ParseInLocation("2006-01-02 15:04:05", opts.TimeStamp, time.Local)
		if err != nil {
			return errors.Fatalf("error in time option: %v", err)
		}
		timeStamp = ts
	}

	hostname := opts.Host
	if hostname == "" {
		h, err := os.Hostname()
		if err != nil {
			return errors.Fatalf("os.Hostname() returned err: %v", err)
		}
		hostname = h
	}

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	Verbosef("load index files\n")
	err = repo.LoadIndex(ctx, newTerminalProgressMax(!gopts.Quiet && !gopts.JSON, 0, "index files loaded"))
	if err != nil {
		return err
	}

	selectFilter := rejectByPattern(opts.Excludes)

	var archiverErrors []error
	arch := archiver.New(repo, archiver.LocalFS{}, archiver.Options{
		ReadConcurrency: opts.ReadConcurrency,
	})
	arch.Select = selectFilter
	arch.Error = func(file string, err error) error {
		archiverErrors = append(archiverErrors, errors.Wrapf(err, "%v", file))
		Warnf("error for %v: %v\n", file, err)
		return nil
	}
	if gopts.verbosity >= 2 && !gopts.JSON {
		arch.CompleteItem = func(item string, previous, current *strata.Node, s archiver.ItemStats, d time.Duration) {
			if item == "" || current == nil {
				return
			}
			if current.Type == strata.NodeTypeDir {
				return
			}
			Verboseff("saved %v (%v added)\n", item, formatBytes(s.DataSize))
		}
	}

	snapshotOpts := archiver.SnapshotOptions{
		Excludes: opts.Excludes,
		Tags:     opts.Tags,
		Time:     timeStamp,
		Hostname: hostname,
	}

	Verbosef("start backup of %v\n", args)
	sn, id, err := arch.Snapshot(ctx, args, snapshotOpts)
	if err != nil {
		return errors.Fatalf("unable to save snapshot: %v", err)
	}

	if gopts.JSON {
		status := backupSuccess{
			MessageType: "summary",
			SnapshotID:  id.Str(),
			Paths:       sn.Paths,
		}
		return json.NewEncoder(globalOptions.stdout).Encode(status)
	}

	Verbosef("snapshot %s saved\n", id.Str())
	if len(archiverErrors) > 0 {
		return errors.Fatalf("at least one source file could not be read")
	}
	return nil
}

type backupSuccess struct {
	MessageType string   `json:"message_type"` // "summary"
	SnapshotID  string   `json:"snapshot_id"`
	Paths       []string `json:"paths"`
}
