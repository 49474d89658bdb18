package main

import (
	"context"
	"encoding/json"
	"strings"
	"text/tabwriter"

	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newSnapshotsCommand() *cobra.Command {
	var opts SnapshotOptions

	cmd := &cobra.Command{
		Use:   "snapshots [flags] [snapshotID ...]",
		Short: "List all snapshots",
		Long: `
The "snapshots" command lists all snapshots stored in the repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshots(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// SnapshotOptions bundles all options for the snapshots command.
type SnapshotOptions struct {
	Hosts []string
	Tags  []string
	Paths []string
}

func (opts *SnapshotOptions) AddFlags(f *pflag.FlagSet) {
	f.StringArrayVar(&opts.Hosts, "host", nil, "only consider snapshots for this `host` (can be specified multiple times)")
	f.StringArrayVar(&opts.Tags, "tag", nil, "only consider snapshots which include this `tag` (can be specified multiple times)")
	f.StringArrayVar(&opts.Paths, "path", nil, "only consider snapshots which include this (absolute) `path` (can be specified multiple times)")
}

func runSnapshots(ctx context.Context, opts SnapshotOptions, gopts GlobalOptions, args []string) error {
	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var list strata.Snapshots
	err = strata.ForAllSnapshots(ctx, repo, repo, nil, func(id strata.ID, sn *strata.Snapshot, err error) error {
		if err != nil {
			Warnf("error loading snapshot %v: %v\n", id.Str(), err)
			return nil
		}

		if !matchSnapshot(sn, opts) {
			return nil
		}

		if len(args) > 0 && !idMatchesAnyPrefix(id, args) {
			return nil
		}

		list = append(list, sn)
		return nil
	})
	if err != nil {
		return err
	}

	list.SortByTime()

	if gopts.JSON {
		return printSnapshotsJSON(list)
	}

	printSnapshotsTable(list)
	return nil
}

func matchSnapshot(sn *strata.Snapshot, opts SnapshotOptions) bool {
	if len(opts.Hosts) > 0 {
		found := false
		for _, host := range opts.Hosts {
			if sn.Hostname == host {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if !sn.HasTags(opts.Tags) {
		return false
	}

	return sn.HasPaths(opts.Paths)
}

func idMatchesAnyPrefix(id strata.ID, prefixes []string) bool {
	name := id.String()
	for _, prefix := range prefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

func printSnapshotsTable(list strata.Snapshots) {
	tab := tabwriter.NewWriter(globalOptions.stdout, 2, 4, 2, ' ', 0)

	_, _ = tab.Write([]byte("ID\tTime\tHost\tTags\tPaths\n"))
	_, _ = tab.Write([]byte("--------\t----\t----\t----\t-----\n"))
	for _, sn := range list {
		tags := strings.Join(sn.Tags, ",")
		paths := strings.Join(sn.Paths, " ")
		_, _ = tab.Write([]byte(sn.ID().Str() + "\t" + sn.Time.Local().Format("2006-01-02 15:04:05") + "\t" + sn.Hostname + "\t" + tags + "\t" + paths + "\n"))
	}
	_ = tab.Flush()

	Printf("%d snapshots\n", len(list))
}

// snapshotJSON is the JSON representation printed by the snapshots command.
type snapshotJSON struct {
	*strata.Snapshot
	ID      *strata.ID `json:"id"`
	ShortID string     `json:"short_id"`
}

func printSnapshotsJSON(list strata.Snapshots) error {
	out := make([]snapshotJSON, 0, len(list))
	for _, sn := range list {
		out = append(out, snapshotJSON{
			Snapshot: sn,
			ID:       sn.ID(),
			ShortID:  sn.ID().Str(),
		})
	}

	return json.NewEncoder(globalOptions.stdout).Encode(out)
}
