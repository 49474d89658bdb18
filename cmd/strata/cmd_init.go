package main

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

func newInitCommand() *cobra.Command {
	var opts InitOptions

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a new repository",
		Long: `
The "init" command initializes a new repository.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(cmd.Context(), opts, globalOptions, args)
		},
	}
	opts.AddFlags(cmd.Flags())
	return cmd
}

// InitOptions bundles all options for the init command.
type InitOptions struct {
	RepositoryVersion string
}

func (opts *InitOptions) AddFlags(f *pflag.FlagSet) {
	f.StringVar(&opts.RepositoryVersion, "repository-version", "stable", "repository format version to use, allowed values are a format version, 'latest' and 'stable'")
}

func runInit(ctx context.Context, opts InitOptions, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the init command expects no arguments, only options - please see `strata help init` for usage and flags")
	}

	var version uint
	switch opts.RepositoryVersion {
	case "latest", "":
		version = strata.MaxRepoVersion
	case "stable":
		version = strata.StableRepoVersion
	default:
		v, err := strconv.ParseUint(opts.RepositoryVersion, 10, 32)
		if err != nil {
			return errors.Fatal("invalid repository version")
		}
		version = uint(v)
	}

	if version < strata.MinRepoVersion || version > strata.MaxRepoVersion {
		return errors.Fatalf("only repository versions between %v and %v are allowed", strata.MinRepoVersion, strata.MaxRepoVersion)
	}

	if gopts.Repo == "" {
		return errors.Fatal("Please specify repository location (-r)")
	}

	password, err := ReadPasswordTwice(gopts,
		"enter password for new repository: ",
		"enter password again: ")
	if err != nil {
		return err
	}

	be, err := create(ctx, gopts.Repo, gopts, gopts.extended)
	if err != nil {
		return errors.Fatalf("create repository at %s failed: %v", stripPassword(gopts.Repo), err)
	}

	s, err := repository.New(be, repository.Options{
		Compression: gopts.Compression,
		PackSize:    gopts.PackSize * 1024 * 1024,
	})
	if err != nil {
		return errors.Fatalf("%s", err)
	}

	err = s.Init(ctx, version, password, nil)
	if err != nil {
		return errors.Fatalf("create key in repository at %s failed: %v", stripPassword(gopts.Repo), err)
	}

	if !gopts.JSON {
		Verbosef("created strata repository %v at %s\n", s.Config().ID[:10], stripPassword(gopts.Repo))
		Verbosef("\n")
		Verbosef("Please note that knowledge of your password is required to access\n")
		Verbosef("the repository. Losing your password means that your data is\n")
		Verbosef("irrecoverably lost.\n")
	} else {
		status := initSuccess{
			MessageType: "initialized",
			ID:          s.Config().ID,
			Repository:  stripPassword(gopts.Repo),
		}
		return json.NewEncoder(globalOptions.stdout).Encode(status)
	}

	return nil
}

type initSuccess struct {
	MessageType string `json:"message_type"` // "initialized"
	ID          string `json:"id"`
	Repository  string `json:"repository"`
}
