package main

import (
	"context"
	"encoding/json"
	"sync"
	"text/tabwriter"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"

	"github.com/spf13/cobra"
)

func newKeyCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Manage keys (passwords)",
		Long: `
The "key" command allows you to list, add, remove and change keys.

EXIT STATUS
===========

Exit status is 0 if the command was successful.
Exit status is 1 if there was any error.
`,
		DisableAutoGenTag: true,
	}

	cmd.AddCommand(
		newKeyListCommand(),
		newKeyAddCommand(),
		newKeyRemoveCommand(),
		newKeyPasswdCommand(),
	)
	return cmd
}

func newKeyListCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "list",
		Short:             "List keys (passwords)",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyList(cmd.Context(), globalOptions, args)
		},
	}
}

func newKeyAddCommand() *cobra.Command {
	var opts KeyAddOptions

	cmd := &cobra.Command{
		Use:               "add",
		Short:             "Add a new key (password)",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyAdd(cmd.Context(), globalOptions, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.NewPasswordFile, "new-password-file", "", "`file` from which to read the new password")
	cmd.Flags().StringVar(&opts.Username, "user", "", "the username for new key")
	cmd.Flags().StringVar(&opts.Hostname, "host", "", "the hostname for new key")
	return cmd
}

func newKeyRemoveCommand() *cobra.Command {
	return &cobra.Command{
		Use:               "remove [ID]",
		Short:             "Remove key ID (password) from the repository",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyRemove(cmd.Context(), globalOptions, args)
		},
	}
}

func newKeyPasswdCommand() *cobra.Command {
	var opts KeyAddOptions

	cmd := &cobra.Command{
		Use:               "passwd",
		Short:             "Change key (password); creates a new key ID and removes the old key ID, returns new key ID",
		DisableAutoGenTag: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runKeyPasswd(cmd.Context(), globalOptions, opts, args)
		},
	}
	cmd.Flags().StringVar(&opts.NewPasswordFile, "new-password-file", "", "`file` from which to read the new password")
	cmd.Flags().StringVar(&opts.Username, "user", "", "the username for new key")
	cmd.Flags().StringVar(&opts.Hostname, "host", "", "the hostname for new key")
	return cmd
}

// KeyAddOptions bundles the options for adding or replacing a key.
type KeyAddOptions struct {
	NewPasswordFile string
	Username        string
	Hostname        string
}

type keyInfo struct {
	Current  bool   `json:"current"`
	ID       string `json:"id"`
	UserName string `json:"userName"`
	HostName string `json:"hostName"`
	Created  string `json:"created"`
}

func runKeyList(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key list command expects no arguments, only options")
	}

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	var m sync.Mutex
	var keys []keyInfo

	err = repo.List(ctx, strata.KeyFile, func(id strata.ID, _ int64) error {
		k, err := repository.LoadKey(ctx, repo, id)
		if err != nil {
			Warnf("LoadKey() failed: %v\n", err)
			return nil
		}

		key := keyInfo{
			Current:  id == repo.KeyID(),
			ID:       id.Str(),
			UserName: k.Username,
			HostName: k.Hostname,
			Created:  k.Created.Local().Format("2006-01-02 15:04:05"),
		}

		m.Lock()
		defer m.Unlock()
		keys = append(keys, key)
		return nil
	})
	if err != nil {
		return err
	}

	if gopts.JSON {
		return json.NewEncoder(globalOptions.stdout).Encode(keys)
	}

	tab := tabwriter.NewWriter(globalOptions.stdout, 2, 4, 2, ' ', 0)
	_, _ = tab.Write([]byte(" ID\tUser\tHost\tCreated\n"))
	_, _ = tab.Write([]byte("----\t----\t----\t-------\n"))
	for _, key := range keys {
		current := " "
		if key.Current {
			current = "*"
		}
		_, _ = tab.Write([]byte(current + key.ID + "\t" + key.UserName + "\t" + key.HostName + "\t" + key.Created + "\n"))
	}
	return tab.Flush()
}

func getNewPassword(gopts GlobalOptions, newPasswordFile string) (string, error) {
	if newPasswordFile != "" {
		newopts := gopts
		newopts.PasswordFile = newPasswordFile
		return resolvePassword(newopts, "STRATA_NEW_PASSWORD")
	}

	// empty the password in the options so that a new one is read each time
	newopts := gopts
	newopts.password = ""

	return ReadPasswordTwice(newopts,
		"enter new password: ",
		"enter password again: ")
}

func runKeyAdd(ctx context.Context, gopts GlobalOptions, opts KeyAddOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key add command expects no arguments, only options")
	}

	ctx, lock, repo, err := openWithReadLock(ctx, gopts, gopts.NoLock)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	return addKey(ctx, repo, gopts, opts)
}

func addKey(ctx context.Context, repo *repository.Repository, gopts GlobalOptions, opts KeyAddOptions) error {
	pw, err := getNewPassword(gopts, opts.NewPasswordFile)
	if err != nil {
		return err
	}

	key, err := repository.AddKey(ctx, repo, pw, opts.Username, opts.Hostname, repo.Key())
	if err != nil {
		return errors.Fatalf("creating new key failed: %v\n", err)
	}

	Verbosef("saved new key with ID %v\n", key.ID())

	return nil
}

func runKeyRemove(ctx context.Context, gopts GlobalOptions, args []string) error {
	if len(args) != 1 {
		return errors.Fatal("id not specified")
	}

	ctx, lock, repo, err := openWithExclusiveLock(ctx, gopts, false)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	id, err := strata.Find(ctx, repo, strata.KeyFile, args[0])
	if err != nil {
		return err
	}

	if id == repo.KeyID() {
		return errors.Fatal("refusing to remove key currently used to access repository")
	}

	err = repo.RemoveUnpacked(ctx, strata.KeyFile, id)
	if err != nil {
		return err
	}

	Verbosef("removed key %v\n", id.Str())
	return nil
}

func runKeyPasswd(ctx context.Context, gopts GlobalOptions, opts KeyAddOptions, args []string) error {
	if len(args) > 0 {
		return errors.Fatal("the key passwd command expects no arguments, only options")
	}

	ctx, lock, repo, err := openWithExclusiveLock(ctx, gopts, false)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	oldID := repo.KeyID()

	if err := addKey(ctx, repo, gopts, opts); err != nil {
		return err
	}

	err = repo.RemoveUnpacked(ctx, strata.KeyFile, oldID)
	if err != nil {
		return err
	}

	Verbosef("removed old key %v\n", oldID.Str())
	return nil
}
