package main

import (
	"github.com/spf13/cobra"

	"github.com/strata-backup/strata/internal/errors"

	"github.com/pkg/profile"
)

type profiler interface {
	Stop()
}

// registerProfiling adds hidden flags that write CPU or memory profiles for
// the duration of the command.
func registerProfiling(cmd *cobra.Command) {
	var memProfilePath string
	var cpuProfilePath string
	var prof profiler

	f := cmd.PersistentFlags()
	f.StringVar(&memProfilePath, "mem-profile", "", "write memory profile to `dir`")
	f.StringVar(&cpuProfilePath, "cpu-profile", "", "write cpu profile to `dir`")
	_ = f.MarkHidden("mem-profile")
	_ = f.MarkHidden("cpu-profile")

	origPreRunE := cmd.PersistentPreRunE
	cmd.PersistentPreRunE = func(c *cobra.Command, args []string) error {
		if memProfilePath != "" && cpuProfilePath != "" {
			return errors.Fatal("only one profile (memory or CPU) may be activated at the same time")
		}

		if memProfilePath != "" {
			prof = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.MemProfile, profile.ProfilePath(memProfilePath))
		} else if cpuProfilePath != "" {
			prof = profile.Start(profile.Quiet, profile.NoShutdownHook, profile.CPUProfile, profile.ProfilePath(cpuProfilePath))
		}

		if origPreRunE != nil {
			return origPreRunE(c, args)
		}
		return nil
	}

	origPostRun := cmd.PersistentPostRun
	cmd.PersistentPostRun = func(c *cobra.Command, args []string) {
		if prof != nil {
			prof.Stop()
			prof = nil
		}
		if origPostRun != nil {
			origPostRun(c, args)
		}
	}
}
