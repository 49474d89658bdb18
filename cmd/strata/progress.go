package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/strata-backup/strata/internal/progress"
)

// calculateProgressInterval returns the interval for progress updates. The
// environment variable STRATA_PROGRESS_FPS overrides the default of one
// update per second. A negative interval disables the progress display.
func calculateProgressInterval(show bool, json bool) time.Duration {
	interval := time.Second
	if fps, err := strconv.ParseFloat(os.Getenv("STRATA_PROGRESS_FPS"), 64); err == nil && fps > 0 {
		if fps > 60 {
			fps = 60
		}
		interval = time.Duration(float64(time.Second) / fps)
	} else if !stdoutIsTerminal() || !show || json {
		interval = 0
	}
	return interval
}

// newTerminalProgressMax returns a progress.Counter that prints to the
// terminal, or nil if no progress should be shown.
func newTerminalProgressMax(show bool, max uint64, description string) *progress.Counter {
	if !show {
		return nil
	}
	interval := calculateProgressInterval(show, false)
	if interval == 0 {
		return nil
	}

	return progress.NewCounter(interval, max, func(v uint64, max uint64, d time.Duration, final bool) {
		var status string
		if max == 0 {
			status = fmt.Sprintf("[%s] %v %s", formatDuration(d), v, description)
		} else {
			status = fmt.Sprintf("[%s] %s %v / %v %s",
				formatDuration(d), formatPercent(v, max), v, max, description)
		}

		printProgress(status, final)
	})
}

func printProgress(status string, final bool) {
	// truncate the status line so it fits the terminal width
	if w := stdoutTerminalWidth(); w > 0 && len(status) > w {
		max := w - 4
		if max < 0 {
			max = 0
		}
		status = status[:max] + "..."
	}

	fmt.Print("\r\x1b[2K" + status)
	if final {
		fmt.Print("\n")
	}
}

func formatPercent(numerator uint64, denominator uint64) string {
	if denominator == 0 {
		return ""
	}

	percent := 100.0 * float64(numerator) / float64(denominator)
	if percent > 100 {
		percent = 100
	}

	return fmt.Sprintf("%3.2f%%", percent)
}

func formatSeconds(sec uint64) string {
	hours := sec / 3600
	sec -= hours * 3600
	min := sec / 60
	sec -= min * 60
	if hours > 0 {
		return fmt.Sprintf("%d:%02d:%02d", hours, min, sec)
	}

	return fmt.Sprintf("%d:%02d", min, sec)
}

func formatDuration(d time.Duration) string {
	sec := uint64(d / time.Second)
	return formatSeconds(sec)
}

func formatBytes(c uint64) string {
	b := float64(c)
	switch {
	case c >= 1<<40:
		return fmt.Sprintf("%.3f TiB", b/(1<<40))
	case c >= 1<<30:
		return fmt.Sprintf("%.3f GiB", b/(1<<30))
	case c >= 1<<20:
		return fmt.Sprintf("%.3f MiB", b/(1<<20))
	case c >= 1<<10:
		return fmt.Sprintf("%.3f KiB", b/(1<<10))
	default:
		return fmt.Sprintf("%d B", c)
	}
}

// terminalProgressPrinter writes progress messages to the configured output
// streams, honoring the verbosity level.
type terminalProgressPrinter struct {
	show bool
}

// newTerminalProgressPrinter returns a printer for long running operations.
func newTerminalProgressPrinter(gopts GlobalOptions) progress.Printer {
	return &terminalProgressPrinter{
		show: !gopts.JSON && gopts.verbosity >= 1,
	}
}

func (t *terminalProgressPrinter) NewCounter(description string) *progress.Counter {
	return newTerminalProgressMax(t.show, 0, description)
}

func (t *terminalProgressPrinter) E(msg string, args ...interface{}) {
	Warnf(msg+"\n", args...)
}

func (t *terminalProgressPrinter) P(msg string, args ...interface{}) {
	Verbosef(msg+"\n", args...)
}

func (t *terminalProgressPrinter) V(msg string, args ...interface{}) {
	Verboseff(msg+"\n", args...)
}

func (t *terminalProgressPrinter) VV(msg string, args ...interface{}) {
	if globalOptions.verbosity >= 3 {
		Printf(msg+"\n", args...)
	}
}
