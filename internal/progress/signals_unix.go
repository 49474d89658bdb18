//go:build unix

package progress

import (
	"os"
	"os/signal"
	"syscall"
)

func setupSignals() chan os.Signal {
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGUSR1)
	return signals
}

func teardownSignals(signals chan os.Signal) {
	signal.Stop(signals)
}
