//go:build !unix

package progress

import "os"

func setupSignals() chan os.Signal {
	return make(chan os.Signal, 1)
}

func teardownSignals(_ chan os.Signal) {
}
