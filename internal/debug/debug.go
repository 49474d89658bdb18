// Package debug provides an opt-in trace log. When the environment variable
// STRATA_DEBUG_LOG points to a file, all Log calls are appended to it,
// otherwise they are discarded.
package debug

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/strata-backup/strata/internal/errors"
)

var opts struct {
	logger *log.Logger
}

// Initialize sets up the debug log if requested via the environment.
func Initialize() error {
	logfile := os.Getenv("STRATA_DEBUG_LOG")
	if logfile == "" {
		return nil
	}

	f, err := os.OpenFile(logfile, os.O_WRONLY|os.O_APPEND, 0600)
	if err == nil {
		_, err = f.Seek(0, 2)
		if err != nil {
			return errors.Wrapf(err, "unable to seek to the end of %v", logfile)
		}
	}

	if err != nil && os.IsNotExist(errors.Unwrap(err)) || err != nil && os.IsNotExist(err) {
		f, err = os.OpenFile(logfile, os.O_WRONLY|os.O_CREATE, 0600)
	}

	if err != nil {
		return errors.Wrap(err, "open debug log file")
	}

	opts.logger = log.New(f, "", log.LstdFlags|log.Lmicroseconds)
	opts.logger.Printf("debug log started ----------------")
	return nil
}

func fn2name(fn string) string {
	if pos := strings.LastIndex(fn, "/"); pos >= 0 {
		fn = fn[pos+1:]
	}
	return fn
}

// Log writes a message to the debug log if it is active.
func Log(f string, args ...interface{}) {
	if opts.logger == nil {
		return
	}

	fn := "unknown"
	file := "unknown"
	line := 0
	pc, fullpath, l, ok := runtime.Caller(1)
	if ok {
		file = filepath.Base(fullpath)
		line = l
		if f := runtime.FuncForPC(pc); f != nil {
			fn = fn2name(f.Name())
		}
	}

	if len(f) == 0 || f[len(f)-1] != '\n' {
		f += "\n"
	}

	opts.logger.Printf("%s", fmt.Sprintf("%s:%d\t%s\t", file, line, fn)+fmt.Sprintf(f, args...))
}
