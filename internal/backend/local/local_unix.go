//go:build unix

package local

import (
	"errors"
	"os"
	"syscall"
)

// tempFile creates a temporary file which is marked for deletion on close on
// platforms that support it.
func tempFile(dir, prefix string) (*os.File, error) {
	return os.CreateTemp(dir, prefix)
}

func setFileReadonly(f string) error {
	return os.Chmod(f, 0400)
}

// fsyncDir flushes changes to the directory dir.
func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}

	err = d.Sync()
	if err != nil &&
		(errors.Is(err, syscall.ENOTSUP) || errors.Is(err, syscall.ENOSYS) || errors.Is(err, syscall.EINVAL)) {
		err = nil
	}

	cerr := d.Close()
	if err == nil {
		err = cerr
	}

	return err
}
