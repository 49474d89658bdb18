//go:build !unix

package local

import "os"

func tempFile(dir, prefix string) (*os.File, error) {
	return os.CreateTemp(dir, prefix)
}

func setFileReadonly(_ string) error {
	// read-only files cannot be deleted on Windows, skip
	return nil
}

func fsyncDir(_ string) error {
	// directory fsync is not supported
	return nil
}
