// Package util contains shared helpers for backend implementations.
package util

import (
	"context"
	"io"

	"github.com/strata-backup/strata/internal/strata"
)

// DefaultLoad implements Backend.Load using lower-level openReader func. It
// handles closing the reader as well as canceling the context.
func DefaultLoad(ctx context.Context, h strata.Handle, length int, offset int64,
	openReader func(ctx context.Context, h strata.Handle, length int, offset int64) (io.ReadCloser, error),
	fn func(rd io.Reader) error) error {

	rd, err := openReader(ctx, h, length, offset)
	if err != nil {
		return err
	}

	err = fn(rd)
	if err != nil {
		_ = rd.Close() // ignore secondary errors closing the reader
		return err
	}
	return rd.Close()
}

// DefaultDelete removes all files of the given types, followed by the config
// file. It can be used to implement Backend.Delete.
func DefaultDelete(ctx context.Context, be strata.Backend) error {
	alltypes := []strata.FileType{
		strata.PackFile,
		strata.KeyFile,
		strata.LockFile,
		strata.SnapshotFile,
		strata.IndexFile}

	for _, t := range alltypes {
		err := be.List(ctx, t, func(fi strata.FileInfo) error {
			return be.Remove(ctx, strata.Handle{Type: t, Name: fi.Name})
		})
		if err != nil {
			return err
		}
	}
	err := be.Remove(ctx, strata.Handle{Type: strata.ConfigFile})
	if err != nil && be.IsNotExist(err) {
		err = nil
	}

	return err
}
