package backend

import (
	"context"
	"io"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/strata"
)

type backendReaderAt struct {
	ctx context.Context
	be  strata.Backend
	h   strata.Handle
}

func (brd backendReaderAt) ReadAt(p []byte, offset int64) (n int, err error) {
	return ReadAt(brd.ctx, brd.be, brd.h, offset, p)
}

// ReaderAt returns an io.ReaderAt for a file in the backend.
func ReaderAt(ctx context.Context, be strata.Backend, h strata.Handle) io.ReaderAt {
	return backendReaderAt{ctx: ctx, be: be, h: h}
}

// ReadAt reads from the backend handle h at the given position.
func ReadAt(ctx context.Context, be strata.Backend, h strata.Handle, offset int64, p []byte) (n int, err error) {
	debug.Log("ReadAt(%v) at %v, len %v", h, offset, len(p))

	err = be.Load(ctx, h, len(p), offset, func(rd io.Reader) (ierr error) {
		n, ierr = io.ReadFull(rd, p)
		return ierr
	})

	return n, err
}
