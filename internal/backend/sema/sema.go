// Package sema implements a simple semaphore-based decorator that limits the
// number of concurrent operations on a backend.
package sema

import (
	"context"
	"io"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// make sure that connectionLimitedBackend implements Backend
var _ strata.Backend = &connectionLimitedBackend{}

// connectionLimitedBackend limits the number of concurrent operations.
type connectionLimitedBackend struct {
	strata.Backend
	sem semaphore
}

// NewBackend creates a backend that limits the concurrent operations on the
// underlying backend.
func NewBackend(be strata.Backend) strata.Backend {
	sem, err := newSemaphore(be.Connections())
	if err != nil {
		panic(err)
	}

	return &connectionLimitedBackend{
		Backend: be,
		sem:     sem,
	}
}

// typeDependentLimit acquire a token unless the FileType belongs to a file
// that is usually small enough to not cause problems.
func (be *connectionLimitedBackend) typeDependentLimit(t strata.FileType) func() {
	// allow concurrent access to locks and the config file
	if t == strata.LockFile || t == strata.ConfigFile {
		return func() {}
	}
	be.sem.GetToken()
	return be.sem.ReleaseToken
}

// Save adds new Data to the backend.
func (be *connectionLimitedBackend) Save(ctx context.Context, h strata.Handle, rd strata.RewindReader) error {
	if err := h.Valid(); err != nil {
		return err
	}
	defer be.typeDependentLimit(h.Type)()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return be.Backend.Save(ctx, h, rd)
}

// Load runs fn with a reader that yields the contents of the file at h at the
// given offset.
func (be *connectionLimitedBackend) Load(ctx context.Context, h strata.Handle, length int, offset int64, fn func(rd io.Reader) error) error {
	if err := h.Valid(); err != nil {
		return err
	}
	if offset < 0 {
		return errors.New("offset is negative")
	}
	if length < 0 {
		return errors.New("length is negative")
	}
	defer be.typeDependentLimit(h.Type)()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return be.Backend.Load(ctx, h, length, offset, fn)
}

// Stat returns information about a file in the backend.
func (be *connectionLimitedBackend) Stat(ctx context.Context, h strata.Handle) (strata.FileInfo, error) {
	if err := h.Valid(); err != nil {
		return strata.FileInfo{}, err
	}
	defer be.typeDependentLimit(h.Type)()

	if ctx.Err() != nil {
		return strata.FileInfo{}, ctx.Err()
	}

	return be.Backend.Stat(ctx, h)
}

// Remove deletes a file from the backend.
func (be *connectionLimitedBackend) Remove(ctx context.Context, h strata.Handle) error {
	if err := h.Valid(); err != nil {
		return err
	}
	defer be.typeDependentLimit(h.Type)()

	if ctx.Err() != nil {
		return ctx.Err()
	}

	return be.Backend.Remove(ctx, h)
}

type semaphore chan struct{}

func newSemaphore(i uint) (semaphore, error) {
	if i == 0 {
		return nil, errors.New("capacity must be a positive number")
	}
	return make(semaphore, i), nil
}

// GetToken blocks until a Token is available.
func (s semaphore) GetToken() {
	s <- struct{}{}
}

// ReleaseToken returns a token.
func (s semaphore) ReleaseToken() {
	<-s
}
