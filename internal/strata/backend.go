package strata

import (
	"context"
	"hash"
	"io"
)

// Backend is used to store and access data.
//
// Backend implementations must be safe for concurrent use and must not
// modify the repository except through Save, Remove and Delete.
type Backend interface {
	// Location returns a string that describes the type and location of the
	// repository.
	Location() string

	// Connections returns the maximum number of concurrent backend operations.
	Connections() uint

	// Hasher may return a hash function for calculating a content hash for
	// the backend, or nil if none is required.
	Hasher() hash.Hash

	// HasAtomicReplace returns whether Save() can atomically replace files.
	HasAtomicReplace() bool

	// Remove removes a File described by h.
	Remove(ctx context.Context, h Handle) error

	// Close the backend.
	Close() error

	// Save stores the data from rd under the given handle.
	Save(ctx context.Context, h Handle, rd RewindReader) error

	// Load runs fn with a reader that yields the contents of the file at h at
	// the given offset. If length is larger than zero, only a portion of the
	// file is read.
	//
	// The function fn may be called multiple times during the same Load
	// invocation and therefore must be idempotent.
	//
	// Implementations are encouraged to use util.DefaultLoad.
	Load(ctx context.Context, h Handle, length int, offset int64, fn func(rd io.Reader) error) error

	// Stat returns information about the File identified by h.
	Stat(ctx context.Context, h Handle) (FileInfo, error)

	// List runs fn for each file in the backend which has the type t. When an
	// error is returned by the underlying backend, the request is retried.
	// When fn returns an error, the operation is aborted and the error is
	// returned to the caller.
	List(ctx context.Context, t FileType, fn func(FileInfo) error) error

	// IsNotExist returns true if the error was caused by a non-existing file
	// in the backend.
	IsNotExist(err error) bool

	// IsPermanentError returns true if the error can very likely not be
	// resolved by retrying the operation. Backends should return true if the
	// file is missing, the requested range does not (completely) exist in the
	// file or the user is not authorized to perform the requested operation.
	IsPermanentError(err error) bool

	// Delete removes all data in the backend.
	Delete(ctx context.Context) error
}

// FileInfo is contains information about a file in the backend.
type FileInfo struct {
	Size int64
	Name string
}

// ApplyEnvironmenter allows backends to read their config from the
// process environment.
type ApplyEnvironmenter interface {
	ApplyEnvironment(prefix string)
}

// RewindReader allows resetting the Reader to the beginning of the data.
type RewindReader interface {
	io.Reader

	// Rewind returns the reader to the beginning of the data.
	Rewind() error

	// Length returns the number of bytes available for reading.
	Length() int64

	// Hash return a hash of the data if requested by the backend.
	Hash() []byte
}
