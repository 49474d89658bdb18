package hashing

import (
	"hash"
	"io"
)

// Reader hashes all data read from the underlying reader.
type Reader struct {
	r io.Reader
	h hash.Hash
}

// NewReader returns a new Reader that uses the hash h. If the underlying
// reader returns data, it is fed into the hash.
func NewReader(r io.Reader, h hash.Hash) *Reader {
	return &Reader{
		h: h,
		r: r,
	}
}

func (h *Reader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)

	// according to the interface documentation, Write() on a hash.Hash never
	// returns an error.
	_, hashErr := h.h.Write(p[:n])
	if hashErr != nil {
		panic(hashErr)
	}

	return n, err
}

// Sum returns the hash of the data read so far.
func (h *Reader) Sum(d []byte) []byte {
	return h.h.Sum(d)
}
