// Package strata declares the core types of the repository format: object
// IDs, blobs, trees, nodes, snapshots, the repository config and the backend
// contract. Everything else in this module is built in terms of these types.
package strata

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"

	"github.com/strata-backup/strata/internal/errors"
)

// Hash returns the ID for data.
func Hash(data []byte) ID {
	return sha256.Sum256(data)
}

// idSize contains the size of an ID, in bytes.
const idSize = sha256.Size

// ID references content within a repository, it is the hash of the object's
// plaintext.
type ID [idSize]byte

// ParseID converts the given string to an ID.
func ParseID(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, errors.Wrapf(err, "invalid ID: %q", s)
	}

	if len(b) != idSize {
		return ID{}, errors.Errorf("invalid length for ID: %q", s)
	}

	id := ID{}
	copy(id[:], b)
	return id, nil
}

// NewRandomID returns a randomly generated ID. When reading from rand fails,
// the function panics.
func NewRandomID() ID {
	id := ID{}
	_, err := io.ReadFull(rand.Reader, id[:])
	if err != nil {
		panic(err)
	}
	return id
}

const shortStr = 4

func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Str returns the shortened string version of id.
func (id ID) Str() string {
	if id.IsNull() {
		return "[null]"
	}
	return hex.EncodeToString(id[:shortStr])
}

// IsNull returns true iff id only consists of null bytes.
func (id ID) IsNull() bool {
	var nullID ID
	return id == nullID
}

// Equal compares an ID to another other.
func (id ID) Equal(other ID) bool {
	return id == other
}

// MarshalJSON returns the JSON encoding of id.
func (id ID) MarshalJSON() ([]byte, error) {
	buf := make([]byte, 2+hex.EncodedLen(len(id)))
	buf[0] = '"'
	hex.Encode(buf[1:], id[:])
	buf[len(buf)-1] = '"'
	return buf, nil
}

// UnmarshalJSON parses the JSON-encoded data and stores the result in id.
func (id *ID) UnmarshalJSON(b []byte) error {
	// check string length
	if len(b) < 2 || b[0] != '"' || b[len(b)-1] != '"' {
		return fmt.Errorf("invalid ID: %q", b)
	}
	if len(b)-2 != hex.EncodedLen(idSize) {
		return fmt.Errorf("invalid length for ID: %q", b)
	}
	_, err := hex.Decode(id[:], b[1:len(b)-1])
	if err != nil {
		return fmt.Errorf("invalid ID: %w", err)
	}
	return nil
}

// IDFromHash returns the ID for the hash.
func IDFromHash(hash []byte) (id ID) {
	if len(hash) != idSize {
		panic("invalid hash type, not a SHA-256 sum")
	}
	copy(id[:], hash)
	return id
}

var _ json.Marshaler = ID{}
var _ json.Unmarshaler = (*ID)(nil)
