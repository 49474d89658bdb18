// Package backend provides helpers shared by all backend implementations and
// the HTTP transport used by the remote backends.
package backend

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/cenkalti/backoff/v4"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

func verifyContentMatchesName(s string, data []byte) (bool, error) {
	if len(s) != hex.EncodedLen(len(strata.ID{})) {
		return false, fmt.Errorf("invalid suffix, not a valid ID: %s", s)
	}
	id, err := strata.ParseID(s)
	if err != nil {
		return false, fmt.Errorf("invalid suffix, not a valid ID: %w", err)
	}
	hashed := strata.Hash(data)
	return id == hashed, nil
}

// LoadAll reads all data stored in the backend for the handle into the given
// buffer, which is truncated. If the buffer is not large enough or nil, a new
// one is allocated.
func LoadAll(ctx context.Context, buf []byte, be strata.Backend, h strata.Handle) ([]byte, error) {
	retriedInvalidData := false
	err := be.Load(ctx, h, 0, 0, func(rd io.Reader) error {
		// make sure this is idempotent, in case an error occurs this function
		// is called multiple times!
		wr := bytes.NewBuffer(buf[:0])
		_, cerr := io.Copy(wr, rd)
		if cerr != nil {
			return cerr
		}
		buf = wr.Bytes()

		if h.Type != strata.ConfigFile {
			if matches, err := verifyContentMatchesName(h.Name, buf); err == nil && !matches {
				debug.Log("retry loading broken blob %v", h)
				if !retriedInvalidData {
					retriedInvalidData = true
				} else {
					// with a broken file content comes a completely broken
					// download, abort the retries
					return backoff.Permanent(errors.Errorf("loadAll(%v): invalid data returned", h))
				}
				return errors.Errorf("loadAll(%v): invalid data returned", h)
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return buf, nil
}
