package strata

import (
	"context"
	"encoding/json"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

// LoadJSONUnpacked decrypts the file managed by handle and unmarshals it into
// item. For the config file, pass the null ID.
func LoadJSONUnpacked(ctx context.Context, repo LoaderUnpacked, t FileType, id ID, item interface{}) (err error) {
	buf, err := repo.LoadUnpacked(ctx, t, id)
	if err != nil {
		return err
	}

	return json.Unmarshal(buf, item)
}

// SaveJSONUnpacked serialises item as JSON and encrypts and saves it in the
// repository as file of type t. It returns the storage hash.
func SaveJSONUnpacked(ctx context.Context, repo SaverUnpacked, t FileType, item interface{}) (ID, error) {
	plaintext, err := json.Marshal(item)
	if err != nil {
		return ID{}, errors.Wrap(err, "json.Marshal")
	}

	id, err := repo.SaveUnpacked(ctx, t, plaintext)
	if err != nil {
		return ID{}, err
	}
	debug.Log("saved new %v as %v", t, id)
	return id, nil
}
