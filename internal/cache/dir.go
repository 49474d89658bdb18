package cache

import (
	"os"
	"path/filepath"

	"github.com/strata-backup/strata/internal/errors"
)

// EnvDir overrides the default cache directory when set.
const EnvDir = "STRATA_CACHE_DIR"

// DefaultDir returns the default cache directory for the current OS if
// possible. Note, that the cache dir might not exist yet.
func DefaultDir() (cachedir string, err error) {
	cachedir = os.Getenv(EnvDir)
	if cachedir != "" {
		return cachedir, nil
	}

	cachedir, err = os.UserCacheDir()
	if err != nil {
		return "", errors.Errorf("unable to locate cache directory: %v", err)
	}

	return filepath.Join(cachedir, "strata"), nil
}

func mkdirCacheDir(cachedir string) error {
	return os.MkdirAll(cachedir, dirMode)
}
