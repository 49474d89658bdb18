package cache

import (
	"testing"

	"github.com/strata-backup/strata/internal/strata"
)

// TestNewCache returns a cache in a temporary directory which is removed when
// the test ends.
func TestNewCache(t testing.TB) *Cache {
	dir := t.TempDir()
	c, err := New(strata.NewRandomID().String(), dir)
	if err != nil {
		t.Fatal(err)
	}
	return c
}
