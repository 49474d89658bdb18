package repository

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/backend/local"
	"github.com/strata-backup/strata/internal/backend/mem"
	"github.com/strata-backup/strata/internal/backend/retry"
	"github.com/strata-backup/strata/internal/crypto"
	"github.com/strata-backup/strata/internal/strata"
	"github.com/strata-backup/strata/internal/test"

	"github.com/restic/chunker"
)

// testKDFParams are the parameters for the KDF to be used during testing.
var testKDFParams = crypto.Params{
	N: 128,
	R: 1,
	P: 1,
}

type logger interface {
	Logf(format string, args ...interface{})
}

// TestUseLowSecurityKDFParameters configures low-security KDF parameters for testing.
func TestUseLowSecurityKDFParameters(t logger) {
	t.Logf("using low-security KDF parameters for test")
	Params = &testKDFParams
}

// TestBackend returns a fully configured in-memory backend.
func TestBackend(_ testing.TB) strata.Backend {
	return mem.New()
}

const TestChunkerPol = chunker.Pol(0x3DA3358B4DC173)

// TestRepositoryWithBackend returns a repository initialized with a test
// password. If be is nil, an in-memory backend is used. A constant polynomial
// is used for the chunker and low-security test parameters.
func TestRepositoryWithBackend(t testing.TB, be strata.Backend, version uint, opts Options) *Repository {
	t.Helper()
	TestUseLowSecurityKDFParameters(t)
	strata.TestDisableCheckPolynomial(t)

	if be == nil {
		be = TestBackend(t)
	}

	repo, err := New(be, opts)
	if err != nil {
		t.Fatalf("TestRepository(): new repo failed: %v", err)
	}

	cfg := strata.TestCreateConfig(t, TestChunkerPol, version)
	err = repo.init(context.TODO(), test.TestPassword, cfg)
	if err != nil {
		t.Fatalf("TestRepository(): initialize repo failed: %v", err)
	}

	return repo
}

// TestRepository returns a repository initialized with a test password on an
// in-memory backend. When the environment variable STRATA_TEST_REPO is set to
// a non-existing directory, a local backend is created there and this is used
// instead. The directory is not removed, but left there for inspection.
func TestRepository(t testing.TB) *Repository {
	t.Helper()
	return TestRepositoryWithVersion(t, 0)
}

func TestRepositoryWithVersion(t testing.TB, version uint) *Repository {
	t.Helper()
	dir := os.Getenv("STRATA_TEST_REPO")
	opts := Options{}
	if dir != "" {
		_, err := os.Stat(dir)
		if err != nil {
			be, err := local.Create(context.TODO(), local.Config{Path: dir, Connections: 2})
			if err != nil {
				t.Fatalf("error creating local backend at %v: %v", dir, err)
			}
			return TestRepositoryWithBackend(t, be, version, opts)
		}

		if err == nil {
			t.Logf("directory at %v already exists, using mem backend", dir)
		}
	}

	return TestRepositoryWithBackend(t, nil, version, opts)
}

// TestOpenLocal opens a local repository.
func TestOpenLocal(t testing.TB, dir string) *Repository {
	var be strata.Backend
	be, err := local.Open(context.TODO(), local.Config{Path: dir, Connections: 2})
	if err != nil {
		t.Fatal(err)
	}

	be = retry.New(be, 15*time.Minute, nil, nil)

	return TestOpenBackend(t, be)
}

// TestAllVersions runs testF with all repository format versions.
func TestAllVersions(t *testing.T, testF func(t *testing.T, version uint)) {
	for version := uint(strata.MinRepoVersion); version <= strata.MaxRepoVersion; version++ {
		t.Run(fmt.Sprintf("v%d", version), func(t *testing.T) {
			testF(t, version)
		})
	}
}

func BenchmarkAllVersions(b *testing.B, bF func(b *testing.B, version uint)) {
	for version := uint(strata.MinRepoVersion); version <= strata.MaxRepoVersion; version++ {
		b.Run(fmt.Sprintf("v%d", version), func(b *testing.B) {
			bF(b, version)
		})
	}
}

func TestOpenBackend(t testing.TB, be strata.Backend) *Repository {
	t.Helper()
	repo, err := New(be, Options{})
	if err != nil {
		t.Fatal(err)
	}
	err = repo.SearchKey(context.TODO(), test.TestPassword, 10, "")
	if err != nil {
		t.Fatal(err)
	}

	return repo
}
