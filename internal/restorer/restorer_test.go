package restorer_test

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/archiver"
	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/restorer"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func saveSnapshot(t testing.TB, repo strata.Repository, target string) *strata.Snapshot {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arch := archiver.New(repo, archiver.LocalFS{}, archiver.Options{})
	sn, _, err := arch.Snapshot(ctx, []string{target}, archiver.SnapshotOptions{
		Time:     time.Now(),
		Hostname: "localhost",
	})
	rtest.OK(t, err)

	return sn
}

func TestRestorer(t *testing.T) {
	srcdir := t.TempDir()

	large := make([]byte, 3*1024*1024)
	_, _ = rand.New(rand.NewSource(42)).Read(large)

	files := map[string][]byte{
		"foo":             []byte("content: foo\n"),
		"dirtest/file":    []byte("content: file\n"),
		"dirtest/sub/big": large,
		"empty":           {},
	}
	for name, content := range files {
		p := filepath.Join(srcdir, name)
		rtest.OK(t, os.MkdirAll(filepath.Dir(p), 0755))
		rtest.OK(t, os.WriteFile(p, content, 0644))
	}
	rtest.OK(t, os.Symlink("foo", filepath.Join(srcdir, "link")))

	repo := repository.TestRepository(t)
	sn := saveSnapshot(t, repo, srcdir)

	dstdir := t.TempDir()
	res := restorer.NewRestorer(repo, sn, restorer.Options{})
	rtest.OK(t, res.RestoreTo(context.TODO(), dstdir))

	base := filepath.Join(dstdir, filepath.Base(srcdir))
	for name, content := range files {
		data, err := os.ReadFile(filepath.Join(base, name))
		rtest.OK(t, err)
		rtest.Assert(t, len(data) == len(content), "wrong size for %v: want %d, got %d", name, len(content), len(data))
		rtest.Equals(t, string(content), string(data))
	}

	// file mode must be restored
	fi, err := os.Lstat(filepath.Join(base, "foo"))
	rtest.OK(t, err)
	rtest.Equals(t, os.FileMode(0644), fi.Mode().Perm())

	// the symlink must point at the original target
	linkTarget, err := os.Readlink(filepath.Join(base, "link"))
	rtest.OK(t, err)
	rtest.Equals(t, "foo", linkTarget)
}

func TestRestorerSelect(t *testing.T) {
	srcdir := t.TempDir()
	for _, name := range []string{"wanted", "unwanted"} {
		rtest.OK(t, os.WriteFile(filepath.Join(srcdir, name), []byte(name), 0600))
	}

	repo := repository.TestRepository(t)
	sn := saveSnapshot(t, repo, srcdir)

	dstdir := t.TempDir()
	res := restorer.NewRestorer(repo, sn, restorer.Options{})
	res.SelectFilter = func(item string, isDir bool) (bool, bool) {
		if isDir {
			return true, true
		}
		return filepath.Base(item) == "wanted", false
	}
	rtest.OK(t, res.RestoreTo(context.TODO(), dstdir))

	base := filepath.Join(dstdir, filepath.Base(srcdir))
	_, err := os.Stat(filepath.Join(base, "wanted"))
	rtest.OK(t, err)
	_, err = os.Stat(filepath.Join(base, "unwanted"))
	rtest.Assert(t, os.IsNotExist(err), "unwanted file was restored")
}

func TestRestorerDryRun(t *testing.T) {
	srcdir := t.TempDir()
	rtest.OK(t, os.WriteFile(filepath.Join(srcdir, "file"), []byte("data"), 0600))

	repo := repository.TestRepository(t)
	sn := saveSnapshot(t, repo, srcdir)

	dstdir := filepath.Join(t.TempDir(), "dst")
	res := restorer.NewRestorer(repo, sn, restorer.Options{DryRun: true})
	rtest.OK(t, res.RestoreTo(context.TODO(), dstdir))

	_, err := os.Stat(dstdir)
	rtest.Assert(t, os.IsNotExist(err), "dry run must not create any files")
}

func TestRestorerHardlinks(t *testing.T) {
	srcdir := t.TempDir()
	p := filepath.Join(srcdir, "original")
	rtest.OK(t, os.WriteFile(p, []byte("linked content"), 0600))
	rtest.OK(t, os.Link(p, filepath.Join(srcdir, "link")))

	repo := repository.TestRepository(t)
	sn := saveSnapshot(t, repo, srcdir)

	dstdir := t.TempDir()
	res := restorer.NewRestorer(repo, sn, restorer.Options{})
	rtest.OK(t, res.RestoreTo(context.TODO(), dstdir))

	base := filepath.Join(dstdir, filepath.Base(srcdir))
	fi1, err := os.Stat(filepath.Join(base, "original"))
	rtest.OK(t, err)
	fi2, err := os.Stat(filepath.Join(base, "link"))
	rtest.OK(t, err)
	rtest.Assert(t, os.SameFile(fi1, fi2), "restored files are not hardlinked")
}
