package cache

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func generateRandomFiles(t testing.TB, tpe strata.FileType, c *Cache) strata.IDSet {
	ids := strata.NewIDSet()
	for i := 0; i < rand.Intn(15)+10; i++ {
		buf := rtest.Random(rand.Int(), 1<<19)
		id := strata.Hash(buf)
		h := strata.Handle{Type: tpe, Name: id.String()}

		if c.Has(h) {
			t.Errorf("index %v present before save", id)
		}

		err := c.save(h, bytes.NewReader(buf))
		if err != nil {
			t.Fatal(err)
		}
		ids.Insert(id)
	}
	return ids
}

// randomID returns a random ID from s.
func randomID(s strata.IDSet) strata.ID {
	for id := range s {
		return id
	}
	panic("set is empty")
}

func load(t testing.TB, c *Cache, h strata.Handle) []byte {
	rd, err := c.load(h, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	if rd == nil {
		t.Fatalf("load() returned nil reader")
	}

	buf, err := io.ReadAll(rd)
	if err != nil {
		t.Fatal(err)
	}

	if err = rd.Close(); err != nil {
		t.Fatal(err)
	}

	return buf
}

func listFiles(t testing.TB, c *Cache, tpe strata.FileType) strata.IDSet {
	list, err := c.list(tpe)
	if err != nil {
		t.Errorf("listing failed: %v", err)
	}

	return list
}

func clearFiles(t testing.TB, c *Cache, tpe strata.FileType, valid strata.IDSet) {
	if err := c.Clear(tpe, valid); err != nil {
		t.Error(err)
	}
}

func TestFiles(t *testing.T) {
	seed := time.Now().Unix()
	t.Logf("seed is %v", seed)
	rand.Seed(seed)

	c := TestNewCache(t)

	var tests = []strata.FileType{
		strata.SnapshotFile,
		strata.PackFile,
		strata.IndexFile,
	}

	for _, tpe := range tests {
		t.Run(string(tpe), func(t *testing.T) {
			ids := generateRandomFiles(t, tpe, c)
			id := randomID(ids)

			h := strata.Handle{Type: tpe, Name: id.String()}
			id2 := strata.Hash(load(t, c, h))

			rtest.Equals(t, id, id2)

			if !c.Has(h) {
				t.Errorf("cache thinks index %v isn't present", id.Str())
			}

			list := listFiles(t, c, tpe)
			if !ids.Equals(list) {
				t.Errorf("wrong list of files returned, want:\n  %v\ngot:\n  %v", ids, list)
			}

			clearFiles(t, c, tpe, strata.NewIDSet(id))
			list2 := listFiles(t, c, tpe)
			rtest.Equals(t, strata.NewIDSet(id), list2)
		})
	}
}

func TestFileLoad(t *testing.T) {
	seed := time.Now().Unix()
	t.Logf("seed is %v", seed)
	rand.Seed(seed)

	c := TestNewCache(t)

	// save about 5 MiB of data in the cache
	data := rtest.Random(rand.Int(), 5234142)
	id := strata.ID{}
	copy(id[:], data)
	h := strata.Handle{
		Type: strata.PackFile,
		Name: id.String(),
	}
	if err := c.save(h, bytes.NewReader(data)); err != nil {
		t.Fatalf("Save() returned error: %v", err)
	}

	var tests = []struct {
		offset int64
		length int
	}{
		{0, 200},
		{100, 100},
		{2, 30},
		{88, 720},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			rd, err := c.load(h, test.length, test.offset)
			if err != nil {
				t.Fatal(err)
			}

			buf, err := io.ReadAll(rd)
			if err != nil {
				t.Fatal(err)
			}

			if err = rd.Close(); err != nil {
				t.Fatal(err)
			}

			o := int(test.offset)
			l := test.length
			if l == 0 {
				l = len(data) - o
			}

			if len(buf) != l {
				t.Fatalf("wrong number of bytes returned: want %d, got %d", l, len(buf))
			}

			if !bytes.Equal(buf, data[o:o+l]) {
				t.Fatalf("wrong data returned, want:\n  %02x\ngot:\n  %02x", data[o:o+16], buf[:16])
			}
		})
	}
}

func TestFileLoadChecksum(t *testing.T) {
	c := TestNewCache(t)

	data := rtest.Random(23, 12345)
	id := strata.Hash(data)
	h := strata.Handle{Type: strata.IndexFile, Name: id.String()}

	rtest.OK(t, c.save(h, bytes.NewReader(data)))

	// complete loads verify the checksum
	buf := load(t, c, h)
	rtest.Equals(t, data, buf)

	// flip a byte in the cached copy
	fn := c.filename(h)
	raw, err := os.ReadFile(fn)
	rtest.OK(t, err)
	raw[len(raw)/2] ^= 0x42
	rtest.OK(t, os.WriteFile(fn, raw, fileMode))

	_, err = c.load(h, 0, 0)
	if err == nil {
		t.Fatal("expected error for corrupted cache entry")
	}

	// the corrupted entry must be gone
	if c.Has(h) {
		t.Fatal("corrupted entry still present in the cache")
	}
}

func TestFileSaveTruncated(t *testing.T) {
	c := TestNewCache(t)

	// saving a file that is too short to be a valid repository file must be
	// silently skipped
	id := strata.Hash([]byte("short"))
	h := strata.Handle{Type: strata.IndexFile, Name: id.String()}
	rtest.OK(t, c.save(h, bytes.NewReader([]byte("short"))))

	if c.Has(h) {
		t.Fatal("truncated file ended up in the cache")
	}
}

func TestFileSaveConcurrent(t *testing.T) {
	const nproc = 40

	c := TestNewCache(t)

	var (
		data = rtest.Random(1, 10000)
		id   = strata.Hash(data)
		h    = strata.Handle{Type: strata.PackFile, Name: id.String()}
	)

	errc := make(chan error, nproc)

	for i := 0; i < nproc/2; i++ {
		go func() { errc <- c.save(h, bytes.NewReader(data)) }()

		// Can't use load because only the main goroutine may call t.Fatal.
		go func() {
			// The timing is hard to get right, but the main thing we want to
			// ensure is ENOENT or nil error.
			time.Sleep(time.Duration(rand.Intn(int(100 * time.Microsecond))))

			f, err := c.load(h, 0, 0)
			t.Logf("Load error: %v", err)
			switch {
			case err == nil:
				errc <- f.Close()
			case os.IsNotExist(err):
				errc <- nil
			default:
				errc <- err
			}
		}()
	}

	for i := 0; i < nproc; i++ {
		rtest.OK(t, <-errc)
	}

	saved := load(t, c, h)
	rtest.Equals(t, data, saved)
}

func TestCacheDir(t *testing.T) {
	cachedir := t.TempDir()

	t.Setenv(EnvDir, cachedir)

	dir, err := DefaultDir()
	rtest.OK(t, err)
	rtest.Equals(t, cachedir, dir)
}

func TestOldDirs(t *testing.T) {
	base := t.TempDir()

	id := strata.NewRandomID().String()
	dir := filepath.Join(base, id)
	rtest.OK(t, os.MkdirAll(dir, dirMode))

	old := time.Now().Add(-2 * MaxCacheAge)
	rtest.OK(t, os.Chtimes(dir, old, old))

	// a directory whose name is not a repository ID is skipped
	rtest.OK(t, os.MkdirAll(filepath.Join(base, "not-an-id"), dirMode))

	dirs, err := Old(base)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(dirs))
	rtest.Equals(t, id, dirs[0].Name())
}
