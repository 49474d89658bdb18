package local

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func newTestBackend(t testing.TB) *Local {
	cfg := NewConfig()
	cfg.Path = t.TempDir()

	be, err := Create(context.TODO(), cfg)
	rtest.OK(t, err)
	return be
}

func save(t testing.TB, be *Local, h strata.Handle, data []byte) {
	t.Helper()
	rtest.OK(t, be.Save(context.TODO(), h, strata.NewByteReader(data, be.Hasher())))
}

func load(t testing.TB, be *Local, h strata.Handle, length int, offset int64) []byte {
	t.Helper()
	var buf []byte
	err := be.Load(context.TODO(), h, length, offset, func(rd io.Reader) error {
		var err error
		buf, err = io.ReadAll(rd)
		return err
	})
	rtest.OK(t, err)
	return buf
}

func TestSaveLoad(t *testing.T) {
	be := newTestBackend(t)

	data := rtest.Random(23, 24*1024)
	h := strata.Handle{Type: strata.PackFile, Name: strata.Hash(data).String()}

	save(t, be, h, data)

	buf := load(t, be, h, 0, 0)
	rtest.Assert(t, bytes.Equal(buf, data), "data mismatch after save/load")

	// partial read
	buf = load(t, be, h, 100, 23)
	rtest.Assert(t, bytes.Equal(buf, data[23:123]), "partial load returned wrong data")

	fi, err := be.Stat(context.TODO(), h)
	rtest.OK(t, err)
	rtest.Equals(t, int64(len(data)), fi.Size)
}

func TestLoadTooLarge(t *testing.T) {
	be := newTestBackend(t)

	data := rtest.Random(42, 100)
	h := strata.Handle{Type: strata.PackFile, Name: strata.Hash(data).String()}
	save(t, be, h, data)

	// reads past the end of the file must fail permanently
	err := be.Load(context.TODO(), h, 50, 80, func(_ io.Reader) error { return nil })
	rtest.Assert(t, err != nil, "expected error for out of bounds read")
	rtest.Assert(t, be.IsPermanentError(err), "error should be permanent, got %v", err)
}

func TestList(t *testing.T) {
	be := newTestBackend(t)

	expected := strata.NewIDSet()
	for i := 0; i < 5; i++ {
		data := rtest.Random(i, 128)
		id := strata.Hash(data)
		save(t, be, strata.Handle{Type: strata.PackFile, Name: id.String()}, data)
		expected.Insert(id)
	}

	listed := strata.NewIDSet()
	rtest.OK(t, be.List(context.TODO(), strata.PackFile, func(fi strata.FileInfo) error {
		id, err := strata.ParseID(fi.Name)
		rtest.OK(t, err)
		listed.Insert(id)
		return nil
	}))

	rtest.Assert(t, expected.Equals(listed), "listed files do not match, want %v, got %v", expected, listed)
}

func TestRemove(t *testing.T) {
	be := newTestBackend(t)

	data := rtest.Random(23, 128)
	h := strata.Handle{Type: strata.SnapshotFile, Name: strata.Hash(data).String()}
	save(t, be, h, data)

	rtest.OK(t, be.Remove(context.TODO(), h))

	_, err := be.Stat(context.TODO(), h)
	rtest.Assert(t, be.IsNotExist(err), "expected file not found error, got %v", err)
}

func TestSaveIsAtomic(t *testing.T) {
	be := newTestBackend(t)

	// no temporary files must remain after a successful save
	data := rtest.Random(1, 1024)
	h := strata.Handle{Type: strata.PackFile, Name: strata.Hash(data).String()}
	save(t, be, h, data)

	dir := filepath.Dir(be.Filename(h))
	entries, err := os.ReadDir(dir)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(entries))
}

func TestOpenNotExist(t *testing.T) {
	cfg := NewConfig()
	cfg.Path = filepath.Join(t.TempDir(), "does-not-exist")

	_, err := Open(context.TODO(), cfg)
	rtest.Assert(t, err != nil, "expected error for missing repository")
}
