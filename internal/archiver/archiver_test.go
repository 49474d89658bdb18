package archiver

import (
	"bytes"
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/strata-backup/strata/internal/repository"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

func prepareTempdirRepoSrc(t testing.TB, src map[string]string) (string, strata.Repository) {
	tempdir := t.TempDir()
	repo := repository.TestRepository(t)

	for name, content := range src {
		p := filepath.Join(tempdir, name)
		rtest.OK(t, os.MkdirAll(filepath.Dir(p), 0700))
		rtest.OK(t, os.WriteFile(p, []byte(content), 0600))
	}

	return tempdir, repo
}

func snapshot(t testing.TB, repo strata.Repository, fs FS, targets []string) (*strata.Snapshot, strata.ID) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	arch := New(repo, fs, Options{})
	sn, id, err := arch.Snapshot(ctx, targets, SnapshotOptions{
		Time:     time.Now(),
		Hostname: "localhost",
	})
	rtest.OK(t, err)

	return sn, id
}

// loadFile reassembles the content of the file node from the repo.
func loadFile(t testing.TB, repo strata.BlobLoader, node *strata.Node) []byte {
	buf := bytes.NewBuffer(nil)
	for _, id := range node.Content {
		data, err := repo.LoadBlob(context.TODO(), strata.DataBlob, id, nil)
		rtest.OK(t, err)
		_, _ = buf.Write(data)
	}
	return buf.Bytes()
}

func findNode(t testing.TB, tree *strata.Tree, name string) *strata.Node {
	node := tree.Find(name)
	if node == nil {
		t.Fatalf("node %q not found in tree", name)
	}
	return node
}

func TestArchiverSnapshot(t *testing.T) {
	src := map[string]string{
		"targetfile":      "foobar",
		"subdir/file":     "file in subdirectory",
		"subdir/sub/nest": "deeply nested",
		"emptyfile":       "",
	}

	tempdir, repo := prepareTempdirRepoSrc(t, src)
	sn, id := snapshot(t, repo, LocalFS{}, []string{tempdir})

	rtest.Assert(t, !id.IsNull(), "snapshot id is null")
	rtest.Assert(t, sn.Tree != nil, "snapshot has nil tree")

	ctx := context.TODO()
	root, err := strata.LoadTree(ctx, repo, *sn.Tree)
	rtest.OK(t, err)
	rtest.Equals(t, 1, len(root.Nodes))

	dirNode := findNode(t, root, filepath.Base(tempdir))
	rtest.Equals(t, strata.NodeTypeDir, dirNode.Type)

	tree, err := strata.LoadTree(ctx, repo, *dirNode.Subtree)
	rtest.OK(t, err)

	for _, tc := range []struct {
		name, content string
	}{
		{"targetfile", "foobar"},
		{"emptyfile", ""},
	} {
		node := findNode(t, tree, tc.name)
		rtest.Equals(t, strata.NodeTypeFile, node.Type)
		rtest.Equals(t, tc.content, string(loadFile(t, repo, node)))
	}

	subdir := findNode(t, tree, "subdir")
	subtree, err := strata.LoadTree(ctx, repo, *subdir.Subtree)
	rtest.OK(t, err)
	rtest.Equals(t, "file in subdirectory",
		string(loadFile(t, repo, findNode(t, subtree, "file"))))
}

func TestArchiverSnapshotLargeFile(t *testing.T) {
	tempdir := t.TempDir()
	repo := repository.TestRepository(t)

	// large enough to be split into several chunks
	data := make([]byte, 8*1024*1024)
	_, _ = rand.New(rand.NewSource(23)).Read(data)
	rtest.OK(t, os.WriteFile(filepath.Join(tempdir, "large"), data, 0600))

	sn, _ := snapshot(t, repo, LocalFS{}, []string{tempdir})

	ctx := context.TODO()
	root, err := strata.LoadTree(ctx, repo, *sn.Tree)
	rtest.OK(t, err)
	tree, err := strata.LoadTree(ctx, repo, *root.Nodes[0].Subtree)
	rtest.OK(t, err)

	node := findNode(t, tree, "large")
	rtest.Equals(t, uint64(len(data)), node.Size)
	rtest.Assert(t, len(node.Content) > 1, "expected more than one blob, got %d", len(node.Content))
	rtest.Assert(t, bytes.Equal(data, loadFile(t, repo, node)), "restored data mismatch")
}

func TestArchiverDedup(t *testing.T) {
	src := map[string]string{
		"first": "identical content",
	}

	tempdir, repo := prepareTempdirRepoSrc(t, src)
	ctx := context.TODO()

	_, _ = snapshot(t, repo, LocalFS{}, []string{tempdir})

	// a second file with the same content must not add any data blobs
	rtest.OK(t, os.WriteFile(filepath.Join(tempdir, "second"), []byte("identical content"), 0600))

	var dataBlobs int
	arch := New(repo, LocalFS{}, Options{})
	arch.CompleteItem = func(item string, previous, current *strata.Node, s ItemStats, d time.Duration) {
		dataBlobs += s.DataBlobs
	}

	sn, _, err := arch.Snapshot(ctx, []string{tempdir}, SnapshotOptions{Time: time.Now()})
	rtest.OK(t, err)
	rtest.Equals(t, 0, dataBlobs)

	root, err := strata.LoadTree(ctx, repo, *sn.Tree)
	rtest.OK(t, err)
	tree, err := strata.LoadTree(ctx, repo, *root.Nodes[0].Subtree)
	rtest.OK(t, err)

	first := findNode(t, tree, "first")
	second := findNode(t, tree, "second")
	rtest.Equals(t, first.Content, second.Content)
}

func TestArchiverSelect(t *testing.T) {
	src := map[string]string{
		"included":      "kept",
		"excluded":      "dropped",
		"skipdir/inner": "dropped too",
	}

	tempdir, repo := prepareTempdirRepoSrc(t, src)

	arch := New(repo, LocalFS{}, Options{})
	arch.Select = func(item string, fi os.FileInfo) bool {
		base := filepath.Base(item)
		return base != "excluded" && base != "skipdir"
	}

	ctx := context.TODO()
	sn, _, err := arch.Snapshot(ctx, []string{tempdir}, SnapshotOptions{Time: time.Now()})
	rtest.OK(t, err)

	root, err := strata.LoadTree(ctx, repo, *sn.Tree)
	rtest.OK(t, err)
	tree, err := strata.LoadTree(ctx, repo, *root.Nodes[0].Subtree)
	rtest.OK(t, err)

	rtest.Equals(t, 1, len(tree.Nodes))
	rtest.Equals(t, "included", tree.Nodes[0].Name)
}

func TestArchiverErrorHandler(t *testing.T) {
	src := map[string]string{
		"readable": "fine",
	}

	tempdir, repo := prepareTempdirRepoSrc(t, src)

	// reference a file that does not exist
	missing := filepath.Join(tempdir, "does-not-exist")

	var handled []string
	arch := New(repo, LocalFS{}, Options{})
	arch.Error = func(file string, err error) error {
		handled = append(handled, file)
		// ignore the error
		return nil
	}

	ctx := context.TODO()
	_, _, err := arch.Snapshot(ctx, []string{tempdir, missing}, SnapshotOptions{Time: time.Now()})
	rtest.OK(t, err)
	rtest.Assert(t, len(handled) > 0, "error handler was not called")
}

func TestArchiverSnapshotNothing(t *testing.T) {
	repo := repository.TestRepository(t)

	arch := New(repo, LocalFS{}, Options{})
	_, _, err := arch.Snapshot(context.TODO(), []string{}, SnapshotOptions{Time: time.Now()})
	rtest.Assert(t, err != nil, "expected error for empty target list")
}

func TestArchiverContextCanceled(t *testing.T) {
	tempdir, repo := prepareTempdirRepoSrc(t, map[string]string{"file": "x"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	arch := New(repo, LocalFS{}, Options{})
	_, _, err := arch.Snapshot(ctx, []string{tempdir}, SnapshotOptions{Time: time.Now()})
	rtest.Assert(t, err != nil, "expected error for canceled context")
}

func snapshotFileNode(t testing.TB, repo strata.Repository, sn *strata.Snapshot, name string) *strata.Node {
	ctx := context.TODO()
	root, err := strata.LoadTree(ctx, repo, *sn.Tree)
	rtest.OK(t, err)
	tree, err := strata.LoadTree(ctx, repo, *root.Nodes[0].Subtree)
	rtest.OK(t, err)
	return findNode(t, tree, name)
}

func TestArchiverChunkDedup(t *testing.T) {
	tempdir := t.TempDir()
	repo := repository.TestRepository(t)

	data := make([]byte, 10*1024*1024)
	_, _ = rand.New(rand.NewSource(42)).Read(data)
	fname := filepath.Join(tempdir, "file")
	rtest.OK(t, os.WriteFile(fname, data, 0600))

	sn1, _ := snapshot(t, repo, LocalFS{}, []string{tempdir})

	node1 := snapshotFileNode(t, repo, sn1, "file")
	rtest.Assert(t, len(node1.Content) > 2, "expected at least three chunks, got %d", len(node1.Content))

	// locate the chunk in the middle of the file and flip a byte inside it
	m := len(node1.Content) / 2
	var offset uint64
	for i := 0; i < m; i++ {
		size, found := repo.LookupBlobSize(strata.DataBlob, node1.Content[i])
		rtest.Assert(t, found, "blob %v not in index", node1.Content[i])
		offset += uint64(size)
	}
	size, found := repo.LookupBlobSize(strata.DataBlob, node1.Content[m])
	rtest.Assert(t, found, "blob %v not in index", node1.Content[m])
	data[offset+uint64(size)/2] ^= 0xff
	rtest.OK(t, os.WriteFile(fname, data, 0600))

	var newBlobs int
	arch := New(repo, LocalFS{}, Options{})
	arch.CompleteItem = func(item string, previous, current *strata.Node, s ItemStats, d time.Duration) {
		newBlobs += s.DataBlobs
	}

	ctx := context.TODO()
	sn2, _, err := arch.Snapshot(ctx, []string{tempdir}, SnapshotOptions{Time: time.Now()})
	rtest.OK(t, err)

	node2 := snapshotFileNode(t, repo, sn2, "file")
	rtest.Assert(t, bytes.Equal(data, loadFile(t, repo, node2)), "restored data mismatch")

	// all chunks before the modified one keep their boundaries and must be
	// reused unchanged
	lead := 0
	for lead < len(node1.Content) && lead < len(node2.Content) &&
		node1.Content[lead].Equal(node2.Content[lead]) {
		lead++
	}
	rtest.Equals(t, m, lead)

	// the chunker resynchronizes shortly after the modification, the
	// trailing chunks are reused as well
	tail := 0
	for tail < len(node1.Content)-lead && tail < len(node2.Content)-lead &&
		node1.Content[len(node1.Content)-1-tail].Equal(node2.Content[len(node2.Content)-1-tail]) {
		tail++
	}
	rtest.Assert(t, tail >= len(node1.Content)-m-2,
		"expected trailing chunks to be reused, only %d of %d matched", tail, len(node1.Content)-m-1)

	// only the chunks overlapping the modification were stored again
	rtest.Equals(t, len(node2.Content)-lead-tail, newBlobs)
	rtest.Assert(t, newBlobs >= 1 && newBlobs <= 3,
		"expected only the modified chunks to be stored, got %d new blobs", newBlobs)
}

func TestArchiverDedupIdenticalFiles(t *testing.T) {
	tempdir := t.TempDir()
	repo := repository.TestRepository(t)

	data := make([]byte, 6*1024*1024)
	_, _ = rand.New(rand.NewSource(7)).Read(data)
	rtest.OK(t, os.WriteFile(filepath.Join(tempdir, "first"), data, 0600))
	rtest.OK(t, os.WriteFile(filepath.Join(tempdir, "second"), data, 0600))

	sn, _ := snapshot(t, repo, LocalFS{}, []string{tempdir})

	first := snapshotFileNode(t, repo, sn, "first")
	second := snapshotFileNode(t, repo, sn, "second")
	rtest.Assert(t, len(first.Content) > 1, "expected more than one chunk, got %d", len(first.Content))
	rtest.Equals(t, first.Content, second.Content)

	// the packs must hold about one copy of the data, not two
	var stored int64
	rtest.OK(t, repo.List(context.TODO(), strata.PackFile, func(_ strata.ID, size int64) error {
		stored += size
		return nil
	}))
	rtest.Assert(t, stored < int64(len(data))+int64(len(data))/2,
		"expected %d bytes of file data to be stored once, packs hold %d bytes", len(data), stored)
}
