package strata_test

import (
	"context"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
	rtest "github.com/strata-backup/strata/internal/test"
)

// treeLoader serves trees from a map and knows the sizes of a set of data
// blobs.
type treeLoader struct {
	trees map[strata.ID][]byte
	data  strata.IDSet
}

func (l *treeLoader) LoadBlob(_ context.Context, t strata.BlobType, id strata.ID, _ []byte) ([]byte, error) {
	if t != strata.TreeBlob {
		return nil, errors.New("can only load trees")
	}
	buf, ok := l.trees[id]
	if !ok {
		return nil, errors.Errorf("tree %v not found", id)
	}
	return buf, nil
}

func (l *treeLoader) LookupBlobSize(t strata.BlobType, id strata.ID) (uint, bool) {
	if t == strata.DataBlob && l.data.Has(id) {
		return 42, true
	}
	_, ok := l.trees[id]
	return 0, ok
}

func (l *treeLoader) Connections() uint {
	return 2
}

func (l *treeLoader) saveTree(t *testing.T, nodes []*strata.Node) strata.ID {
	tb := strata.NewTreeJSONBuilder()
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].Name < nodes[j].Name })
	for _, node := range nodes {
		rtest.OK(t, tb.AddNode(node))
	}
	buf, err := tb.Finalize()
	rtest.OK(t, err)

	id := strata.Hash(buf)
	l.trees[id] = buf
	return id
}

func (l *treeLoader) file(name string, content ...strata.ID) *strata.Node {
	for _, id := range content {
		l.data.Insert(id)
	}
	return &strata.Node{Name: name, Type: strata.NodeTypeFile, Content: content}
}

func TestFindUsedBlobs(t *testing.T) {
	loader := &treeLoader{trees: map[strata.ID][]byte{}, data: strata.NewIDSet()}

	blobA := strata.Hash([]byte("a"))
	blobB := strata.Hash([]byte("b"))
	blobC := strata.Hash([]byte("c"))

	shared := loader.saveTree(t, []*strata.Node{
		loader.file("shared", blobC),
	})
	subdir := func(name string, id strata.ID) *strata.Node {
		return &strata.Node{Name: name, Type: strata.NodeTypeDir, Subtree: &id}
	}

	root1 := loader.saveTree(t, []*strata.Node{
		loader.file("a", blobA),
		subdir("sub", shared),
	})
	root2 := loader.saveTree(t, []*strata.Node{
		loader.file("b", blobB),
		subdir("sub", shared),
	})

	usedBlobs := strata.NewCountedBlobSet()
	var processed int
	err := strata.FindUsedBlobs(context.TODO(), loader, strata.IDs{root1, root2}, usedBlobs, func() {
		processed++
	})
	rtest.OK(t, err)

	// the shared subtree is loaded only once
	rtest.Equals(t, 3, processed)

	want := strata.NewCountedBlobSet(
		strata.BlobHandle{ID: root1, Type: strata.TreeBlob},
		strata.BlobHandle{ID: root2, Type: strata.TreeBlob},
		strata.BlobHandle{ID: shared, Type: strata.TreeBlob},
		strata.BlobHandle{ID: blobA, Type: strata.DataBlob},
		strata.BlobHandle{ID: blobB, Type: strata.DataBlob},
		strata.BlobHandle{ID: blobC, Type: strata.DataBlob},
	)
	if diff := cmp.Diff(want.List(), usedBlobs.List()); diff != "" {
		t.Errorf("wrong used blobs (-want +got):\n%s", diff)
	}
}

func TestFindUsedBlobsSkipsSeenTrees(t *testing.T) {
	loader := &treeLoader{trees: map[strata.ID][]byte{}, data: strata.NewIDSet()}

	blob := strata.Hash([]byte("data"))
	root := loader.saveTree(t, []*strata.Node{
		loader.file("f", blob),
	})

	usedBlobs := strata.NewCountedBlobSet()
	err := strata.FindUsedBlobs(context.TODO(), loader, strata.IDs{root, root}, usedBlobs, func() {})
	rtest.OK(t, err)

	rtest.Equals(t, 2, len(usedBlobs))
}
