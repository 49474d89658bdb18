package walker

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/strata-backup/strata/internal/errors"
	"github.com/strata-backup/strata/internal/strata"
)

// TestTree is used to construct a list of trees for testing the walker.
type TestTree map[string]interface{}

// TestFile is a leaf entry in a TestTree.
type TestFile struct{}

func BuildTreeMap(tree TestTree) (m TreeMap, root strata.ID) {
	m = TreeMap{}
	id := buildTreeMap(tree, m)
	return m, id
}

func buildTreeMap(tree TestTree, m TreeMap) strata.ID {
	tb := strata.NewTreeJSONBuilder()
	var names []string
	for name := range tree {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		item := tree[name]
		switch elem := item.(type) {
		case TestFile:
			err := tb.AddNode(&strata.Node{
				Name: name,
				Type: strata.NodeTypeFile,
			})
			if err != nil {
				panic(err)
			}
		case TestTree:
			id := buildTreeMap(elem, m)
			err := tb.AddNode(&strata.Node{
				Name:    name,
				Subtree: &id,
				Type:    strata.NodeTypeDir,
			})
			if err != nil {
				panic(err)
			}
		default:
			panic(fmt.Sprintf("invalid type %T", elem))
		}
	}

	buf, err := tb.Finalize()
	if err != nil {
		panic(err)
	}

	id := strata.Hash(buf)

	if _, ok := m[id]; !ok {
		m[id] = buf
	}

	return id
}

// TreeMap returns the trees from the map on LoadBlob.
type TreeMap map[strata.ID][]byte

func (t TreeMap) LoadBlob(ctx context.Context, tpe strata.BlobType, id strata.ID, buf []byte) ([]byte, error) {
	if tpe != strata.TreeBlob {
		return nil, errors.New("can only load trees")
	}
	tree, ok := t[id]
	if !ok {
		return nil, errors.New("tree not found")
	}
	return tree, nil
}

func (t TreeMap) LookupBlobSize(tpe strata.BlobType, id strata.ID) (uint, bool) {
	tree, ok := t[id]
	return uint(len(tree)), ok
}

func (t TreeMap) Connections() uint {
	return 2
}

// checkFunc returns a function suitable for walking the tree to check
// something, and a function which will check the final result.
type checkFunc func(t testing.TB) (walker WalkFunc, leaveDir func(path string), final func(testing.TB))

// checkItemOrder ensures that the order of the 'path' arguments is the one
// passed in as 'want'.
func checkItemOrder(want []string) checkFunc {
	pos := 0
	return func(t testing.TB) (walker WalkFunc, leaveDir func(path string), final func(testing.TB)) {
		walker = func(treeID strata.ID, path string, node *strata.Node, err error) error {
			if err != nil {
				t.Errorf("error walking %v: %v", path, err)
				return err
			}

			if pos >= len(want) {
				t.Errorf("additional unexpected path found: %v", path)
				return nil
			}

			if path != want[pos] {
				t.Errorf("wrong path found, want %q, got %q", want[pos], path)
			}
			pos++
			return nil
		}

		leaveDir = func(path string) {
			walker(strata.ID{}, "leave: "+path, nil, nil)
		}

		final = func(t testing.TB) {
			if pos != len(want) {
				t.Errorf("not enough items returned, want %d, got %d", len(want), pos)
			}
		}

		return walker, leaveDir, final
	}
}

// checkSkipFor returns ErrSkipNode if path is in skipFor, and checks that the
// paths the walk func is called for are exactly the ones in wantPaths.
func checkSkipFor(skipFor map[string]struct{}, wantPaths []string) checkFunc {
	var pos int

	return func(t testing.TB) (walker WalkFunc, leaveDir func(path string), final func(testing.TB)) {
		walker = func(treeID strata.ID, path string, node *strata.Node, err error) error {
			if err != nil {
				t.Errorf("error walking %v: %v", path, err)
				return err
			}

			if pos >= len(wantPaths) {
				t.Errorf("additional unexpected path found: %v", path)
				return nil
			}

			if path != wantPaths[pos] {
				t.Errorf("wrong path found, want %q, got %q", wantPaths[pos], path)
			}
			pos++

			if _, ok := skipFor[path]; ok {
				return ErrSkipNode
			}

			return nil
		}

		final = func(t testing.TB) {
			if pos != len(wantPaths) {
				t.Errorf("wrong number of paths returned, want %d, got %d", len(wantPaths), pos)
			}
		}

		return walker, nil, final
	}
}

func TestWalker(t *testing.T) {
	var tests = []struct {
		tree   TestTree
		checks []checkFunc
	}{
		{
			tree: TestTree{
				"foo": TestFile{},
				"subdir": TestTree{
					"subfile": TestFile{},
				},
			},
			checks: []checkFunc{
				checkItemOrder([]string{
					"/",
					"/foo",
					"/subdir",
					"/subdir/subfile",
					"leave: /subdir",
					"leave: /",
				}),
			},
		},
		{
			tree: TestTree{
				"aaa": TestFile{},
				"subdir1": TestTree{
					"subfile1": TestFile{},
				},
				"subdir2": TestTree{
					"subfile2": TestFile{},
					"subsubdir2": TestTree{
						"subsubfile3": TestFile{},
					},
				},
			},
			checks: []checkFunc{
				checkItemOrder([]string{
					"/",
					"/aaa",
					"/subdir1",
					"/subdir1/subfile1",
					"leave: /subdir1",
					"/subdir2",
					"/subdir2/subfile2",
					"/subdir2/subsubdir2",
					"/subdir2/subsubdir2/subsubfile3",
					"leave: /subdir2/subsubdir2",
					"leave: /subdir2",
					"leave: /",
				}),
				checkSkipFor(
					map[string]struct{}{
						"/subdir1": {},
					}, []string{
						"/",
						"/aaa",
						"/subdir1",
						"/subdir2",
						"/subdir2/subfile2",
						"/subdir2/subsubdir2",
						"/subdir2/subsubdir2/subsubfile3",
					},
				),
				checkSkipFor(
					map[string]struct{}{
						"/": {},
					}, []string{
						"/",
					},
				),
			},
		},
	}

	for _, test := range tests {
		t.Run("", func(t *testing.T) {
			repo, root := BuildTreeMap(test.tree)
			for _, check := range test.checks {
				t.Run("", func(t *testing.T) {
					ctx, cancel := context.WithCancel(context.TODO())
					defer cancel()

					fn, leaveDir, last := check(t)
					err := Walk(ctx, repo, root, WalkVisitor{ProcessNode: fn, LeaveDir: leaveDir})
					if err != nil {
						t.Error(err)
					}
					last(t)
				})
			}
		})
	}
}
