package strata

import (
	"encoding/json"
	"testing"

	rtest "github.com/strata-backup/strata/internal/test"
)

func TestTreeInsert(t *testing.T) {
	tree := NewTree(3)

	for _, name := range []string{"foo", "bar", "baz"} {
		rtest.OK(t, tree.Insert(&Node{Name: name, Type: NodeTypeFile}))
	}

	err := tree.Insert(&Node{Name: "foo", Type: NodeTypeFile})
	rtest.Assert(t, err != nil, "inserting a duplicate node did not return an error")

	// nodes must be sorted by name
	names := make([]string, 0, len(tree.Nodes))
	for _, node := range tree.Nodes {
		names = append(names, node.Name)
	}
	rtest.Equals(t, []string{"bar", "baz", "foo"}, names)

	rtest.Assert(t, tree.Find("baz") != nil, "Find(baz) returned nil")
	rtest.Assert(t, tree.Find("quux") == nil, "Find(quux) returned a node")
}

func TestTreeJSON(t *testing.T) {
	subtree := NewRandomID()
	tree := NewTree(2)
	rtest.OK(t, tree.Insert(&Node{Name: "dir", Type: NodeTypeDir, Subtree: &subtree}))
	rtest.OK(t, tree.Insert(&Node{Name: "file", Type: NodeTypeFile, Content: IDs{NewRandomID()}}))

	buf, err := json.Marshal(tree)
	rtest.OK(t, err)

	var decoded Tree
	rtest.OK(t, json.Unmarshal(buf, &decoded))
	rtest.Assert(t, tree.Equals(&decoded), "decoded tree does not match")

	rtest.Equals(t, IDs{subtree}, decoded.Subtrees())
}

func TestEmptyTreeJSON(t *testing.T) {
	// an empty tree must serialize the nodes as an empty array, not null
	buf, err := json.Marshal(NewTree(0))
	rtest.OK(t, err)
	rtest.Equals(t, `{"nodes":[]}`, string(buf))
}
