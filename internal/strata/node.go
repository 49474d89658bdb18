package strata

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"sync"
	"time"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

// NodeType is the type of a node in a tree.
type NodeType string

var (
	NodeTypeFile    = NodeType("file")
	NodeTypeDir     = NodeType("dir")
	NodeTypeSymlink = NodeType("symlink")
	NodeTypeInvalid = NodeType("")
)

// Node is a file, directory or symlink stored in a tree.
type Node struct {
	Name       string      `json:"name"`
	Type       NodeType    `json:"type"`
	Mode       os.FileMode `json:"mode,omitempty"`
	ModTime    time.Time   `json:"mtime,omitempty"`
	AccessTime time.Time   `json:"atime,omitempty"`
	ChangeTime time.Time   `json:"ctime,omitempty"`
	UID        uint32      `json:"uid"`
	GID        uint32      `json:"gid"`
	User       string      `json:"user,omitempty"`
	Group      string      `json:"group,omitempty"`
	Inode      uint64      `json:"inode,omitempty"`
	DeviceID   uint64      `json:"device_id,omitempty"` // in case of hardlink, store deviceID of node
	Size       uint64      `json:"size,omitempty"`
	Links      uint64      `json:"links,omitempty"`
	LinkTarget string      `json:"linktarget,omitempty"`

	// Content is a list of blob IDs that make up the file's content, in
	// order. Only set for type "file".
	Content IDs `json:"content"`
	// Subtree references the tree of a directory. Only set for type "dir".
	Subtree *ID `json:"subtree,omitempty"`

	Path string `json:"-"`
}

func (node Node) String() string {
	var mode os.FileMode
	switch node.Type {
	case NodeTypeFile:
		mode = 0
	case NodeTypeDir:
		mode = os.ModeDir
	case NodeTypeSymlink:
		mode = os.ModeSymlink
	}

	return fmt.Sprintf("%s %5d %5d %6d %s %s",
		mode|node.Mode, node.UID, node.GID, node.Size, node.ModTime, node.Name)
}

// NodeFromFileInfo returns a new node from the given path and FileInfo. It
// returns the first error that is encountered, together with a node.
func NodeFromFileInfo(path string, fi os.FileInfo) (*Node, error) {
	node := &Node{
		Path:    path,
		Name:    fi.Name(),
		Mode:    fi.Mode() & os.ModePerm,
		ModTime: fi.ModTime(),
	}

	switch {
	case fi.Mode().IsRegular():
		node.Type = NodeTypeFile
		node.Size = uint64(fi.Size())
	case fi.Mode().IsDir():
		node.Type = NodeTypeDir
	case fi.Mode()&os.ModeSymlink != 0:
		node.Type = NodeTypeSymlink
	default:
		return nil, errors.Errorf("unsupported file type %v for %v", fi.Mode(), path)
	}

	err := node.fillExtra(path, fi)
	return node, err
}

// Equals compares the metadata of the nodes, the content is compared by blob
// IDs.
func (node Node) Equals(other Node) bool {
	if node.Name != other.Name ||
		node.Type != other.Type ||
		node.Mode != other.Mode ||
		!node.ModTime.Equal(other.ModTime) ||
		node.UID != other.UID ||
		node.GID != other.GID ||
		node.Size != other.Size ||
		node.LinkTarget != other.LinkTarget {
		return false
	}

	if !node.sameContent(other) {
		return false
	}

	if node.Subtree != nil {
		if other.Subtree == nil {
			return false
		}
		if !node.Subtree.Equal(*other.Subtree) {
			return false
		}
	} else if other.Subtree != nil {
		return false
	}

	return true
}

func (node Node) sameContent(other Node) bool {
	if node.Content == nil {
		return other.Content == nil
	}

	if other.Content == nil {
		return false
	}

	if len(node.Content) != len(other.Content) {
		return false
	}

	for i := 0; i < len(node.Content); i++ {
		if !node.Content[i].Equal(other.Content[i]) {
			return false
		}
	}
	return true
}

// CreateAt creates the node at the given path without content.
func (node *Node) CreateAt(path string) error {
	debug.Log("create node %v at %v", node.Name, path)

	switch node.Type {
	case NodeTypeDir:
		if err := os.Mkdir(path, 0700); err != nil && !os.IsExist(err) {
			return errors.WithStack(err)
		}
	case NodeTypeFile:
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
		if err != nil {
			return errors.WithStack(err)
		}
		if err := f.Close(); err != nil {
			return errors.WithStack(err)
		}
	case NodeTypeSymlink:
		if err := os.Symlink(node.LinkTarget, path); err != nil {
			return errors.WithStack(err)
		}
	default:
		return errors.Errorf("filetype %q not implemented", node.Type)
	}

	return nil
}

// RestoreMetadata restores the node's metadata (mode, owner, timestamps) at
// path. Errors while restoring the ownership of a file are reported via
// warn and do not abort the restore.
func (node Node) RestoreMetadata(path string, warn func(msg string)) error {
	if err := node.restoreOwner(path); err != nil {
		if os.Geteuid() == 0 {
			return err
		}
		// only root can restore the ownership
		warn(fmt.Sprintf("unable to restore ownership of %v: %v", path, err))
	}

	if node.Type != NodeTypeSymlink {
		if err := os.Chmod(path, node.Mode); err != nil {
			return errors.WithStack(err)
		}
	}

	return node.RestoreTimestamps(path)
}

// RestoreTimestamps restores the node's access and modification timestamps.
func (node Node) RestoreTimestamps(path string) error {
	atime := node.AccessTime
	if atime.IsZero() {
		atime = node.ModTime
	}
	if node.Type == NodeTypeSymlink {
		return node.restoreSymlinkTimestamps(path, atime, node.ModTime)
	}
	return errors.WithStack(os.Chtimes(path, atime, node.ModTime))
}

var (
	uidLookupCache      = make(map[uint32]string)
	uidLookupCacheMutex = sync.RWMutex{}
)

func lookupUsername(uid uint32) string {
	uidLookupCacheMutex.RLock()
	username, ok := uidLookupCache[uid]
	uidLookupCacheMutex.RUnlock()

	if ok {
		return username
	}

	u, err := user.LookupId(strconv.Itoa(int(uid)))
	if err == nil {
		username = u.Username
	}

	uidLookupCacheMutex.Lock()
	uidLookupCache[uid] = username
	uidLookupCacheMutex.Unlock()

	return username
}

var (
	gidLookupCache      = make(map[uint32]string)
	gidLookupCacheMutex = sync.RWMutex{}
)

func lookupGroup(gid uint32) string {
	gidLookupCacheMutex.RLock()
	group, ok := gidLookupCache[gid]
	gidLookupCacheMutex.RUnlock()

	if ok {
		return group
	}

	g, err := user.LookupGroupId(strconv.Itoa(int(gid)))
	if err == nil {
		group = g.Name
	}

	gidLookupCacheMutex.Lock()
	gidLookupCache[gid] = group
	gidLookupCacheMutex.Unlock()

	return group
}

// Nodes is a slice of nodes that implements sort.Interface, sorted by name.
type Nodes []*Node

func (n Nodes) Len() int           { return len(n) }
func (n Nodes) Less(i, j int) bool { return n[i].Name < n[j].Name }
func (n Nodes) Swap(i, j int)      { n[i], n[j] = n[j], n[i] }
