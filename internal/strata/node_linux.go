//go:build linux

package strata

import (
	"os"
	"syscall"
	"time"

	"github.com/strata-backup/strata/internal/errors"

	"golang.org/x/sys/unix"
)

func (node *Node) fillExtra(path string, fi os.FileInfo) error {
	stat, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return nil
	}

	node.Inode = stat.Ino
	node.DeviceID = uint64(stat.Dev)
	node.UID = stat.Uid
	node.GID = stat.Gid
	node.User = lookupUsername(stat.Uid)
	node.Group = lookupGroup(stat.Gid)
	node.Links = uint64(stat.Nlink)
	node.AccessTime = time.Unix(stat.Atim.Unix())
	node.ChangeTime = time.Unix(stat.Ctim.Unix())

	if node.Type == NodeTypeSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return errors.WithStack(err)
		}
		node.LinkTarget = target
	}

	return nil
}

func (node Node) restoreOwner(path string) error {
	return errors.WithStack(os.Lchown(path, int(node.UID), int(node.GID)))
}

func (node Node) restoreSymlinkTimestamps(path string, atime, mtime time.Time) error {
	times := []unix.Timespec{
		unix.NsecToTimespec(atime.UnixNano()),
		unix.NsecToTimespec(mtime.UnixNano()),
	}

	err := unix.UtimesNanoAt(unix.AT_FDCWD, path, times, unix.AT_SYMLINK_NOFOLLOW)
	return errors.Wrap(err, "UtimesNanoAt")
}
