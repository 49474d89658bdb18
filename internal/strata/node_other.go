//go:build !linux

package strata

import (
	"os"
	"time"

	"github.com/strata-backup/strata/internal/errors"
)

func (node *Node) fillExtra(path string, _ os.FileInfo) error {
	if node.Type == NodeTypeSymlink {
		target, err := os.Readlink(path)
		if err != nil {
			return errors.WithStack(err)
		}
		node.LinkTarget = target
	}

	return nil
}

func (node Node) restoreOwner(_ string) error {
	return nil
}

func (node Node) restoreSymlinkTimestamps(_ string, _, _ time.Time) error {
	return nil
}
