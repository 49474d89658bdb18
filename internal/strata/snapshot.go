package strata

import (
	"context"
	"fmt"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/strata-backup/strata/internal/debug"
	"github.com/strata-backup/strata/internal/errors"
)

// Snapshot is the state of a resource at one point in time.
type Snapshot struct {
	Time     time.Time `json:"time"`
	Parent   *ID       `json:"parent,omitempty"`
	Tree     *ID       `json:"tree"`
	Paths    []string  `json:"paths"`
	Hostname string    `json:"hostname,omitempty"`
	Username string    `json:"username,omitempty"`
	UID      uint32    `json:"uid,omitempty"`
	GID      uint32    `json:"gid,omitempty"`
	Excludes []string  `json:"excludes,omitempty"`
	Tags     []string  `json:"tags,omitempty"`

	id *ID // plaintext ID, used during restore
}

// NewSnapshot returns an initialized snapshot struct for the current user and
// time.
func NewSnapshot(paths []string, tags []string, hostname string, time time.Time) (*Snapshot, error) {
	absPaths := make([]string, 0, len(paths))
	for _, path := range paths {
		p, err := filepath.Abs(path)
		if err == nil {
			absPaths = append(absPaths, p)
		} else {
			absPaths = append(absPaths, path)
		}
	}

	sn := &Snapshot{
		Paths:    absPaths,
		Time:     time,
		Tags:     tags,
		Hostname: hostname,
	}

	err := sn.fillUserInfo()
	if err != nil {
		return nil, err
	}

	return sn, nil
}

// LoadSnapshot loads the snapshot with the id and returns it.
func LoadSnapshot(ctx context.Context, loader LoaderUnpacked, id ID) (*Snapshot, error) {
	sn := &Snapshot{id: &id}
	err := LoadJSONUnpacked(ctx, loader, SnapshotFile, id, sn)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load snapshot "+id.Str())
	}

	return sn, nil
}

// SaveSnapshot saves the snapshot sn and returns its ID.
func SaveSnapshot(ctx context.Context, repo SaverUnpacked, sn *Snapshot) (ID, error) {
	id, err := SaveJSONUnpacked(ctx, repo, SnapshotFile, sn)
	if err != nil {
		return ID{}, err
	}
	sn.id = &id
	return id, nil
}

// ForAllSnapshots reads all snapshots in parallel and calls the
// given function. It is guaranteed that the function is not run concurrently.
// If the called function returns an error, this function is cancelled and
// also returns this error.
// If a snapshot ID is in excludeIDs, it will be ignored.
func ForAllSnapshots(ctx context.Context, be Lister, loader LoaderUnpacked, excludeIDs IDSet, fn func(ID, *Snapshot, error) error) error {
	var m sync.Mutex

	// For most snapshots decoding is nearly for free, thus just assume were
	// only limited by IO.
	return ParallelList(ctx, be, SnapshotFile, loader.Connections(), func(ctx context.Context, id ID, _ int64) error {
		if excludeIDs.Has(id) {
			return nil
		}

		sn, err := LoadSnapshot(ctx, loader, id)
		m.Lock()
		defer m.Unlock()
		return fn(id, sn, err)
	})
}

// FindSnapshot takes a string and tries to find a snapshot whose ID matches
// the string as closely as possible.
func FindSnapshot(ctx context.Context, be Lister, loader LoaderUnpacked, s string) (*Snapshot, ID, error) {
	if s == "latest" {
		return findLatestSnapshot(ctx, be, loader)
	}

	// no need to list the snapshots if `s` is a full ID
	id, err := ParseID(s)
	if err != nil {
		// find snapshot id with prefix
		id, err = findIDByPrefix(ctx, be, SnapshotFile, s)
		if err != nil {
			return nil, ID{}, err
		}
	}

	sn, err := LoadSnapshot(ctx, loader, id)
	return sn, id, err
}

func findLatestSnapshot(ctx context.Context, be Lister, loader LoaderUnpacked) (*Snapshot, ID, error) {
	var latest *Snapshot
	var latestID ID

	err := ForAllSnapshots(ctx, be, loader, nil, func(id ID, snapshot *Snapshot, err error) error {
		if err != nil {
			return errors.Errorf("Error loading snapshot %v: %v", id.Str(), err)
		}
		if latest == nil || snapshot.Time.After(latest.Time) {
			latest = snapshot
			latestID = id
		}
		return nil
	})
	if err != nil {
		return nil, ID{}, err
	}
	if latest == nil {
		return nil, ID{}, errors.Fatal("snapshot not found")
	}

	return latest, latestID, nil
}

// Find loads the list of all files of type t and searches for the ID with the
// given prefix. An error is returned when the prefix matches no or multiple
// files.
func Find(ctx context.Context, be Lister, t FileType, prefix string) (ID, error) {
	return findIDByPrefix(ctx, be, t, prefix)
}

func findIDByPrefix(ctx context.Context, be Lister, t FileType, prefix string) (ID, error) {
	var id ID
	var found bool

	err := be.List(ctx, t, func(fid ID, _ int64) error {
		if len(prefix) > len(fid.String()) {
			return nil
		}
		if fid.String()[:len(prefix)] != prefix {
			return nil
		}
		if found {
			return errors.Errorf("multiple IDs with prefix %q found", prefix)
		}
		id = fid
		found = true
		return nil
	})
	if err != nil {
		return ID{}, err
	}
	if !found {
		return ID{}, errors.Fatalf("no matching ID found for prefix %q", prefix)
	}

	debug.Log("id %v found for prefix %v", id, prefix)
	return id, nil
}

func (sn *Snapshot) fillUserInfo() error {
	usr, err := user.Current()
	if err != nil {
		return nil
	}
	sn.Username = usr.Username

	// set userid and groupid
	uid, gid, err := uidGidInt(usr)
	sn.UID = uid
	sn.GID = gid
	return err
}

func uidGidInt(u *user.User) (uid, gid uint32, err error) {
	ui, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		// on Windows the user ID is not numeric
		return 0, 0, nil
	}
	gi, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, 0, nil
	}
	return uint32(ui), uint32(gi), nil
}

// ID returns the snapshot's ID.
func (sn Snapshot) ID() *ID {
	return sn.id
}

func (sn Snapshot) String() string {
	return fmt.Sprintf("snapshot of %v at %s by %s@%s",
		sn.Paths, sn.Time, sn.Username, sn.Hostname)
}

// HasTags returns true if the snapshot has all the tags in l.
func (sn *Snapshot) HasTags(l []string) bool {
nextTag:
	for _, tag := range l {
		for _, snTag := range sn.Tags {
			if tag == snTag {
				continue nextTag
			}
		}

		return false
	}

	return true
}

// HasPaths returns true if the snapshot has all of the paths.
func (sn *Snapshot) HasPaths(paths []string) bool {
nextPath:
	for _, path := range paths {
		for _, snPath := range sn.Paths {
			if path == snPath {
				continue nextPath
			}
		}

		return false
	}

	return true
}

// Snapshots is a list of snapshots.
type Snapshots []*Snapshot

// Len returns the number of snapshots in sn.
func (sn Snapshots) Len() int {
	return len(sn)
}

// Less returns true iff the ith snapshot has been made after the jth.
func (sn Snapshots) Less(i, j int) bool {
	return sn[i].Time.After(sn[j].Time)
}

// Swap exchanges the two snapshots.
func (sn Snapshots) Swap(i, j int) {
	sn[i], sn[j] = sn[j], sn[i]
}

// SortByTime sorts the snapshots by time, newest first.
func (sn Snapshots) SortByTime() {
	sort.Sort(sn)
}

var _ fmt.Stringer = Snapshot{}
