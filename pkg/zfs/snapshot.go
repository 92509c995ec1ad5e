package zfs

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"git.dolansoft.org/lorenz/go-zfs/ioctl"
	"golang.org/x/sys/unix"
)

// MigrationSnapshotPrefix prefixes every migration snapshot:
// "vm-migration-<N>" with a strictly increasing sequence number.
const MigrationSnapshotPrefix = "vm-migration-"

// MigrationSnapshot is one "<dataset>@vm-migration-<N>" snapshot.
type MigrationSnapshot struct {
	Name string // short snapshot name, e.g. "vm-migration-3"
	Seq  int
}

// ListMigrationSnapshots enumerates every vm-migration-<N> snapshot of
// dataset, ordered by ascending numeric suffix.
func ListMigrationSnapshots(dataset string) ([]MigrationSnapshot, error) {
	var out []MigrationSnapshot
	var cursor uint64
	for {
		name, next, _, err := ioctl.SnapshotListNext(dataset, cursor, &struct{}{})
		if err != nil {
			if errors.Is(err, unix.ESRCH) {
				break // no more snapshots
			}
			return nil, fmt.Errorf("zfs: list snapshots of %s: %w", dataset, err)
		}
		cursor = next

		short := name
		if idx := strings.IndexByte(name, '@'); idx >= 0 {
			short = name[idx+1:]
		}
		if !strings.HasPrefix(short, MigrationSnapshotPrefix) {
			continue
		}
		seq, err := strconv.Atoi(strings.TrimPrefix(short, MigrationSnapshotPrefix))
		if err != nil {
			continue // not one of ours, e.g. a manually created snapshot
		}
		out = append(out, MigrationSnapshot{Name: short, Seq: seq})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// CreateSnapshot creates the single snapshot "<dataset>@<name>", the
// form the source side takes a migration snapshot in. Descendant
// datasets of dataset are not snapshotted.
func CreateSnapshot(dataset, name string) error {
	full := dataset + "@" + name
	if err := ioctl.Snapshot([]string{full}, poolOf(dataset), nil); err != nil {
		return fmt.Errorf("zfs: snapshot %s: %w", full, err)
	}
	return nil
}

// DestroySnapshots removes the named snapshots of dataset, used to
// clean up superseded migration snapshots after a successful sync.
func DestroySnapshots(dataset string, names []string) error {
	if len(names) == 0 {
		return nil
	}
	full := make([]string, len(names))
	for i, n := range names {
		full[i] = dataset + "@" + n
	}
	if err := ioctl.DestroySnapshots(full, poolOf(dataset), false); err != nil {
		return fmt.Errorf("zfs: destroy snapshots %v: %w", names, err)
	}
	return nil
}

// DatasetExists reports whether dataset currently exists.
func DatasetExists(dataset string) (bool, error) {
	_, err := ioctl.ObjsetStats(dataset)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return false, nil
		}
		return false, fmt.Errorf("zfs: stat dataset %s: %w", dataset, err)
	}
	return true, nil
}

// DestroyDataset destroys dataset with one non-deferred destroy ioctl,
// used by the Migration Receive Process to clear a stale destination
// before a first sync. Snapshots and child datasets of dataset are not
// destroyed first.
func DestroyDataset(dataset string) error {
	if err := ioctl.Destroy(dataset, ioctl.ObjectTypeAny, false); err != nil {
		return fmt.Errorf("zfs: destroy dataset %s: %w", dataset, err)
	}
	return nil
}

// ResumeToken returns dataset's receive_resume_token property, or ""
// if it has none.
func ResumeToken(dataset string) (string, error) {
	props, err := ioctl.ObjsetStats(dataset)
	if err != nil {
		return "", fmt.Errorf("zfs: resume token for %s: %w", dataset, err)
	}
	prop, ok := props["receive_resume_token"]
	if !ok {
		return "", nil
	}
	token, _ := prop.Value.(string)
	if token == "-" {
		return "", nil
	}
	return token, nil
}

// poolOf returns the zpool name a dataset belongs to: the portion
// before the first '/'.
func poolOf(dataset string) string {
	if idx := strings.IndexByte(dataset, '/'); idx >= 0 {
		return dataset[:idx]
	}
	return dataset
}
