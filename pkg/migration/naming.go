package migration

import (
	"fmt"

	"github.com/nodeforge/cnagent/pkg/types"
	"github.com/nodeforge/cnagent/pkg/zfs"
)

// NamePick is the result of picking the prev/next migration snapshot
// names for one dataset, kept as a pure function of the source/target
// snapshot lists so it can be unit tested without a real zpool.
type NamePick struct {
	PrevSnapshotName string
	SnapshotName     string
	IsFirstSync      bool
	Resuming         bool
}

// PickSnapshotNames chooses the baseline and next snapshot for a sync
// run: if both source and target have no migration snapshots, this is
// the first sync ever and the next snapshot is "vm-migration-1".
// Otherwise the
// source's highest-numbered snapshot is the baseline; if the target
// doesn't have it, the run falls back to resending from the previous
// source snapshot (and fails if that predecessor is missing too). A
// next-name collision on the target is always fatal.
func PickSnapshotNames(source []zfs.MigrationSnapshot, target []string) (NamePick, error) {
	targetSet := make(map[string]bool, len(target))
	for _, t := range target {
		targetSet[t] = true
	}

	if len(source) == 0 {
		if len(target) == 0 {
			return NamePick{SnapshotName: zfs.MigrationSnapshotPrefix + "1", IsFirstSync: true}, nil
		}
		// Target has snapshots with no corresponding source history.
		return NamePick{}, fmt.Errorf("%w: target has migration snapshots but source has none", types.ErrInconsistentSnapshots)
	}

	highest := source[len(source)-1]
	prev := highest.Name
	next := fmt.Sprintf("%s%d", zfs.MigrationSnapshotPrefix, highest.Seq+1)
	resuming := false

	if !targetSet[prev] {
		if len(source) < 2 {
			return NamePick{}, fmt.Errorf("%w: target missing %q and source has no predecessor", types.ErrInconsistentSnapshots, prev)
		}
		predecessor := source[len(source)-2]
		if !targetSet[predecessor.Name] {
			return NamePick{}, fmt.Errorf("%w: target missing both %q and %q", types.ErrInconsistentSnapshots, prev, predecessor.Name)
		}
		prev = predecessor.Name
		next = highest.Name
		resuming = true
	}

	if targetSet[next] {
		return NamePick{}, fmt.Errorf("%w: target already has %q", types.ErrSnapshotCollision, next)
	}

	return NamePick{PrevSnapshotName: prev, SnapshotName: next, Resuming: resuming}, nil
}
