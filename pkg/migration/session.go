package migration

import (
	"fmt"
	"sync/atomic"
)

// SyncState tracks one dataset's position in its sync run, one value
// per stage of the replication pipeline.
type SyncState int

const (
	StateListing SyncState = iota
	StateConnected
	StateNamed
	StateResuming
	StateSnapshotted
	StateEstimated
	StateSending
	StateSucceeded
	StateAborted
	StateFailed
)

func (s SyncState) String() string {
	switch s {
	case StateListing:
		return "listing"
	case StateConnected:
		return "connected"
	case StateNamed:
		return "named"
	case StateResuming:
		return "resuming"
	case StateSnapshotted:
		return "snapshotted"
	case StateEstimated:
		return "estimated"
	case StateSending:
		return "sending"
	case StateSucceeded:
		return "succeeded"
	case StateAborted:
		return "aborted"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("SyncState(%d)", int(s))
	}
}

// FilesystemState is one dataset's migration progress within a
// Session.
type FilesystemState struct {
	Dataset          string
	SourceSnapshots  []string
	TargetSnapshots  []string
	PrevSnapshotName string
	SnapshotName     string
	ResumeToken      string
	IsFirstSync      bool
	EstimatedSize    uint64
	BytesSent        uint64

	State SyncState
}

// Session is a live migration session, identified by the VM uuid plus
// a monotonic snapshot sequence number. It holds one FilesystemState
// per dataset being replicated (the primary dataset plus any KVM data
// disks).
type Session struct {
	VMUUID      string
	Seq         int
	Filesystems []*FilesystemState
	Aborted     bool
}

// NewSession builds a Session for the given VM and dataset list, one
// FilesystemState per DatasetSpec.
func NewSession(vmUUID string, datasets []DatasetSpec) *Session {
	s := &Session{VMUUID: vmUUID}
	for _, d := range datasets {
		s.Filesystems = append(s.Filesystems, &FilesystemState{Dataset: d.Dataset})
	}
	return s
}

// TotalEstimated sums the estimated send size across every filesystem
// in the session, forming the run's total progress denominator.
func (s *Session) TotalEstimated() uint64 {
	var total uint64
	for _, fs := range s.Filesystems {
		total += fs.EstimatedSize
	}
	return total
}

// TotalSent sums bytes sent so far across every filesystem. Reads are
// atomic because the sender goroutine bumps BytesSent concurrently
// with the progress ticker calling this.
func (s *Session) TotalSent() uint64 {
	var total uint64
	for _, fs := range s.Filesystems {
		total += atomic.LoadUint64(&fs.BytesSent)
	}
	return total
}
