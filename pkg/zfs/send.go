package zfs

import (
	"fmt"
	"io"

	"git.dolansoft.org/lorenz/go-zfs/ioctl"
)

// EstimateSendSize reports the approximate byte size of sending
// dataset's `to` snapshot, incrementally from `from` when non-empty.
func EstimateSendSize(dataset, from, to string) (uint64, error) {
	size, err := ioctl.SendSpace(dataset+"@"+to, ioctl.SendSpaceOptions{From: from})
	if err != nil {
		return 0, fmt.Errorf("zfs: estimate send size %s@%s: %w", dataset, to, err)
	}
	return size, nil
}

// ResumeFrom identifies where a previously interrupted send left off,
// as decoded from the target's receive_resume_token by the migration
// state machine.
type ResumeFrom struct {
	Object uint64
	Offset uint64
}

// Send opens a ZFS send stream for dataset's `to` snapshot, incremental
// from `from` when non-empty. When resume is non-nil the stream picks
// up mid-transfer at the given object/offset instead of starting over.
func Send(dataset, from, to string, resume *ResumeFrom) (io.ReadCloser, error) {
	opts := ioctl.SendOptions{From: from}
	if resume != nil {
		opts.ResumeObject = resume.Object
		opts.ResumeOffset = resume.Offset
	}

	name := dataset + "@" + to
	stream, err := ioctl.Send(name, opts)
	if err != nil {
		return nil, fmt.Errorf("zfs: send %s: %w", name, err)
	}
	return stream, nil
}
