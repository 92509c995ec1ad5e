package zfs

import (
	"fmt"
	"os"

	"git.dolansoft.org/lorenz/go-zfs/ioctl"
)

// ReceiveStream is an open "zfs receive" into one dataset snapshot.
// Write feeds it the bytes of a send stream; Close finalizes the
// receive and reports whether it succeeded. Abort lets the Migration
// Receive Process tear down an in-progress receive on `stop` without
// feeding it a truncated stream.
type ReceiveStream struct {
	stream   *ioctl.ReceiveStream
	cleanupR *os.File
	cleanupW *os.File
}

func (r *ReceiveStream) Write(buf []byte) (int, error) {
	return r.stream.Write(buf)
}

// Close waits for the kernel to finish applying the stream and
// finalize the snapshot, then releases the cleanup pipe.
func (r *ReceiveStream) Close() error {
	err := r.stream.WaitAndClose()
	_ = r.cleanupW.Close()
	_ = r.cleanupR.Close()
	if err != nil {
		return fmt.Errorf("zfs: receive: %w", err)
	}
	return nil
}

// Abort closes the cleanup descriptor, which the kernel treats as a
// request to discard the partial receive instead of completing it.
func (r *ReceiveStream) Abort() error {
	return r.cleanupW.Close()
}

// OpenReceiveStream begins receiving a send stream into
// "<dataset>@<snapshotName>". When resumable is true, an interrupted
// receive leaves a resume token behind instead of discarding the
// partial transfer.
func OpenReceiveStream(dataset, snapshotName string, resumable bool) (*ReceiveStream, error) {
	cleanupR, cleanupW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("zfs: receive %s@%s: %w", dataset, snapshotName, err)
	}

	opts := ioctl.ReceiveOpts{
		SnapshotName: snapshotName,
		CleanupFd:    int32(cleanupR.Fd()),
		Resumable:    resumable,
	}
	stream, err := ioctl.Receive(dataset, opts)
	if err != nil {
		_ = cleanupR.Close()
		_ = cleanupW.Close()
		return nil, fmt.Errorf("zfs: receive %s@%s: %w", dataset, snapshotName, err)
	}

	return &ReceiveStream{stream: stream, cleanupR: cleanupR, cleanupW: cleanupW}, nil
}
