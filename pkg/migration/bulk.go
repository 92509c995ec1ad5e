package migration

import (
	"encoding/binary"
	"fmt"
	"io"
)

// The bulk-transfer phase carries the raw zfs send stream over the same
// connection as the line-delimited control protocol. The zfs stream is
// opaque to this package, so the phase needs its own end marker: each
// Write goes out as a length-prefixed chunk (4-byte big-endian length,
// then payload), and a zero-length chunk terminates the phase. That
// keeps the connection usable afterward — the sender's cleanup commands
// and the next dataset's control traffic continue on the same socket,
// which a TCP half-close would permanently rule out.

// maxBulkChunk caps one chunk's payload.
const maxBulkChunk = 64 * 1024

// BulkWriter frames writes as length-prefixed chunks. Close writes the
// terminating zero-length chunk; it does not close the underlying
// writer.
type BulkWriter struct {
	w      io.Writer
	header [4]byte
}

// NewBulkWriter wraps w.
func NewBulkWriter(w io.Writer) *BulkWriter {
	return &BulkWriter{w: w}
}

func (b *BulkWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxBulkChunk {
			n = maxBulkChunk
		}
		binary.BigEndian.PutUint32(b.header[:], uint32(n))
		if _, err := b.w.Write(b.header[:]); err != nil {
			return total, err
		}
		written, err := b.w.Write(p[:n])
		total += written
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

// Close terminates the bulk phase. A sender that failed mid-stream must
// NOT call it: the peer treats a missing terminator (connection close
// instead) as a truncated transfer and aborts its receive.
func (b *BulkWriter) Close() error {
	binary.BigEndian.PutUint32(b.header[:], 0)
	if _, err := b.w.Write(b.header[:]); err != nil {
		return fmt.Errorf("migration: write bulk terminator: %w", err)
	}
	return nil
}

// BulkReader unframes a chunked bulk phase, returning io.EOF at the
// terminating zero-length chunk. It never reads past the terminator, so
// the connection's line framing resumes cleanly on the bytes that
// follow.
type BulkReader struct {
	r         io.Reader
	remaining int
	done      bool
}

// NewBulkReader wraps r.
func NewBulkReader(r io.Reader) *BulkReader {
	return &BulkReader{r: r}
}

func (b *BulkReader) Read(p []byte) (int, error) {
	if b.done {
		return 0, io.EOF
	}

	if b.remaining == 0 {
		var header [4]byte
		if _, err := io.ReadFull(b.r, header[:]); err != nil {
			return 0, fmt.Errorf("migration: read bulk chunk header: %w", err)
		}
		length := binary.BigEndian.Uint32(header[:])
		if length == 0 {
			b.done = true
			return 0, io.EOF
		}
		if length > maxBulkChunk {
			return 0, fmt.Errorf("migration: bulk chunk of %d bytes exceeds limit", length)
		}
		b.remaining = int(length)
	}

	if len(p) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.r.Read(p)
	b.remaining -= n
	return n, err
}
