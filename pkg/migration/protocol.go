package migration

import (
	"bufio"
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// Envelope types. Every request carries {type:"request", command,
// eventId}; responses carry a matching {type:"response", ...} or
// {type:"error", ...}; unsolicited events are {type:"progress", ...}
// and {type:"sync-success"}.
const (
	TypeRequest     = "request"
	TypeResponse    = "response"
	TypeError       = "error"
	TypeProgress    = "progress"
	TypeSyncSuccess = "sync-success"
)

// Commands accepted by the send and receive control loops. Not every
// command is meaningful to both processes; each side rejects what it
// doesn't implement with "Not Implemented".
const (
	CommandPing             = "ping"
	CommandSetRecord        = "set-record"
	CommandWatch            = "watch"
	CommandSync             = "sync"
	CommandStop             = "stop"
	CommandEnd              = "end"
	CommandGetResumeToken   = "get-zfs-resume-token"
	CommandGetSnapshotNames = "get-zfs-snapshot-names"
	CommandZfsDestroy       = "zfs-destroy"
)

// Envelope is one newline-delimited JSON line of the migration control
// protocol, in any of its five shapes.
type Envelope struct {
	Type    string          `json:"type"`
	Command string          `json:"command,omitempty"`
	EventID string          `json:"eventId,omitempty"`
	Message string          `json:"message,omitempty"` // type:"error"
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PingPayload is the response payload to a "ping" request.
type PingPayload struct {
	PID     int    `json:"pid"`
	Version string `json:"version"`
}

// DatasetSpec names one filesystem to replicate as part of a migration
// session: the primary dataset, plus one entry per data disk for KVM
// instances.
type DatasetSpec struct {
	// Dataset is the full zfs dataset path, e.g. "zones/<uuid>".
	Dataset string `json:"dataset"`
	// Recursive sends with --replicate for BHYVE's child-dataset layout.
	Recursive bool `json:"recursive,omitempty"`
	// UseProps sends with --props instead of --replicate, for docker
	// instances whose origin datasets are CN-local and would not match
	// on the peer.
	UseProps bool `json:"useProps,omitempty"`
}

// SyncRequestPayload is the payload of a "sync" command sent by the
// coordinator to the Send Process to start (or resume) a full
// migration run.
type SyncRequestPayload struct {
	VMUUID        string        `json:"vmUuid"`
	TargetHost    string        `json:"targetHost"`
	TargetPort    int           `json:"targetPort"`
	Datasets      []DatasetSpec `json:"datasets"`
	RateLimitMbps float64       `json:"rateLimitMbps,omitempty"`
}

// BulkSyncPayload is the payload of the "sync" command the Send Process
// issues to the Receive Process's control connection immediately before
// it starts writing raw zfs send bytes onto the same socket.
type BulkSyncPayload struct {
	Dataset      string `json:"dataset"`
	SnapshotName string `json:"snapshotName"`
	Resumable    bool   `json:"resumable"`
	// IsFirstSync tells the receiver whether to destroy a pre-existing
	// destination dataset before receiving.
	IsFirstSync bool `json:"isFirstSync"`
}

// DatasetQueryPayload requests information scoped to one dataset, used
// by both "get-zfs-snapshot-names" and "get-zfs-resume-token".
type DatasetQueryPayload struct {
	Dataset string `json:"dataset"`
}

// SnapshotNamesPayload answers "get-zfs-snapshot-names".
type SnapshotNamesPayload struct {
	Names []string `json:"names"`
}

// ResumeTokenPayload answers "get-zfs-resume-token".
type ResumeTokenPayload struct {
	Token string `json:"token"`
}

// ZfsDestroyPayload requests destruction of a named snapshot.
type ZfsDestroyPayload struct {
	Dataset  string `json:"dataset"`
	Snapshot string `json:"snapshot"`
}

// ProgressPayload is the 1Hz (or 60s-keepalive) progress event
// broadcast to every watching socket.
type ProgressPayload struct {
	CurrentProgress        int64   `json:"current_progress"`
	TotalProgress          int64   `json:"total_progress"`
	TransferBytesPerSecond float64 `json:"transfer_bytes_second"`
	ETAMillis              int64   `json:"eta_ms"`
	Phase                  string  `json:"phase"`
	State                  string  `json:"state"`
	// Store forces delivery even when no bytes moved since the last
	// tick, so watchers see a keepalive at least once a minute.
	Store bool `json:"store"`
}

// NewEventID returns a fresh correlation id for a request.
func NewEventID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// Conn is a framed connection over the migration protocol: newline
// delimited JSON in both directions, with the underlying io.ReadWriter
// available for the raw zfs-stream phase that temporarily displaces the
// line framing.
type Conn struct {
	rw     io.ReadWriter
	reader *bufio.Reader

	mu sync.Mutex // serializes Encode against concurrent writers (progress ticker vs. command replies)
}

// NewConn wraps rw.
func NewConn(rw io.ReadWriter) *Conn {
	return &Conn{rw: rw, reader: bufio.NewReaderSize(rw, 64*1024)}
}

// Encode writes one envelope as a newline-terminated JSON line.
func (c *Conn) Encode(e Envelope) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("migration: marshal envelope: %w", err)
	}
	line = append(line, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.rw.Write(line); err != nil {
		return fmt.Errorf("migration: write envelope: %w", err)
	}
	return nil
}

// EncodePayload marshals payload into Envelope.Payload and encodes it.
func (c *Conn) EncodePayload(typ, command, eventID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("migration: marshal payload: %w", err)
	}
	return c.Encode(Envelope{Type: typ, Command: command, EventID: eventID, Payload: raw})
}

// Decode reads the next line as an Envelope. Returns io.EOF when the
// underlying reader is exhausted.
func (c *Conn) Decode() (Envelope, error) {
	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		if len(line) == 0 {
			return Envelope{}, io.EOF
		}
		// Fall through: a final line with no trailing newline is still
		// valid JSON to try to parse.
	}

	var e Envelope
	if len(line) == 0 {
		return Envelope{}, io.EOF
	}
	if uerr := json.Unmarshal(line, &e); uerr != nil {
		return Envelope{}, fmt.Errorf("migration: unmarshal envelope: %w", uerr)
	}
	return e, nil
}

// RawReader returns an io.Reader that first drains whatever the framed
// reader has already buffered beyond the last decoded line, then reads
// directly from the underlying connection. The receive side uses it to
// detach the line parser from the socket and switch to raw zfs-stream
// bytes without losing anything the bufio.Reader already pulled off
// the wire.
func (c *Conn) RawReader() io.Reader {
	if n := c.reader.Buffered(); n > 0 {
		buffered, _ := c.reader.Peek(n)
		buffered = append([]byte(nil), buffered...)
		if _, err := c.reader.Discard(n); err != nil {
			// Can't happen: Discard(n) only fails for n > Buffered(), and
			// we just read n back from Buffered() above.
			panic(fmt.Sprintf("migration: discard %d buffered bytes: %v", n, err))
		}
		return io.MultiReader(bytes.NewReader(buffered), c.rw)
	}
	return c.rw
}

// RawWriter returns the underlying writer for the raw zfs-stream phase.
func (c *Conn) RawWriter() io.Writer { return c.rw }
