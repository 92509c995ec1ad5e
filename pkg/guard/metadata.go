package guard

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
)

// WaitForAttachTimeout is how long a zone start will wait for a client
// to attach before the flag is considered stale. The deadline is
// embedded in the flag value itself so the zone's init can enforce it
// without any further coordination.
const WaitForAttachTimeout = 60 * time.Second

// waitForAttachKey is the internal_metadata key carrying the deadline.
const waitForAttachKey = "docker:wait_for_attach"

// ZonesDir is the root of per-zone configuration, a variable so tests
// can point it at a temp directory.
var ZonesDir = "/zones"

func metadataPath(uuid string) string {
	return filepath.Join(ZonesDir, uuid, "config", "metadata.json")
}

// zoneMetadata is the full decoded metadata.json. Only
// internal_metadata is touched here; every other top-level section
// (customer_metadata, tags, ...) rides along untouched so a rewrite
// never drops zone configuration this package doesn't know about.
type zoneMetadata struct {
	InternalMetadata map[string]interface{} `json:"internal_metadata"`
	Rest             map[string]json.RawMessage
}

func (m *zoneMetadata) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &m.Rest); err != nil {
		return err
	}
	if raw, ok := m.Rest["internal_metadata"]; ok {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		if err := dec.Decode(&m.InternalMetadata); err != nil {
			return err
		}
		delete(m.Rest, "internal_metadata")
	}
	return nil
}

func (m zoneMetadata) MarshalJSON() ([]byte, error) {
	out := make(map[string]interface{}, len(m.Rest)+1)
	for k, v := range m.Rest {
		out[k] = v
	}
	out["internal_metadata"] = m.InternalMetadata
	return json.Marshal(out)
}

// SetWaitForAttach records a wait-for-attach deadline in the zone's
// metadata.json under a file lock and returns the millisecond timestamp
// written, which the caller must hand back to ClearWaitForAttach. The
// returned timestamp doubles as an ownership token: only the writer
// holding it may clear the flag.
func SetWaitForAttach(uuid string) (int64, error) {
	deadline := time.Now().Add(WaitForAttachTimeout).UnixMilli()

	err := withMetadataLock(uuid, func(md *zoneMetadata) (bool, error) {
		if md.InternalMetadata == nil {
			md.InternalMetadata = make(map[string]interface{})
		}
		md.InternalMetadata[waitForAttachKey] = deadline
		return true, nil
	})
	if err != nil {
		return 0, err
	}
	return deadline, nil
}

// ClearWaitForAttach removes the wait-for-attach flag, but only if the
// stored timestamp still equals the one this caller set: a flag
// rewritten by a later zone start belongs to that start, and clearing
// it here would release a wait we never owned.
func ClearWaitForAttach(uuid string, timestamp int64) error {
	return withMetadataLock(uuid, func(md *zoneMetadata) (bool, error) {
		stored, ok := md.InternalMetadata[waitForAttachKey]
		if !ok {
			return false, nil
		}
		if n, ok := stored.(json.Number); !ok || n.String() != strconv.FormatInt(timestamp, 10) {
			return false, nil
		}
		delete(md.InternalMetadata, waitForAttachKey)
		return true, nil
	})
}

// withMetadataLock opens (creating if needed) the zone's metadata.json,
// takes an exclusive flock on it, hands the decoded content to fn, and
// rewrites the file if fn reports a change. The lock is held across the
// read-modify-write so concurrent set/clear calls serialize.
func withMetadataLock(uuid string, fn func(*zoneMetadata) (changed bool, err error)) error {
	p := metadataPath(uuid)
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return fmt.Errorf("guard: mkdir %s: %w", filepath.Dir(p), err)
	}

	f, err := os.OpenFile(p, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("guard: open %s: %w", p, err)
	}
	defer f.Close()

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("guard: lock %s: %w", p, err)
	}
	defer func() { _ = unix.Flock(int(f.Fd()), unix.LOCK_UN) }()

	var md zoneMetadata
	dec := json.NewDecoder(f)
	if err := dec.Decode(&md); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("guard: decode %s: %w", p, err)
	}

	changed, err := fn(&md)
	if err != nil || !changed {
		return err
	}

	out, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("guard: encode %s: %w", p, err)
	}
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("guard: truncate %s: %w", p, err)
	}
	if _, err := f.WriteAt(out, 0); err != nil {
		return fmt.Errorf("guard: rewrite %s: %w", p, err)
	}
	return nil
}
