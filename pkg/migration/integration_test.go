package migration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestControlConnectionServesMultipleDatasetsOnOneConnection exercises
// the real TCP loop one Migration Send/Receive Process pair runs a
// multi-dataset sync over: a single control connection carries a
// get-zfs-snapshot-names round trip, a "sync" bulk-transfer phase with
// raw zfs-stream bytes, and a sync-success event, repeated for a second
// dataset on the SAME connection, the way a KVM migration replicates
// each data disk in turn over the receiver's single-Accept lifetime.
//
// It skips the real send/receive Process types, since pkg/zfs calls
// into ioctl(2) with no fake-able seam; instead it plays both roles
// directly against Conn/Client the way those processes do, which is
// exactly the layer the connection-reuse and RawReader buffering
// behavior lives in.
func TestControlConnectionServesMultipleDatasetsOnOneConnection(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test: real TCP loop, skipped with -short")
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	const datasetCount = 2
	payloads := make([][]byte, datasetCount)
	for i := range payloads {
		b := make([]byte, 4096)
		for j := range b {
			b[j] = byte('A' + i)
		}
		payloads[i] = b
	}

	serverDone := make(chan error, 1)
	received := make([][]byte, 0, datasetCount)

	go func() {
		serverDone <- func() error {
			nc, err := ln.Accept()
			if err != nil {
				return err
			}
			defer nc.Close()
			c := NewConn(nc)

			// A single receive-side connection must serve every
			// dataset of the run: this loop never re-Accepts.
			for i := 0; i < datasetCount; i++ {
				env, err := c.Decode()
				if err != nil {
					return fmt.Errorf("dataset %d: decode query: %w", i, err)
				}
				if env.Command != CommandGetSnapshotNames {
					return fmt.Errorf("dataset %d: expected %s, got %s", i, CommandGetSnapshotNames, env.Command)
				}
				if err := c.EncodePayload(TypeResponse, env.Command, env.EventID, SnapshotNamesPayload{
					Names: []string{fmt.Sprintf("vm-migration-%d", i+1)},
				}); err != nil {
					return err
				}

				bulkEnv, err := c.Decode()
				if err != nil {
					return fmt.Errorf("dataset %d: decode bulk sync: %w", i, err)
				}
				if bulkEnv.Command != CommandSync {
					return fmt.Errorf("dataset %d: expected %s, got %s", i, CommandSync, bulkEnv.Command)
				}

				// If RawReader failed to Discard its peeked bytes, stale
				// bytes from a prior round would be replayed here (or
				// this read would short-read / hang) instead of the
				// fresh bulk stream.
				buf, err := io.ReadAll(NewBulkReader(c.RawReader()))
				if err != nil {
					return fmt.Errorf("dataset %d: read bulk stream: %w", i, err)
				}
				received = append(received, buf)

				if err := c.Encode(Envelope{Type: TypeSyncSuccess, Command: CommandSync, EventID: bulkEnv.EventID}); err != nil {
					return err
				}
			}

			endEnv, err := c.Decode()
			if err != nil {
				return fmt.Errorf("decode end: %w", err)
			}
			if endEnv.Command != CommandEnd {
				return fmt.Errorf("expected %s, got %s", CommandEnd, endEnv.Command)
			}
			return c.EncodePayload(TypeResponse, endEnv.Command, endEnv.EventID, struct{}{})
		}()
	}()

	// One Dial serves every dataset below, the same way the Send
	// Process's runSync dials once per run rather than once per
	// dataset (pkg/migration/send/process.go).
	client, err := Dial(ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer client.Close()

	for i, payload := range payloads {
		names, err := client.GetSnapshotNames(fmt.Sprintf("zones/test-%d", i))
		require.NoError(t, err)
		require.Equal(t, []string{fmt.Sprintf("vm-migration-%d", i+1)}, names)

		bulkEventID := NewEventID()
		line, err := marshalEnvelope(Envelope{
			Type: TypeRequest, Command: CommandSync, EventID: bulkEventID,
		}, BulkSyncPayload{Dataset: fmt.Sprintf("zones/test-%d", i), SnapshotName: names[0]})
		require.NoError(t, err)

		// Write the command line and the framed bulk bytes as a single
		// underlying Write, the way the sender's zfs-send pipe starts
		// writing immediately after the "sync" line with no flush
		// boundary between them (pkg/migration/send/process.go's
		// EncodePayload followed by io.Copy onto the same socket) — so
		// the receiver's bufio.Reader is guaranteed to have both the
		// line and the start of the bulk stream buffered together,
		// which is exactly the scenario Conn.RawReader's Discard fixes.
		var framed bytes.Buffer
		bw := NewBulkWriter(&framed)
		_, err = bw.Write(payload)
		require.NoError(t, err)
		require.NoError(t, bw.Close())

		combined := append(line, framed.Bytes()...)
		_, err = client.Conn().RawWriter().Write(combined)
		require.NoError(t, err)

		// The sync-success event, the next dataset's control round
		// trips, and the final end command all ride the same
		// connection after the bulk terminator: nothing here ever
		// half-closes the socket.
		env, err := client.Conn().Decode()
		require.NoError(t, err)
		require.Equal(t, TypeSyncSuccess, env.Type)
	}

	_, err = client.Request(CommandEnd, struct{}{})
	require.NoError(t, err)

	require.NoError(t, <-serverDone)
	require.Len(t, received, datasetCount)
	for i, payload := range payloads {
		require.Equal(t, payload, received[i], "dataset %d bulk bytes", i)
	}
}

func marshalEnvelope(e Envelope, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	e.Payload = raw
	line, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}
