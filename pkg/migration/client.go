package migration

import (
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is the migration protocol spoken as a caller: used by the
// Send Process to issue get-zfs-snapshot-names / get-zfs-resume-token /
// sync / stop / zfs-destroy commands against a peer Receive Process's
// control connection.
type Client struct {
	conn *Conn
	nc   net.Conn
}

// Dial opens a TCP connection to a Migration Receive Process.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	nc, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, fmt.Errorf("migration: dial %s: %w", addr, err)
	}
	return &Client{conn: NewConn(nc), nc: nc}, nil
}

// Conn exposes the underlying framed connection for the bulk-transfer
// phase, where the caller temporarily bypasses Request/Response framing
// to write raw zfs send bytes.
func (c *Client) Conn() *Conn { return c.conn }

// Close closes the underlying TCP connection.
func (c *Client) Close() error { return c.nc.Close() }

// Request sends a command envelope and waits for its matching response
// or error envelope, discarding any unrelated events read meanwhile
// (there are none on this connection until a "watch" has been issued,
// which the Send Process's outbound client connection never does).
func (c *Client) Request(command string, payload interface{}) (Envelope, error) {
	eventID := NewEventID()
	if err := c.conn.EncodePayload(TypeRequest, command, eventID, payload); err != nil {
		return Envelope{}, err
	}

	for {
		env, err := c.conn.Decode()
		if err != nil {
			return Envelope{}, fmt.Errorf("migration: %s: %w", command, err)
		}
		if env.EventID != eventID {
			continue
		}
		if env.Type == TypeError {
			return Envelope{}, fmt.Errorf("migration: %s: %s", command, env.Message)
		}
		return env, nil
	}
}

// GetSnapshotNames issues get-zfs-snapshot-names against the peer.
func (c *Client) GetSnapshotNames(dataset string) ([]string, error) {
	env, err := c.Request(CommandGetSnapshotNames, DatasetQueryPayload{Dataset: dataset})
	if err != nil {
		return nil, err
	}
	var p SnapshotNamesPayload
	if err := decodePayload(env, &p); err != nil {
		return nil, err
	}
	return p.Names, nil
}

// GetResumeToken issues get-zfs-resume-token against the peer.
func (c *Client) GetResumeToken(dataset string) (string, error) {
	env, err := c.Request(CommandGetResumeToken, DatasetQueryPayload{Dataset: dataset})
	if err != nil {
		return "", err
	}
	var p ResumeTokenPayload
	if err := decodePayload(env, &p); err != nil {
		return "", err
	}
	return p.Token, nil
}

// ZfsDestroy issues zfs-destroy for one snapshot on the peer.
func (c *Client) ZfsDestroy(dataset, snapshot string) error {
	_, err := c.Request(CommandZfsDestroy, ZfsDestroyPayload{Dataset: dataset, Snapshot: snapshot})
	return err
}

// Stop issues a stop command against the peer (used by the coordinator
// against the send side, and could equally be used send -> receive).
func (c *Client) Stop() error {
	_, err := c.Request(CommandStop, struct{}{})
	return err
}

func decodePayload(env Envelope, out interface{}) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, out)
}
