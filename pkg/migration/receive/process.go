package receive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/migration"
	"github.com/nodeforge/cnagent/pkg/zfs"
	"github.com/rs/zerolog"
)

// Config configures a Process.
type Config struct {
	Listen  string
	Version string
}

// Process is the Migration Receive Process: one TCP listener, one
// source-side control connection, and the dataset-level receive state
// machine.
type Process struct {
	cfg    Config
	logger zerolog.Logger

	mu           sync.Mutex
	activeStream *zfs.ReceiveStream
	stopped      atomic.Bool
}

// New builds a Process.
func New(cfg Config) *Process {
	return &Process{cfg: cfg, logger: log.WithComponent("migration-receive")}
}

// Run binds the listener and serves the single source connection until
// it closes or ctx is cancelled.
func (p *Process) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("migration-receive: listen %s: %w", p.cfg.Listen, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	conn, err := ln.Accept()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("migration-receive: accept: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	if err := p.serve(conn); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (p *Process) serve(nc net.Conn) error {
	c := migration.NewConn(nc)

	for {
		env, err := c.Decode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		switch env.Command {
		case migration.CommandPing:
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, migration.PingPayload{PID: os.Getpid(), Version: p.cfg.Version})

		case migration.CommandGetSnapshotNames:
			var q migration.DatasetQueryPayload
			_ = json.Unmarshal(env.Payload, &q)
			names, err := listSnapshotNames(q.Dataset)
			if err != nil {
				_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: err.Error()})
				continue
			}
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, migration.SnapshotNamesPayload{Names: names})

		case migration.CommandGetResumeToken:
			var q migration.DatasetQueryPayload
			_ = json.Unmarshal(env.Payload, &q)
			token, err := zfs.ResumeToken(q.Dataset)
			if err != nil {
				_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: err.Error()})
				continue
			}
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, migration.ResumeTokenPayload{Token: token})

		case migration.CommandZfsDestroy:
			var q migration.ZfsDestroyPayload
			_ = json.Unmarshal(env.Payload, &q)
			if err := zfs.DestroySnapshots(q.Dataset, []string{q.Snapshot}); err != nil {
				_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: err.Error()})
				continue
			}
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})

		case migration.CommandSync:
			var req migration.BulkSyncPayload
			_ = json.Unmarshal(env.Payload, &req)
			if err := p.handleBulkReceive(c, req); err != nil {
				p.logger.Error().Err(err).Str("dataset", req.Dataset).Msg("receive failed")
				_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: err.Error()})
				continue
			}
			_ = c.Encode(migration.Envelope{Type: migration.TypeSyncSuccess, Command: env.Command, EventID: env.EventID})

		case migration.CommandStop:
			p.stopped.Store(true)
			p.mu.Lock()
			if p.activeStream != nil {
				_ = p.activeStream.Abort()
			}
			p.mu.Unlock()
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})

		case migration.CommandEnd:
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})
			return nil

		default:
			_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: "Not Implemented"})
		}
	}
}

// handleBulkReceive runs one dataset's receive: optionally wipe a
// stale destination, open a zfs receive stream, detach the line parser
// from the socket in favor of the chunked bulk framing, and finalize
// when the sender's terminator chunk arrives. The connection itself
// stays open so control traffic (cleanup, the next dataset) resumes on
// it afterward.
func (p *Process) handleBulkReceive(c *migration.Conn, req migration.BulkSyncPayload) error {
	if req.IsFirstSync {
		exists, err := zfs.DatasetExists(req.Dataset)
		if err != nil {
			return fmt.Errorf("check destination dataset: %w", err)
		}
		if exists {
			if err := zfs.DestroyDataset(req.Dataset); err != nil {
				return fmt.Errorf("clear stale destination: %w", err)
			}
		}
	}

	stream, err := zfs.OpenReceiveStream(req.Dataset, req.SnapshotName, req.Resumable)
	if err != nil {
		return fmt.Errorf("open receive stream: %w", err)
	}

	p.mu.Lock()
	p.activeStream = stream
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		p.activeStream = nil
		p.mu.Unlock()
	}()

	if _, err := io.Copy(stream, migration.NewBulkReader(c.RawReader())); err != nil {
		_ = stream.Abort()
		return fmt.Errorf("receive stream: %w", err)
	}

	if p.stopped.Load() {
		_ = stream.Abort()
		return fmt.Errorf("receive aborted by stop command")
	}

	if err := stream.Close(); err != nil {
		return fmt.Errorf("finalize receive: %w", err)
	}
	return nil
}

func listSnapshotNames(dataset string) ([]string, error) {
	snaps, err := zfs.ListMigrationSnapshots(dataset)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(snaps))
	for i, s := range snaps {
		out[i] = s.Name
	}
	return out, nil
}
