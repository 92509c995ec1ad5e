package send

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/migration"
	"github.com/nodeforge/cnagent/pkg/types"
	"github.com/nodeforge/cnagent/pkg/zfs"
	"github.com/rs/zerolog"
)

// Config configures a Process.
type Config struct {
	Listen      string
	Version     string
	DialTimeout time.Duration
}

// Process is the Migration Send Process: one TCP listener, one
// coordinator control connection, and the sync-run state machine.
type Process struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	watchers []*migration.Conn
	session  *migration.Session
	record   json.RawMessage // last set-record payload, held for the coordinator
	aborted  atomic.Bool

	activeClient atomic.Pointer[migration.Client]
}

// New builds a Process.
func New(cfg Config) *Process {
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	return &Process{cfg: cfg, logger: log.WithComponent("migration-send")}
}

// Run binds the listener and serves the single coordinator connection
// until it closes or ctx is cancelled.
func (p *Process) Run(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", p.cfg.Listen)
	if err != nil {
		return fmt.Errorf("migration-send: listen %s: %w", p.cfg.Listen, err)
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
		return fmt.Errorf("migration-send: accept: %w", err)
	}
	defer conn.Close()
	stopClose := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stopClose()

	if err := p.serve(ctx, conn); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (p *Process) serve(ctx context.Context, nc net.Conn) error {
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

		case migration.CommandSetRecord:
			p.mu.Lock()
			p.record = append(json.RawMessage(nil), env.Payload...)
			p.mu.Unlock()
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})

		case migration.CommandWatch:
			p.mu.Lock()
			p.watchers = append(p.watchers, c)
			p.mu.Unlock()
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})

		case migration.CommandSync:
			var req migration.SyncRequestPayload
			_ = json.Unmarshal(env.Payload, &req)
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})
			go p.runSync(ctx, req, c, env.EventID)

		case migration.CommandStop:
			p.aborted.Store(true)
			if cl := p.activeClient.Load(); cl != nil {
				_ = cl.Close()
			}
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})

		case migration.CommandEnd:
			_ = c.EncodePayload(migration.TypeResponse, env.Command, env.EventID, struct{}{})
			return nil

		default:
			_ = c.Encode(migration.Envelope{Type: migration.TypeError, Command: env.Command, EventID: env.EventID, Message: "Not Implemented"})
		}
	}
}

// runSync drives the full sync-run state machine for every dataset in
// req, reporting progress to every watching socket and a final
// response to the original "sync" request.
func (p *Process) runSync(ctx context.Context, req migration.SyncRequestPayload, coordinator *migration.Conn, eventID string) {
	sess := migration.NewSession(req.VMUUID, req.Datasets)
	p.mu.Lock()
	p.session = sess
	p.mu.Unlock()

	stopProgress := p.startProgressTicker(sess, req.VMUUID)
	defer stopProgress()

	addr := fmt.Sprintf("%s:%d", req.TargetHost, req.TargetPort)

	// One control connection serves every dataset of this run: the
	// Receive Process accepts exactly one connection for its whole
	// process lifetime, so a multi-dataset run (a KVM migration's
	// several data disks) reuses it across all of them rather than
	// dialing fresh per dataset.
	client, err := migration.Dial(addr, p.cfg.DialTimeout)
	if err != nil {
		p.logger.Error().Err(err).Str("vm_uuid", req.VMUUID).Msg("migration sync failed")
		_ = coordinator.Encode(migration.Envelope{Type: migration.TypeError, Command: migration.CommandSync, EventID: eventID, Message: fmt.Sprintf("connect to receiver: %v", err)})
		return
	}
	p.activeClient.Store(client)
	defer func() {
		p.activeClient.Store(nil)
		_ = client.Close()
	}()

	var runErr error
	for i, ds := range req.Datasets {
		fs := sess.Filesystems[i]
		if p.aborted.Load() {
			fs.State = migration.StateAborted
			runErr = fmt.Errorf("%w", types.ErrSyncAborted)
			break
		}
		if err := p.runDataset(ctx, client, fs, ds, req.RateLimitMbps); err != nil {
			runErr = err
			break
		}
	}

	if runErr != nil {
		p.logger.Error().Err(runErr).Str("vm_uuid", req.VMUUID).Msg("migration sync failed")
		_ = coordinator.Encode(migration.Envelope{Type: migration.TypeError, Command: migration.CommandSync, EventID: eventID, Message: runErr.Error()})
		return
	}

	_ = coordinator.Encode(migration.Envelope{Type: migration.TypeSyncSuccess, Command: migration.CommandSync, EventID: eventID})
}

// runDataset replicates a single dataset over the run's shared control
// connection: list, name, resume-or-snapshot, estimate, stream, await
// sync-success, clean up.
func (p *Process) runDataset(ctx context.Context, client *migration.Client, fs *migration.FilesystemState, ds migration.DatasetSpec, rateLimitMbps float64) error {
	fs.State = migration.StateListing
	source, err := zfs.ListMigrationSnapshots(ds.Dataset)
	if err != nil {
		return fmt.Errorf("list source snapshots: %w", err)
	}
	for _, s := range source {
		fs.SourceSnapshots = append(fs.SourceSnapshots, s.Name)
	}

	fs.State = migration.StateConnected

	target, err := client.GetSnapshotNames(ds.Dataset)
	if err != nil {
		return fmt.Errorf("query target snapshots: %w", err)
	}
	fs.TargetSnapshots = target

	pick, err := migration.PickSnapshotNames(source, target)
	if err != nil {
		return err
	}
	fs.PrevSnapshotName = pick.PrevSnapshotName
	fs.SnapshotName = pick.SnapshotName
	fs.IsFirstSync = pick.IsFirstSync
	fs.State = migration.StateNamed

	token, err := client.GetResumeToken(ds.Dataset)
	if err != nil {
		return fmt.Errorf("get resume token: %w", err)
	}
	fs.ResumeToken = token

	var resume *zfs.ResumeFrom
	resuming := false
	if token != "" {
		decoded, derr := zfs.DecodeResumeToken(token)
		if derr != nil {
			p.logger.Warn().Err(derr).Str("dataset", ds.Dataset).
				Msg("resume token present but undecodable; substituting a full incremental send")
		} else {
			resume = decoded
			resuming = true
			fs.State = migration.StateResuming
		}
	}

	if !resuming {
		if err := zfs.CreateSnapshot(ds.Dataset, fs.SnapshotName); err != nil {
			return fmt.Errorf("create migration snapshot: %w", err)
		}
	}
	fs.State = migration.StateSnapshotted

	size, err := zfs.EstimateSendSize(ds.Dataset, fs.PrevSnapshotName, fs.SnapshotName)
	if err != nil {
		return fmt.Errorf("estimate send size: %w", err)
	}
	fs.EstimatedSize = size
	fs.State = migration.StateEstimated

	bulkEventID := migration.NewEventID()
	if err := client.Conn().EncodePayload(migration.TypeRequest, migration.CommandSync, bulkEventID, migration.BulkSyncPayload{
		Dataset:      ds.Dataset,
		SnapshotName: fs.SnapshotName,
		Resumable:    true,
		IsFirstSync:  fs.IsFirstSync,
	}); err != nil {
		return fmt.Errorf("signal bulk sync: %w", err)
	}

	stream, err := zfs.Send(ds.Dataset, fs.PrevSnapshotName, fs.SnapshotName, resume)
	if err != nil {
		return fmt.Errorf("zfs send: %w", err)
	}
	defer stream.Close()

	fs.State = migration.StateSending
	bulk := migration.NewBulkWriter(client.Conn().RawWriter())
	writer := newRateLimitedWriter(bulk, rateLimitMbps)
	counted := &countingReader{r: stream, counter: &fs.BytesSent}
	if _, err := io.Copy(writer, counted); err != nil {
		// No bulk terminator on a failed stream: the receiver must see
		// the transfer as truncated, not cleanly ended.
		return fmt.Errorf("%w: %v", types.ErrZfsFailure, err)
	}
	if err := bulk.Close(); err != nil {
		return fmt.Errorf("%w: %v", types.ErrZfsFailure, err)
	}

	if err := p.awaitSyncSuccess(client); err != nil {
		return err
	}
	fs.State = migration.StateSucceeded

	return p.cleanup(client, ds.Dataset, source, fs)
}

func (p *Process) awaitSyncSuccess(client *migration.Client) error {
	for {
		env, err := client.Conn().Decode()
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrReceiverTimeout, err)
		}
		switch env.Type {
		case migration.TypeSyncSuccess:
			return nil
		case migration.TypeError:
			return fmt.Errorf("receiver reported: %s", env.Message)
		}
	}
}

// cleanup deletes all but the most recent source migration snapshot,
// and the now-superseded previous snapshot on the target.
func (p *Process) cleanup(client *migration.Client, dataset string, source []zfs.MigrationSnapshot, fs *migration.FilesystemState) error {
	var stale []string
	for _, s := range source {
		if s.Name != fs.SnapshotName {
			stale = append(stale, s.Name)
		}
	}
	if len(stale) > 0 {
		if err := zfs.DestroySnapshots(dataset, stale); err != nil {
			p.logger.Warn().Err(err).Msg("failed to clean up stale source snapshots")
		}
	}

	if fs.PrevSnapshotName != "" && fs.PrevSnapshotName != fs.SnapshotName {
		if err := client.ZfsDestroy(dataset, fs.PrevSnapshotName); err != nil {
			p.logger.Warn().Err(err).Msg("failed to clean up superseded target snapshot")
		}
	}
	return nil
}

// countingReader accumulates bytes read into *counter with atomic-ish
// semantics sufficient for this process's single sender goroutine;
// readers elsewhere (the progress ticker) only ever read it.
type countingReader struct {
	r       io.Reader
	counter *uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddUint64(c.counter, uint64(n))
	return n, err
}
