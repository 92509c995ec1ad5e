package sysinfo

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/metrics"
)

const (
	heartbeatInterval = 5 * time.Second
	refreshFloor      = 60 * time.Second
	tickInterval      = 1 * time.Second

	// maxSkippedRefreshes is the consecutive-lock-contention ceiling:
	// five refresh attempts in a row finding the sampler mutex held is
	// treated as a deadlocked sampler and aborts the loop.
	maxSkippedRefreshes = 5
)

// ErrSamplerDeadlock is returned by Run when the sampler mutex could
// not be acquired for maxSkippedRefreshes consecutive refresh attempts.
var ErrSamplerDeadlock = fmt.Errorf("sysinfo: sampler appears deadlocked")

// Config configures a Loop.
type Config struct {
	NodeID  string
	NATSURL string
}

// publisher is the subset of *nats.Conn the Loop needs, narrowed so
// tests can substitute a fake instead of dialing a real NATS server.
type publisher interface {
	Publish(subject string, data []byte) error
	Close()
}

// Loop is the single owner of the cached system Sample: it refreshes
// the sample on a dirty flag (or a 60s floor) and publishes it on the
// heartbeat channel every 5s, with an additional zone-event publish
// when the sample was both dirty and "readied" by a zone state
// transition.
type Loop struct {
	cfg       Config
	collector Collector
	nc        publisher
	logger    zerolog.Logger

	dirtyMu sync.Mutex
	dirty   bool
	ready   bool

	sampleMu sync.Mutex
	sample   Sample

	refreshMu sync.Mutex // the "sampler mutex"
}

// New dials NATS (infinite reconnects, 2s backoff) and returns a Loop
// ready to Run.
func New(cfg Config, collector Collector) (*Loop, error) {
	if collector == nil {
		collector = NewExecCollector()
	}

	nc, err := nats.Connect(cfg.NATSURL,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("sysinfo: connect nats: %w", err)
	}

	return newLoop(cfg, collector, nc), nil
}

func newLoop(cfg Config, collector Collector, nc publisher) *Loop {
	return &Loop{
		cfg:       cfg,
		collector: collector,
		nc:        nc,
		logger:    log.WithComponent("sysinfo"),
	}
}

func (l *Loop) heartbeatSubject() string { return "sysinfo.heartbeat." + l.cfg.NodeID }
func (l *Loop) zoneEventSubject() string { return "sysinfo.zone-event." + l.cfg.NodeID }

// MarkDirty flags the cached sample stale, triggering a refresh on the
// next tick. Called by the zone-event stream and the zones
// configuration directory watch.
func (l *Loop) MarkDirty() {
	l.dirtyMu.Lock()
	l.dirty = true
	l.dirtyMu.Unlock()
}

// MarkReady arms the next post-refresh publish to also go out on the
// zone-event channel.
func (l *Loop) MarkReady() {
	l.dirtyMu.Lock()
	l.ready = true
	l.dirtyMu.Unlock()
}

// Close closes the NATS connection.
func (l *Loop) Close() { l.nc.Close() }

// Run drives the refresh/publish loop until ctx is cancelled, or
// returns ErrSamplerDeadlock if the sampler mutex is starved for
// maxSkippedRefreshes consecutive attempts.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	lastRefresh := time.Time{}
	lastHeartbeat := time.Time{}
	skipped := 0

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			wasDirty, wasReady := l.consumeDirty(now, lastRefresh)
			if wasDirty {
				ok, err := l.tryRefresh(ctx)
				if err != nil {
					return err
				}
				if ok {
					lastRefresh = now
					skipped = 0
					metrics.SysinfoRefreshTotal.Inc()
					if wasReady {
						l.publish(l.zoneEventSubject())
					}
				} else {
					skipped++
					if skipped >= maxSkippedRefreshes {
						return ErrSamplerDeadlock
					}
				}
			}

			if now.Sub(lastHeartbeat) >= heartbeatInterval {
				lastHeartbeat = now
				l.publish(l.heartbeatSubject())
			}
		}
	}
}

// consumeDirty reports whether a refresh is due this tick (the dirty
// flag is set, or the 60s floor has elapsed), clearing dirty/ready as
// it hands them off so a refresh attempt owns exactly one readiness
// state.
func (l *Loop) consumeDirty(now, lastRefresh time.Time) (dueRefresh, wasReady bool) {
	l.dirtyMu.Lock()
	defer l.dirtyMu.Unlock()

	due := l.dirty || now.Sub(lastRefresh) >= refreshFloor
	if !due {
		return false, false
	}
	wasReady = l.ready
	l.dirty = false
	l.ready = false
	return true, wasReady
}

// tryRefresh attempts the refresh under the sampler mutex without
// blocking; false means the mutex was already held (a refresh still in
// flight), which the caller counts toward the deadlock ceiling.
func (l *Loop) tryRefresh(ctx context.Context) (bool, error) {
	if !l.refreshMu.TryLock() {
		return false, nil
	}
	defer l.refreshMu.Unlock()

	sample, err := l.collector.Collect(ctx, l.cfg.NodeID)
	if err != nil {
		l.logger.Error().Err(err).Msg("sysinfo refresh failed")
		return true, nil // attempt completed even though collection failed; not a lock-contention skip
	}

	l.sampleMu.Lock()
	l.sample = sample
	l.sampleMu.Unlock()
	return true, nil
}

func (l *Loop) publish(subject string) {
	l.sampleMu.Lock()
	sample := l.sample
	l.sampleMu.Unlock()

	data, err := json.Marshal(sample)
	if err != nil {
		l.logger.Error().Err(err).Msg("marshal sysinfo sample")
		return
	}
	if err := l.nc.Publish(subject, data); err != nil {
		l.logger.Error().Err(err).Str("subject", subject).Msg("publish sysinfo sample")
	}
}
