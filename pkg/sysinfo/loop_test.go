package sysinfo

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (f *fakePublisher) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	return nil
}

func (f *fakePublisher) Close() {}

func (f *fakePublisher) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.subjects {
		if s == subject {
			n++
		}
	}
	return n
}

type fakeCollector struct {
	calls int
}

func (c *fakeCollector) Collect(ctx context.Context, nodeID string) (Sample, error) {
	c.calls++
	return Sample{NodeID: nodeID, Timestamp: time.Now()}, nil
}

func TestLoopPublishesHeartbeatOnTick(t *testing.T) {
	pub := &fakePublisher{}
	loop := newLoop(Config{NodeID: "node-1"}, &fakeCollector{}, pub)

	ctx, cancel := context.WithTimeout(context.Background(), heartbeatInterval+500*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	require.GreaterOrEqual(t, pub.count(loop.heartbeatSubject()), 1)
}

func TestLoopRefreshesAndPublishesZoneEventWhenDirtyAndReady(t *testing.T) {
	pub := &fakePublisher{}
	collector := &fakeCollector{}
	loop := newLoop(Config{NodeID: "node-2"}, collector, pub)

	loop.MarkDirty()
	loop.MarkReady()

	ctx, cancel := context.WithTimeout(context.Background(), 1500*time.Millisecond)
	defer cancel()
	_ = loop.Run(ctx)

	require.GreaterOrEqual(t, collector.calls, 1)
	require.GreaterOrEqual(t, pub.count(loop.zoneEventSubject()), 1)
}

func TestLoopDetectsSamplerDeadlock(t *testing.T) {
	pub := &fakePublisher{}
	loop := newLoop(Config{NodeID: "node-3"}, &fakeCollector{}, pub)

	loop.refreshMu.Lock() // simulate a refresh that never releases the sampler mutex
	defer loop.refreshMu.Unlock()

	loop.MarkDirty()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Force dirty back on after each consumed tick so every tick attempts
	// (and fails) the refresh, matching "5 consecutive skipped cycles".
	go func() {
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				loop.MarkDirty()
			}
		}
	}()

	err := loop.Run(ctx)
	require.ErrorIs(t, err, ErrSamplerDeadlock)
}
