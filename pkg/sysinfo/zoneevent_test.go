package sysinfo

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestZoneEventWatcherInvokesCallbackPerEventLine(t *testing.T) {
	var calls atomic.Int32
	w := NewZoneEventWatcher(func() { calls.Add(1) })
	w.Command = []string{"sh", "-c", "printf 'event-one\\nevent-two\\n'"}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.streamOnce(ctx))
	require.Equal(t, int32(2), calls.Load())
}

func TestZoneEventWatcherRearmsAfterChildDeath(t *testing.T) {
	var calls atomic.Int32
	w := NewZoneEventWatcher(func() { calls.Add(1) })
	w.Command = []string{"sh", "-c", "printf 'event\\n'"}

	ctx, cancel := context.WithTimeout(context.Background(), watcherBackoff+2*time.Second)
	defer cancel()

	// The child exits immediately after one line; Run must respawn it
	// at least once more within the window.
	require.NoError(t, w.Run(ctx))
	require.GreaterOrEqual(t, calls.Load(), int32(2))
}

func TestZoneEventWatcherSurvivesMissingBinary(t *testing.T) {
	w := NewZoneEventWatcher(func() {})
	w.Command = []string{"definitely-not-a-real-binary-name"}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, w.Run(ctx))
}
