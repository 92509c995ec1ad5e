package sysinfo

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFileWatcherInvokesCallbackOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	var calls atomic.Int32
	w := NewFileWatcher(path, func() { calls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_ = w.Run(ctx)

	require.GreaterOrEqual(t, calls.Load(), int32(1))
}

func TestFileWatcherInvokesCallbackOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "watched")
	require.NoError(t, os.WriteFile(path, []byte("v1"), 0o644))

	var calls atomic.Int32
	w := NewFileWatcher(path, func() { calls.Add(1) })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.Chtimes(path, time.Now().Add(time.Second), time.Now().Add(time.Second)))
	require.NoError(t, os.WriteFile(path, []byte("v2"), 0o644))

	time.Sleep(300 * time.Millisecond)
	cancel()
	<-done

	require.GreaterOrEqual(t, calls.Load(), int32(2))
}
