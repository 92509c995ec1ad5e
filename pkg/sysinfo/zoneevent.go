package sysinfo

import (
	"bufio"
	"context"
	"os/exec"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodeforge/cnagent/pkg/log"
)

// ZoneEventWatcher streams zone state-transition events from a child
// process (the platform's zoneevent utility) and invokes a callback for
// every event line. The child exiting, failing to start, or closing its
// stdout tears the watch down; it re-arms after the same 5-second
// backoff the file watcher uses.
type ZoneEventWatcher struct {
	// Command is the child to spawn; defaults to {"zoneevent"}.
	Command  []string
	callback func()
	logger   zerolog.Logger
}

// NewZoneEventWatcher builds a watcher invoking callback once per
// streamed event.
func NewZoneEventWatcher(callback func()) *ZoneEventWatcher {
	return &ZoneEventWatcher{
		Command:  []string{"zoneevent"},
		callback: callback,
		logger:   log.WithComponent("sysinfo"),
	}
}

// Run streams events until ctx is cancelled, respawning the child
// after watcherBackoff whenever it dies.
func (w *ZoneEventWatcher) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.streamOnce(ctx); err != nil {
			w.logger.Warn().Err(err).Msg("zone event stream ended, re-arming")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(watcherBackoff):
		}
	}
}

func (w *ZoneEventWatcher) streamOnce(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, w.Command[0], w.Command[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if len(scanner.Bytes()) == 0 {
			continue
		}
		w.callback()
	}

	if err := cmd.Wait(); err != nil {
		return err
	}
	return scanner.Err()
}
