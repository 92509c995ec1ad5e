package sysinfo

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/nodeforge/cnagent/pkg/log"
)

// watcherBackoff is the re-arm delay after any watcher error or ENOENT.
const watcherBackoff = 5 * time.Second

// FileWatcher watches a single file for mtime-advancing changes and
// invokes a callback, once immediately on start and again on every
// observed change, tolerating the file's disappearance and recreation
// by tearing the watch down and re-arming after a backoff.
type FileWatcher struct {
	path     string
	callback func()
	logger   zerolog.Logger
}

// NewFileWatcher builds a FileWatcher over path.
func NewFileWatcher(path string, callback func()) *FileWatcher {
	return &FileWatcher{path: path, callback: callback, logger: log.WithComponent("sysinfo")}
}

// Run calls the callback once immediately, then watches path until ctx
// is cancelled, re-arming after watcherBackoff on any error.
func (w *FileWatcher) Run(ctx context.Context) error {
	w.callback()

	for {
		if ctx.Err() != nil {
			return nil
		}

		if err := w.watchOnce(ctx); err != nil {
			w.logger.Warn().Err(err).Str("path", w.path).Msg("sysinfo file watch error, re-arming")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(watcherBackoff):
			}
		}
	}
}

func (w *FileWatcher) watchOnce(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(w.path); err != nil {
		return err
	}

	lastMtime, err := statMtime(w.path)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("sysinfo: watcher error channel closed")
			}
			return err

		case _, ok := <-watcher.Events:
			if !ok {
				return errors.New("sysinfo: watcher event channel closed")
			}

			mtime, err := statMtime(w.path)
			if err != nil {
				return err
			}
			if mtime.After(lastMtime) {
				lastMtime = mtime
				w.callback()
			}
		}
	}
}

func statMtime(path string) (time.Time, error) {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
