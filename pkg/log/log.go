/*
Package log provides structured logging for the compute agent using
zerolog.

The daemon process logs to a single global, component-tagged logger
initialized once via Init. Worker processes additionally get their own
bunyan-style JSON log file, one per invocation, opened with NewWorkerLogger
and named "<timestamp>-<pid>-<task>.log".
*/
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
)

// Level mirrors zerolog's level strings so configuration stays a plain
// string end to end (cobra flag -> Config -> zerolog.Level).
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the package-level logger; Init replaces it, WithComponent
// derives a child from it.
var Logger zerolog.Logger

func init() {
	Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the global logger. Call once at process startup,
// before any component loggers are derived.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	zerolog.SetGlobalLevel(cfg.Level.zerolog())
	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a logger tagged with a component name, e.g.
// "queue", "supervisor", "migration-send".
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask returns a logger tagged with a task id, derived from a
// component logger.
func WithTask(base zerolog.Logger, taskID string) zerolog.Logger {
	return base.With().Str("task_id", taskID).Logger()
}

// Fatal logs at fatal level and exits the process.
func Fatal(msg string, args ...interface{}) {
	Logger.Fatal().Msg(fmt.Sprintf(msg, args...))
}

// NewWorkerLogger opens (creating parent directories as needed) the
// per-invocation worker log file "<timestamp>-<pid>-<task>.log" under
// logDir and returns a zerolog.Logger writing JSON lines to it, plus the
// file for the caller to close on worker exit. Returns a no-op logger
// writing to io.Discard when logDir is empty or logging is disabled,
// matching the machine_query queue's logging=false rule.
func NewWorkerLogger(logDir string, timestamp time.Time, pid int, task string, enabled bool) (zerolog.Logger, io.Closer, error) {
	if !enabled || logDir == "" {
		return zerolog.New(io.Discard), nopCloser{}, nil
	}

	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	name := fmt.Sprintf("%s-%d-%s.log", timestamp.UTC().Format("20060102T150405.000Z"), pid, task)
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return zerolog.Logger{}, nil, fmt.Errorf("failed to open worker log file: %w", err)
	}

	return zerolog.New(f).With().Timestamp().Str("task", task).Int("pid", pid).Logger(), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
