package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/nodeforge/cnagent/pkg/ipc"
	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/metrics"
	"github.com/nodeforge/cnagent/pkg/queue"
	"github.com/nodeforge/cnagent/pkg/registry"
	"github.com/nodeforge/cnagent/pkg/task"
	"github.com/nodeforge/cnagent/pkg/types"
	"github.com/rs/zerolog"
)

const (
	// defaultGrace is how long the Supervisor waits after closing a
	// worker's control channel before escalating to SIGTERM/SIGKILL.
	defaultGrace  = 5 * time.Second
	stderrHeadCap = 2500
	stderrTailCap = 2500
)

// Config configures a Supervisor.
type Config struct {
	Registry *registry.Registry
	History  *task.History
	Spawner  Spawner // defaults to ExecSpawner{}
	LogDir   string
	Grace    time.Duration // defaults to defaultGrace
}

// Supervisor forks one worker process per admitted Task Record and
// drives its IPC lifecycle to a terminal outcome.
type Supervisor struct {
	reg     *registry.Registry
	history *task.History
	spawner Spawner
	logDir  string
	grace   time.Duration
	logger  zerolog.Logger

	queueSet *queue.Set

	mu   sync.Mutex
	live map[string]*liveWorker

	// recMu guards every Task Record mutation and snapshot. Each pump
	// goroutine mutates only its own record, but the HTTP adapter
	// snapshots live records concurrently, so both sides take this.
	recMu sync.Mutex

	subtasks *subtaskRouter
}

type liveWorker struct {
	rec  *types.Record
	proc Proc
	enc  *ipc.Encoder
}

// New builds a Supervisor wired to its own internal Queue Set, built
// from registry.Rules().
func New(cfg Config) *Supervisor {
	spawner := cfg.Spawner
	if spawner == nil {
		spawner = ExecSpawner{}
	}
	grace := cfg.Grace
	if grace <= 0 {
		grace = defaultGrace
	}

	s := &Supervisor{
		reg:      cfg.Registry,
		history:  cfg.History,
		spawner:  spawner,
		logDir:   cfg.LogDir,
		grace:    grace,
		logger:   log.WithComponent("supervisor"),
		live:     make(map[string]*liveWorker),
		subtasks: newSubtaskRouter(),
	}
	s.queueSet = queue.NewSet(cfg.Registry.Rules(), s)
	return s
}

// Queues returns the Queue Set the Supervisor dispatches from, for the
// HTTP Adapter's Pause/Resume endpoints.
func (s *Supervisor) Queues() *queue.Set { return s.queueSet }

// mutate applies fn under the record mutex.
func (s *Supervisor) mutate(fn func()) {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	fn()
}

// SnapshotRecord returns a consistent copy of rec, safe to serialize
// while the record's pump goroutine is still mutating the original.
func (s *Supervisor) SnapshotRecord(rec *types.Record) types.Record {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	return task.Snapshot(rec)
}

// RunningSnapshots returns consistent copies of every currently-running
// record across all queues, for GET /tasks and GET /history.
func (s *Supervisor) RunningSnapshots() []types.Record {
	recs := s.queueSet.RunningRecords()

	s.recMu.Lock()
	defer s.recMu.Unlock()
	out := make([]types.Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, task.Snapshot(rec))
	}
	return out
}

// TaskSnapshot returns a copy of the record with the given id, looking
// in history first and the running set second.
func (s *Supervisor) TaskSnapshot(id string) (types.Record, bool) {
	if rec, ok := s.history.Get(id); ok {
		return task.Snapshot(rec), true
	}
	for _, rec := range s.queueSet.RunningRecords() {
		if rec.ID == id {
			return s.SnapshotRecord(rec), true
		}
	}
	return types.Record{}, false
}

// AdmitTask is the single admission path shared by the HTTP Adapter and
// the Subtask Router: registry lookup, Task Record creation, and queue
// admission.
func (s *Supervisor) AdmitTask(kind types.TaskKind, body interface{}, controllerID, traceContext string) (*types.Record, error) {
	decl, err := s.reg.Lookup(kind)
	if err != nil {
		return nil, err
	}

	rec := task.New(kind, decl.Queue, body, controllerID, traceContext)
	if err := s.queueSet.Admit(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Dispatch implements queue.Dispatcher: it forks the worker for rec and
// pumps its IPC stream to completion in the background.
func (s *Supervisor) Dispatch(rec *types.Record) {
	decl, err := s.reg.Lookup(rec.Kind)
	if err != nil {
		// Can't happen in practice (Admit already validated the kind),
		// but a record whose kind vanished from the registry between
		// admit and dispatch fails safely rather than panicking.
		s.finishFailed(rec, &types.FatalError{Message: err.Error()})
		return
	}

	ctx := context.Background()
	env := s.buildEnv(rec, decl)

	proc, err := s.spawner.Spawn(ctx, decl, env)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", rec.ID).Str("kind", string(rec.Kind)).Msg("failed to spawn worker")
		s.finishFailed(rec, &types.FatalError{Message: fmt.Sprintf("failed to spawn worker: %v", err)})
		return
	}

	s.mutate(func() { task.MarkStarted(rec, proc.Pid()) })

	lw := &liveWorker{rec: rec, proc: proc, enc: ipc.NewEncoder(proc.ControlIn())}
	s.mu.Lock()
	s.live[rec.ID] = lw
	s.mu.Unlock()

	workerLogger, closer, err := log.NewWorkerLogger(s.logDir, rec.CreatedAt, proc.Pid(), string(rec.Kind), decl.Logging)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to open worker log file")
		workerLogger = zerolog.New(io.Discard)
		closer = nil
	}

	stderrCap := newStderrCapture(stderrHeadCap, stderrTailCap)
	var stderrWG sync.WaitGroup
	stderrWG.Add(1)
	go func() {
		defer stderrWG.Done()
		_, _ = io.Copy(stderrCap, proc.Stderr())
	}()

	go s.pump(rec, proc, lw.enc, workerLogger, closer, stderrCap, &stderrWG)
}

// buildEnv constructs the environment passed to a forked worker: log
// directory/timestamp, task name, request id, optional trace context,
// and a silent-logging flag when the queue disables per-invocation log
// files.
func (s *Supervisor) buildEnv(rec *types.Record, decl types.TaskDecl) []string {
	env := append(os.Environ(),
		"logdir="+s.logDir,
		"logtimestamp="+rec.CreatedAt.UTC().Format(time.RFC3339Nano),
		"task="+string(rec.Kind),
		"request_id="+rec.ID,
		fmt.Sprintf("silent_logging=%t", !decl.Logging),
	)
	if rec.TraceContext != "" {
		env = append(env, "trace_context="+rec.TraceContext)
	}
	return env
}

// pump reads the worker's event stream until it closes or emits a
// terminal event, translating every message into a Task Record
// mutation, then enforces the termination policy and releases the
// queue slot. It keeps draining the worker's event stream until it
// closes, even after the first terminal event: a worker that writes
// event:finish and then event:error stays complete (first terminal
// wins), but the trailing error must still be read and logged, not
// left unread in the pipe.
func (s *Supervisor) pump(rec *types.Record, proc Proc, enc *ipc.Encoder, workerLog zerolog.Logger, logCloser io.Closer, stderrCap *stderrCapture, stderrWG *sync.WaitGroup) {
	dec := ipc.NewDecoder(proc.EventOut())

	var sawTerminal bool
	var closeWG sync.WaitGroup

	for {
		msg, err := dec.Decode()
		if err != nil {
			break // EOF or decode error: worker closed its event stream
		}
		isTerminal := s.handleMessage(rec, msg, enc, workerLog)
		if isTerminal && !sawTerminal {
			sawTerminal = true
			// The termination policy (close control channel, grace
			// window, SIGTERM/SIGKILL escalation) runs concurrently with
			// still draining and logging whatever the worker writes
			// after its terminal event.
			closeWG.Add(1)
			go func() {
				defer closeWG.Done()
				s.closeAndAwaitExit(rec, proc)
			}()
		}
	}

	if sawTerminal {
		closeWG.Wait()
	} else {
		// Worker exited (or its pipe broke) without a terminal event.
		_ = proc.Wait()
	}

	stderrWG.Wait()
	if logCloser != nil {
		_ = logCloser.Close()
	}

	s.mu.Lock()
	delete(s.live, rec.ID)
	s.mu.Unlock()

	if !task.IsTerminal(rec) {
		s.synthesizeCrash(rec, proc, stderrCap)
	}

	s.finish(rec)
}

// handleMessage applies one IPC message to rec and reports whether it
// was a terminal event.
func (s *Supervisor) handleMessage(rec *types.Record, msg ipc.Message, enc *ipc.Encoder, workerLog zerolog.Logger) (terminal bool) {
	switch msg.Type {
	case ipc.MsgReady:
		body, _ := json.Marshal(rec.Body)
		if err := enc.EncodePayload(ipc.MsgStart, ipc.StartPayload{Req: body}); err != nil {
			s.logger.Error().Err(err).Str("task_id", rec.ID).Msg("failed to send start to worker")
		}

	case ipc.MsgEventProgress:
		var p ipc.ProgressPayload
		_ = json.Unmarshal(msg.Payload, &p)
		s.mutate(func() {
			task.SetProgress(rec, p.Value)
			task.AppendEvent(rec, msg.Type, p)
		})

	case ipc.MsgEventFinish:
		var result interface{}
		_ = json.Unmarshal(msg.Payload, &result)
		s.mutate(func() {
			task.AppendEvent(rec, msg.Type, result)
			task.MarkFinished(rec, result)
		})
		terminal = true

	case ipc.MsgException:
		var p ipc.ExceptionPayload
		_ = json.Unmarshal(msg.Payload, &p)
		s.mutate(func() {
			task.AppendEvent(rec, msg.Type, p)
			task.MarkFailed(rec, &types.FatalError{Message: p.Message})
		})
		terminal = true

	case ipc.MsgEventError:
		var payload interface{}
		_ = json.Unmarshal(msg.Payload, &payload)
		// Non-fatal: recorded, does not terminate the task.
		s.mutate(func() { task.AppendEvent(rec, msg.Type, payload) })

	case ipc.MsgLog:
		var p ipc.LogPayload
		_ = json.Unmarshal(msg.Payload, &p)
		workerLog.Info().Str("worker_level", p.Level).Msg(p.Msg)

	case ipc.MsgSubtask:
		var p ipc.SubtaskPayload
		_ = json.Unmarshal(msg.Payload, &p)
		s.mutate(func() { task.AppendEvent(rec, msg.Type, p) })
		s.handleSubtask(rec, p)

	default:
		if name, ok := ipc.IsEvent(msg.Type); ok {
			var payload interface{}
			_ = json.Unmarshal(msg.Payload, &payload)
			s.mutate(func() { task.AppendEvent(rec, msg.Type, payload) })
			_ = name // arbitrary named event, forwarded verbatim into the log
		}
	}
	return terminal
}

// closeAndAwaitExit closes the control channel, waits a grace window
// for the worker to exit on its own, and escalates to SIGTERM then
// SIGKILL if it doesn't.
func (s *Supervisor) closeAndAwaitExit(rec *types.Record, proc Proc) {
	_ = proc.ControlIn().Close()

	done := make(chan struct{})
	go func() {
		_ = proc.Wait()
		close(done)
	}()

	select {
	case <-done:
		return
	case <-time.After(s.grace):
	}

	_ = proc.Signal(syscall.SIGTERM)
	select {
	case <-done:
		return
	case <-time.After(s.grace):
	}

	_ = proc.Kill()
	<-done
}

func (s *Supervisor) synthesizeCrash(rec *types.Record, proc Proc, stderrCap *stderrCapture) {
	detail := crashDetail(proc, stderrCap)
	s.mutate(func() {
		task.AppendEvent(rec, "worker_crash", detail)
		task.MarkFailed(rec, &types.FatalError{Message: fmt.Sprintf("%v: worker exited without a terminal event (exit code %d)", types.ErrWorkerCrash, detail.ExitCode)})
	})
	metrics.WorkerCrashesTotal.WithLabelValues(string(rec.Kind)).Inc()
}

func (s *Supervisor) finishFailed(rec *types.Record, fatal *types.FatalError) {
	s.mutate(func() { task.MarkFailed(rec, fatal) })
	s.finish(rec)
}

// finish moves a terminal record into history, releases its queue slot,
// and resolves any pending subtask reply.
func (s *Supervisor) finish(rec *types.Record) {
	outcome := "complete"
	if rec.Status == types.TaskStatusFailed {
		outcome = "failed"
	}
	metrics.TasksTotal.WithLabelValues(string(rec.Kind), outcome).Inc()

	s.history.Add(rec)
	s.queueSet.Release(rec)
	s.resolveSubtask(rec)
}

// Shutdown cascades SIGTERM, then SIGKILL after the grace window, to
// every live worker. Task cancellation is not first-class; the only
// way to stop a task is to stop the daemon.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	procs := make([]Proc, 0, len(s.live))
	for _, lw := range s.live {
		procs = append(procs, lw.proc)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, p := range procs {
		wg.Add(1)
		go func(p Proc) {
			defer wg.Done()
			_ = p.Signal(syscall.SIGTERM)
			done := make(chan struct{})
			go func() { _ = p.Wait(); close(done) }()
			select {
			case <-done:
			case <-time.After(s.grace):
				_ = p.Kill()
				<-done
			}
		}(p)
	}
	wg.Wait()
}

func crashDetail(proc Proc, stderrCap *stderrCapture) types.WorkerCrashDetail {
	d := proc.ExitResult()
	if stderrCap != nil {
		d.Stderr = stderrCap.String()
	}
	return d
}
