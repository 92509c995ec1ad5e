package supervisor

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/nodeforge/cnagent/pkg/types"
)

// fakeProc is an in-memory stand-in for a forked worker, wired with
// io.Pipe so a test can play both the Supervisor's side (via the Proc
// interface) and the worker's side (via the *Worker accessors) without
// ever forking a real process.
type fakeProc struct {
	pid int

	controlR *io.PipeReader // worker reads control messages here
	controlW *io.PipeWriter // Supervisor writes control messages here

	eventR *io.PipeReader // Supervisor reads events here
	eventW *io.PipeWriter // worker writes events here

	stderrR *io.PipeReader
	stderrW *io.PipeWriter

	mu       sync.Mutex
	signals  []os.Signal
	exitCh   chan struct{}
	exitOnce sync.Once
	exit     types.WorkerCrashDetail
}

func newFakeProc(pid int) *fakeProc {
	cr, cw := io.Pipe()
	er, ew := io.Pipe()
	sr, sw := io.Pipe()
	return &fakeProc{
		pid:      pid,
		controlR: cr, controlW: cw,
		eventR: er, eventW: ew,
		stderrR: sr, stderrW: sw,
		exitCh: make(chan struct{}),
	}
}

func (f *fakeProc) ControlIn() io.WriteCloser { return f.controlW }
func (f *fakeProc) EventOut() io.ReadCloser   { return f.eventR }
func (f *fakeProc) Stderr() io.ReadCloser     { return f.stderrR }
func (f *fakeProc) Pid() int                  { return f.pid }

func (f *fakeProc) Wait() error {
	<-f.exitCh
	return nil
}

func (f *fakeProc) Signal(sig os.Signal) error {
	f.mu.Lock()
	f.signals = append(f.signals, sig)
	f.mu.Unlock()
	return nil
}

func (f *fakeProc) Kill() error {
	f.exitNow(types.WorkerCrashDetail{ExitCode: -1, Signaled: true, Signal: "killed"})
	return nil
}

func (f *fakeProc) ExitResult() types.WorkerCrashDetail {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.exit
}

// exitNow simulates the worker process terminating, unblocking Wait.
// Safe to call more than once; only the first call's detail sticks. A
// real child process exit closes its stdout/stderr write ends too, so
// this closes eventW/stderrW the same way to unblock anything still
// reading from them.
func (f *fakeProc) exitNow(detail types.WorkerCrashDetail) {
	f.exitOnce.Do(func() {
		f.mu.Lock()
		f.exit = detail
		f.mu.Unlock()
		_ = f.eventW.Close()
		_ = f.stderrW.Close()
		close(f.exitCh)
	})
}

func (f *fakeProc) receivedSignals() []os.Signal {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]os.Signal, len(f.signals))
	copy(out, f.signals)
	return out
}

// fakeSpawner hands out pre-built fakeProcs, one per Spawn call, in the
// order they were registered with push. Spawn blocks if more calls
// happen than procs were pushed.
type fakeSpawner struct {
	mu      sync.Mutex
	procs   []*fakeProc
	spawned []types.TaskDecl
	envs    [][]string
}

func (s *fakeSpawner) push(p *fakeProc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.procs = append(s.procs, p)
}

func (s *fakeSpawner) Spawn(ctx context.Context, decl types.TaskDecl, env []string) (Proc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, decl)
	s.envs = append(s.envs, env)
	if len(s.procs) == 0 {
		panic("fakeSpawner: Spawn called with no fakeProc queued")
	}
	p := s.procs[0]
	s.procs = s.procs[1:]
	return p, nil
}
