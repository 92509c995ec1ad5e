package supervisor

import (
	"encoding/json"
	"sync"

	"github.com/nodeforge/cnagent/pkg/ipc"
	"github.com/nodeforge/cnagent/pkg/types"
)

// subtaskRouter tracks subtask requests issued by live workers so each
// child task's terminal event can be routed back to exactly the worker
// that asked for it. A worker may have at most one outstanding reply per
// subtask id; if the parent worker is gone by the time the child
// finishes, the reply is discarded rather than queued.
type subtaskRouter struct {
	mu      sync.Mutex
	pending map[string]pendingSubtask // keyed by child task id
}

type pendingSubtask struct {
	subtaskID string
	parentID  string
}

func newSubtaskRouter() *subtaskRouter {
	return &subtaskRouter{pending: make(map[string]pendingSubtask)}
}

func (r *subtaskRouter) register(childID string, ps pendingSubtask) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[childID] = ps
}

// take removes and returns the pending subtask entry for a finished
// child, if any.
func (r *subtaskRouter) take(childID string) (pendingSubtask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ps, ok := r.pending[childID]
	if ok {
		delete(r.pending, childID)
	}
	return ps, ok
}

// resolveSubtask is called with every terminated Task Record; if it was a
// subtask someone is waiting on, the reply is forwarded to the parent
// worker's control channel, unless the parent has since died.
func (s *Supervisor) resolveSubtask(rec *types.Record) {
	ps, ok := s.subtasks.take(rec.ID)
	if !ok {
		return
	}

	s.mu.Lock()
	parent, alive := s.live[ps.parentID]
	s.mu.Unlock()
	if !alive {
		return // caller died: discard the reply
	}

	event := ipc.Message{Type: ipc.MsgEventFinish}
	if rec.Status == types.TaskStatusFailed {
		event.Type = ipc.MsgException
	}
	payload, _ := json.Marshal(rec.Result)
	if event.Type == ipc.MsgException && rec.Fatal != nil {
		payload, _ = json.Marshal(rec.Fatal)
	}
	event.Payload = payload

	reply := ipc.SubtaskReply{ID: ps.subtaskID, Name: string(rec.Kind), Event: event}
	_ = parent.enc.EncodePayload(ipc.MsgSubtask, reply)
}

// handleSubtask admits a subtask request from a live worker as an
// ordinary Task Record (sharing the Registry, Queue Set, and Worker
// Supervisor with top-level admission), and registers the reply route
// back to the requesting worker.
func (s *Supervisor) handleSubtask(rec *types.Record, p ipc.SubtaskPayload) {
	var body interface{}
	_ = json.Unmarshal(p.Msg, &body)

	child, err := s.AdmitTask(types.TaskKind(p.Task), body, rec.ControllerID, rec.TraceContext)
	if err != nil {
		s.replySubtaskError(rec, p, err)
		return
	}

	s.subtasks.register(child.ID, pendingSubtask{subtaskID: p.ID, parentID: rec.ID})
}

// replySubtaskError answers a subtask request the Supervisor could not
// even admit (unknown task kind, queue paused) with a synthetic failure
// event rather than leaving the worker waiting forever.
func (s *Supervisor) replySubtaskError(rec *types.Record, p ipc.SubtaskPayload, admitErr error) {
	s.mu.Lock()
	parent, alive := s.live[rec.ID]
	s.mu.Unlock()
	if !alive {
		return
	}

	payload, _ := json.Marshal(types.FatalError{Message: admitErr.Error()})
	reply := ipc.SubtaskReply{
		ID:   p.ID,
		Name: p.Task,
		Event: ipc.Message{
			Type:    ipc.MsgException,
			Payload: payload,
		},
	}
	_ = parent.enc.EncodePayload(ipc.MsgSubtask, reply)
}
