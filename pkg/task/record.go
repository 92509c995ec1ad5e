package task

import (
	"time"

	"github.com/google/uuid"
	"github.com/nodeforge/cnagent/pkg/types"
)

// New creates a fresh Task Record in the active state, ready for queue
// admission.
func New(kind types.TaskKind, queue string, body interface{}, controllerID, traceContext string) *types.Record {
	return &types.Record{
		ID:           uuid.NewString(),
		Kind:         kind,
		Queue:        queue,
		Body:         body,
		ControllerID: controllerID,
		TraceContext: traceContext,
		Status:       types.TaskStatusActive,
		CreatedAt:    time.Now(),
	}
}

// MarkStarted records the worker PID and start time.
func MarkStarted(r *types.Record, pid int) {
	r.WorkerPID = pid
	r.StartedAt = time.Now()
}

// SetProgress applies a progress update. Progress is strictly
// monotonic; out-of-order updates are dropped rather than erroring,
// since a worker sending them is a bug in the worker, not a reason to
// fail the task.
func SetProgress(r *types.Record, value int) {
	if value <= r.Progress {
		return
	}
	r.Progress = value
}

// AppendEvent appends a timestamped entry to the task's event log.
func AppendEvent(r *types.Record, eventType string, payload interface{}) {
	r.Events = append(r.Events, types.Event{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	})
}

// MarkFinished moves the record to the complete state with its result.
// First terminal event wins: a record already in a terminal state is
// left untouched.
func MarkFinished(r *types.Record, result interface{}) {
	if IsTerminal(r) {
		return
	}
	r.Status = types.TaskStatusComplete
	r.Progress = 100
	r.Result = result
	r.FinishedAt = time.Now()
}

// MarkFailed moves the record to the failed state with a fatal error.
func MarkFailed(r *types.Record, fatal *types.FatalError) {
	if IsTerminal(r) {
		return
	}
	r.Status = types.TaskStatusFailed
	r.Fatal = fatal
	r.FinishedAt = time.Now()
}

// IsTerminal reports whether the record has already reached complete or
// failed.
func IsTerminal(r *types.Record) bool {
	return r.Status == types.TaskStatusComplete || r.Status == types.TaskStatusFailed
}

// Snapshot returns a shallow copy of the record (Events is re-sliced,
// Fatal/Result are kept as read-only references since they're never
// mutated after being set). The caller must hold whatever lock guards
// the record's mutation — for live records that is the Supervisor's
// record mutex; records already in history are terminal and need none.
func Snapshot(r *types.Record) types.Record {
	cp := *r
	cp.Events = append([]types.Event(nil), r.Events...)
	return cp
}
