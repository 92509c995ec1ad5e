package supervisor

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/nodeforge/cnagent/pkg/ipc"
	"github.com/nodeforge/cnagent/pkg/registry"
	"github.com/nodeforge/cnagent/pkg/task"
	"github.com/nodeforge/cnagent/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry(rules ...types.QueueRule) *registry.Registry {
	return registry.New(rules)
}

func nopRule(entrypoint ...string) types.QueueRule {
	return types.QueueRule{
		Queue:   "nop",
		Tasks:   []types.TaskKind{"nop"},
		Limit:   1,
		Logging: true,
		Entrypoints: map[types.TaskKind][]string{
			"nop": entrypoint,
		},
	}
}

// waitForTerminal polls the Supervisor's snapshot of the record until
// it reaches a terminal state and returns that snapshot — tests never
// read the live record while its pump goroutine is still mutating it.
func waitForTerminal(t *testing.T, sup *Supervisor, id string, timeout time.Duration) types.Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if snap, ok := sup.TaskSnapshot(id); ok && task.IsTerminal(&snap) {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s did not reach a terminal state within %s", id, timeout)
	return types.Record{}
}

func TestDispatchReadyStartProgressFinish(t *testing.T) {
	reg := testRegistry(nopRule("fakeworker"))
	spawner := &fakeSpawner{}
	proc := newFakeProc(111)
	spawner.push(proc)

	sup := New(Config{Registry: reg, History: task.NewHistory(10), Spawner: spawner})

	rec, err := sup.AdmitTask("nop", map[string]interface{}{"greeting": "hi"}, "controller-1", "")
	require.NoError(t, err)
	require.Equal(t, 111, sup.SnapshotRecord(rec).WorkerPID)

	workerEnc := ipc.NewEncoder(proc.eventW)
	workerDec := ipc.NewDecoder(proc.controlR)

	require.NoError(t, workerEnc.Encode(ipc.Message{Type: ipc.MsgReady}))

	start, err := workerDec.Decode()
	require.NoError(t, err)
	assert.Equal(t, ipc.MsgStart, start.Type)
	var startPayload ipc.StartPayload
	require.NoError(t, json.Unmarshal(start.Payload, &startPayload))
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(startPayload.Req, &body))
	assert.Equal(t, "hi", body["greeting"])

	require.NoError(t, workerEnc.EncodePayload(ipc.MsgEventProgress, ipc.ProgressPayload{Value: 50}))
	require.NoError(t, workerEnc.EncodePayload(ipc.MsgEventFinish, map[string]string{"outcome": "ok"}))
	proc.exitNow(types.WorkerCrashDetail{ExitCode: 0})

	snap := waitForTerminal(t, sup, rec.ID, time.Second)
	assert.Equal(t, types.TaskStatusComplete, snap.Status)
	assert.Equal(t, 100, snap.Progress)
	assert.Nil(t, snap.Fatal)
}

func TestDispatchSynthesizesCrashOnSilentExit(t *testing.T) {
	reg := testRegistry(nopRule("fakeworker"))
	spawner := &fakeSpawner{}
	proc := newFakeProc(222)
	spawner.push(proc)

	sup := New(Config{Registry: reg, History: task.NewHistory(10), Spawner: spawner})

	rec, err := sup.AdmitTask("nop", nil, "controller-1", "")
	require.NoError(t, err)

	// The test never inspects the "start" message this task's ready
	// triggers; drain it in the background so the Supervisor's write
	// doesn't block forever on an unread pipe.
	go func() { _, _ = io.Copy(io.Discard, proc.controlR) }()

	workerEnc := ipc.NewEncoder(proc.eventW)
	require.NoError(t, workerEnc.Encode(ipc.Message{Type: ipc.MsgReady}))

	// Worker vanishes without ever sending a terminal event.
	_ = proc.eventW.Close()
	proc.exitNow(types.WorkerCrashDetail{ExitCode: 1})

	snap := waitForTerminal(t, sup, rec.ID, time.Second)
	assert.Equal(t, types.TaskStatusFailed, snap.Status)
	require.NotNil(t, snap.Fatal)
	assert.Contains(t, snap.Fatal.Message, "worker exited without a terminal event")
}

func TestAdmitTaskUnknownKindFails(t *testing.T) {
	reg := testRegistry(nopRule("fakeworker"))
	sup := New(Config{Registry: reg, History: task.NewHistory(10), Spawner: &fakeSpawner{}})

	_, err := sup.AdmitTask("does_not_exist", nil, "controller-1", "")
	assert.ErrorIs(t, err, types.ErrUnknownTask)
}

func TestSubtaskRoundTripRepliesToParent(t *testing.T) {
	reg := testRegistry(
		types.QueueRule{
			Queue: "parent_tasks", Tasks: []types.TaskKind{"parent"}, Limit: 1, Logging: true,
			Entrypoints: map[types.TaskKind][]string{"parent": {"fakeparent"}},
		},
		types.QueueRule{
			Queue: "child_tasks", Tasks: []types.TaskKind{"child"}, Limit: 0, Logging: false,
			Entrypoints: map[types.TaskKind][]string{"child": {"fakechild"}},
		},
	)
	spawner := &fakeSpawner{}
	parentProc := newFakeProc(10)
	childProc := newFakeProc(11)
	spawner.push(parentProc)
	spawner.push(childProc)

	sup := New(Config{Registry: reg, History: task.NewHistory(10), Spawner: spawner})

	parentRec, err := sup.AdmitTask("parent", nil, "controller-1", "trace-xyz")
	require.NoError(t, err)

	parentEnc := ipc.NewEncoder(parentProc.eventW)
	parentDec := ipc.NewDecoder(parentProc.controlR)

	require.NoError(t, parentEnc.Encode(ipc.Message{Type: ipc.MsgReady}))
	_, err = parentDec.Decode() // consume "start"
	require.NoError(t, err)

	childBody, _ := json.Marshal(map[string]string{"k": "v"})
	require.NoError(t, parentEnc.EncodePayload(ipc.MsgSubtask, ipc.SubtaskPayload{
		Resource: "zone", Task: "child", Msg: childBody, ID: "subtask-1",
	}))

	// Drive the child worker to completion.
	childEnc := ipc.NewEncoder(childProc.eventW)
	childDec := ipc.NewDecoder(childProc.controlR)
	require.NoError(t, childEnc.Encode(ipc.Message{Type: ipc.MsgReady}))
	_, err = childDec.Decode() // consume "start"
	require.NoError(t, err)
	require.NoError(t, childEnc.EncodePayload(ipc.MsgEventFinish, map[string]string{"done": "yes"}))
	childProc.exitNow(types.WorkerCrashDetail{ExitCode: 0})

	reply, err := parentDec.Decode()
	require.NoError(t, err)
	assert.Equal(t, ipc.MsgSubtask, reply.Type)
	var subReply ipc.SubtaskReply
	require.NoError(t, json.Unmarshal(reply.Payload, &subReply))
	assert.Equal(t, "subtask-1", subReply.ID)
	assert.Equal(t, ipc.MsgEventFinish, subReply.Event.Type)

	require.NoError(t, parentEnc.EncodePayload(ipc.MsgEventFinish, map[string]string{"outcome": "ok"}))
	parentProc.exitNow(types.WorkerCrashDetail{ExitCode: 0})
	waitForTerminal(t, sup, parentRec.ID, time.Second)
}
