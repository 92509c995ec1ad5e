/*
Package supervisor implements the Worker Supervisor and the Subtask
Router: it forks one worker process per admitted Task Record,
translates the worker's IPC event stream into Task Record mutations,
enforces the termination policy, and brokers subtask calls between
running workers.

	┌───────────────────── SUPERVISOR ──────────────────────────┐
	│  queue.Set.Tick() --Dispatch(rec)--> Supervisor.Dispatch   │
	│                                         │                   │
	│                                 spawn worker process        │
	│                                         │                   │
	│                      control channel (parent -> child)      │
	│                      event stream      (child -> parent)    │
	│                                         │                   │
	│                         ready --> send `start`               │
	│                         event:* --> task.Record mutation     │
	│                         subtask --> Supervisor.AdmitTask      │
	│                         finish/exception --> terminal,       │
	│                             queue.Set.Release, History.Add   │
	│                         (no terminal event, exit) --> WorkerCrash │
	└──────────────────────────────────────────────────────────────┘
*/
package supervisor
