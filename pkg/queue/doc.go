/*
Package queue implements the Queue Set and the Pause/Resume Gate,
folded into the same data model since the gate only ever guards the
Queue Set's single entry point, Admit.

Each named queue has an independent concurrency limit; admission is FIFO
within a queue and unordered across queues. Dispatch is edge-triggered:
Tick is invoked once at the end of Admit and once at the end of every
task's terminal-event handling, so there is no polling timer.

	┌──────────────────────── QUEUE SET ─────────────────────────┐
	│  pause flag (mutex-guarded bool)                           │
	│                                                              │
	│  queue "machine_creation"   limit=1   pending=[t3,t4] run={t1}│
	│  queue "machine_tasks"      limit=1   pending=[]     run={}  │
	│  queue "machine_query"      limit=0   pending=[]     run={t2,t5}│
	│  queue "nop"                limit=1   pending=[]     run={}  │
	└──────────────────────────────────────────────────────────────┘
*/
package queue
