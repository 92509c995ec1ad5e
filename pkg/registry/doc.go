/*
Package registry implements the compute agent's Task Registry: a static,
process-lifetime map from task name to {queue name, logging flag}.

The registry is populated once at startup from a declaration table (the
reference table in reference.go) and is immutable afterward. Lookups
for a name not in the table fail with types.ErrUnknownTask.

	┌────────────── TASK REGISTRY ──────────────┐
	│  machine_create       -> machine_creation  │
	│  image_ensure_present -> image_import_tasks│
	│  machine_boot         -> machine_tasks     │
	│  machine_destroy      -> machine_tasks     │
	│  machine_kill         -> machine_tasks     │
	│  machine_reboot       -> machine_tasks     │
	│  machine_shutdown     -> machine_tasks     │
	│  machine_update       -> machine_tasks     │
	│  machine_load         -> machine_query (unbounded, no logging) │
	│  nop                  -> nop               │
	└─────────────────────────────────────────────┘
*/
package registry
