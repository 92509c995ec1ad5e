package registry

import "github.com/nodeforge/cnagent/pkg/types"

// ReferenceRules is the reference declaration table:
// destructive/mutating tasks on a VM are serialized against themselves
// and against image import on the same pool; read-only queries run
// unbounded and without per-invocation logging.
var ReferenceRules = []types.QueueRule{
	{
		Queue:   "machine_creation",
		Tasks:   []types.TaskKind{"machine_create"},
		Limit:   1,
		Logging: true,
	},
	{
		Queue:   "image_import_tasks",
		Tasks:   []types.TaskKind{"image_ensure_present"},
		Limit:   1,
		Logging: true,
	},
	{
		Queue: "machine_tasks",
		Tasks: []types.TaskKind{
			"machine_boot",
			"machine_destroy",
			"machine_kill",
			"machine_reboot",
			"machine_shutdown",
			"machine_update",
		},
		Limit:   1,
		Logging: true,
	},
	{
		Queue:   "machine_query",
		Tasks:   []types.TaskKind{"machine_load"},
		Limit:   0, // unbounded
		Logging: false,
		Entrypoints: map[types.TaskKind][]string{
			"machine_load": {"cnagent-taskworker-zonequery"},
		},
	},
	{
		Queue:   "nop",
		Tasks:   []types.TaskKind{"nop"},
		Limit:   1,
		Logging: true,
		Entrypoints: map[types.TaskKind][]string{
			"nop": {"cnagent-taskworker-nop"},
		},
	},
}
