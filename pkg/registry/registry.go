package registry

import (
	"fmt"

	"github.com/nodeforge/cnagent/pkg/types"
)

// Registry is the immutable, process-lifetime task-name -> declaration
// table.
type Registry struct {
	decls map[types.TaskKind]types.TaskDecl
	rules []types.QueueRule
}

// New builds a Registry from a set of queue rules. Each
// rule's task kinds are flattened into the lookup map; a task kind
// appearing in more than one rule is a programmer error and panics at
// startup (it can only happen from a bad declaration table, never from
// controller input).
func New(rules []types.QueueRule) *Registry {
	r := &Registry{
		decls: make(map[types.TaskKind]types.TaskDecl, 16),
		rules: rules,
	}
	for _, rule := range rules {
		for _, kind := range rule.Tasks {
			if _, exists := r.decls[kind]; exists {
				panic(fmt.Sprintf("registry: task kind %q declared in more than one queue rule", kind))
			}
			r.decls[kind] = types.TaskDecl{
				Kind:       kind,
				Queue:      rule.Queue,
				Logging:    rule.Logging,
				Entrypoint: rule.Entrypoints[kind],
			}
		}
	}
	return r
}

// Lookup returns the declaration for a task kind, or
// types.ErrUnknownTask if the kind is not registered.
func (r *Registry) Lookup(kind types.TaskKind) (types.TaskDecl, error) {
	decl, ok := r.decls[kind]
	if !ok {
		return types.TaskDecl{}, fmt.Errorf("%w: %s", types.ErrUnknownTask, kind)
	}
	return decl, nil
}

// Rules returns the queue rule declarations the registry was built from,
// used by the Queue Set to construct one queue per rule at startup.
func (r *Registry) Rules() []types.QueueRule {
	return r.rules
}
