package task

import (
	"sync"

	"github.com/nodeforge/cnagent/pkg/types"
)

// DefaultHistorySize is the default FIFO retention bound.
const DefaultHistorySize = 256

// History is a bounded, FIFO-evicting collection of finished Task
// Records, safe for concurrent use.
type History struct {
	mu    sync.RWMutex
	limit int
	byID  map[string]*types.Record
	order []string // oldest first
}

// NewHistory creates a History retaining at most limit records.
func NewHistory(limit int) *History {
	if limit <= 0 {
		limit = DefaultHistorySize
	}
	return &History{
		limit: limit,
		byID:  make(map[string]*types.Record, limit),
	}
}

// Add inserts a finished record, evicting the oldest entry if the
// history is already at capacity.
func (h *History) Add(r *types.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.byID[r.ID]; !exists {
		h.order = append(h.order, r.ID)
	}
	h.byID[r.ID] = r

	for len(h.order) > h.limit {
		evictID := h.order[0]
		h.order = h.order[1:]
		delete(h.byID, evictID)
	}
}

// Get returns the finished record with the given id, if still retained.
func (h *History) Get(id string) (*types.Record, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.byID[id]
	return r, ok
}

// List returns all retained records, oldest first.
func (h *History) List() []*types.Record {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*types.Record, 0, len(h.order))
	for _, id := range h.order {
		out = append(out, h.byID[id])
	}
	return out
}
