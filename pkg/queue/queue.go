package queue

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/nodeforge/cnagent/pkg/log"
	"github.com/nodeforge/cnagent/pkg/metrics"
	"github.com/nodeforge/cnagent/pkg/types"
)

// Dispatcher hands a Task Record off for worker execution. The
// Supervisor implements this; Queue Set only depends on the interface,
// to avoid an import cycle (supervisor depends on queue, not vice versa).
type Dispatcher interface {
	Dispatch(rec *types.Record)
}

// queueState is one named FIFO with its concurrency budget.
type queueState struct {
	name    string
	limit   int // 0 = unbounded
	logging bool
	pending []*types.Record
	running map[string]*types.Record
}

func (q *queueState) hasCapacity() bool {
	return q.limit <= 0 || len(q.running) < q.limit
}

// Set is the Queue Set: a bounded collection of independently scheduled
// FIFO queues plus the process-wide Pause Flag.
type Set struct {
	mu         sync.Mutex
	paused     bool
	queues     map[string]*queueState
	dispatcher Dispatcher
	logger     zerolog.Logger
}

// NewSet builds a Queue Set with one queue per rule.
func NewSet(rules []types.QueueRule, dispatcher Dispatcher) *Set {
	s := &Set{
		queues:     make(map[string]*queueState, len(rules)),
		dispatcher: dispatcher,
		logger:     log.WithComponent("queue"),
	}
	for _, rule := range rules {
		s.queues[rule.Queue] = &queueState{
			name:    rule.Queue,
			limit:   rule.Limit,
			logging: rule.Logging,
			running: make(map[string]*types.Record),
		}
	}
	return s
}

// Pause sets the Pause Flag. Idempotent. Running tasks are unaffected.
func (s *Set) Pause() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.paused {
		s.logger.Info().Msg("task admission paused")
	}
	s.paused = true
	metrics.PausedGauge.Set(1)
}

// Resume clears the Pause Flag. Idempotent.
func (s *Set) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paused {
		s.logger.Info().Msg("task admission resumed")
	}
	s.paused = false
	metrics.PausedGauge.Set(0)
}

// IsPaused reports the current Pause Flag state.
func (s *Set) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Admit appends rec to the tail of its queue and immediately attempts a
// Tick. Returns types.ErrPaused if the Pause Flag is set. Unknown task
// kinds are rejected by the caller's pkg/registry lookup before Admit;
// a record whose queue is not in the Set also gets types.ErrUnknownTask.
func (s *Set) Admit(rec *types.Record) error {
	s.mu.Lock()
	if s.paused {
		s.mu.Unlock()
		return types.ErrPaused
	}

	q, ok := s.queues[rec.Queue]
	if !ok {
		s.mu.Unlock()
		return types.ErrUnknownTask
	}

	q.pending = append(q.pending, rec)
	metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.pending)))
	s.mu.Unlock()

	s.logger.Debug().Str("task_id", rec.ID).Str("kind", string(rec.Kind)).Str("queue", rec.Queue).Msg("task admitted")
	s.Tick()
	return nil
}

// Tick dispatches the head of every queue that has spare concurrency
// budget and a non-empty pending list. Safe to call redundantly; it's a
// no-op when no queue can advance.
func (s *Set) Tick() {
	var toDispatch []*types.Record

	s.mu.Lock()
	for _, q := range s.queues {
		for q.hasCapacity() && len(q.pending) > 0 {
			rec := q.pending[0]
			q.pending = q.pending[1:]
			q.running[rec.ID] = rec
			toDispatch = append(toDispatch, rec)
		}
		metrics.QueueDepth.WithLabelValues(q.name).Set(float64(len(q.pending)))
		metrics.QueueRunning.WithLabelValues(q.name).Set(float64(len(q.running)))
	}
	s.mu.Unlock()

	for _, rec := range toDispatch {
		s.dispatcher.Dispatch(rec)
	}
}

// Release removes a record from its queue's running set on a terminal
// event and re-ticks to let the next pending task in that queue start.
func (s *Set) Release(rec *types.Record) {
	s.mu.Lock()
	if q, ok := s.queues[rec.Queue]; ok {
		delete(q.running, rec.ID)
		metrics.QueueRunning.WithLabelValues(q.name).Set(float64(len(q.running)))
	}
	s.mu.Unlock()

	s.Tick()
}

// QueueLogging reports whether the named queue logs per-invocation
// worker output (machine_query turns it off for high-volume reads).
func (s *Set) QueueLogging(queue string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queue]; ok {
		return q.logging
	}
	return true
}

// Stats is a snapshot of one queue's depth and running count, as
// returned by Snapshot. The Prometheus gauges are set directly by
// Admit, Tick and Release, not from Stats.
type Stats struct {
	Queue   string
	Pending int
	Running int
}

// Snapshot returns the current depth/running counts for every queue.
func (s *Set) Snapshot() []Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Stats, 0, len(s.queues))
	for _, q := range s.queues {
		out = append(out, Stats{Queue: q.name, Pending: len(q.pending), Running: len(q.running)})
	}
	return out
}

// RunningRecords returns the live record pointers currently running
// across all queues. The pointers are still being mutated by their
// pump goroutines; the Supervisor copies them under its record mutex
// before anything serves them (RunningSnapshots), so only it should
// call this.
func (s *Set) RunningRecords() []*types.Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*types.Record
	for _, q := range s.queues {
		for _, rec := range q.running {
			out = append(out, rec)
		}
	}
	return out
}
