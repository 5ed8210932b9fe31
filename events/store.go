package events

import (
	"log/slog"
	"sync"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Store is the append-only, per-iteration record of every MemoryEvent
// emitted during a session's lifetime. Iterations are kept in the order
// they were first seen, matching the original's insertion-ordered
// multimap rather than sorting by iteration number — a scheduler
// inspecting "the previous iteration" wants the iteration that actually
// ran immediately before, not the numerically smaller one.
type Store struct {
	mu      sync.RWMutex
	byIter  *orderedmap.OrderedMap[int, []MemoryEvent]
	logger  *slog.Logger
}

// New returns an empty event store.
func New(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{byIter: orderedmap.New[int, []MemoryEvent](), logger: logger}
}

// Emit appends ev to its iteration's event list. Never overwrites or
// removes a previously emitted event.
func (s *Store) Emit(ev MemoryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.byIter.Get(ev.Iteration)
	if !ok {
		s.byIter.Set(ev.Iteration, []MemoryEvent{ev})
		s.logger.Debug("event emitted", "event", ev, "first_in_iteration", true)
		return
	}
	s.byIter.Set(ev.Iteration, append(existing, ev))
	s.logger.Debug("event emitted", "event", ev)
}

// Iterations returns every iteration that has at least one recorded
// event, in first-seen order.
func (s *Store) Iterations() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]int, 0, s.byIter.Len())
	for pair := s.byIter.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Key)
	}
	return out
}

// Events returns a copy of the events recorded for iteration, or nil if
// none were.
func (s *Store) Events(iteration int) []MemoryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	evs, ok := s.byIter.Get(iteration)
	if !ok {
		return nil
	}
	return append([]MemoryEvent(nil), evs...)
}

// Len returns the total number of events recorded across all iterations.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	total := 0
	for pair := s.byIter.Oldest(); pair != nil; pair = pair.Next() {
		total += len(pair.Value)
	}
	return total
}

// all returns a snapshot of every event across every iteration, in
// iteration-then-emission order. Queries operate on this snapshot so a
// Query built once can be Get() multiple times across new Emit calls —
// "restartable" in the sense that each Get() call re-reads current store
// state rather than freezing it at Select() time.
func (s *Store) all() []MemoryEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]MemoryEvent, 0, s.Len())
	for pair := s.byIter.Oldest(); pair != nil; pair = pair.Next() {
		out = append(out, pair.Value...)
	}
	return out
}

// Predicate filters a MemoryEvent for inclusion in a Query's results.
type Predicate func(MemoryEvent) bool

// Query is a lazy, chainable view over a Store: predicates accumulate
// with Where and only run against the store's current contents when Get
// is finally called.
type Query struct {
	store      *Store
	predicates []Predicate
}

// Select begins a new query over every event in the store.
func (s *Store) Select() *Query {
	return &Query{store: s}
}

// Where narrows the query to events matching pred, in addition to any
// predicates already chained.
func (q *Query) Where(pred Predicate) *Query {
	next := &Query{store: q.store, predicates: append(append([]Predicate(nil), q.predicates...), pred)}
	return next
}

// Get evaluates the query against the store's current contents and
// returns the matching events in iteration-then-emission order. Calling
// Get again after more events have been emitted re-evaluates from
// scratch: a Query is a view, not a snapshot.
func (q *Query) Get() []MemoryEvent {
	candidates := q.store.all()
	if len(q.predicates) == 0 {
		return candidates
	}
	out := candidates[:0:0]
	for _, ev := range candidates {
		matched := true
		for _, pred := range q.predicates {
			if !pred(ev) {
				matched = false
				break
			}
		}
		if matched {
			out = append(out, ev)
		}
	}
	return out
}

// First is a convenience for Get()[0], with ok=false if the query
// matched nothing.
func (q *Query) First() (MemoryEvent, bool) {
	res := q.Get()
	if len(res) == 0 {
		return MemoryEvent{}, false
	}
	return res[0], true
}
