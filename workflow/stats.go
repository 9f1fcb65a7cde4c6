package workflow

import "sync"

// Stats aggregates engine counters for one workflow. The engine records,
// callers read point-in-time snapshots. Not a durable audit log.
type Stats struct {
	mu          sync.RWMutex
	emits       int64
	transitions int64
	completed   int64
	failed      int64
	noMatch     int64
	fallbacks   int64
	byEvent     map[Event]int64
}

// StatsSnapshot is a copy of the engine counters at one instant.
type StatsSnapshot struct {
	Emits       int64           // Emit invocations
	Transitions int64           // committed state transitions
	Completed   int64           // cascades that ended in a final, idle or quiescent state
	Failed      int64           // cascades that ended in the failed state
	NoMatch     int64           // emits returned unchanged because no guarded alternative fired
	Fallbacks   int64           // fallback invocations
	ByEvent     map[Event]int64 // events processed, cascaded events included
}

// NewStats creates an empty counter set.
func NewStats() *Stats {
	return &Stats{byEvent: make(map[Event]int64)}
}

func (s *Stats) recordEmit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emits++
}

func (s *Stats) recordEvent(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEvent[event]++
}

func (s *Stats) recordTransition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transitions++
}

func (s *Stats) recordCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed++
}

func (s *Stats) recordFailed() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed++
}

func (s *Stats) recordNoMatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.noMatch++
}

func (s *Stats) recordFallback() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fallbacks++
}

// Snapshot returns aggregated statistics
func (s *Stats) Snapshot() StatsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	byEvent := make(map[Event]int64, len(s.byEvent))
	for k, v := range s.byEvent {
		byEvent[k] = v
	}

	return StatsSnapshot{
		Emits:       s.emits,
		Transitions: s.transitions,
		Completed:   s.completed,
		Failed:      s.failed,
		NoMatch:     s.noMatch,
		Fallbacks:   s.fallbacks,
		ByEvent:     byEvent,
	}
}
