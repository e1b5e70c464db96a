// Package rulestats tracks the Dispatcher's operational counters: how
// many entity-change triggers arrived per source, how many were
// debounced, deduplicated, or rate limited, and how the rules engine's
// results rolled up across evaluations. All counters reset to zero
// together; none are persisted, matching the teacher's convention of
// in-memory-only operational counters alongside durable stores.
package rulestats

import (
	"sync"
	"time"
)

// SourceStats is the per-source slice of DispatcherStats.
type SourceStats struct {
	Triggered        int64
	EntitiesReceived int64
	Debounced        int64
	LastDispatchAt   *time.Time
}

// Snapshot is an immutable point-in-time copy of Stats, safe to serialize
// or compare without holding the Stats lock.
type Snapshot struct {
	Triggered        int64
	Deduped          int64
	Debounced        int64
	RateLimited      int64
	DroppedBatches   int64
	LastDispatchAt   *time.Time
	BySource         map[string]SourceStats
	RulesEvaluated   int64
	RulesFired       int64
	RulesScheduled   int64
	RulesErrors      int64
	SkippedCooldown  int64
	SkippedEdge      int64
	SkippedSuspended int64
}

// Stats is the mutex-guarded counter set for one Dispatcher instance.
type Stats struct {
	mu sync.Mutex

	triggered      int64
	deduped        int64
	debounced      int64
	rateLimited    int64
	droppedBatches int64
	lastDispatchAt *time.Time
	bySource       map[string]SourceStats

	rulesEvaluated   int64
	rulesFired       int64
	rulesScheduled   int64
	rulesErrors      int64
	skippedCooldown  int64
	skippedEdge      int64
	skippedSuspended int64
}

// New builds an empty Stats.
func New() *Stats {
	return &Stats{bySource: map[string]SourceStats{}}
}

// RecordTrigger records one Submit call for source carrying
// entityCount entity ids, timestamped now.
func (s *Stats) RecordTrigger(source string, entityCount int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered++
	st := s.bySource[source]
	st.Triggered++
	st.EntitiesReceived += int64(entityCount)
	t := now
	st.LastDispatchAt = &t
	s.bySource[source] = st
	s.lastDispatchAt = &t
}

// RecordDebounce records one entity id that a Submit call folded into
// source's pending batch when that batch already held it.
func (s *Stats) RecordDebounce(source string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debounced++
	st := s.bySource[source]
	st.Debounced++
	s.bySource[source] = st
}

// RecordDedupe records a batch collapsed because an identical batch id
// was already queued or in flight.
func (s *Stats) RecordDedupe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deduped++
}

// RecordRateLimit records a batch withheld by a token bucket.
func (s *Stats) RecordRateLimit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rateLimited++
}

// RecordDroppedBatch records a batch evicted from a full queue.
func (s *Stats) RecordDroppedBatch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.droppedBatches++
}

// RecordRulesResult folds one rulesengine.Result into the running totals.
func (s *Stats) RecordRulesResult(evaluated, fired, scheduled, errors int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rulesEvaluated += int64(evaluated)
	s.rulesFired += int64(fired)
	s.rulesScheduled += int64(scheduled)
	s.rulesErrors += int64(errors)
}

// RecordSkipped folds one rulesengine.Result's skip reasons into the
// running totals.
func (s *Stats) RecordSkipped(cooldown, edge, suspended int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.skippedCooldown += int64(cooldown)
	s.skippedEdge += int64(edge)
	s.skippedSuspended += int64(suspended)
}

// Snapshot returns an immutable copy of the current counters.
func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySource := make(map[string]SourceStats, len(s.bySource))
	for k, v := range s.bySource {
		bySource[k] = v
	}
	return Snapshot{
		Triggered:        s.triggered,
		Deduped:          s.deduped,
		Debounced:        s.debounced,
		RateLimited:      s.rateLimited,
		DroppedBatches:   s.droppedBatches,
		LastDispatchAt:   s.lastDispatchAt,
		BySource:         bySource,
		RulesEvaluated:   s.rulesEvaluated,
		RulesFired:       s.rulesFired,
		RulesScheduled:   s.rulesScheduled,
		RulesErrors:      s.rulesErrors,
		SkippedCooldown:  s.skippedCooldown,
		SkippedEdge:      s.skippedEdge,
		SkippedSuspended: s.skippedSuspended,
	}
}

// Reset zeroes every counter.
func (s *Stats) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggered = 0
	s.deduped = 0
	s.debounced = 0
	s.rateLimited = 0
	s.droppedBatches = 0
	s.lastDispatchAt = nil
	s.bySource = map[string]SourceStats{}
	s.rulesEvaluated = 0
	s.rulesFired = 0
	s.rulesScheduled = 0
	s.rulesErrors = 0
	s.skippedCooldown = 0
	s.skippedEdge = 0
	s.skippedSuspended = 0
}
