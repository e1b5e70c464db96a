// Package dispatcher is the Dispatcher (M) and its DispatcherConfig (J):
// the component that turns integration-sourced entity-change submissions
// into debounced, rate-limited, worker-pooled rule evaluations. The
// pending-batch-per-source debounce and bounded-queue-with-worker-pool
// shape follows the teacher's ingest/agent request pipelines, adapted to
// this domain's batch/rule semantics.
package dispatcher

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/nugget/sentryd/internal/alarmstate"
	"github.com/nugget/sentryd/internal/clock"
	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/ratelimit"
	"github.com/nugget/sentryd/internal/ruleindex"
	"github.com/nugget/sentryd/internal/rulesengine"
	"github.com/nugget/sentryd/internal/rulestats"
	"github.com/nugget/sentryd/internal/rulestore"
)

// RuleSource lists the enabled rules a dispatch cycle may fire.
type RuleSource interface {
	ListEnabled() ([]*model.Rule, error)
}

// EntityStateSource reads a targeted subset of entity states.
type EntityStateSource interface {
	StatesFor(entityIDs []string) (map[string]string, error)
}

// ActionLogSink records one ActionLogEntry per rule firing.
type ActionLogSink interface {
	Append(entry *model.ActionLogEntry) error
}

// Deps bundles every collaborator a dispatch cycle needs.
type Deps struct {
	Rules      RuleSource
	Index      *ruleindex.Index
	Entities   EntityStateSource
	Alarm      alarmstate.Oracle
	Detections condeval.DetectionSource
	Engine     *rulesengine.Engine
	Stats      *rulestats.Stats
	ActionLog  ActionLogSink
	Clock      clock.Clock
}

type pendingBatch struct {
	entityIDs map[string]struct{}
	changedAt time.Time
	timer     *time.Timer
}

// Dispatcher debounces per-source entity-change submissions into batches,
// queues them, and drains them through a worker pool into the rules
// engine.
type Dispatcher struct {
	cfg  Config
	deps Deps

	mu      sync.Mutex
	pending map[string]*pendingBatch

	queue *batchQueue

	globalBucket *ratelimit.TokenBucket
	sourceMu     sync.Mutex
	sourceBucket map[string]*ratelimit.TokenBucket

	idempMu    sync.Mutex
	idempotent map[string]time.Time

	stopCtx    context.Context
	stopCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

// New builds a Dispatcher. Start must be called to launch its worker pool.
func New(cfg Config, deps Deps) *Dispatcher {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	bucket, _ := ratelimit.New(deps.Clock, cfg.RateLimitPerSec, cfg.RateLimitBurst)
	d := &Dispatcher{
		cfg:          cfg,
		deps:         deps,
		pending:      map[string]*pendingBatch{},
		queue:        newBatchQueue(cfg.QueueMaxDepth),
		globalBucket: bucket,
		sourceBucket: map[string]*ratelimit.TokenBucket{},
		idempotent:   map[string]time.Time{},
	}
	d.stopCtx, d.stopCancel = context.WithCancel(context.Background())
	return d
}

// Start launches WorkerConcurrency worker goroutines. A WorkerConcurrency
// of zero starts no workers, leaving batches to accumulate on the queue —
// used to exercise overload behavior deterministically in tests.
func (d *Dispatcher) Start() {
	if d.started {
		return
	}
	d.started = true
	for i := 0; i < d.cfg.WorkerConcurrency; i++ {
		d.wg.Add(1)
		go d.workerLoop()
	}
}

// Stop cancels every worker and waits for them to exit.
func (d *Dispatcher) Stop() {
	d.stopCancel()
	d.queue.Close()
	d.wg.Wait()
}

// Submit folds entityIDs into source's pending batch, preserving the
// earliest changedAt seen, and schedules a debounce flush if none is
// pending (a pending flush is not pushed back). Never
// blocks.
func (d *Dispatcher) Submit(source string, entityIDs []string, changedAt time.Time) {
	now := d.deps.Clock.Now()
	if changedAt.IsZero() {
		changedAt = now
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	batch, exists := d.pending[source]
	if !exists {
		batch = &pendingBatch{entityIDs: map[string]struct{}{}, changedAt: changedAt}
		d.pending[source] = batch
	} else if changedAt.Before(batch.changedAt) {
		batch.changedAt = changedAt
	}

	newCount := 0
	for _, id := range entityIDs {
		if _, dup := batch.entityIDs[id]; dup {
			if d.deps.Stats != nil {
				d.deps.Stats.RecordDebounce(source)
			}
			continue
		}
		batch.entityIDs[id] = struct{}{}
		newCount++
	}
	if d.deps.Stats != nil {
		d.deps.Stats.RecordTrigger(source, newCount, now)
	}

	if batch.timer == nil {
		batch.timer = time.AfterFunc(time.Duration(d.cfg.DebounceMS)*time.Millisecond, func() {
			d.flush(source)
		})
	}
}

// flush emits source's pending entities as one or more EntityChangeBatch,
// splitting at BatchSizeLimit, and enqueues them.
func (d *Dispatcher) flush(source string) {
	d.mu.Lock()
	batch, ok := d.pending[source]
	if !ok {
		d.mu.Unlock()
		return
	}
	delete(d.pending, source)
	d.mu.Unlock()

	ids := make([]string, 0, len(batch.entityIDs))
	for id := range batch.entityIDs {
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return
	}
	sort.Strings(ids)

	limit := d.cfg.BatchSizeLimit
	if limit <= 0 {
		limit = len(ids)
	}
	for start := 0; start < len(ids); start += limit {
		end := start + limit
		if end > len(ids) {
			end = len(ids)
		}
		chunk := append([]string(nil), ids[start:end]...)
		eb := model.EntityChangeBatch{
			Source:    source,
			EntityIDs: chunk,
			ChangedAt: batch.changedAt,
			BatchID:   rulestore.NewID(),
		}
		if d.queue.Push(eb) && d.deps.Stats != nil {
			d.deps.Stats.RecordDroppedBatch()
		}
	}
}

// QueueDepth reports the current bounded-queue occupancy.
func (d *Dispatcher) QueueDepth() int { return d.queue.Len() }

// PendingBatches reports how many sources currently have an unflushed
// pending batch.
func (d *Dispatcher) PendingBatches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// PendingEntities reports the total entity count across every pending
// (not yet flushed) batch.
func (d *Dispatcher) PendingEntities() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, b := range d.pending {
		n += len(b.entityIDs)
	}
	return n
}

// Enabled reports whether Start has launched the worker pool.
func (d *Dispatcher) Enabled() bool { return d.started }

// WorkerConcurrency reports the configured worker pool size.
func (d *Dispatcher) WorkerConcurrency() int { return d.cfg.WorkerConcurrency }

func (d *Dispatcher) workerLoop() {
	defer d.wg.Done()
	for {
		batch, ok := d.queue.Pop(d.stopCtx)
		if !ok {
			return
		}
		if !d.acquireRateLimit(batch.Source) {
			if d.deps.Stats != nil {
				d.deps.Stats.RecordRateLimit()
			}
			time.AfterFunc(20*time.Millisecond, func() { d.queue.Push(batch) })
			continue
		}
		d.dispatchBatch(batch)
	}
}

func (d *Dispatcher) acquireRateLimit(source string) bool {
	if d.globalBucket != nil && !d.globalBucket.Acquire(1) {
		return false
	}
	d.sourceMu.Lock()
	bucket, ok := d.sourceBucket[source]
	if !ok {
		bucket, _ = ratelimit.New(d.deps.Clock, d.cfg.RateLimitPerSec, d.cfg.RateLimitBurst)
		d.sourceBucket[source] = bucket
	}
	d.sourceMu.Unlock()
	if bucket == nil {
		return true
	}
	return bucket.Acquire(1)
}

const idempotencyTTL = time.Minute

// dispatchBatch is _dispatch_batch: idempotency lock, resolve impacted
// rules, targeted entity-state read, run the rules engine, and persist
// results.
func (d *Dispatcher) dispatchBatch(batch model.EntityChangeBatch) {
	if !d.claimBatch(batch.BatchID) {
		if d.deps.Stats != nil {
			d.deps.Stats.RecordDedupe()
		}
		return
	}
	defer d.releaseBatch(batch.BatchID)

	rules, err := d.impactedRules(batch.EntityIDs)
	if err != nil || len(rules) == 0 {
		return
	}

	neededEntities := map[string]struct{}{}
	for _, r := range rules {
		for _, id := range condeval.ExtractEntityIDs(r.When) {
			neededEntities[id] = struct{}{}
		}
	}
	ids := make([]string, 0, len(neededEntities))
	for id := range neededEntities {
		ids = append(ids, id)
	}
	states, err := d.deps.Entities.StatesFor(ids)
	if err != nil {
		return
	}

	alarmState := ""
	if d.deps.Alarm != nil {
		alarmState = d.deps.Alarm.CurrentState()
	}

	result := rulesengine.RunRules(context.Background(), d.deps.Engine, rules, rulesengine.EntityContext{
		EntityStates: states,
		AlarmState:   alarmState,
		Detections:   d.deps.Detections,
		Now:          batch.ChangedAt,
	})

	if d.deps.Stats != nil {
		d.deps.Stats.RecordRulesResult(result.Evaluated, result.Fired, result.Scheduled, result.Errors)
		d.deps.Stats.RecordSkipped(result.SkippedCooldown, result.SkippedEdge, result.SkippedSuspended)
	}
	if d.deps.ActionLog != nil {
		for _, outcome := range result.Outcomes {
			if outcome.LogEntry != nil {
				d.deps.ActionLog.Append(outcome.LogEntry)
			}
		}
	}
}

func (d *Dispatcher) impactedRules(entityIDs []string) ([]*model.Rule, error) {
	enabled, err := d.deps.Rules.ListEnabled()
	if err != nil {
		return nil, fmt.Errorf("dispatcher: list enabled rules: %w", err)
	}
	if d.deps.Index == nil {
		return enabled, nil
	}
	ruleIDs, err := d.deps.Index.Lookup(entityIDs)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: index lookup: %w", err)
	}
	wanted := make(map[string]struct{}, len(ruleIDs))
	for _, id := range ruleIDs {
		wanted[id] = struct{}{}
	}
	var out []*model.Rule
	for _, r := range enabled {
		if _, ok := wanted[r.ID]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (d *Dispatcher) claimBatch(batchID string) bool {
	d.idempMu.Lock()
	defer d.idempMu.Unlock()
	now := time.Now()
	for id, expiry := range d.idempotent {
		if now.After(expiry) {
			delete(d.idempotent, id)
		}
	}
	if _, inFlight := d.idempotent[batchID]; inFlight {
		return false
	}
	d.idempotent[batchID] = now.Add(idempotencyTTL)
	return true
}

func (d *Dispatcher) releaseBatch(batchID string) {
	d.idempMu.Lock()
	defer d.idempMu.Unlock()
	delete(d.idempotent, batchID)
}
