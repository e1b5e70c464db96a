// Package rulesengine is the RuleEvaluator: for one entity-change batch it
// walks the candidate rules in priority order, runs each rule's condition
// tree through condeval, and applies edge-trigger, cooldown, and
// circuit-breaker gates before handing the rule's actions to ActionExecutor.
package rulesengine

import (
	"context"
	"time"

	"github.com/nugget/sentryd/internal/actions"
	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/gateways"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/runtimestore"
)

// SkipReason names why a rule produced no firing. Empty means the rule
// fired (or its condition simply did not match).
type SkipReason string

const (
	SkipNone      SkipReason = ""
	SkipCooldown  SkipReason = "cooldown"
	SkipEdge      SkipReason = "edge"
	SkipSuspended SkipReason = "suspended"
	SkipBackoff   SkipReason = "backoff"
)

// CircuitBreakerConfig governs how a rule whose actions keep hard-failing
// gets backed off and eventually suspended.
type CircuitBreakerConfig struct {
	// BackoffSchedule maps consecutive failure count (1-indexed) to the
	// delay before the rule is allowed to fire again. The last entry
	// applies to every failure count beyond the schedule's length.
	BackoffSchedule []time.Duration
	// Threshold is the consecutive-failure count at which a rule is
	// suspended outright rather than merely backed off.
	Threshold int
	// AutoRecoverySeconds is how long a suspended rule stays suspended
	// before it is automatically retried once more.
	AutoRecoverySeconds int
}

// DefaultCircuitBreakerConfig matches the schedule read off the original
// automation engine: a strictly increasing backoff, suspension short of
// triple digits, and hour-plus auto recovery.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		BackoffSchedule: []time.Duration{
			5 * time.Second,
			15 * time.Second,
			60 * time.Second,
			300 * time.Second,
			1800 * time.Second,
		},
		Threshold:           10,
		AutoRecoverySeconds: 3600,
	}
}

func (c CircuitBreakerConfig) backoffFor(consecutiveFailures int) time.Duration {
	if consecutiveFailures <= 0 {
		return 0
	}
	idx := consecutiveFailures - 1
	if idx >= len(c.BackoffSchedule) {
		idx = len(c.BackoffSchedule) - 1
	}
	return c.BackoffSchedule[idx]
}

// Engine evaluates rules and dispatches their actions.
type Engine struct {
	Runtime        *runtimestore.Store
	Actions        *actions.Registry
	Gateways       gateways.ActionContext // template; Rule/ActorUser/ActorAdmin are overwritten per rule
	CircuitBreaker CircuitBreakerConfig
}

// New builds an Engine with the default circuit-breaker schedule.
func New(runtime *runtimestore.Store, registry *actions.Registry, gw gateways.ActionContext) *Engine {
	return &Engine{
		Runtime:        runtime,
		Actions:        registry,
		Gateways:       gw,
		CircuitBreaker: DefaultCircuitBreakerConfig(),
	}
}

// EntityContext is the read-only input one dispatch cycle supplies for
// condition evaluation: the targeted entity states (not a full snapshot),
// the current alarm state, and a detection source.
type EntityContext struct {
	EntityStates map[string]string
	AlarmState   string
	Detections   condeval.DetectionSource
	Now          time.Time
}

// RuleOutcome is the per-rule result of one evaluation pass.
type RuleOutcome struct {
	Rule       *model.Rule
	Matched    bool
	Fired      bool
	Skipped    SkipReason
	LogEntry   *model.ActionLogEntry
	HardFailed bool
}

// Result aggregates one RunRules call across every candidate rule, matching
// the dispatcher's per-batch accounting fields.
type Result struct {
	Evaluated        int
	Fired            int
	Scheduled        int
	Errors           int
	SkippedCooldown  int
	SkippedEdge      int
	SkippedSuspended int
	Outcomes         []RuleOutcome
}

// RunRules evaluates every rule in order, mutating each rule's runtime state
// through the Runtime store, and executing actions for rules that fire.
func RunRules(ctx context.Context, engine *Engine, rules []*model.Rule, ectx EntityContext) Result {
	var result Result
	for _, rule := range rules {
		outcome := engine.runOne(ctx, rule, ectx)
		result.Evaluated++
		result.Outcomes = append(result.Outcomes, outcome)
		switch outcome.Skipped {
		case SkipCooldown:
			result.SkippedCooldown++
		case SkipEdge:
			result.SkippedEdge++
		case SkipSuspended, SkipBackoff:
			result.SkippedSuspended++
		}
		if outcome.Fired {
			result.Fired++
		}
		if outcome.LogEntry != nil {
			result.Scheduled += len(outcome.LogEntry.Results)
			for _, r := range outcome.LogEntry.Results {
				if !r.OK {
					result.Errors++
				}
			}
		}
	}
	return result
}

func (e *Engine) runOne(ctx context.Context, rule *model.Rule, ectx EntityContext) RuleOutcome {
	outcome := RuleOutcome{Rule: rule}
	view := runtimestore.NewView(e.Runtime, rule.ID)

	root, err := view.Root()
	if err != nil {
		return outcome
	}

	if allowed, reason := e.isRuleAllowed(root, ectx.Now); !allowed {
		outcome.Skipped = reason
		return outcome
	}

	priorMatched := root.LastWhenMatched

	cctx := condeval.Context{
		EntityStates: ectx.EntityStates,
		AlarmState:   ectx.AlarmState,
		Detections:   ectx.Detections,
		Runtime:      view,
		Now:          ectx.Now,
	}
	matched, _ := condeval.Evaluate(rule.When, cctx)
	view.RecordWhenMatched("when", matched, ectx.Now)
	outcome.Matched = matched

	if err := view.Flush(); err != nil {
		return outcome
	}

	if !matched {
		return outcome
	}

	if !isFalseToTrueEdge(priorMatched, matched) {
		outcome.Skipped = SkipEdge
		return outcome
	}

	if rule.CooldownSeconds != nil && root.LastFiredAt != nil {
		cooldown := time.Duration(*rule.CooldownSeconds) * time.Second
		if ectx.Now.Sub(*root.LastFiredAt) < cooldown {
			outcome.Skipped = SkipCooldown
			return outcome
		}
	}

	logEntry, hardFailed := e.fire(ctx, rule, ectx.Now)
	outcome.Fired = true
	outcome.LogEntry = logEntry
	outcome.HardFailed = hardFailed

	root.LastFiredAt = &ectx.Now
	e.recordFailureOutcome(root, hardFailed, ectx.Now)
	if err := e.Runtime.Save(root); err != nil {
		return outcome
	}
	return outcome
}

// isFalseToTrueEdge reports whether result is a false->true transition from
// prior. A never-evaluated node (prior == nil) is treated as an implicit
// false, so a rule whose condition is already true on its very first
// evaluation fires immediately rather than waiting for a later transition.
func isFalseToTrueEdge(prior *bool, result bool) bool {
	if !result {
		return false
	}
	return prior == nil || !*prior
}

func (e *Engine) isRuleAllowed(root *runtimestore.State, now time.Time) (bool, SkipReason) {
	if root.ErrorSuspended {
		if root.LastFailureAt != nil && now.Sub(*root.LastFailureAt) >= time.Duration(e.CircuitBreaker.AutoRecoverySeconds)*time.Second {
			return true, SkipNone
		}
		return false, SkipSuspended
	}
	if root.NextAllowedAt != nil && now.Before(*root.NextAllowedAt) {
		return false, SkipBackoff
	}
	return true, SkipNone
}

func (e *Engine) recordFailureOutcome(root *runtimestore.State, hardFailed bool, now time.Time) {
	if !hardFailed {
		root.ConsecutiveFailures = 0
		root.NextAllowedAt = nil
		root.ErrorSuspended = false
		root.LastError = ""
		return
	}
	root.ConsecutiveFailures++
	root.LastFailureAt = &now
	if root.ConsecutiveFailures >= e.CircuitBreaker.Threshold {
		root.ErrorSuspended = true
		return
	}
	next := now.Add(e.CircuitBreaker.backoffFor(root.ConsecutiveFailures))
	root.NextAllowedAt = &next
}

// fire runs every action in rule.Then and builds the log entry for this
// firing. hardFailed is true if any action hard-failed, which is what the
// circuit breaker tracks.
func (e *Engine) fire(ctx context.Context, rule *model.Rule, now time.Time) (*model.ActionLogEntry, bool) {
	entry := &model.ActionLogEntry{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		FiredAt:  now,
	}

	actx := e.Gateways
	actx.Rule = rule
	actx.ActorUser = rule.CreatedBy
	actx.ActorAdmin = rule.CreatedByAdmin

	hardFailed := false
	for _, action := range rule.Then {
		res := e.Actions.Execute(ctx, action, actx)
		entry.Results = append(entry.Results, res)
		if res.Hard {
			hardFailed = true
		}
	}
	return entry, hardFailed
}
