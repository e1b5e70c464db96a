package rulesengine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/sentryd/internal/actions"
	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/gateways"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/runtimestore"
)

func newTestEngine(t *testing.T, registry *actions.Registry) *Engine {
	t.Helper()
	store, err := runtimestore.NewStore(filepath.Join(t.TempDir(), "runtime.db"))
	if err != nil {
		t.Fatalf("runtimestore.NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return New(store, registry, gateways.ActionContext{})
}

func motionRule(id string, cooldown *int) *model.Rule {
	when := &condeval.Node{
		Op:       condeval.OpEntityState,
		EntityID: "binary_sensor.front_motion",
		Equals:   strPtr("on"),
	}
	condeval.AssignNodeIDs(when)
	return &model.Rule{
		ID:              id,
		Name:            "front motion",
		Enabled:         true,
		When:            when,
		Then:            []model.Action{{Type: "noop"}},
		CooldownSeconds: cooldown,
	}
}

func strPtr(s string) *string { return &s }

func TestRunRules_FirstEvaluationFiresImmediatelyWhenAlreadyMatched(t *testing.T) {
	registry := actions.NewRegistry()
	var calls int
	registry.Register("noop", func(ctx context.Context, a model.Action, actx gateways.ActionContext) (map[string]any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	})
	engine := newTestEngine(t, registry)
	rule := motionRule("r1", nil)

	result := RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          time.Now(),
	})
	if result.Fired != 1 {
		t.Fatalf("Fired = %d, want 1 on first evaluation already matching", result.Fired)
	}
	if calls != 1 {
		t.Fatalf("action calls = %d, want 1", calls)
	}

	// Same batch resubmitted: no new edge.
	result = RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          time.Now().Add(time.Second),
	})
	if result.Fired != 0 || result.Outcomes[0].Skipped != SkipEdge {
		t.Fatalf("expected skipped_edge on repeat match, got %+v", result.Outcomes[0])
	}
}

func TestRunRules_FiresOnFalseToTrueEdge(t *testing.T) {
	registry := actions.NewRegistry()
	var calls int
	registry.Register("noop", func(ctx context.Context, a model.Action, actx gateways.ActionContext) (map[string]any, error) {
		calls++
		return map[string]any{"ok": true}, nil
	})
	engine := newTestEngine(t, registry)
	rule := motionRule("r1", nil)
	now := time.Now()

	// t0: off -> establishes baseline, never fires.
	RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "off"},
		Now:          now,
	})

	// t1: on -> false->true edge, should fire.
	result := RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(time.Second),
	})
	if result.Fired != 1 {
		t.Fatalf("Fired = %d, want 1", result.Fired)
	}
	if calls != 1 {
		t.Fatalf("action calls = %d, want 1", calls)
	}

	// t2: still on -> no new edge, should not re-fire.
	result = RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(2 * time.Second),
	})
	if result.Fired != 0 {
		t.Fatalf("Fired = %d, want 0 on sustained match", result.Fired)
	}
	if result.Outcomes[0].Skipped != SkipEdge {
		t.Fatalf("Skipped = %q, want edge", result.Outcomes[0].Skipped)
	}
}

func TestRunRules_CooldownSuppressesRefire(t *testing.T) {
	registry := actions.NewRegistry()
	registry.Register("noop", func(ctx context.Context, a model.Action, actx gateways.ActionContext) (map[string]any, error) {
		return map[string]any{"ok": true}, nil
	})
	engine := newTestEngine(t, registry)
	cooldown := 60
	rule := motionRule("r1", &cooldown)
	now := time.Now()

	RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "off"},
		Now:          now,
	})
	result := RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(time.Second),
	})
	if result.Fired != 1 {
		t.Fatalf("Fired = %d, want 1", result.Fired)
	}

	// off -> on again within the cooldown window, but an edge can't occur
	// again until we drop back to off first.
	RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "off"},
		Now:          now.Add(2 * time.Second),
	})
	result = RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(3 * time.Second),
	})
	if result.Fired != 0 {
		t.Fatalf("Fired = %d, want 0 within cooldown", result.Fired)
	}
	if result.Outcomes[0].Skipped != SkipCooldown {
		t.Fatalf("Skipped = %q, want cooldown", result.Outcomes[0].Skipped)
	}
}

func TestRunRules_HardFailureBacksOffAndBlocksRefire(t *testing.T) {
	registry := actions.NewRegistry()
	registry.Register("noop", func(ctx context.Context, a model.Action, actx gateways.ActionContext) (map[string]any, error) {
		return nil, errors.New("gateway down")
	})
	engine := newTestEngine(t, registry)
	engine.CircuitBreaker.Threshold = 2
	engine.CircuitBreaker.BackoffSchedule = []time.Duration{time.Minute}
	rule := motionRule("r1", nil)
	now := time.Now()

	RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "off"},
		Now:          now,
	})
	result := RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(time.Second),
	})
	if result.Fired != 1 || !result.Outcomes[0].HardFailed {
		t.Fatalf("expected first fire to hard-fail, got %+v", result.Outcomes[0])
	}

	root, err := engine.Runtime.GetOrCreate("r1", "when")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if root.ConsecutiveFailures != 1 || root.NextAllowedAt == nil {
		t.Fatalf("root = %+v, want 1 consecutive failure with backoff set", root)
	}

	// Still within backoff window: a fresh off->on edge should be blocked.
	RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "off"},
		Now:          now.Add(2 * time.Second),
	})
	result = RunRules(context.Background(), engine, []*model.Rule{rule}, EntityContext{
		EntityStates: map[string]string{"binary_sensor.front_motion": "on"},
		Now:          now.Add(3 * time.Second),
	})
	if result.Fired != 0 || result.Outcomes[0].Skipped != SkipBackoff {
		t.Fatalf("expected backoff skip, got %+v", result.Outcomes[0])
	}
}
