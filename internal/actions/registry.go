// Package actions is the ActionExecutor: a typed registry of action
// handlers dispatched by `type`. The registry pattern — a static
// type->handler map, duplicate registration rejected at startup, an
// unknown type reported by Execute as a failed unknown_action_type result
// (rule upsert does not check action types) — mirrors the
// original Python action_handlers/__init__.py register()/get_handler().
package actions

import (
	"context"
	"fmt"

	"github.com/nugget/sentryd/internal/gateways"
	"github.com/nugget/sentryd/internal/model"
)

// Handler validates and executes one action. It must never panic or
// otherwise escape with an error that the executor doesn't catch; Execute
// recovers from panics as a defensive backstop, but handlers are expected
// to return (result, hardErr) instead of raising.
//
// hardErr is non-nil only for failures that should count toward the
// rule's circuit breaker (a real gateway failure); a validation problem
// is reported via result["error"] with hardErr == nil, matching the
// original handlers' (ok=false, error=None) convention for bad input.
type Handler func(ctx context.Context, action model.Action, actx gateways.ActionContext) (result map[string]any, hardErr error)

// adminOnly is the set of action types that require the firing rule to
// have been last modified by an admin user.
var adminOnly = map[string]bool{
	"alarm_arm":         true,
	"alarm_disarm":      true,
	"alarm_trigger":     true,
	"ha_call_service":   true,
	"zwavejs_set_value": true,
}

// Registry is the static type -> handler table.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds an empty registry. Use Register to populate it, or
// DefaultRegistry for the standard handler set.
func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

// Register adds a handler for actionType. It panics on duplicate
// registration, matching the redesign note's "duplicate registration
// panics at startup".
func (r *Registry) Register(actionType string, h Handler) {
	if _, exists := r.handlers[actionType]; exists {
		panic(fmt.Sprintf("actions: duplicate handler registration for %q", actionType))
	}
	r.handlers[actionType] = h
}

// Get returns the handler for actionType, or nil if none is registered.
func (r *Registry) Get(actionType string) Handler {
	return r.handlers[actionType]
}

// Execute runs one action through the registry, converting an unknown
// type or a handler panic into a structured (ok=false) result so that no
// handler failure can ever abort the caller's action-list loop.
func (r *Registry) Execute(ctx context.Context, action model.Action, actx gateways.ActionContext) (res model.ActionResult) {
	res.Type = action.Type

	if adminOnly[action.Type] && !actx.ActorAdmin {
		res.OK = false
		res.Error = "admin_required"
		return res
	}

	h := r.Get(action.Type)
	if h == nil {
		res.OK = false
		res.Error = "unknown_action_type"
		return res
	}

	defer func() {
		if p := recover(); p != nil {
			res.OK = false
			res.Error = fmt.Sprintf("panic: %v", p)
		}
	}()

	result, hardErr := h(ctx, action, actx)
	if hardErr != nil {
		res.OK = false
		res.Error = hardErr.Error()
		res.Result = result
		res.Hard = true
		return res
	}
	ok, _ := result["ok"].(bool)
	res.OK = ok
	res.Result = result
	if !ok {
		if errMsg, _ := result["error"].(string); errMsg != "" {
			res.Error = errMsg
		}
	}
	return res
}

// HardError wraps err so Execute records it as a hard failure (one that
// should count toward the firing rule's consecutive_failures).
type HardError struct{ Err error }

func (e *HardError) Error() string { return e.Err.Error() }
func (e *HardError) Unwrap() error { return e.Err }
