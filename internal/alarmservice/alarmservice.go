// Package alarmservice is a minimal gateways.AlarmServices implementation
// over alarmstate.Store: immediate commit, no exit/entry delay timers or
// arming profiles. The full arm/disarm timing lifecycle is named an
// external collaborator in this core's scope — this package exists so
// cmd/sentryd has something concrete to wire without inventing timing
// policy the core was never asked to own. A real deployment is expected
// to swap this for a panel-specific implementation that does own delays,
// duress codes, and profile resolution.
package alarmservice

import (
	"context"

	"github.com/nugget/sentryd/internal/model"
)

// Transitioner is the subset of alarmstate.Store this service drives.
type Transitioner interface {
	CommitTransition(toState, reason, by string) error
	Snapshot() (model.AlarmStateSnapshot, error)
}

// Service commits arm/disarm/trigger requests straight through to the
// oracle's snapshot row with no delay or code validation.
type Service struct {
	Store Transitioner
}

// New builds a Service over store.
func New(store Transitioner) *Service {
	return &Service{Store: store}
}

func (s *Service) Arm(ctx context.Context, targetState, user, code, reason string) error {
	return s.Store.CommitTransition(targetState, reason, user)
}

func (s *Service) Disarm(ctx context.Context, user, code, reason string) error {
	return s.Store.CommitTransition("disarmed", reason, user)
}

func (s *Service) Trigger(ctx context.Context, user, reason string) error {
	return s.Store.CommitTransition("triggered", reason, user)
}

func (s *Service) GetCurrentSnapshot(ctx context.Context, processTimers bool) (model.AlarmStateSnapshot, error) {
	return s.Store.Snapshot()
}
