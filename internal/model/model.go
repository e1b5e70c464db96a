// Package model holds the shared data-model types used across the
// dispatcher and rules engine: Entity, Detection, Rule,
// AlarmStateSnapshot, and EntityChangeBatch.
package model

import (
	"strings"
	"time"

	"github.com/nugget/sentryd/internal/condeval"
)

// RuleKind discriminates what family of actions a rule is expected to
// produce; derived from the first action type when omitted on upsert.
type RuleKind string

const (
	RuleKindTrigger RuleKind = "trigger"
	RuleKindArm     RuleKind = "arm"
	RuleKindDisarm  RuleKind = "disarm"
)

// Entity is a single tracked sensor/device's last-known state.
type Entity struct {
	EntityID    string
	Domain      string
	Name        string
	Source      string
	LastState   string
	LastChanged time.Time
	LastSeen    time.Time
	Attributes  map[string]any
}

// DomainOf returns the substring before the first '.' in entityID.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i >= 0 {
		return entityID[:i]
	}
	return entityID
}

// Detection is one camera-provider detection event.
type Detection struct {
	Provider      string
	EventID       string
	Label         string
	Camera        string
	Zones         []string
	ConfidencePct float64
	ObservedAt    time.Time
}

// Action is one entry in a rule's `then` list: a typed JSON object
// dispatched by Type.
type Action struct {
	Type   string
	Fields map[string]any
}

// Rule is one user-authored automation rule.
type Rule struct {
	ID              string
	Name            string
	Kind            RuleKind
	Enabled         bool
	Priority        int
	SchemaVersion   int
	When            *condeval.Node
	Then            []Action
	CooldownSeconds *int
	CreatedBy       string
	CreatedByAdmin  bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// DeriveKind implements the upsert-time kind inference: if kind is
// omitted, it comes from the first action's type.
func DeriveKind(actions []Action) RuleKind {
	if len(actions) == 0 {
		return RuleKindTrigger
	}
	switch actions[0].Type {
	case "alarm_disarm":
		return RuleKindDisarm
	case "alarm_arm":
		return RuleKindArm
	default:
		return RuleKindTrigger
	}
}

// AlarmStateSnapshot is the single committed alarm-state row.
type AlarmStateSnapshot struct {
	CurrentState         string
	PreviousState        string
	TargetArmingState    string
	ProfileRef           string
	EnteredAt            time.Time
	ExitAt               *time.Time
	LastTransitionReason string
	LastTransitionBy     string
	TimingSnapshot       map[string]time.Duration
}

// ActionResult is one per-action outcome inside an ActionLog row. Hard is
// true only when the failure came from a real gateway error (as opposed to
// a validation problem with the action's fields) — only a hard failure
// counts toward a rule's consecutive_failures.
type ActionResult struct {
	OK     bool
	Type   string
	Result map[string]any
	Error  string
	Hard   bool
}

// ActionLogEntry is one row per rule firing.
type ActionLogEntry struct {
	ID        string
	RuleID    string
	RuleName  string
	FiredAt   time.Time
	Results   []ActionResult
}

// EntityChangeBatch is the transient unit of work the Dispatcher produces
// for each flushed source.
type EntityChangeBatch struct {
	Source    string
	EntityIDs []string
	ChangedAt time.Time
	BatchID   string
}
