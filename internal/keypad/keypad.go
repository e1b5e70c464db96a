// Package keypad implements the KeypadListener: decoding a control
// panel's raw event envelope into one of arm/disarm/panic and handing
// it to the alarm state machine. Grounded on
// original_source/backend/control_panels (zwave_ring_keypad_v2's
// Z-Wave JS Entry Control Notification handling and its
// per-device action_map field) and adapted to this repo's
// AlarmServices collaborator instead of Django signals.
package keypad

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Controller is the subset of gateways.AlarmServices a keypad can drive.
type Controller interface {
	Arm(ctx context.Context, targetState, user, code, reason string) error
	Disarm(ctx context.Context, user, code, reason string) error
	Trigger(ctx context.Context, user, reason string) error
}

// entryControlEvent mirrors a Z-Wave JS Entry Control Notification
// (commandClass 111) event envelope as delivered over the controller's
// notification event stream.
type entryControlEvent struct {
	Event  string `json:"event"`
	NodeID int    `json:"nodeId"`
	CCID   int    `json:"ccId"`
	Args   struct {
		EventType int    `json:"eventType"`
		EventData string `json:"eventData"`
	} `json:"args"`
}

const entryControlCommandClass = 111

// ActionMap maps a keypad's raw eventType code to one of "arm_home",
// "arm_away", "arm_night", "arm_vacation", "disarm", "panic", or "cancel"
// (accepted and ignored) — the same per-device
// mapping the original implementation stores as ControlPanelDevice's
// action_map field, since different keypad firmwares assign different
// codes to the same physical buttons.
type ActionMap map[int]string

// DefaultRingKeypadV2ActionMap is the factory mapping for a Ring
// Keypad v2 in its default (unconfigured) arrangement.
func DefaultRingKeypadV2ActionMap() ActionMap {
	return ActionMap{
		1: "disarm",
		2: "arm_away",
		3: "arm_home",
		4: "cancel",
	}
}

// Listener decodes raw events for a single keypad node and dispatches
// arm/disarm/panic calls to Controller. A decode failure or an unknown
// event code is logged and dropped — it must never stop the listener.
type Listener struct {
	NodeID     int
	ActionMap  ActionMap
	Controller Controller
	Logger     *slog.Logger
}

// NewListener builds a Listener for a single keypad node.
func NewListener(nodeID int, actionMap ActionMap, controller Controller, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	if actionMap == nil {
		actionMap = DefaultRingKeypadV2ActionMap()
	}
	return &Listener{NodeID: nodeID, ActionMap: actionMap, Controller: controller, Logger: logger}
}

// Run consumes raw notification events from events until ctx is done.
func (l *Listener) Run(ctx context.Context, events <-chan json.RawMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case raw, ok := <-events:
			if !ok {
				return
			}
			l.handle(ctx, raw)
		}
	}
}

func (l *Listener) handle(ctx context.Context, raw json.RawMessage) {
	var ev entryControlEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		l.Logger.Warn("keypad: failed to decode event, dropping", "error", err)
		return
	}
	if ev.NodeID != l.NodeID || ev.CCID != entryControlCommandClass {
		return
	}

	action, ok := l.ActionMap[ev.Args.EventType]
	if !ok {
		l.Logger.Warn("keypad: unmapped event type, dropping", "node_id", ev.NodeID, "event_type", ev.Args.EventType)
		return
	}

	code := ev.Args.EventData
	if err := l.dispatch(ctx, action, code); err != nil {
		l.Logger.Error("keypad: action dispatch failed", "node_id", ev.NodeID, "action", action, "error", err)
	}
}

func (l *Listener) dispatch(ctx context.Context, action, code string) error {
	switch action {
	case "disarm":
		return l.Controller.Disarm(ctx, "", code, "keypad")
	case "arm_home", "arm_away", "arm_night", "arm_vacation":
		return l.Controller.Arm(ctx, action, "", code, "keypad")
	case "panic":
		return l.Controller.Trigger(ctx, "", "keypad panic button")
	case "cancel":
		return nil
	default:
		return fmt.Errorf("keypad: unhandled action %q", action)
	}
}
