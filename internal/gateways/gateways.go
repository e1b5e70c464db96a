// Package gateways declares the capability interfaces ActionExecutor
// consumes. Each is a small interface plus one concrete default
// implementation elsewhere in the repo, never a class hierarchy — the
// "deep gateway polymorphism" redesign note's resolution.
package gateways

import (
	"context"

	"github.com/nugget/sentryd/internal/model"
)

// AlarmServices drives the alarm state machine. internal/alarmservice
// provides the implementation that cmd/sentryd wires in.
type AlarmServices interface {
	Arm(ctx context.Context, targetState, user, code, reason string) error
	Disarm(ctx context.Context, user, code, reason string) error
	Trigger(ctx context.Context, user, reason string) error
	GetCurrentSnapshot(ctx context.Context, processTimers bool) (model.AlarmStateSnapshot, error)
}

// HomeAssistantGateway calls a home-automation hub service.
type HomeAssistantGateway interface {
	CallService(ctx context.Context, domain, service string, target, serviceData map[string]any) error
}

// Zigbee2mqttGateway sets an entity's value over Zigbee2mqtt.
type Zigbee2mqttGateway interface {
	SetEntityValue(ctx context.Context, entityID string, value any) error
}

// ZwavejsValueID identifies a single Z-Wave JS value by its components.
type ZwavejsValueID struct {
	CommandClass int
	Endpoint     int
	Property     any
	PropertyKey  any
}

// ZwavejsGateway writes a node value by value-id components. The fuller
// Z-Wave JS surface (connection status, node introspection) lives on
// internal/zwavejsgateway's concrete client; ActionExecutor only needs
// SetValue.
type ZwavejsGateway interface {
	SetValue(ctx context.Context, nodeID int, valueID ZwavejsValueID, value any) error
}

// NotificationDispatcher enqueues an outbound notification; Enqueue
// returns once the message is durably queued, not once it is delivered.
type NotificationDispatcher interface {
	Enqueue(ctx context.Context, providerID, message, title string, data map[string]any, ruleName string) (deliveryID string, success bool, errorCode string, err error)
}

// ActionContext is the read-only bundle ActionExecutor passes to every
// handler: the firing rule, the acting user (empty for system-fired
// rules), and the typed gateway capabilities.
type ActionContext struct {
	Rule       *model.Rule
	ActorUser  string
	ActorAdmin bool
	Alarm      AlarmServices
	HA         HomeAssistantGateway
	Zigbee     Zigbee2mqttGateway
	Zwavejs    ZwavejsGateway
	Notify     NotificationDispatcher
}
