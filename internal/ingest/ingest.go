// Package ingest holds the HAIngestAdapter (Q) and MQTTIngestAdapter (R):
// thin translators that turn each integration's native event stream
// into Dispatcher.Submit calls (and, for MQTT, DetectionStore writes),
// so the dispatcher itself never depends on any integration's wire
// format. Mirrors the teacher's pattern of keeping transport adapters
// (internal/homeassistant, internal/mqtt) separate from the core loop
// they feed.
package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/sentryd/internal/detectionstore"
	"github.com/nugget/sentryd/internal/hagateway"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/mqttgateway"
)

// EntitySink is the subset of entitystore.Store the ingest adapters
// need: record the new observed state before notifying the dispatcher.
type EntitySink interface {
	Upsert(e model.Entity) error
}

// DispatchSubmitter is the subset of dispatcher.Dispatcher the ingest
// adapters need.
type DispatchSubmitter interface {
	Submit(source string, entityIDs []string, changedAt time.Time)
}

// HAIngestAdapter (Q) turns Home Assistant state_changed events into
// entity upserts and debounced dispatch submissions.
type HAIngestAdapter struct {
	Gateway    *hagateway.Gateway
	Entities   EntitySink
	Dispatcher DispatchSubmitter
	Logger     *slog.Logger
}

// NewHAIngestAdapter builds an adapter over an already-constructed gateway.
func NewHAIngestAdapter(gw *hagateway.Gateway, entities EntitySink, dispatcher DispatchSubmitter, logger *slog.Logger) *HAIngestAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &HAIngestAdapter{Gateway: gw, Entities: entities, Dispatcher: dispatcher, Logger: logger}
}

// Run drains the gateway's state-change stream until ctx is cancelled.
func (a *HAIngestAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-a.Gateway.StateChanges():
			if !ok {
				return
			}
			a.handle(sc)
		}
	}
}

func (a *HAIngestAdapter) handle(sc hagateway.StateChanged) {
	now := time.Now()
	if err := a.Entities.Upsert(model.Entity{
		EntityID:    sc.EntityID,
		Domain:      model.DomainOf(sc.EntityID),
		Source:      "home_assistant",
		LastState:   sc.NewState,
		LastChanged: now,
		LastSeen:    now,
		Attributes:  sc.Attrs,
	}); err != nil {
		a.Logger.Error("ha ingest: upsert entity failed", "entity_id", sc.EntityID, "error", err)
		return
	}
	a.Dispatcher.Submit("home_assistant", []string{sc.EntityID}, now)
}

// MQTTIngestAdapter (R) turns zigbee2mqtt device-state payloads into
// entity upserts/dispatch submissions, and Frigate event payloads into
// DetectionStore writes. One failing topic's payload never blocks the
// others — every decode failure is logged and dropped.
type MQTTIngestAdapter struct {
	Gateway    *mqttgateway.Gateway
	Entities   EntitySink
	Detections *detectionstore.Store
	Dispatcher DispatchSubmitter
	Logger     *slog.Logger

	// EntityDomain maps a zigbee2mqtt friendly_name to this repo's
	// entity_id convention, e.g. "zigbee2mqtt/front_door" -> "sensor.front_door".
	EntityDomain string
}

// NewMQTTIngestAdapter builds an adapter over an already-constructed gateway.
func NewMQTTIngestAdapter(gw *mqttgateway.Gateway, entities EntitySink, detections *detectionstore.Store, dispatcher DispatchSubmitter, logger *slog.Logger) *MQTTIngestAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTTIngestAdapter{Gateway: gw, Entities: entities, Detections: detections, Dispatcher: dispatcher, Logger: logger, EntityDomain: "sensor"}
}

// Run drains the gateway's device-state stream until ctx is cancelled.
func (a *MQTTIngestAdapter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case sc, ok := <-a.Gateway.StateChanges():
			if !ok {
				return
			}
			a.handle(sc)
		}
	}
}

func (a *MQTTIngestAdapter) handle(sc mqttgateway.StateChange) {
	if strings.HasPrefix(sc.EntityID, "frigate/") {
		a.handleFrigateEvent(sc)
		return
	}
	a.handleDeviceState(sc)
}

func (a *MQTTIngestAdapter) handleDeviceState(sc mqttgateway.StateChange) {
	friendlyName := sc.EntityID
	if i := strings.LastIndex(sc.EntityID, "/"); i >= 0 {
		friendlyName = sc.EntityID[i+1:]
	}
	entityID := a.EntityDomain + "." + friendlyName

	state := stateString(sc.Payload)
	now := time.Now()
	if err := a.Entities.Upsert(model.Entity{
		EntityID:    entityID,
		Domain:      a.EntityDomain,
		Source:      "zigbee2mqtt",
		LastState:   state,
		LastChanged: now,
		LastSeen:    now,
		Attributes:  sc.Payload,
	}); err != nil {
		a.Logger.Error("mqtt ingest: upsert entity failed", "entity_id", entityID, "error", err)
		return
	}
	a.Dispatcher.Submit("zigbee2mqtt", []string{entityID}, now)
}

// stateString derives a single representative state string from a
// zigbee2mqtt payload: prefers a top-level "state" field, falls back to
// "contact"/"occupancy"/"motion" booleans rendered as on/off, else empty.
// zigbee2mqtt reports contact=true for a closed contact, so contact is
// inverted: an open contact (false) is "on".
func stateString(payload map[string]any) string {
	if s, ok := payload["state"].(string); ok {
		return s
	}
	if v, ok := payload["contact"].(bool); ok {
		if v {
			return "off"
		}
		return "on"
	}
	for _, key := range []string{"occupancy", "motion"} {
		if v, ok := payload[key].(bool); ok {
			if v {
				return "on"
			}
			return "off"
		}
	}
	return ""
}

type frigateEvent struct {
	Type   string `json:"type"`
	Before struct {
		ID        string   `json:"id"`
		Camera    string   `json:"camera"`
		Label     string   `json:"label"`
		Zones     []string `json:"current_zones"`
		TopScore  float64  `json:"top_score"`
		FrameTime float64  `json:"frame_time"`
	} `json:"before"`
	After struct {
		ID        string   `json:"id"`
		Camera    string   `json:"camera"`
		Label     string   `json:"label"`
		Zones     []string `json:"current_zones"`
		TopScore  float64  `json:"top_score"`
		FrameTime float64  `json:"frame_time"`
	} `json:"after"`
}

func (a *MQTTIngestAdapter) handleFrigateEvent(sc mqttgateway.StateChange) {
	raw, err := json.Marshal(sc.Payload)
	if err != nil {
		a.Logger.Warn("mqtt ingest: failed to re-marshal frigate payload, dropping", "error", err)
		return
	}
	var ev frigateEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		a.Logger.Warn("mqtt ingest: failed to decode frigate event, dropping", "error", err)
		return
	}
	if ev.Type != "new" && ev.Type != "update" {
		return
	}

	observedAt := time.Now()
	if ev.After.FrameTime > 0 {
		observedAt = time.Unix(int64(ev.After.FrameTime), 0)
	}

	if err := a.Detections.Upsert(model.Detection{
		Provider:      "frigate",
		EventID:       ev.After.ID,
		Label:         ev.After.Label,
		Camera:        ev.After.Camera,
		Zones:         ev.After.Zones,
		ConfidencePct: ev.After.TopScore * 100,
		ObservedAt:    observedAt,
	}); err != nil {
		a.Logger.Error("mqtt ingest: record detection failed", "event_id", ev.After.ID, "error", err)
		return
	}

	entityID := "binary_sensor.frigate_" + ev.After.Camera + "_" + ev.After.Label
	a.Dispatcher.Submit("frigate", []string{entityID}, observedAt)
}

