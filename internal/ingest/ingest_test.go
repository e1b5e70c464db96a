package ingest

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/sentryd/internal/detectionstore"
	"github.com/nugget/sentryd/internal/hagateway"
	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/mqttgateway"
)

type fakeEntitySink struct {
	upserted []model.Entity
}

func (f *fakeEntitySink) Upsert(e model.Entity) error {
	f.upserted = append(f.upserted, e)
	return nil
}

type fakeSubmitter struct {
	calls []string
}

func (f *fakeSubmitter) Submit(source string, entityIDs []string, changedAt time.Time) {
	f.calls = append(f.calls, source)
}

func TestHAIngestAdapter_HandleUpsertsAndSubmits(t *testing.T) {
	entities := &fakeEntitySink{}
	dispatcher := &fakeSubmitter{}
	a := NewHAIngestAdapter(nil, entities, dispatcher, nil)

	a.handle(hagateway.StateChanged{EntityID: "binary_sensor.front_door", NewState: "on"})

	if len(entities.upserted) != 1 || entities.upserted[0].EntityID != "binary_sensor.front_door" {
		t.Fatalf("upserted = %+v, want one entity", entities.upserted)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "home_assistant" {
		t.Fatalf("calls = %v, want [home_assistant]", dispatcher.calls)
	}
}

func TestMQTTIngestAdapter_HandleDeviceStateDerivesEntityIDAndState(t *testing.T) {
	entities := &fakeEntitySink{}
	dispatcher := &fakeSubmitter{}
	a := NewMQTTIngestAdapter(nil, entities, nil, dispatcher, nil)

	a.handle(mqttgateway.StateChange{EntityID: "zigbee2mqtt/front_door", Payload: map[string]any{"contact": false, "battery": 90}})

	if len(entities.upserted) != 1 {
		t.Fatalf("upserted = %+v, want one entity", entities.upserted)
	}
	got := entities.upserted[0]
	if got.EntityID != "sensor.front_door" || got.LastState != "on" {
		t.Fatalf("entity = %+v, want sensor.front_door state=on", got)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "zigbee2mqtt" {
		t.Fatalf("calls = %v, want [zigbee2mqtt]", dispatcher.calls)
	}
}

func TestMQTTIngestAdapter_HandleFrigateEventRecordsDetectionAndSubmits(t *testing.T) {
	detections, err := detectionstore.NewStore(filepath.Join(t.TempDir(), "detections.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer detections.Close()

	dispatcher := &fakeSubmitter{}
	a := NewMQTTIngestAdapter(nil, &fakeEntitySink{}, detections, dispatcher, nil)

	a.handle(mqttgateway.StateChange{EntityID: "frigate/events", Payload: map[string]any{
		"type": "new",
		"after": map[string]any{
			"id": "evt-1", "camera": "backyard", "label": "person",
			"current_zones": []any{"yard"}, "top_score": 0.91, "frame_time": float64(time.Now().Unix()),
		},
	}})

	dets := detections.Recent(time.Now().Add(-time.Hour))
	if len(dets) != 1 || dets[0].Camera != "backyard" {
		t.Fatalf("Recent() = %+v, want one backyard detection", dets)
	}
	if len(dispatcher.calls) != 1 || dispatcher.calls[0] != "frigate" {
		t.Fatalf("calls = %v, want [frigate]", dispatcher.calls)
	}
}

func TestMQTTIngestAdapter_MalformedFrigatePayloadIsDroppedNotPanicked(t *testing.T) {
	a := NewMQTTIngestAdapter(nil, &fakeEntitySink{}, nil, &fakeSubmitter{}, nil)
	a.handle(mqttgateway.StateChange{EntityID: "frigate/events", Payload: map[string]any{"type": "end"}})
}
