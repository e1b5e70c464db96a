package hagateway

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestHandleEvent_ParsesStateChangedPayload(t *testing.T) {
	g := New("http://example.invalid", "token", nil)

	raw := []byte(`{
		"event_type": "state_changed",
		"data": {
			"entity_id": "binary_sensor.front_door",
			"new_state": {"state": "on", "attributes": {"device_class": "door"}},
			"old_state": {"state": "off"}
		}
	}`)
	g.handleEvent(raw)

	select {
	case sc := <-g.events:
		if sc.EntityID != "binary_sensor.front_door" || sc.NewState != "on" || sc.OldState != "off" {
			t.Fatalf("StateChanged = %+v, unexpected fields", sc)
		}
		if sc.Attrs["device_class"] != "door" {
			t.Fatalf("Attrs = %+v, want device_class door", sc.Attrs)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestHandleEvent_IgnoresNonStateChangedEvents(t *testing.T) {
	g := New("http://example.invalid", "token", nil)
	g.handleEvent([]byte(`{"event_type": "call_service", "data": {}}`))
	select {
	case sc := <-g.events:
		t.Fatalf("unexpected event delivered: %+v", sc)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestGateway_Integration(t *testing.T) {
	token := os.Getenv("HOMEASSISTANT_TOKEN")
	if token == "" {
		t.Skip("HOMEASSISTANT_TOKEN not set")
	}
	url := os.Getenv("HOMEASSISTANT_URL")
	g := New(url, token, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := g.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer g.Close()
	if err := g.CallService(ctx, "homeassistant", "update_entity", map[string]any{"entity_id": "sun.sun"}, nil); err != nil {
		t.Fatalf("CallService() error = %v", err)
	}
}
