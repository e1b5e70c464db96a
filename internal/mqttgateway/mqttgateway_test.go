package mqttgateway

import (
	"context"
	"testing"
	"time"
)

func TestHandleMessage_IgnoresSetAndAvailabilityTopics(t *testing.T) {
	g := New(Config{Broker: "mqtt://example.invalid"}, nil)
	g.handleMessage("zigbee2mqtt/front_door/set", []byte(`{"state":"LOCK"}`))
	g.handleMessage("zigbee2mqtt/front_door/availability", []byte(`{"state":"online"}`))
	select {
	case sc := <-g.events:
		t.Fatalf("unexpected event delivered: %+v", sc)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestHandleMessage_ParsesDeviceStateTopic(t *testing.T) {
	g := New(Config{Broker: "mqtt://example.invalid"}, nil)
	g.handleMessage("zigbee2mqtt/front_door", []byte(`{"contact": false, "battery": 87}`))
	select {
	case sc := <-g.events:
		if sc.EntityID != "zigbee2mqtt/front_door" {
			t.Fatalf("EntityID = %q, want zigbee2mqtt/front_door", sc.EntityID)
		}
		if sc.Payload["contact"] != false {
			t.Fatalf("Payload = %+v, want contact=false", sc.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("no event delivered")
	}
}

func TestHandleMessage_DropsNonJSONPayload(t *testing.T) {
	g := New(Config{Broker: "mqtt://example.invalid"}, nil)
	g.handleMessage("zigbee2mqtt/front_door", []byte("not json"))
	select {
	case sc := <-g.events:
		t.Fatalf("unexpected event delivered: %+v", sc)
	case <-time.After(10 * time.Millisecond):
	}
}

func TestRateLimiter_DropsAboveLimitAndResetsOnInterval(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	r := newRateLimiter(ctx, 2, 30*time.Millisecond)

	if !r.allow() || !r.allow() {
		t.Fatalf("first two calls should be allowed")
	}
	if r.allow() {
		t.Fatalf("third call within window should be dropped")
	}

	time.Sleep(50 * time.Millisecond)
	if !r.allow() {
		t.Fatalf("call after interval reset should be allowed")
	}
}
