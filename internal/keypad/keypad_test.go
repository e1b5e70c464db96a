package keypad

import (
	"context"
	"encoding/json"
	"testing"
	"time"
)

type fakeController struct {
	armed    []string
	disarmed []string
	panics   int
}

func (f *fakeController) Arm(ctx context.Context, targetState, user, code, reason string) error {
	f.armed = append(f.armed, targetState)
	return nil
}

func (f *fakeController) Disarm(ctx context.Context, user, code, reason string) error {
	f.disarmed = append(f.disarmed, code)
	return nil
}

func (f *fakeController) Trigger(ctx context.Context, user, reason string) error {
	f.panics++
	return nil
}

func event(nodeID, ccID, eventType int, eventData string) json.RawMessage {
	e := map[string]any{
		"event":  "notification",
		"nodeId": nodeID,
		"ccId":   ccID,
		"args":   map[string]any{"eventType": eventType, "eventData": eventData},
	}
	b, _ := json.Marshal(e)
	return b
}

func TestHandle_DisarmEventCallsDisarmWithCode(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	l.handle(context.Background(), event(12, 111, 1, "1996"))
	if len(ctrl.disarmed) != 1 || ctrl.disarmed[0] != "1996" {
		t.Fatalf("disarmed = %v, want [1996]", ctrl.disarmed)
	}
}

func TestHandle_ArmAwayEventCallsArm(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	l.handle(context.Background(), event(12, 111, 2, "1996"))
	if len(ctrl.armed) != 1 || ctrl.armed[0] != "arm_away" {
		t.Fatalf("armed = %v, want [arm_away]", ctrl.armed)
	}
}

func TestHandle_IgnoresEventsForOtherNodes(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	l.handle(context.Background(), event(99, 111, 1, "1996"))
	if len(ctrl.disarmed) != 0 {
		t.Fatalf("disarmed = %v, want none", ctrl.disarmed)
	}
}

func TestHandle_UnmappedEventTypeIsDroppedNotPanicked(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	l.handle(context.Background(), event(12, 111, 99, "0000"))
	if len(ctrl.disarmed)+len(ctrl.armed)+ctrl.panics != 0 {
		t.Fatalf("expected no dispatch for unmapped event type")
	}
}

func TestHandle_MalformedPayloadIsDroppedNotPanicked(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	l.handle(context.Background(), json.RawMessage(`not json`))
	if len(ctrl.disarmed)+len(ctrl.armed)+ctrl.panics != 0 {
		t.Fatalf("expected no dispatch for malformed payload")
	}
}

func TestRun_StopsOnContextCancellation(t *testing.T) {
	ctrl := &fakeController{}
	l := NewListener(12, nil, ctrl, nil)
	events := make(chan json.RawMessage)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		l.Run(ctx, events)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not exit after cancellation")
	}
}
