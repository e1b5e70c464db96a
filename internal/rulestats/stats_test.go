package rulestats

import (
	"testing"
	"time"
)

func TestRecordTrigger_AccumulatesPerSourceAndTotal(t *testing.T) {
	s := New()
	now := time.Now()
	s.RecordTrigger("home_assistant", 3, now)
	s.RecordTrigger("home_assistant", 2, now.Add(time.Second))
	s.RecordTrigger("zigbee2mqtt", 1, now.Add(2*time.Second))

	snap := s.Snapshot()
	if snap.Triggered != 3 {
		t.Fatalf("Triggered = %d, want 3", snap.Triggered)
	}
	ha := snap.BySource["home_assistant"]
	if ha.Triggered != 2 || ha.EntitiesReceived != 5 {
		t.Fatalf("home_assistant stats = %+v", ha)
	}
	if snap.BySource["zigbee2mqtt"].Triggered != 1 {
		t.Fatalf("zigbee2mqtt stats = %+v", snap.BySource["zigbee2mqtt"])
	}
}

func TestRecordRulesResult_AccumulatesAcrossCalls(t *testing.T) {
	s := New()
	s.RecordRulesResult(5, 2, 3, 1)
	s.RecordRulesResult(4, 1, 1, 0)

	snap := s.Snapshot()
	if snap.RulesEvaluated != 9 || snap.RulesFired != 3 || snap.RulesScheduled != 4 || snap.RulesErrors != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestRecordSkipped_AccumulatesAcrossCalls(t *testing.T) {
	s := New()
	s.RecordSkipped(1, 2, 0)
	s.RecordSkipped(0, 1, 3)

	snap := s.Snapshot()
	if snap.SkippedCooldown != 1 || snap.SkippedEdge != 3 || snap.SkippedSuspended != 3 {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestReset_ZeroesEverything(t *testing.T) {
	s := New()
	s.RecordTrigger("home_assistant", 1, time.Now())
	s.RecordDedupe()
	s.RecordRateLimit()
	s.RecordDroppedBatch()
	s.RecordRulesResult(1, 1, 1, 1)
	s.RecordSkipped(1, 1, 1)

	s.Reset()
	snap := s.Snapshot()
	if snap.Triggered != 0 || snap.Deduped != 0 || snap.RateLimited != 0 || snap.DroppedBatches != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
	if len(snap.BySource) != 0 || snap.RulesEvaluated != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
	if snap.SkippedCooldown != 0 || snap.SkippedEdge != 0 || snap.SkippedSuspended != 0 {
		t.Fatalf("snapshot after reset = %+v", snap)
	}
}
