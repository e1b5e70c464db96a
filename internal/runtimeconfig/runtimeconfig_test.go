package runtimeconfig

import (
	"path/filepath"
	"testing"

	"github.com/nugget/sentryd/internal/opstate"
)

func newTestOpstate(t *testing.T) *opstate.Store {
	t.Helper()
	store, err := opstate.NewStore(filepath.Join(t.TempDir(), "opstate.db"))
	if err != nil {
		t.Fatalf("opstate.NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLoad_FallsBackToDefaultsWhenUnset(t *testing.T) {
	s, err := Load(newTestOpstate(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s.Settings().EventsRetentionDays != 30 {
		t.Fatalf("EventsRetentionDays = %d, want 30", s.Settings().EventsRetentionDays)
	}
}

func TestUpdate_PersistsAcrossReload(t *testing.T) {
	os := newTestOpstate(t)
	s, err := Load(os)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.Update(map[string]any{"events_retention_days": float64(90)}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	reloaded, err := Load(os)
	if err != nil {
		t.Fatalf("reload Load() error = %v", err)
	}
	if reloaded.Settings().EventsRetentionDays != 90 {
		t.Fatalf("EventsRetentionDays = %d, want 90", reloaded.Settings().EventsRetentionDays)
	}
}

func TestUpdate_IgnoresUnrecognizedKeys(t *testing.T) {
	s, err := Load(newTestOpstate(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.Update(map[string]any{"bogus_field": "nonsense"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if s.Settings().EventsRetentionDays != 30 {
		t.Fatalf("EventsRetentionDays changed unexpectedly: %+v", s.Settings())
	}
}

func TestDispatcherConfig_NormalizesFromMap(t *testing.T) {
	s, err := Load(newTestOpstate(t))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := s.Update(map[string]any{"dispatcher": map[string]any{"worker_concurrency": float64(8)}}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	cfg := s.DispatcherConfig()
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("WorkerConcurrency = %d, want 8", cfg.WorkerConcurrency)
	}
}
