package entitystore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/nugget/sentryd/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "entities.db"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUpsert_DerivesDomainFromEntityID(t *testing.T) {
	store := newTestStore(t)
	err := store.Upsert(model.Entity{EntityID: "binary_sensor.front_door", LastState: "on", LastChanged: time.Now()})
	if err != nil {
		t.Fatalf("Upsert() error = %v", err)
	}
	e, err := store.Get("binary_sensor.front_door")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if e.Domain != "binary_sensor" {
		t.Fatalf("Domain = %q, want binary_sensor", e.Domain)
	}
}

func TestStatesFor_ReturnsOnlyRequestedKnownEntities(t *testing.T) {
	store := newTestStore(t)
	store.Upsert(model.Entity{EntityID: "binary_sensor.a", LastState: "on", LastChanged: time.Now()})
	store.Upsert(model.Entity{EntityID: "binary_sensor.b", LastState: "off", LastChanged: time.Now()})

	states, err := store.StatesFor([]string{"binary_sensor.a", "binary_sensor.missing"})
	if err != nil {
		t.Fatalf("StatesFor() error = %v", err)
	}
	if len(states) != 1 || states["binary_sensor.a"] != "on" {
		t.Fatalf("StatesFor() = %v, want {binary_sensor.a: on}", states)
	}
}
