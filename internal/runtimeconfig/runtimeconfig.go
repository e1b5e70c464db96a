// Package runtimeconfig persists config.RuntimeSettings through
// internal/opstate's namespaced key-value store (namespace "sentryd",
// key "runtime_settings") and exposes the admin-mutable subset the HTTP
// API patches: retention windows and live dispatcher tuning. Read-modify
// write is serialized by an in-process mutex, matching the teacher's
// internal/opstate callers' convention for small, infrequently-written
// settings documents.
package runtimeconfig

import (
	"encoding/json"
	"sync"

	"github.com/nugget/sentryd/internal/config"
	"github.com/nugget/sentryd/internal/dispatcher"
	"github.com/nugget/sentryd/internal/opstate"
)

const (
	namespace = "sentryd"
	key       = "runtime_settings"
)

// Store is the live, admin-mutable RuntimeSettings document, backed by
// opstate for persistence and held in memory for fast reads.
type Store struct {
	opstate *opstate.Store

	mu       sync.RWMutex
	settings config.RuntimeSettings
}

// Load reads the persisted settings document, falling back to documented
// defaults when nothing has been persisted yet.
func Load(os *opstate.Store) (*Store, error) {
	s := &Store{opstate: os, settings: config.DefaultRuntimeSettings()}

	raw, err := os.Get(namespace, key)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return s, nil
	}
	if err := json.Unmarshal([]byte(raw), &s.settings); err != nil {
		return nil, err
	}
	return s, nil
}

// Settings returns a copy of the current settings.
func (s *Store) Settings() config.RuntimeSettings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.settings
}

// DispatcherConfig derives a normalized dispatcher.Config from the
// current settings' free-form Dispatcher tuning map.
func (s *Store) DispatcherConfig() dispatcher.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return dispatcher.NormalizeConfig(s.settings.Dispatcher)
}

// Current implements api.RuntimeConfigSource, returning the settings as
// a generic map for JSON responses.
func (s *Store) Current() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"events_retention_days":       s.settings.EventsRetentionDays,
		"rule_logs_retention_days":    s.settings.RuleLogsRetentionDays,
		"entity_sync_interval_seconds": s.settings.EntitySyncIntervalSeconds,
		"dispatcher":                  s.settings.Dispatcher,
	}
}

// Update implements api.RuntimeConfigSource: merges patch into the
// in-memory settings (recognized top-level keys only) and persists the
// result.
func (s *Store) Update(patch map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if v, ok := intField(patch, "events_retention_days"); ok {
		s.settings.EventsRetentionDays = v
	}
	if v, ok := intField(patch, "rule_logs_retention_days"); ok {
		s.settings.RuleLogsRetentionDays = v
	}
	if v, ok := intField(patch, "entity_sync_interval_seconds"); ok {
		s.settings.EntitySyncIntervalSeconds = v
	}
	if v, ok := patch["dispatcher"].(map[string]any); ok {
		s.settings.Dispatcher = v
	}

	data, err := json.Marshal(s.settings)
	if err != nil {
		return err
	}
	return s.opstate.Set(namespace, key, string(data))
}

func intField(patch map[string]any, key string) (int, bool) {
	v, ok := patch[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return int(n), true
	case int:
		return n, true
	default:
		return 0, false
	}
}
