// Package detectionstore is the DetectionStore component: recent camera
// detections indexed by camera and time, with upsert-on-duplicate-event
// semantics for (provider, event_id).
package detectionstore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/model"
)

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("detectionstore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("detectionstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS detections (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		provider       TEXT NOT NULL,
		event_id       TEXT NOT NULL DEFAULT '',
		label          TEXT NOT NULL,
		camera         TEXT NOT NULL,
		zones_json     TEXT NOT NULL DEFAULT '[]',
		confidence_pct REAL NOT NULL,
		observed_at    TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_detections_camera_time ON detections(camera, observed_at);
	`)
	return err
}

// Upsert stores a detection. When event_id is non-empty and a detection
// with the same (provider, event_id) already exists, the higher
// confidence_pct wins; otherwise the row is inserted as a new observation.
func (s *Store) Upsert(d model.Detection) error {
	zones, err := json.Marshal(d.Zones)
	if err != nil {
		return fmt.Errorf("detectionstore: marshal zones: %w", err)
	}

	if d.EventID != "" {
		var existingConfidence float64
		err := s.db.QueryRow(`SELECT confidence_pct FROM detections WHERE provider = ? AND event_id = ?`,
			d.Provider, d.EventID).Scan(&existingConfidence)
		if err == nil && existingConfidence >= d.ConfidencePct {
			return nil
		}
		if err == nil {
			_, err = s.db.Exec(`
				UPDATE detections SET label = ?, camera = ?, zones_json = ?, confidence_pct = ?, observed_at = ?
				WHERE provider = ? AND event_id = ?`,
				d.Label, d.Camera, string(zones), d.ConfidencePct, d.ObservedAt.UTC().Format(time.RFC3339Nano),
				d.Provider, d.EventID)
			if err != nil {
				return fmt.Errorf("detectionstore: update %s/%s: %w", d.Provider, d.EventID, err)
			}
			return nil
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("detectionstore: lookup %s/%s: %w", d.Provider, d.EventID, err)
		}
	}

	_, err = s.db.Exec(`
		INSERT INTO detections (provider, event_id, label, camera, zones_json, confidence_pct, observed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Provider, d.EventID, d.Label, d.Camera, string(zones), d.ConfidencePct,
		d.ObservedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("detectionstore: insert: %w", err)
	}
	return nil
}

// Recent implements condeval.DetectionSource: detections observed at or
// after since, across all cameras/labels (the evaluator filters further).
func (s *Store) Recent(since time.Time) []condeval.Detection {
	rows, err := s.db.Query(`
		SELECT camera, zones_json, confidence_pct, observed_at FROM detections WHERE observed_at >= ?`,
		since.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil
	}
	defer rows.Close()

	var out []condeval.Detection
	for rows.Next() {
		var camera, zonesJSON, observedAt string
		var confidence float64
		if err := rows.Scan(&camera, &zonesJSON, &confidence, &observedAt); err != nil {
			continue
		}
		var zones []string
		json.Unmarshal([]byte(zonesJSON), &zones)
		observed, _ := time.Parse(time.RFC3339Nano, observedAt)
		out = append(out, condeval.Detection{
			Camera:        camera,
			Zones:         zones,
			ConfidencePct: confidence,
			ObservedAt:    observed,
		})
	}
	return out
}
