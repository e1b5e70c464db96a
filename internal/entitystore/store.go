// Package entitystore is the EntitySnapshot component: a SQLite-backed,
// read-mostly map of entity_id -> last_state with per-entity last_changed.
// The dispatcher reads a *targeted* subset (only entities referenced by
// impacted rules) rather than a full snapshot on every batch.
package entitystore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentryd/internal/model"
)

type Store struct {
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("entitystore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("entitystore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS entities (
		entity_id    TEXT PRIMARY KEY,
		domain       TEXT NOT NULL,
		name         TEXT NOT NULL DEFAULT '',
		source       TEXT NOT NULL DEFAULT '',
		last_state   TEXT NOT NULL DEFAULT '',
		last_changed TEXT NOT NULL,
		last_seen    TEXT NOT NULL
	);
	`)
	return err
}

// Upsert records a new observed state for entityID. Only the ingestion
// path calls this; the core never mutates entities any other way.
func (s *Store) Upsert(e model.Entity) error {
	if e.Domain == "" {
		e.Domain = model.DomainOf(e.EntityID)
	}
	now := time.Now().UTC()
	if e.LastSeen.IsZero() {
		e.LastSeen = now
	}
	_, err := s.db.Exec(`
		INSERT INTO entities (entity_id, domain, name, source, last_state, last_changed, last_seen)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_id) DO UPDATE SET
			name = excluded.name, source = excluded.source, last_state = excluded.last_state,
			last_changed = excluded.last_changed, last_seen = excluded.last_seen`,
		e.EntityID, e.Domain, e.Name, e.Source, e.LastState,
		e.LastChanged.UTC().Format(time.RFC3339Nano), e.LastSeen.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("entitystore: upsert %s: %w", e.EntityID, err)
	}
	return nil
}

// StatesFor returns entity_id -> last_state for exactly the requested ids
// (the "targeted snapshot" the dispatcher builds per batch). Unknown ids
// are simply absent from the result, not an error.
func (s *Store) StatesFor(entityIDs []string) (map[string]string, error) {
	out := map[string]string{}
	if len(entityIDs) == 0 {
		return out, nil
	}
	placeholders := make([]string, len(entityIDs))
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT entity_id, last_state FROM entities WHERE entity_id IN (%s)`, joinComma(placeholders))
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("entitystore: states for: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, state string
		if err := rows.Scan(&id, &state); err != nil {
			return nil, err
		}
		out[id] = state
	}
	return out, rows.Err()
}

func (s *Store) Get(entityID string) (*model.Entity, error) {
	row := s.db.QueryRow(`SELECT entity_id, domain, name, source, last_state, last_changed, last_seen FROM entities WHERE entity_id = ?`, entityID)
	var e model.Entity
	var lastChanged, lastSeen string
	err := row.Scan(&e.EntityID, &e.Domain, &e.Name, &e.Source, &e.LastState, &lastChanged, &lastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitystore: get %s: %w", entityID, err)
	}
	e.LastChanged, _ = time.Parse(time.RFC3339Nano, lastChanged)
	e.LastSeen, _ = time.Parse(time.RFC3339Nano, lastSeen)
	return &e, nil
}

func joinComma(parts []string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += ","
		}
		out += p
	}
	return out
}
