// Package actionlog is an append-only record of every rule firing and its
// per-action results, following the single-SQLite-table, CREATE TABLE IF
// NOT EXISTS idiom shared by the other stores in this repo.
package actionlog

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentryd/internal/model"
	"github.com/nugget/sentryd/internal/rulestore"
)

// Store is the SQLite-backed action log.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the action log database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("actionlog: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("actionlog: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS action_log (
		id          TEXT PRIMARY KEY,
		rule_id     TEXT NOT NULL,
		rule_name   TEXT NOT NULL,
		fired_at    TEXT NOT NULL,
		results_json TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_action_log_rule_id ON action_log(rule_id);
	CREATE INDEX IF NOT EXISTS idx_action_log_fired_at ON action_log(fired_at);
	`)
	return err
}

// Append writes one firing's log entry, assigning it an ID if it doesn't
// already have one.
func (s *Store) Append(entry *model.ActionLogEntry) error {
	if entry.ID == "" {
		entry.ID = rulestore.NewID()
	}
	resultsJSON, err := json.Marshal(entry.Results)
	if err != nil {
		return fmt.Errorf("actionlog: marshal results: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO action_log (id, rule_id, rule_name, fired_at, results_json)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.RuleID, entry.RuleName, entry.FiredAt.UTC().Format(time.RFC3339Nano), string(resultsJSON))
	if err != nil {
		return fmt.Errorf("actionlog: append: %w", err)
	}
	return nil
}

// ForRule returns the most recent limit entries for ruleID, newest first.
func (s *Store) ForRule(ruleID string, limit int) ([]*model.ActionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, rule_id, rule_name, fired_at, results_json
		FROM action_log WHERE rule_id = ? ORDER BY fired_at DESC LIMIT ?`, ruleID, limit)
	if err != nil {
		return nil, fmt.Errorf("actionlog: for rule: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// Recent returns the most recent limit entries across all rules, newest
// first.
func (s *Store) Recent(limit int) ([]*model.ActionLogEntry, error) {
	rows, err := s.db.Query(`
		SELECT id, rule_id, rule_name, fired_at, results_json
		FROM action_log ORDER BY fired_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("actionlog: recent: %w", err)
	}
	defer rows.Close()
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]*model.ActionLogEntry, error) {
	var out []*model.ActionLogEntry
	for rows.Next() {
		var entry model.ActionLogEntry
		var firedAt, resultsJSON string
		if err := rows.Scan(&entry.ID, &entry.RuleID, &entry.RuleName, &firedAt, &resultsJSON); err != nil {
			return nil, fmt.Errorf("actionlog: scan: %w", err)
		}
		entry.FiredAt, _ = time.Parse(time.RFC3339Nano, firedAt)
		if err := json.Unmarshal([]byte(resultsJSON), &entry.Results); err != nil {
			return nil, fmt.Errorf("actionlog: unmarshal results: %w", err)
		}
		out = append(out, &entry)
	}
	return out, rows.Err()
}
