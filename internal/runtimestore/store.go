// Package runtimestore persists RuleRuntimeState: the per-rule, per-node
// mutable facts (last fired time, edge-trigger tri-state, continuity
// transitions, and circuit-breaker counters) that make rule evaluation
// stateful across dispatches. The storage idiom — a single SQLite table,
// opened once, migrated with CREATE TABLE IF NOT EXISTS — follows the
// teacher's internal/opstate and internal/scheduler stores.
package runtimestore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// State is one (rule_id, node_id) row. LastWhenMatched is tri-state:
// nil means "never evaluated". The rules engine treats nil as false, so a
// first evaluation that matches counts as a false->true edge.
type State struct {
	RuleID               string
	NodeID               string
	LastFiredAt          *time.Time
	LastWhenMatched      *bool
	LastWhenTransitionAt *time.Time
	ConsecutiveFailures  int
	LastFailureAt        *time.Time
	NextAllowedAt        *time.Time
	ErrorSuspended       bool
	LastError            string
}

// Store is the SQLite-backed RuleRuntimeState table.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the runtime-state database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("runtimestore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("runtimestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rule_runtime_state (
		rule_id                  TEXT NOT NULL,
		node_id                  TEXT NOT NULL,
		last_fired_at            TEXT,
		last_when_matched        INTEGER,
		last_when_transition_at  TEXT,
		consecutive_failures     INTEGER NOT NULL DEFAULT 0,
		last_failure_at          TEXT,
		next_allowed_at          TEXT,
		error_suspended          INTEGER NOT NULL DEFAULT 0,
		last_error               TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (rule_id, node_id)
	);
	`)
	return err
}

// GetOrCreate loads a state row, creating (but not yet persisting) a zero
// State if none exists. The caller mutates the returned pointer and calls
// Save to persist it; this matches the "load/create" step of the
// dispatcher's per-rule algorithm.
func (s *Store) GetOrCreate(ruleID, nodeID string) (*State, error) {
	st, err := s.get(ruleID, nodeID)
	if err != nil {
		return nil, err
	}
	if st != nil {
		return st, nil
	}
	return &State{RuleID: ruleID, NodeID: nodeID}, nil
}

func (s *Store) get(ruleID, nodeID string) (*State, error) {
	row := s.db.QueryRow(`
		SELECT rule_id, node_id, last_fired_at, last_when_matched, last_when_transition_at,
		       consecutive_failures, last_failure_at, next_allowed_at, error_suspended, last_error
		FROM rule_runtime_state WHERE rule_id = ? AND node_id = ?`, ruleID, nodeID)
	return scanState(row)
}

func scanState(row *sql.Row) (*State, error) {
	var st State
	var lastFired, lastTransition, lastFailure, nextAllowed sql.NullString
	var matched sql.NullInt64
	var suspended int
	err := row.Scan(&st.RuleID, &st.NodeID, &lastFired, &matched, &lastTransition,
		&st.ConsecutiveFailures, &lastFailure, &nextAllowed, &suspended, &st.LastError)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runtimestore: scan: %w", err)
	}
	st.ErrorSuspended = suspended != 0
	st.LastFiredAt = parseNullTime(lastFired)
	st.LastWhenTransitionAt = parseNullTime(lastTransition)
	st.LastFailureAt = parseNullTime(lastFailure)
	st.NextAllowedAt = parseNullTime(nextAllowed)
	if matched.Valid {
		b := matched.Int64 != 0
		st.LastWhenMatched = &b
	}
	return &st, nil
}

// Save upserts a State row in a single write.
func (s *Store) Save(st *State) error {
	_, err := s.db.Exec(`
		INSERT INTO rule_runtime_state
			(rule_id, node_id, last_fired_at, last_when_matched, last_when_transition_at,
			 consecutive_failures, last_failure_at, next_allowed_at, error_suspended, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (rule_id, node_id) DO UPDATE SET
			last_fired_at = excluded.last_fired_at,
			last_when_matched = excluded.last_when_matched,
			last_when_transition_at = excluded.last_when_transition_at,
			consecutive_failures = excluded.consecutive_failures,
			last_failure_at = excluded.last_failure_at,
			next_allowed_at = excluded.next_allowed_at,
			error_suspended = excluded.error_suspended,
			last_error = excluded.last_error`,
		st.RuleID, st.NodeID, formatNullTime(st.LastFiredAt), formatNullBool(st.LastWhenMatched),
		formatNullTime(st.LastWhenTransitionAt), st.ConsecutiveFailures, formatNullTime(st.LastFailureAt),
		formatNullTime(st.NextAllowedAt), boolToInt(st.ErrorSuspended), st.LastError,
	)
	if err != nil {
		return fmt.Errorf("runtimestore: save %s/%s: %w", st.RuleID, st.NodeID, err)
	}
	return nil
}

// SuspendedRow is a suspended RuleRuntimeState row for the
// suspended_rules_list operational API.
type SuspendedRow struct {
	State
}

// ListSuspended returns every row with error_suspended = true.
func (s *Store) ListSuspended() ([]SuspendedRow, error) {
	rows, err := s.db.Query(`
		SELECT rule_id, node_id, last_fired_at, last_when_matched, last_when_transition_at,
		       consecutive_failures, last_failure_at, next_allowed_at, error_suspended, last_error
		FROM rule_runtime_state WHERE error_suspended = 1`)
	if err != nil {
		return nil, fmt.Errorf("runtimestore: list suspended: %w", err)
	}
	defer rows.Close()

	var out []SuspendedRow
	for rows.Next() {
		var st State
		var lastFired, lastTransition, lastFailure, nextAllowed sql.NullString
		var matched sql.NullInt64
		var suspended int
		if err := rows.Scan(&st.RuleID, &st.NodeID, &lastFired, &matched, &lastTransition,
			&st.ConsecutiveFailures, &lastFailure, &nextAllowed, &suspended, &st.LastError); err != nil {
			return nil, fmt.Errorf("runtimestore: scan suspended: %w", err)
		}
		st.ErrorSuspended = suspended != 0
		st.LastFiredAt = parseNullTime(lastFired)
		st.LastWhenTransitionAt = parseNullTime(lastTransition)
		st.LastFailureAt = parseNullTime(lastFailure)
		st.NextAllowedAt = parseNullTime(nextAllowed)
		if matched.Valid {
			b := matched.Int64 != 0
			st.LastWhenMatched = &b
		}
		out = append(out, SuspendedRow{st})
	}
	return out, rows.Err()
}

// ClearSuspension resets error_suspended, consecutive_failures, and
// next_allowed_at on the rule's "when" node. Returns sql.ErrNoRows if no
// such suspension exists.
func (s *Store) ClearSuspension(ruleID string) error {
	res, err := s.db.Exec(`
		UPDATE rule_runtime_state
		SET error_suspended = 0, consecutive_failures = 0, next_allowed_at = NULL
		WHERE rule_id = ? AND node_id = 'when' AND error_suspended = 1`, ruleID)
	if err != nil {
		return fmt.Errorf("runtimestore: clear suspension %s: %w", ruleID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func formatNullBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: boolToInt(*b), Valid: true}
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}
