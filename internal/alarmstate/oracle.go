// Package alarmstate is the AlarmStateOracle: a read-only view of the
// current alarm state, target state, and resolved timings. Arm/disarm
// use cases that actually drive transitions are external collaborators
// (see AlarmServices in internal/gateways); this package only tracks the
// single committed snapshot row that those collaborators write through
// CommitTransition.
package alarmstate

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentryd/internal/model"
)

// Oracle is the read-only interface ConditionEvaluator and the admin
// surface consume.
type Oracle interface {
	CurrentState() string
	Snapshot() (model.AlarmStateSnapshot, error)
}

// Store is the SQLite-backed, single-row AlarmStateSnapshot. Transitions
// are serialized by an exclusive lock; reads are snapshot-consistent.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("alarmstate: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("alarmstate: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS alarm_state_snapshot (
		id                     INTEGER PRIMARY KEY CHECK (id = 1),
		current_state          TEXT NOT NULL DEFAULT 'disarmed',
		previous_state         TEXT NOT NULL DEFAULT '',
		target_arming_state    TEXT NOT NULL DEFAULT '',
		profile_ref            TEXT NOT NULL DEFAULT '',
		entered_at             TEXT NOT NULL,
		exit_at                TEXT,
		last_transition_reason TEXT NOT NULL DEFAULT '',
		last_transition_by     TEXT NOT NULL DEFAULT ''
	);
	`)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`
		INSERT OR IGNORE INTO alarm_state_snapshot (id, current_state, entered_at)
		VALUES (1, 'disarmed', ?)`, time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// CurrentState implements Oracle.
func (s *Store) CurrentState() string {
	snap, err := s.Snapshot()
	if err != nil {
		return ""
	}
	return snap.CurrentState
}

// Snapshot implements Oracle.
func (s *Store) Snapshot() (model.AlarmStateSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`
		SELECT current_state, previous_state, target_arming_state, profile_ref,
		       entered_at, exit_at, last_transition_reason, last_transition_by
		FROM alarm_state_snapshot WHERE id = 1`)

	var snap model.AlarmStateSnapshot
	var enteredAt string
	var exitAt sql.NullString
	err := row.Scan(&snap.CurrentState, &snap.PreviousState, &snap.TargetArmingState, &snap.ProfileRef,
		&enteredAt, &exitAt, &snap.LastTransitionReason, &snap.LastTransitionBy)
	if err != nil {
		return model.AlarmStateSnapshot{}, fmt.Errorf("alarmstate: snapshot: %w", err)
	}
	snap.EnteredAt, _ = time.Parse(time.RFC3339Nano, enteredAt)
	if exitAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, exitAt.String)
		snap.ExitAt = &t
	}
	return snap, nil
}

// CommitTransition mutates the snapshot in place under the exclusive
// lock. Called by the (external) arm/disarm/trigger use cases; the
// dispatcher core only reads through Oracle.
func (s *Store) CommitTransition(toState, reason, by string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.currentStateLocked()
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err = s.db.Exec(`
		UPDATE alarm_state_snapshot SET
			previous_state = ?, current_state = ?, entered_at = ?,
			last_transition_reason = ?, last_transition_by = ?
		WHERE id = 1`, current, toState, now, reason, by)
	if err != nil {
		return fmt.Errorf("alarmstate: commit transition: %w", err)
	}
	return nil
}

func (s *Store) currentStateLocked() (string, error) {
	var state string
	err := s.db.QueryRow(`SELECT current_state FROM alarm_state_snapshot WHERE id = 1`).Scan(&state)
	return state, err
}
