// Package rulestore is the RuleRepository: SQLite-backed storage of
// enabled rules with their condition tree, action list, kind, priority,
// cooldown, and entity references. The schema/migration/ID idiom follows
// the teacher's internal/scheduler/store.go.
package rulestore

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/nugget/sentryd/internal/apperr"
	"github.com/nugget/sentryd/internal/condeval"
	"github.com/nugget/sentryd/internal/model"
)

// Store is the SQLite-backed rule repository.
type Store struct {
	db *sql.DB
}

// NewStore opens (and migrates) the rule database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("rulestore: open: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("rulestore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS rules (
		id               TEXT PRIMARY KEY,
		name             TEXT NOT NULL,
		kind             TEXT NOT NULL,
		enabled          INTEGER NOT NULL DEFAULT 1,
		priority         INTEGER NOT NULL DEFAULT 0,
		schema_version   INTEGER NOT NULL DEFAULT 1,
		definition_json  TEXT NOT NULL,
		cooldown_seconds INTEGER,
		created_by       TEXT NOT NULL DEFAULT '',
		created_by_admin INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		updated_at       TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS rule_entity_refs (
		rule_id   TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		PRIMARY KEY (rule_id, entity_id)
	);
	CREATE INDEX IF NOT EXISTS idx_rule_entity_refs_entity ON rule_entity_refs(entity_id);
	`)
	return err
}

// NewID mints a new rule id, matching the teacher's UUIDv7-with-fallback
// convention.
func NewID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.New().String()
}

// Upsert validates definition.When, derives kind when empty, extracts (or
// unions with explicit) entity_ids, and stores the rule plus its entity
// refs in one transaction. It returns *apperr.Error(validation) on a
// malformed condition tree.
func (s *Store) Upsert(r *model.Rule, explicitEntityIDs []string) error {
	if r.ID == "" {
		r.ID = NewID()
	}
	if errs := condeval.Validate(r.When); len(errs) > 0 {
		details := map[string]any{}
		for _, e := range errs {
			details[e.Field] = e.Message
		}
		return apperr.Validation(details, "invalid rule definition")
	}
	condeval.AssignNodeIDs(r.When)

	if r.Kind == "" {
		r.Kind = model.DeriveKind(r.Then)
	}

	entityIDs := unionEntityIDs(condeval.ExtractEntityIDs(r.When), explicitEntityIDs)

	defJSON, err := json.Marshal(model.Definition{When: r.When, Then: r.Then})
	if err != nil {
		return fmt.Errorf("rulestore: marshal definition: %w", err)
	}

	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("rulestore: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO rules (id, name, kind, enabled, priority, schema_version, definition_json,
		                    cooldown_seconds, created_by, created_by_admin, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name, kind = excluded.kind, enabled = excluded.enabled,
			priority = excluded.priority, schema_version = excluded.schema_version,
			definition_json = excluded.definition_json, cooldown_seconds = excluded.cooldown_seconds,
			created_by = excluded.created_by, created_by_admin = excluded.created_by_admin,
			updated_at = excluded.updated_at`,
		r.ID, r.Name, string(r.Kind), boolToInt(r.Enabled), r.Priority, r.SchemaVersion, string(defJSON),
		nullableInt(r.CooldownSeconds), r.CreatedBy, boolToInt(r.CreatedByAdmin),
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("rulestore: upsert rule: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM rule_entity_refs WHERE rule_id = ?`, r.ID); err != nil {
		return fmt.Errorf("rulestore: clear entity refs: %w", err)
	}
	for _, id := range entityIDs {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO rule_entity_refs (rule_id, entity_id) VALUES (?, ?)`, r.ID, id); err != nil {
			return fmt.Errorf("rulestore: insert entity ref: %w", err)
		}
	}

	return tx.Commit()
}

// unionEntityIDs merges extracted and explicit ids, deduplicated.
func unionEntityIDs(extracted, explicit []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, id := range append(append([]string{}, extracted...), explicit...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// Get returns a single rule by id, or (nil, nil) if not found.
func (s *Store) Get(id string) (*model.Rule, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, enabled, priority, schema_version, definition_json,
		       cooldown_seconds, created_by, created_by_admin, created_at, updated_at
		FROM rules WHERE id = ?`, id)
	return scanRule(row)
}

// ListEnabled returns every enabled rule, sorted by (descending priority,
// ascending id) — the RulesEngine's evaluation order.
func (s *Store) ListEnabled() ([]*model.Rule, error) {
	return s.list(`WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
}

// ListAll returns every rule, narrowed to kind and/or enabled when those
// are non-nil.
func (s *Store) ListAll(kind *model.RuleKind, enabled *bool) ([]*model.Rule, error) {
	where := ""
	args := []any{}
	if kind != nil {
		where += " WHERE kind = ?"
		args = append(args, string(*kind))
	}
	if enabled != nil {
		if where == "" {
			where += " WHERE"
		} else {
			where += " AND"
		}
		where += " enabled = ?"
		args = append(args, boolToInt(*enabled))
	}
	where += " ORDER BY priority DESC, id ASC"
	return s.list(where, args...)
}

func (s *Store) list(where string, args ...any) ([]*model.Rule, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, enabled, priority, schema_version, definition_json,
		       cooldown_seconds, created_by, created_by_admin, created_at, updated_at
		FROM rules `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("rulestore: list: %w", err)
	}
	defer rows.Close()

	var out []*model.Rule
	for rows.Next() {
		r, err := scanRuleRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EntityIDsFor returns the entity_ids referenced by rule.
func (s *Store) EntityIDsFor(ruleID string) ([]string, error) {
	rows, err := s.db.Query(`SELECT entity_id FROM rule_entity_refs WHERE rule_id = ?`, ruleID)
	if err != nil {
		return nil, fmt.Errorf("rulestore: entity ids for %s: %w", ruleID, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RuleIDsForEntities returns the distinct rule_ids referencing any of
// entityIDs, straight from rule_entity_refs. The EntityRuleIndex is
// rebuilt from AllEntityRefs, not from this query.
func (s *Store) RuleIDsForEntities(entityIDs []string) ([]string, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(entityIDs))
	args := make([]any, len(entityIDs))
	for i, id := range entityIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	q := fmt.Sprintf(`SELECT DISTINCT rule_id FROM rule_entity_refs WHERE entity_id IN (%s)`, joinComma(placeholders))
	rows, err := s.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("rulestore: rule ids for entities: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// AllEntityRefs returns the full (rule_id -> entity_ids) map, used to
// rebuild the EntityRuleIndex from scratch.
func (s *Store) AllEntityRefs() (map[string][]string, error) {
	rows, err := s.db.Query(`SELECT rule_id, entity_id FROM rule_entity_refs`)
	if err != nil {
		return nil, fmt.Errorf("rulestore: all entity refs: %w", err)
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var ruleID, entityID string
		if err := rows.Scan(&ruleID, &entityID); err != nil {
			return nil, err
		}
		out[ruleID] = append(out[ruleID], entityID)
	}
	return out, rows.Err()
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row *sql.Row) (*model.Rule, error) {
	r, err := scanRuleGeneric(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return r, err
}

func scanRuleRows(rows *sql.Rows) (*model.Rule, error) {
	return scanRuleGeneric(rows)
}

func scanRuleGeneric(s rowScanner) (*model.Rule, error) {
	var r model.Rule
	var kind, createdAt, updatedAt, defJSON string
	var enabled, createdByAdmin int
	var cooldown sql.NullInt64
	if err := s.Scan(&r.ID, &r.Name, &kind, &enabled, &r.Priority, &r.SchemaVersion, &defJSON,
		&cooldown, &r.CreatedBy, &createdByAdmin, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Kind = model.RuleKind(kind)
	r.Enabled = enabled != 0
	r.CreatedByAdmin = createdByAdmin != 0
	if cooldown.Valid {
		v := int(cooldown.Int64)
		r.CooldownSeconds = &v
	}
	r.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)

	var def model.Definition
	if err := json.Unmarshal([]byte(defJSON), &def); err != nil {
		return nil, fmt.Errorf("rulestore: unmarshal definition %s: %w", r.ID, err)
	}
	r.When = def.When
	r.Then = def.Then
	condeval.AssignNodeIDs(r.When)
	return &r, nil
}

func boolToInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
