// Package notify implements the NotificationDispatcher capability as a
// durable SQLite-backed outbox: Enqueue persists a row and returns
// immediately, and a background drain loop sends pending rows through
// a provider registry, following the teacher's internal/opstate and
// internal/scheduler store idiom (CREATE TABLE IF NOT EXISTS, a single
// *sql.DB, database/sql directly rather than an ORM).
package notify

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Status values for a NotificationDelivery row.
const (
	StatusPending = "pending"
	StatusSent    = "sent"
	StatusFailed  = "failed"
)

// Provider sends one notification through a specific channel (webhook,
// push, SMS...). Implementations are registered under a provider_id.
type Provider interface {
	Send(ctx context.Context, message, title string, data map[string]any) error
}

// Delivery is one row of the notification_delivery table.
type Delivery struct {
	ID         string
	ProviderID string
	Message    string
	Title      string
	Data       map[string]any
	RuleName   string
	Status     string
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	SentAt     *time.Time
}

// Outbox is the SQLite-backed NotificationDispatcher implementation.
type Outbox struct {
	db     *sql.DB
	logger *slog.Logger

	providersMu sync.RWMutex
	providers   map[string]Provider

	maxAttempts int
}

// NewOutbox opens (creating if needed) the notification database.
func NewOutbox(dbPath string, logger *slog.Logger) (*Outbox, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("notify: open database: %w", err)
	}
	o := &Outbox{db: db, logger: logger, providers: map[string]Provider{}, maxAttempts: 5}
	if err := o.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("notify: migrate: %w", err)
	}
	return o, nil
}

// Close closes the underlying database.
func (o *Outbox) Close() error { return o.db.Close() }

func (o *Outbox) migrate() error {
	_, err := o.db.Exec(`
	CREATE TABLE IF NOT EXISTS notification_delivery (
		id          TEXT PRIMARY KEY,
		provider_id TEXT NOT NULL,
		message     TEXT NOT NULL,
		title       TEXT NOT NULL,
		data_json   TEXT NOT NULL,
		rule_name   TEXT NOT NULL,
		status      TEXT NOT NULL,
		attempts    INTEGER NOT NULL DEFAULT 0,
		last_error  TEXT NOT NULL DEFAULT '',
		created_at  TEXT NOT NULL,
		sent_at     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_notification_delivery_status ON notification_delivery(status);
	`)
	return err
}

// RegisterProvider wires a Provider under provider_id. Panics on a
// duplicate registration, matching internal/actions.Registry's policy
// for programmer-error wiring mistakes.
func (o *Outbox) RegisterProvider(providerID string, p Provider) {
	o.providersMu.Lock()
	defer o.providersMu.Unlock()
	if _, exists := o.providers[providerID]; exists {
		panic(fmt.Sprintf("notify: provider %q already registered", providerID))
	}
	o.providers[providerID] = p
}

// Enqueue implements gateways.NotificationDispatcher. It persists a
// pending row and returns immediately — success reflects "durably
// queued", not "delivered".
func (o *Outbox) Enqueue(ctx context.Context, providerID, message, title string, data map[string]any, ruleName string) (deliveryID string, success bool, errorCode string, err error) {
	if providerID == "" || message == "" {
		return "", false, "validation", fmt.Errorf("notify: provider_id and message are required")
	}

	id, genErr := uuid.NewV7()
	if genErr != nil {
		return "", false, "configuration_error", fmt.Errorf("notify: generate id: %w", genErr)
	}

	dataJSON, marshalErr := json.Marshal(data)
	if marshalErr != nil {
		return "", false, "validation", fmt.Errorf("notify: marshal data: %w", marshalErr)
	}

	_, execErr := o.db.ExecContext(ctx, `
		INSERT INTO notification_delivery (id, provider_id, message, title, data_json, rule_name, status, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '', ?)`,
		id.String(), providerID, message, title, string(dataJSON), ruleName, StatusPending, time.Now().UTC().Format(time.RFC3339),
	)
	if execErr != nil {
		return "", false, "gateway_error", fmt.Errorf("notify: insert delivery: %w", execErr)
	}
	return id.String(), true, "", nil
}

// RunDrainLoop sends pending deliveries through their registered
// provider on a fixed interval until ctx is cancelled. Intended to run
// as one long-lived goroutine from main, mirroring the rest of the
// repo's context-cancellable background loops.
func (o *Outbox) RunDrainLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainOnce(ctx)
		}
	}
}

func (o *Outbox) drainOnce(ctx context.Context) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT id, provider_id, message, title, data_json, rule_name, attempts
		FROM notification_delivery WHERE status = ? ORDER BY created_at LIMIT 50`, StatusPending)
	if err != nil {
		o.logger.Error("notify: drain query failed", "error", err)
		return
	}
	type row struct {
		id, providerID, message, title, dataJSON, ruleName string
		attempts                                           int
	}
	var pending []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.providerID, &r.message, &r.title, &r.dataJSON, &r.ruleName, &r.attempts); err != nil {
			o.logger.Error("notify: drain scan failed", "error", err)
			continue
		}
		pending = append(pending, r)
	}
	rows.Close()

	for _, r := range pending {
		var data map[string]any
		_ = json.Unmarshal([]byte(r.dataJSON), &data)

		o.providersMu.RLock()
		provider, ok := o.providers[r.providerID]
		o.providersMu.RUnlock()

		if !ok {
			o.markFailed(ctx, r.id, r.attempts+1, fmt.Sprintf("unknown provider %q", r.providerID))
			continue
		}

		sendCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err := provider.Send(sendCtx, r.message, r.title, data)
		cancel()
		if err != nil {
			attempts := r.attempts + 1
			if attempts >= o.maxAttempts {
				o.markFailed(ctx, r.id, attempts, err.Error())
			} else {
				o.markRetry(ctx, r.id, attempts, err.Error())
			}
			continue
		}
		o.markSent(ctx, r.id)
	}
}

func (o *Outbox) markSent(ctx context.Context, id string) {
	_, err := o.db.ExecContext(ctx, `UPDATE notification_delivery SET status = ?, sent_at = ?, attempts = attempts + 1 WHERE id = ?`,
		StatusSent, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		o.logger.Error("notify: mark sent failed", "id", id, "error", err)
	}
}

func (o *Outbox) markFailed(ctx context.Context, id string, attempts int, lastErr string) {
	_, err := o.db.ExecContext(ctx, `UPDATE notification_delivery SET status = ?, attempts = ?, last_error = ? WHERE id = ?`,
		StatusFailed, attempts, lastErr, id)
	if err != nil {
		o.logger.Error("notify: mark failed failed", "id", id, "error", err)
	}
}

func (o *Outbox) markRetry(ctx context.Context, id string, attempts int, lastErr string) {
	_, err := o.db.ExecContext(ctx, `UPDATE notification_delivery SET attempts = ?, last_error = ? WHERE id = ?`,
		attempts, lastErr, id)
	if err != nil {
		o.logger.Error("notify: mark retry failed", "id", id, "error", err)
	}
}

// ForRule returns deliveries enqueued for a rule, newest first. Useful
// for the admin surface and for tests.
func (o *Outbox) ForRule(ruleName string, limit int) ([]Delivery, error) {
	rows, err := o.db.Query(`
		SELECT id, provider_id, message, title, data_json, rule_name, status, attempts, last_error, created_at, sent_at
		FROM notification_delivery WHERE rule_name = ? ORDER BY created_at DESC LIMIT ?`, ruleName, limit)
	if err != nil {
		return nil, fmt.Errorf("notify: for rule: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		var d Delivery
		var dataJSON, createdAt string
		var sentAt sql.NullString
		if err := rows.Scan(&d.ID, &d.ProviderID, &d.Message, &d.Title, &dataJSON, &d.RuleName, &d.Status, &d.Attempts, &d.LastError, &createdAt, &sentAt); err != nil {
			return nil, fmt.Errorf("notify: scan delivery: %w", err)
		}
		_ = json.Unmarshal([]byte(dataJSON), &d.Data)
		d.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if sentAt.Valid {
			t, _ := time.Parse(time.RFC3339, sentAt.String)
			d.SentAt = &t
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
