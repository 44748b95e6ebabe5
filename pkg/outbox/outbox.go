// Package outbox implements the transactional work queue co-written with
// events and drained by automation workers, plus the poison-message DLQ.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ErrNoEntriesAvailable is returned by ClaimNext when no outbox row is ready.
var ErrNoEntriesAvailable = errors.New("no outbox entries available")

// Bindings maps event types to the automation handlers that must run for
// them. Events without bindings produce no outbox rows.
type Bindings map[string][]string

// Entry is a claimed outbox row.
type Entry struct {
	ID          int64
	WorkspaceID string
	EventID     string
	EventType   string
	Handler     string
	Attempts    int
	CreatedAt   time.Time
}

// Enqueue writes one outbox row per bound handler inside the producing
// transaction, so the rows commit atomically with the event.
func Enqueue(ctx context.Context, tx *sql.Tx, e *models.Event, bindings Bindings) error {
	for _, handler := range bindings[e.EventType] {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO evt_outbox (workspace_id, event_id, event_type, handler)
			VALUES ($1, $2, $3, $4)`,
			e.WorkspaceID, e.EventID, e.EventType, handler,
		); err != nil {
			return fmt.Errorf("failed to enqueue outbox row for %s: %w", handler, err)
		}
	}
	return nil
}

// ClaimNext locks the oldest available row with SKIP LOCKED so parallel
// workers drain independent rows. The row stays locked until the caller's
// transaction ends; Delete on success, Retry on failure.
func ClaimNext(ctx context.Context, tx *sql.Tx) (*Entry, error) {
	entry := &Entry{}
	err := tx.QueryRowContext(ctx, `
		SELECT id, workspace_id, event_id, event_type, handler, attempts, created_at
		FROM evt_outbox
		WHERE available_at <= now()
		ORDER BY id ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED`,
	).Scan(&entry.ID, &entry.WorkspaceID, &entry.EventID, &entry.EventType,
		&entry.Handler, &entry.Attempts, &entry.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoEntriesAvailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox entry: %w", err)
	}
	return entry, nil
}

// Delete removes a drained row after its handler succeeded.
func Delete(ctx context.Context, tx *sql.Tx, id int64) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM evt_outbox WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to delete outbox entry: %w", err)
	}
	return nil
}

// Retry reschedules a failed row with linear backoff and records the error.
func Retry(ctx context.Context, tx *sql.Tx, id int64, attempts int, handlerErr error) error {
	backoff := time.Duration(attempts+1) * 5 * time.Second
	if _, err := tx.ExecContext(ctx, `
		UPDATE evt_outbox SET
			attempts = attempts + 1,
			available_at = now() + $2::interval,
			last_error = $3
		WHERE id = $1`,
		id, backoff.String(), handlerErr.Error(),
	); err != nil {
		return fmt.Errorf("failed to reschedule outbox entry: %w", err)
	}
	return nil
}

// Backlog returns the number of rows currently waiting, for health checks.
func Backlog(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_outbox WHERE available_at <= now()`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count outbox backlog: %w", err)
	}
	return n, nil
}
