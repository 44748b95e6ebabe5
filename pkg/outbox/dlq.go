package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// dlqPromotionThreshold is the failure count at which a poison message is
// promoted: third strike.
const dlqPromotionThreshold = 3

// DLQEntry is a poison-message record.
type DLQEntry struct {
	WorkspaceID   string    `json:"workspace_id"`
	MessageID     string    `json:"message_id"`
	FailureCount  int       `json:"failure_count"`
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	LastError     string    `json:"last_error,omitempty"`
	Promoted      bool      `json:"promoted"`
}

// RecordFailure increments the failure count for (workspace, message) and
// reports whether this failure crossed the promotion threshold. Promotion
// happens exactly once per entry.
func RecordFailure(ctx context.Context, tx *sql.Tx, workspaceID, messageID string, handlerErr error) (promoted bool, err error) {
	var count int
	var already bool
	err = tx.QueryRowContext(ctx, `
		INSERT INTO evt_dlq (workspace_id, message_id, failure_count, last_error)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (workspace_id, message_id) DO UPDATE SET
			failure_count = evt_dlq.failure_count + 1,
			last_failed_at = now(),
			last_error = EXCLUDED.last_error
		RETURNING failure_count, promoted`,
		workspaceID, messageID, handlerErr.Error(),
	).Scan(&count, &already)
	if err != nil {
		return false, fmt.Errorf("failed to record DLQ failure: %w", err)
	}

	if count < dlqPromotionThreshold || already {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE evt_dlq SET promoted = true
		WHERE workspace_id = $1 AND message_id = $2`,
		workspaceID, messageID,
	); err != nil {
		return false, fmt.Errorf("failed to mark DLQ entry promoted: %w", err)
	}
	return true, nil
}

// DLQBacklog counts unpromoted poison messages, for health checks.
func DLQBacklog(ctx context.Context, db *sql.DB) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evt_dlq WHERE NOT promoted`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count DLQ backlog: %w", err)
	}
	return n, nil
}

// OldestDLQAge returns the age of the oldest unpromoted entry, or zero when
// the DLQ is empty.
func OldestDLQAge(ctx context.Context, db *sql.DB) (time.Duration, error) {
	var first sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT MIN(first_failed_at) FROM evt_dlq WHERE NOT promoted`).Scan(&first)
	if err != nil {
		return 0, fmt.Errorf("failed to query DLQ age: %w", err)
	}
	if !first.Valid {
		return 0, nil
	}
	return time.Since(first.Time), nil
}
