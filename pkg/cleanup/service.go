// Package cleanup removes derived rows past their retention windows. Events
// are immutable and never deleted; cleanup touches only rebuildable state
// (old retried outbox rows, rate buckets, promoted DLQ entries) and expired
// auth sessions.
package cleanup

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/codeready-toolchain/conductor/pkg/config"
)

// Service runs retention cleanup, scheduled by the cron heart.
type Service struct {
	db  *sql.DB
	cfg config.RetentionConfig
}

// NewService creates a cleanup service.
func NewService(db *sql.DB, cfg config.RetentionConfig) *Service {
	return &Service{db: db, cfg: cfg}
}

// Run performs one retention pass and logs what it removed.
func (s *Service) Run(ctx context.Context) error {
	outbox, err := s.exec(ctx, `
		DELETE FROM evt_outbox
		WHERE attempts > 0 AND created_at < now() - $1::interval
		  AND available_at > now()`,
		s.cfg.DrainedOutboxTTL.String())
	if err != nil {
		return fmt.Errorf("failed to clean outbox: %w", err)
	}

	buckets, err := s.exec(ctx, `
		DELETE FROM rate_limit_buckets
		WHERE window_start < now() - $1::interval`,
		s.cfg.RateBucketTTL.String())
	if err != nil {
		return fmt.Errorf("failed to clean rate buckets: %w", err)
	}

	dlq, err := s.exec(ctx, `
		DELETE FROM evt_dlq
		WHERE promoted AND last_failed_at < now() - $1::interval`,
		s.cfg.ClosedIncidentDLQ.String())
	if err != nil {
		return fmt.Errorf("failed to clean DLQ: %w", err)
	}

	sessions, err := s.exec(ctx, `
		DELETE FROM auth_sessions WHERE expires_at < now()`)
	if err != nil {
		return fmt.Errorf("failed to clean expired sessions: %w", err)
	}

	if outbox+buckets+dlq+sessions > 0 {
		slog.Info("Retention cleanup complete",
			"outbox_rows", outbox, "rate_buckets", buckets,
			"dlq_rows", dlq, "auth_sessions", sessions)
	}
	return nil
}

func (s *Service) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
