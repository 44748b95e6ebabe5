// Package ratelimit implements the hierarchical rate limiter: DB-backed
// window counters per tier, an in-process global token bucket, and flood
// detection that opens one agent_flooding incident per streak.
package ratelimit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Scope names reported in 429 details.
const (
	ScopeAgentMinute      = "agent_per_minute"
	ScopeAgentHour        = "agent_per_hour"
	ScopeExperimentHour   = "experiment_per_hour"
	ScopeGlobalMinute     = "global_per_minute"
)

// RateLimitedError reports which tier rejected the request.
type RateLimitedError struct {
	Scope string
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: %s", e.Scope)
}

// Limiter checks the tier hierarchy for each mutation. Idempotent replays
// bypass the limiter entirely — the caller short-circuits before checking.
type Limiter struct {
	kernel *kernel.Kernel
	cfg    config.RateLimitConfig

	// global is the in-process token bucket for the global per-minute tier.
	// It is a fast pre-filter; the DB windows remain authoritative across
	// replicas.
	global *rate.Limiter
	now    func() time.Time
}

// NewLimiter creates a Limiter.
func NewLimiter(k *kernel.Kernel, cfg config.RateLimitConfig) *Limiter {
	perSecond := rate.Limit(float64(cfg.GlobalPerMinute) / 60.0)
	return &Limiter{
		kernel: k,
		cfg:    cfg,
		global: rate.NewLimiter(perSecond, cfg.GlobalPerMinute),
		now:    time.Now,
	}
}

// Check enforces every applicable tier for one mutation. An empty experimentID
// skips the experiment tier. On rejection the per-agent streak advances and
// may open a flooding incident; on success the streak resets.
func (l *Limiter) Check(ctx context.Context, workspaceID, agentID, experimentID string) error {
	if !l.global.Allow() {
		return l.reject(ctx, workspaceID, agentID, ScopeGlobalMinute)
	}

	type tier struct {
		scope  string
		key    string
		window time.Duration
		limit  int
	}
	tiers := []tier{
		{ScopeAgentMinute, workspaceID + ":" + agentID, time.Minute, l.cfg.AgentPerMinute},
		{ScopeAgentHour, workspaceID + ":" + agentID, time.Hour, l.cfg.AgentPerHour},
	}
	if experimentID != "" {
		tiers = append(tiers, tier{ScopeExperimentHour, workspaceID + ":" + experimentID, time.Hour, l.cfg.ExperimentPerHour})
	}

	for _, t := range tiers {
		count, err := l.increment(ctx, t.scope, t.key, WindowStart(l.now(), t.window))
		if err != nil {
			return err
		}
		if count > t.limit {
			return l.reject(ctx, workspaceID, agentID, t.scope)
		}
	}

	return l.resetStreak(ctx, workspaceID, agentID)
}

// WindowStart truncates now to the window boundary.
func WindowStart(now time.Time, window time.Duration) time.Time {
	return now.UTC().Truncate(window)
}

func (l *Limiter) increment(ctx context.Context, scope, key string, windowStart time.Time) (int, error) {
	var count int
	err := l.kernel.DB().QueryRowContext(ctx, `
		INSERT INTO rate_limit_buckets (scope, bucket_key, window_start, request_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (scope, bucket_key, window_start)
		DO UPDATE SET request_count = rate_limit_buckets.request_count + 1
		RETURNING request_count`,
		scope, key, windowStart).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to increment rate bucket: %w", err)
	}
	return count, nil
}

// reject advances the streak and, at the threshold, opens one agent_flooding
// incident muted for the configured window. The incident write is
// best-effort: a failure never masks the 429.
func (l *Limiter) reject(ctx context.Context, workspaceID, agentID, scope string) error {
	streakKey := workspaceID + ":" + agentID

	var streak int
	var mutedUntil sql.NullTime
	err := l.kernel.DB().QueryRowContext(ctx, `
		INSERT INTO rate_limit_streaks (scope, bucket_key, streak)
		VALUES ('flood', $1, 1)
		ON CONFLICT (scope, bucket_key)
		DO UPDATE SET streak = rate_limit_streaks.streak + 1, updated_at = now()
		RETURNING streak, muted_until`,
		streakKey).Scan(&streak, &mutedUntil)
	if err != nil {
		slog.Warn("Failed to advance flood streak", "agent_id", agentID, "error", err)
		return &RateLimitedError{Scope: scope}
	}

	muted := mutedUntil.Valid && mutedUntil.Time.After(l.now())
	if streak >= l.cfg.StreakThreshold && !muted {
		if err := l.openFloodingIncident(ctx, workspaceID, agentID); err != nil {
			slog.Warn("Failed to open flooding incident",
				"agent_id", agentID, "error", err)
		}
	}
	return &RateLimitedError{Scope: scope}
}

func (l *Limiter) resetStreak(ctx context.Context, workspaceID, agentID string) error {
	_, err := l.kernel.DB().ExecContext(ctx, `
		UPDATE rate_limit_streaks SET streak = 0, updated_at = now()
		WHERE scope = 'flood' AND bucket_key = $1 AND streak > 0`,
		workspaceID+":"+agentID)
	if err != nil {
		return fmt.Errorf("failed to reset flood streak: %w", err)
	}
	return nil
}

func (l *Limiter) openFloodingIncident(ctx context.Context, workspaceID, agentID string) error {
	// One incident per streak episode. The key carries the mute-window
	// bucket so duplicates inside the window replay, while a streak that
	// crosses the threshold again after the mute expires opens a fresh
	// incident under a new key. The incident id is derived from the same
	// episode so an in-window retry carries an identical payload and
	// resolves as a replay rather than an idempotency conflict.
	mute := l.cfg.IncidentMute
	if mute <= 0 {
		mute = time.Minute
	}
	episode := WindowStart(l.now(), mute).Format(time.RFC3339)
	incidentKey := eventstore.IdempotencyKey("incident", "agent_flooding", workspaceID, agentID, episode)
	incidentID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(incidentKey)).String()
	payload, _ := json.Marshal(events.IncidentOpenedPayload{
		IncidentID: incidentID,
		Category:   "agent_flooding",
		Severity:   "high",
		WorkItemID: agentID,
	})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentOpened,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "rate-limiter"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  uuid.New().String(),
		IdempotencyKey: incidentKey,
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}
	if _, err := l.kernel.Write(ctx, workspaceID, []models.EventDraft{draft}); err != nil {
		return err
	}

	_, err := l.kernel.DB().ExecContext(ctx, `
		UPDATE rate_limit_streaks SET muted_until = $2, streak = 0, updated_at = now()
		WHERE scope = 'flood' AND bucket_key = $1`,
		workspaceID+":"+agentID, l.now().Add(l.cfg.IncidentMute))
	return err
}

// FloodDetected reports whether any agent currently has an active mute,
// for the health summary.
func (l *Limiter) FloodDetected(ctx context.Context) (bool, error) {
	var n int
	err := l.kernel.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM rate_limit_streaks
		WHERE muted_until IS NOT NULL AND muted_until > now()`).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to query flood mutes: %w", err)
	}
	return n > 0, nil
}
