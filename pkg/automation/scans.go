package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// staleApprovalAge is how long an approval may stay pending before the scan
// opens an incident for it.
const staleApprovalAge = 24 * time.Hour

// ScanStaleApprovals opens one incident per (cron_job, approval) for
// approvals pending past the age threshold.
func (l *Loop) ScanStaleApprovals(ctx context.Context, batchLimit int) error {
	rows, err := l.kernel.DB().QueryContext(ctx, `
		SELECT approval_id, workspace_id, correlation_id FROM proj_approvals
		WHERE status = 'pending' AND created_at < now() - $1::interval
		ORDER BY created_at ASC
		LIMIT $2`,
		staleApprovalAge.String(), batchLimit)
	if err != nil {
		return fmt.Errorf("failed to scan stale approvals: %w", err)
	}
	defer rows.Close()

	type stale struct{ approvalID, workspaceID, correlationID string }
	var found []stale
	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.approvalID, &s.workspaceID, &s.correlationID); err != nil {
			return err
		}
		found = append(found, s)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, s := range found {
		if err := l.openScanIncident(ctx, s.workspaceID, "stale_approvals", s.approvalID, s.correlationID); err != nil {
			return err
		}
	}
	return nil
}

// ScanOrphanedRuns fails runs whose engine lease expired while still
// running, emitting run.failed and an incident per run.
func (l *Loop) ScanOrphanedRuns(ctx context.Context, batchLimit int) error {
	rows, err := l.kernel.DB().QueryContext(ctx, `
		SELECT run_id, workspace_id, agent_id, correlation_id FROM proj_runs
		WHERE status = 'running' AND lease_expires_at IS NOT NULL AND lease_expires_at < now()
		ORDER BY lease_expires_at ASC
		LIMIT $1`,
		batchLimit)
	if err != nil {
		return fmt.Errorf("failed to scan orphaned runs: %w", err)
	}
	defer rows.Close()

	type orphan struct{ runID, workspaceID, agentID, correlationID string }
	var found []orphan
	for rows.Next() {
		var o orphan
		if err := rows.Scan(&o.runID, &o.workspaceID, &o.agentID, &o.correlationID); err != nil {
			return err
		}
		found = append(found, o)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, o := range found {
		payload, _ := json.Marshal(events.RunPayload{
			RunID:        o.runID,
			AgentID:      o.agentID,
			ErrorMessage: "run lease expired without completion",
		})
		draft := models.EventDraft{
			EventType:      events.TypeRunFailed,
			OccurredAt:     l.now(),
			Actor:          models.Actor{Type: "system", ID: "orphan-scan"},
			Stream:         models.Stream{Type: models.StreamRun, ID: o.runID},
			CorrelationID:  o.correlationID,
			IdempotencyKey: eventstore.IdempotencyKey("run", "orphan_failed", o.workspaceID, o.runID),
			EntityType:     "run",
			EntityID:       o.runID,
			Data:           payload,
		}
		if _, err := l.kernel.Write(ctx, o.workspaceID, []models.EventDraft{draft}); err != nil {
			slog.Warn("Failed to fail orphaned run", "run_id", o.runID, "error", err)
			continue
		}
		if err := l.openScanIncident(ctx, o.workspaceID, "orphaned_runs", o.runID, o.correlationID); err != nil {
			return err
		}
	}
	return nil
}

// ScanDLQ is the watchdog behind the inline 3-strike promotion: entries that
// crossed the threshold without an incident (e.g. the inline write failed)
// get one here.
func (l *Loop) ScanDLQ(ctx context.Context, batchLimit int) error {
	rows, err := l.kernel.DB().QueryContext(ctx, `
		SELECT workspace_id, message_id FROM evt_dlq
		WHERE failure_count >= 3 AND NOT promoted
		ORDER BY first_failed_at ASC
		LIMIT $1`,
		batchLimit)
	if err != nil {
		return fmt.Errorf("failed to scan DLQ: %w", err)
	}
	defer rows.Close()

	type entry struct{ workspaceID, messageID string }
	var found []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.workspaceID, &e.messageID); err != nil {
			return err
		}
		found = append(found, e)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, e := range found {
		if err := l.openScanIncident(ctx, e.workspaceID, "poison_message", e.messageID, uuid.New().String()); err != nil {
			return err
		}
		if _, err := l.kernel.DB().ExecContext(ctx, `
			UPDATE evt_dlq SET promoted = true
			WHERE workspace_id = $1 AND message_id = $2`,
			e.workspaceID, e.messageID); err != nil {
			return fmt.Errorf("failed to mark DLQ entry promoted: %w", err)
		}
	}
	return nil
}

// RunSurvivalRollup aggregates each agent's daily run outcomes and drives
// the lifecycle state machine with a consecutive-risky-days hysteresis.
func (l *Loop) RunSurvivalRollup(ctx context.Context, batchLimit int) error {
	today := l.now().UTC().Format("2006-01-02")

	rows, err := l.kernel.DB().QueryContext(ctx, `
		SELECT r.workspace_id, r.agent_id,
		       COUNT(*) FILTER (WHERE r.status = 'succeeded'),
		       COUNT(*) FILTER (WHERE r.status = 'failed')
		FROM proj_runs r
		WHERE r.agent_id <> '' AND r.finished_at > now() - interval '1 day'
		GROUP BY r.workspace_id, r.agent_id
		LIMIT $1`,
		batchLimit)
	if err != nil {
		return fmt.Errorf("failed to aggregate run outcomes: %w", err)
	}
	defer rows.Close()

	type rollup struct {
		workspaceID, agentID string
		successes, failures  int
	}
	var rollups []rollup
	for rows.Next() {
		var r rollup
		if err := rows.Scan(&r.workspaceID, &r.agentID, &r.successes, &r.failures); err != nil {
			return err
		}
		rollups = append(rollups, r)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, r := range rollups {
		var learnings int
		err := l.kernel.DB().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM evt_events
			WHERE workspace_id = $1 AND event_type = $2
			  AND actor_id = $3 AND recorded_at > now() - interval '1 day'`,
			r.workspaceID, events.TypeConstraintLearned, r.agentID).Scan(&learnings)
		if err != nil {
			return fmt.Errorf("failed to count learnings: %w", err)
		}

		risky := r.failures > r.successes
		payload, _ := json.Marshal(events.SurvivalRollupPayload{
			AgentID:       r.agentID,
			Date:          today,
			SuccessCount:  r.successes,
			FailureCount:  r.failures,
			LearningCount: learnings,
			Risky:         risky,
		})
		draft := models.EventDraft{
			EventType:      events.TypeAgentSurvivalRollup,
			OccurredAt:     l.now(),
			Actor:          models.Actor{Type: "system", ID: "survival-rollup"},
			Stream:         models.Stream{Type: models.StreamAgent, ID: r.agentID},
			CorrelationID:  uuid.New().String(),
			IdempotencyKey: eventstore.IdempotencyKey("rollup", r.workspaceID, r.agentID, today),
			EntityType:     "agent",
			EntityID:       r.agentID,
			Data:           payload,
		}
		if _, err := l.kernel.Write(ctx, r.workspaceID, []models.EventDraft{draft}); err != nil {
			return err
		}

		if err := l.applyLifecycleTransition(ctx, r.workspaceID, r.agentID); err != nil {
			return err
		}
	}
	return nil
}

// Lifecycle hysteresis thresholds: consecutive risky days to demote, and to
// sunset.
const (
	probationAfterRiskyDays = 3
	sunsetAfterRiskyDays    = 7
)

// applyLifecycleTransition moves an agent between active/probation/sunset
// based on the rollup's consecutive-risky-days counter.
func (l *Loop) applyLifecycleTransition(ctx context.Context, workspaceID, agentID string) error {
	var state string
	var riskyDays int
	err := l.kernel.DB().QueryRowContext(ctx, `
		SELECT lifecycle_state, consecutive_risky_days FROM proj_agents
		WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, agentID).Scan(&state, &riskyDays)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to load agent state: %w", err)
	}

	next := state
	switch {
	case riskyDays >= sunsetAfterRiskyDays:
		next = models.AgentSunset
	case riskyDays >= probationAfterRiskyDays:
		if state == models.AgentActive {
			next = models.AgentProbation
		}
	case riskyDays == 0:
		if state == models.AgentProbation {
			next = models.AgentActive
		}
	}
	if next == state {
		return nil
	}

	payload, _ := json.Marshal(events.AgentLifecyclePayload{
		AgentID:   agentID,
		FromState: state,
		ToState:   next,
		Reason:    fmt.Sprintf("consecutive risky days: %d", riskyDays),
	})
	draft := models.EventDraft{
		EventType:      events.TypeAgentLifecycleChanged,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "lifecycle"},
		Stream:         models.Stream{Type: models.StreamAgent, ID: agentID},
		CorrelationID:  uuid.New().String(),
		IdempotencyKey: eventstore.IdempotencyKey("lifecycle", workspaceID, agentID, state, next, l.now().UTC().Format("2006-01-02")),
		EntityType:     "agent",
		EntityID:       agentID,
		Data:           payload,
	}
	_, err = l.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	return err
}

// openScanIncident opens one incident per (cron_job, work_item_id).
func (l *Loop) openScanIncident(ctx context.Context, workspaceID, cronJob, workItemID, correlationID string) error {
	incidentID := uuid.New().String()
	payload, _ := json.Marshal(events.IncidentOpenedPayload{
		IncidentID: incidentID,
		Category:   cronJob,
		Severity:   "medium",
		WorkItemID: workItemID,
		CronJob:    cronJob,
	})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentOpened,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "cron"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  correlationID,
		IdempotencyKey: eventstore.IdempotencyKey("incident", cronJob, workspaceID, workItemID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}
	_, err := l.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	return err
}
