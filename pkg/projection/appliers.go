package projection

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

func decode[T any](e *models.Event) (*T, error) {
	var p T
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", e.EventType, err)
	}
	return &p, nil
}

func applyRoomCreated(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.RoomCreatedPayload](e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_rooms (room_id, workspace_id, name, created_at, last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (room_id) DO NOTHING`,
		p.RoomID, e.WorkspaceID, p.Name, e.OccurredAt, e.EventID, e.CorrelationID)
	return err
}

func applyThreadCreated(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.ThreadCreatedPayload](e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_threads (thread_id, room_id, workspace_id, created_at, last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (thread_id) DO NOTHING`,
		p.ThreadID, p.RoomID, e.WorkspaceID, e.OccurredAt, e.EventID, e.CorrelationID)
	return err
}

func applyMessageCreated(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.MessageCreatedPayload](e)
	if err != nil {
		return err
	}
	body := p.Body
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_messages (message_id, thread_id, room_id, workspace_id, intent, body,
		                           created_at, last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (message_id) DO NOTHING`,
		p.MessageID, p.ThreadID, p.RoomID, e.WorkspaceID, p.Intent, []byte(body),
		e.OccurredAt, e.EventID, e.CorrelationID)
	return err
}

// applyRun folds run lifecycle events into proj_runs. Status is monotonic:
// an event that would move a run backward (e.g. succeeded → running) is
// appended to the log but projected as a no-op, which makes replay safe.
func applyRun(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.RunPayload](e)
	if err != nil {
		return err
	}

	next := runStatusFor(e.EventType)

	var current models.RunStatus
	err = tx.QueryRowContext(ctx,
		`SELECT status FROM proj_runs WHERE run_id = $1 FOR UPDATE`,
		p.RunID).Scan(&current)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proj_runs (run_id, workspace_id, experiment_id, agent_id, status,
			                       queued_at, started_at, finished_at, error_message,
			                       last_event_id, correlation_id)
			VALUES ($1, $2, NULLIF($3,''), $4, $5,
			        CASE WHEN $5 = 'queued' THEN $6 END,
			        CASE WHEN $5 = 'running' THEN $6 END,
			        CASE WHEN $5 IN ('succeeded','failed') THEN $6 END,
			        NULLIF($7,''), $8, $9)`,
			p.RunID, e.WorkspaceID, p.ExperimentID, p.AgentID, next,
			e.OccurredAt, p.ErrorMessage, e.EventID, e.CorrelationID)
		return err
	case err != nil:
		return err
	}

	// Terminal is sticky: without it, succeeded and failed (same rank)
	// could overwrite each other on a stray duplicate terminal event.
	if current.Regresses(next) || current == next || current.Terminal() {
		return nil
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE proj_runs SET
			status = $2,
			started_at = CASE WHEN $2 = 'running' THEN $3 ELSE started_at END,
			finished_at = CASE WHEN $2 IN ('succeeded','failed') THEN $3 ELSE finished_at END,
			error_message = COALESCE(NULLIF($4,''), error_message),
			last_event_id = $5,
			correlation_id = $6,
			updated_at = now()
		WHERE run_id = $1`,
		p.RunID, next, e.OccurredAt, p.ErrorMessage, e.EventID, e.CorrelationID)
	return err
}

func runStatusFor(eventType string) models.RunStatus {
	switch eventType {
	case events.TypeRunStarted:
		return models.RunRunning
	case events.TypeRunCompleted:
		return models.RunSucceeded
	case events.TypeRunFailed:
		return models.RunFailed
	default:
		return models.RunQueued
	}
}

func applyRunStep(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.RunStepPayload](e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_steps (step_id, run_id, workspace_id, step_index, name, status,
		                        last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (step_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = now()`,
		p.StepID, p.RunID, e.WorkspaceID, p.StepIndex, p.Name, p.Status,
		e.EventID, e.CorrelationID)
	return err
}

func applyToolCall(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.ToolCallPayload](e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_tool_calls (tool_call_id, run_id, step_id, workspace_id, tool, status,
		                             last_event_id, correlation_id)
		VALUES ($1, $2, NULLIF($3,''), $4, $5, $6, $7, $8)
		ON CONFLICT (tool_call_id) DO UPDATE SET
			status = EXCLUDED.status,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = now()`,
		p.ToolCallID, p.RunID, p.StepID, e.WorkspaceID, p.Tool, p.Status,
		e.EventID, e.CorrelationID)
	return err
}

// applyApproval folds approval.requested/decided into proj_approvals.
// Decisions are terminal; a decided approval never reverts to pending.
func applyApproval(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	switch e.EventType {
	case events.TypeApprovalRequested:
		p, err := decode[events.ApprovalRequestedPayload](e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proj_approvals (approval_id, workspace_id, status, action, requested_by,
			                            created_at, last_event_id, correlation_id)
			VALUES ($1, $2, 'pending', $3, $4, $5, $6, $7)
			ON CONFLICT (approval_id) DO NOTHING`,
			p.ApprovalID, e.WorkspaceID, p.Action, p.RequestedBy,
			e.OccurredAt, e.EventID, e.CorrelationID)
		return err

	case events.TypeApprovalDecided:
		p, err := decode[events.ApprovalDecidedPayload](e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_approvals SET
				status = $2, decided_by = $3, reason = NULLIF($4,''),
				decided_at = $5, last_event_id = $6, updated_at = now()
			WHERE approval_id = $1 AND status = 'pending'`,
			p.ApprovalID, p.Decision, p.DecidedBy, p.Reason,
			e.OccurredAt, e.EventID)
		return err
	}
	return nil
}

func applyIncident(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	switch e.EventType {
	case events.TypeIncidentOpened:
		p, err := decode[events.IncidentOpenedPayload](e)
		if err != nil {
			return err
		}
		severity := p.Severity
		if severity == "" {
			severity = "medium"
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proj_incidents (incident_id, workspace_id, category, severity, status,
			                            opened_at, last_event_id, correlation_id)
			VALUES ($1, $2, $3, $4, 'open', $5, $6, $7)
			ON CONFLICT (incident_id) DO NOTHING`,
			p.IncidentID, e.WorkspaceID, p.Category, severity,
			e.OccurredAt, e.EventID, e.CorrelationID)
		return err

	case events.TypeIncidentRCARecorded, events.TypeIncidentLearningRecorded:
		p, err := decode[events.IncidentNotePayload](e)
		if err != nil {
			return err
		}
		column := "rca"
		if e.EventType == events.TypeIncidentLearningRecorded {
			column = "learning"
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(`
			UPDATE proj_incidents SET %s = $2, last_event_id = $3, updated_at = now()
			WHERE incident_id = $1 AND status = 'open'`, column),
			p.IncidentID, []byte(p.Note), e.EventID)
		return err

	case events.TypeIncidentClosed:
		p, err := decode[events.IncidentClosedPayload](e)
		if err != nil {
			return err
		}
		// The close gate (RCA + learning present) is enforced on the write
		// path; the guard here keeps replays of pre-gate events harmless.
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_incidents SET
				status = 'closed', closed_at = $2, last_event_id = $3, updated_at = now()
			WHERE incident_id = $1 AND status = 'open'
			  AND rca IS NOT NULL AND learning IS NOT NULL`,
			p.IncidentID, e.OccurredAt, e.EventID)
		return err
	}
	return nil
}

func applyExperiment(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.ExperimentPayload](e)
	if err != nil {
		return err
	}
	switch e.EventType {
	case events.TypeExperimentCreated:
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proj_experiments (experiment_id, workspace_id, status, created_at,
			                              last_event_id, correlation_id)
			VALUES ($1, $2, 'open', $3, $4, $5)
			ON CONFLICT (experiment_id) DO NOTHING`,
			p.ExperimentID, e.WorkspaceID, e.OccurredAt, e.EventID, e.CorrelationID)
	case events.TypeExperimentClosed:
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_experiments SET
				status = 'closed', closed_at = $2, last_event_id = $3, updated_at = now()
			WHERE experiment_id = $1 AND status = 'open'`,
			p.ExperimentID, e.OccurredAt, e.EventID)
	}
	return err
}

func applyScorecard(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.ScorecardRecordedPayload](e)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_scorecards (scorecard_id, workspace_id, run_id, entity_id, verdict,
		                             risk_tier, iteration, last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (scorecard_id) DO UPDATE SET
			verdict = EXCLUDED.verdict,
			risk_tier = EXCLUDED.risk_tier,
			iteration = GREATEST(proj_scorecards.iteration, EXCLUDED.iteration),
			last_event_id = EXCLUDED.last_event_id,
			updated_at = now()`,
		p.ScorecardID, e.WorkspaceID, p.RunID, p.EntityID, p.Verdict,
		p.RiskTier, p.Iteration, e.EventID, e.CorrelationID)
	return err
}

func applyEvidenceManifest(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	p, err := decode[events.EvidenceManifestPayload](e)
	if err != nil {
		return err
	}
	entries := p.Entries
	if len(entries) == 0 {
		entries = json.RawMessage(`[]`)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proj_evidence_manifests (manifest_id, workspace_id, run_id, artifact_count,
		                                     entries, last_event_id, correlation_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (manifest_id) DO UPDATE SET
			artifact_count = EXCLUDED.artifact_count,
			entries = EXCLUDED.entries,
			last_event_id = EXCLUDED.last_event_id,
			updated_at = now()`,
		p.ManifestID, e.WorkspaceID, p.RunID, p.Count, []byte(entries),
		e.EventID, e.CorrelationID)
	return err
}

func applyAgent(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	switch e.EventType {
	case events.TypeAgentRegistered:
		p, err := decode[events.AgentLifecyclePayload](e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proj_agents (workspace_id, agent_id, last_event_id, correlation_id)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (workspace_id, agent_id) DO NOTHING`,
			e.WorkspaceID, p.AgentID, e.EventID, e.CorrelationID)
		return err

	case events.TypeAgentQuarantined, events.TypeAgentUnquarantined:
		p, err := decode[events.AgentLifecyclePayload](e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_agents SET
				quarantined = $3, last_event_id = $4, updated_at = now()
			WHERE workspace_id = $1 AND agent_id = $2`,
			e.WorkspaceID, p.AgentID,
			e.EventType == events.TypeAgentQuarantined, e.EventID)
		return err

	case events.TypeAgentLifecycleChanged:
		p, err := decode[events.AgentLifecyclePayload](e)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_agents SET
				lifecycle_state = $3, last_event_id = $4, updated_at = now()
			WHERE workspace_id = $1 AND agent_id = $2`,
			e.WorkspaceID, p.AgentID, p.ToState, e.EventID)
		return err

	case events.TypeAgentSurvivalRollup:
		p, err := decode[events.SurvivalRollupPayload](e)
		if err != nil {
			return err
		}
		risky := 0
		if p.Risky {
			risky = 1
		}
		// The hysteresis counter resets on a non-risky day and accumulates
		// on consecutive risky days.
		_, err = tx.ExecContext(ctx, `
			UPDATE proj_agents SET
				success_count = success_count + $3,
				failure_count = failure_count + $4,
				learning_count = learning_count + $5,
				budget_utilization = $6,
				consecutive_risky_days = CASE WHEN $7 = 1
					THEN consecutive_risky_days + 1 ELSE 0 END,
				last_rollup_date = $8::date,
				last_event_id = $9,
				updated_at = now()
			WHERE workspace_id = $1 AND agent_id = $2
			  AND (last_rollup_date IS NULL OR last_rollup_date < $8::date)`,
			e.WorkspaceID, p.AgentID, p.SuccessCount, p.FailureCount,
			p.LearningCount, p.BudgetUtilization, risky, p.Date, e.EventID)
		return err
	}
	return nil
}
