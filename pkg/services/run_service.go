package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// runLeaseTTL is the engine-side run lease duration, renewed by heartbeat.
const runLeaseTTL = 60 * time.Second

// RunService drives the run state machine: queued → running →
// (succeeded|failed). Engines claim queued runs with SKIP LOCKED and hold a
// run lease renewed by heartbeat; runs deliberately do not use the general
// work-item lease coordinator.
type RunService struct {
	kernel *kernel.Kernel
	now    func() time.Time
}

// NewRunService creates a RunService.
func NewRunService(k *kernel.Kernel) *RunService {
	return &RunService{kernel: k, now: time.Now}
}

// CreateRunRequest contains fields for queueing a run.
type CreateRunRequest struct {
	ExperimentID   string
	AgentID        string
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// CreateRun queues a run. A run under an experiment requires the experiment
// to be open.
func (s *RunService) CreateRun(ctx context.Context, workspaceID string, req CreateRunRequest) (*models.Run, bool, error) {
	if req.ExperimentID != "" {
		var status string
		err := s.kernel.DB().QueryRowContext(ctx, `
			SELECT status FROM proj_experiments
			WHERE workspace_id = $1 AND experiment_id = $2`,
			workspaceID, req.ExperimentID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, ErrNotFound
		}
		if err != nil {
			return nil, false, fmt.Errorf("failed to check experiment: %w", err)
		}
		if status != "open" {
			return nil, false, ErrExperimentNotOpen
		}
	}

	runID := "run_" + uuid.New().String()
	payload, _ := json.Marshal(events.RunPayload{
		RunID:        runID,
		ExperimentID: req.ExperimentID,
		AgentID:      req.AgentID,
	})
	draft := models.EventDraft{
		EventType:      events.TypeRunCreated,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRun, ID: runID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "run",
		EntityID:       runID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		runID = appended[0].Event.EntityID
	}
	run, err := s.GetRun(ctx, workspaceID, runID)
	return run, replay, err
}

// ClaimedRun is the engine-side claim result.
type ClaimedRun struct {
	Run       *models.Run `json:"run"`
	LeaseID   string      `json:"lease_id"`
	ExpiresAt time.Time   `json:"expires_at"`
}

// ClaimRun atomically claims the oldest queued run for an engine: SKIP
// LOCKED keeps parallel engines off each other's rows, run.started moves the
// state machine, and the lease fences the claim.
func (s *RunService) ClaimRun(ctx context.Context, workspaceID, agentID, correlationID string) (*ClaimedRun, error) {
	var claimed *ClaimedRun
	err := s.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		var runID string
		var runCorrelation string
		err := tx.QueryRowContext(ctx, `
			SELECT run_id, correlation_id FROM proj_runs
			WHERE workspace_id = $1 AND status = 'queued'
			ORDER BY queued_at ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
			workspaceID).Scan(&runID, &runCorrelation)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNoRunsAvailable
		}
		if err != nil {
			return fmt.Errorf("failed to query queued runs: %w", err)
		}

		if correlationID == "" {
			correlationID = runCorrelation
		}
		leaseID := uuid.New().String()
		expiresAt := s.now().Add(runLeaseTTL)

		payload, _ := json.Marshal(events.RunPayload{RunID: runID, AgentID: agentID})
		draft := models.EventDraft{
			EventType:      events.TypeRunStarted,
			OccurredAt:     s.now(),
			Actor:          models.Actor{Type: "agent", ID: agentID},
			Stream:         models.Stream{Type: models.StreamRun, ID: runID},
			CorrelationID:  correlationID,
			IdempotencyKey: eventstoreKey("run", "started", workspaceID, runID, leaseID),
			EntityType:     "run",
			EntityID:       runID,
			Data:           payload,
		}
		if _, err := s.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE proj_runs SET
				agent_id = $2, run_lease_id = $3, lease_expires_at = $4, updated_at = now()
			WHERE run_id = $1`,
			runID, agentID, leaseID, expiresAt); err != nil {
			return fmt.Errorf("failed to set run lease: %w", err)
		}

		run, err := getRunInTx(ctx, tx, workspaceID, runID)
		if err != nil {
			return err
		}
		claimed = &ClaimedRun{Run: run, LeaseID: leaseID, ExpiresAt: expiresAt}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// HeartbeatRunLease extends an alive run lease. No event is emitted.
func (s *RunService) HeartbeatRunLease(ctx context.Context, workspaceID, runID, leaseID string) (time.Time, error) {
	expiresAt := s.now().Add(runLeaseTTL)
	res, err := s.kernel.DB().ExecContext(ctx, `
		UPDATE proj_runs SET lease_expires_at = $4, updated_at = now()
		WHERE workspace_id = $1 AND run_id = $2 AND run_lease_id = $3
		  AND status = 'running' AND lease_expires_at > now()`,
		workspaceID, runID, leaseID, expiresAt)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to heartbeat run lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return time.Time{}, err
	}
	if n == 0 {
		return time.Time{}, ErrRunLeaseMismatch
	}
	return expiresAt, nil
}

// ReleaseRunLease clears the lease without finishing the run (the run goes
// back to the claim pool via re-queue by the engine, or is failed by the
// orphan scan).
func (s *RunService) ReleaseRunLease(ctx context.Context, workspaceID, runID, leaseID string) (bool, error) {
	res, err := s.kernel.DB().ExecContext(ctx, `
		UPDATE proj_runs SET run_lease_id = NULL, lease_expires_at = NULL, updated_at = now()
		WHERE workspace_id = $1 AND run_id = $2 AND run_lease_id = $3`,
		workspaceID, runID, leaseID)
	if err != nil {
		return false, fmt.Errorf("failed to release run lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// StartRun moves a queued run to running outside the claim path (manual
// start by an operator).
func (s *RunService) StartRun(ctx context.Context, workspaceID, runID string, actor models.Actor, correlationID string) (*models.Run, error) {
	return s.transition(ctx, workspaceID, runID, events.TypeRunStarted, "", actor, correlationID)
}

// CompleteRun finishes a run as succeeded.
func (s *RunService) CompleteRun(ctx context.Context, workspaceID, runID string, actor models.Actor, correlationID string) (*models.Run, error) {
	return s.transition(ctx, workspaceID, runID, events.TypeRunCompleted, "", actor, correlationID)
}

// FailRun finishes a run as failed.
func (s *RunService) FailRun(ctx context.Context, workspaceID, runID, errorMessage string, actor models.Actor, correlationID string) (*models.Run, error) {
	return s.transition(ctx, workspaceID, runID, events.TypeRunFailed, errorMessage, actor, correlationID)
}

func (s *RunService) transition(ctx context.Context, workspaceID, runID, eventType, errorMessage string, actor models.Actor, correlationID string) (*models.Run, error) {
	run, err := s.GetRun(ctx, workspaceID, runID)
	if err != nil {
		return nil, err
	}
	// A terminal run accepts only a repeat of its own terminal event (an
	// idempotent replay); the opposite terminal call is a conflict rather
	// than a silent flip.
	if next := statusForEvent(eventType); run.Status.Terminal() && next.Terminal() && next != run.Status {
		return nil, fmt.Errorf("%w: run is already %s", ErrRunAlreadyTerminal, run.Status)
	}
	if correlationID == "" {
		correlationID = run.CorrelationID
	}

	payload, _ := json.Marshal(events.RunPayload{
		RunID:        runID,
		AgentID:      run.AgentID,
		ErrorMessage: errorMessage,
	})
	draft := models.EventDraft{
		EventType:      eventType,
		OccurredAt:     s.now(),
		Actor:          actor,
		Stream:         models.Stream{Type: models.StreamRun, ID: runID},
		CorrelationID:  correlationID,
		IdempotencyKey: eventstoreKey("run", eventType, workspaceID, runID),
		EntityType:     "run",
		EntityID:       runID,
		Data:           payload,
	}
	if _, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft}); err != nil {
		return nil, err
	}
	return s.GetRun(ctx, workspaceID, runID)
}

// RecordStepRequest contains fields for recording a run step.
type RecordStepRequest struct {
	StepIndex     int
	Name          string
	Status        string
	Actor         models.Actor
	CorrelationID string
}

// RecordStep appends run.step.recorded under the run's stream.
func (s *RunService) RecordStep(ctx context.Context, workspaceID, runID string, req RecordStepRequest) error {
	run, err := s.GetRun(ctx, workspaceID, runID)
	if err != nil {
		return err
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = run.CorrelationID
	}

	stepID := fmt.Sprintf("%s-step-%d", runID, req.StepIndex)
	payload, _ := json.Marshal(events.RunStepPayload{
		StepID:    stepID,
		RunID:     runID,
		StepIndex: req.StepIndex,
		Name:      req.Name,
		Status:    req.Status,
	})
	draft := models.EventDraft{
		EventType:      events.TypeRunStepRecorded,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRun, ID: runID},
		CorrelationID:  correlationID,
		IdempotencyKey: eventstoreKey("step", req.Status, workspaceID, stepID),
		EntityType:     "step",
		EntityID:       stepID,
		Data:           payload,
	}
	_, err = s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	return err
}

// GetRun loads a projected run.
func (s *RunService) GetRun(ctx context.Context, workspaceID, runID string) (*models.Run, error) {
	row := s.kernel.DB().QueryRowContext(ctx, selectRunSQL+`
		WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID)
	return scanRun(row)
}

// statusForEvent maps a run lifecycle event type to its target status.
func statusForEvent(eventType string) models.RunStatus {
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

const selectRunSQL = `
	SELECT run_id, workspace_id, COALESCE(experiment_id, ''), agent_id, status,
	       queued_at, started_at, finished_at, COALESCE(error_message, ''),
	       lease_expires_at, last_event_id, correlation_id, updated_at
	FROM proj_runs`

func getRunInTx(ctx context.Context, tx *sql.Tx, workspaceID, runID string) (*models.Run, error) {
	row := tx.QueryRowContext(ctx, selectRunSQL+`
		WHERE workspace_id = $1 AND run_id = $2`,
		workspaceID, runID)
	return scanRun(row)
}

func scanRun(row *sql.Row) (*models.Run, error) {
	r := &models.Run{}
	var queued, started, finished, leaseExpires sql.NullTime
	err := row.Scan(&r.RunID, &r.WorkspaceID, &r.ExperimentID, &r.AgentID, &r.Status,
		&queued, &started, &finished, &r.ErrorMessage,
		&leaseExpires, &r.LastEventID, &r.CorrelationID, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}
	if queued.Valid {
		r.QueuedAt = &queued.Time
	}
	if started.Valid {
		r.StartedAt = &started.Time
	}
	if finished.Valid {
		r.FinishedAt = &finished.Time
	}
	if leaseExpires.Valid {
		r.LeaseExpiresAt = &leaseExpires.Time
	}
	return r, nil
}
