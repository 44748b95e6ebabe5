package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ExperimentService manages experiments and their evidence artifacts.
type ExperimentService struct {
	kernel *kernel.Kernel
	cfg    *config.Config
	http   *http.Client
	now    func() time.Time
}

// NewExperimentService creates an ExperimentService.
func NewExperimentService(k *kernel.Kernel, cfg *config.Config) *ExperimentService {
	return &ExperimentService{
		kernel: k,
		cfg:    cfg,
		http:   &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// CreateExperimentRequest contains fields for creating an experiment.
type CreateExperimentRequest struct {
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// CreateExperiment appends experiment.created.
func (s *ExperimentService) CreateExperiment(ctx context.Context, workspaceID string, req CreateExperimentRequest) (*models.Experiment, bool, error) {
	experimentID := "exp_" + uuid.New().String()
	payload, _ := json.Marshal(events.ExperimentPayload{ExperimentID: experimentID})
	draft := models.EventDraft{
		EventType:      events.TypeExperimentCreated,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "experiment",
		EntityID:       experimentID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		experimentID = appended[0].Event.EntityID
	}
	experiment, err := s.GetExperiment(ctx, workspaceID, experimentID)
	return experiment, replay, err
}

// CloseExperiment closes an open experiment. Queued or running runs block
// the close.
func (s *ExperimentService) CloseExperiment(ctx context.Context, workspaceID, experimentID string, actor models.Actor) (*models.Experiment, error) {
	experiment, err := s.GetExperiment(ctx, workspaceID, experimentID)
	if err != nil {
		return nil, err
	}
	if experiment.Status != "open" {
		return nil, ErrExperimentNotOpen
	}

	var active int
	err = s.kernel.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_runs
		WHERE workspace_id = $1 AND experiment_id = $2
		  AND status IN ('queued', 'running')`,
		workspaceID, experimentID).Scan(&active)
	if err != nil {
		return nil, fmt.Errorf("failed to count active runs: %w", err)
	}
	if active > 0 {
		return nil, ErrExperimentHasActiveRuns
	}

	payload, _ := json.Marshal(events.ExperimentPayload{ExperimentID: experimentID})
	draft := models.EventDraft{
		EventType:      events.TypeExperimentClosed,
		OccurredAt:     s.now(),
		Actor:          actor,
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  experiment.CorrelationID,
		IdempotencyKey: eventstoreKey("experiment", "closed", workspaceID, experimentID),
		EntityType:     "experiment",
		EntityID:       experimentID,
		Data:           payload,
	}
	if _, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft}); err != nil {
		return nil, err
	}
	return s.GetExperiment(ctx, workspaceID, experimentID)
}

// RecordScorecardRequest contains fields for recording a scorecard.
type RecordScorecardRequest struct {
	RunID         string
	EntityID      string
	Verdict       string
	RiskTier      string
	Iteration     int
	Actor         models.Actor
	CorrelationID string
}

// RecordScorecard appends scorecard.recorded, which feeds the promotion loop
// through the outbox.
func (s *ExperimentService) RecordScorecard(ctx context.Context, workspaceID string, req RecordScorecardRequest) (*models.Scorecard, error) {
	if req.RunID == "" {
		return nil, NewValidationError("run_id", "is required")
	}
	if req.Iteration < 1 {
		req.Iteration = 1
	}

	scorecardID := "sc_" + uuid.New().String()
	payload, _ := json.Marshal(events.ScorecardRecordedPayload{
		ScorecardID: scorecardID,
		RunID:       req.RunID,
		EntityID:    req.EntityID,
		Verdict:     req.Verdict,
		RiskTier:    req.RiskTier,
		Iteration:   req.Iteration,
	})
	draft := models.EventDraft{
		EventType:      events.TypeScorecardRecorded,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRun, ID: req.RunID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: eventstoreKey("scorecard", workspaceID, req.RunID, fmt.Sprint(req.Iteration)),
		EntityType:     "scorecard",
		EntityID:       scorecardID,
		Data:           payload,
	}
	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, err
	}
	if appended[0].IdempotentReplay {
		scorecardID = appended[0].Event.EntityID
	}

	sc := &models.Scorecard{}
	err = s.kernel.DB().QueryRowContext(ctx, `
		SELECT scorecard_id, workspace_id, run_id, entity_id, verdict, risk_tier,
		       iteration, last_event_id, correlation_id
		FROM proj_scorecards
		WHERE workspace_id = $1 AND scorecard_id = $2`,
		workspaceID, scorecardID).Scan(&sc.ScorecardID, &sc.WorkspaceID, &sc.RunID,
		&sc.EntityID, &sc.Verdict, &sc.RiskTier, &sc.Iteration,
		&sc.LastEventID, &sc.CorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get scorecard: %w", err)
	}
	return sc, nil
}

// RecordEvidenceManifestRequest contains fields for recording an evidence
// manifest.
type RecordEvidenceManifestRequest struct {
	RunID         string
	Entries       json.RawMessage
	ArtifactIDs   []string
	Actor         models.Actor
	CorrelationID string
}

// RecordEvidenceManifest verifies each referenced artifact against the
// external artifact store (HEAD) and appends evidence.manifest.recorded.
func (s *ExperimentService) RecordEvidenceManifest(ctx context.Context, workspaceID string, req RecordEvidenceManifestRequest) error {
	if req.RunID == "" {
		return NewValidationError("run_id", "is required")
	}

	for _, artifactID := range req.ArtifactIDs {
		ok, err := s.headArtifact(ctx, artifactID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrArtifactNotFound, artifactID)
		}
	}

	manifestID := "evm_" + uuid.New().String()
	payload, _ := json.Marshal(events.EvidenceManifestPayload{
		ManifestID: manifestID,
		RunID:      req.RunID,
		Entries:    req.Entries,
		Count:      len(req.ArtifactIDs),
	})
	draft := models.EventDraft{
		EventType:      events.TypeEvidenceManifestRecorded,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRun, ID: req.RunID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: eventstoreKey("evidence", workspaceID, req.RunID, manifestID),
		EntityType:     "evidence_manifest",
		EntityID:       manifestID,
		Data:           payload,
	}
	_, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	return err
}

// headArtifact checks artifact existence against the configured storage
// head endpoint. Without configuration the check passes — the store is an
// external collaborator.
func (s *ExperimentService) headArtifact(ctx context.Context, artifactID string) (bool, error) {
	if s.cfg.ArtifactStorageHeadURL == "" {
		return true, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead,
		s.cfg.ArtifactStorageHeadURL+"/"+artifactID, nil)
	if err != nil {
		return false, err
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("artifact head request failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

// GetExperiment loads a projected experiment.
func (s *ExperimentService) GetExperiment(ctx context.Context, workspaceID, experimentID string) (*models.Experiment, error) {
	e := &models.Experiment{}
	var closedAt sql.NullTime
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT experiment_id, workspace_id, status, created_at, closed_at,
		       last_event_id, correlation_id
		FROM proj_experiments
		WHERE workspace_id = $1 AND experiment_id = $2`,
		workspaceID, experimentID).Scan(&e.ExperimentID, &e.WorkspaceID, &e.Status,
		&e.CreatedAt, &closedAt, &e.LastEventID, &e.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	if closedAt.Valid {
		e.ClosedAt = &closedAt.Time
	}
	return e, nil
}
