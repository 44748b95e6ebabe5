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
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// IncidentService drives the incident gate: open → (closed via RCA +
// learning). Close is blocked until both are recorded.
type IncidentService struct {
	kernel *kernel.Kernel
	leases *lease.Coordinator
	now    func() time.Time
}

// NewIncidentService creates an IncidentService.
func NewIncidentService(k *kernel.Kernel, leases *lease.Coordinator) *IncidentService {
	return &IncidentService{kernel: k, leases: leases, now: time.Now}
}

// OpenIncidentRequest contains fields for opening an incident.
type OpenIncidentRequest struct {
	Category       string
	Severity       string
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// OpenIncident appends incident.opened on the incident's own stream.
func (s *IncidentService) OpenIncident(ctx context.Context, workspaceID string, req OpenIncidentRequest) (*models.Incident, bool, error) {
	if req.Category == "" {
		return nil, false, NewValidationError("category", "is required")
	}

	incidentID := "inc_" + uuid.New().String()
	payload, _ := json.Marshal(events.IncidentOpenedPayload{
		IncidentID: incidentID,
		Category:   req.Category,
		Severity:   req.Severity,
	})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentOpened,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamIncident, ID: incidentID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		incidentID = appended[0].Event.EntityID
	}
	incident, err := s.GetIncident(ctx, workspaceID, incidentID)
	return incident, replay, err
}

// RecordRCA attaches a root-cause analysis to an open incident.
func (s *IncidentService) RecordRCA(ctx context.Context, workspaceID, incidentID string, note json.RawMessage, actor models.Actor) (*models.Incident, error) {
	return s.recordNote(ctx, workspaceID, incidentID, events.TypeIncidentRCARecorded, note, actor)
}

// RecordLearning attaches a learning to an open incident.
func (s *IncidentService) RecordLearning(ctx context.Context, workspaceID, incidentID string, note json.RawMessage, actor models.Actor) (*models.Incident, error) {
	return s.recordNote(ctx, workspaceID, incidentID, events.TypeIncidentLearningRecorded, note, actor)
}

func (s *IncidentService) recordNote(ctx context.Context, workspaceID, incidentID, eventType string, note json.RawMessage, actor models.Actor) (*models.Incident, error) {
	incident, err := s.GetIncident(ctx, workspaceID, incidentID)
	if err != nil {
		return nil, err
	}
	if len(note) == 0 {
		return nil, NewValidationError("note", "is required")
	}

	payload, _ := json.Marshal(events.IncidentNotePayload{IncidentID: incidentID, Note: note})
	draft := models.EventDraft{
		EventType:     eventType,
		OccurredAt:    s.now(),
		Actor:         actor,
		Stream:        models.Stream{Type: models.StreamIncident, ID: incidentID},
		CorrelationID: incident.CorrelationID,
		EntityType:    "incident",
		EntityID:      incidentID,
		Data:          payload,
	}
	if _, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft}); err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, workspaceID, incidentID)
}

// CloseIncident closes an incident. The learning gate: closing requires an
// RCA first, then a learning.
func (s *IncidentService) CloseIncident(ctx context.Context, workspaceID, incidentID string, actor models.Actor) (*models.Incident, error) {
	incident, err := s.GetIncident(ctx, workspaceID, incidentID)
	if err != nil {
		return nil, err
	}
	if len(incident.RCA) == 0 {
		return nil, ErrIncidentCloseMissingRCA
	}
	if len(incident.Learning) == 0 {
		return nil, ErrIncidentCloseMissingLearning
	}

	payload, _ := json.Marshal(events.IncidentClosedPayload{IncidentID: incidentID})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentClosed,
		OccurredAt:     s.now(),
		Actor:          actor,
		Stream:         models.Stream{Type: models.StreamIncident, ID: incidentID},
		CorrelationID:  incident.CorrelationID,
		IdempotencyKey: eventstoreKey("incident", "closed", workspaceID, incidentID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}

	err = s.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		appended, err := s.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft})
		if err != nil {
			return err
		}
		if appended[0].IdempotentReplay {
			return nil
		}
		// Closing is terminal intent for the incident work item.
		return s.leases.ReleaseInTx(ctx, tx, workspaceID, models.WorkItemIncident, incidentID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetIncident(ctx, workspaceID, incidentID)
}

// GetIncident loads a projected incident.
func (s *IncidentService) GetIncident(ctx context.Context, workspaceID, incidentID string) (*models.Incident, error) {
	i := &models.Incident{}
	var closedAt sql.NullTime
	var rca, learning []byte
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT incident_id, workspace_id, category, severity, status,
		       opened_at, closed_at, rca, learning, last_event_id, correlation_id
		FROM proj_incidents
		WHERE workspace_id = $1 AND incident_id = $2`,
		workspaceID, incidentID).Scan(&i.IncidentID, &i.WorkspaceID, &i.Category,
		&i.Severity, &i.Status, &i.OpenedAt, &closedAt, &rca, &learning,
		&i.LastEventID, &i.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get incident: %w", err)
	}
	if closedAt.Valid {
		i.ClosedAt = &closedAt.Time
	}
	i.RCA = json.RawMessage(rca)
	i.Learning = json.RawMessage(learning)
	return i, nil
}

// ListIncidents returns a workspace's incidents, open first.
func (s *IncidentService) ListIncidents(ctx context.Context, workspaceID, status string, limit int) ([]*models.Incident, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT incident_id, workspace_id, category, severity, status,
		       opened_at, closed_at, rca, learning, last_event_id, correlation_id
		FROM proj_incidents
		WHERE workspace_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY status DESC, opened_at DESC LIMIT $3`,
		workspaceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*models.Incident
	for rows.Next() {
		i := &models.Incident{}
		var closedAt sql.NullTime
		var rca, learning []byte
		if err := rows.Scan(&i.IncidentID, &i.WorkspaceID, &i.Category,
			&i.Severity, &i.Status, &i.OpenedAt, &closedAt, &rca, &learning,
			&i.LastEventID, &i.CorrelationID); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			i.ClosedAt = &closedAt.Time
		}
		i.RCA = json.RawMessage(rca)
		i.Learning = json.RawMessage(learning)
		incidents = append(incidents, i)
	}
	return incidents, rows.Err()
}
