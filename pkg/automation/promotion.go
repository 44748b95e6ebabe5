package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// maxPromotionIterations is the scorecard iteration count past which the
// loop stops re-requesting and opens an incident instead.
const maxPromotionIterations = 5

// Loop holds the automation handlers' shared dependencies.
type Loop struct {
	kernel           *kernel.Kernel
	promotionEnabled bool
	now              func() time.Time
}

// NewLoop creates the automation loop.
func NewLoop(k *kernel.Kernel, promotionEnabled bool) *Loop {
	return &Loop{kernel: k, promotionEnabled: promotionEnabled, now: time.Now}
}

// HandleScorecard is the promotion loop: a PASS scorecard at low/medium risk
// requests approval, high risk requests a human decision, and iteration
// overflow opens an incident. Every emission is idempotent on
// message:{intent}:[category:]{ws}:{entity_id}, and a pre-existing open
// incident for the category suppresses further escalations.
func (l *Loop) HandleScorecard(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	var sc events.ScorecardRecordedPayload
	if err := json.Unmarshal(e.Data, &sc); err != nil {
		return fmt.Errorf("failed to decode scorecard payload: %w", err)
	}

	entityID := sc.EntityID
	if entityID == "" {
		entityID = sc.RunID
	}

	if sc.Iteration > maxPromotionIterations {
		return l.openDerivedIncident(ctx, tx, e.WorkspaceID, "iteration_overflow", entityID, e.CorrelationID)
	}
	if sc.Verdict != "PASS" {
		return nil
	}

	intent := "request_approval"
	if sc.RiskTier == "high" {
		intent = "request_human_decision"
	}

	suppressed, err := l.hasOpenIncident(ctx, tx, e.WorkspaceID, "promotion:"+entityID)
	if err != nil {
		return err
	}
	if suppressed {
		return nil
	}

	messageID := uuid.New().String()
	payload, _ := json.Marshal(events.MessageCreatedPayload{
		MessageID: messageID,
		Intent:    intent,
		Category:  "promotion",
		Body:      json.RawMessage(fmt.Sprintf(`{"run_id":%q,"scorecard_id":%q,"risk_tier":%q}`, sc.RunID, sc.ScorecardID, sc.RiskTier)),
	})
	draft := models.EventDraft{
		EventType:      events.TypeMessageCreated,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "promotion-loop"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: e.WorkspaceID},
		CorrelationID:  e.CorrelationID,
		CausationID:    e.EventID,
		IdempotencyKey: eventstore.IdempotencyKey("message", intent, "promotion", e.WorkspaceID, entityID),
		EntityType:     "message",
		EntityID:       messageID,
		Data:           payload,
	}
	_, err = l.kernel.WriteInTx(ctx, tx, e.WorkspaceID, []models.EventDraft{draft})
	return err
}

// HandleApprovalDecided reacts to approval decisions: a held approval emits
// a follow-up recommendation message. Approved and denied decisions produce
// nothing here.
func (l *Loop) HandleApprovalDecided(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	var p events.ApprovalDecidedPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return fmt.Errorf("failed to decode approval payload: %w", err)
	}
	if p.Decision != string(models.ApprovalHeld) {
		return nil
	}

	messageID := uuid.New().String()
	payload, _ := json.Marshal(events.MessageCreatedPayload{
		MessageID: messageID,
		Intent:    "recommendation",
		Category:  "approval_held",
		Body:      json.RawMessage(fmt.Sprintf(`{"approval_id":%q,"reason":%q}`, p.ApprovalID, p.Reason)),
	})
	draft := models.EventDraft{
		EventType:      events.TypeMessageCreated,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "automation"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: e.WorkspaceID},
		CorrelationID:  e.CorrelationID,
		CausationID:    e.EventID,
		IdempotencyKey: eventstore.IdempotencyKey("message", "recommendation", "approval_held", e.WorkspaceID, p.ApprovalID),
		EntityType:     "message",
		EntityID:       messageID,
		Data:           payload,
	}
	_, err := l.kernel.WriteInTx(ctx, tx, e.WorkspaceID, []models.EventDraft{draft})
	return err
}

// HandleIncidentOpened escalates a freshly opened high-severity incident to
// a human decision request, unless another open incident of the same
// category already carries the escalation.
func (l *Loop) HandleIncidentOpened(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	var p events.IncidentOpenedPayload
	if err := json.Unmarshal(e.Data, &p); err != nil {
		return fmt.Errorf("failed to decode incident payload: %w", err)
	}
	if p.Severity != "high" {
		return nil
	}

	var openCount int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_incidents
		WHERE workspace_id = $1 AND category = $2 AND status = 'open'
		  AND incident_id <> $3`,
		e.WorkspaceID, p.Category, p.IncidentID).Scan(&openCount)
	if err != nil {
		return fmt.Errorf("failed to check open incidents: %w", err)
	}
	if openCount > 0 {
		// An earlier open incident of this category already escalated.
		return nil
	}

	messageID := uuid.New().String()
	payload, _ := json.Marshal(events.MessageCreatedPayload{
		MessageID: messageID,
		Intent:    "request_human_decision",
		Category:  p.Category,
		Body:      json.RawMessage(fmt.Sprintf(`{"incident_id":%q}`, p.IncidentID)),
	})
	draft := models.EventDraft{
		EventType:      events.TypeMessageCreated,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "automation"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: e.WorkspaceID},
		CorrelationID:  e.CorrelationID,
		CausationID:    e.EventID,
		IdempotencyKey: eventstore.IdempotencyKey("message", "request_human_decision", p.Category, e.WorkspaceID, p.IncidentID),
		EntityType:     "message",
		EntityID:       messageID,
		Data:           payload,
	}
	_, err = l.kernel.WriteInTx(ctx, tx, e.WorkspaceID, []models.EventDraft{draft})
	return err
}

// hasOpenIncident checks suppression state for a category.
func (l *Loop) hasOpenIncident(ctx context.Context, tx *sql.Tx, workspaceID, category string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_incidents
		WHERE workspace_id = $1 AND category = $2 AND status = 'open'`,
		workspaceID, category).Scan(&n)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, fmt.Errorf("failed to check incident suppression: %w", err)
	}
	return n > 0, nil
}

// openDerivedIncident opens one incident per (category, work item),
// idempotent across replays and repeat triggers.
func (l *Loop) openDerivedIncident(ctx context.Context, tx *sql.Tx, workspaceID, category, workItemID, correlationID string) error {
	incidentID := uuid.New().String()
	payload, _ := json.Marshal(events.IncidentOpenedPayload{
		IncidentID: incidentID,
		Category:   category,
		Severity:   "medium",
		WorkItemID: workItemID,
	})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentOpened,
		OccurredAt:     l.now(),
		Actor:          models.Actor{Type: "system", ID: "automation"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  correlationID,
		IdempotencyKey: eventstore.IdempotencyKey("incident", category, workspaceID, workItemID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}
	_, err := l.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft})
	return err
}
