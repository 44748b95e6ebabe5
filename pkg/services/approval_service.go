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

// approvalDecisions maps request decisions to approval statuses.
var approvalDecisions = map[string]models.ApprovalStatus{
	"approve": models.ApprovalApproved,
	"hold":    models.ApprovalHeld,
	"deny":    models.ApprovalDenied,
}

// ApprovalService drives the approval lifecycle: pending →
// (approved|held|denied).
type ApprovalService struct {
	kernel *kernel.Kernel
	leases *lease.Coordinator
	now    func() time.Time
}

// NewApprovalService creates an ApprovalService.
func NewApprovalService(k *kernel.Kernel, leases *lease.Coordinator) *ApprovalService {
	return &ApprovalService{kernel: k, leases: leases, now: time.Now}
}

// CreateApprovalRequest contains fields for requesting an approval.
type CreateApprovalRequest struct {
	Action         string
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// CreateApproval appends approval.requested and returns the projected row.
func (s *ApprovalService) CreateApproval(ctx context.Context, workspaceID string, req CreateApprovalRequest) (*models.Approval, bool, error) {
	if req.Action == "" {
		return nil, false, NewValidationError("action", "is required")
	}

	approvalID := "apr_" + uuid.New().String()
	payload, _ := json.Marshal(events.ApprovalRequestedPayload{
		ApprovalID:  approvalID,
		Action:      req.Action,
		RequestedBy: req.Actor.ID,
	})
	draft := models.EventDraft{
		EventType:      events.TypeApprovalRequested,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "approval",
		EntityID:       approvalID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		approvalID = appended[0].Event.EntityID
	}
	approval, err := s.GetApproval(ctx, workspaceID, approvalID)
	return approval, replay, err
}

// DecideRequest contains fields for deciding an approval.
type DecideRequest struct {
	Decision      string // approve | hold | deny
	Reason        string
	Actor         models.Actor
	CorrelationID string
}

// Decide appends approval.decided. A decision is terminal; the approval's
// work-item lease auto-releases in the same transaction.
func (s *ApprovalService) Decide(ctx context.Context, workspaceID, approvalID string, req DecideRequest) (*models.Approval, error) {
	status, ok := approvalDecisions[req.Decision]
	if !ok {
		return nil, NewValidationError("decision", "must be approve, hold or deny")
	}

	approval, err := s.GetApproval(ctx, workspaceID, approvalID)
	if err != nil {
		return nil, err
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = approval.CorrelationID
	}

	payload, _ := json.Marshal(events.ApprovalDecidedPayload{
		ApprovalID: approvalID,
		Decision:   string(status),
		DecidedBy:  req.Actor.ID,
		Reason:     req.Reason,
	})
	draft := models.EventDraft{
		EventType:      events.TypeApprovalDecided,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: workspaceID},
		CorrelationID:  correlationID,
		IdempotencyKey: eventstoreKey("approval", "decided", workspaceID, approvalID),
		EntityType:     "approval",
		EntityID:       approvalID,
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
		return s.leases.ReleaseInTx(ctx, tx, workspaceID, models.WorkItemApproval, approvalID)
	})
	if err != nil {
		return nil, err
	}
	return s.GetApproval(ctx, workspaceID, approvalID)
}

// GetApproval loads a projected approval.
func (s *ApprovalService) GetApproval(ctx context.Context, workspaceID, approvalID string) (*models.Approval, error) {
	a := &models.Approval{}
	var decidedBy, reason sql.NullString
	var decidedAt sql.NullTime
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT approval_id, workspace_id, status, action, requested_by,
		       decided_by, reason, created_at, decided_at, last_event_id, correlation_id
		FROM proj_approvals
		WHERE workspace_id = $1 AND approval_id = $2`,
		workspaceID, approvalID).Scan(&a.ApprovalID, &a.WorkspaceID, &a.Status, &a.Action,
		&a.RequestedBy, &decidedBy, &reason, &a.CreatedAt, &decidedAt,
		&a.LastEventID, &a.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	a.DecidedBy = decidedBy.String
	a.Reason = reason.String
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return a, nil
}

// ListApprovals returns a workspace's approvals, optionally by status.
func (s *ApprovalService) ListApprovals(ctx context.Context, workspaceID, status string, limit int) ([]*models.Approval, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT approval_id, workspace_id, status, action, requested_by,
		       decided_by, reason, created_at, decided_at, last_event_id, correlation_id
		FROM proj_approvals
		WHERE workspace_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC LIMIT $3`,
		workspaceID, status, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		a := &models.Approval{}
		var decidedBy, reason sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&a.ApprovalID, &a.WorkspaceID, &a.Status, &a.Action,
			&a.RequestedBy, &decidedBy, &reason, &a.CreatedAt, &decidedAt,
			&a.LastEventID, &a.CorrelationID); err != nil {
			return nil, err
		}
		a.DecidedBy = decidedBy.String
		a.Reason = reason.String
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.Time
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
