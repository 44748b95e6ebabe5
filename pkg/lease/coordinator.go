// Package lease implements the work-item lease coordinator: soft exclusive
// claims fenced by a version counter, with claim/heartbeat/release and
// atomic preemption of expired holders.
package lease

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Coordinator errors. The API layer maps each to its fixed reason code.
var (
	// ErrAlreadyClaimed is returned when another agent holds an alive lease.
	ErrAlreadyClaimed = errors.New("work item is claimed by another agent")

	// ErrCorrelationMismatch is returned when the same agent re-claims with
	// a different correlation_id. Correlation, once bound, may not change
	// across claims of the same lease instance.
	ErrCorrelationMismatch = errors.New("correlation_id differs from the bound one")

	// ErrInvalidWorkItemType is returned for types outside the allowed set
	// (runs use a separate claim mechanism).
	ErrInvalidWorkItemType = errors.New("invalid work item type")

	// ErrExpiredOrPreempted is returned when a heartbeat or release names a
	// lease that no longer exists.
	ErrExpiredOrPreempted = errors.New("lease expired or was preempted")

	// ErrHeartbeatRateLimited is returned when heartbeats arrive faster
	// than the configured floor, or the lease row is lock-contended.
	ErrHeartbeatRateLimited = errors.New("heartbeat rate limited")
)

// VersionMismatchError carries the fencing state back to the stray caller.
type VersionMismatchError struct {
	LeaseID        string
	CurrentVersion int64
}

func (e *VersionMismatchError) Error() string {
	return fmt.Sprintf("lease version mismatch: current version is %d", e.CurrentVersion)
}

// ClaimResult is the outcome of a claim call.
type ClaimResult struct {
	Lease   *models.Lease
	Outcome models.ClaimOutcome
}

// Coordinator manages work_item_leases.
type Coordinator struct {
	kernel *kernel.Kernel
	cfg    config.LeaseConfig
	now    func() time.Time
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(k *kernel.Kernel, cfg config.LeaseConfig) *Coordinator {
	return &Coordinator{kernel: k, cfg: cfg, now: time.Now}
}

// Claim acquires or re-acknowledges a lease on (workspace, type, id).
//
//   - no row → insert version=1, emit lease.claimed, outcome created
//   - alive row, same agent + correlation → outcome replay, no new event
//   - alive row, same agent, different correlation → ErrCorrelationMismatch
//   - alive row, different agent → ErrAlreadyClaimed
//   - expired row → atomic preempt: lease.preempted then lease.claimed in
//     the same transaction (preempted gets the lower stream_seq), fresh
//     lease with version=1, outcome preempted
func (c *Coordinator) Claim(ctx context.Context, workspaceID string, itemType models.WorkItemType, itemID, agentID, correlationID string) (*ClaimResult, error) {
	if !models.ValidWorkItemType(itemType) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidWorkItemType, itemType)
	}

	var result *ClaimResult
	err := c.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := c.lockLease(ctx, tx, workspaceID, itemType, itemID)
		if err != nil {
			return err
		}

		now := c.now()
		if existing != nil && existing.Alive(now) {
			if existing.AgentID != agentID {
				return ErrAlreadyClaimed
			}
			if existing.CorrelationID != correlationID {
				return ErrCorrelationMismatch
			}
			result = &ClaimResult{Lease: existing, Outcome: models.ClaimReplay}
			return nil
		}

		fresh := &models.Lease{
			WorkspaceID:     workspaceID,
			WorkItemType:    itemType,
			WorkItemID:      itemID,
			LeaseID:         uuid.New().String(),
			AgentID:         agentID,
			CorrelationID:   correlationID,
			ClaimedAt:       now,
			LastHeartbeatAt: now,
			ExpiresAt:       now.Add(c.cfg.TTL),
			Version:         1,
		}

		var drafts []models.EventDraft
		outcome := models.ClaimCreated
		if existing != nil {
			// Expired holder: preempt first so the preempted event takes
			// the lower stream_seq.
			outcome = models.ClaimPreempted
			drafts = append(drafts, c.leaseEventDraft(events.TypeLeasePreempted, existing, correlationID,
				eventstore.IdempotencyKey("preempt", workspaceID, string(itemType), itemID, existing.LeaseID, fresh.LeaseID)))
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM work_item_leases
				WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3`,
				workspaceID, itemType, itemID); err != nil {
				return fmt.Errorf("failed to remove expired lease: %w", err)
			}
		}
		drafts = append(drafts, c.leaseEventDraft(events.TypeLeaseClaimed, fresh, correlationID,
			eventstore.IdempotencyKey("claim", workspaceID, string(itemType), itemID, fresh.LeaseID)))

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO work_item_leases (workspace_id, work_item_type, work_item_id, lease_id,
			                              agent_id, correlation_id, claimed_at, last_heartbeat_at,
			                              expires_at, version)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, 1)`,
			workspaceID, itemType, itemID, fresh.LeaseID,
			agentID, correlationID, now, fresh.ExpiresAt); err != nil {
			if database.IsUniqueViolation(err, "") {
				return ErrAlreadyClaimed
			}
			return fmt.Errorf("failed to insert lease: %w", err)
		}

		if _, err := c.kernel.WriteInTx(ctx, tx, workspaceID, drafts); err != nil {
			return err
		}
		result = &ClaimResult{Lease: fresh, Outcome: outcome}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Heartbeat extends an alive lease. The (lease_id, version) pair fences out
// stray writers: a holder preempted since its last heartbeat sees either
// ErrExpiredOrPreempted or a VersionMismatchError. Successful heartbeats
// increment the version. No event is emitted — the log would flood.
func (c *Coordinator) Heartbeat(ctx context.Context, workspaceID, leaseID string, version int64) (*models.Lease, error) {
	var lease *models.Lease
	err := c.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := c.lockLeaseByID(ctx, tx, workspaceID, leaseID)
		if err != nil {
			return err
		}
		if current == nil || !current.Alive(c.now()) {
			return ErrExpiredOrPreempted
		}
		if current.Version != version {
			return &VersionMismatchError{LeaseID: current.LeaseID, CurrentVersion: current.Version}
		}

		now := c.now()
		if now.Sub(current.LastHeartbeatAt) < c.cfg.HeartbeatMinInterval {
			return ErrHeartbeatRateLimited
		}

		current.Version++
		current.LastHeartbeatAt = now
		current.ExpiresAt = now.Add(c.cfg.TTL)
		if _, err := tx.ExecContext(ctx, `
			UPDATE work_item_leases SET
				version = $2, last_heartbeat_at = $3, expires_at = $4
			WHERE lease_id = $1`,
			leaseID, current.Version, now, current.ExpiresAt); err != nil {
			return fmt.Errorf("failed to update lease heartbeat: %w", err)
		}
		lease = current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// Release gives up a lease. A non-owner (stale) lease_id is not an error:
// it returns released=false with no side effects, so crashed holders can
// always call release safely.
func (c *Coordinator) Release(ctx context.Context, workspaceID, leaseID string) (released bool, err error) {
	err = c.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		current, err := c.lockLeaseByID(ctx, tx, workspaceID, leaseID)
		if err != nil {
			return err
		}
		if current == nil || !current.Alive(c.now()) {
			released = false
			return nil
		}

		if _, err := tx.ExecContext(ctx,
			`DELETE FROM work_item_leases WHERE lease_id = $1`, leaseID); err != nil {
			return fmt.Errorf("failed to delete lease: %w", err)
		}
		draft := c.leaseEventDraft(events.TypeLeaseReleased, current, current.CorrelationID,
			eventstore.IdempotencyKey("release", workspaceID, string(current.WorkItemType), current.WorkItemID, leaseID))
		if _, err := c.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft}); err != nil {
			return err
		}
		released = true
		return nil
	})
	return released, err
}

// ReleaseInTx releases a lease inside an existing transaction. Used for
// terminal-intent messages, which auto-release after the terminal event.
func (c *Coordinator) ReleaseInTx(ctx context.Context, tx *sql.Tx, workspaceID string, itemType models.WorkItemType, itemID string) error {
	current, err := c.lockLease(ctx, tx, workspaceID, itemType, itemID)
	if err != nil || current == nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM work_item_leases WHERE lease_id = $1`, current.LeaseID); err != nil {
		return fmt.Errorf("failed to delete lease: %w", err)
	}
	draft := c.leaseEventDraft(events.TypeLeaseReleased, current, current.CorrelationID,
		eventstore.IdempotencyKey("release", workspaceID, string(itemType), itemID, current.LeaseID))
	_, err = c.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft})
	return err
}

// Get returns the current lease for a work item, or nil.
func (c *Coordinator) Get(ctx context.Context, workspaceID string, itemType models.WorkItemType, itemID string) (*models.Lease, error) {
	row := c.kernel.DB().QueryRowContext(ctx, selectLeaseSQL+`
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3`,
		workspaceID, itemType, itemID)
	return scanLease(row)
}

const selectLeaseSQL = `
	SELECT workspace_id, work_item_type, work_item_id, lease_id, agent_id,
	       correlation_id, claimed_at, last_heartbeat_at, expires_at, version
	FROM work_item_leases`

func (c *Coordinator) lockLease(ctx context.Context, tx *sql.Tx, workspaceID string, itemType models.WorkItemType, itemID string) (*models.Lease, error) {
	row := tx.QueryRowContext(ctx, selectLeaseSQL+`
		WHERE workspace_id = $1 AND work_item_type = $2 AND work_item_id = $3
		FOR UPDATE NOWAIT`,
		workspaceID, itemType, itemID)
	return c.scanLocked(row)
}

func (c *Coordinator) lockLeaseByID(ctx context.Context, tx *sql.Tx, workspaceID, leaseID string) (*models.Lease, error) {
	row := tx.QueryRowContext(ctx, selectLeaseSQL+`
		WHERE workspace_id = $1 AND lease_id = $2
		FOR UPDATE NOWAIT`,
		workspaceID, leaseID)
	return c.scanLocked(row)
}

func (c *Coordinator) scanLocked(row *sql.Row) (*models.Lease, error) {
	lease, err := scanLease(row)
	if err != nil && database.IsLockNotAvailable(err) {
		return nil, ErrHeartbeatRateLimited
	}
	return lease, err
}

func scanLease(row *sql.Row) (*models.Lease, error) {
	l := &models.Lease{}
	err := row.Scan(&l.WorkspaceID, &l.WorkItemType, &l.WorkItemID, &l.LeaseID,
		&l.AgentID, &l.CorrelationID, &l.ClaimedAt, &l.LastHeartbeatAt,
		&l.ExpiresAt, &l.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan lease: %w", err)
	}
	return l, nil
}

// leaseEventDraft builds the workspace-stream event for a lease transition.
func (c *Coordinator) leaseEventDraft(eventType string, l *models.Lease, correlationID, idempotencyKey string) models.EventDraft {
	payload, _ := json.Marshal(events.LeasePayload{
		LeaseID:      l.LeaseID,
		WorkItemType: string(l.WorkItemType),
		WorkItemID:   l.WorkItemID,
		AgentID:      l.AgentID,
		ExpiresAt:    l.ExpiresAt,
	})
	return models.EventDraft{
		EventType:      eventType,
		OccurredAt:     c.now(),
		Actor:          models.Actor{Type: "agent", ID: l.AgentID},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: l.WorkspaceID},
		CorrelationID:  correlationID,
		IdempotencyKey: idempotencyKey,
		EntityType:     string(l.WorkItemType),
		EntityID:       l.WorkItemID,
		Data:           payload,
	}
}
