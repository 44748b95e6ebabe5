package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/masking"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Pipeline evaluates policy inline on each guarded mutation and persists the
// decision, its side-effect events and the learning counters.
type Pipeline struct {
	kernel *kernel.Kernel
	cfg    *config.PolicyConfig
	masker *masking.Service
	now    func() time.Time
}

// NewPipeline creates a Pipeline.
func NewPipeline(k *kernel.Kernel, cfg *config.PolicyConfig, masker *masking.Service) *Pipeline {
	return &Pipeline{kernel: k, cfg: cfg, masker: masker, now: time.Now}
}

// Evaluate runs the decision order, persists the decision and returns it.
// In shadow mode the decision is recorded but the effective decision is
// allow; enforce is the default.
func (p *Pipeline) Evaluate(ctx context.Context, in Input) (*Decision, error) {
	f, err := p.gatherFacts(ctx, in)
	if err != nil {
		return nil, err
	}

	decisionValue, reasonCode := decide(f)

	d := &Decision{
		Decision:          decisionValue,
		EffectiveDecision: decisionValue,
		ReasonCode:        reasonCode,
	}
	if p.cfg.Mode() == config.EnforcementShadow && decisionValue != DecisionAllow {
		d.EffectiveDecision = DecisionAllow
		d.Shadowed = true
	}

	if err := p.persistDecision(ctx, in, f, d); err != nil {
		return nil, err
	}
	return d, nil
}

// ErrQuarantined is returned by GuardActor for quarantined agents.
var ErrQuarantined = errors.New("agent is quarantined")

// GuardActor is the cheap inline check run on every mutation: quarantined
// agents are denied before any write. The full pipeline (and its decision
// events) runs on the policy routes; this guard emits nothing.
func (p *Pipeline) GuardActor(ctx context.Context, workspaceID, actorID string) error {
	var quarantined bool
	err := p.kernel.DB().QueryRowContext(ctx, `
		SELECT quarantined FROM proj_agents
		WHERE workspace_id = $1 AND agent_id = $2`,
		workspaceID, actorID).Scan(&quarantined)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("failed to check quarantine: %w", err)
	}
	if quarantined {
		return ErrQuarantined
	}
	return nil
}

// gatherFacts resolves the DB-backed inputs the rule chain decides over.
func (p *Pipeline) gatherFacts(ctx context.Context, in Input) (*facts, error) {
	f := &facts{
		action:                  in.Action,
		killSwitchExternalWrite: p.cfg.KillSwitchExternalWrite,
		tool:                    in.TargetTool,
		domain:                  hostOf(in.TargetURL),
		roomID:                  in.RoomID,
		purposeTag:              in.PurposeTag,
		justification:           in.Justification,
	}
	switch in.Action {
	case ActionDataRead:
		f.dataAccess = "read"
	case ActionDataWrite:
		f.dataAccess = "write"
	}

	db := p.kernel.DB()

	err := db.QueryRowContext(ctx, `
		SELECT quarantined FROM proj_agents
		WHERE workspace_id = $1 AND agent_id = $2`,
		in.WorkspaceID, in.ActorID).Scan(&f.quarantined)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to check quarantine: %w", err)
	}

	if in.CapabilityTokenID != "" {
		f.tokenPresented = true
		f.token, f.tokenReason, err = resolveToken(ctx, db, in.WorkspaceID,
			in.CapabilityTokenID, in.PrincipalID, p.now())
		if err != nil {
			return nil, fmt.Errorf("failed to resolve capability token: %w", err)
		}
	}

	if in.ResourceType != "" && in.ResourceID != "" {
		var label, roomID, purpose sql.NullString
		err = db.QueryRowContext(ctx, `
			SELECT label, room_id, purpose_tag FROM sec_data_labels
			WHERE workspace_id = $1 AND resource_type = $2 AND resource_id = $3`,
			in.WorkspaceID, in.ResourceType, in.ResourceID,
		).Scan(&label, &roomID, &purpose)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("failed to look up data label: %w", err)
		}
		f.label = label.String
		f.labelRoomID = roomID.String
		f.resourcePurpose = purpose.String
	}

	if in.Action == ActionExternalWrite {
		f.quotaExceeded, err = p.egressQuotaExceeded(ctx, in.WorkspaceID)
		if err != nil {
			return nil, err
		}
	}

	return f, nil
}

// egressQuotaExceeded checks the per-workspace hourly egress quota against
// requests already recorded this window.
func (p *Pipeline) egressQuotaExceeded(ctx context.Context, workspaceID string) (bool, error) {
	var count int
	err := p.kernel.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sec_egress_requests
		WHERE workspace_id = $1 AND created_at > now() - interval '1 hour'`,
		workspaceID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to count egress requests: %w", err)
	}
	return count >= p.cfg.EgressMaxRequestsPerHour, nil
}

// persistDecision records the decision and its side effects in one
// transaction: the policy event, the egress request row (for egress
// actions), a linked approval when required, DAC side-effect events and the
// learning counters.
func (p *Pipeline) persistDecision(ctx context.Context, in Input, f *facts, d *Decision) error {
	correlationID := in.CorrelationID
	if correlationID == "" {
		correlationID = uuid.New().String()
	}

	return p.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		var drafts []models.EventDraft

		if d.Decision == DecisionRequireApproval {
			approvalID, draft := p.approvalDraft(in, correlationID)
			d.ApprovalID = approvalID
			drafts = append(drafts, draft)
		}

		drafts = append(drafts, p.decisionDraft(in, d, correlationID))
		drafts = append(drafts, p.sideEffectDrafts(in, f, d, correlationID)...)

		appended, err := p.kernel.WriteInTx(ctx, tx, in.WorkspaceID, drafts)
		if err != nil {
			return err
		}
		// A replayed approval.requested means the linked approval already
		// exists — reuse its id.
		for _, a := range appended {
			if a.Event.EventType == events.TypeApprovalRequested && a.IdempotentReplay {
				var payload events.ApprovalRequestedPayload
				if err := json.Unmarshal(a.Event.Data, &payload); err == nil {
					d.ApprovalID = payload.ApprovalID
				}
			}
		}

		if in.Action == ActionExternalWrite {
			if err := p.insertEgressRequest(ctx, tx, in, d); err != nil {
				return err
			}
		}

		if d.Decision != DecisionAllow {
			if err := p.recordMistake(ctx, tx, in, d, correlationID); err != nil {
				// Learning is advisory: log, never fail the decision.
				slog.Warn("Failed to record policy mistake",
					"workspace_id", in.WorkspaceID, "reason_code", d.ReasonCode, "error", err)
			}
		}
		return nil
	})
}

func (p *Pipeline) approvalDraft(in Input, correlationID string) (string, models.EventDraft) {
	key := eventstore.IdempotencyKey("approval", in.Action, in.WorkspaceID, in.ActorID, correlationID)
	// Derived from the key so a replayed draft carries the same payload.
	approvalID := uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
	payload, _ := json.Marshal(events.ApprovalRequestedPayload{
		ApprovalID:  approvalID,
		Action:      in.Action,
		RequestedBy: in.ActorID,
	})
	return approvalID, models.EventDraft{
		EventType:     events.TypeApprovalRequested,
		OccurredAt:    p.now(),
		Actor:         models.Actor{Type: in.ActorType, ID: in.ActorID},
		Stream:        models.Stream{Type: models.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID: correlationID,
		// One approval per (action, actor, flow): re-evaluating the same
		// flow replays the existing approval instead of stacking new ones.
		IdempotencyKey: key,
		EntityType:     "approval",
		EntityID:       approvalID,
		Data:           payload,
	}
}

func (p *Pipeline) decisionDraft(in Input, d *Decision, correlationID string) models.EventDraft {
	eventType := events.TypePolicyAllowed
	switch d.Decision {
	case DecisionDeny:
		eventType = events.TypePolicyDenied
	case DecisionRequireApproval:
		eventType = events.TypePolicyRequireApproval
	}
	target := in.TargetURL
	if target == "" {
		target = in.TargetTool
	}
	payload, _ := json.Marshal(events.PolicyDecisionPayload{
		Action:     in.Action,
		Decision:   d.Decision,
		ReasonCode: d.ReasonCode,
		ApprovalID: d.ApprovalID,
		Target:     target,
	})
	return models.EventDraft{
		EventType:        eventType,
		OccurredAt:       p.now(),
		Actor:            models.Actor{Type: in.ActorType, ID: in.ActorID},
		Stream:           models.Stream{Type: models.StreamWorkspace, ID: in.WorkspaceID},
		CorrelationID:    correlationID,
		EntityType:       "policy_decision",
		EntityID:         in.Action,
		Data:             payload,
		PolicyDecision:   d.Decision,
		PolicyReasonCode: d.ReasonCode,
	}
}

// sideEffectDrafts derives the egress/DAC record events that accompany
// specific decisions.
func (p *Pipeline) sideEffectDrafts(in Input, f *facts, d *Decision, correlationID string) []models.EventDraft {
	var drafts []models.EventDraft
	add := func(eventType string) {
		payload, _ := json.Marshal(events.PolicyDecisionPayload{
			Action:     in.Action,
			Decision:   d.Decision,
			ReasonCode: d.ReasonCode,
			Target:     in.TargetURL,
		})
		drafts = append(drafts, models.EventDraft{
			EventType:     eventType,
			OccurredAt:    p.now(),
			Actor:         models.Actor{Type: in.ActorType, ID: in.ActorID},
			Stream:        models.Stream{Type: models.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID: correlationID,
			EntityType:    in.ResourceType,
			EntityID:      in.ResourceID,
			Data:          payload,
		})
	}

	switch {
	case in.Action == ActionExternalWrite && d.Decision == DecisionDeny:
		add(events.TypeEgressBlocked)
	case d.ReasonCode == ReasonRestrictedRoomMismatch,
		d.ReasonCode == ReasonScopeDataAccessNotAllowed:
		add(events.TypeDataAccessDenied)
	case d.ReasonCode == ReasonPurposeHintMismatch:
		add(events.TypeDataAccessPurposeHintMismatch)
		if in.Justification == "" {
			add(events.TypeDataAccessUnjustified)
		}
	case f.label == LabelConfidential && d.Decision == DecisionAllow &&
		f.dataAccess == "read" && in.Justification != "":
		add(events.TypeDataAccessJustified)
	}
	return drafts
}

func (p *Pipeline) insertEgressRequest(ctx context.Context, tx *sql.Tx, in Input, d *Decision) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sec_egress_requests (request_id, workspace_id, agent_id, action,
		                                 target_url, domain, decision, reason_code,
		                                 approval_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9,''))`,
		uuid.New().String(), in.WorkspaceID, in.ActorID, in.Action,
		in.TargetURL, hostOf(in.TargetURL), d.Decision, d.ReasonCode, d.ApprovalID)
	if err != nil {
		return fmt.Errorf("failed to record egress request: %w", err)
	}
	return nil
}

// recordMistake advances the per-(reason_code, pattern) counter and, at the
// repeat threshold, emits mistake.repeated and constraint.learned. Secret
// substrings are redacted before the pattern is stored.
func (p *Pipeline) recordMistake(ctx context.Context, tx *sql.Tx, in Input, d *Decision, correlationID string) error {
	target := in.TargetURL
	if target == "" {
		target = in.TargetTool
	}
	pattern := p.masker.Redact(in.Action + ":" + target)

	var count int
	err := tx.QueryRowContext(ctx, `
		INSERT INTO sec_policy_mistakes (workspace_id, reason_code, pattern, mistake_count)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (workspace_id, reason_code, pattern)
		DO UPDATE SET mistake_count = sec_policy_mistakes.mistake_count + 1, last_seen_at = now()
		RETURNING mistake_count`,
		in.WorkspaceID, d.ReasonCode, pattern).Scan(&count)
	if err != nil {
		return fmt.Errorf("failed to record mistake: %w", err)
	}

	if count < p.cfg.MistakeRepeatThreshold {
		return nil
	}

	payload, _ := json.Marshal(events.MistakePayload{
		ReasonCode: d.ReasonCode,
		Pattern:    pattern,
		Count:      count,
	})
	drafts := []models.EventDraft{
		{
			EventType:      events.TypeMistakeRepeated,
			OccurredAt:     p.now(),
			Actor:          models.Actor{Type: "system", ID: "policy"},
			Stream:         models.Stream{Type: models.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID:  correlationID,
			IdempotencyKey: eventstore.IdempotencyKey("mistake", in.WorkspaceID, d.ReasonCode, pattern, fmt.Sprint(count)),
			EntityType:     "policy_mistake",
			EntityID:       d.ReasonCode,
			Data:           payload,
		},
		{
			EventType:      events.TypeConstraintLearned,
			OccurredAt:     p.now(),
			Actor:          models.Actor{Type: "system", ID: "policy"},
			Stream:         models.Stream{Type: models.StreamWorkspace, ID: in.WorkspaceID},
			CorrelationID:  correlationID,
			IdempotencyKey: eventstore.IdempotencyKey("constraint", in.WorkspaceID, d.ReasonCode, pattern, fmt.Sprint(count)),
			EntityType:     "policy_mistake",
			EntityID:       d.ReasonCode,
			Data:           payload,
		},
	}
	_, err = p.kernel.WriteInTx(ctx, tx, in.WorkspaceID, drafts)
	return err
}
