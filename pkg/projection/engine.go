// Package projection materializes events into read models, synchronously and
// inside the producing transaction. Readers never observe a projection row
// whose last_event_id is not in the event log.
package projection

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Applier applies one event to its projection within the producing
// transaction. Appliers are deterministic and idempotent: replaying an event
// (or observing a regression in a monotonic field) is a no-op.
type Applier func(ctx context.Context, tx *sql.Tx, e *models.Event) error

// Engine routes events to their appliers.
type Engine struct {
	appliers map[string][]projector
}

type projector struct {
	name  string
	apply Applier
}

// NewEngine builds the engine with the full applier registry.
func NewEngine() *Engine {
	eng := &Engine{appliers: make(map[string][]projector)}

	eng.register("rooms", applyRoomCreated, events.TypeRoomCreated)
	eng.register("threads", applyThreadCreated, events.TypeThreadCreated)
	eng.register("messages", applyMessageCreated, events.TypeMessageCreated)

	eng.register("runs", applyRun,
		events.TypeRunCreated, events.TypeRunStarted,
		events.TypeRunCompleted, events.TypeRunFailed)
	eng.register("steps", applyRunStep, events.TypeRunStepRecorded)
	eng.register("tool_calls", applyToolCall, events.TypeRunToolCallRecorded)

	eng.register("approvals", applyApproval,
		events.TypeApprovalRequested, events.TypeApprovalDecided)
	eng.register("incidents", applyIncident,
		events.TypeIncidentOpened, events.TypeIncidentRCARecorded,
		events.TypeIncidentLearningRecorded, events.TypeIncidentClosed)
	eng.register("experiments", applyExperiment,
		events.TypeExperimentCreated, events.TypeExperimentClosed)
	eng.register("scorecards", applyScorecard, events.TypeScorecardRecorded)
	eng.register("evidence_manifests", applyEvidenceManifest,
		events.TypeEvidenceManifestRecorded)

	eng.register("agents", applyAgent,
		events.TypeAgentRegistered, events.TypeAgentQuarantined,
		events.TypeAgentUnquarantined, events.TypeAgentLifecycleChanged,
		events.TypeAgentSurvivalRollup)

	return eng
}

func (eng *Engine) register(name string, apply Applier, eventTypes ...string) {
	for _, et := range eventTypes {
		eng.appliers[et] = append(eng.appliers[et], projector{name: name, apply: apply})
	}
}

// Projectors returns the projector names registered for an event type.
// Used by tests and health reporting.
func (eng *Engine) Projectors(eventType string) []string {
	ps := eng.appliers[eventType]
	names := make([]string, len(ps))
	for i, p := range ps {
		names[i] = p.name
	}
	return names
}

// Apply materializes e into its read models and advances the watermarks.
// Event types with no registered applier (lease.*, policy.*) pass through —
// the event log itself is their record. A failing apply aborts the write.
func (eng *Engine) Apply(ctx context.Context, tx *sql.Tx, e *models.Event) error {
	for _, p := range eng.appliers[e.EventType] {
		if err := p.apply(ctx, tx, e); err != nil {
			return fmt.Errorf("projector %s failed on %s: %w", p.name, e.EventType, err)
		}
		if err := advanceWatermark(ctx, tx, e.WorkspaceID, p.name, e.EventID); err != nil {
			return err
		}
	}
	return nil
}

// advanceWatermark records the last applied event per (workspace, projector)
// for debugging and health.
func advanceWatermark(ctx context.Context, tx *sql.Tx, workspaceID, projectorName, eventID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO projector_watermarks (workspace_id, projector_name, last_event_id, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (workspace_id, projector_name)
		DO UPDATE SET last_event_id = EXCLUDED.last_event_id, updated_at = now()`,
		workspaceID, projectorName, eventID)
	if err != nil {
		return fmt.Errorf("failed to advance watermark for %s: %w", projectorName, err)
	}
	return nil
}
