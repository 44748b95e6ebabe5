package services

import (
	"context"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/kernel"
)

// Pipeline stages of the Kanban projection, in board order.
var pipelineStages = []string{
	"intake", "executing", "evaluating", "awaiting_approval", "done", "attention",
}

// PipelineCard is one entry on the board.
type PipelineCard struct {
	EntityType    string    `json:"entity_type"`
	EntityID      string    `json:"entity_id"`
	Title         string    `json:"title"`
	Stage         string    `json:"stage"`
	CorrelationID string    `json:"correlation_id"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// PipelineStage groups cards under one column.
type PipelineStage struct {
	Stage string         `json:"stage"`
	Cards []PipelineCard `json:"cards"`
}

// PipelineEnvelope is the envelope-format response of the projection view.
type PipelineEnvelope struct {
	SchemaVersion string          `json:"schema_version"`
	Stages        []PipelineStage `json:"stages"`
	CursorUpdated *time.Time      `json:"cursor_updated_at,omitempty"`
	HasMore       bool            `json:"has_more"`
}

// PipelineService renders the six-stage Kanban view over the projections.
type PipelineService struct {
	kernel *kernel.Kernel
}

// NewPipelineService creates a PipelineService.
func NewPipelineService(k *kernel.Kernel) *PipelineService {
	return &PipelineService{kernel: k}
}

// Projection returns the board: runs by status, succeeded runs with a
// non-PASS scorecard under evaluating, pending approvals, and failed runs plus open incidents under
// attention. Cursor pagination is by updated_at.
func (s *PipelineService) Projection(ctx context.Context, workspaceID, schemaVersion string, limit int, cursorUpdated *time.Time) (*PipelineEnvelope, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	cursor := time.Time{}
	if cursorUpdated != nil {
		cursor = *cursorUpdated
	}

	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT entity_type, entity_id, title, stage, correlation_id, updated_at FROM (
			SELECT 'run' AS entity_type, r.run_id AS entity_id,
			       'run ' || r.run_id AS title,
			       CASE
			           WHEN r.status = 'queued' THEN 'intake'
			           WHEN r.status = 'running' THEN 'executing'
			           WHEN r.status = 'succeeded' AND EXISTS (
			               SELECT 1 FROM proj_scorecards s
			               WHERE s.run_id = r.run_id AND s.verdict <> 'PASS'
			           ) THEN 'evaluating'
			           WHEN r.status = 'succeeded' THEN 'done'
			           ELSE 'attention'
			       END AS stage,
			       r.correlation_id, r.updated_at
			FROM proj_runs r
			WHERE r.workspace_id = $1
			UNION ALL
			SELECT 'approval', a.approval_id, 'approval for ' || a.action,
			       'awaiting_approval', a.correlation_id, a.updated_at
			FROM proj_approvals a
			WHERE a.workspace_id = $1 AND a.status = 'pending'
			UNION ALL
			SELECT 'incident', i.incident_id, i.category, 'attention',
			       i.correlation_id, i.updated_at
			FROM proj_incidents i
			WHERE i.workspace_id = $1 AND i.status = 'open'
		) board
		WHERE updated_at > $2
		ORDER BY updated_at ASC
		LIMIT $3`,
		workspaceID, cursor, limit+1)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline projection: %w", err)
	}
	defer rows.Close()

	var cards []PipelineCard
	for rows.Next() {
		var c PipelineCard
		if err := rows.Scan(&c.EntityType, &c.EntityID, &c.Title, &c.Stage,
			&c.CorrelationID, &c.UpdatedAt); err != nil {
			return nil, err
		}
		cards = append(cards, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hasMore := len(cards) > limit
	if hasMore {
		cards = cards[:limit]
	}

	byStage := make(map[string][]PipelineCard)
	for _, c := range cards {
		byStage[c.Stage] = append(byStage[c.Stage], c)
	}
	envelope := &PipelineEnvelope{SchemaVersion: schemaVersion, HasMore: hasMore}
	for _, stage := range pipelineStages {
		envelope.Stages = append(envelope.Stages, PipelineStage{
			Stage: stage,
			Cards: byStage[stage],
		})
	}
	if len(cards) > 0 {
		last := cards[len(cards)-1].UpdatedAt
		envelope.CursorUpdated = &last
	}
	return envelope, nil
}
