package eventstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ErrEventNotFound is returned by GetEvent for an unknown event id.
var ErrEventNotFound = errors.New("event not found")

const selectEventSQL = `
	SELECT event_id, event_type, event_version, occurred_at, recorded_at,
	       workspace_id, actor_type, actor_id, stream_type, stream_id,
	       stream_seq, correlation_id, causation_id, idempotency_key,
	       prev_event_hash, event_hash, entity_type, entity_id, data,
	       contains_secrets,
	       COALESCE(policy_decision, ''), COALESCE(policy_reason_code, '')
	FROM evt_events`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*models.Event, error) {
	e := &models.Event{}
	var causation, idemKey sql.NullString
	var data []byte
	err := row.Scan(
		&e.EventID, &e.EventType, &e.EventVersion, &e.OccurredAt, &e.RecordedAt,
		&e.WorkspaceID, &e.Actor.Type, &e.Actor.ID, &e.Stream.Type, &e.Stream.ID,
		&e.StreamSeq, &e.CorrelationID, &causation, &idemKey,
		&e.PrevEventHash, &e.EventHash, &e.EntityType, &e.EntityID, &data,
		&e.ContainsSecrets, &e.PolicyDecision, &e.PolicyReasonCode,
	)
	if err != nil {
		return nil, err
	}
	e.CausationID = causation.String
	e.IdempotencyKey = idemKey.String
	e.Data = json.RawMessage(data)
	return e, nil
}

// ReadStream returns events for (streamType, streamID) with stream_seq >
// fromSeq, in stream_seq order, up to limit rows.
func (s *Store) ReadStream(ctx context.Context, streamType models.StreamType, streamID string, fromSeq int64, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, selectEventSQL+`
		WHERE stream_type = $1 AND stream_id = $2 AND stream_seq > $3
		ORDER BY stream_seq ASC
		LIMIT $4`,
		streamType, streamID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read stream: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetEvent returns a single event by id, scoped to a workspace.
func (s *Store) GetEvent(ctx context.Context, workspaceID, eventID string) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND event_id = $2`,
		workspaceID, eventID)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	return e, nil
}

// FindByIdempotencyKey returns the event previously appended under
// (workspace, key), or nil. Used to short-circuit replays before rate
// limiting — replays bypass the limiter and return the prior result.
func (s *Store) FindByIdempotencyKey(ctx context.Context, workspaceID, key string) (*models.Event, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRowContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND idempotency_key = $2`,
		workspaceID, key)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up idempotency key: %w", err)
	}
	return e, nil
}

// ListByCorrelation returns all events of a logical flow in recorded order.
func (s *Store) ListByCorrelation(ctx context.Context, workspaceID, correlationID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND correlation_id = $2
		ORDER BY recorded_at ASC, stream_seq ASC
		LIMIT $3`,
		workspaceID, correlationID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by correlation: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// ListByEntity returns events concerning a domain entity, newest first.
func (s *Store) ListByEntity(ctx context.Context, workspaceID, entityType, entityID string, limit int) ([]*models.Event, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND entity_type = $2 AND entity_id = $3
		ORDER BY recorded_at DESC, stream_seq DESC
		LIMIT $4`,
		workspaceID, entityType, entityID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events by entity: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Cursor is an opaque pagination position over (recorded_at, stream_seq).
type Cursor struct {
	RecordedAt time.Time `json:"recorded_at"`
	StreamSeq  int64     `json:"stream_seq"`
}

// ListPage returns a workspace-wide page of events after the cursor.
func (s *Store) ListPage(ctx context.Context, workspaceID string, cursor *Cursor, limit int) ([]*models.Event, *Cursor, error) {
	if limit <= 0 {
		limit = 100
	}
	after := Cursor{}
	if cursor != nil {
		after = *cursor
	}
	rows, err := s.db.QueryContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND (recorded_at, stream_seq) > ($2, $3)
		ORDER BY recorded_at ASC, stream_seq ASC
		LIMIT $4`,
		workspaceID, after.RecordedAt, after.StreamSeq, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list event page: %w", err)
	}
	defer rows.Close()

	events, err := collectEvents(rows)
	if err != nil {
		return nil, nil, err
	}
	var next *Cursor
	if len(events) == limit {
		last := events[len(events)-1]
		next = &Cursor{RecordedAt: last.RecordedAt, StreamSeq: last.StreamSeq}
	}
	return events, next, nil
}

// VerifyChain replays a stream and checks the hash chain and gapless
// sequencing offline. Returns the number of verified events.
func (s *Store) VerifyChain(ctx context.Context, streamType models.StreamType, streamID string) (int, error) {
	events, err := s.ReadStream(ctx, streamType, streamID, 0, 1<<30)
	if err != nil {
		return 0, err
	}
	prevHash := ""
	for i, e := range events {
		if e.StreamSeq != int64(i+1) {
			return i, fmt.Errorf("gap in stream %s/%s: expected seq %d, got %d",
				streamType, streamID, i+1, e.StreamSeq)
		}
		if e.PrevEventHash != prevHash {
			return i, fmt.Errorf("broken chain at seq %d: prev_event_hash mismatch", e.StreamSeq)
		}
		want, err := HashEvent(e, prevHash)
		if err != nil {
			return i, err
		}
		if e.EventHash != want {
			return i, fmt.Errorf("broken chain at seq %d: event_hash mismatch", e.StreamSeq)
		}
		prevHash = e.EventHash
	}
	return len(events), nil
}

func collectEvents(rows *sql.Rows) ([]*models.Event, error) {
	var events []*models.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate events: %w", err)
	}
	return events, nil
}
