// Package eventstore is the sole gateway for state change: an append-only
// event log with per-stream gapless sequencing, SHA-256 hash chaining and an
// idempotency index.
package eventstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Store errors. The API layer maps these to the fixed reason codes.
var (
	// ErrUnauthorizedWorkspace is returned when a draft's stream belongs to
	// a different workspace than the bound one.
	ErrUnauthorizedWorkspace = errors.New("stream belongs to a different workspace")

	// ErrIdempotencyConflict is returned when an idempotency key is reused
	// with a different actor or payload.
	ErrIdempotencyConflict = errors.New("idempotency key reused with different actor or payload")

	// ErrStreamSeqConflict is returned when the stream sequence uniqueness
	// check fails despite the sentinel lock (should not happen; indicates
	// out-of-band writes).
	ErrStreamSeqConflict = errors.New("stream sequence conflict")

	// ErrLockContention is returned when the stream sentinel is held by a
	// concurrent append. Callers retry with backoff (429 at the API).
	ErrLockContention = errors.New("stream is locked by a concurrent append")
)

// Store appends and reads events. All appends run inside a caller-supplied
// transaction so projections and outbox rows commit atomically with the log.
type Store struct {
	db *sql.DB
}

// New creates a Store over the shared connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the pool for read helpers that do not need a transaction.
func (s *Store) DB() *sql.DB { return s.db }

// AppendInTx appends drafts to their streams within tx. For each draft it:
// locks the stream sentinel (FOR UPDATE NOWAIT), resolves idempotent replays,
// assigns the next gapless stream_seq, chains the hash and inserts the row.
//
// On replay the existing event is returned with IdempotentReplay=true and no
// row is inserted — callers must skip projection side effects for it.
func (s *Store) AppendInTx(ctx context.Context, tx *sql.Tx, workspaceID string, drafts []models.EventDraft) ([]models.AppendedEvent, error) {
	out := make([]models.AppendedEvent, 0, len(drafts))
	for i := range drafts {
		appended, err := s.appendOne(ctx, tx, workspaceID, &drafts[i])
		if err != nil {
			return nil, err
		}
		out = append(out, *appended)
	}
	return out, nil
}

func (s *Store) appendOne(ctx context.Context, tx *sql.Tx, workspaceID string, d *models.EventDraft) (*models.AppendedEvent, error) {
	// Idempotent replay: an existing row under (workspace, key) wins, but a
	// collision with a different actor or payload is unresolvable.
	if d.IdempotencyKey != "" {
		existing, err := getByIdempotencyKey(ctx, tx, workspaceID, d.IdempotencyKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		if existing != nil {
			if existing.Actor != d.Actor || !jsonEqual(existing.Data, d.Data) {
				return nil, fmt.Errorf("%w: key %q", ErrIdempotencyConflict, d.IdempotencyKey)
			}
			return &models.AppendedEvent{Event: existing, IdempotentReplay: true}, nil
		}
	}

	head, err := lockStreamHead(ctx, tx, workspaceID, d.Stream)
	if err != nil {
		return nil, err
	}
	if head.workspaceID != workspaceID {
		return nil, fmt.Errorf("%w: stream %s/%s", ErrUnauthorizedWorkspace, d.Stream.Type, d.Stream.ID)
	}

	e := &models.Event{
		EventID:          uuid.New().String(),
		EventType:        d.EventType,
		EventVersion:     max(d.EventVersion, 1),
		OccurredAt:       d.OccurredAt,
		WorkspaceID:      workspaceID,
		Actor:            d.Actor,
		Stream:           d.Stream,
		StreamSeq:        head.lastSeq + 1,
		CorrelationID:    d.CorrelationID,
		CausationID:      d.CausationID,
		IdempotencyKey:   d.IdempotencyKey,
		PrevEventHash:    head.lastHash,
		EntityType:       d.EntityType,
		EntityID:         d.EntityID,
		Data:             d.Data,
		ContainsSecrets:  d.ContainsSecrets,
		PolicyDecision:   d.PolicyDecision,
		PolicyReasonCode: d.PolicyReasonCode,
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now()
	}
	if len(e.Data) == 0 {
		e.Data = json.RawMessage(`{}`)
	}

	e.EventHash, err = HashEvent(e, e.PrevEventHash)
	if err != nil {
		return nil, fmt.Errorf("failed to hash event: %w", err)
	}

	var idemKey, causation *string
	if e.IdempotencyKey != "" {
		idemKey = &e.IdempotencyKey
	}
	if e.CausationID != "" {
		causation = &e.CausationID
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO evt_events (
			event_id, event_type, event_version, occurred_at, workspace_id,
			actor_type, actor_id, stream_type, stream_id, stream_seq,
			correlation_id, causation_id, idempotency_key,
			prev_event_hash, event_hash, entity_type, entity_id, data,
			contains_secrets, policy_decision, policy_reason_code
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,
		          NULLIF($20,''), NULLIF($21,''))
		RETURNING recorded_at`,
		e.EventID, e.EventType, e.EventVersion, e.OccurredAt, e.WorkspaceID,
		e.Actor.Type, e.Actor.ID, e.Stream.Type, e.Stream.ID, e.StreamSeq,
		e.CorrelationID, causation, idemKey,
		e.PrevEventHash, e.EventHash, e.EntityType, e.EntityID, []byte(e.Data),
		e.ContainsSecrets, e.PolicyDecision, e.PolicyReasonCode,
	).Scan(&e.RecordedAt)
	if err != nil {
		if database.IsUniqueViolation(err, "evt_events_stream_seq") {
			return nil, ErrStreamSeqConflict
		}
		// Two writers racing the same fresh idempotency key: the loser's
		// retry resolves to a replay of the winner's row.
		if database.IsUniqueViolation(err, "evt_events_idempotency") {
			return nil, ErrLockContention
		}
		return nil, fmt.Errorf("failed to insert event: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE evt_stream_heads SET last_seq = $1, last_hash = $2, updated_at = now()
		WHERE stream_type = $3 AND stream_id = $4`,
		e.StreamSeq, e.EventHash, e.Stream.Type, e.Stream.ID,
	); err != nil {
		return nil, fmt.Errorf("failed to advance stream head: %w", err)
	}

	// Wake pollers as soon as the transaction commits. pg_notify is
	// transactional so nothing leaks on rollback. Polling remains the
	// correctness path; this only cuts latency.
	payload := fmt.Sprintf(`{"event_id":%q,"stream_seq":%d}`, e.EventID, e.StreamSeq)
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`,
		StreamChannel(e.Stream.Type, e.Stream.ID), payload); err != nil {
		return nil, fmt.Errorf("pg_notify failed: %w", err)
	}

	return &models.AppendedEvent{Event: e}, nil
}

// streamHead is the locked sentinel row state.
type streamHead struct {
	workspaceID string
	lastSeq     int64
	lastHash    string
}

// lockStreamHead creates the sentinel on first append, then locks it with
// FOR UPDATE NOWAIT. Lock contention surfaces as ErrLockContention.
func lockStreamHead(ctx context.Context, tx *sql.Tx, workspaceID string, stream models.Stream) (*streamHead, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO evt_stream_heads (stream_type, stream_id, workspace_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (stream_type, stream_id) DO NOTHING`,
		stream.Type, stream.ID, workspaceID,
	); err != nil {
		return nil, fmt.Errorf("failed to ensure stream head: %w", err)
	}

	head := &streamHead{}
	err := tx.QueryRowContext(ctx, `
		SELECT workspace_id, last_seq, last_hash
		FROM evt_stream_heads
		WHERE stream_type = $1 AND stream_id = $2
		FOR UPDATE NOWAIT`,
		stream.Type, stream.ID,
	).Scan(&head.workspaceID, &head.lastSeq, &head.lastHash)
	if err != nil {
		if database.IsLockNotAvailable(err) {
			return nil, ErrLockContention
		}
		return nil, fmt.Errorf("failed to lock stream head: %w", err)
	}
	return head, nil
}

// StreamChannel is the NOTIFY channel name for a stream. Postgres channel
// names cap at 63 bytes; stream ids are UUID-sized so this stays within it.
func StreamChannel(streamType models.StreamType, streamID string) string {
	return fmt.Sprintf("evt_%s_%s", streamType, streamID)
}

func getByIdempotencyKey(ctx context.Context, tx *sql.Tx, workspaceID, key string) (*models.Event, error) {
	row := tx.QueryRowContext(ctx, selectEventSQL+`
		WHERE workspace_id = $1 AND idempotency_key = $2`,
		workspaceID, key)
	e, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query idempotency key: %w", err)
	}
	return e, nil
}

// jsonEqual compares two JSON payloads structurally (key order insensitive).
func jsonEqual(a, b json.RawMessage) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	var av, bv any
	if err := json.Unmarshal(orEmptyObject(a), &av); err != nil {
		return bytes.Equal(a, b)
	}
	if err := json.Unmarshal(orEmptyObject(b), &bv); err != nil {
		return bytes.Equal(a, b)
	}
	ac, _ := json.Marshal(canonicalize(av))
	bc, _ := json.Marshal(canonicalize(bv))
	return bytes.Equal(ac, bc)
}

func orEmptyObject(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte(`{}`)
	}
	return raw
}

// canonicalize normalizes nested maps for order-insensitive comparison.
// encoding/json already sorts map keys on marshal; this exists to force
// []any/map[string]any shapes all the way down.
func canonicalize(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = canonicalize(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = canonicalize(item)
		}
		return out
	default:
		return v
	}
}
