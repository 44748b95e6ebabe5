// Package models holds the domain types shared by services, the event store
// and the API layer.
package models

import (
	"encoding/json"
	"time"
)

// StreamType identifies the sequencing unit an event belongs to.
type StreamType string

// Stream types. Each (stream_type, stream_id) pair is its own ordered,
// hash-chained sequence.
const (
	StreamWorkspace StreamType = "workspace"
	StreamRoom      StreamType = "room"
	StreamRun       StreamType = "run"
	StreamThread    StreamType = "thread"
	StreamAgent     StreamType = "agent"
	StreamIncident  StreamType = "incident"
)

// Actor identifies who caused an event.
type Actor struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

// Stream identifies the sequence an event is appended to.
type Stream struct {
	Type StreamType `json:"type"`
	ID   string     `json:"id"`
}

// EventDraft is the caller-supplied portion of an event. The store assigns
// event_id, stream_seq, hashes and recorded_at.
type EventDraft struct {
	EventType       string
	EventVersion    int
	OccurredAt      time.Time
	Actor           Actor
	Stream          Stream
	CorrelationID   string
	CausationID     string
	IdempotencyKey  string
	EntityType      string
	EntityID        string
	Data            json.RawMessage
	ContainsSecrets bool

	// PolicyDecision / PolicyReasonCode record the policy outcome that
	// accompanied this mutation, when one was evaluated.
	PolicyDecision   string
	PolicyReasonCode string
}

// Event is a fully materialized, immutable event row.
type Event struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     int             `json:"event_version"`
	OccurredAt       time.Time       `json:"occurred_at"`
	RecordedAt       time.Time       `json:"recorded_at"`
	WorkspaceID      string          `json:"workspace_id"`
	Actor            Actor           `json:"actor"`
	Stream           Stream          `json:"stream"`
	StreamSeq        int64           `json:"stream_seq"`
	CorrelationID    string          `json:"correlation_id"`
	CausationID      string          `json:"causation_id,omitempty"`
	IdempotencyKey   string          `json:"idempotency_key,omitempty"`
	PrevEventHash    string          `json:"prev_event_hash"`
	EventHash        string          `json:"event_hash"`
	EntityType       string          `json:"entity_type"`
	EntityID         string          `json:"entity_id"`
	Data             json.RawMessage `json:"data"`
	ContainsSecrets  bool            `json:"contains_secrets"`
	PolicyDecision   string          `json:"policy_decision,omitempty"`
	PolicyReasonCode string          `json:"policy_reason_code,omitempty"`
}

// AppendedEvent pairs a stored event with its replay marker.
type AppendedEvent struct {
	Event *Event

	// IdempotentReplay is true when the append hit an existing
	// (workspace, idempotency_key) row and returned it unchanged.
	IdempotentReplay bool
}
