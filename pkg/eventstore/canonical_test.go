package eventstore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func fixedEvent() *models.Event {
	return &models.Event{
		EventID:       "evt_00000000-0000-0000-0000-000000000001",
		EventType:     "room.created",
		EventVersion:  1,
		OccurredAt:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		WorkspaceID:   "ws_contract",
		Actor:         models.Actor{Type: "agent", ID: "agent_a"},
		Stream:        models.Stream{Type: models.StreamRoom, ID: "room_1"},
		StreamSeq:     1,
		CorrelationID: "corr_1",
		EntityType:    "room",
		EntityID:      "room_1",
		Data:          json.RawMessage(`{"name":"general","z":1,"a":{"nested":true}}`),
	}
}

// The canonical encoding is pinned: sorted keys, no whitespace, RFC 3339
// nanosecond UTC timestamps, integral floats printed without fraction.
// Changing the serializer breaks every stored hash — this golden guards it.
func TestCanonicalBytes_Golden(t *testing.T) {
	canonical, err := CanonicalBytes(fixedEvent())
	require.NoError(t, err)

	const want = `{"actor_id":"agent_a","actor_type":"agent","causation_id":"",` +
		`"contains_secrets":false,"correlation_id":"corr_1",` +
		`"data":{"a":{"nested":true},"name":"general","z":1},` +
		`"entity_id":"room_1","entity_type":"room",` +
		`"event_id":"evt_00000000-0000-0000-0000-000000000001",` +
		`"event_type":"room.created","event_version":1,"idempotency_key":"",` +
		`"occurred_at":"2025-06-01T12:00:00Z","stream_id":"room_1",` +
		`"stream_seq":1,"stream_type":"room","workspace_id":"ws_contract"}`
	assert.Equal(t, want, string(canonical))
}

func TestCanonicalBytes_KeyOrderInsensitive(t *testing.T) {
	a := fixedEvent()
	b := fixedEvent()
	b.Data = json.RawMessage(`{"z":1,"a":{"nested":true},"name":"general"}`)

	ca, err := CanonicalBytes(a)
	require.NoError(t, err)
	cb, err := CanonicalBytes(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
}

func TestCanonicalBytes_RejectsInvalidData(t *testing.T) {
	e := fixedEvent()
	e.Data = json.RawMessage(`{not json`)
	_, err := CanonicalBytes(e)
	assert.Error(t, err)
}

func TestComputeHash_ChainsPrevHash(t *testing.T) {
	canonical, err := CanonicalBytes(fixedEvent())
	require.NoError(t, err)

	// Sequence 1 chains against the empty string.
	first := ComputeHash(canonical, "")
	sum := sha256.Sum256(canonical)
	assert.Equal(t, hex.EncodeToString(sum[:]), first)

	// A different prev hash must produce a different event hash.
	second := ComputeHash(canonical, first)
	assert.NotEqual(t, first, second)

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte(first))
	assert.Equal(t, hex.EncodeToString(h.Sum(nil)), second)
}

func TestHashEvent_Deterministic(t *testing.T) {
	e := fixedEvent()
	h1, err := HashEvent(e, "")
	require.NoError(t, err)
	h2, err := HashEvent(e, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	// The hash fields themselves are excluded from the canonical bytes.
	e.EventHash = "bogus"
	e.PrevEventHash = ""
	h3, err := HashEvent(e, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h3)
}

func TestIdempotencyKey(t *testing.T) {
	assert.Equal(t, "claim:ws_1:incident:inc_x:lease_1",
		IdempotencyKey("claim", "ws_1", "incident", "inc_x", "lease_1"))
	assert.Equal(t, "message:request_approval:ws_1:run_9",
		IdempotencyKey("message", "request_approval", "", "ws_1", "run_9"))
}

func TestJSONEqual(t *testing.T) {
	assert.True(t, jsonEqual(json.RawMessage(`{"a":1,"b":2}`), json.RawMessage(`{"b":2,"a":1}`)))
	assert.False(t, jsonEqual(json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":2}`)))
	assert.True(t, jsonEqual(nil, json.RawMessage(`{}`)))
}
