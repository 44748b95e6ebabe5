package eventstore_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/models"
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

func draft(eventType, streamID, entityID, idempotencyKey string, data string) models.EventDraft {
	return models.EventDraft{
		EventType:      eventType,
		OccurredAt:     time.Now(),
		Actor:          models.Actor{Type: "agent", ID: "agent_a"},
		Stream:         models.Stream{Type: models.StreamRoom, ID: streamID},
		CorrelationID:  "corr_contract",
		IdempotencyKey: idempotencyKey,
		EntityType:     "room",
		EntityID:       entityID,
		Data:           json.RawMessage(data),
	}
}

func appendAll(t *testing.T, store *eventstore.Store, db *sql.DB, workspaceID string, drafts ...models.EventDraft) []models.AppendedEvent {
	t.Helper()
	ctx := context.Background()
	tx, err := db.BeginTx(ctx, nil)
	require.NoError(t, err)
	appended, err := store.AppendInTx(ctx, tx, workspaceID, drafts)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return appended
}

func TestStore_AppendChain(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), "ws_contract")
	store := eventstore.New(client.DB())
	ctx := context.Background()

	appended := appendAll(t, store, client.DB(), "ws_contract",
		draft("room.created", "room_1", "room_1", "", `{"name":"general"}`),
		draft("thread.created", "room_1", "thr_1", "", `{"thread_id":"thr_1"}`),
		draft("message.created", "room_1", "msg_1", "", `{"message_id":"msg_1"}`),
	)
	require.Len(t, appended, 3)

	events, err := store.ReadStream(ctx, models.StreamRoom, "room_1", 0, 100)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(events), 3)

	// Gapless 1..K, chained hashes, empty prev for seq 1.
	assert.Equal(t, "", events[0].PrevEventHash)
	for i, e := range events {
		assert.Equal(t, int64(i+1), e.StreamSeq)
		if i > 0 {
			assert.Equal(t, events[i-1].EventHash, e.PrevEventHash)
		}
		want, err := eventstore.HashEvent(e, e.PrevEventHash)
		require.NoError(t, err)
		assert.Equal(t, want, e.EventHash)
	}

	verified, err := store.VerifyChain(ctx, models.StreamRoom, "room_1")
	require.NoError(t, err)
	assert.Equal(t, len(events), verified)
}

func TestStore_IdempotentReplay(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), "ws_idem")
	store := eventstore.New(client.DB())

	key := "msg:create:ws_idem:message:msg_1"
	first := appendAll(t, store, client.DB(), "ws_idem",
		draft("message.created", "room_i", "msg_1", key, `{"message_id":"msg_1"}`))
	require.False(t, first[0].IdempotentReplay)

	second := appendAll(t, store, client.DB(), "ws_idem",
		draft("message.created", "room_i", "msg_1", key, `{"message_id":"msg_1"}`))
	assert.True(t, second[0].IdempotentReplay)
	assert.Equal(t, first[0].Event.EventID, second[0].Event.EventID)

	// No second row was written.
	events, err := store.ReadStream(context.Background(), models.StreamRoom, "room_i", 0, 100)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestStore_IdempotencyConflict(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), "ws_conflict")
	store := eventstore.New(client.DB())
	ctx := context.Background()

	key := "msg:create:ws_conflict:message:msg_1"
	appendAll(t, store, client.DB(), "ws_conflict",
		draft("message.created", "room_c", "msg_1", key, `{"message_id":"msg_1"}`))

	// Same key, different actor: unresolvable.
	other := draft("message.created", "room_c", "msg_1", key, `{"message_id":"msg_1"}`)
	other.Actor = models.Actor{Type: "agent", ID: "agent_b"}

	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = store.AppendInTx(ctx, tx, "ws_conflict", []models.EventDraft{other})
	assert.ErrorIs(t, err, eventstore.ErrIdempotencyConflict)
}

func TestStore_WorkspaceIsolation(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), "ws_a")
	testdb.SeedWorkspace(t, client.DB(), "ws_b")
	store := eventstore.New(client.DB())
	ctx := context.Background()

	appendAll(t, store, client.DB(), "ws_a",
		draft("room.created", "room_iso", "room_iso", "", `{"name":"a"}`))

	// The same stream appended under a different workspace is rejected.
	tx, err := client.DB().BeginTx(ctx, nil)
	require.NoError(t, err)
	defer func() { _ = tx.Rollback() }()
	_, err = store.AppendInTx(ctx, tx, "ws_b", []models.EventDraft{
		draft("room.created", "room_iso", "room_iso", "", `{"name":"b"}`),
	})
	assert.ErrorIs(t, err, eventstore.ErrUnauthorizedWorkspace)
}
