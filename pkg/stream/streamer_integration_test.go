package stream_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/projection"
	"github.com/codeready-toolchain/conductor/pkg/stream"
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

const streamWorkspace = "ws_stream"

func TestStreamer_CursorDelivery(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), streamWorkspace)
	store := eventstore.New(client.DB())
	krnl := kernel.New(client.DB(), store, projection.NewEngine(), nil)
	streamer := stream.NewStreamer(store, nil)
	ctx := context.Background()

	draft := func(name string) models.EventDraft {
		payload, _ := json.Marshal(map[string]string{"room_id": "room_s", "name": name})
		return models.EventDraft{
			EventType:     "room.created",
			OccurredAt:    time.Now(),
			Actor:         models.Actor{Type: "agent", ID: "agent_s"},
			Stream:        models.Stream{Type: models.StreamRoom, ID: "room_s"},
			CorrelationID: "corr_s",
			EntityType:    "room",
			EntityID:      "room_s",
			Data:          payload,
		}
	}
	_, err := krnl.Write(ctx, streamWorkspace, []models.EventDraft{
		draft("one"), draft("two"), draft("three"),
	})
	require.NoError(t, err)

	t.Run("delivers from the cursor in order, then blocks until cancel", func(t *testing.T) {
		streamCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		defer cancel()

		var seqs []int64
		err := streamer.Stream(streamCtx, models.StreamRoom, "room_s", 1, func(e *models.Event) error {
			seqs = append(seqs, e.StreamSeq)
			if len(seqs) == 2 {
				cancel() // immediate cancellation once caught up
			}
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []int64{2, 3}, seqs, "events after from_seq, in stream order")
	})

	t.Run("callback error stops the stream", func(t *testing.T) {
		wantErr := assert.AnError
		err := streamer.Stream(ctx, models.StreamRoom, "room_s", 0, func(e *models.Event) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
	})
}
