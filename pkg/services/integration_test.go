package services_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/projection"
	"github.com/codeready-toolchain/conductor/pkg/services"
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

const testWorkspace = "ws_services"

func newKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), testWorkspace)
	store := eventstore.New(client.DB())
	return kernel.New(client.DB(), store, projection.NewEngine(), nil)
}

func newLeases(k *kernel.Kernel) *lease.Coordinator {
	return lease.NewCoordinator(k, config.LeaseConfig{TTL: time.Minute})
}

func actor() models.Actor {
	return models.Actor{Type: "agent", ID: "agent_test"}
}

func TestIncidentCloseGate(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newKernel(t)
	svc := services.NewIncidentService(krnl, newLeases(krnl))
	ctx := context.Background()

	incident, _, err := svc.OpenIncident(ctx, testWorkspace, services.OpenIncidentRequest{
		Category:      "deploy_failure",
		Actor:         actor(),
		CorrelationID: "corr_inc",
	})
	require.NoError(t, err)
	assert.Equal(t, "open", incident.Status)

	t.Run("close without RCA is blocked", func(t *testing.T) {
		_, err := svc.CloseIncident(ctx, testWorkspace, incident.IncidentID, actor())
		assert.ErrorIs(t, err, services.ErrIncidentCloseMissingRCA)
	})

	_, err = svc.RecordRCA(ctx, testWorkspace, incident.IncidentID,
		json.RawMessage(`{"cause":"bad rollout"}`), actor())
	require.NoError(t, err)

	t.Run("close without learning is blocked", func(t *testing.T) {
		_, err := svc.CloseIncident(ctx, testWorkspace, incident.IncidentID, actor())
		assert.ErrorIs(t, err, services.ErrIncidentCloseMissingLearning)
	})

	_, err = svc.RecordLearning(ctx, testWorkspace, incident.IncidentID,
		json.RawMessage(`{"lesson":"canary first"}`), actor())
	require.NoError(t, err)

	t.Run("close succeeds after RCA and learning", func(t *testing.T) {
		closed, err := svc.CloseIncident(ctx, testWorkspace, incident.IncidentID, actor())
		require.NoError(t, err)
		assert.Equal(t, "closed", closed.Status)
		require.NotNil(t, closed.ClosedAt)
	})
}

func TestMessageIdempotency(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newKernel(t)
	rooms := services.NewRoomService(krnl, newLeases(krnl))
	ctx := context.Background()

	room, _, err := rooms.CreateRoom(ctx, testWorkspace, services.CreateRoomRequest{
		Name: "general", Actor: actor(), CorrelationID: "corr_room",
	})
	require.NoError(t, err)
	thread, _, err := rooms.CreateThread(ctx, testWorkspace, services.CreateThreadRequest{
		RoomID: room.RoomID, Actor: actor(), CorrelationID: "corr_room",
	})
	require.NoError(t, err)

	key := "msg:create:" + testWorkspace + ":thread:" + thread.ThreadID + ":1"
	first, replay, err := rooms.CreateMessage(ctx, testWorkspace, services.CreateMessageRequest{
		ThreadID:       thread.ThreadID,
		Body:           json.RawMessage(`{"text":"hello"}`),
		Actor:          actor(),
		CorrelationID:  "corr_msg",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.False(t, replay)

	second, replay, err := rooms.CreateMessage(ctx, testWorkspace, services.CreateMessageRequest{
		ThreadID:       thread.ThreadID,
		Body:           json.RawMessage(`{"text":"hello"}`),
		Actor:          actor(),
		CorrelationID:  "corr_msg",
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.True(t, replay)
	assert.Equal(t, first.MessageID, second.MessageID)

	t.Run("same key from a different agent conflicts", func(t *testing.T) {
		_, _, err := rooms.CreateMessage(ctx, testWorkspace, services.CreateMessageRequest{
			ThreadID:       thread.ThreadID,
			Body:           json.RawMessage(`{"text":"hello"}`),
			Actor:          models.Actor{Type: "agent", ID: "someone_else"},
			CorrelationID:  "corr_msg",
			IdempotencyKey: key,
		})
		assert.ErrorIs(t, err, eventstore.ErrIdempotencyConflict)
	})

	t.Run("invalid intent is rejected", func(t *testing.T) {
		_, _, err := rooms.CreateMessage(ctx, testWorkspace, services.CreateMessageRequest{
			ThreadID: thread.ThreadID,
			Intent:   "detonate",
			Actor:    actor(),
		})
		assert.ErrorIs(t, err, services.ErrInvalidIntent)
	})
}

func TestExperimentCloseGuards(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newKernel(t)
	cfg := &config.Config{}
	experiments := services.NewExperimentService(krnl, cfg)
	runs := services.NewRunService(krnl)
	ctx := context.Background()

	experiment, _, err := experiments.CreateExperiment(ctx, testWorkspace, services.CreateExperimentRequest{
		Actor: actor(), CorrelationID: "corr_exp",
	})
	require.NoError(t, err)

	run, _, err := runs.CreateRun(ctx, testWorkspace, services.CreateRunRequest{
		ExperimentID:  experiment.ExperimentID,
		AgentID:       "agent_test",
		Actor:         actor(),
		CorrelationID: "corr_exp",
	})
	require.NoError(t, err)
	assert.Equal(t, models.RunQueued, run.Status)

	t.Run("close with active runs is blocked", func(t *testing.T) {
		_, err := experiments.CloseExperiment(ctx, testWorkspace, experiment.ExperimentID, actor())
		assert.ErrorIs(t, err, services.ErrExperimentHasActiveRuns)
	})

	_, err = runs.StartRun(ctx, testWorkspace, run.RunID, actor(), "corr_exp")
	require.NoError(t, err)
	_, err = runs.CompleteRun(ctx, testWorkspace, run.RunID, actor(), "corr_exp")
	require.NoError(t, err)

	t.Run("close succeeds once runs finish", func(t *testing.T) {
		closed, err := experiments.CloseExperiment(ctx, testWorkspace, experiment.ExperimentID, actor())
		require.NoError(t, err)
		assert.Equal(t, "closed", closed.Status)
	})

	t.Run("runs under a closed experiment are rejected", func(t *testing.T) {
		_, _, err := runs.CreateRun(ctx, testWorkspace, services.CreateRunRequest{
			ExperimentID: experiment.ExperimentID,
			Actor:        actor(),
		})
		assert.ErrorIs(t, err, services.ErrExperimentNotOpen)
	})

	t.Run("terminal status is monotonic under replayed transitions", func(t *testing.T) {
		// A late run.started replay must not regress a succeeded run.
		_, err := runs.StartRun(ctx, testWorkspace, run.RunID, actor(), "corr_exp")
		require.NoError(t, err)
		current, err := runs.GetRun(ctx, testWorkspace, run.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.RunSucceeded, current.Status)
	})

	t.Run("a finished run cannot flip to the other terminal status", func(t *testing.T) {
		_, err := runs.FailRun(ctx, testWorkspace, run.RunID, "late failure", actor(), "corr_exp")
		assert.ErrorIs(t, err, services.ErrRunAlreadyTerminal)

		// Repeating the matching terminal call replays idempotently.
		same, err := runs.CompleteRun(ctx, testWorkspace, run.RunID, actor(), "corr_exp")
		require.NoError(t, err)
		assert.Equal(t, models.RunSucceeded, same.Status)
	})
}
