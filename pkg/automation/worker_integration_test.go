package automation_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/automation"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/projection"
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

const autoWorkspace = "ws_auto"

func automationConfig() config.AutomationConfig {
	return config.AutomationConfig{
		PromotionLoopEnabled: true,
		WorkerCount:          1,
		PollInterval:         50 * time.Millisecond,
		HandlerTimeout:       5 * time.Second,
	}
}

func newAutomationKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), autoWorkspace)
	store := eventstore.New(client.DB())
	return kernel.New(client.DB(), store, projection.NewEngine(), nil)
}

func scorecardDraft(runID, verdict, riskTier string, iteration int) models.EventDraft {
	payload, _ := json.Marshal(map[string]any{
		"scorecard_id": "sc_" + runID,
		"run_id":       runID,
		"verdict":      verdict,
		"risk_tier":    riskTier,
		"iteration":    iteration,
	})
	return models.EventDraft{
		EventType:     "scorecard.recorded",
		OccurredAt:    time.Now(),
		Actor:         models.Actor{Type: "agent", ID: "agent_auto"},
		Stream:        models.Stream{Type: models.StreamRun, ID: runID},
		CorrelationID: "corr_" + runID,
		EntityType:    "scorecard",
		EntityID:      "sc_" + runID,
		Data:          payload,
	}
}

// drainAll runs workers until the outbox is empty or the deadline passes.
func drainAll(t *testing.T, krnl *kernel.Kernel, reg *automation.Registry) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	pool := automation.NewWorkerPool("test-pod", krnl, reg, automationConfig())
	pool.Start(ctx)
	defer pool.Stop()

	for {
		var n int
		require.NoError(t, krnl.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM evt_outbox WHERE available_at <= now()`).Scan(&n))
		if n == 0 {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatal("outbox did not drain in time")
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func TestPromotionLoop_PassRequestsApproval(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newAutomationKernel(t)
	loop := automation.NewLoop(krnl, true)
	reg := automation.DefaultRegistry(loop)
	krnl.SetBindings(reg.Bindings())
	ctx := context.Background()

	_, err := krnl.Write(ctx, autoWorkspace, []models.EventDraft{
		scorecardDraft("run_pass", "PASS", "medium", 1),
	})
	require.NoError(t, err)
	drainAll(t, krnl, reg)

	events, err := krnl.Store().ReadStream(ctx, models.StreamWorkspace, autoWorkspace, 0, 200)
	require.NoError(t, err)
	var intent string
	for _, e := range events {
		if e.EventType == "message.created" {
			var p struct {
				Intent string `json:"intent"`
			}
			require.NoError(t, json.Unmarshal(e.Data, &p))
			intent = p.Intent
		}
	}
	assert.Equal(t, "request_approval", intent)

	// Replaying the same scorecard produces no second message: the
	// emission key is stable.
	_, err = krnl.Write(ctx, autoWorkspace, []models.EventDraft{
		scorecardDraft("run_pass", "PASS", "medium", 1),
	})
	require.NoError(t, err)
	drainAll(t, krnl, reg)

	var msgCount int
	require.NoError(t, krnl.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM evt_events
		WHERE workspace_id = $1 AND event_type = 'message.created'`,
		autoWorkspace).Scan(&msgCount))
	assert.Equal(t, 1, msgCount)
}

func TestPromotionLoop_HighRiskAndOverflow(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newAutomationKernel(t)
	loop := automation.NewLoop(krnl, true)
	reg := automation.DefaultRegistry(loop)
	krnl.SetBindings(reg.Bindings())
	ctx := context.Background()

	_, err := krnl.Write(ctx, autoWorkspace, []models.EventDraft{
		scorecardDraft("run_high", "PASS", "high", 1),
		scorecardDraft("run_over", "PASS", "low", 9),
	})
	require.NoError(t, err)
	drainAll(t, krnl, reg)

	events, err := krnl.Store().ReadStream(ctx, models.StreamWorkspace, autoWorkspace, 0, 200)
	require.NoError(t, err)

	intents := map[string]bool{}
	var overflowIncident bool
	for _, e := range events {
		switch e.EventType {
		case "message.created":
			var p struct {
				Intent string `json:"intent"`
			}
			require.NoError(t, json.Unmarshal(e.Data, &p))
			intents[p.Intent] = true
		case "incident.opened":
			var p struct {
				Category string `json:"category"`
			}
			require.NoError(t, json.Unmarshal(e.Data, &p))
			if p.Category == "iteration_overflow" {
				overflowIncident = true
			}
		}
	}
	assert.True(t, intents["request_human_decision"], "high risk escalates to a human")
	assert.True(t, overflowIncident, "iteration overflow opens an incident")
}

func TestWorker_PoisonMessageThreeStrikes(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	krnl := newAutomationKernel(t)

	reg := automation.NewRegistry()
	reg.Register("always_fails", func(ctx context.Context, tx *sql.Tx, e *models.Event) error {
		return errors.New("handler exploded")
	}, "scorecard.recorded")
	krnl.SetBindings(reg.Bindings())
	ctx := context.Background()

	appended, err := krnl.Write(ctx, autoWorkspace, []models.EventDraft{
		scorecardDraft("run_poison", "PASS", "low", 1),
	})
	require.NoError(t, err)
	eventID := appended[0].Event.EventID

	// Three failed drains strike the entry out.
	worker := automation.NewWorker("w-poison", krnl, reg, automationConfig())
	for i := 0; i < 3; i++ {
		// Make the entry immediately available again after backoff.
		_, err := krnl.DB().ExecContext(ctx,
			`UPDATE evt_outbox SET available_at = now() WHERE event_id = $1`, eventID)
		require.NoError(t, err)
		_ = worker.DrainOnce(ctx)
	}

	var failureCount int
	var promoted bool
	require.NoError(t, krnl.DB().QueryRowContext(ctx, `
		SELECT failure_count, promoted FROM evt_dlq
		WHERE workspace_id = $1 AND message_id = $2`,
		autoWorkspace, eventID).Scan(&failureCount, &promoted))
	assert.Equal(t, 3, failureCount)
	assert.True(t, promoted)

	// One poison_message incident, idempotent on the message id.
	var incidents int
	require.NoError(t, krnl.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_incidents
		WHERE workspace_id = $1 AND category = 'poison_message' AND status = 'open'`,
		autoWorkspace).Scan(&incidents))
	assert.Equal(t, 1, incidents)

	// The automation failure never touched the producing event.
	_, err = krnl.Store().GetEvent(ctx, autoWorkspace, eventID)
	assert.NoError(t, err)
}
