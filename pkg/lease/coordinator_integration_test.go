package lease_test

import (
	"context"
	"errors"
	"sync"
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
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

func newCoordinator(t *testing.T) (*lease.Coordinator, *kernel.Kernel) {
	t.Helper()
	client := testdb.NewTestClient(t)
	testdb.SeedWorkspace(t, client.DB(), "ws_lease")
	store := eventstore.New(client.DB())
	krnl := kernel.New(client.DB(), store, projection.NewEngine(), nil)
	coord := lease.NewCoordinator(krnl, config.LeaseConfig{
		TTL:                  time.Minute,
		HeartbeatMinInterval: 0,
	})
	return coord, krnl
}

func TestCoordinator_ClaimReplayAndConflicts(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	coord, _ := newCoordinator(t)
	ctx := context.Background()

	first, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_x", "agent_a", "corr_1")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimCreated, first.Outcome)
	assert.Equal(t, int64(1), first.Lease.Version)

	t.Run("same agent and correlation replays", func(t *testing.T) {
		replay, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_x", "agent_a", "corr_1")
		require.NoError(t, err)
		assert.Equal(t, models.ClaimReplay, replay.Outcome)
		assert.Equal(t, first.Lease.LeaseID, replay.Lease.LeaseID)
	})

	t.Run("same agent different correlation conflicts", func(t *testing.T) {
		_, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_x", "agent_a", "corr_2")
		assert.ErrorIs(t, err, lease.ErrCorrelationMismatch)
	})

	t.Run("different agent conflicts", func(t *testing.T) {
		_, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_x", "agent_b", "corr_3")
		assert.ErrorIs(t, err, lease.ErrAlreadyClaimed)
	})

	t.Run("run work items are rejected", func(t *testing.T) {
		_, err := coord.Claim(ctx, "ws_lease", models.WorkItemType("run"), "run_1", "agent_a", "corr_1")
		assert.ErrorIs(t, err, lease.ErrInvalidWorkItemType)
	})
}

// Twenty concurrent claimants with the same agent and correlation resolve to
// exactly one created claim; every other claimant eventually observes a
// replay of the same lease. Claimants that collide on the NOWAIT row lock get
// ErrHeartbeatRateLimited (429) and those that lose the insert race get
// ErrAlreadyClaimed (409); both retry.
func TestCoordinator_ConcurrentClaims(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	coord, krnl := newCoordinator(t)
	ctx := context.Background()

	const claimants = 20
	outcomes := make([]models.ClaimOutcome, claimants)
	leaseIDs := make([]string, claimants)

	var wg sync.WaitGroup
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for {
				result, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_conc", "agent_a", "corr_conc")
				if err != nil {
					if errors.Is(err, lease.ErrHeartbeatRateLimited) || errors.Is(err, lease.ErrAlreadyClaimed) {
						// Transient under same-agent contention: the
						// winner's row becomes a replay on retry.
						time.Sleep(10 * time.Millisecond)
						continue
					}
					t.Errorf("claimant %d: unexpected error: %v", i, err)
					return
				}
				outcomes[i] = result.Outcome
				leaseIDs[i] = result.Lease.LeaseID
				return
			}
		}(i)
	}
	wg.Wait()

	created, replays := 0, 0
	for i, outcome := range outcomes {
		switch outcome {
		case models.ClaimCreated:
			created++
		case models.ClaimReplay:
			replays++
		}
		assert.Equal(t, leaseIDs[0], leaseIDs[i], "all claimants share one lease")
	}
	assert.Equal(t, 1, created, "exactly one claim wins")
	assert.Equal(t, claimants-1, replays, "everyone else replays")

	// One lease row and one lease.claimed event for the work item.
	var rows int
	require.NoError(t, krnl.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM work_item_leases
		WHERE workspace_id = 'ws_lease' AND work_item_type = 'incident' AND work_item_id = 'inc_conc'`,
	).Scan(&rows))
	assert.Equal(t, 1, rows)

	events, err := krnl.Store().ReadStream(ctx, models.StreamWorkspace, "ws_lease", 0, 500)
	require.NoError(t, err)
	claimedEvents := 0
	for _, e := range events {
		if e.EventType == "lease.claimed" && e.EntityID == "inc_conc" {
			claimedEvents++
		}
	}
	assert.Equal(t, 1, claimedEvents)
}

func TestCoordinator_PreemptExpiredLease(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	coord, krnl := newCoordinator(t)
	ctx := context.Background()

	first, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_pre", "agent_a", "corr_1")
	require.NoError(t, err)

	// Force expiry, then a new claim preempts atomically.
	_, err = krnl.DB().ExecContext(ctx, `
		UPDATE work_item_leases SET expires_at = now() - interval '1 second'
		WHERE lease_id = $1`, first.Lease.LeaseID)
	require.NoError(t, err)

	second, err := coord.Claim(ctx, "ws_lease", models.WorkItemIncident, "inc_pre", "agent_b", "corr_2")
	require.NoError(t, err)
	assert.Equal(t, models.ClaimPreempted, second.Outcome)
	assert.NotEqual(t, first.Lease.LeaseID, second.Lease.LeaseID)
	assert.Equal(t, int64(1), second.Lease.Version)

	// Event order: lease.preempted strictly before the following
	// lease.claimed in the workspace stream.
	events, err := krnl.Store().ReadStream(ctx, models.StreamWorkspace, "ws_lease", 0, 100)
	require.NoError(t, err)
	var preemptSeq, claimSeq int64
	for _, e := range events {
		if e.EventType == "lease.preempted" && e.EntityID == "inc_pre" {
			preemptSeq = e.StreamSeq
		}
		if e.EventType == "lease.claimed" && e.EntityID == "inc_pre" && e.StreamSeq > preemptSeq && claimSeq == 0 && preemptSeq > 0 {
			claimSeq = e.StreamSeq
		}
	}
	require.NotZero(t, preemptSeq)
	require.NotZero(t, claimSeq)
	assert.Less(t, preemptSeq, claimSeq)

	// The preempted holder is fenced out of heartbeats.
	_, err = coord.Heartbeat(ctx, "ws_lease", first.Lease.LeaseID, first.Lease.Version)
	assert.ErrorIs(t, err, lease.ErrExpiredOrPreempted)
}

func TestCoordinator_HeartbeatFencing(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	coord, _ := newCoordinator(t)
	ctx := context.Background()

	claimed, err := coord.Claim(ctx, "ws_lease", models.WorkItemMessage, "msg_hb", "agent_a", "corr_hb")
	require.NoError(t, err)

	// Wrong version reports the current fencing state.
	_, err = coord.Heartbeat(ctx, "ws_lease", claimed.Lease.LeaseID, 42)
	var vm *lease.VersionMismatchError
	require.ErrorAs(t, err, &vm)
	assert.Equal(t, claimed.Lease.LeaseID, vm.LeaseID)
	assert.Equal(t, int64(1), vm.CurrentVersion)

	// Correct version increments it.
	updated, err := coord.Heartbeat(ctx, "ws_lease", claimed.Lease.LeaseID, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
}

func TestCoordinator_ReleaseSemantics(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	coord, _ := newCoordinator(t)
	ctx := context.Background()

	claimed, err := coord.Claim(ctx, "ws_lease", models.WorkItemApproval, "apr_rel", "agent_a", "corr_rel")
	require.NoError(t, err)

	t.Run("non-owner release is a stale no-op", func(t *testing.T) {
		released, err := coord.Release(ctx, "ws_lease", "not-the-lease")
		require.NoError(t, err)
		assert.False(t, released)
	})

	t.Run("owner release deletes the lease", func(t *testing.T) {
		released, err := coord.Release(ctx, "ws_lease", claimed.Lease.LeaseID)
		require.NoError(t, err)
		assert.True(t, released)

		current, err := coord.Get(ctx, "ws_lease", models.WorkItemApproval, "apr_rel")
		require.NoError(t, err)
		assert.Nil(t, current)
	})
}
