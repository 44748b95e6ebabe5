package projection

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

func TestEngine_Registry(t *testing.T) {
	eng := NewEngine()

	t.Run("run lifecycle routes to the runs projector", func(t *testing.T) {
		for _, et := range []string{
			events.TypeRunCreated, events.TypeRunStarted,
			events.TypeRunCompleted, events.TypeRunFailed,
		} {
			assert.Equal(t, []string{"runs"}, eng.Projectors(et), et)
		}
	})

	t.Run("lease and policy events have no projector", func(t *testing.T) {
		for _, et := range []string{
			events.TypeLeaseClaimed, events.TypeLeasePreempted, events.TypeLeaseReleased,
			events.TypePolicyAllowed, events.TypePolicyDenied, events.TypePolicyRequireApproval,
			events.TypeEgressBlocked, events.TypeMistakeRepeated,
		} {
			assert.Empty(t, eng.Projectors(et), et)
		}
	})

	t.Run("every projection table of the data model is registered", func(t *testing.T) {
		registered := map[string]bool{}
		for _, et := range []string{
			events.TypeRoomCreated, events.TypeThreadCreated, events.TypeMessageCreated,
			events.TypeRunCreated, events.TypeRunStepRecorded, events.TypeRunToolCallRecorded,
			events.TypeApprovalRequested, events.TypeIncidentOpened,
			events.TypeExperimentCreated, events.TypeScorecardRecorded,
			events.TypeEvidenceManifestRecorded, events.TypeAgentRegistered,
		} {
			for _, name := range eng.Projectors(et) {
				registered[name] = true
			}
		}
		for _, want := range []string{
			"rooms", "threads", "messages", "runs", "steps", "tool_calls",
			"approvals", "incidents", "experiments", "scorecards",
			"evidence_manifests", "agents",
		} {
			assert.True(t, registered[want], "projector %s not registered", want)
		}
	})
}

func TestRunStatusMonotonicity(t *testing.T) {
	tests := []struct {
		name     string
		from, to models.RunStatus
		regress  bool
	}{
		{"queued to running advances", models.RunQueued, models.RunRunning, false},
		{"running to succeeded advances", models.RunRunning, models.RunSucceeded, false},
		{"running to failed advances", models.RunRunning, models.RunFailed, false},
		{"succeeded back to running regresses", models.RunSucceeded, models.RunRunning, true},
		{"failed back to queued regresses", models.RunFailed, models.RunQueued, true},
		{"terminal to terminal holds", models.RunSucceeded, models.RunFailed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.regress, tt.from.Regresses(tt.to))
		})
	}
}

// Terminal statuses share a rank, so the applier relies on Terminal() to
// keep succeeded and failed from overwriting each other.
func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, models.RunQueued.Terminal())
	assert.False(t, models.RunRunning.Terminal())
	assert.True(t, models.RunSucceeded.Terminal())
	assert.True(t, models.RunFailed.Terminal())
}

func TestRunStatusFor(t *testing.T) {
	assert.Equal(t, models.RunQueued, runStatusFor(events.TypeRunCreated))
	assert.Equal(t, models.RunRunning, runStatusFor(events.TypeRunStarted))
	assert.Equal(t, models.RunSucceeded, runStatusFor(events.TypeRunCompleted))
	assert.Equal(t, models.RunFailed, runStatusFor(events.TypeRunFailed))
}
