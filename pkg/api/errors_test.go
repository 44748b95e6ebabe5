package api

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/auth"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/ratelimit"
	"github.com/codeready-toolchain/conductor/pkg/services"
)

func TestMapDomainError_Taxonomy(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"not found", services.ErrNotFound, http.StatusNotFound, ReasonNotFound},
		{"invalid intent", services.ErrInvalidIntent, http.StatusBadRequest, ReasonInvalidIntentForType},
		{"close without rca", services.ErrIncidentCloseMissingRCA, http.StatusConflict, ReasonIncidentCloseMissingRCA},
		{"close without learning", services.ErrIncidentCloseMissingLearning, http.StatusConflict, ReasonIncidentCloseMissingLearn},
		{"experiment active runs", services.ErrExperimentHasActiveRuns, http.StatusConflict, ReasonExperimentHasActiveRuns},
		{"experiment not open", services.ErrExperimentNotOpen, http.StatusConflict, ReasonExperimentNotOpen},
		{"artifact missing", services.ErrArtifactNotFound, http.StatusUnprocessableEntity, ReasonArtifactNotFound},
		{"run already terminal", services.ErrRunAlreadyTerminal, http.StatusConflict, ReasonRunAlreadyTerminal},
		{"already claimed", lease.ErrAlreadyClaimed, http.StatusConflict, ReasonAlreadyClaimed},
		{"correlation mismatch", lease.ErrCorrelationMismatch, http.StatusConflict, ReasonCorrelationIDMismatch},
		{"expired or preempted", lease.ErrExpiredOrPreempted, http.StatusForbidden, ReasonLeaseExpiredOrPreempt},
		{"heartbeat limited", lease.ErrHeartbeatRateLimited, http.StatusTooManyRequests, ReasonHeartbeatRateLimited},
		{"idempotency conflict", eventstore.ErrIdempotencyConflict, http.StatusConflict, ReasonIdempotencyConflict},
		{"workspace isolation", eventstore.ErrUnauthorizedWorkspace, http.StatusForbidden, ReasonUnauthorizedWorkspace},
		{"stream contention", eventstore.ErrLockContention, http.StatusTooManyRequests, ReasonHeartbeatRateLimited},
		{"bootstrap forbidden", auth.ErrBootstrapForbidden, http.StatusForbidden, ReasonBootstrapForbidden},
		{"unknown workspace", auth.ErrUnknownWorkspace, http.StatusForbidden, ReasonUnauthorizedWorkspace},
		{"invalid session", auth.ErrInvalidSession, http.StatusUnauthorized, ReasonMissingWorkspaceHeader},
		{"scrubbed internal", errors.New("pq: connection reset"), http.StatusInternalServerError, ReasonInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mapped := mapDomainError(tt.err)
			assert.Equal(t, tt.status, mapped.status)
			assert.Equal(t, tt.code, mapped.code)
		})
	}
}

func TestMapDomainError_LeaseVersionMismatchDetails(t *testing.T) {
	err := &lease.VersionMismatchError{LeaseID: "lease_1", CurrentVersion: 7}
	mapped := mapDomainError(err)
	assert.Equal(t, http.StatusConflict, mapped.status)
	assert.Equal(t, ReasonLeaseVersionMismatch, mapped.code)
	require.NotNil(t, mapped.details)
	assert.Equal(t, "lease_1", mapped.details["lease_id"])
	assert.Equal(t, int64(7), mapped.details["current_version"])
}

func TestMapDomainError_RateLimitScope(t *testing.T) {
	mapped := mapDomainError(&ratelimit.RateLimitedError{Scope: ratelimit.ScopeAgentHour})
	assert.Equal(t, http.StatusTooManyRequests, mapped.status)
	assert.Equal(t, ReasonRateLimited, mapped.code)
	assert.Equal(t, ratelimit.ScopeAgentHour, mapped.details["scope"])
}

func TestMapDomainError_ScrubsInternalMessages(t *testing.T) {
	mapped := mapDomainError(errors.New("password=hunter2 leaked in query"))
	assert.Equal(t, "internal server error", mapped.reason)
}

func TestSupportedVersions(t *testing.T) {
	assert.True(t, SupportedVersions[SchemaVersion])
	assert.True(t, SupportedVersions[PreviousSchemaVersion])
	assert.False(t, SupportedVersions["v0"])

	apiErr := validateSchemaVersionBody(nil, "")
	require.NotNil(t, apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.status)
	assert.Equal(t, ReasonMissingRequiredField, apiErr.code)

	apiErr = validateSchemaVersionBody(nil, "v0")
	require.NotNil(t, apiErr)
	assert.Equal(t, ReasonUnsupportedVersion, apiErr.code)

	assert.Nil(t, validateSchemaVersionBody(nil, SchemaVersion))
	assert.Nil(t, validateSchemaVersionBody(nil, PreviousSchemaVersion))
}
