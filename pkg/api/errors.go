package api

import (
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/auth"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/policy"
	"github.com/codeready-toolchain/conductor/pkg/ratelimit"
	"github.com/codeready-toolchain/conductor/pkg/services"
)

// Reason codes of the error taxonomy. Each maps to a fixed HTTP status.
const (
	ReasonMissingWorkspaceHeader = "missing_workspace_header"
	ReasonUnauthorizedWorkspace  = "unauthorized_workspace"
	ReasonUnknownAgent           = "unknown_agent"
	ReasonUnsupportedVersion     = "unsupported_version"
	ReasonMissingRequiredField   = "missing_required_field"
	ReasonInvalidIntentForType   = "invalid_intent_for_type"
	ReasonPayloadTooLarge        = "payload_too_large"

	ReasonIdempotencyConflict = "idempotency_conflict_unresolved"

	ReasonAlreadyClaimed         = "already_claimed"
	ReasonCorrelationIDMismatch  = "correlation_id_mismatch"
	ReasonLeaseExpiredOrPreempt  = "lease_expired_or_preempted"
	ReasonLeaseVersionMismatch   = "lease_version_mismatch"
	ReasonHeartbeatRateLimited   = "heartbeat_rate_limited"
	ReasonRateLimited            = "rate_limited"
	ReasonInvalidWorkItemType    = "invalid_work_item_type"

	ReasonArtifactNotFound          = "artifact_not_found"
	ReasonRunAlreadyTerminal        = "run_already_terminal"
	ReasonIncidentCloseMissingRCA   = "incident_close_blocked_missing_rca"
	ReasonIncidentCloseMissingLearn = "incident_close_blocked_missing_learning"
	ReasonExperimentHasActiveRuns   = "experiment_has_active_runs"
	ReasonExperimentNotOpen         = "experiment_not_open"

	ReasonBootstrapForbidden = "bootstrap_forbidden"
	ReasonNotFound           = "not_found"
	ReasonInternal           = "internal_error"
)

// ErrorBody is the wire shape of every error response.
type ErrorBody struct {
	Error      bool           `json:"error"`
	ReasonCode string         `json:"reason_code"`
	Reason     string         `json:"reason"`
	Details    map[string]any `json:"details,omitempty"`
}

// apiError carries a reason code and status through the handler chain.
type apiError struct {
	status  int
	code    string
	reason  string
	details map[string]any
}

func (e *apiError) Error() string { return e.reason }

func newAPIError(status int, code, reason string) *apiError {
	return &apiError{status: status, code: code, reason: reason}
}

func (e *apiError) withDetails(details map[string]any) *apiError {
	e.details = details
	return e
}

// respondError writes the structured error body.
func respondError(c *echo.Context, e *apiError) error {
	return c.JSON(e.status, &ErrorBody{
		Error:      true,
		ReasonCode: e.code,
		Reason:     e.reason,
		Details:    e.details,
	})
}

// mapDomainError translates service/store errors into the fixed taxonomy.
// Infrastructure errors surface as scrubbed 500s.
func mapDomainError(err error) *apiError {
	var ve *services.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, ve.Error())
	}
	var vm *lease.VersionMismatchError
	if errors.As(err, &vm) {
		return newAPIError(http.StatusConflict, ReasonLeaseVersionMismatch, vm.Error()).
			withDetails(map[string]any{
				"lease_id":        vm.LeaseID,
				"current_version": vm.CurrentVersion,
			})
	}
	var rl *ratelimit.RateLimitedError
	if errors.As(err, &rl) {
		return newAPIError(http.StatusTooManyRequests, ReasonRateLimited, rl.Error()).
			withDetails(map[string]any{"scope": rl.Scope})
	}

	switch {
	case errors.Is(err, services.ErrNotFound), errors.Is(err, eventstore.ErrEventNotFound),
		errors.Is(err, sql.ErrNoRows):
		return newAPIError(http.StatusNotFound, ReasonNotFound, "resource not found")
	case errors.Is(err, policy.ErrDelegationIssuerMismatch):
		return newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, err.Error())
	case errors.Is(err, policy.ErrQuarantined):
		return newAPIError(http.StatusForbidden, policy.ReasonAgentQuarantined, err.Error())
	case errors.Is(err, services.ErrInvalidIntent):
		return newAPIError(http.StatusBadRequest, ReasonInvalidIntentForType, err.Error())
	case errors.Is(err, services.ErrIncidentCloseMissingRCA):
		return newAPIError(http.StatusConflict, ReasonIncidentCloseMissingRCA, err.Error())
	case errors.Is(err, services.ErrIncidentCloseMissingLearning):
		return newAPIError(http.StatusConflict, ReasonIncidentCloseMissingLearn, err.Error())
	case errors.Is(err, services.ErrExperimentHasActiveRuns):
		return newAPIError(http.StatusConflict, ReasonExperimentHasActiveRuns, err.Error())
	case errors.Is(err, services.ErrExperimentNotOpen):
		return newAPIError(http.StatusConflict, ReasonExperimentNotOpen, err.Error())
	case errors.Is(err, services.ErrArtifactNotFound):
		return newAPIError(http.StatusUnprocessableEntity, ReasonArtifactNotFound, err.Error())
	case errors.Is(err, services.ErrRunLeaseMismatch):
		return newAPIError(http.StatusForbidden, ReasonLeaseExpiredOrPreempt, err.Error())
	case errors.Is(err, services.ErrRunAlreadyTerminal):
		return newAPIError(http.StatusConflict, ReasonRunAlreadyTerminal, err.Error())

	case errors.Is(err, lease.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, ReasonAlreadyClaimed, err.Error())
	case errors.Is(err, lease.ErrCorrelationMismatch):
		return newAPIError(http.StatusConflict, ReasonCorrelationIDMismatch, err.Error())
	case errors.Is(err, lease.ErrExpiredOrPreempted):
		return newAPIError(http.StatusForbidden, ReasonLeaseExpiredOrPreempt, err.Error())
	case errors.Is(err, lease.ErrHeartbeatRateLimited):
		return newAPIError(http.StatusTooManyRequests, ReasonHeartbeatRateLimited, err.Error())
	case errors.Is(err, lease.ErrInvalidWorkItemType):
		return newAPIError(http.StatusBadRequest, ReasonInvalidWorkItemType, err.Error())

	case errors.Is(err, eventstore.ErrIdempotencyConflict):
		return newAPIError(http.StatusConflict, ReasonIdempotencyConflict, err.Error())
	case errors.Is(err, eventstore.ErrUnauthorizedWorkspace):
		return newAPIError(http.StatusForbidden, ReasonUnauthorizedWorkspace, err.Error())
	case errors.Is(err, eventstore.ErrLockContention), database.IsLockNotAvailable(err):
		return newAPIError(http.StatusTooManyRequests, ReasonHeartbeatRateLimited,
			"stream busy, retry with backoff")

	case errors.Is(err, auth.ErrBootstrapForbidden):
		return newAPIError(http.StatusForbidden, ReasonBootstrapForbidden, err.Error())
	case errors.Is(err, auth.ErrUnknownWorkspace):
		return newAPIError(http.StatusForbidden, ReasonUnauthorizedWorkspace, err.Error())
	case errors.Is(err, auth.ErrInvalidSession):
		return newAPIError(http.StatusUnauthorized, ReasonMissingWorkspaceHeader, err.Error())
	}

	// Unexpected error: scrub the message.
	slog.Error("Unexpected service error", "error", err)
	return newAPIError(http.StatusInternalServerError, ReasonInternal, "internal server error")
}
