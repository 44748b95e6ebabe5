package api

import (
	"errors"
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/services"
)

func (s *Server) createRunHandler(c *echo.Context) error {
	var req createRunRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}
	if apiErr := s.checkRateLimit(c, req.IdempotencyKey, req.ExperimentID); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	run, replay, err := s.runService.CreateRun(c.Request().Context(), sess.WorkspaceID, services.CreateRunRequest{
		ExperimentID:   req.ExperimentID,
		AgentID:        req.AgentID,
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"run":               run,
		"idempotent_replay": replay,
	})
}

func (s *Server) getRunHandler(c *echo.Context) error {
	sess := session(c)
	run, err := s.runService.GetRun(c.Request().Context(), sess.WorkspaceID, c.Param("id"))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) claimRunHandler(c *echo.Context) error {
	var req claimRunRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.AgentID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "agent_id is required"))
	}

	sess := session(c)
	claimed, err := s.runService.ClaimRun(c.Request().Context(), sess.WorkspaceID, req.AgentID, boundCorrelationID(c))
	if err != nil {
		if errors.Is(err, services.ErrNoRunsAvailable) {
			return c.JSON(http.StatusOK, map[string]any{"run": nil})
		}
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusCreated, claimed)
}

func (s *Server) startRunHandler(c *echo.Context) error {
	sess := session(c)
	run, err := s.runService.StartRun(c.Request().Context(), sess.WorkspaceID, c.Param("id"),
		actorOf(sess), boundCorrelationID(c))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) completeRunHandler(c *echo.Context) error {
	sess := session(c)
	run, err := s.runService.CompleteRun(c.Request().Context(), sess.WorkspaceID, c.Param("id"),
		actorOf(sess), boundCorrelationID(c))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) failRunHandler(c *echo.Context) error {
	var req failRunRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	sess := session(c)
	run, err := s.runService.FailRun(c.Request().Context(), sess.WorkspaceID, c.Param("id"),
		req.ErrorMessage, actorOf(sess), boundCorrelationID(c))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, run)
}

func (s *Server) recordStepHandler(c *echo.Context) error {
	var req recordStepRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.Status == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "status is required"))
	}

	sess := session(c)
	err := s.runService.RecordStep(c.Request().Context(), sess.WorkspaceID, c.Param("id"), services.RecordStepRequest{
		StepIndex:     req.StepIndex,
		Name:          req.Name,
		Status:        req.Status,
		Actor:         actorOf(sess),
		CorrelationID: boundCorrelationID(c),
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusCreated, map[string]any{"recorded": true})
}

func (s *Server) runLeaseHeartbeatHandler(c *echo.Context) error {
	var req runLeaseRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	sess := session(c)
	expiresAt, err := s.runService.HeartbeatRunLease(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), req.LeaseID)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"expires_at": expiresAt})
}

func (s *Server) runLeaseReleaseHandler(c *echo.Context) error {
	var req runLeaseRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	sess := session(c)
	released, err := s.runService.ReleaseRunLease(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), req.LeaseID)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	resp := map[string]any{"released": released}
	if !released {
		resp["stale"] = true
	}
	return c.JSON(http.StatusOK, resp)
}
