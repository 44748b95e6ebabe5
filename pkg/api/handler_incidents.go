package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/services"
)

func (s *Server) createApprovalHandler(c *echo.Context) error {
	var req createApprovalRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}
	if apiErr := s.checkRateLimit(c, req.IdempotencyKey, ""); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	approval, replay, err := s.approvals.CreateApproval(c.Request().Context(), sess.WorkspaceID, services.CreateApprovalRequest{
		Action:         req.Action,
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"approval":          approval,
		"idempotent_replay": replay,
	})
}

func (s *Server) listApprovalsHandler(c *echo.Context) error {
	sess := session(c)
	approvals, err := s.approvals.ListApprovals(c.Request().Context(), sess.WorkspaceID,
		c.QueryParam("status"), 0)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"approvals": approvals})
}

func (s *Server) decideApprovalHandler(c *echo.Context) error {
	var req decideApprovalRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}

	sess := session(c)
	approval, err := s.approvals.Decide(c.Request().Context(), sess.WorkspaceID, c.Param("id"), services.DecideRequest{
		Decision:      req.Decision,
		Reason:        req.Reason,
		Actor:         actorOf(sess),
		CorrelationID: boundCorrelationID(c),
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, approval)
}

func (s *Server) openIncidentHandler(c *echo.Context) error {
	var req openIncidentRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}
	if apiErr := s.checkRateLimit(c, req.IdempotencyKey, ""); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	incident, replay, err := s.incidents.OpenIncident(c.Request().Context(), sess.WorkspaceID, services.OpenIncidentRequest{
		Category:       req.Category,
		Severity:       req.Severity,
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"incident":          incident,
		"idempotent_replay": replay,
	})
}

func (s *Server) listIncidentsHandler(c *echo.Context) error {
	sess := session(c)
	incidents, err := s.incidents.ListIncidents(c.Request().Context(), sess.WorkspaceID,
		c.QueryParam("status"), 0)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"incidents": incidents})
}

func (s *Server) incidentRCAHandler(c *echo.Context) error {
	var req incidentNoteRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	sess := session(c)
	incident, err := s.incidents.RecordRCA(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), req.Note, actorOf(sess))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, incident)
}

func (s *Server) incidentLearningHandler(c *echo.Context) error {
	var req incidentNoteRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	sess := session(c)
	incident, err := s.incidents.RecordLearning(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), req.Note, actorOf(sess))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, incident)
}

func (s *Server) closeIncidentHandler(c *echo.Context) error {
	sess := session(c)
	incident, err := s.incidents.CloseIncident(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), actorOf(sess))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, incident)
}

func (s *Server) createExperimentHandler(c *echo.Context) error {
	var req createExperimentRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}
	if apiErr := s.checkRateLimit(c, req.IdempotencyKey, ""); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	experiment, replay, err := s.experiments.CreateExperiment(c.Request().Context(), sess.WorkspaceID, services.CreateExperimentRequest{
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"experiment":        experiment,
		"idempotent_replay": replay,
	})
}

func (s *Server) closeExperimentHandler(c *echo.Context) error {
	sess := session(c)
	experiment, err := s.experiments.CloseExperiment(c.Request().Context(), sess.WorkspaceID,
		c.Param("id"), actorOf(sess))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, experiment)
}

func (s *Server) recordScorecardHandler(c *echo.Context) error {
	var req recordScorecardRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	scorecard, err := s.experiments.RecordScorecard(c.Request().Context(), sess.WorkspaceID, services.RecordScorecardRequest{
		RunID:         req.RunID,
		EntityID:      req.EntityID,
		Verdict:       req.Verdict,
		RiskTier:      req.RiskTier,
		Iteration:     req.Iteration,
		Actor:         actorOf(sess),
		CorrelationID: boundCorrelationID(c),
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusCreated, scorecard)
}

func (s *Server) recordEvidenceManifestHandler(c *echo.Context) error {
	var req evidenceManifestRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if apiErr := validateSchemaVersionBody(c, req.SchemaVersion); apiErr != nil {
		return respondError(c, apiErr)
	}

	sess := session(c)
	err := s.experiments.RecordEvidenceManifest(c.Request().Context(), sess.WorkspaceID, services.RecordEvidenceManifestRequest{
		RunID:         req.RunID,
		Entries:       req.Entries,
		ArtifactIDs:   req.ArtifactIDs,
		Actor:         actorOf(sess),
		CorrelationID: boundCorrelationID(c),
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusCreated, map[string]any{"recorded": true})
}
