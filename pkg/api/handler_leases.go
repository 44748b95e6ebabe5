package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func (s *Server) claimWorkItemHandler(c *echo.Context) error {
	var req claimWorkItemRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.WorkItemType == "" || req.WorkItemID == "" || req.AgentID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
			"work_item_type, work_item_id and agent_id are required"))
	}

	sess := session(c)
	result, err := s.leases.Claim(c.Request().Context(), sess.WorkspaceID,
		models.WorkItemType(req.WorkItemType), req.WorkItemID, req.AgentID, boundCorrelationID(c))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}

	status := http.StatusCreated
	if result.Outcome == models.ClaimReplay {
		status = http.StatusOK
	}
	return c.JSON(status, map[string]any{
		"lease":   result.Lease,
		"outcome": result.Outcome,
	})
}

func (s *Server) heartbeatWorkItemHandler(c *echo.Context) error {
	var req heartbeatRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.LeaseID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "lease_id is required"))
	}

	sess := session(c)
	leaseRow, err := s.leases.Heartbeat(c.Request().Context(), sess.WorkspaceID, req.LeaseID, req.Version)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"lease": leaseRow})
}

func (s *Server) releaseWorkItemHandler(c *echo.Context) error {
	var req releaseRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.LeaseID == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "lease_id is required"))
	}

	sess := session(c)
	released, err := s.leases.Release(c.Request().Context(), sess.WorkspaceID, req.LeaseID)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	resp := map[string]any{"released": released}
	if !released {
		resp["stale"] = true
	}
	return c.JSON(http.StatusOK, resp)
}
