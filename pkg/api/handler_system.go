package api

import (
	"context"
	"net/http"
	"time"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/version"
)

// timeCursor wraps an RFC 3339 pagination cursor.
type timeCursor struct {
	at time.Time
}

func parseTimeCursor(raw string) (*timeCursor, error) {
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, err
	}
	return &timeCursor{at: at}, nil
}

func cursorTime(c *timeCursor) *time.Time {
	if c == nil {
		return nil
	}
	return &c.at
}

// healthHandler handles GET /health: liveness plus DB pool stats.
func (s *Server) healthHandler(c *echo.Context) error {
	reqCtx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	dbHealth, err := database.Health(reqCtx, s.dbClient.DB())
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]any{
			"status":   "unhealthy",
			"database": dbHealth,
		})
	}

	return c.JSON(http.StatusOK, map[string]any{
		"status":   "healthy",
		"version":  version.Full(),
		"database": dbHealth,
		"active_ws_connections": s.connManager.ActiveConnections(),
	})
}

// systemHealthHandler serves the workspace-scoped typed health summary.
func (s *Server) systemHealthHandler(c *echo.Context) error {
	sess := session(c)
	report := s.healthService.Report(c.Request().Context(), sess.WorkspaceID)
	status := http.StatusOK
	if !report.OK {
		status = http.StatusServiceUnavailable
	}
	return c.JSON(status, report)
}

// bootstrapHandler creates the first workspace and owner session. Forbidden
// once any workspace exists.
func (s *Server) bootstrapHandler(c *echo.Context) error {
	var req bootstrapRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField, "invalid request body"))
	}
	if req.WorkspaceName == "" || req.OwnerPrincipal == "" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
			"workspace_name and owner_principal are required"))
	}

	workspaceID, token, err := s.authService.Bootstrap(c.Request().Context(), req.WorkspaceName, req.OwnerPrincipal)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	http.SetCookie(c.Response(), &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return c.JSON(http.StatusCreated, map[string]any{
		"workspace_id":  workspaceID,
		"session_token": token,
	})
}
