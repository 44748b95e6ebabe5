package api

import (
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"
	"github.com/coder/websocket"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func (s *Server) listEventsHandler(c *echo.Context) error {
	sess := session(c)
	ctx := c.Request().Context()
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	switch {
	case c.QueryParam("run_id") != "":
		events, err := s.kernel.Store().ListByEntity(ctx, sess.WorkspaceID, "run", c.QueryParam("run_id"), limit)
		if err != nil {
			return respondError(c, mapDomainError(err))
		}
		return c.JSON(http.StatusOK, map[string]any{"events": events})

	case c.QueryParam("correlation_id") != "":
		events, err := s.kernel.Store().ListByCorrelation(ctx, sess.WorkspaceID, c.QueryParam("correlation_id"), limit)
		if err != nil {
			return respondError(c, mapDomainError(err))
		}
		return c.JSON(http.StatusOK, map[string]any{"events": events})

	default:
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
			"run_id or correlation_id query parameter is required"))
	}
}

func (s *Server) getEventHandler(c *echo.Context) error {
	sess := session(c)
	event, err := s.kernel.Store().GetEvent(c.Request().Context(), sess.WorkspaceID, c.Param("id"))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, event)
}

// streamSSEHandler serves GET /v1/streams/:type/:id?from_seq=N as SSE. The
// workspace gate already ran; the stream must belong to the bound workspace.
func (s *Server) streamSSEHandler(c *echo.Context) error {
	sess := session(c)
	streamType := models.StreamType(c.Param("type"))
	streamID := c.Param("id")

	owner := s.authService.WorkspaceOfStream(c.Request().Context(), string(streamType), streamID)
	if owner != "" && owner != sess.WorkspaceID {
		return respondError(c, newAPIError(http.StatusForbidden, ReasonUnauthorizedWorkspace,
			"stream does not belong to this workspace"))
	}

	fromSeq, _ := strconv.ParseInt(c.QueryParam("from_seq"), 10, 64)
	err := s.streamer.ServeSSE(c.Request().Context(), c.Response(), streamType, streamID, fromSeq)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return nil
}

// wsHandler upgrades to WebSocket for multi-stream subscriptions.
func (s *Server) wsHandler(c *echo.Context) error {
	sess := session(c)
	conn, err := websocket.Accept(c.Response(), c.Request(), nil)
	if err != nil {
		return nil // Accept already wrote the error response.
	}
	s.connManager.HandleConnection(c.Request().Context(), conn, sess.WorkspaceID)
	return nil
}

func (s *Server) pipelineProjectionHandler(c *echo.Context) error {
	sess := session(c)
	if c.QueryParam("format") != "" && c.QueryParam("format") != "envelope" {
		return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
			"format must be envelope"))
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))

	var cursor *timeCursor
	if raw := c.QueryParam("cursor_updated_at"); raw != "" {
		parsed, err := parseTimeCursor(raw)
		if err != nil {
			return respondError(c, newAPIError(http.StatusBadRequest, ReasonMissingRequiredField,
				"invalid cursor_updated_at"))
		}
		cursor = parsed
	}

	version := c.QueryParam("schema_version")
	if version == "" {
		version = SchemaVersion
	}
	envelope, err := s.pipelineView.Projection(c.Request().Context(), sess.WorkspaceID,
		version, limit, cursorTime(cursor))
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, envelope)
}
