package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/codeready-toolchain/conductor/pkg/auth"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/services"
)

func actorOf(sess *auth.Session) models.Actor {
	return models.Actor{Type: sess.ActorType, ID: sess.PrincipalID}
}

// checkRateLimit runs the inline mutation gate: the quarantine guard, then
// the rate limiter hierarchy. Idempotent replays bypass the limiter: if the
// key already has an event, the request returns the prior result and
// consumes no budget.
func (s *Server) checkRateLimit(c *echo.Context, idempotencyKey, experimentID string) *apiError {
	sess := session(c)
	if err := s.policyPipeline.GuardActor(c.Request().Context(), sess.WorkspaceID, sess.PrincipalID); err != nil {
		return mapDomainError(err)
	}
	if idempotencyKey != "" {
		existing, err := s.kernel.Store().FindByIdempotencyKey(c.Request().Context(), sess.WorkspaceID, idempotencyKey)
		if err != nil {
			return mapDomainError(err)
		}
		if existing != nil {
			return nil
		}
	}
	if err := s.limiter.Check(c.Request().Context(), sess.WorkspaceID, sess.PrincipalID, experimentID); err != nil {
		return mapDomainError(err)
	}
	return nil
}

// replayStatus returns 200 for idempotent replays, otherwise created.
func replayStatus(replay bool) int {
	if replay {
		return http.StatusOK
	}
	return http.StatusCreated
}

func (s *Server) createRoomHandler(c *echo.Context) error {
	var req createRoomRequest
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
	room, replay, err := s.roomService.CreateRoom(c.Request().Context(), sess.WorkspaceID, services.CreateRoomRequest{
		Name:           req.Name,
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"room":             room,
		"idempotent_replay": replay,
	})
}

func (s *Server) listRoomsHandler(c *echo.Context) error {
	sess := session(c)
	rooms, err := s.roomService.ListRooms(c.Request().Context(), sess.WorkspaceID, 0)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"rooms": rooms})
}

func (s *Server) createThreadHandler(c *echo.Context) error {
	var req createThreadRequest
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
	thread, replay, err := s.roomService.CreateThread(c.Request().Context(), sess.WorkspaceID, services.CreateThreadRequest{
		RoomID:         c.Param("id"),
		Actor:          actorOf(sess),
		CorrelationID:  boundCorrelationID(c),
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"thread":            thread,
		"idempotent_replay": replay,
	})
}

func (s *Server) listThreadsHandler(c *echo.Context) error {
	sess := session(c)
	threads, err := s.roomService.ListThreads(c.Request().Context(), sess.WorkspaceID, c.Param("id"), 0)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"threads": threads})
}

func (s *Server) createMessageHandler(c *echo.Context) error {
	var req createMessageRequest
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
	msg, replay, err := s.roomService.CreateMessage(c.Request().Context(), sess.WorkspaceID, services.CreateMessageRequest{
		ThreadID:           c.Param("id"),
		Intent:             req.Intent,
		Body:               req.Body,
		Actor:              actorOf(sess),
		CorrelationID:      boundCorrelationID(c),
		IdempotencyKey:     req.IdempotencyKey,
		TargetWorkItemType: models.WorkItemType(req.TargetWorkItemType),
		TargetWorkItemID:   req.TargetWorkItemID,
	})
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(replayStatus(replay), map[string]any{
		"message":           msg,
		"message_id":        msg.MessageID,
		"idempotent_replay": replay,
	})
}

func (s *Server) listMessagesHandler(c *echo.Context) error {
	sess := session(c)
	msgs, err := s.roomService.ListMessages(c.Request().Context(), sess.WorkspaceID, c.Param("id"), 0)
	if err != nil {
		return respondError(c, mapDomainError(err))
	}
	return c.JSON(http.StatusOK, map[string]any{"messages": msgs})
}
