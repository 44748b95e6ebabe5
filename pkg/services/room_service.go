package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/lease"
	"github.com/codeready-toolchain/conductor/pkg/models"
)

// Message intents. Terminal intents auto-release the work-item lease after
// the terminal event is appended.
var messageIntents = map[string]bool{
	"":                       true, // plain note
	"note":                   true,
	"request_approval":       true,
	"request_human_decision": true,
	"recommendation":         true,
	"resolve":                true,
}

func terminalIntent(intent string) bool {
	return intent == "resolve"
}

// RoomService manages rooms, threads and messages — the entities that
// generate conversational events.
type RoomService struct {
	kernel *kernel.Kernel
	leases *lease.Coordinator
	now    func() time.Time
}

// NewRoomService creates a RoomService.
func NewRoomService(k *kernel.Kernel, leases *lease.Coordinator) *RoomService {
	return &RoomService{kernel: k, leases: leases, now: time.Now}
}

// CreateRoomRequest contains fields for creating a room.
type CreateRoomRequest struct {
	Name           string
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// CreateRoom appends room.created and returns the projected room.
func (s *RoomService) CreateRoom(ctx context.Context, workspaceID string, req CreateRoomRequest) (*models.Room, bool, error) {
	if req.Name == "" {
		return nil, false, NewValidationError("name", "is required")
	}

	roomID := "room_" + uuid.New().String()
	payload, _ := json.Marshal(events.RoomCreatedPayload{RoomID: roomID, Name: req.Name})
	draft := models.EventDraft{
		EventType:      events.TypeRoomCreated,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRoom, ID: roomID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "room",
		EntityID:       roomID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		var p events.RoomCreatedPayload
		if err := json.Unmarshal(appended[0].Event.Data, &p); err == nil {
			roomID = p.RoomID
		}
	}
	room, err := s.GetRoom(ctx, workspaceID, roomID)
	return room, replay, err
}

// CreateThreadRequest contains fields for creating a thread.
type CreateThreadRequest struct {
	RoomID         string
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string
}

// CreateThread appends thread.created under the room's stream.
func (s *RoomService) CreateThread(ctx context.Context, workspaceID string, req CreateThreadRequest) (*models.Thread, bool, error) {
	if _, err := s.GetRoom(ctx, workspaceID, req.RoomID); err != nil {
		return nil, false, err
	}

	threadID := "thr_" + uuid.New().String()
	payload, _ := json.Marshal(events.ThreadCreatedPayload{ThreadID: threadID, RoomID: req.RoomID})
	draft := models.EventDraft{
		EventType:      events.TypeThreadCreated,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRoom, ID: req.RoomID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "thread",
		EntityID:       threadID,
		Data:           payload,
	}

	appended, err := s.kernel.Write(ctx, workspaceID, []models.EventDraft{draft})
	if err != nil {
		return nil, false, err
	}
	replay := appended[0].IdempotentReplay
	if replay {
		var p events.ThreadCreatedPayload
		if err := json.Unmarshal(appended[0].Event.Data, &p); err == nil {
			threadID = p.ThreadID
		}
	}
	thread, err := s.GetThread(ctx, workspaceID, threadID)
	return thread, replay, err
}

// CreateMessageRequest contains fields for posting a message.
type CreateMessageRequest struct {
	ThreadID       string
	Intent         string
	Body           json.RawMessage
	Actor          models.Actor
	CorrelationID  string
	IdempotencyKey string

	// Target of a terminal-intent message: the work item whose lease
	// auto-releases after the terminal event.
	TargetWorkItemType models.WorkItemType
	TargetWorkItemID   string
}

// CreateMessage appends message.created under the thread's room stream.
// Terminal intents (resolve) auto-release the targeted work-item lease in
// the same transaction.
func (s *RoomService) CreateMessage(ctx context.Context, workspaceID string, req CreateMessageRequest) (*models.Message, bool, error) {
	if !messageIntents[req.Intent] {
		return nil, false, fmt.Errorf("%w: %q", ErrInvalidIntent, req.Intent)
	}
	thread, err := s.GetThread(ctx, workspaceID, req.ThreadID)
	if err != nil {
		return nil, false, err
	}

	messageID := "msg_" + uuid.New().String()
	if req.IdempotencyKey != "" {
		// Derived from the key so a replayed request carries the same payload.
		messageID = "msg_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(workspaceID+"|"+req.IdempotencyKey)).String()
	}
	payload, _ := json.Marshal(events.MessageCreatedPayload{
		MessageID: messageID,
		ThreadID:  thread.ThreadID,
		RoomID:    thread.RoomID,
		Intent:    req.Intent,
		Body:      req.Body,
	})
	draft := models.EventDraft{
		EventType:      events.TypeMessageCreated,
		OccurredAt:     s.now(),
		Actor:          req.Actor,
		Stream:         models.Stream{Type: models.StreamRoom, ID: thread.RoomID},
		CorrelationID:  req.CorrelationID,
		IdempotencyKey: req.IdempotencyKey,
		EntityType:     "message",
		EntityID:       messageID,
		Data:           payload,
	}

	var appended []models.AppendedEvent
	err = s.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		appended, err = s.kernel.WriteInTx(ctx, tx, workspaceID, []models.EventDraft{draft})
		if err != nil {
			return err
		}
		if appended[0].IdempotentReplay {
			return nil
		}
		if terminalIntent(req.Intent) && req.TargetWorkItemID != "" {
			return s.leases.ReleaseInTx(ctx, tx, workspaceID, req.TargetWorkItemType, req.TargetWorkItemID)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	replay := appended[0].IdempotentReplay
	if replay {
		var p events.MessageCreatedPayload
		if err := json.Unmarshal(appended[0].Event.Data, &p); err == nil {
			messageID = p.MessageID
		}
	}
	msg, err := s.GetMessage(ctx, workspaceID, messageID)
	return msg, replay, err
}

// GetRoom loads a projected room.
func (s *RoomService) GetRoom(ctx context.Context, workspaceID, roomID string) (*models.Room, error) {
	r := &models.Room{}
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT room_id, workspace_id, name, created_at FROM proj_rooms
		WHERE workspace_id = $1 AND room_id = $2`,
		workspaceID, roomID).Scan(&r.RoomID, &r.WorkspaceID, &r.Name, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get room: %w", err)
	}
	return r, nil
}

// ListRooms returns a workspace's rooms, newest first.
func (s *RoomService) ListRooms(ctx context.Context, workspaceID string, limit int) ([]*models.Room, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT room_id, workspace_id, name, created_at FROM proj_rooms
		WHERE workspace_id = $1 ORDER BY created_at DESC LIMIT $2`,
		workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list rooms: %w", err)
	}
	defer rows.Close()

	var rooms []*models.Room
	for rows.Next() {
		r := &models.Room{}
		if err := rows.Scan(&r.RoomID, &r.WorkspaceID, &r.Name, &r.CreatedAt); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// GetThread loads a projected thread.
func (s *RoomService) GetThread(ctx context.Context, workspaceID, threadID string) (*models.Thread, error) {
	t := &models.Thread{}
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT thread_id, room_id, workspace_id, created_at FROM proj_threads
		WHERE workspace_id = $1 AND thread_id = $2`,
		workspaceID, threadID).Scan(&t.ThreadID, &t.RoomID, &t.WorkspaceID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	return t, nil
}

// ListThreads returns a room's threads in creation order.
func (s *RoomService) ListThreads(ctx context.Context, workspaceID, roomID string, limit int) ([]*models.Thread, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT thread_id, room_id, workspace_id, created_at FROM proj_threads
		WHERE workspace_id = $1 AND room_id = $2
		ORDER BY created_at ASC LIMIT $3`,
		workspaceID, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list threads: %w", err)
	}
	defer rows.Close()

	var threads []*models.Thread
	for rows.Next() {
		th := &models.Thread{}
		if err := rows.Scan(&th.ThreadID, &th.RoomID, &th.WorkspaceID, &th.CreatedAt); err != nil {
			return nil, err
		}
		threads = append(threads, th)
	}
	return threads, rows.Err()
}

// GetMessage loads a projected message.
func (s *RoomService) GetMessage(ctx context.Context, workspaceID, messageID string) (*models.Message, error) {
	m := &models.Message{}
	var body []byte
	err := s.kernel.DB().QueryRowContext(ctx, `
		SELECT message_id, thread_id, room_id, workspace_id, intent, body, created_at, correlation_id
		FROM proj_messages
		WHERE workspace_id = $1 AND message_id = $2`,
		workspaceID, messageID).Scan(&m.MessageID, &m.ThreadID, &m.RoomID, &m.WorkspaceID,
		&m.Intent, &body, &m.CreatedAt, &m.CorrelationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	m.Body = json.RawMessage(body)
	return m, nil
}

// ListMessages returns a thread's messages in order.
func (s *RoomService) ListMessages(ctx context.Context, workspaceID, threadID string, limit int) ([]*models.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.kernel.DB().QueryContext(ctx, `
		SELECT message_id, thread_id, room_id, workspace_id, intent, body, created_at, correlation_id
		FROM proj_messages
		WHERE workspace_id = $1 AND thread_id = $2
		ORDER BY created_at ASC LIMIT $3`,
		workspaceID, threadID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	defer rows.Close()

	var msgs []*models.Message
	for rows.Next() {
		m := &models.Message{}
		var body []byte
		if err := rows.Scan(&m.MessageID, &m.ThreadID, &m.RoomID, &m.WorkspaceID,
			&m.Intent, &body, &m.CreatedAt, &m.CorrelationID); err != nil {
			return nil, err
		}
		m.Body = json.RawMessage(body)
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
