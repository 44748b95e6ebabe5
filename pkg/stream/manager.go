package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// ClientMessage is what a WebSocket client sends.
type ClientMessage struct {
	Action     string `json:"action"` // subscribe | unsubscribe | ping
	StreamType string `json:"stream_type,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	FromSeq    int64  `json:"from_seq,omitempty"`
}

// ConnectionManager manages WebSocket connections subscribed to event
// streams. Each subscription runs its own cursor reader goroutine; delivery
// to one slow client never stalls another.
type ConnectionManager struct {
	streamer    *Streamer
	workspaceOf func(streamType models.StreamType, streamID string) string

	connections map[string]*Connection
	mu          sync.RWMutex

	writeTimeout time.Duration
}

// Connection is a single WebSocket client.
//
// subscriptions is accessed only from the connection's read loop goroutine
// (HandleConnection), so it needs no lock. writeMu serializes frame writes
// from the per-subscription reader goroutines.
type Connection struct {
	ID            string
	WorkspaceID   string
	conn          *websocket.Conn
	subscriptions map[string]context.CancelFunc
	ctx           context.Context
	cancel        context.CancelFunc
	writeMu       sync.Mutex
}

// NewConnectionManager creates a ConnectionManager. workspaceOf resolves a
// stream's owning workspace for isolation checks.
func NewConnectionManager(streamer *Streamer, workspaceOf func(models.StreamType, string) string, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		streamer:     streamer,
		workspaceOf:  workspaceOf,
		connections:  make(map[string]*Connection),
		writeTimeout: writeTimeout,
	}
}

// HandleConnection manages the lifecycle of one WebSocket connection. Called
// by the HTTP handler after upgrade; blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn, workspaceID string) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:            uuid.New().String(),
		WorkspaceID:   workspaceID,
		conn:          conn,
		subscriptions: make(map[string]context.CancelFunc),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.register(c)
	defer m.unregister(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": c.ID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message", "connection_id", c.ID, "error", err)
			continue
		}
		m.handleClientMessage(c, &msg)
	}
}

// ActiveConnections returns the count of open connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

func (m *ConnectionManager) handleClientMessage(c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		m.subscribe(c, msg)
	case "unsubscribe":
		key := msg.StreamType + "/" + msg.StreamID
		if cancel, ok := c.subscriptions[key]; ok {
			cancel()
			delete(c.subscriptions, key)
		}
	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	default:
		m.sendJSON(c, map[string]string{"type": "error", "message": "unknown action"})
	}
}

// subscribe starts a cursor reader for the requested stream. Subscribing
// from from_seq doubles as catchup: missed events replay before live ones.
func (m *ConnectionManager) subscribe(c *Connection, msg *ClientMessage) {
	streamType := models.StreamType(msg.StreamType)
	if msg.StreamType == "" || msg.StreamID == "" {
		m.sendJSON(c, map[string]string{"type": "error", "message": "stream_type and stream_id are required"})
		return
	}
	if m.workspaceOf != nil && m.workspaceOf(streamType, msg.StreamID) != c.WorkspaceID {
		m.sendJSON(c, map[string]string{
			"type":    "subscription.error",
			"message": "stream does not belong to this workspace",
		})
		return
	}

	key := msg.StreamType + "/" + msg.StreamID
	if cancel, ok := c.subscriptions[key]; ok {
		// Re-subscribe replaces the old cursor.
		cancel()
	}

	subCtx, cancel := context.WithCancel(c.ctx)
	c.subscriptions[key] = cancel

	m.sendJSON(c, map[string]string{
		"type":        "subscription.confirmed",
		"stream_type": msg.StreamType,
		"stream_id":   msg.StreamID,
	})

	go func() {
		err := m.streamer.Stream(subCtx, streamType, msg.StreamID, msg.FromSeq, func(e *models.Event) error {
			frame, err := json.Marshal(map[string]any{"type": "event", "event": e})
			if err != nil {
				return err
			}
			return m.sendRaw(c, frame)
		})
		if err != nil && subCtx.Err() == nil {
			slog.Warn("Stream subscription ended with error",
				"connection_id", c.ID, "stream", key, "error", err)
			m.sendJSON(c, map[string]string{
				"type":        "subscription.error",
				"stream_type": msg.StreamType,
				"stream_id":   msg.StreamID,
				"message":     "stream read failed; re-subscribe or fall back to REST",
			})
		}
	}()
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	for _, cancel := range c.subscriptions {
		cancel()
	}
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message", "connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message", "connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, data)
}
