// Package auth implements the workspace gate: bootstrap-owner setup, session
// tokens (bearer or cookie) and the legacy workspace-header fallback. Every
// call into the core binds to exactly one workspace.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Auth errors.
var (
	// ErrBootstrapForbidden is returned when bootstrap is called after a
	// workspace already exists.
	ErrBootstrapForbidden = errors.New("bootstrap is only permitted on an empty installation")

	// ErrInvalidSession is returned for unknown or expired session tokens.
	ErrInvalidSession = errors.New("invalid or expired session token")

	// ErrUnknownWorkspace is returned when a workspace id does not exist.
	ErrUnknownWorkspace = errors.New("unknown workspace")
)

// DefaultSessionTTL bounds how long an issued session token stays valid.
const DefaultSessionTTL = 30 * 24 * time.Hour

// Session is a resolved authentication context.
type Session struct {
	WorkspaceID string
	PrincipalID string
	ActorType   string
	ExpiresAt   time.Time
}

// Service manages workspaces and session tokens.
type Service struct {
	db  *sql.DB
	now func() time.Time
}

// NewService creates the auth service.
func NewService(db *sql.DB) *Service {
	return &Service{db: db, now: time.Now}
}

// Bootstrap creates the first workspace and its owner session. Forbidden
// once any workspace exists.
func (s *Service) Bootstrap(ctx context.Context, name, ownerPrincipal string) (workspaceID, token string, err error) {
	var existing int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workspaces`).Scan(&existing); err != nil {
		return "", "", fmt.Errorf("failed to count workspaces: %w", err)
	}
	if existing > 0 {
		return "", "", ErrBootstrapForbidden
	}

	workspaceID = "ws_" + uuid.New().String()
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO workspaces (workspace_id, name, owner_principal)
		VALUES ($1, $2, $3)`,
		workspaceID, name, ownerPrincipal); err != nil {
		return "", "", fmt.Errorf("failed to create workspace: %w", err)
	}

	token, err = s.IssueSession(ctx, workspaceID, ownerPrincipal, "human", DefaultSessionTTL)
	if err != nil {
		return "", "", err
	}
	return workspaceID, token, nil
}

// IssueSession creates a session token for a principal. Only the SHA-256
// hash of the token is stored.
func (s *Service) IssueSession(ctx context.Context, workspaceID, principalID, actorType string, ttl time.Duration) (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	token := hex.EncodeToString(raw)

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (token_hash, workspace_id, principal_id, actor_type, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		hashToken(token), workspaceID, principalID, actorType, s.now().Add(ttl)); err != nil {
		return "", fmt.Errorf("failed to store session: %w", err)
	}
	return token, nil
}

// ResolveToken validates a bearer/cookie token and returns its session.
func (s *Service) ResolveToken(ctx context.Context, token string) (*Session, error) {
	if token == "" {
		return nil, ErrInvalidSession
	}
	sess := &Session{}
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id, principal_id, actor_type, expires_at
		FROM auth_sessions WHERE token_hash = $1`,
		hashToken(token)).Scan(&sess.WorkspaceID, &sess.PrincipalID, &sess.ActorType, &sess.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve session: %w", err)
	}
	if s.now().After(sess.ExpiresAt) {
		return nil, ErrInvalidSession
	}
	return sess, nil
}

// ResolveWorkspace validates a legacy x-workspace-id header value. The
// caller is bound as an unauthenticated api-client principal; workspace
// isolation still applies.
func (s *Service) ResolveWorkspace(ctx context.Context, workspaceID string) (*Session, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM workspaces WHERE workspace_id = $1)`,
		workspaceID).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to check workspace: %w", err)
	}
	if !exists {
		return nil, ErrUnknownWorkspace
	}
	return &Session{
		WorkspaceID: workspaceID,
		PrincipalID: "api-client",
		ActorType:   "service",
		ExpiresAt:   s.now().Add(time.Hour),
	}, nil
}

// WorkspaceOfStream resolves a stream's owning workspace for isolation
// checks on the fanout path. Unknown streams return the empty string.
func (s *Service) WorkspaceOfStream(ctx context.Context, streamType, streamID string) string {
	var workspaceID string
	err := s.db.QueryRowContext(ctx, `
		SELECT workspace_id FROM evt_stream_heads
		WHERE stream_type = $1 AND stream_id = $2`,
		streamType, streamID).Scan(&workspaceID)
	if err != nil {
		return ""
	}
	return workspaceID
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
