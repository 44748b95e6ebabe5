package auth_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codeready-toolchain/conductor/pkg/auth"
	testdb "github.com/codeready-toolchain/conductor/test/database"
)

func TestBootstrapAndSessions(t *testing.T) {
	if testing.Short() {
		t.Skip("requires PostgreSQL")
	}
	client := testdb.NewTestClient(t)
	svc := auth.NewService(client.DB())
	ctx := context.Background()

	workspaceID, token, err := svc.Bootstrap(ctx, "acme", "owner@acme.test")
	require.NoError(t, err)
	require.NotEmpty(t, workspaceID)
	require.NotEmpty(t, token)

	t.Run("bootstrap is one-shot", func(t *testing.T) {
		_, _, err := svc.Bootstrap(ctx, "other", "intruder@acme.test")
		assert.ErrorIs(t, err, auth.ErrBootstrapForbidden)
	})

	t.Run("owner token resolves", func(t *testing.T) {
		sess, err := svc.ResolveToken(ctx, token)
		require.NoError(t, err)
		assert.Equal(t, workspaceID, sess.WorkspaceID)
		assert.Equal(t, "owner@acme.test", sess.PrincipalID)
	})

	t.Run("garbage token is rejected", func(t *testing.T) {
		_, err := svc.ResolveToken(ctx, "deadbeef")
		assert.ErrorIs(t, err, auth.ErrInvalidSession)
	})

	t.Run("expired token is rejected", func(t *testing.T) {
		short, err := svc.IssueSession(ctx, workspaceID, "agent_x", "agent", -time.Second)
		require.NoError(t, err)
		_, err = svc.ResolveToken(ctx, short)
		assert.ErrorIs(t, err, auth.ErrInvalidSession)
	})

	t.Run("legacy header binds known workspaces only", func(t *testing.T) {
		sess, err := svc.ResolveWorkspace(ctx, workspaceID)
		require.NoError(t, err)
		assert.Equal(t, workspaceID, sess.WorkspaceID)
		assert.Equal(t, "api-client", sess.PrincipalID)

		_, err = svc.ResolveWorkspace(ctx, "ws_nope")
		assert.ErrorIs(t, err, auth.ErrUnknownWorkspace)
	})
}
