package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// resolveToken loads a capability token and validates holder, revocation and
// validity window. The returned reason code is empty on success.
func resolveToken(ctx context.Context, db *sql.DB, workspaceID, tokenID, principalID string, now time.Time) (*models.CapabilityToken, string, error) {
	token, err := GetToken(ctx, db, workspaceID, tokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ReasonTokenNotFound, nil
		}
		return nil, "", err
	}

	switch {
	case token.SubjectPrincipalID != principalID:
		return nil, ReasonTokenPrincipalMismatch, nil
	case token.Revoked():
		return nil, ReasonTokenRevoked, nil
	case token.Expired(now):
		return nil, ReasonTokenExpired, nil
	}
	return token, "", nil
}

// GetToken loads a capability token row.
func GetToken(ctx context.Context, db *sql.DB, workspaceID, tokenID string) (*models.CapabilityToken, error) {
	t := &models.CapabilityToken{}
	var scopes []byte
	var parent sql.NullString
	var revokedAt sql.NullTime
	err := db.QueryRowContext(ctx, `
		SELECT token_id, workspace_id, issuer, subject_principal_id, scopes,
		       not_before, not_after, parent_token_id, revoked_at, created_at
		FROM sec_capability_tokens
		WHERE workspace_id = $1 AND token_id = $2`,
		workspaceID, tokenID,
	).Scan(&t.TokenID, &t.WorkspaceID, &t.Issuer, &t.SubjectPrincipalID, &scopes,
		&t.NotBefore, &t.NotAfter, &parent, &revokedAt, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(scopes, &t.Scopes); err != nil {
		return nil, fmt.Errorf("failed to decode token scopes: %w", err)
	}
	t.ParentTokenID = parent.String
	if revokedAt.Valid {
		t.RevokedAt = &revokedAt.Time
	}
	return t, nil
}

// ErrDelegationIssuerMismatch is returned when a delegated grant's grantor
// does not match the parent token's issuer.
var ErrDelegationIssuerMismatch = errors.New("parent token issuer does not match grantor")

// GrantToken issues a capability token. Delegated tokens must be granted by
// their parent's issuer, and the child's scopes may not exceed the parent's.
func GrantToken(ctx context.Context, db *sql.DB, t *models.CapabilityToken) error {
	if t.ParentTokenID != "" {
		parent, err := GetToken(ctx, db, t.WorkspaceID, t.ParentTokenID)
		if err != nil {
			return fmt.Errorf("failed to load parent token: %w", err)
		}
		if parent.Issuer != t.Issuer {
			return ErrDelegationIssuerMismatch
		}
		t.Scopes = intersectScopes(parent.Scopes, t.Scopes)
	}

	scopes, err := json.Marshal(t.Scopes)
	if err != nil {
		return fmt.Errorf("failed to encode token scopes: %w", err)
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO sec_capability_tokens (token_id, workspace_id, issuer, subject_principal_id,
		                                   scopes, not_before, not_after, parent_token_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8,''))`,
		t.TokenID, t.WorkspaceID, t.Issuer, t.SubjectPrincipalID,
		scopes, t.NotBefore, t.NotAfter, t.ParentTokenID)
	if err != nil {
		return fmt.Errorf("failed to insert capability token: %w", err)
	}
	return nil
}

// RevokeToken marks a token revoked. Revoking is idempotent.
func RevokeToken(ctx context.Context, db *sql.DB, workspaceID, tokenID string) error {
	res, err := db.ExecContext(ctx, `
		UPDATE sec_capability_tokens SET revoked_at = COALESCE(revoked_at, now())
		WHERE workspace_id = $1 AND token_id = $2`,
		workspaceID, tokenID)
	if err != nil {
		return fmt.Errorf("failed to revoke capability token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// intersectScopes narrows child scopes to what the parent grants.
func intersectScopes(parent, child models.CapabilityScopes) models.CapabilityScopes {
	return models.CapabilityScopes{
		Rooms:         intersect(parent.Rooms, child.Rooms),
		Tools:         intersect(parent.Tools, child.Tools),
		ActionTypes:   intersect(parent.ActionTypes, child.ActionTypes),
		EgressDomains: intersect(parent.EgressDomains, child.EgressDomains),
		DataAccess: models.DataAccessScope{
			Read:  parent.DataAccess.Read && child.DataAccess.Read,
			Write: parent.DataAccess.Write && child.DataAccess.Write,
		},
	}
}

func intersect(a, b []string) []string {
	if len(a) == 0 || len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	var out []string
	for _, s := range b {
		if set[s] {
			out = append(out, s)
		}
	}
	return out
}
