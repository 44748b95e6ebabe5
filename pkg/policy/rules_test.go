package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

func validToken() *models.CapabilityToken {
	return &models.CapabilityToken{
		TokenID:            "tok_1",
		SubjectPrincipalID: "prin_1",
		Scopes: models.CapabilityScopes{
			Tools:         []string{"search", "fetch"},
			EgressDomains: []string{"example.com"},
			Rooms:         []string{"room_1"},
			DataAccess:    models.DataAccessScope{Read: true},
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(time.Hour),
	}
}

func TestDecide_Order(t *testing.T) {
	tests := []struct {
		name       string
		facts      facts
		decision   string
		reasonCode string
	}{
		{
			"quarantine decides first even with kill switch on",
			facts{action: ActionExternalWrite, quarantined: true, killSwitchExternalWrite: true},
			DecisionDeny, ReasonAgentQuarantined,
		},
		{
			"kill switch denies external writes",
			facts{action: ActionExternalWrite, killSwitchExternalWrite: true},
			DecisionDeny, ReasonKillSwitchActive,
		},
		{
			"kill switch does not touch internal reads",
			facts{action: ActionInternalRead, killSwitchExternalWrite: true},
			DecisionAllow, "",
		},
		{
			"token resolution failure denies",
			facts{action: ActionInternalRead, tokenPresented: true, tokenReason: ReasonTokenRevoked},
			DecisionDeny, ReasonTokenRevoked,
		},
		{
			"quota denies before action policy",
			facts{action: ActionExternalWrite, quotaExceeded: true},
			DecisionDeny, ReasonQuotaExceeded,
		},
		{
			"external write requires approval by default",
			facts{action: ActionExternalWrite},
			DecisionRequireApproval, ReasonExternalWriteRequiresApproval,
		},
		{
			"internal read allowed by default",
			facts{action: ActionInternalRead},
			DecisionAllow, "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, reason := decide(&tt.facts)
			assert.Equal(t, tt.decision, decision)
			assert.Equal(t, tt.reasonCode, reason)
		})
	}
}

func TestDecide_CapabilityScopes(t *testing.T) {
	t.Run("tool outside scope denied", func(t *testing.T) {
		f := facts{action: ActionToolInvoke, tokenPresented: true, token: validToken(), tool: "shell"}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionDeny, decision)
		assert.Equal(t, ReasonScopeToolNotAllowed, reason)
	})

	t.Run("tool inside scope allowed", func(t *testing.T) {
		f := facts{action: ActionToolInvoke, tokenPresented: true, token: validToken(), tool: "search"}
		decision, _ := decide(&f)
		assert.Equal(t, DecisionAllow, decision)
	})

	t.Run("domain outside scope denied", func(t *testing.T) {
		f := facts{action: ActionInternalRead, tokenPresented: true, token: validToken(), domain: "evil.com"}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionDeny, decision)
		assert.Equal(t, ReasonScopeDomainNotAllowed, reason)
	})

	t.Run("subdomain of scoped domain allowed", func(t *testing.T) {
		f := facts{action: ActionInternalRead, tokenPresented: true, token: validToken(), domain: "api.example.com"}
		decision, _ := decide(&f)
		assert.Equal(t, DecisionAllow, decision)
	})

	t.Run("room outside scope denied", func(t *testing.T) {
		f := facts{action: ActionInternalRead, tokenPresented: true, token: validToken(), roomID: "room_2"}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionDeny, decision)
		assert.Equal(t, ReasonScopeRoomNotAllowed, reason)
	})

	t.Run("data write without write scope denied", func(t *testing.T) {
		f := facts{action: ActionDataWrite, tokenPresented: true, token: validToken(), dataAccess: "write"}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionDeny, decision)
		assert.Equal(t, ReasonScopeDataAccessNotAllowed, reason)
	})
}

func TestDecide_DataAccessLabels(t *testing.T) {
	t.Run("restricted cross-room denied", func(t *testing.T) {
		f := facts{
			action: ActionDataRead, dataAccess: "read",
			label: LabelRestricted, labelRoomID: "room_1", roomID: "room_2",
		}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionDeny, decision)
		assert.Equal(t, ReasonRestrictedRoomMismatch, reason)
	})

	t.Run("restricted same-room allowed", func(t *testing.T) {
		f := facts{
			action: ActionDataRead, dataAccess: "read",
			label: LabelRestricted, labelRoomID: "room_1", roomID: "room_1",
		}
		decision, _ := decide(&f)
		assert.Equal(t, DecisionAllow, decision)
	})

	t.Run("confidential purpose mismatch without justification requires approval", func(t *testing.T) {
		f := facts{
			action: ActionDataRead, dataAccess: "read",
			label: LabelConfidential, resourcePurpose: "billing", purposeTag: "support",
		}
		decision, reason := decide(&f)
		assert.Equal(t, DecisionRequireApproval, decision)
		assert.Equal(t, ReasonPurposeHintMismatch, reason)
	})

	t.Run("confidential purpose mismatch with justification allowed", func(t *testing.T) {
		f := facts{
			action: ActionDataRead, dataAccess: "read",
			label: LabelConfidential, resourcePurpose: "billing", purposeTag: "support",
			justification: "incident follow-up",
		}
		decision, _ := decide(&f)
		assert.Equal(t, DecisionAllow, decision)
	})

	t.Run("confidential matching purpose allowed", func(t *testing.T) {
		f := facts{
			action: ActionDataRead, dataAccess: "read",
			label: LabelConfidential, resourcePurpose: "billing", purposeTag: "billing",
		}
		decision, _ := decide(&f)
		assert.Equal(t, DecisionAllow, decision)
	})
}

func TestHostOf(t *testing.T) {
	assert.Equal(t, "api.example.com", hostOf("https://api.example.com/v1/push"))
	assert.Equal(t, "example.com", hostOf("example.com"))
	assert.Equal(t, "", hostOf(""))
}

func TestIntersectScopes(t *testing.T) {
	parent := validToken().Scopes
	child := models.CapabilityScopes{
		Tools:         []string{"search", "shell"},
		EgressDomains: []string{"example.com", "evil.com"},
		DataAccess:    models.DataAccessScope{Read: true, Write: true},
	}
	got := intersectScopes(parent, child)
	assert.Equal(t, []string{"search"}, got.Tools)
	assert.Equal(t, []string{"example.com"}, got.EgressDomains)
	assert.True(t, got.DataAccess.Read)
	assert.False(t, got.DataAccess.Write, "child cannot exceed parent write scope")
}
