package policy

import (
	"net/url"
	"strings"

	"github.com/codeready-toolchain/conductor/pkg/models"
)

// facts are the resolved inputs the rule chain decides over. Gathering them
// (DB lookups, token resolution) is the pipeline's job; deciding is pure.
type facts struct {
	action      string
	quarantined bool

	killSwitchExternalWrite bool

	// Token resolution outcome: token is nil when none was presented;
	// tokenReason carries the resolution failure, if any.
	tokenPresented bool
	token          *models.CapabilityToken
	tokenReason    string

	tool   string
	domain string
	roomID string

	// Data access classification.
	label         string
	labelRoomID   string
	dataAccess    string // "read" or "write", empty when not a data action
	purposeTag    string
	resourcePurpose string
	justification string

	quotaExceeded bool
}

// ruleOutcome is a single rule's verdict: decide with a decision, or
// delegate to the next rule.
type ruleOutcome struct {
	decided    bool
	decision   string
	reasonCode string
}

func decided(decision, reason string) ruleOutcome {
	return ruleOutcome{decided: true, decision: decision, reasonCode: reason}
}

var delegate = ruleOutcome{}

// decide runs the rule chain in its fixed order; the first rule that
// decides wins.
func decide(f *facts) (decision, reasonCode string) {
	rules := []func(*facts) ruleOutcome{
		ruleQuarantine,
		ruleKillSwitch,
		ruleCapabilityToken,
		ruleDataAccessLabels,
		ruleQuota,
		ruleActionPolicy,
	}
	for _, rule := range rules {
		if out := rule(f); out.decided {
			return out.decision, out.reasonCode
		}
	}
	return DecisionAllow, ""
}

func ruleQuarantine(f *facts) ruleOutcome {
	if f.quarantined {
		return decided(DecisionDeny, ReasonAgentQuarantined)
	}
	return delegate
}

func ruleKillSwitch(f *facts) ruleOutcome {
	if f.action == ActionExternalWrite && f.killSwitchExternalWrite {
		return decided(DecisionDeny, ReasonKillSwitchActive)
	}
	return delegate
}

func ruleCapabilityToken(f *facts) ruleOutcome {
	if !f.tokenPresented {
		return delegate
	}
	if f.tokenReason != "" {
		return decided(DecisionDeny, f.tokenReason)
	}

	scopes := f.token.Scopes
	if f.tool != "" && !contains(scopes.Tools, f.tool) {
		return decided(DecisionDeny, ReasonScopeToolNotAllowed)
	}
	if f.domain != "" && !domainAllowed(scopes.EgressDomains, f.domain) {
		return decided(DecisionDeny, ReasonScopeDomainNotAllowed)
	}
	if f.roomID != "" && len(scopes.Rooms) > 0 && !contains(scopes.Rooms, f.roomID) {
		return decided(DecisionDeny, ReasonScopeRoomNotAllowed)
	}
	switch f.dataAccess {
	case "read":
		if !scopes.DataAccess.Read {
			return decided(DecisionDeny, ReasonScopeDataAccessNotAllowed)
		}
	case "write":
		if !scopes.DataAccess.Write {
			return decided(DecisionDeny, ReasonScopeDataAccessNotAllowed)
		}
	}
	return delegate
}

// ruleDataAccessLabels applies the DAC classification:
//   - restricted resources never cross rooms
//   - confidential reads with a purpose mismatch require approval, unless
//     the caller justified the access
func ruleDataAccessLabels(f *facts) ruleOutcome {
	switch f.label {
	case LabelRestricted:
		if f.labelRoomID != "" && f.roomID != f.labelRoomID {
			return decided(DecisionDeny, ReasonRestrictedRoomMismatch)
		}
	case LabelConfidential:
		if f.dataAccess == "read" && f.resourcePurpose != "" && f.purposeTag != f.resourcePurpose {
			if f.justification != "" {
				return delegate
			}
			return decided(DecisionRequireApproval, ReasonPurposeHintMismatch)
		}
	}
	return delegate
}

func ruleQuota(f *facts) ruleOutcome {
	if f.quotaExceeded {
		return decided(DecisionDeny, ReasonQuotaExceeded)
	}
	return delegate
}

// ruleActionPolicy is the terminal rule: external.write always requires
// approval, internal.read is allowed by default.
func ruleActionPolicy(f *facts) ruleOutcome {
	switch f.action {
	case ActionExternalWrite:
		return decided(DecisionRequireApproval, ReasonExternalWriteRequiresApproval)
	default:
		return decided(DecisionAllow, "")
	}
}

func contains(set []string, value string) bool {
	for _, s := range set {
		if s == value {
			return true
		}
	}
	return false
}

// domainAllowed matches a target host against the egress domain scope.
// A scope entry matches exactly or as a parent domain (example.com covers
// api.example.com).
func domainAllowed(scope []string, host string) bool {
	for _, d := range scope {
		if host == d || strings.HasSuffix(host, "."+d) {
			return true
		}
	}
	return false
}

// hostOf extracts the host from a target URL, tolerating bare hosts.
func hostOf(target string) string {
	if target == "" {
		return ""
	}
	u, err := url.Parse(target)
	if err != nil || u.Host == "" {
		if !strings.Contains(target, "/") {
			return target
		}
		return ""
	}
	return u.Hostname()
}
