package config

import (
	"fmt"
	"os"
	"sync/atomic"
)

// EnforcementMode controls whether policy decisions are applied or only logged.
type EnforcementMode string

// Enforcement modes.
const (
	EnforcementEnforce EnforcementMode = "enforce"
	EnforcementShadow  EnforcementMode = "shadow"
)

// PolicyConfig holds policy pipeline configuration.
type PolicyConfig struct {
	// mode is read through an atomic handle — it is the only legitimate
	// process-wide knob and may be flipped at runtime (tests, operators).
	// The handle is a shared pointer so PolicyConfig stays copyable.
	mode *atomic.Pointer[EnforcementMode]

	// KillSwitchExternalWrite globally denies external.write actions.
	KillSwitchExternalWrite bool

	// EgressMaxRequestsPerHour is the per-workspace egress quota.
	EgressMaxRequestsPerHour int

	// MistakeRepeatThreshold is the repeat count at which a non-allow
	// decision pattern emits mistake.repeated and constraint.learned.
	MistakeRepeatThreshold int
}

func loadPolicyConfig() (PolicyConfig, error) {
	cfg := PolicyConfig{
		mode:                    &atomic.Pointer[EnforcementMode]{},
		KillSwitchExternalWrite: getEnvBool("POLICY_KILL_SWITCH_EXTERNAL_WRITE", false),
	}

	var err error
	if cfg.EgressMaxRequestsPerHour, err = getEnvInt("EGRESS_MAX_REQUESTS_PER_HOUR", 100); err != nil {
		return cfg, err
	}
	if cfg.MistakeRepeatThreshold, err = getEnvInt("POLICY_MISTAKE_REPEAT_THRESHOLD", 2); err != nil {
		return cfg, err
	}

	mode := EnforcementMode(getEnvOrDefault("POLICY_ENFORCEMENT_MODE", string(EnforcementEnforce)))
	cfg.mode.Store(&mode)
	return cfg, nil
}

// Validate checks the enforcement mode is a known value.
func (c *PolicyConfig) Validate() error {
	switch c.Mode() {
	case EnforcementEnforce, EnforcementShadow:
		return nil
	default:
		return fmt.Errorf("POLICY_ENFORCEMENT_MODE must be %q or %q, got %q",
			EnforcementEnforce, EnforcementShadow, os.Getenv("POLICY_ENFORCEMENT_MODE"))
	}
}

// Mode returns the current enforcement mode.
func (c *PolicyConfig) Mode() EnforcementMode {
	if c.mode != nil {
		if m := c.mode.Load(); m != nil {
			return *m
		}
	}
	return EnforcementEnforce
}

// SetMode atomically replaces the enforcement mode.
func (c *PolicyConfig) SetMode(m EnforcementMode) {
	if c.mode == nil {
		c.mode = &atomic.Pointer[EnforcementMode]{}
	}
	c.mode.Store(&m)
}
