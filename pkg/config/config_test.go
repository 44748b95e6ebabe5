package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnforcementEnforce, cfg.Policy.Mode())
	assert.False(t, cfg.Policy.KillSwitchExternalWrite)
	assert.Equal(t, 100, cfg.Policy.EgressMaxRequestsPerHour)
	assert.Equal(t, 2, cfg.Policy.MistakeRepeatThreshold)
	assert.Equal(t, 5*time.Second, cfg.Leases.HeartbeatMinInterval)
	assert.Equal(t, 3, cfg.RateLimit.StreakThreshold)
	assert.Equal(t, 300*time.Second, cfg.RateLimit.IncidentMute)
	assert.True(t, cfg.Automation.PromotionLoopEnabled)
	assert.Equal(t, 5, cfg.Cron.WatchdogThreshold)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("POLICY_ENFORCEMENT_MODE", "shadow")
	t.Setenv("POLICY_KILL_SWITCH_EXTERNAL_WRITE", "true")
	t.Setenv("EGRESS_MAX_REQUESTS_PER_HOUR", "2")
	t.Setenv("HEARTBEAT_MIN_INTERVAL_SEC", "30")
	t.Setenv("RATE_LIMIT_STREAK_THRESHOLD", "5")
	t.Setenv("RATE_LIMIT_INCIDENT_MUTE_SEC", "60")
	t.Setenv("PROMOTION_LOOP_ENABLED", "false")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, EnforcementShadow, cfg.Policy.Mode())
	assert.True(t, cfg.Policy.KillSwitchExternalWrite)
	assert.Equal(t, 2, cfg.Policy.EgressMaxRequestsPerHour)
	assert.Equal(t, 30*time.Second, cfg.Leases.HeartbeatMinInterval)
	assert.Equal(t, 5, cfg.RateLimit.StreakThreshold)
	assert.Equal(t, time.Minute, cfg.RateLimit.IncidentMute)
	assert.False(t, cfg.Automation.PromotionLoopEnabled)
}

func TestLoad_RejectsInvalidMode(t *testing.T) {
	t.Setenv("POLICY_ENFORCEMENT_MODE", "audit")
	_, err := Load()
	assert.Error(t, err)
}

func TestPolicyConfig_ModeIsAtomic(t *testing.T) {
	cfg, err := loadPolicyConfig()
	require.NoError(t, err)
	assert.Equal(t, EnforcementEnforce, cfg.Mode())

	cfg.SetMode(EnforcementShadow)
	assert.Equal(t, EnforcementShadow, cfg.Mode())
}
