package config

import "time"

// LeaseConfig controls the work-item lease coordinator.
type LeaseConfig struct {
	// TTL is how long a lease stays alive after a claim or heartbeat.
	TTL time.Duration

	// HeartbeatMinInterval is the floor between successive heartbeats for
	// the same lease. Faster heartbeats are rejected with 429.
	HeartbeatMinInterval time.Duration
}

func loadLeaseConfig() (LeaseConfig, error) {
	ttl, err := getEnvSeconds("LEASE_TTL_SEC", 60*time.Second)
	if err != nil {
		return LeaseConfig{}, err
	}
	minInterval, err := getEnvSeconds("HEARTBEAT_MIN_INTERVAL_SEC", 5*time.Second)
	if err != nil {
		return LeaseConfig{}, err
	}
	return LeaseConfig{TTL: ttl, HeartbeatMinInterval: minInterval}, nil
}

// RateLimitConfig controls the hierarchical rate limiter.
type RateLimitConfig struct {
	AgentPerMinute      int
	AgentPerHour        int
	ExperimentPerHour   int
	GlobalPerMinute     int
	HeartbeatPerMinute  int
	StreakThreshold     int
	IncidentMute        time.Duration
}

func loadRateLimitConfig() (RateLimitConfig, error) {
	cfg := RateLimitConfig{}
	var err error
	if cfg.AgentPerMinute, err = getEnvInt("RATE_LIMIT_AGENT_PER_MINUTE", 60); err != nil {
		return cfg, err
	}
	if cfg.AgentPerHour, err = getEnvInt("RATE_LIMIT_AGENT_PER_HOUR", 1000); err != nil {
		return cfg, err
	}
	if cfg.ExperimentPerHour, err = getEnvInt("RATE_LIMIT_EXPERIMENT_PER_HOUR", 600); err != nil {
		return cfg, err
	}
	if cfg.GlobalPerMinute, err = getEnvInt("RATE_LIMIT_GLOBAL_PER_MINUTE", 600); err != nil {
		return cfg, err
	}
	if cfg.HeartbeatPerMinute, err = getEnvInt("RATE_LIMIT_HEARTBEAT_PER_MINUTE", 12); err != nil {
		return cfg, err
	}
	if cfg.StreakThreshold, err = getEnvInt("RATE_LIMIT_STREAK_THRESHOLD", 3); err != nil {
		return cfg, err
	}
	if cfg.IncidentMute, err = getEnvSeconds("RATE_LIMIT_INCIDENT_MUTE_SEC", 300*time.Second); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// CronConfig controls the cron heart.
type CronConfig struct {
	// Jitter randomizes tick start so replicas don't contend on the lock
	// at the exact same instant.
	Jitter time.Duration

	// BatchLimit bounds how many rows a single tick scans.
	BatchLimit int

	// TickTimeout bounds a single tick's execution.
	TickTimeout time.Duration

	// WatchdogThreshold is the consecutive-failure count after which a cron
	// job halts until recordCronSuccess.
	WatchdogThreshold int
}

func loadCronConfig() (CronConfig, error) {
	cfg := CronConfig{}
	var err error
	if cfg.Jitter, err = getEnvSeconds("CRON_JITTER_SEC", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.BatchLimit, err = getEnvInt("CRON_BATCH_LIMIT", 200); err != nil {
		return cfg, err
	}
	if cfg.TickTimeout, err = getEnvSeconds("CRON_TICK_TIMEOUT_SEC", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.WatchdogThreshold, err = getEnvInt("CRON_WATCHDOG_THRESHOLD", 5); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// HealthConfig holds system health thresholds.
type HealthConfig struct {
	CacheTTL         time.Duration
	ErrorCacheTTL    time.Duration
	CronFreshness    time.Duration
	ProjectionLagMax time.Duration
	DLQBacklogMax    int
}

func loadHealthConfig() (HealthConfig, error) {
	cfg := HealthConfig{}
	var err error
	if cfg.CacheTTL, err = getEnvSeconds("HEALTH_CACHE_TTL_SEC", 15*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ErrorCacheTTL, err = getEnvSeconds("HEALTH_ERROR_CACHE_TTL_SEC", 5*time.Second); err != nil {
		return cfg, err
	}
	if cfg.CronFreshness, err = getEnvSeconds("HEALTH_CRON_FRESHNESS_SEC", 300*time.Second); err != nil {
		return cfg, err
	}
	if cfg.ProjectionLagMax, err = getEnvSeconds("HEALTH_PROJECTION_LAG_SEC", 60*time.Second); err != nil {
		return cfg, err
	}
	if cfg.DLQBacklogMax, err = getEnvInt("HEALTH_DLQ_BACKLOG_MAX", 50); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// AutomationConfig controls the outbox automation loop.
type AutomationConfig struct {
	PromotionLoopEnabled bool
	WorkerCount          int
	PollInterval         time.Duration
	PollIntervalJitter   time.Duration
	HandlerTimeout       time.Duration
}

func loadAutomationConfig() AutomationConfig {
	workers, _ := getEnvInt("AUTOMATION_WORKER_COUNT", 4)
	return AutomationConfig{
		PromotionLoopEnabled: getEnvBool("PROMOTION_LOOP_ENABLED", true),
		WorkerCount:          workers,
		PollInterval:         1 * time.Second,
		PollIntervalJitter:   500 * time.Millisecond,
		HandlerTimeout:       30 * time.Second,
	}
}

// RetentionConfig controls background cleanup of derived rows. Events are
// immutable and never deleted.
type RetentionConfig struct {
	DrainedOutboxTTL  time.Duration
	RateBucketTTL     time.Duration
	ClosedIncidentDLQ time.Duration
}

func loadRetentionConfig() RetentionConfig {
	return RetentionConfig{
		DrainedOutboxTTL:  24 * time.Hour,
		RateBucketTTL:     48 * time.Hour,
		ClosedIncidentDLQ: 7 * 24 * time.Hour,
	}
}
