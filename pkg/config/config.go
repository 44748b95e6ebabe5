// Package config loads and validates conductor configuration from the
// environment. Every knob has a production default; main loads a .env file
// first (godotenv) so containers and local runs share one mechanism.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config is the root configuration for the conductor process.
type Config struct {
	HTTPPort string

	Policy     PolicyConfig
	Leases     LeaseConfig
	RateLimit  RateLimitConfig
	Cron       CronConfig
	Health     HealthConfig
	Automation AutomationConfig
	Retention  RetentionConfig

	// SecretsMasterKey encrypts secret blobs at rest. The encryption
	// primitive itself lives outside the core; the key is validated and
	// passed through.
	SecretsMasterKey string

	// ArtifactStorageHeadURL and ArtifactUploadBaseURL locate the external
	// artifact store consulted on evidence-manifest writes.
	ArtifactStorageHeadURL string
	ArtifactUploadBaseURL  string
}

// Load reads the full configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:               getEnvOrDefault("HTTP_PORT", "8080"),
		SecretsMasterKey:       os.Getenv("SECRETS_MASTER_KEY"),
		ArtifactStorageHeadURL: os.Getenv("ARTIFACT_STORAGE_HEAD_URL"),
		ArtifactUploadBaseURL:  os.Getenv("ARTIFACT_UPLOAD_BASE_URL"),
	}

	var err error
	if cfg.Policy, err = loadPolicyConfig(); err != nil {
		return nil, err
	}
	if cfg.Leases, err = loadLeaseConfig(); err != nil {
		return nil, err
	}
	if cfg.RateLimit, err = loadRateLimitConfig(); err != nil {
		return nil, err
	}
	if cfg.Cron, err = loadCronConfig(); err != nil {
		return nil, err
	}
	if cfg.Health, err = loadHealthConfig(); err != nil {
		return nil, err
	}
	cfg.Automation = loadAutomationConfig()
	cfg.Retention = loadRetentionConfig()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	if err := c.Policy.Validate(); err != nil {
		return err
	}
	if c.Leases.HeartbeatMinInterval < 0 {
		return fmt.Errorf("HEARTBEAT_MIN_INTERVAL_SEC must be >= 0")
	}
	if c.RateLimit.StreakThreshold < 1 {
		return fmt.Errorf("RATE_LIMIT_STREAK_THRESHOLD must be >= 1")
	}
	return nil
}

// --- env helpers (shared by the per-section loaders) ---

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getEnvSeconds(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return time.Duration(n) * time.Second, nil
}
