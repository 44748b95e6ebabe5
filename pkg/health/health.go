// Package health produces the typed system health summary: hard checks on
// the kernel tables, optional checks on automation freshness, and a
// deterministic top_issues ordering, cached per workspace.
package health

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codeready-toolchain/conductor/pkg/automation"
	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/outbox"
)

// SchemaVersion of the health payload itself.
const SchemaVersion = "v2"

// Check is a single named probe result.
type Check struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Checks is the fixed probe set.
type Checks struct {
	DB                   Check          `json:"db"`
	KernelSchemaVersions Check          `json:"kernel_schema_versions"`
	EvtEvents            Check          `json:"evt_events"`
	EvtEventsIdempotency Check          `json:"evt_events_idempotency"`
	Optional             OptionalChecks `json:"optional"`
}

// OptionalChecks degrade rather than fail the summary.
type OptionalChecks struct {
	CronWatchdog   Check `json:"cron_watchdog"`
	ProjectionLag  Check `json:"projection_lag"`
	DLQBacklog     Check `json:"dlq_backlog"`
	RateLimitFlood Check `json:"rate_limit_flood"`
}

// Summary is the aggregated view.
type Summary struct {
	HealthSummary          string   `json:"health_summary"`
	CronFreshnessSec       *float64 `json:"cron_freshness_sec"`
	ProjectionLagSec       *float64 `json:"projection_lag_sec"`
	DLQBacklogCount        int      `json:"dlq_backlog_count"`
	RateLimitFloodDetected bool     `json:"rate_limit_flood_detected"`
	ActiveIncidentsCount   int      `json:"active_incidents_count"`
	TopIssues              []Issue  `json:"top_issues"`
}

// Meta carries response metadata.
type Meta struct {
	Cached bool `json:"cached"`
}

// Report is the full health response.
type Report struct {
	SchemaVersion string  `json:"schema_version"`
	OK            bool    `json:"ok"`
	Checks        Checks  `json:"checks"`
	Summary       Summary `json:"summary"`
	Meta          Meta    `json:"meta"`
}

// FloodDetector reports whether any agent currently has an active flood mute.
type FloodDetector interface {
	FloodDetected(ctx context.Context) (bool, error)
}

// Service computes and caches health reports per workspace.
type Service struct {
	db    *sql.DB
	cfg   config.HealthConfig
	flood FloodDetector

	mu    sync.Mutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	report    *Report
	expiresAt time.Time
}

// NewService creates the health service.
func NewService(db *sql.DB, cfg config.HealthConfig, flood FloodDetector) *Service {
	return &Service{
		db:    db,
		cfg:   cfg,
		flood: flood,
		cache: make(map[string]cacheEntry),
		now:   time.Now,
	}
}

// Report returns the health report for a workspace, serving from cache
// within the TTL. Reports with failing hard checks cache for the shorter
// error TTL so recovery shows up quickly.
func (s *Service) Report(ctx context.Context, workspaceID string) *Report {
	s.mu.Lock()
	if entry, ok := s.cache[workspaceID]; ok && s.now().Before(entry.expiresAt) {
		s.mu.Unlock()
		cached := *entry.report
		cached.Meta.Cached = true
		return &cached
	}
	s.mu.Unlock()

	report := s.compute(ctx, workspaceID)

	ttl := s.cfg.CacheTTL
	if !report.OK {
		ttl = s.cfg.ErrorCacheTTL
	}
	s.mu.Lock()
	s.cache[workspaceID] = cacheEntry{report: report, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()

	return report
}

func (s *Service) compute(ctx context.Context, workspaceID string) *Report {
	r := &Report{SchemaVersion: SchemaVersion}
	var issues []Issue

	// Hard checks.
	if _, err := database.Health(ctx, s.db); err != nil {
		r.Checks.DB = Check{OK: false, Detail: "database unreachable"}
		issues = append(issues, Issue{Kind: "db", Severity: SeverityDown})
	} else {
		r.Checks.DB = Check{OK: true}
	}

	r.Checks.KernelSchemaVersions = s.checkSchemaVersions(ctx)
	if !r.Checks.KernelSchemaVersions.OK {
		issues = append(issues, Issue{Kind: "kernel_schema_versions", Severity: SeverityDown})
	}

	r.Checks.EvtEvents = s.checkQuery(ctx,
		`SELECT COUNT(*) FROM evt_events WHERE workspace_id = $1`, workspaceID)
	if !r.Checks.EvtEvents.OK {
		issues = append(issues, Issue{Kind: "evt_events", Severity: SeverityDown})
	}

	r.Checks.EvtEventsIdempotency = s.checkQuery(ctx, `
		SELECT COUNT(*) FROM pg_indexes
		WHERE tablename = 'evt_events' AND indexname = 'evt_events_idempotency'`)
	if !r.Checks.EvtEventsIdempotency.OK {
		issues = append(issues, Issue{Kind: "evt_events_idempotency", Severity: SeverityDown})
	}

	// Optional checks: failures degrade.
	cronAge, cronIssues := s.checkCron(ctx, &r.Checks.Optional)
	issues = append(issues, cronIssues...)
	r.Summary.CronFreshnessSec = cronAge

	lag, lagIssues := s.checkProjectionLag(ctx, workspaceID, &r.Checks.Optional)
	issues = append(issues, lagIssues...)
	r.Summary.ProjectionLagSec = lag

	issues = append(issues, s.checkDLQ(ctx, &r.Checks.Optional, &r.Summary)...)
	issues = append(issues, s.checkFlood(ctx, &r.Checks.Optional, &r.Summary)...)

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM proj_incidents
		WHERE workspace_id = $1 AND status = 'open'`,
		workspaceID).Scan(&r.Summary.ActiveIncidentsCount); err != nil {
		slog.Warn("Failed to count active incidents", "workspace_id", workspaceID, "error", err)
	}

	r.Summary.TopIssues = SortIssues(issues)
	r.OK = r.Checks.DB.OK && r.Checks.KernelSchemaVersions.OK &&
		r.Checks.EvtEvents.OK && r.Checks.EvtEventsIdempotency.OK

	switch {
	case !r.OK:
		r.Summary.HealthSummary = "down"
	case len(r.Summary.TopIssues) > 0:
		r.Summary.HealthSummary = "degraded"
	default:
		r.Summary.HealthSummary = "healthy"
	}
	return r
}

func (s *Service) checkSchemaVersions(ctx context.Context) Check {
	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kernel_schema_versions WHERE is_current`).Scan(&current); err != nil {
		return Check{OK: false, Detail: "kernel_schema_versions unreachable"}
	}
	if current != 1 {
		return Check{OK: false, Detail: fmt.Sprintf("expected exactly one current schema version, found %d", current)}
	}
	return Check{OK: true}
}

func (s *Service) checkQuery(ctx context.Context, query string, args ...any) Check {
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return Check{OK: false, Detail: err.Error()}
	}
	return Check{OK: true}
}

func (s *Service) checkCron(ctx context.Context, opt *OptionalChecks) (*float64, []Issue) {
	var issues []Issue

	halted, err := automation.HaltedJobs(ctx, s.db)
	if err != nil {
		opt.CronWatchdog = Check{OK: false, Detail: err.Error()}
		return nil, issues
	}
	freshness, err := automation.CronFreshness(ctx, s.db)
	if err != nil {
		opt.CronWatchdog = Check{OK: false, Detail: err.Error()}
		return nil, issues
	}

	age := freshness.Seconds()
	switch {
	case len(halted) > 0:
		opt.CronWatchdog = Check{OK: false, Detail: fmt.Sprintf("halted jobs: %v", halted)}
		issues = append(issues, Issue{Kind: "cron_watchdog", Severity: SeverityDown, AgeSec: &age})
	case freshness > s.cfg.CronFreshness:
		opt.CronWatchdog = Check{OK: false, Detail: "cron ticks stale"}
		issues = append(issues, Issue{Kind: "cron_watchdog", Severity: SeverityDegraded, AgeSec: &age})
	default:
		opt.CronWatchdog = Check{OK: true}
	}
	if freshness == 0 {
		return nil, issues
	}
	return &age, issues
}

func (s *Service) checkProjectionLag(ctx context.Context, workspaceID string, opt *OptionalChecks) (*float64, []Issue) {
	var lastEvent, lastApplied sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT MAX(recorded_at) FROM evt_events WHERE workspace_id = $1),
			(SELECT MAX(updated_at) FROM projector_watermarks WHERE workspace_id = $1)`,
		workspaceID).Scan(&lastEvent, &lastApplied)
	if err != nil {
		opt.ProjectionLag = Check{OK: false, Detail: err.Error()}
		return nil, nil
	}
	if !lastEvent.Valid || !lastApplied.Valid {
		opt.ProjectionLag = Check{OK: true}
		return nil, nil
	}

	lag := lastEvent.Time.Sub(lastApplied.Time).Seconds()
	if lag < 0 {
		lag = 0
	}
	if lag > s.cfg.ProjectionLagMax.Seconds() {
		opt.ProjectionLag = Check{OK: false, Detail: "projections lag behind the event log"}
		return &lag, []Issue{{Kind: "projection_lag", Severity: SeverityDegraded, AgeSec: &lag}}
	}
	opt.ProjectionLag = Check{OK: true}
	return &lag, nil
}

func (s *Service) checkDLQ(ctx context.Context, opt *OptionalChecks, summary *Summary) []Issue {
	backlog, err := outbox.DLQBacklog(ctx, s.db)
	if err != nil {
		opt.DLQBacklog = Check{OK: false, Detail: err.Error()}
		return nil
	}
	summary.DLQBacklogCount = backlog
	if backlog > s.cfg.DLQBacklogMax {
		age, _ := outbox.OldestDLQAge(ctx, s.db)
		ageSec := age.Seconds()
		opt.DLQBacklog = Check{OK: false, Detail: fmt.Sprintf("%d poison messages backed up", backlog)}
		return []Issue{{Kind: "dlq_backlog", Severity: SeverityDegraded, AgeSec: &ageSec}}
	}
	opt.DLQBacklog = Check{OK: true}
	return nil
}

func (s *Service) checkFlood(ctx context.Context, opt *OptionalChecks, summary *Summary) []Issue {
	if s.flood == nil {
		opt.RateLimitFlood = Check{OK: true}
		return nil
	}
	detected, err := s.flood.FloodDetected(ctx)
	if err != nil {
		opt.RateLimitFlood = Check{OK: false, Detail: err.Error()}
		return nil
	}
	summary.RateLimitFloodDetected = detected
	if detected {
		opt.RateLimitFlood = Check{OK: false, Detail: "agent flooding mute active"}
		return []Issue{{Kind: "rate_limit_flood", Severity: SeverityDegraded}}
	}
	opt.RateLimitFlood = Check{OK: true}
	return nil
}
