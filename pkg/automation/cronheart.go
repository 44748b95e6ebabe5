package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
)

// ErrCronLockLost is raised when an out-of-band update changed the fencing
// token mid-tick. The current cycle halts without recording partial work.
var ErrCronLockLost = errors.New("cron lock lost: fencing token changed")

// CronJob is one scheduled unit of automation work.
type CronJob struct {
	Name     string
	Schedule string
	Run      func(ctx context.Context) error
}

// Heart schedules cron jobs, serializing each by an advisory lock plus a
// fencing token in cron_locks, with a consecutive-failure watchdog.
type Heart struct {
	kernel *kernel.Kernel
	cfg    config.CronConfig
	podID  string
	cron   *cron.Cron
	jobs   []CronJob
}

// NewHeart creates the cron heart.
func NewHeart(k *kernel.Kernel, cfg config.CronConfig, podID string) *Heart {
	return &Heart{
		kernel: k,
		cfg:    cfg,
		podID:  podID,
		cron:   cron.New(cron.WithSeconds()),
	}
}

// Register adds a job to the schedule.
func (h *Heart) Register(job CronJob) {
	h.jobs = append(h.jobs, job)
}

// Start begins scheduling. Each firing jitters its start so replicas don't
// contend on the advisory lock at the same instant.
func (h *Heart) Start(ctx context.Context) error {
	for _, job := range h.jobs {
		job := job
		_, err := h.cron.AddFunc(job.Schedule, func() {
			if h.cfg.Jitter > 0 {
				time.Sleep(time.Duration(rand.Int64N(int64(h.cfg.Jitter))))
			}
			if err := h.Tick(ctx, job); err != nil && !errors.Is(err, errTickSkipped) {
				slog.Error("Cron tick failed", "cron_name", job.Name, "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("failed to schedule cron job %s: %w", job.Name, err)
		}
	}
	h.cron.Start()
	slog.Info("Cron heart started", "jobs", len(h.jobs), "pod_id", h.podID)
	return nil
}

// Stop stops the scheduler and waits for running ticks.
func (h *Heart) Stop() {
	<-h.cron.Stop().Done()
}

// errTickSkipped marks ticks that did not run (lock held elsewhere, halted).
var errTickSkipped = errors.New("cron tick skipped")

// Tick runs one job cycle under the advisory lock. The fencing token is
// re-checked after the job body: if an out-of-band update changed it, the
// tick halts with cron_lock_lost and records nothing.
func (h *Heart) Tick(ctx context.Context, job CronJob) error {
	tickCtx, cancel := context.WithTimeout(ctx, h.cfg.TickTimeout)
	defer cancel()

	token, err := h.acquire(tickCtx, job.Name)
	if err != nil {
		return err
	}

	jobErr := job.Run(tickCtx)

	// Verify the fence before recording the outcome.
	current, err := h.currentToken(tickCtx, job.Name)
	if err != nil {
		return err
	}
	if current != token {
		return fmt.Errorf("%w: %s", ErrCronLockLost, job.Name)
	}

	if jobErr != nil {
		return h.recordFailure(tickCtx, job.Name, jobErr)
	}
	return h.RecordCronSuccess(tickCtx, job.Name)
}

// acquire takes the transaction-scoped advisory lock, checks the watchdog
// and advances the fencing token.
func (h *Heart) acquire(ctx context.Context, cronName string) (int64, error) {
	var token int64
	err := h.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		var locked bool
		if err := tx.QueryRowContext(ctx,
			`SELECT pg_try_advisory_xact_lock($1)`, LockKey(cronName)).Scan(&locked); err != nil {
			return fmt.Errorf("failed to take advisory lock: %w", err)
		}
		if !locked {
			return errTickSkipped
		}

		var halted bool
		err := tx.QueryRowContext(ctx, `
			INSERT INTO cron_locks (cron_name, fencing_token, holder, locked_until)
			VALUES ($1, 1, $2, now() + $3::interval)
			ON CONFLICT (cron_name) DO UPDATE SET
				fencing_token = cron_locks.fencing_token + 1,
				holder = EXCLUDED.holder,
				locked_until = EXCLUDED.locked_until,
				updated_at = now()
			RETURNING fencing_token, halted`,
			cronName, h.podID, h.cfg.TickTimeout.String(),
		).Scan(&token, &halted)
		if err != nil {
			return fmt.Errorf("failed to advance fencing token: %w", err)
		}
		if halted {
			return errTickSkipped
		}
		return nil
	})
	return token, err
}

func (h *Heart) currentToken(ctx context.Context, cronName string) (int64, error) {
	var token int64
	err := h.kernel.DB().QueryRowContext(ctx,
		`SELECT fencing_token FROM cron_locks WHERE cron_name = $1`, cronName).Scan(&token)
	if err != nil {
		return 0, fmt.Errorf("failed to read fencing token: %w", err)
	}
	return token, nil
}

// RecordCronSuccess resets the watchdog. Also the operator path for resuming
// a halted job.
func (h *Heart) RecordCronSuccess(ctx context.Context, cronName string) error {
	_, err := h.kernel.DB().ExecContext(ctx, `
		UPDATE cron_locks SET
			consecutive_failures = 0, halted = false,
			last_success_at = now(), updated_at = now()
		WHERE cron_name = $1`, cronName)
	if err != nil {
		return fmt.Errorf("failed to record cron success: %w", err)
	}
	return nil
}

// recordFailure advances the watchdog; at the threshold the job halts until
// RecordCronSuccess.
func (h *Heart) recordFailure(ctx context.Context, cronName string, jobErr error) error {
	var halted bool
	err := h.kernel.DB().QueryRowContext(ctx, `
		UPDATE cron_locks SET
			consecutive_failures = consecutive_failures + 1,
			halted = consecutive_failures + 1 >= $2,
			last_failure_at = now(), updated_at = now()
		WHERE cron_name = $1
		RETURNING halted`,
		cronName, h.cfg.WatchdogThreshold).Scan(&halted)
	if err != nil {
		return fmt.Errorf("failed to record cron failure: %w", err)
	}
	if halted {
		slog.Error("Cron watchdog halted job after consecutive failures",
			"cron_name", cronName, "threshold", h.cfg.WatchdogThreshold, "error", jobErr)
	}
	return jobErr
}

// LockKey maps a cron name to a stable 64-bit advisory lock key.
func LockKey(cronName string) int64 {
	hasher := fnv.New64a()
	hasher.Write([]byte(cronName))
	return int64(hasher.Sum64())
}

// CronFreshness returns the age of the oldest last_success_at across
// registered jobs, for the health summary. Zero when no job has run yet.
func CronFreshness(ctx context.Context, db *sql.DB) (time.Duration, error) {
	var oldest sql.NullTime
	err := db.QueryRowContext(ctx,
		`SELECT MIN(last_success_at) FROM cron_locks`).Scan(&oldest)
	if err != nil {
		return 0, fmt.Errorf("failed to query cron freshness: %w", err)
	}
	if !oldest.Valid {
		return 0, nil
	}
	return time.Since(oldest.Time), nil
}

// HaltedJobs lists jobs currently halted by the watchdog.
func HaltedJobs(ctx context.Context, db *sql.DB) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT cron_name FROM cron_locks WHERE halted ORDER BY cron_name`)
	if err != nil {
		return nil, fmt.Errorf("failed to query halted cron jobs: %w", err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
