package automation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"

	"github.com/codeready-toolchain/conductor/pkg/config"
	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/kernel"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/outbox"
)

// handlerFailure wraps a handler error so drainOne can distinguish it from
// infrastructure errors after the drain transaction rolled back.
type handlerFailure struct {
	entry *outbox.Entry
	err   error
}

func (f *handlerFailure) Error() string {
	return fmt.Sprintf("handler %s failed: %v", f.entry.Handler, f.err)
}

// Worker drains outbox entries one at a time.
type Worker struct {
	id     string
	kernel *kernel.Kernel
	reg    *Registry
	cfg    config.AutomationConfig
}

// NewWorker creates a drain worker.
func NewWorker(id string, k *kernel.Kernel, reg *Registry, cfg config.AutomationConfig) *Worker {
	return &Worker{id: id, kernel: k, reg: reg, cfg: cfg}
}

// Run is the worker loop: claim → handle → delete, sleeping with jitter when
// the outbox is empty.
func (w *Worker) Run(ctx context.Context, stopCh <-chan struct{}) {
	log := slog.With("worker_id", w.id)
	log.Info("Automation worker started")

	for {
		select {
		case <-stopCh:
			log.Info("Automation worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, automation worker shutting down")
			return
		default:
			if err := w.drainOne(ctx); err != nil {
				if errors.Is(err, outbox.ErrNoEntriesAvailable) {
					w.sleep(stopCh, w.pollInterval())
					continue
				}
				var hf *handlerFailure
				if errors.As(err, &hf) {
					w.recordFailure(ctx, hf)
					continue
				}
				log.Error("Error draining outbox", "error", err)
				w.sleep(stopCh, time.Second) // Brief backoff on error
			}
		}
	}
}

// DrainOnce claims and processes at most one entry, recording a handler
// failure if one occurs. Used by tests and by operators draining manually.
func (w *Worker) DrainOnce(ctx context.Context) error {
	err := w.drainOne(ctx)
	var hf *handlerFailure
	if errors.As(err, &hf) {
		w.recordFailure(ctx, hf)
	}
	return err
}

// drainOne claims and processes a single outbox entry. On handler failure the
// drain transaction rolls back (discarding the handler's partial writes) and
// the failure is recorded in a follow-up transaction.
func (w *Worker) drainOne(ctx context.Context) error {
	handlerCtx, cancel := context.WithTimeout(ctx, w.cfg.HandlerTimeout)
	defer cancel()

	return w.kernel.WithTx(handlerCtx, func(tx *sql.Tx) error {
		entry, err := outbox.ClaimNext(handlerCtx, tx)
		if err != nil {
			return err
		}

		handler, err := w.reg.Handler(entry.Handler)
		if err != nil {
			// Unknown handler: unrecoverable, treat as a handler failure so
			// it strikes out into the DLQ instead of looping forever.
			return &handlerFailure{entry: entry, err: err}
		}

		event, err := loadEvent(handlerCtx, tx, entry.EventID)
		if err != nil {
			return fmt.Errorf("failed to load outbox event %s: %w", entry.EventID, err)
		}

		if err := handler(handlerCtx, tx, event); err != nil {
			return &handlerFailure{entry: entry, err: err}
		}
		return outbox.Delete(handlerCtx, tx, entry.ID)
	})
}

// recordFailure reschedules the failed entry with backoff and advances the
// DLQ strike counter; the third strike opens one poison_message incident.
func (w *Worker) recordFailure(ctx context.Context, hf *handlerFailure) {
	entry := hf.entry
	slog.Warn("Automation handler failed",
		"worker_id", w.id, "handler", entry.Handler,
		"event_id", entry.EventID, "attempts", entry.Attempts+1, "error", hf.err)

	var promoted bool
	err := w.kernel.WithTx(ctx, func(tx *sql.Tx) error {
		if err := outbox.Retry(ctx, tx, entry.ID, entry.Attempts, hf.err); err != nil {
			return err
		}
		var err error
		promoted, err = outbox.RecordFailure(ctx, tx, entry.WorkspaceID, entry.EventID, hf.err)
		return err
	})
	if err != nil {
		slog.Error("Failed to record automation failure",
			"worker_id", w.id, "event_id", entry.EventID, "error", err)
		return
	}

	if promoted {
		if err := w.openPoisonIncident(ctx, entry); err != nil {
			slog.Error("Failed to open poison message incident",
				"event_id", entry.EventID, "error", err)
			// Leave the entry unpromoted so ScanDLQ opens the incident.
			if _, err := w.kernel.DB().ExecContext(ctx, `
				UPDATE evt_dlq SET promoted = false
				WHERE workspace_id = $1 AND message_id = $2`,
				entry.WorkspaceID, entry.EventID); err != nil {
				slog.Error("Failed to unmark DLQ entry", "event_id", entry.EventID, "error", err)
			}
		}
	}
}

func (w *Worker) openPoisonIncident(ctx context.Context, entry *outbox.Entry) error {
	incidentID := uuid.New().String()
	payload, _ := json.Marshal(events.IncidentOpenedPayload{
		IncidentID: incidentID,
		Category:   "poison_message",
		Severity:   "high",
		WorkItemID: entry.EventID,
	})
	draft := models.EventDraft{
		EventType:      events.TypeIncidentOpened,
		OccurredAt:     time.Now(),
		Actor:          models.Actor{Type: "system", ID: "automation"},
		Stream:         models.Stream{Type: models.StreamWorkspace, ID: entry.WorkspaceID},
		CorrelationID:  uuid.New().String(),
		IdempotencyKey: eventstore.IdempotencyKey("incident", "poison_message", entry.WorkspaceID, entry.EventID),
		EntityType:     "incident",
		EntityID:       incidentID,
		Data:           payload,
	}
	_, err := w.kernel.Write(ctx, entry.WorkspaceID, []models.EventDraft{draft})
	return err
}

func (w *Worker) sleep(stopCh <-chan struct{}, d time.Duration) {
	select {
	case <-stopCh:
	case <-time.After(d):
	}
}

// pollInterval returns the poll duration with jitter.
func (w *Worker) pollInterval() time.Duration {
	base := w.cfg.PollInterval
	jitter := w.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// loadEvent reads an event row inside the drain transaction.
func loadEvent(ctx context.Context, tx *sql.Tx, eventID string) (*models.Event, error) {
	e := &models.Event{}
	var causation, idemKey sql.NullString
	var data []byte
	err := tx.QueryRowContext(ctx, `
		SELECT event_id, event_type, event_version, occurred_at, recorded_at,
		       workspace_id, actor_type, actor_id, stream_type, stream_id,
		       stream_seq, correlation_id, causation_id, idempotency_key,
		       prev_event_hash, event_hash, entity_type, entity_id, data,
		       contains_secrets
		FROM evt_events WHERE event_id = $1`,
		eventID,
	).Scan(&e.EventID, &e.EventType, &e.EventVersion, &e.OccurredAt, &e.RecordedAt,
		&e.WorkspaceID, &e.Actor.Type, &e.Actor.ID, &e.Stream.Type, &e.Stream.ID,
		&e.StreamSeq, &e.CorrelationID, &causation, &idemKey,
		&e.PrevEventHash, &e.EventHash, &e.EntityType, &e.EntityID, &data,
		&e.ContainsSecrets)
	if err != nil {
		return nil, err
	}
	e.CausationID = causation.String
	e.IdempotencyKey = idemKey.String
	e.Data = json.RawMessage(data)
	return e, nil
}
