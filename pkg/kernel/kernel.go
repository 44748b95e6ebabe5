// Package kernel composes the write path: every mutation is one transaction
// that appends events, applies their projections and enqueues outbox rows.
// Nothing else in the repo writes domain state.
package kernel

import (
	"context"
	"database/sql"

	"github.com/codeready-toolchain/conductor/pkg/database"
	"github.com/codeready-toolchain/conductor/pkg/eventstore"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/outbox"
	"github.com/codeready-toolchain/conductor/pkg/projection"
)

// Kernel is the single gateway for state change.
type Kernel struct {
	db       *sql.DB
	store    *eventstore.Store
	engine   *projection.Engine
	bindings outbox.Bindings
}

// New creates a Kernel. Bindings may be set later via SetBindings when the
// automation registry (which depends on the kernel) is built afterwards.
func New(db *sql.DB, store *eventstore.Store, engine *projection.Engine, bindings outbox.Bindings) *Kernel {
	return &Kernel{db: db, store: store, engine: engine, bindings: bindings}
}

// SetBindings installs the outbox bindings. Called once during startup,
// before any writes.
func (k *Kernel) SetBindings(bindings outbox.Bindings) {
	k.bindings = bindings
}

// Store exposes the event store for read paths.
func (k *Kernel) Store() *eventstore.Store { return k.store }

// DB exposes the pool for read-only queries.
func (k *Kernel) DB() *sql.DB { return k.db }

// Write appends drafts in a fresh transaction: append → project → outbox.
// A serialization failure is retried once inside WithTx; the idempotency
// index makes the retry safe.
func (k *Kernel) Write(ctx context.Context, workspaceID string, drafts []models.EventDraft) ([]models.AppendedEvent, error) {
	var appended []models.AppendedEvent
	err := database.WithTx(ctx, k.db, func(tx *sql.Tx) error {
		var err error
		appended, err = k.WriteInTx(ctx, tx, workspaceID, drafts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return appended, nil
}

// WriteInTx appends drafts inside an existing transaction. Idempotent
// replays skip projection and outbox side effects — the original write
// already performed them.
func (k *Kernel) WriteInTx(ctx context.Context, tx *sql.Tx, workspaceID string, drafts []models.EventDraft) ([]models.AppendedEvent, error) {
	appended, err := k.store.AppendInTx(ctx, tx, workspaceID, drafts)
	if err != nil {
		return nil, err
	}
	for _, a := range appended {
		if a.IdempotentReplay {
			continue
		}
		if err := k.engine.Apply(ctx, tx, a.Event); err != nil {
			return nil, err
		}
		if err := outbox.Enqueue(ctx, tx, a.Event, k.bindings); err != nil {
			return nil, err
		}
	}
	return appended, nil
}

// WithTx runs fn in a transaction with the kernel's retry semantics.
func (k *Kernel) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return database.WithTx(ctx, k.db, fn)
}
