// Package automation drives secondary effects off the transactional outbox:
// the promotion loop, the agent lifecycle state machine, the cron heart and
// the poison-message DLQ. Automation errors never roll back the core write —
// handlers run in the drain transaction, not the producer's.
package automation

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/codeready-toolchain/conductor/pkg/events"
	"github.com/codeready-toolchain/conductor/pkg/models"
	"github.com/codeready-toolchain/conductor/pkg/outbox"
)

// Handler processes one outbox entry inside the drain transaction. Handlers
// re-enter the append path with derived idempotency keys, so re-running a
// handler after a crash is safe.
type Handler func(ctx context.Context, tx *sql.Tx, e *models.Event) error

// Registry maps handler names to handlers and event types to handler sets.
type Registry struct {
	handlers map[string]Handler
	bindings outbox.Bindings
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		bindings: make(outbox.Bindings),
	}
}

// Register binds a handler to the event types it reacts to.
func (r *Registry) Register(name string, h Handler, eventTypes ...string) {
	r.handlers[name] = h
	for _, et := range eventTypes {
		r.bindings[et] = append(r.bindings[et], name)
	}
}

// Bindings returns the event-type → handler-name map consumed by the kernel
// when it enqueues outbox rows.
func (r *Registry) Bindings() outbox.Bindings {
	return r.bindings
}

// Handler resolves a handler by name.
func (r *Registry) Handler(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("unknown automation handler %q", name)
	}
	return h, nil
}

// DefaultRegistry wires the standard automation set.
func DefaultRegistry(loop *Loop) *Registry {
	r := NewRegistry()
	if loop.promotionEnabled {
		r.Register("promotion", loop.HandleScorecard, events.TypeScorecardRecorded)
	}
	r.Register("approval_derivation", loop.HandleApprovalDecided, events.TypeApprovalDecided)
	r.Register("incident_escalation", loop.HandleIncidentOpened, events.TypeIncidentOpened)
	return r
}
