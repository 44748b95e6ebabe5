// Package services holds the per-entity services that compose the write
// path: each mutation is one kernel transaction appending events, applying
// projections and enqueueing outbox rows.
package services

import "github.com/codeready-toolchain/conductor/pkg/eventstore"

// eventstoreKey builds a canonical idempotency key.
func eventstoreKey(parts ...string) string {
	return eventstore.IdempotencyKey(parts...)
}
