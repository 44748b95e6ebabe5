package eventstore

import "strings"

// Idempotency keys are caller-chosen but canonicalized as
// scope:{verb}:{workspace}:{entity_type}:{entity_id}[:{discriminator}].
// The store's unique index on (workspace_id, idempotency_key) makes the
// append at-most-once; a replay returns the original event.

// IdempotencyKey builds a canonical key from its parts. Empty parts are
// skipped so optional discriminators compose cleanly.
func IdempotencyKey(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ":")
}
