package automation

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKey_Stable(t *testing.T) {
	// Advisory lock keys must be stable across processes and runs.
	a := LockKey("stale_approvals")
	b := LockKey("stale_approvals")
	assert.Equal(t, a, b)

	// Distinct names map to distinct keys (for the job set we use).
	names := []string{
		"stale_approvals", "orphaned_runs", "dlq_watchdog",
		"survival_rollup", "retention_cleanup",
	}
	seen := make(map[int64]string)
	for _, name := range names {
		key := LockKey(name)
		prev, collides := seen[key]
		assert.False(t, collides, "lock key collision between %s and %s", name, prev)
		seen[key] = name
	}
}
