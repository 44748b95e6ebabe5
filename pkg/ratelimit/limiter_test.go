package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWindowStart(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 34, 56, 789, time.UTC)

	assert.Equal(t, time.Date(2025, 6, 1, 12, 34, 0, 0, time.UTC),
		WindowStart(at, time.Minute))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		WindowStart(at, time.Hour))

	// Requests in the same window share a bucket; the next window starts fresh.
	later := at.Add(3 * time.Second)
	assert.Equal(t, WindowStart(at, time.Minute), WindowStart(later, time.Minute))
	nextMinute := at.Add(time.Minute)
	assert.NotEqual(t, WindowStart(at, time.Minute), WindowStart(nextMinute, time.Minute))
}

func TestRateLimitedError_Scope(t *testing.T) {
	err := &RateLimitedError{Scope: ScopeAgentMinute}
	assert.Contains(t, err.Error(), ScopeAgentMinute)
}
