package health

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func age(sec float64) *float64 { return &sec }

func TestSortIssues_Deterministic(t *testing.T) {
	issues := []Issue{
		{Kind: "projection_lag", Severity: SeverityDegraded, AgeSec: age(120)},
		{Kind: "db", Severity: SeverityDown},
		{Kind: "dlq_backlog", Severity: SeverityDegraded, AgeSec: age(3600)},
		{Kind: "cron_watchdog", Severity: SeverityDown, AgeSec: age(600)},
		{Kind: "rate_limit_flood", Severity: SeverityDegraded},
		{Kind: "evt_events", Severity: SeverityDown},
	}

	sorted := SortIssues(issues)

	kinds := make([]string, len(sorted))
	for i, issue := range sorted {
		kinds[i] = issue.Kind
	}
	// DOWN first (aged before null-aged, then kind asc among nulls),
	// then DEGRADED by age desc, nulls last.
	assert.Equal(t, []string{
		"cron_watchdog", "db", "evt_events",
		"dlq_backlog", "projection_lag", "rate_limit_flood",
	}, kinds)
}

func TestSortIssues_DoesNotMutateInput(t *testing.T) {
	issues := []Issue{
		{Kind: "b", Severity: SeverityDegraded},
		{Kind: "a", Severity: SeverityDown},
	}
	_ = SortIssues(issues)
	assert.Equal(t, "b", issues[0].Kind)
}

func TestSortIssues_TiesBreakOnKind(t *testing.T) {
	issues := []Issue{
		{Kind: "z", Severity: SeverityDegraded, AgeSec: age(10)},
		{Kind: "a", Severity: SeverityDegraded, AgeSec: age(10)},
	}
	sorted := SortIssues(issues)
	assert.Equal(t, "a", sorted[0].Kind)
	assert.Equal(t, "z", sorted[1].Kind)
}
