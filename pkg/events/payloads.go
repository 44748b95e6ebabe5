package events

import (
	"encoding/json"
	"time"
)

// Typed payloads for known event types. Each payload is marshaled into the
// event's data field; the projection engine and automation handlers unmarshal
// the variant they handle.

// RoomCreatedPayload is the data of room.created.
type RoomCreatedPayload struct {
	RoomID string `json:"room_id"`
	Name   string `json:"name"`
}

// ThreadCreatedPayload is the data of thread.created.
type ThreadCreatedPayload struct {
	ThreadID string `json:"thread_id"`
	RoomID   string `json:"room_id"`
}

// MessageCreatedPayload is the data of message.created.
type MessageCreatedPayload struct {
	MessageID string          `json:"message_id"`
	ThreadID  string          `json:"thread_id"`
	RoomID    string          `json:"room_id"`
	Intent    string          `json:"intent,omitempty"`
	Category  string          `json:"category,omitempty"`
	Body      json.RawMessage `json:"body,omitempty"`
}

// RunPayload is the data of run.created/started/completed/failed.
type RunPayload struct {
	RunID        string `json:"run_id"`
	ExperimentID string `json:"experiment_id,omitempty"`
	AgentID      string `json:"agent_id,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// RunStepPayload is the data of run.step.recorded.
type RunStepPayload struct {
	StepID    string `json:"step_id"`
	RunID     string `json:"run_id"`
	StepIndex int    `json:"step_index"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
}

// ToolCallPayload is the data of run.tool_call.recorded.
type ToolCallPayload struct {
	ToolCallID string `json:"tool_call_id"`
	RunID      string `json:"run_id"`
	StepID     string `json:"step_id,omitempty"`
	Tool       string `json:"tool"`
	Status     string `json:"status"`
}

// ApprovalRequestedPayload is the data of approval.requested.
type ApprovalRequestedPayload struct {
	ApprovalID  string `json:"approval_id"`
	Action      string `json:"action"`
	RequestedBy string `json:"requested_by"`
}

// ApprovalDecidedPayload is the data of approval.decided.
type ApprovalDecidedPayload struct {
	ApprovalID string `json:"approval_id"`
	Decision   string `json:"decision"`
	DecidedBy  string `json:"decided_by"`
	Reason     string `json:"reason,omitempty"`
}

// IncidentOpenedPayload is the data of incident.opened.
type IncidentOpenedPayload struct {
	IncidentID string `json:"incident_id"`
	Category   string `json:"category"`
	Severity   string `json:"severity,omitempty"`
	WorkItemID string `json:"work_item_id,omitempty"`
	CronJob    string `json:"cron_job,omitempty"`
}

// IncidentNotePayload is the data of incident.rca_recorded and
// incident.learning_recorded.
type IncidentNotePayload struct {
	IncidentID string          `json:"incident_id"`
	Note       json.RawMessage `json:"note"`
}

// IncidentClosedPayload is the data of incident.closed.
type IncidentClosedPayload struct {
	IncidentID string `json:"incident_id"`
}

// ExperimentPayload is the data of experiment.created/closed.
type ExperimentPayload struct {
	ExperimentID string `json:"experiment_id"`
}

// ScorecardRecordedPayload is the data of scorecard.recorded.
type ScorecardRecordedPayload struct {
	ScorecardID string `json:"scorecard_id"`
	RunID       string `json:"run_id"`
	EntityID    string `json:"entity_id,omitempty"`
	Verdict     string `json:"verdict"`
	RiskTier    string `json:"risk_tier"`
	Iteration   int    `json:"iteration"`
}

// EvidenceManifestPayload is the data of evidence.manifest.recorded.
type EvidenceManifestPayload struct {
	ManifestID string          `json:"manifest_id"`
	RunID      string          `json:"run_id"`
	Entries    json.RawMessage `json:"entries,omitempty"`
	Count      int             `json:"count"`
}

// LeasePayload is the data of lease.claimed/preempted/released.
type LeasePayload struct {
	LeaseID       string    `json:"lease_id"`
	WorkItemType  string    `json:"work_item_type"`
	WorkItemID    string    `json:"work_item_id"`
	AgentID       string    `json:"agent_id"`
	ExpiresAt     time.Time `json:"expires_at,omitempty"`
	PreviousLease string    `json:"previous_lease_id,omitempty"`
}

// PolicyDecisionPayload is the data of policy.allowed/denied/require_approval.
type PolicyDecisionPayload struct {
	Action     string `json:"action"`
	Decision   string `json:"decision"`
	ReasonCode string `json:"reason_code,omitempty"`
	ApprovalID string `json:"approval_id,omitempty"`
	Target     string `json:"target,omitempty"`
}

// MistakePayload is the data of mistake.repeated and constraint.learned.
type MistakePayload struct {
	ReasonCode string `json:"reason_code"`
	Pattern    string `json:"pattern"`
	Count      int    `json:"count"`
}

// AgentLifecyclePayload is the data of agent.lifecycle_changed and
// agent.quarantined/unquarantined.
type AgentLifecyclePayload struct {
	AgentID   string `json:"agent_id"`
	FromState string `json:"from_state,omitempty"`
	ToState   string `json:"to_state,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// SurvivalRollupPayload is the data of agent.survival_rolled_up.
type SurvivalRollupPayload struct {
	AgentID           string  `json:"agent_id"`
	Date              string  `json:"date"`
	SuccessCount      int     `json:"success_count"`
	FailureCount      int     `json:"failure_count"`
	LearningCount     int     `json:"learning_count"`
	BudgetUtilization float64 `json:"budget_utilization"`
	Risky             bool    `json:"risky"`
}
