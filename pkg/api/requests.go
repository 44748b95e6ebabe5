package api

import "encoding/json"

// Request bodies. Mutating pipeline-v2 routes carry schema_version.

type createRoomRequest struct {
	SchemaVersion  string `json:"schema_version"`
	Name           string `json:"name"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type createThreadRequest struct {
	SchemaVersion  string `json:"schema_version"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type createMessageRequest struct {
	SchemaVersion      string          `json:"schema_version"`
	Intent             string          `json:"intent,omitempty"`
	Body               json.RawMessage `json:"body,omitempty"`
	IdempotencyKey     string          `json:"idempotency_key,omitempty"`
	TargetWorkItemType string          `json:"target_work_item_type,omitempty"`
	TargetWorkItemID   string          `json:"target_work_item_id,omitempty"`
}

type createRunRequest struct {
	SchemaVersion  string `json:"schema_version"`
	ExperimentID   string `json:"experiment_id,omitempty"`
	AgentID        string `json:"agent_id,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type failRunRequest struct {
	ErrorMessage string `json:"error_message,omitempty"`
}

type recordStepRequest struct {
	StepIndex int    `json:"step_index"`
	Name      string `json:"name,omitempty"`
	Status    string `json:"status"`
}

type claimRunRequest struct {
	AgentID string `json:"agent_id"`
}

type runLeaseRequest struct {
	LeaseID string `json:"lease_id"`
}

type claimWorkItemRequest struct {
	WorkItemType string `json:"work_item_type"`
	WorkItemID   string `json:"work_item_id"`
	AgentID      string `json:"agent_id"`
}

type heartbeatRequest struct {
	LeaseID string `json:"lease_id"`
	Version int64  `json:"version"`
}

type releaseRequest struct {
	LeaseID string `json:"lease_id"`
}

type createApprovalRequest struct {
	SchemaVersion  string `json:"schema_version"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type decideApprovalRequest struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason,omitempty"`
}

type openIncidentRequest struct {
	SchemaVersion  string `json:"schema_version"`
	Category       string `json:"category"`
	Severity       string `json:"severity,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type incidentNoteRequest struct {
	Note json.RawMessage `json:"note"`
}

type createExperimentRequest struct {
	SchemaVersion  string `json:"schema_version"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type recordScorecardRequest struct {
	SchemaVersion string `json:"schema_version"`
	RunID         string `json:"run_id"`
	EntityID      string `json:"entity_id,omitempty"`
	Verdict       string `json:"verdict"`
	RiskTier      string `json:"risk_tier"`
	Iteration     int    `json:"iteration,omitempty"`
}

type evidenceManifestRequest struct {
	SchemaVersion string          `json:"schema_version"`
	RunID         string          `json:"run_id"`
	Entries       json.RawMessage `json:"entries,omitempty"`
	ArtifactIDs   []string        `json:"artifact_ids,omitempty"`
}

type policyEvaluateRequest struct {
	SchemaVersion     string `json:"schema_version"`
	Action            string `json:"action"`
	RoomID            string `json:"room_id,omitempty"`
	CapabilityTokenID string `json:"capability_token_id,omitempty"`
	TargetURL         string `json:"target_url,omitempty"`
	TargetTool        string `json:"target_tool,omitempty"`
	ResourceType      string `json:"resource_type,omitempty"`
	ResourceID        string `json:"resource_id,omitempty"`
	PurposeTag        string `json:"purpose_tag,omitempty"`
	Justification     string `json:"justification,omitempty"`
}

type grantCapabilityRequest struct {
	SchemaVersion      string   `json:"schema_version"`
	SubjectPrincipalID string   `json:"subject_principal_id"`
	Rooms              []string `json:"rooms,omitempty"`
	Tools              []string `json:"tools,omitempty"`
	ActionTypes        []string `json:"action_types,omitempty"`
	EgressDomains      []string `json:"egress_domains,omitempty"`
	DataAccessRead     bool     `json:"data_access_read,omitempty"`
	DataAccessWrite    bool     `json:"data_access_write,omitempty"`
	TTLSeconds         int      `json:"ttl_seconds,omitempty"`
	ParentTokenID      string   `json:"parent_token_id,omitempty"`
}

type revokeCapabilityRequest struct {
	TokenID string `json:"token_id"`
}

type bootstrapRequest struct {
	WorkspaceName  string `json:"workspace_name"`
	OwnerPrincipal string `json:"owner_principal"`
}
