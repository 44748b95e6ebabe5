// Package events defines the event type taxonomy and the typed payload
// structs carried in an event's data field. Payloads are stored as opaque
// JSON; consumers that know a type unmarshal into its struct, unknown types
// pass through as raw bytes.
package events

// Entity lifecycle event types.
const (
	TypeRoomCreated    = "room.created"
	TypeThreadCreated  = "thread.created"
	TypeMessageCreated = "message.created"

	TypeRunCreated          = "run.created"
	TypeRunStarted          = "run.started"
	TypeRunCompleted        = "run.completed"
	TypeRunFailed           = "run.failed"
	TypeRunStepRecorded     = "run.step.recorded"
	TypeRunToolCallRecorded = "run.tool_call.recorded"

	TypeApprovalRequested = "approval.requested"
	TypeApprovalDecided   = "approval.decided"

	TypeIncidentOpened           = "incident.opened"
	TypeIncidentRCARecorded      = "incident.rca_recorded"
	TypeIncidentLearningRecorded = "incident.learning_recorded"
	TypeIncidentClosed           = "incident.closed"

	TypeExperimentCreated = "experiment.created"
	TypeExperimentClosed  = "experiment.closed"

	TypeScorecardRecorded        = "scorecard.recorded"
	TypeEvidenceManifestRecorded = "evidence.manifest.recorded"
)

// Lease event types. Heartbeats are deliberately not evented — the log
// would flood.
const (
	TypeLeaseClaimed   = "lease.claimed"
	TypeLeasePreempted = "lease.preempted"
	TypeLeaseReleased  = "lease.released"
)

// Policy decision and side-effect event types.
const (
	TypePolicyAllowed         = "policy.allowed"
	TypePolicyDenied          = "policy.denied"
	TypePolicyRequireApproval = "policy.require_approval"

	TypeEgressBlocked                 = "egress.blocked"
	TypeDataAccessDenied              = "data.access.denied"
	TypeDataAccessJustified           = "data.access.justified"
	TypeDataAccessUnjustified         = "data.access.unjustified"
	TypeDataAccessPurposeHintMismatch = "data.access.purpose_hint_mismatch"

	TypeMistakeRepeated   = "mistake.repeated"
	TypeConstraintLearned = "constraint.learned"
)

// Agent lifecycle event types.
const (
	TypeAgentRegistered       = "agent.registered"
	TypeAgentQuarantined      = "agent.quarantined"
	TypeAgentUnquarantined    = "agent.unquarantined"
	TypeAgentLifecycleChanged = "agent.lifecycle_changed"
	TypeAgentSurvivalRollup   = "agent.survival_rolled_up"
)
