package engine

import (
	"encoding/json"
	"time"
)

// ExecutionSession represents one end-to-end attempt to execute a runbook
// against a target. Sessions are owned exclusively by the engine and are
// mutated only through engine and orchestrator operations, never directly
// by a worker.
type ExecutionSession struct {
	// ID is the unique identifier for this session.
	ID string `json:"id"`

	// TenantID scopes the session to a tenant.
	TenantID string `json:"tenant_id"`

	// RunbookID references the runbook this session executes.
	RunbookID string `json:"runbook_id"`

	// TicketID references the originating incident ticket, if any.
	TicketID string `json:"ticket_id,omitempty"`

	// Status is the current state machine position.
	Status SessionStatus `json:"status"`

	// CurrentStep is the step number currently being executed.
	CurrentStep int `json:"current_step"`

	// WaitingForApproval is true while execution is halted on an approval gate.
	WaitingForApproval bool `json:"waiting_for_approval"`

	// ApprovalStepNumber names the step the pending approval applies to.
	// Approval can only be exercised on this step.
	ApprovalStepNumber *int `json:"approval_step_number,omitempty"`

	// SandboxProfile tags the blast radius bound for this session.
	SandboxProfile string `json:"sandbox_profile,omitempty"`

	// TransportChannel names the connector class used to reach the target.
	TransportChannel string `json:"transport_channel,omitempty"`

	// LastEventSeq is the session's position in the assignment stream.
	LastEventSeq int64 `json:"last_event_seq"`

	// AssignmentRetryCount counts assignment redelivery attempts.
	AssignmentRetryCount int `json:"assignment_retry_count"`

	// StartedAt is when execution started.
	StartedAt *time.Time `json:"started_at,omitempty"`

	// CompletedAt is when the session reached a terminal state.
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// TotalDurationMinutes is the wall-clock duration of the session.
	TotalDurationMinutes float64 `json:"total_duration_minutes,omitempty"`

	// CreatedAt is when the session record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the session record was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionStep represents one command within a session. Steps are created
// in bulk at session creation from the parsed runbook and mutated by the
// engine as execution proceeds.
//
// Invariants: step numbers within a session are exactly 1..N with no gaps
// or repeats, and Approved transitions at most once from unset.
type ExecutionStep struct {
	// ID is the unique identifier for this step.
	ID string `json:"id"`

	// SessionID is the owning session.
	SessionID string `json:"session_id"`

	// StepNumber is the 1-based, globally ordered position within the session.
	StepNumber int `json:"step_number"`

	// StepType is the runbook phase this step belongs to.
	StepType StepType `json:"step_type"`

	// Command is the command to execute.
	Command string `json:"command"`

	// RollbackCommand reverses the step's effect. Optional; steps without
	// one are skipped during rollback.
	RollbackCommand string `json:"rollback_command,omitempty"`

	// RequiresApproval gates execution of this step on a human decision.
	RequiresApproval bool `json:"requires_approval"`

	// Approved records the approval decision. Settable exactly once.
	Approved Tristate `json:"approved"`

	// ApprovedBy identifies who decided the approval.
	ApprovedBy string `json:"approved_by,omitempty"`

	// ApprovedAt is when the approval was decided.
	ApprovedAt *time.Time `json:"approved_at,omitempty"`

	// SandboxProfile tags the blast radius bound for this step.
	SandboxProfile string `json:"sandbox_profile,omitempty"`

	// BlastRadius describes how much the step may affect production systems.
	BlastRadius string `json:"blast_radius,omitempty"`

	// ApprovalPolicy is the advisory policy applied to this step.
	ApprovalPolicy string `json:"approval_policy,omitempty"`

	// Completed is true once the step has been executed.
	Completed bool `json:"completed"`

	// Success records the execution outcome. Unset until the step completes.
	Success Tristate `json:"success"`

	// Output is the captured command output.
	Output string `json:"output,omitempty"`

	// Error is the captured error text, if any.
	Error string `json:"error,omitempty"`

	// CompletedAt is when the step reached its terminal result.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// AgentWorkerAssignment is a delivery record handing one session to one
// worker. Exactly one assignment is live per session; retried attempts
// increment Attempt and are idempotency-keyed.
type AgentWorkerAssignment struct {
	// ID is the unique identifier for this assignment.
	ID string `json:"id"`

	// SessionID is the session being delivered.
	SessionID string `json:"session_id"`

	// Status is the delivery state.
	Status AssignmentStatus `json:"status"`

	// Attempt is the delivery attempt number, starting at 1.
	Attempt int `json:"attempt"`

	// WorkerID is the worker that acknowledged the assignment, once known.
	WorkerID string `json:"worker_id,omitempty"`

	// Details is the resolved, credential-hydrated execution metadata blob.
	// Credentials are redacted before this leaves the control plane.
	Details json.RawMessage `json:"details,omitempty"`

	// CreatedAt is when the assignment was published.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the assignment was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// IdempotencyKey derives the exactly-once delivery key for an assignment.
func (a *AgentWorkerAssignment) IdempotencyKey() string {
	return "assignment:" + a.SessionID + ":" + a.ID
}

// ExecutionEvent is an immutable, append-only audit and progress record.
// Events are never updated or deleted; session and step fields are a
// materialized projection of this log plus direct engine writes.
type ExecutionEvent struct {
	// ID is the auto-assigned event identifier.
	ID int64 `json:"id"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`

	// StepNumber is the step this event refers to, if any.
	StepNumber *int `json:"step_number,omitempty"`

	// EventType identifies the event.
	EventType EventType `json:"event_type"`

	// Payload carries event-specific data.
	Payload json.RawMessage `json:"payload,omitempty"`

	// StreamID is the event's position in the underlying durable log.
	StreamID int64 `json:"stream_id,omitempty"`

	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}

// CommandResult is the uniform outcome of executing one command through a
// connector. ConnectionError is the load-bearing flag: it distinguishes a
// transport/auth failure (retry-eligible) from a command that ran and
// exited non-zero (never retried).
type CommandResult struct {
	// Success is true if the command ran and exited zero.
	Success bool `json:"success"`

	// Output is the captured standard output.
	Output string `json:"output,omitempty"`

	// Error is the captured error output or transport error text.
	Error string `json:"error,omitempty"`

	// ExitCode is the command's exit code, when it ran.
	ExitCode int `json:"exit_code"`

	// ConnectionError is true when the failure was transport or
	// authentication level and the command never reached the target.
	ConnectionError bool `json:"connection_error"`

	// DurationMS is the execution duration in milliseconds.
	DurationMS int64 `json:"duration_ms"`

	// RetryCount is the number of connection retries performed.
	RetryCount int `json:"retry_count"`
}
