package engine

import (
	"encoding/json"
	"fmt"
)

// SessionStatus represents the lifecycle state of an execution session.
type SessionStatus string

const (
	// SessionStatusPending indicates the session has been created but not queued.
	SessionStatusPending SessionStatus = "pending"

	// SessionStatusQueued indicates an assignment has been published for a worker.
	SessionStatusQueued SessionStatus = "queued"

	// SessionStatusWaitingApproval indicates execution is halted on an approval gate.
	SessionStatusWaitingApproval SessionStatus = "waiting_approval"

	// SessionStatusInProgress indicates steps are being executed.
	SessionStatusInProgress SessionStatus = "in_progress"

	// SessionStatusPaused indicates execution was suspended by a control action.
	SessionStatusPaused SessionStatus = "paused"

	// SessionStatusRollbackRequested indicates an out-of-band rollback command
	// has been queued for the session.
	SessionStatusRollbackRequested SessionStatus = "rollback_requested"

	// SessionStatusCompleted indicates all steps succeeded.
	SessionStatusCompleted SessionStatus = "completed"

	// SessionStatusFailed indicates a step failed or an approval was rejected.
	SessionStatusFailed SessionStatus = "failed"

	// SessionStatusAbandoned indicates the session was explicitly abandoned.
	SessionStatusAbandoned SessionStatus = "abandoned"
)

// IsTerminal returns true if the status represents a final state.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed || s == SessionStatusAbandoned
}

// Validate checks if the session status is valid.
func (s SessionStatus) Validate() error {
	switch s {
	case SessionStatusPending, SessionStatusQueued, SessionStatusWaitingApproval,
		SessionStatusInProgress, SessionStatusPaused, SessionStatusRollbackRequested,
		SessionStatusCompleted, SessionStatusFailed, SessionStatusAbandoned:
		return nil
	default:
		return fmt.Errorf("invalid session status: %s", s)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s SessionStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *SessionStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = SessionStatus(str)
	return s.Validate()
}

// StepType represents the phase a step belongs to within a runbook.
type StepType string

const (
	// StepTypePrecheck is a diagnostic step run before remediation.
	StepTypePrecheck StepType = "precheck"

	// StepTypeMain is a remediation step.
	StepTypeMain StepType = "main"

	// StepTypePostcheck is a verification step run after remediation.
	StepTypePostcheck StepType = "postcheck"
)

// Validate checks if the step type is valid.
func (t StepType) Validate() error {
	switch t {
	case StepTypePrecheck, StepTypeMain, StepTypePostcheck:
		return nil
	default:
		return fmt.Errorf("invalid step type: %s", t)
	}
}

// Tristate is an explicit three-value truth type for fields that are set
// exactly once, such as step approval and step success. Using a distinct
// type instead of a nullable bool makes the set-once invariant checkable.
type Tristate string

const (
	// TristateUnset indicates no value has been recorded yet.
	TristateUnset Tristate = "unset"

	// TristateTrue indicates an affirmative value.
	TristateTrue Tristate = "true"

	// TristateFalse indicates a negative value.
	TristateFalse Tristate = "false"
)

// IsSet returns true once a value has been recorded.
func (t Tristate) IsSet() bool {
	return t == TristateTrue || t == TristateFalse
}

// Bool returns the boolean value; false when unset.
func (t Tristate) Bool() bool {
	return t == TristateTrue
}

// TristateOf converts a bool into a set Tristate.
func TristateOf(v bool) Tristate {
	if v {
		return TristateTrue
	}
	return TristateFalse
}

// Validate checks if the tristate value is valid.
func (t Tristate) Validate() error {
	switch t {
	case TristateUnset, TristateTrue, TristateFalse:
		return nil
	default:
		return fmt.Errorf("invalid tristate value: %s", t)
	}
}

// AssignmentStatus represents the delivery state of a worker assignment.
type AssignmentStatus string

const (
	// AssignmentStatusPending indicates the assignment has been published
	// but no worker has acknowledged it.
	AssignmentStatusPending AssignmentStatus = "pending"

	// AssignmentStatusAcknowledged indicates a worker has claimed the assignment.
	AssignmentStatusAcknowledged AssignmentStatus = "acknowledged"

	// AssignmentStatusCompleted indicates the worker reported terminal events.
	AssignmentStatusCompleted AssignmentStatus = "completed"

	// AssignmentStatusFailed indicates the worker reported a terminal failure.
	AssignmentStatusFailed AssignmentStatus = "failed"
)

// Validate checks if the assignment status is valid.
func (s AssignmentStatus) Validate() error {
	switch s {
	case AssignmentStatusPending, AssignmentStatusAcknowledged,
		AssignmentStatusCompleted, AssignmentStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid assignment status: %s", s)
	}
}

// ControlAction is a session control operation requested by an operator.
type ControlAction string

const (
	// ControlActionPause suspends step advancement.
	ControlActionPause ControlAction = "pause"

	// ControlActionResume resumes a paused session.
	ControlActionResume ControlAction = "resume"

	// ControlActionRollback queues an out-of-band rollback command.
	ControlActionRollback ControlAction = "rollback"
)

// Validate checks if the control action is valid.
func (a ControlAction) Validate() error {
	switch a {
	case ControlActionPause, ControlActionResume, ControlActionRollback:
		return nil
	default:
		return fmt.Errorf("invalid control action: %s", a)
	}
}
