package engine

import (
	"context"
	"time"
)

// Store persists sessions, steps, assignments, and the event log. Each
// session's state transitions are serialized through its own record via
// transactional update; no cross-session locking is needed.
type Store interface {
	// CreateSession persists a new session together with all of its steps.
	CreateSession(ctx context.Context, session *ExecutionSession, steps []*ExecutionStep) error

	// GetSession retrieves a session by ID.
	GetSession(ctx context.Context, id string) (*ExecutionSession, error)

	// UpdateSession persists session mutations.
	UpdateSession(ctx context.Context, session *ExecutionSession) error

	// ListSessions lists sessions for a tenant, optionally filtered by status.
	ListSessions(ctx context.Context, tenantID string, status SessionStatus, limit, offset int) ([]*ExecutionSession, error)

	// GetSteps retrieves all steps for a session ordered by step number.
	GetSteps(ctx context.Context, sessionID string) ([]*ExecutionStep, error)

	// GetStep retrieves a single step by session and step number.
	GetStep(ctx context.Context, sessionID string, stepNumber int) (*ExecutionStep, error)

	// UpdateStep persists step mutations.
	UpdateStep(ctx context.Context, step *ExecutionStep) error

	// CreateAssignment persists a new worker assignment.
	CreateAssignment(ctx context.Context, assignment *AgentWorkerAssignment) error

	// GetLatestAssignment retrieves the most recent assignment for a session.
	GetLatestAssignment(ctx context.Context, sessionID string) (*AgentWorkerAssignment, error)

	// UpdateAssignment persists assignment mutations.
	UpdateAssignment(ctx context.Context, assignment *AgentWorkerAssignment) error

	// AppendEvent appends an event to the session's event log.
	AppendEvent(ctx context.Context, event *ExecutionEvent) error

	// ListEventsSince lists a session's events with an ID greater than afterID.
	ListEventsSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]*ExecutionEvent, error)
}

// StepExecutor executes a single command against the session's target.
// Implementations wrap a resolved connector and its connection config.
type StepExecutor interface {
	// Execute runs the command and returns its uniform result. A returned
	// error indicates the executor itself broke, not that the command
	// failed; command-level failure is reported in the result.
	Execute(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error)
}

// EventPublisher records execution events. The engine publishes step and
// session lifecycle events through this interface so that local execution
// and worker-driven execution share one event vocabulary.
type EventPublisher interface {
	// PublishEvent appends an event for a session. StepNumber may be nil
	// for session-level events. Payload must be JSON-serializable.
	PublishEvent(ctx context.Context, sessionID string, eventType EventType, stepNumber *int, payload interface{}) error
}

// Rollbacker reverses the completed, successful steps of a session.
// Rollback is conceptually one operation with two code paths: a local
// implementation executed inline on step failure, and a remote-dispatched
// implementation that queues a rollback command for the worker holding
// the session's connection.
type Rollbacker interface {
	// Rollback reverses the session's completed successful steps in
	// descending step order. Best effort: individual rollback failures
	// are logged and do not halt the remaining sequence.
	Rollback(ctx context.Context, sessionID, reason string) error
}
