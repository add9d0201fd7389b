package engine

// EventType identifies an entry in the session event log. The vocabulary
// is shared by the orchestrator and workers; every event published on the
// EVENTS stream carries one of these types.
type EventType string

const (
	// EventSessionCreated is emitted when a session and its steps are persisted.
	EventSessionCreated EventType = "session.created"

	// EventSessionQueued is emitted once the assignment has been published,
	// recording the assignment's stream position.
	EventSessionQueued EventType = "session.queued"

	// EventSessionPolicy carries the computed sandbox/blast-radius policy.
	EventSessionPolicy EventType = "session.policy"

	// EventApprovalPolicy carries the advisory approval mode for the session.
	EventApprovalPolicy EventType = "approval.policy"

	// EventSessionPaused is emitted on a pause control action.
	EventSessionPaused EventType = "session.paused"

	// EventSessionResumed is emitted on a resume control action.
	EventSessionResumed EventType = "session.resumed"

	// EventSessionRollbackRequested is emitted when an out-of-band rollback
	// command is queued.
	EventSessionRollbackRequested EventType = "session.rollback_requested"

	// EventSessionCommandRequested tracks a manual out-of-band command.
	EventSessionCommandRequested EventType = "session.command.requested"

	// EventSessionCommandCompleted is emitted when a manual command succeeds.
	EventSessionCommandCompleted EventType = "session.command.completed"

	// EventSessionCommandFailed is emitted when a manual command fails.
	EventSessionCommandFailed EventType = "session.command.failed"

	// EventWorkerAssignmentAcknowledged is emitted when a worker claims an assignment.
	EventWorkerAssignmentAcknowledged EventType = "worker.assignment_acknowledged"

	// EventWorkerAssignmentReceived is emitted when a worker consumes an assignment.
	EventWorkerAssignmentReceived EventType = "worker.assignment_received"

	// EventWorkerAssignmentEmpty is emitted when an assignment carries no steps.
	EventWorkerAssignmentEmpty EventType = "worker.assignment_empty"

	// EventAgentConnectionEstablished is emitted once the worker's connector
	// has connectivity to the target.
	EventAgentConnectionEstablished EventType = "agent.connection_established"

	// EventAgentConnectionFailed is emitted when the connector cannot reach
	// the target. Terminal for the assignment.
	EventAgentConnectionFailed EventType = "agent.connection_failed"

	// EventAgentClusterEstablished is emitted when a network-device cluster
	// session has been established.
	EventAgentClusterEstablished EventType = "agent.cluster_established"

	// EventStepStarted is emitted before a step command is executed.
	EventStepStarted EventType = "execution.step.started"

	// EventStepOutput carries incremental step output.
	EventStepOutput EventType = "execution.step.output"

	// EventStepCompleted is emitted with the step's terminal result.
	EventStepCompleted EventType = "execution.step.completed"

	// EventSessionWorkerComplete is emitted when the worker has finished the
	// whole assignment, successfully or not.
	EventSessionWorkerComplete EventType = "session.worker_complete"
)
