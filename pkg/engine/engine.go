package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultStepTimeout bounds a single step execution when the runbook does
// not specify one.
const DefaultStepTimeout = 5 * time.Minute

// Engine drives the session/step state machine: step execution, approval
// gating, and failure-triggered rollback.
type Engine struct {
	store     Store
	executor  StepExecutor
	publisher EventPublisher

	// remoteRollback, when set, reverses sessions whose steps are executed
	// by a remote worker. Failures applied via ApplyStepResult use it so
	// rollback runs on whichever worker holds the session's connection.
	// Synchronous failures during Run always roll back locally.
	remoteRollback Rollbacker

	// deferred disables inline step execution; see WithDeferredExecution.
	deferred bool

	stepTimeout time.Duration
	logger      zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithStepTimeout overrides the default per-step execution timeout.
func WithStepTimeout(d time.Duration) Option {
	return func(e *Engine) { e.stepTimeout = d }
}

// WithRemoteRollback sets the rollback dispatcher used for worker-reported
// step failures.
func WithRemoteRollback(r Rollbacker) Option {
	return func(e *Engine) { e.remoteRollback = r }
}

// SetRemoteRollback attaches the rollback dispatcher after construction,
// replacing any dispatcher set via WithRemoteRollback. The dispatcher is
// usually the orchestrator, which itself is built around the engine.
func (e *Engine) SetRemoteRollback(r Rollbacker) {
	e.remoteRollback = r
}

// WithDeferredExecution puts the engine in control-plane mode: state
// transitions are recorded but steps are never executed inline. Execution
// happens on workers, driven by published assignments.
func WithDeferredExecution() Option {
	return func(e *Engine) { e.deferred = true }
}

// New creates an Engine.
func New(store Store, executor StepExecutor, publisher EventPublisher, logger zerolog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		executor:    executor,
		publisher:   publisher,
		stepTimeout: DefaultStepTimeout,
		logger:      logger.With().Str("component", "engine").Logger(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// StepSpec describes one step of a parsed runbook at session creation time.
type StepSpec struct {
	StepType         StepType
	Command          string
	RollbackCommand  string
	RequiresApproval bool
	SandboxProfile   string
	BlastRadius      string
	ApprovalPolicy   string
}

// NewSessionParams are the inputs to CreateSession.
type NewSessionParams struct {
	TenantID         string
	RunbookID        string
	TicketID         string
	SandboxProfile   string
	TransportChannel string
	Steps            []StepSpec
}

// CreateSession creates a session and its steps from a parsed runbook.
// Steps are numbered 1..N in runbook order across the precheck, main, and
// postcheck phases.
func (e *Engine) CreateSession(ctx context.Context, params NewSessionParams) (*ExecutionSession, []*ExecutionStep, error) {
	if len(params.Steps) == 0 {
		return nil, nil, NewInvalidStateError("runbook %s has no steps", params.RunbookID)
	}

	now := time.Now().UTC()
	session := &ExecutionSession{
		ID:               uuid.New().String(),
		TenantID:         params.TenantID,
		RunbookID:        params.RunbookID,
		TicketID:         params.TicketID,
		Status:           SessionStatusPending,
		CurrentStep:      1,
		SandboxProfile:   params.SandboxProfile,
		TransportChannel: params.TransportChannel,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	steps := make([]*ExecutionStep, 0, len(params.Steps))
	for i, spec := range params.Steps {
		if err := spec.StepType.Validate(); err != nil {
			return nil, nil, err
		}
		steps = append(steps, &ExecutionStep{
			ID:               uuid.New().String(),
			SessionID:        session.ID,
			StepNumber:       i + 1,
			StepType:         spec.StepType,
			Command:          spec.Command,
			RollbackCommand:  spec.RollbackCommand,
			RequiresApproval: spec.RequiresApproval,
			Approved:         TristateUnset,
			SandboxProfile:   spec.SandboxProfile,
			BlastRadius:      spec.BlastRadius,
			ApprovalPolicy:   spec.ApprovalPolicy,
			Success:          TristateUnset,
		})
	}

	if err := e.store.CreateSession(ctx, session, steps); err != nil {
		return nil, nil, fmt.Errorf("failed to create session: %w", err)
	}

	e.logger.Info().
		Str("session_id", session.ID).
		Str("runbook_id", session.RunbookID).
		Int("steps", len(steps)).
		Msg("session created")

	return session, steps, nil
}

// MarkQueued transitions a pending session to queued once its assignment
// has been published, recording the assignment's stream position.
func (e *Engine) MarkQueued(ctx context.Context, sessionID string, streamSeq int64) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status != SessionStatusPending {
		return NewInvalidStateError("session %s cannot be queued from status %s", sessionID, session.Status)
	}
	session.Status = SessionStatusQueued
	session.LastEventSeq = streamSeq
	session.UpdatedAt = time.Now().UTC()
	return e.store.UpdateSession(ctx, session)
}

// StartExecution begins executing a session's steps. If the first step
// requires approval the session transitions to waiting_approval; otherwise
// it transitions to in_progress and executes until the next approval gate,
// a failure, or completion.
func (e *Engine) StartExecution(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionStatusPending && session.Status != SessionStatusQueued {
		return nil, NewInvalidStateError("session %s cannot start from status %s", sessionID, session.Status)
	}

	now := time.Now().UTC()
	session.StartedAt = &now
	session.Status = SessionStatusInProgress
	session.UpdatedAt = now
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if !e.deferred {
		if err := e.runFrom(ctx, session, session.CurrentStep); err != nil {
			return nil, err
		}
	}
	return e.store.GetSession(ctx, sessionID)
}

// runFrom executes steps sequentially starting at stepNumber. It stops on
// an approval gate, a pause, a failure (after synchronous rollback), or
// after the last step.
func (e *Engine) runFrom(ctx context.Context, session *ExecutionSession, stepNumber int) error {
	steps, err := e.store.GetSteps(ctx, session.ID)
	if err != nil {
		return err
	}

	for _, step := range steps {
		if step.StepNumber < stepNumber {
			continue
		}

		// Re-read the session so control actions taken mid-run are honored.
		session, err = e.store.GetSession(ctx, session.ID)
		if err != nil {
			return err
		}
		if session.Status == SessionStatusPaused || session.Status.IsTerminal() ||
			session.Status == SessionStatusRollbackRequested {
			return nil
		}

		if step.RequiresApproval && !step.Approved.IsSet() {
			return e.haltForApproval(ctx, session, step)
		}
		if step.Approved == TristateFalse {
			// A rejected step fails the session without executing.
			return e.failSession(ctx, session, step, "step rejected by approver", false)
		}

		session.CurrentStep = step.StepNumber
		session.UpdatedAt = time.Now().UTC()
		if err := e.store.UpdateSession(ctx, session); err != nil {
			return err
		}

		ok, err := e.executeStep(ctx, session, step)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}

	return e.completeSession(ctx, session)
}

// executeStep runs one step and records its result. It returns false when
// the session should not advance further (the step failed and the session
// has been rolled back and failed).
func (e *Engine) executeStep(ctx context.Context, session *ExecutionSession, step *ExecutionStep) (bool, error) {
	e.publish(ctx, session.ID, EventStepStarted, &step.StepNumber, map[string]interface{}{
		"command":   step.Command,
		"step_type": step.StepType,
	})

	result, err := e.executor.Execute(ctx, step.Command, e.stepTimeout)
	if err != nil {
		// Uncaught execution error: treat as step failure.
		e.recordStepResult(ctx, step, &CommandResult{Success: false, Error: err.Error(), ExitCode: -1})
		return false, e.failSession(ctx, session, step, err.Error(), true)
	}

	e.recordStepResult(ctx, step, result)
	e.publish(ctx, session.ID, EventStepCompleted, &step.StepNumber, result)

	if !result.Success {
		reason := result.Error
		if reason == "" {
			reason = fmt.Sprintf("command exited with code %d", result.ExitCode)
		}
		return false, e.failSession(ctx, session, step, reason, true)
	}
	return true, nil
}

// recordStepResult persists a step's terminal result.
func (e *Engine) recordStepResult(ctx context.Context, step *ExecutionStep, result *CommandResult) {
	now := time.Now().UTC()
	step.Completed = true
	step.Success = TristateOf(result.Success)
	step.Output = result.Output
	step.Error = result.Error
	step.CompletedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		e.logger.Error().Err(err).
			Str("session_id", step.SessionID).
			Int("step_number", step.StepNumber).
			Msg("failed to persist step result")
	}
}

// haltForApproval parks the session on an approval gate for the given step.
func (e *Engine) haltForApproval(ctx context.Context, session *ExecutionSession, step *ExecutionStep) error {
	n := step.StepNumber
	session.Status = SessionStatusWaitingApproval
	session.WaitingForApproval = true
	session.ApprovalStepNumber = &n
	session.CurrentStep = n
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	e.logger.Info().
		Str("session_id", session.ID).
		Int("step_number", n).
		Msg("session waiting for approval")
	return nil
}

// failSession rolls back the session's completed successful steps and then
// transitions it to failed. Rollback runs before the failed status is
// persisted so the transition is never externally visible without it.
func (e *Engine) failSession(ctx context.Context, session *ExecutionSession, step *ExecutionStep, reason string, rollback bool) error {
	e.logger.Warn().
		Str("session_id", session.ID).
		Int("step_number", step.StepNumber).
		Str("reason", reason).
		Msg("step failed, failing session")

	if rollback {
		if err := e.rollbackLocal(ctx, session.ID, reason); err != nil {
			e.logger.Error().Err(err).Str("session_id", session.ID).Msg("rollback error")
		}
	}

	return e.finishSession(ctx, session, SessionStatusFailed)
}

// completeSession transitions a session to completed after its last step.
func (e *Engine) completeSession(ctx context.Context, session *ExecutionSession) error {
	e.logger.Info().Str("session_id", session.ID).Msg("session completed")
	return e.finishSession(ctx, session, SessionStatusCompleted)
}

// finishSession records a terminal status and the session duration.
func (e *Engine) finishSession(ctx context.Context, session *ExecutionSession, status SessionStatus) error {
	now := time.Now().UTC()
	session.Status = status
	session.WaitingForApproval = false
	session.ApprovalStepNumber = nil
	session.CompletedAt = &now
	if session.StartedAt != nil {
		session.TotalDurationMinutes = now.Sub(*session.StartedAt).Minutes()
	}
	session.UpdatedAt = now
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	return nil
}

// ApproveStep records an approval decision for the step named by the
// session's approval gate. Approval is step-scoped: it can only be
// exercised on the step named by ApprovalStepNumber, and each step's
// decision is settable exactly once.
func (e *Engine) ApproveStep(ctx context.Context, sessionID string, stepNumber int, approve bool, approvedBy string) (*ExecutionSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	step, err := e.store.GetStep(ctx, sessionID, stepNumber)
	if err != nil {
		return nil, err
	}

	if !step.RequiresApproval {
		return nil, NewInvalidStateError("step %d of session %s does not require approval", stepNumber, sessionID)
	}
	if step.Approved.IsSet() {
		return nil, NewInvalidStateError("step %d of session %s has already been decided", stepNumber, sessionID)
	}
	if session.Status != SessionStatusWaitingApproval || session.ApprovalStepNumber == nil ||
		*session.ApprovalStepNumber != stepNumber {
		return nil, NewInvalidStateError("session %s is not waiting for approval of step %d", sessionID, stepNumber)
	}

	now := time.Now().UTC()
	step.Approved = TristateOf(approve)
	step.ApprovedBy = approvedBy
	step.ApprovedAt = &now
	if err := e.store.UpdateStep(ctx, step); err != nil {
		return nil, fmt.Errorf("failed to update step: %w", err)
	}

	if !approve {
		// Rejection fails the session. Nothing destructive has run past the
		// gate, so previously completed steps are left in place.
		if err := e.finishSession(ctx, session, SessionStatusFailed); err != nil {
			return nil, err
		}
		return e.store.GetSession(ctx, sessionID)
	}

	session.Status = SessionStatusInProgress
	session.WaitingForApproval = false
	session.ApprovalStepNumber = nil
	session.UpdatedAt = now
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}

	if !e.deferred {
		if err := e.runFrom(ctx, session, stepNumber); err != nil {
			return nil, err
		}
	}
	return e.store.GetSession(ctx, sessionID)
}

// Pause suspends step advancement. An in-flight connector call is not
// interrupted; the session stops before the next step.
func (e *Engine) Pause(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	return e.transition(ctx, sessionID, SessionStatusPaused, func(s SessionStatus) bool {
		return s == SessionStatusInProgress || s == SessionStatusQueued || s == SessionStatusWaitingApproval
	})
}

// Resume returns a paused session to in_progress and continues execution
// from its current step.
func (e *Engine) Resume(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != SessionStatusPaused {
		return nil, NewInvalidStateError("session %s cannot resume from status %s", sessionID, session.Status)
	}
	session.Status = SessionStatusInProgress
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	if !e.deferred {
		if err := e.runFrom(ctx, session, session.CurrentStep); err != nil {
			return nil, err
		}
	}
	return e.store.GetSession(ctx, sessionID)
}

// RequestRollback transitions a non-terminal session to rollback_requested.
// The actual rollback is dispatched as a queued command by the caller, not
// executed inline.
func (e *Engine) RequestRollback(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	return e.transition(ctx, sessionID, SessionStatusRollbackRequested, func(s SessionStatus) bool {
		return !s.IsTerminal()
	})
}

// Abandon transitions a non-terminal session to abandoned.
func (e *Engine) Abandon(ctx context.Context, sessionID string) (*ExecutionSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, NewInvalidStateError("session %s cannot be abandoned from status %s", sessionID, session.Status)
	}
	if err := e.finishSession(ctx, session, SessionStatusAbandoned); err != nil {
		return nil, err
	}
	return e.store.GetSession(ctx, sessionID)
}

// transition applies a guarded status change.
func (e *Engine) transition(ctx context.Context, sessionID string, to SessionStatus, allowed func(SessionStatus) bool) (*ExecutionSession, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !allowed(session.Status) {
		return nil, NewInvalidStateError("session %s cannot transition from %s to %s", sessionID, session.Status, to)
	}
	session.Status = to
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to update session: %w", err)
	}
	return session, nil
}

// ApplyStepResult records a worker-reported step result and advances the
// session projection. On failure the remote rollback dispatcher is used,
// because the worker holding the session's connection must run the
// rollback commands, not the control plane.
func (e *Engine) ApplyStepResult(ctx context.Context, sessionID string, stepNumber int, result *CommandResult) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	step, err := e.store.GetStep(ctx, sessionID, stepNumber)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() {
		return NewInvalidStateError("session %s is already terminal (%s)", sessionID, session.Status)
	}

	// A pause or rollback request taken while the step was in flight is
	// preserved: the result is recorded, but the control status stands
	// and the session does not advance until resumed.
	controlled := session.Status == SessionStatusPaused || session.Status == SessionStatusRollbackRequested

	e.recordStepResult(ctx, step, result)
	session.CurrentStep = stepNumber
	if !controlled {
		session.Status = SessionStatusInProgress
	}
	session.UpdatedAt = time.Now().UTC()
	if err := e.store.UpdateSession(ctx, session); err != nil {
		return err
	}

	if !result.Success {
		if session.Status == SessionStatusRollbackRequested {
			// Rollback is already dispatched; do not dispatch a second.
			return e.finishSession(ctx, session, SessionStatusFailed)
		}
		if e.remoteRollback != nil {
			reason := result.Error
			if reason == "" {
				reason = fmt.Sprintf("step %d failed", stepNumber)
			}
			if err := e.remoteRollback.Rollback(ctx, sessionID, reason); err != nil {
				e.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to dispatch rollback")
			}
		}
		return e.finishSession(ctx, session, SessionStatusFailed)
	}

	if controlled {
		return nil
	}

	steps, err := e.store.GetSteps(ctx, sessionID)
	if err != nil {
		return err
	}
	if stepNumber == len(steps) {
		return e.completeSession(ctx, session)
	}

	next := steps[stepNumber] // steps are ordered 1..N; index stepNumber is step stepNumber+1
	if next.RequiresApproval && !next.Approved.IsSet() {
		return e.haltForApproval(ctx, session, next)
	}
	return nil
}

// ApplyWorkerCompletion reconciles a worker's end-of-assignment report.
// A pending approval step parks the session at that gate so ApproveStep
// can act on it; otherwise, if every step has finished successfully, the
// session completes. Terminal, paused, and rollback-requested sessions
// are left untouched, so redelivered reports are harmless.
func (e *Engine) ApplyWorkerCompletion(ctx context.Context, sessionID string, pendingApprovalStep *int) error {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status.IsTerminal() ||
		session.Status == SessionStatusPaused || session.Status == SessionStatusRollbackRequested {
		return nil
	}

	if pendingApprovalStep != nil {
		n := *pendingApprovalStep
		step, err := e.store.GetStep(ctx, sessionID, n)
		if err != nil {
			return err
		}
		if !step.RequiresApproval {
			return NewInvalidStateError("step %d of session %s does not require approval", n, sessionID)
		}
		if step.Approved.IsSet() {
			// The gate was decided while the report was in flight; the
			// republished assignment carries the decision.
			return nil
		}
		if session.Status == SessionStatusWaitingApproval &&
			session.ApprovalStepNumber != nil && *session.ApprovalStepNumber == n {
			return nil
		}
		return e.haltForApproval(ctx, session, step)
	}

	steps, err := e.store.GetSteps(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if !step.Completed || step.Success != TristateTrue {
			return nil
		}
	}
	return e.completeSession(ctx, session)
}

// publish appends an event through the configured publisher, logging and
// swallowing publish failures so execution is never blocked on telemetry.
func (e *Engine) publish(ctx context.Context, sessionID string, eventType EventType, stepNumber *int, payload interface{}) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.PublishEvent(ctx, sessionID, eventType, stepNumber, payload); err != nil {
		e.logger.Warn().Err(err).
			Str("session_id", sessionID).
			Str("event", string(eventType)).
			Msg("failed to publish event")
	}
}
