// Package orchestrator wraps the execution engine with the stream-facing
// control plane: session enqueueing, manual out-of-band commands, session
// control, and the event projector that folds worker-reported events back
// into session state.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/credentials"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/idempotency"
	"github.com/stiwari2004/bot-sub000/pkg/policy"
	"github.com/stiwari2004/bot-sub000/pkg/rules"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
)

// Idempotency scopes.
const (
	ScopeSessions = "sessions"
	ScopeCommands = "commands"
	ScopeControl  = "control"
)

// AssignmentDetails is the credential-hydrated execution metadata
// delivered to workers inside an assignment.
type AssignmentDetails struct {
	SessionID  string                      `json:"session_id"`
	TenantID   string                      `json:"tenant_id"`
	RunbookID  string                      `json:"runbook_id"`
	Connection *connectors.ConnectionConfig `json:"connection"`
	Steps      []AssignmentStep            `json:"steps"`
	Policy     *policy.SessionDecision     `json:"policy,omitempty"`
}

// AssignmentStep is one step as serialized into an assignment payload.
type AssignmentStep struct {
	StepNumber       int    `json:"step_number"`
	StepType         string `json:"step_type"`
	Command          string `json:"command"`
	RollbackCommand  string `json:"rollback_command,omitempty"`
	RequiresApproval bool   `json:"requires_approval"`
	Approved         bool   `json:"approved,omitempty"`
	Completed        bool   `json:"completed,omitempty"`
	SandboxProfile   string `json:"sandbox_profile,omitempty"`
	Timeout          int    `json:"timeout_seconds,omitempty"`
}

// AssignmentMessage is the envelope published on the ASSIGN stream.
type AssignmentMessage struct {
	AssignmentID string            `json:"assignment_id"`
	SessionID    string            `json:"session_id"`
	Attempt      int               `json:"attempt"`
	Details      AssignmentDetails `json:"details"`
}

// CommandMessage is the envelope published on the COMMAND stream.
type CommandMessage struct {
	SessionID      string                       `json:"session_id"`
	Action         string                       `json:"action"`
	Command        string                       `json:"command,omitempty"`
	Shell          string                       `json:"shell,omitempty"`
	RunAs          string                       `json:"run_as,omitempty"`
	Reason         string                       `json:"reason,omitempty"`
	TimeoutSeconds int                          `json:"timeout_seconds,omitempty"`
	User           string                       `json:"user,omitempty"`
	Connection     *connectors.ConnectionConfig `json:"connection,omitempty"`
	RequestID      string                       `json:"request_id"`

	// RollbackSteps carries the reverse-order rollback commands for
	// action="rollback", so the worker needs no session state of its own.
	RollbackSteps []RollbackStep `json:"rollback_steps,omitempty"`
}

// RollbackStep is one compensating command in a rollback dispatch.
type RollbackStep struct {
	StepNumber int    `json:"step_number"`
	Command    string `json:"command"`
}

// Command actions.
const (
	CommandActionExecute  = "execute"
	CommandActionRollback = "rollback"
)

// Orchestrator coordinates sessions between the engine, the policy
// engine, the credential resolver, and the streams.
type Orchestrator struct {
	engine      *engine.Engine
	store       engine.Store
	broker      *streams.Broker
	idempotency *idempotency.Manager
	policies    *policy.Engine
	resolver    *credentials.Resolver
	ruleCheck   StepValidator
	logger      zerolog.Logger
}

// StepValidator pre-flight checks candidate commands. Satisfied by the
// command rule engine.
type StepValidator interface {
	Validate(command string, config *connectors.ConnectionConfig) rules.Validation
}

// New creates an orchestrator.
func New(
	eng *engine.Engine,
	store engine.Store,
	broker *streams.Broker,
	idem *idempotency.Manager,
	policies *policy.Engine,
	resolver *credentials.Resolver,
	ruleCheck StepValidator,
	logger zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		engine:      eng,
		store:       store,
		broker:      broker,
		idempotency: idem,
		policies:    policies,
		resolver:    resolver,
		ruleCheck:   ruleCheck,
		logger:      logger.With().Str("component", "orchestrator").Logger(),
	}
}

// EnqueueParams are the inputs to EnqueueSession.
type EnqueueParams struct {
	TenantID       string
	RunbookID      string
	TicketID       string
	Steps          []engine.StepSpec
	Connection     *connectors.ConnectionConfig
	IdempotencyKey string
}

// EnqueueSession creates a session from a parsed runbook, evaluates
// policy, publishes the assignment, and records the lifecycle events.
// The whole operation is idempotency-guarded: retried calls with the
// same key return the original session.
func (o *Orchestrator) EnqueueSession(ctx context.Context, params EnqueueParams) (*engine.ExecutionSession, error) {
	key := params.IdempotencyKey
	if key == "" {
		key = contentKey(params.TenantID, params.RunbookID, params.TicketID)
	}

	sessionID, err := o.idempotency.Run(ctx, ScopeSessions, key, func(ctx context.Context) (string, error) {
		session, err := o.enqueue(ctx, params)
		if err != nil {
			return "", err
		}
		return session.ID, nil
	})
	if err != nil {
		return nil, err
	}
	return o.store.GetSession(ctx, sessionID)
}

func (o *Orchestrator) enqueue(ctx context.Context, params EnqueueParams) (*engine.ExecutionSession, error) {
	if params.Connection == nil {
		return nil, engine.NewInvalidStateError("enqueue requires connection metadata")
	}

	// Pre-flight every command through the rule engine before the steps
	// are frozen into the session.
	steps := make([]engine.StepSpec, len(params.Steps))
	copy(steps, params.Steps)
	if o.ruleCheck != nil {
		for i := range steps {
			v := o.ruleCheck.Validate(steps[i].Command, params.Connection)
			if !v.Valid {
				o.logger.Info().
					Str("command", steps[i].Command).
					Str("corrected", v.Corrected).
					Msg("command corrected pre-flight")
				steps[i].Command = v.Corrected
			}
		}
	}

	// Policy decides per-step approval gates and the session sandbox
	// profile from the step metadata.
	decision, err := o.evaluatePolicy(ctx, params.TenantID, steps)
	if err != nil {
		return nil, err
	}
	for i := range steps {
		if i < len(decision.Steps) {
			steps[i].RequiresApproval = decision.Steps[i].RequiresApproval
			steps[i].SandboxProfile = decision.Steps[i].SandboxProfile
		}
	}

	session, sessionSteps, err := o.engine.CreateSession(ctx, engine.NewSessionParams{
		TenantID:         params.TenantID,
		RunbookID:        params.RunbookID,
		TicketID:         params.TicketID,
		SandboxProfile:   decision.SandboxProfile,
		TransportChannel: params.Connection.Type,
		Steps:            steps,
	})
	if err != nil {
		return nil, err
	}

	o.publishEvent(ctx, session.ID, engine.EventSessionCreated, nil, map[string]string{
		"runbook_id": params.RunbookID,
		"ticket_id":  params.TicketID,
	})

	// Assignment details carry the resolved credentials; only the
	// redacted view ever reaches the event log.
	resolved, err := o.resolver.Resolve(ctx, params.Connection)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve connection credentials: %w", err)
	}

	assignment := &engine.AgentWorkerAssignment{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Status:    engine.AssignmentStatusPending,
		Attempt:   1,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	details := AssignmentDetails{
		SessionID:  session.ID,
		TenantID:   session.TenantID,
		RunbookID:  session.RunbookID,
		Connection: resolved,
		Steps:      toAssignmentSteps(sessionSteps),
		Policy:     decision,
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assignment details: %w", err)
	}
	assignment.Details = detailsJSON
	if err := o.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	streamID, err := o.broker.Publish(ctx, streams.StreamAssign, assignment.IdempotencyKey(), AssignmentMessage{
		AssignmentID: assignment.ID,
		SessionID:    session.ID,
		Attempt:      assignment.Attempt,
		Details:      details,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to publish assignment: %w", err)
	}

	if err := o.engine.MarkQueued(ctx, session.ID, streamID); err != nil {
		return nil, err
	}
	o.publishEvent(ctx, session.ID, engine.EventSessionQueued, nil, map[string]interface{}{
		"assignment_id": assignment.ID,
		"stream_id":     streamID,
	})
	o.publishEvent(ctx, session.ID, engine.EventSessionPolicy, nil, map[string]interface{}{
		"sandbox_profile": decision.SandboxProfile,
	})
	o.publishEvent(ctx, session.ID, engine.EventApprovalPolicy, nil, map[string]interface{}{
		"approval_mode": decision.ApprovalMode,
		"gated_steps":   decision.GatedSteps,
	})

	return o.store.GetSession(ctx, session.ID)
}

func (o *Orchestrator) evaluatePolicy(ctx context.Context, tenantID string, steps []engine.StepSpec) (*policy.SessionDecision, error) {
	inputs := make([]policy.StepInput, 0, len(steps))
	for i, s := range steps {
		inputs = append(inputs, policy.StepInput{
			StepNumber:       i + 1,
			StepType:         string(s.StepType),
			Command:          s.Command,
			BlastRadius:      s.BlastRadius,
			SandboxProfile:   s.SandboxProfile,
			RequiresApproval: s.RequiresApproval,
			TenantID:         tenantID,
		})
	}
	decision, err := o.policies.EvaluateSession(ctx, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	return decision, nil
}

func toAssignmentSteps(steps []*engine.ExecutionStep) []AssignmentStep {
	out := make([]AssignmentStep, 0, len(steps))
	for _, s := range steps {
		out = append(out, AssignmentStep{
			StepNumber:       s.StepNumber,
			StepType:         string(s.StepType),
			Command:          s.Command,
			RollbackCommand:  s.RollbackCommand,
			RequiresApproval: s.RequiresApproval,
			Approved:         s.Approved == engine.TristateTrue,
			Completed:        s.Completed,
			SandboxProfile:   s.SandboxProfile,
		})
	}
	return out
}

// RepublishAssignment publishes a fresh assignment for a session from its
// current step state. Used after an approval decision unblocks a gated
// step, and to redeliver when a worker never acknowledged the previous
// attempt. The new attempt carries refreshed approval and completion
// flags so the worker resumes instead of re-running finished steps.
func (o *Orchestrator) RepublishAssignment(ctx context.Context, sessionID string) (*engine.AgentWorkerAssignment, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, engine.NewInvalidStateError("cannot republish assignment for %s session", session.Status)
	}
	previous, err := o.store.GetLatestAssignment(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var details AssignmentDetails
	if err := json.Unmarshal(previous.Details, &details); err != nil {
		return nil, fmt.Errorf("failed to decode assignment details: %w", err)
	}

	steps, err := o.store.GetSteps(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	details.Steps = toAssignmentSteps(steps)

	assignment := &engine.AgentWorkerAssignment{
		ID:        uuid.New().String(),
		SessionID: sessionID,
		Status:    engine.AssignmentStatusPending,
		Attempt:   previous.Attempt + 1,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	detailsJSON, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("failed to encode assignment details: %w", err)
	}
	assignment.Details = detailsJSON
	if err := o.store.CreateAssignment(ctx, assignment); err != nil {
		return nil, err
	}

	streamID, err := o.broker.Publish(ctx, streams.StreamAssign, assignment.IdempotencyKey(), AssignmentMessage{
		AssignmentID: assignment.ID,
		SessionID:    sessionID,
		Attempt:      assignment.Attempt,
		Details:      details,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to republish assignment: %w", err)
	}

	session.LastEventSeq = streamID
	session.AssignmentRetryCount++
	session.UpdatedAt = time.Now().UTC()
	if err := o.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	o.publishEvent(ctx, sessionID, engine.EventSessionQueued, nil, map[string]interface{}{
		"assignment_id": assignment.ID,
		"stream_id":     streamID,
		"attempt":       assignment.Attempt,
	})
	return assignment, nil
}

// ManualCommandParams are the inputs to SubmitManualCommand.
type ManualCommandParams struct {
	Command string

	// Shell, when set, wraps the command in `<shell> -c`.
	Shell string

	// RunAs, when set, runs the command under another user.
	RunAs string

	// Reason is the operator's stated justification, recorded in the event.
	Reason string

	// TimeoutSeconds overrides the worker's default step timeout.
	TimeoutSeconds int

	// User is the submitting operator.
	User string

	// IdempotencyKey dedupes retried submissions. Empty derives a
	// content key from session, command, and user.
	IdempotencyKey string
}

// SubmitManualCommand publishes an out-of-band command against a
// session's existing connection. When the caller supplies no idempotency
// key, a content-derived key is computed, so identical submissions
// conflict instead of double-executing.
func (o *Orchestrator) SubmitManualCommand(ctx context.Context, sessionID string, params ManualCommandParams) (*engine.ExecutionEvent, error) {
	session, err := o.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return nil, engine.NewInvalidStateError("cannot submit command to %s session", session.Status)
	}

	connection, err := o.latestConnection(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	resolved, err := o.resolver.Resolve(ctx, connection)
	if err != nil {
		return nil, fmt.Errorf("failed to re-resolve connection credentials: %w", err)
	}

	if o.ruleCheck != nil {
		if v := o.ruleCheck.Validate(params.Command, resolved); !v.Valid {
			params.Command = v.Corrected
		}
	}

	idemKey := params.IdempotencyKey
	if idemKey == "" {
		idemKey = contentKey(sessionID, params.Command, params.User)
	}

	// Reserve directly rather than Run: a resolved reservation means the
	// command already executed, and replaying it against a live host is
	// never safe, so resubmissions conflict instead of returning the
	// recorded result.
	res, err := o.idempotency.Reserve(ctx, ScopeCommands, idemKey)
	if err != nil {
		return nil, err
	}
	if !res.Claimed {
		return nil, engine.NewDuplicateRequestError(ScopeCommands, idemKey, res.Pending)
	}

	requestID := uuid.New().String()
	event, err := o.publishCommand(ctx, sessionID, params, requestID, idemKey, resolved)
	if err != nil {
		if relErr := o.idempotency.Release(ctx, ScopeCommands, idemKey); relErr != nil {
			o.logger.Warn().Err(relErr).Str("key", idemKey).Msg("failed to release command reservation")
		}
		return nil, err
	}
	if err := o.idempotency.Commit(ctx, ScopeCommands, idemKey, fmt.Sprintf("%d", event.ID)); err != nil {
		return nil, err
	}
	return event, nil
}

func (o *Orchestrator) publishCommand(ctx context.Context, sessionID string, params ManualCommandParams, requestID, idemKey string, resolved *connectors.ConnectionConfig) (*engine.ExecutionEvent, error) {
	if _, err := o.broker.Publish(ctx, streams.StreamCommand, "command:"+idemKey, CommandMessage{
		SessionID:      sessionID,
		Action:         CommandActionExecute,
		Command:        params.Command,
		Shell:          params.Shell,
		RunAs:          params.RunAs,
		Reason:         params.Reason,
		TimeoutSeconds: params.TimeoutSeconds,
		User:           params.User,
		Connection:     resolved,
		RequestID:      requestID,
	}); err != nil {
		return nil, fmt.Errorf("failed to publish command: %w", err)
	}

	event := &engine.ExecutionEvent{
		SessionID: sessionID,
		EventType: engine.EventSessionCommandRequested,
		CreatedAt: time.Now().UTC(),
	}
	payload, _ := json.Marshal(map[string]string{
		"command":    params.Command,
		"user":       params.User,
		"reason":     params.Reason,
		"request_id": requestID,
	})
	event.Payload = payload
	if err := o.store.AppendEvent(ctx, event); err != nil {
		return nil, err
	}
	return event, nil
}

// ControlSession applies a pause/resume/rollback action. Rollback is
// asynchronous: the session transitions to rollback_requested and exactly
// one rollback command is published for the worker holding the session's
// connection.
func (o *Orchestrator) ControlSession(ctx context.Context, sessionID string, action engine.ControlAction, reason, user string) (*engine.ExecutionSession, error) {
	if err := action.Validate(); err != nil {
		return nil, engine.NewInvalidStateError("%s", err.Error())
	}

	switch action {
	case engine.ControlActionPause:
		session, err := o.engine.Pause(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		o.publishEvent(ctx, sessionID, engine.EventSessionPaused, nil, map[string]string{"user": user})
		return session, nil

	case engine.ControlActionResume:
		session, err := o.engine.Resume(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		o.publishEvent(ctx, sessionID, engine.EventSessionResumed, nil, map[string]string{"user": user})
		return session, nil

	case engine.ControlActionRollback:
		session, err := o.engine.RequestRollback(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if err := o.dispatchRollback(ctx, sessionID, reason, user); err != nil {
			return nil, err
		}
		o.publishEvent(ctx, sessionID, engine.EventSessionRollbackRequested, nil, map[string]string{
			"reason": reason,
			"user":   user,
		})
		return session, nil
	}
	return nil, engine.NewInvalidStateError("unsupported control action %s", action)
}

// dispatchRollback publishes the rollback command, keyed by a hash of
// (session, reason, user) so retried control calls produce one message.
func (o *Orchestrator) dispatchRollback(ctx context.Context, sessionID, reason, user string) error {
	connection, err := o.latestConnection(ctx, sessionID)
	if err != nil {
		// A session that was never assigned has nothing to roll back
		// remotely; the status change alone stops forward progress.
		if engine.IsNotFound(err) {
			o.logger.Warn().Str("session_id", sessionID).Msg("rollback requested with no assignment")
			return nil
		}
		return err
	}
	resolved, err := o.resolver.Resolve(ctx, connection)
	if err != nil {
		return fmt.Errorf("failed to resolve connection for rollback: %w", err)
	}

	// Completed, successful steps are compensated in reverse order.
	steps, err := o.store.GetSteps(ctx, sessionID)
	if err != nil {
		return err
	}
	var rollbackSteps []RollbackStep
	for i := len(steps) - 1; i >= 0; i-- {
		s := steps[i]
		if !s.Completed || s.Success != engine.TristateTrue || s.RollbackCommand == "" {
			continue
		}
		rollbackSteps = append(rollbackSteps, RollbackStep{
			StepNumber: s.StepNumber,
			Command:    s.RollbackCommand,
		})
	}

	key := "rollback:" + contentKey(sessionID, reason, user)
	_, err = o.broker.Publish(ctx, streams.StreamCommand, key, CommandMessage{
		SessionID:     sessionID,
		Action:        CommandActionRollback,
		Reason:        reason,
		User:          user,
		Connection:    resolved,
		RequestID:     uuid.New().String(),
		RollbackSteps: rollbackSteps,
	})
	if err != nil {
		return fmt.Errorf("failed to publish rollback command: %w", err)
	}
	return nil
}

// RemoteRollbacker returns the engine-facing rollback dispatcher, used
// when a worker-reported failure must trigger rollback on the worker
// that holds the session's connection.
func (o *Orchestrator) RemoteRollbacker() engine.Rollbacker {
	return &remoteRollbacker{o: o}
}

type remoteRollbacker struct {
	o *Orchestrator
}

func (r *remoteRollbacker) Rollback(ctx context.Context, sessionID, reason string) error {
	return r.o.dispatchRollback(ctx, sessionID, reason, "engine")
}

// latestConnection extracts the connection config from the session's
// most recent assignment.
func (o *Orchestrator) latestConnection(ctx context.Context, sessionID string) (*connectors.ConnectionConfig, error) {
	assignment, err := o.store.GetLatestAssignment(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	var details AssignmentDetails
	if err := json.Unmarshal(assignment.Details, &details); err != nil {
		return nil, fmt.Errorf("failed to decode assignment details: %w", err)
	}
	if details.Connection == nil {
		return nil, engine.NewInvalidStateError("assignment %s has no connection metadata", assignment.ID)
	}
	return details.Connection, nil
}

// LatestSanitizedConnection returns the session's last known connection
// metadata with all secret material redacted, for the query surface.
func (o *Orchestrator) LatestSanitizedConnection(ctx context.Context, sessionID string) (*connectors.ConnectionConfig, error) {
	connection, err := o.latestConnection(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return credentials.Redact(connection), nil
}

func (o *Orchestrator) publishEvent(ctx context.Context, sessionID string, eventType engine.EventType, stepNumber *int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		o.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode event payload")
		return
	}
	event := &engine.ExecutionEvent{
		SessionID:  sessionID,
		StepNumber: stepNumber,
		EventType:  eventType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	}
	if err := o.store.AppendEvent(ctx, event); err != nil {
		o.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to append event")
	}
}

// contentKey derives a stable idempotency key from request content.
func contentKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
