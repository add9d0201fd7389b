// Package worker implements the remote execution agent. A worker
// registers itself, heartbeats, and runs two stream consumers: one for
// session assignments and one for out-of-band commands. All progress is
// reported back as events on the EVENTS stream; the worker never writes
// session state directly.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/idempotency"
	"github.com/stiwari2004/bot-sub000/pkg/orchestrator"
	"github.com/stiwari2004/bot-sub000/pkg/rules"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
)

// Idempotency scopes for worker-side deduplication.
const (
	ScopeAssignments = "worker-assignments"
	ScopeWorkerCmds  = "worker-commands"
)

// DefaultHeartbeatInterval is how often a worker reports liveness.
const DefaultHeartbeatInterval = 15 * time.Second

// DefaultStepTimeout bounds a single step execution on the worker.
const DefaultStepTimeout = 5 * time.Minute

// DefaultSweepInterval is how often idle cluster sessions are reaped.
const DefaultSweepInterval = 5 * time.Minute

// Registrar is the control-plane registration surface the worker needs.
type Registrar interface {
	RegisterWorker(ctx context.Context, w *stores.WorkerRecord) error
	HeartbeatWorker(ctx context.Context, workerID string, currentLoad int) error
}

// SessionEstablisher is implemented by connectors that need a cluster
// session before device commands are accepted.
type SessionEstablisher interface {
	EstablishSession(ctx context.Context, config *connectors.ConnectionConfig) (*connectors.ClusterSession, error)
}

// Config holds a worker's identity and tuning.
type Config struct {
	// ID uniquely identifies this worker in the registry.
	ID string

	// Capabilities lists the connector classes this worker serves.
	Capabilities []string

	// NetworkSegment tags where this worker can reach.
	NetworkSegment string

	// MaxConcurrency is the advertised concurrent assignment capacity.
	MaxConcurrency int

	// HeartbeatInterval overrides DefaultHeartbeatInterval when set.
	HeartbeatInterval time.Duration

	// StepTimeout overrides DefaultStepTimeout when set.
	StepTimeout time.Duration

	// SweepInterval overrides DefaultSweepInterval when set.
	SweepInterval time.Duration
}

// Service is one worker process.
type Service struct {
	cfg        Config
	registrar  Registrar
	broker     *streams.Broker
	connectors *connectors.Registry
	clusters   *connectors.ClusterSessionCache
	rules      *rules.Engine
	idem       *idempotency.Manager
	metrics    *telemetry.Metrics
	logger     zerolog.Logger
	load       atomic.Int64
}

// WithMetrics attaches a metrics collector. Safe to skip; a nil collector
// is a no-op.
func (s *Service) WithMetrics(m *telemetry.Metrics) *Service {
	s.metrics = m
	return s
}

// New creates a worker service.
func New(
	cfg Config,
	registrar Registrar,
	broker *streams.Broker,
	registry *connectors.Registry,
	clusters *connectors.ClusterSessionCache,
	ruleEngine *rules.Engine,
	idem *idempotency.Manager,
	logger zerolog.Logger,
) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	return &Service{
		cfg:        cfg,
		registrar:  registrar,
		broker:     broker,
		connectors: registry,
		clusters:   clusters,
		rules:      ruleEngine,
		idem:       idem,
		logger:     logger.With().Str("component", "worker").Str("worker_id", cfg.ID).Logger(),
	}
}

// Run registers the worker and serves until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if err := s.registrar.RegisterWorker(ctx, &stores.WorkerRecord{
		ID:             s.cfg.ID,
		Capabilities:   s.cfg.Capabilities,
		NetworkSegment: s.cfg.NetworkSegment,
		MaxConcurrency: s.cfg.MaxConcurrency,
	}); err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	s.logger.Info().Strs("capabilities", s.cfg.Capabilities).Msg("worker registered")

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sweepLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.broker.Consume(ctx, streams.StreamAssign, "workers", s.handleAssignmentMessage); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("assignment consumer stopped: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := s.broker.Consume(ctx, streams.StreamCommand, "workers", s.handleCommandMessage); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("command consumer stopped: %w", err)
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
		cancel()
	}
	wg.Wait()
	s.clusters.Close()
	return runErr
}

func (s *Service) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.registrar.HeartbeatWorker(ctx, s.cfg.ID, int(s.load.Load())); err != nil {
				s.logger.Warn().Err(err).Msg("heartbeat failed")
			}
		}
	}
}

func (s *Service) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.clusters.Sweep(); n > 0 {
				s.logger.Info().Int("evicted", n).Msg("swept idle cluster sessions")
			}
		}
	}
}

// handleAssignmentMessage processes one ASSIGN-stream message. Decode
// failures and panics are dead-lettered; they cannot succeed on retry.
func (s *Service) handleAssignmentMessage(ctx context.Context, msg *stores.StreamMessage) (err error) {
	var assignment orchestrator.AssignmentMessage
	if uerr := json.Unmarshal(msg.Payload, &assignment); uerr != nil {
		s.logger.Error().Err(uerr).Int64("id", msg.ID).Msg("malformed assignment")
		s.metrics.DeadLettered(streams.StreamAssign)
		return s.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
			Stream:   streams.StreamAssign,
			Reason:   fmt.Sprintf("malformed assignment: %v", uerr),
			Original: msg.Payload,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("session_id", assignment.SessionID).Msg("assignment handler panicked")
			err = s.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
				SessionID: assignment.SessionID,
				Stream:    streams.StreamAssign,
				Reason:    fmt.Sprintf("panic: %v", r),
				Original:  msg.Payload,
			})
		}
	}()

	key := fmt.Sprintf("assignment:%s:%s:%d", assignment.SessionID, assignment.AssignmentID, assignment.Attempt)
	_, err = s.idem.Run(ctx, ScopeAssignments, key, func(ctx context.Context) (string, error) {
		s.load.Add(1)
		defer s.load.Add(-1)
		return "done", s.executeAssignment(ctx, &assignment)
	})
	if engine.IsDuplicateRequest(err) {
		s.logger.Debug().Str("session_id", assignment.SessionID).Msg("assignment already handled")
		return nil
	}
	return err
}

func (s *Service) executeAssignment(ctx context.Context, assignment *orchestrator.AssignmentMessage) error {
	log := s.logger.With().Str("session_id", assignment.SessionID).Logger()
	details := &assignment.Details

	s.publishEvent(ctx, assignment.SessionID, engine.EventWorkerAssignmentReceived, nil, map[string]interface{}{
		"assignment_id": assignment.AssignmentID,
		"attempt":       assignment.Attempt,
	})
	s.publishEvent(ctx, assignment.SessionID, engine.EventWorkerAssignmentAcknowledged, nil, map[string]interface{}{
		"assignment_id": assignment.AssignmentID,
		"attempt":       assignment.Attempt,
		"worker_id":     s.cfg.ID,
	})

	if len(details.Steps) == 0 {
		s.publishEvent(ctx, assignment.SessionID, engine.EventWorkerAssignmentEmpty, nil, nil)
		s.publishEvent(ctx, assignment.SessionID, engine.EventSessionWorkerComplete, nil, orchestrator.WorkerCompletePayload{
			Success: true,
		})
		return nil
	}

	connector, conn, err := s.connect(ctx, assignment.SessionID, details.Connection)
	if err != nil {
		// connect already published the terminal connection_failed event.
		log.Error().Err(err).Msg("connection failed")
		return nil
	}
	s.publishEvent(ctx, assignment.SessionID, engine.EventAgentConnectionEstablished, nil, map[string]string{
		"connector": connector.Name(),
		"target":    conn.TargetName(),
	})

	stepsRun := 0
	success := true
	for _, step := range details.Steps {
		if step.Completed {
			continue
		}
		if step.RequiresApproval && !step.Approved {
			// The control plane republishes the assignment once the gate
			// is decided; this attempt is done.
			gate := step.StepNumber
			s.publishEvent(ctx, assignment.SessionID, engine.EventSessionWorkerComplete, nil, orchestrator.WorkerCompletePayload{
				Success:             true,
				StepsRun:            stepsRun,
				PendingApprovalStep: &gate,
			})
			return nil
		}

		result := s.executeStep(ctx, assignment.SessionID, connector, conn, &step)
		stepsRun++
		if result.ConnectionError {
			s.publishEvent(ctx, assignment.SessionID, engine.EventAgentConnectionFailed, nil, map[string]string{
				"error": result.Error,
			})
			return nil
		}
		if !result.Success {
			success = false
			break
		}
	}

	s.publishEvent(ctx, assignment.SessionID, engine.EventSessionWorkerComplete, nil, orchestrator.WorkerCompletePayload{
		Success:  success,
		StepsRun: stepsRun,
	})
	return nil
}

// connect resolves the connector class and, for cluster-scoped targets,
// establishes the cluster session. A failure here is terminal for the
// assignment and is reported as agent.connection_failed.
func (s *Service) connect(ctx context.Context, sessionID string, conn *connectors.ConnectionConfig) (connectors.Connector, *connectors.ConnectionConfig, error) {
	if conn == nil {
		err := engine.NewInvalidStateError("assignment carries no connection metadata")
		s.publishEvent(ctx, sessionID, engine.EventAgentConnectionFailed, nil, map[string]string{"error": err.Error()})
		return nil, nil, err
	}
	connector, err := s.connectors.Get(conn.Type)
	if err != nil {
		s.publishEvent(ctx, sessionID, engine.EventAgentConnectionFailed, nil, map[string]string{"error": err.Error()})
		return nil, nil, err
	}

	if establisher, ok := connector.(SessionEstablisher); ok {
		session, err := establisher.EstablishSession(ctx, conn)
		if err != nil {
			s.publishEvent(ctx, sessionID, engine.EventAgentConnectionFailed, nil, map[string]string{"error": err.Error()})
			return nil, nil, err
		}
		s.publishEvent(ctx, sessionID, engine.EventAgentClusterEstablished, nil, map[string]string{
			"cluster_id": session.ClusterID,
		})
	}
	return connector, conn, nil
}

// executeStep runs one step, applying post-failure correction once when a
// matching rule can repair the command.
func (s *Service) executeStep(ctx context.Context, sessionID string, connector connectors.Connector, conn *connectors.ConnectionConfig, step *orchestrator.AssignmentStep) *engine.CommandResult {
	timeout := s.cfg.StepTimeout
	if step.Timeout > 0 {
		timeout = time.Duration(step.Timeout) * time.Second
	}

	s.publishEvent(ctx, sessionID, engine.EventStepStarted, &step.StepNumber, map[string]string{
		"command": step.Command,
	})

	result := s.run(ctx, connector, step.Command, conn, timeout)

	if !result.Success && !result.ConnectionError && s.rules != nil {
		if corrected, changed := s.rules.Correct(step.Command, result.Error, conn); changed {
			s.publishEvent(ctx, sessionID, engine.EventStepOutput, &step.StepNumber, map[string]string{
				"output": fmt.Sprintf("command corrected to %q, retrying", corrected),
			})
			result = s.run(ctx, connector, corrected, conn, timeout)
		}
	}

	if result.Output != "" {
		s.publishEvent(ctx, sessionID, engine.EventStepOutput, &step.StepNumber, map[string]string{
			"output": result.Output,
		})
	}
	s.publishEvent(ctx, sessionID, engine.EventStepCompleted, &step.StepNumber, orchestrator.StepResultPayload{Result: *result})
	s.metrics.StepExecuted(connector.Name(), float64(result.DurationMS)/1000, result.Success, result.ConnectionError)
	s.metrics.ConnectorRetried(connector.Name(), result.RetryCount)
	return result
}

// run invokes the connector, converting connector-internal faults into a
// uniform failed result.
func (s *Service) run(ctx context.Context, connector connectors.Connector, command string, conn *connectors.ConnectionConfig, timeout time.Duration) *engine.CommandResult {
	started := time.Now()
	result, err := connector.Execute(ctx, command, conn, timeout)
	if err != nil {
		return &engine.CommandResult{
			Success:    false,
			Error:      err.Error(),
			ExitCode:   -1,
			DurationMS: time.Since(started).Milliseconds(),
		}
	}
	return result
}

// handleCommandMessage processes one COMMAND-stream message.
func (s *Service) handleCommandMessage(ctx context.Context, msg *stores.StreamMessage) (err error) {
	var cmd orchestrator.CommandMessage
	if uerr := json.Unmarshal(msg.Payload, &cmd); uerr != nil {
		s.logger.Error().Err(uerr).Int64("id", msg.ID).Msg("malformed command")
		s.metrics.DeadLettered(streams.StreamCommand)
		return s.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
			Stream:   streams.StreamCommand,
			Reason:   fmt.Sprintf("malformed command: %v", uerr),
			Original: msg.Payload,
		})
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Str("session_id", cmd.SessionID).Msg("command handler panicked")
			err = s.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
				SessionID: cmd.SessionID,
				Stream:    streams.StreamCommand,
				Reason:    fmt.Sprintf("panic: %v", r),
				Original:  msg.Payload,
			})
		}
	}()

	_, err = s.idem.Run(ctx, ScopeWorkerCmds, cmd.RequestID, func(ctx context.Context) (string, error) {
		switch cmd.Action {
		case orchestrator.CommandActionExecute:
			return "done", s.executeManualCommand(ctx, &cmd)
		case orchestrator.CommandActionRollback:
			return "done", s.executeRollback(ctx, &cmd)
		}
		return "", s.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
			SessionID: cmd.SessionID,
			Stream:    streams.StreamCommand,
			Reason:    fmt.Sprintf("unknown command action %q", cmd.Action),
			Original:  msg.Payload,
		})
	})
	if engine.IsDuplicateRequest(err) {
		return nil
	}
	return err
}

func (s *Service) executeManualCommand(ctx context.Context, cmd *orchestrator.CommandMessage) error {
	connector, conn, err := s.connect(ctx, cmd.SessionID, cmd.Connection)
	if err != nil {
		return nil
	}

	command := cmd.Command
	if cmd.RunAs != "" {
		command = "sudo -u " + cmd.RunAs + " " + command
	}
	if cmd.Shell != "" {
		command = cmd.Shell + " -c " + strconv.Quote(command)
	}
	timeout := s.cfg.StepTimeout
	if cmd.TimeoutSeconds > 0 {
		timeout = time.Duration(cmd.TimeoutSeconds) * time.Second
	}

	result := s.run(ctx, connector, command, conn, timeout)

	eventType := engine.EventSessionCommandCompleted
	if !result.Success {
		eventType = engine.EventSessionCommandFailed
	}
	s.publishEvent(ctx, cmd.SessionID, eventType, nil, map[string]interface{}{
		"command":    cmd.Command,
		"user":       cmd.User,
		"request_id": cmd.RequestID,
		"result":     result,
	})
	return nil
}

// executeRollback runs the dispatched compensating commands in the order
// given (already reversed by the control plane). Rollback is best-effort:
// a failing compensation is reported and the rest still run.
func (s *Service) executeRollback(ctx context.Context, cmd *orchestrator.CommandMessage) error {
	connector, conn, err := s.connect(ctx, cmd.SessionID, cmd.Connection)
	if err != nil {
		return nil
	}

	rolledBack := 0
	failures := 0
	for i := range cmd.RollbackSteps {
		rb := &cmd.RollbackSteps[i]
		result := s.run(ctx, connector, rb.Command, conn, s.cfg.StepTimeout)
		if result.Success {
			rolledBack++
		} else {
			failures++
			s.logger.Warn().
				Str("session_id", cmd.SessionID).
				Int("step_number", rb.StepNumber).
				Str("error", result.Error).
				Msg("rollback step failed, continuing")
		}
		s.publishEvent(ctx, cmd.SessionID, engine.EventStepOutput, &rb.StepNumber, map[string]interface{}{
			"rollback": true,
			"success":  result.Success,
			"output":   result.Output,
		})
	}

	eventType := engine.EventSessionCommandCompleted
	if failures > 0 {
		eventType = engine.EventSessionCommandFailed
	}
	s.publishEvent(ctx, cmd.SessionID, eventType, nil, map[string]interface{}{
		"action":      orchestrator.CommandActionRollback,
		"reason":      cmd.Reason,
		"rolled_back": rolledBack,
		"failures":    failures,
		"request_id":  cmd.RequestID,
	})
	return nil
}

// publishEvent emits a worker event on the EVENTS stream. Event loss is
// logged, not fatal: the control plane redelivers assignments that never
// report completion.
func (s *Service) publishEvent(ctx context.Context, sessionID string, eventType engine.EventType, stepNumber *int, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to encode event payload")
		return
	}
	if _, err := s.broker.Publish(ctx, streams.StreamEvents, "", orchestrator.WorkerEvent{
		SessionID:  sessionID,
		EventType:  eventType,
		StepNumber: stepNumber,
		Payload:    data,
		WorkerID:   s.cfg.ID,
	}); err != nil {
		s.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish event")
	}
}
