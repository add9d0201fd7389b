package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
	"github.com/stiwari2004/bot-sub000/pkg/telemetry"
)

// WorkerEvent is the envelope workers publish on the EVENTS stream.
type WorkerEvent struct {
	SessionID  string          `json:"session_id"`
	EventType  engine.EventType `json:"event_type"`
	StepNumber *int            `json:"step_number,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	WorkerID   string          `json:"worker_id,omitempty"`
}

// StepResultPayload is the payload of execution.step.completed events.
type StepResultPayload struct {
	Result engine.CommandResult `json:"result"`
}

// WorkerCompletePayload is the payload of session.worker_complete events.
// PendingApprovalStep is set when the worker stopped at an undecided
// approval gate instead of finishing the assignment.
type WorkerCompletePayload struct {
	Success             bool `json:"success"`
	StepsRun            int  `json:"steps_run"`
	PendingApprovalStep *int `json:"pending_approval_step,omitempty"`
}

// Projector consumes the EVENTS stream and folds worker-reported events
// into the canonical session and step records.
type Projector struct {
	engine  *engine.Engine
	store   engine.Store
	broker  *streams.Broker
	metrics *telemetry.Metrics
	logger  zerolog.Logger
}

// NewProjector creates the EVENTS-stream projector. metrics may be nil.
func NewProjector(eng *engine.Engine, store engine.Store, broker *streams.Broker, metrics *telemetry.Metrics, logger zerolog.Logger) *Projector {
	return &Projector{
		engine:  eng,
		store:   store,
		broker:  broker,
		metrics: metrics,
		logger:  logger.With().Str("component", "projector").Logger(),
	}
}

// Run consumes the EVENTS stream until the context is cancelled.
func (p *Projector) Run(ctx context.Context) error {
	return p.broker.Consume(ctx, streams.StreamEvents, "projector", p.handle)
}

// handle processes one worker event. Malformed messages are
// dead-lettered rather than redelivered forever.
func (p *Projector) handle(ctx context.Context, msg *stores.StreamMessage) error {
	var event WorkerEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		p.logger.Error().Err(err).Int64("id", msg.ID).Msg("malformed worker event")
		return p.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
			Stream:   streams.StreamEvents,
			Reason:   fmt.Sprintf("malformed worker event: %v", err),
			Original: msg.Payload,
		})
	}

	if err := p.Apply(ctx, &event, msg.ID); err != nil {
		// Unknown sessions and invalid-state applications (a late or
		// duplicate event for a session that has since gone terminal)
		// cannot become applicable through retry; redelivering them
		// would wedge the consumer cursor for every session.
		if engine.IsNotFound(err) || engine.IsInvalidState(err) {
			return p.broker.PublishDeadLetter(ctx, &streams.DeadLetter{
				SessionID: event.SessionID,
				Stream:    streams.StreamEvents,
				Reason:    err.Error(),
				Original:  msg.Payload,
			})
		}
		return err
	}
	return nil
}

// Apply persists a worker event and updates the session projection.
func (p *Projector) Apply(ctx context.Context, event *WorkerEvent, streamID int64) error {
	record := &engine.ExecutionEvent{
		SessionID:  event.SessionID,
		StepNumber: event.StepNumber,
		EventType:  event.EventType,
		Payload:    event.Payload,
		StreamID:   streamID,
		CreatedAt:  time.Now().UTC(),
	}
	if err := p.store.AppendEvent(ctx, record); err != nil {
		return err
	}

	switch event.EventType {
	case engine.EventWorkerAssignmentAcknowledged:
		return p.markAssignment(ctx, event, engine.AssignmentStatusAcknowledged)

	case engine.EventAgentConnectionFailed:
		// Terminal: the worker could not reach the target at all.
		if err := p.markAssignment(ctx, event, engine.AssignmentStatusFailed); err != nil {
			return err
		}
		_, err := p.failUnreachable(ctx, event.SessionID)
		return err

	case engine.EventStepCompleted:
		if event.StepNumber == nil {
			return engine.NewInvalidStateError("step.completed event without step number")
		}
		var payload StepResultPayload
		if err := json.Unmarshal(event.Payload, &payload); err != nil {
			return engine.NewInvalidStateError("malformed step result: %v", err)
		}
		if err := p.engine.ApplyStepResult(ctx, event.SessionID, *event.StepNumber, &payload.Result); err != nil {
			return err
		}
		p.recordIfTerminal(ctx, event.SessionID)
		return nil

	case engine.EventSessionWorkerComplete:
		if err := p.markAssignment(ctx, event, engine.AssignmentStatusCompleted); err != nil {
			return err
		}
		var payload WorkerCompletePayload
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &payload); err != nil {
				return engine.NewInvalidStateError("malformed worker completion: %v", err)
			}
		}
		if err := p.engine.ApplyWorkerCompletion(ctx, event.SessionID, payload.PendingApprovalStep); err != nil {
			return err
		}
		p.recordIfTerminal(ctx, event.SessionID)
		return nil
	}

	// Progress-only events (step.started, step.output, connection
	// established, cluster established) are recorded and need no
	// projection beyond the log append above.
	return nil
}

func (p *Projector) markAssignment(ctx context.Context, event *WorkerEvent, status engine.AssignmentStatus) error {
	assignment, err := p.store.GetLatestAssignment(ctx, event.SessionID)
	if err != nil {
		return err
	}
	assignment.Status = status
	if event.WorkerID != "" {
		assignment.WorkerID = event.WorkerID
	}
	assignment.UpdatedAt = time.Now().UTC()
	return p.store.UpdateAssignment(ctx, assignment)
}

// recordIfTerminal bumps the completion counter once a session has
// reached a terminal status.
func (p *Projector) recordIfTerminal(ctx context.Context, sessionID string) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return
	}
	if session.Status.IsTerminal() {
		p.metrics.SessionCompleted(string(session.Status))
	}
}

// failUnreachable marks a never-started session failed after a terminal
// connection failure. There is nothing to roll back.
func (p *Projector) failUnreachable(ctx context.Context, sessionID string) (*engine.ExecutionSession, error) {
	session, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status.IsTerminal() {
		return session, nil
	}
	session.Status = engine.SessionStatusFailed
	now := time.Now().UTC()
	session.CompletedAt = &now
	session.UpdatedAt = now
	if err := p.store.UpdateSession(ctx, session); err != nil {
		return nil, err
	}
	p.metrics.SessionCompleted(string(engine.SessionStatusFailed))
	p.logger.Warn().Str("session_id", sessionID).Msg("session failed: target unreachable")
	return session, nil
}

// StorePublisher implements engine.EventPublisher by appending directly
// to the store's event log.
type StorePublisher struct {
	store  engine.Store
	logger zerolog.Logger
}

// NewStorePublisher creates a store-backed event publisher.
func NewStorePublisher(store engine.Store, logger zerolog.Logger) *StorePublisher {
	return &StorePublisher{store: store, logger: logger}
}

// PublishEvent implements engine.EventPublisher.
func (sp *StorePublisher) PublishEvent(ctx context.Context, sessionID string, eventType engine.EventType, stepNumber *int, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}
	return sp.store.AppendEvent(ctx, &engine.ExecutionEvent{
		SessionID:  sessionID,
		StepNumber: stepNumber,
		EventType:  eventType,
		Payload:    data,
		CreatedAt:  time.Now().UTC(),
	})
}
