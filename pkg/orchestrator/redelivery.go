package orchestrator

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

const (
	// DefaultAckDeadline is how long a published assignment may sit
	// unacknowledged before it is considered lost.
	DefaultAckDeadline = time.Minute

	// DefaultRedeliveryInterval is the sweep cadence.
	DefaultRedeliveryInterval = 30 * time.Second

	// DefaultMaxAssignmentRetries bounds redelivery attempts per session.
	DefaultMaxAssignmentRetries = 3
)

// AssignmentLister finds assignments that were published but never
// acknowledged before a cutoff.
type AssignmentLister interface {
	ListStalePendingAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*engine.AgentWorkerAssignment, error)
}

// Redeliverer republishes assignments no worker acknowledged within the
// ack deadline. A session whose retry budget is exhausted is failed; a
// worker may come up later, but the operator needs a terminal answer.
type Redeliverer struct {
	orch        *Orchestrator
	lister      AssignmentLister
	ackDeadline time.Duration
	interval    time.Duration
	maxRetries  int
	logger      zerolog.Logger
}

// RedeliveryConfig configures the sweep. Zero values take the defaults.
type RedeliveryConfig struct {
	AckDeadline time.Duration
	Interval    time.Duration
	MaxRetries  int
}

// NewRedeliverer creates an assignment redelivery sweep.
func NewRedeliverer(orch *Orchestrator, lister AssignmentLister, cfg RedeliveryConfig, logger zerolog.Logger) *Redeliverer {
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = DefaultAckDeadline
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRedeliveryInterval
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxAssignmentRetries
	}
	return &Redeliverer{
		orch:        orch,
		lister:      lister,
		ackDeadline: cfg.AckDeadline,
		interval:    cfg.Interval,
		maxRetries:  cfg.MaxRetries,
		logger:      logger.With().Str("component", "redelivery").Logger(),
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (r *Redeliverer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.logger.Error().Err(err).Msg("redelivery sweep failed")
			}
		}
	}
}

// Sweep republishes or expires every stale pending assignment and
// returns how many sessions were redelivered.
func (r *Redeliverer) Sweep(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-r.ackDeadline)
	stale, err := r.lister.ListStalePendingAssignments(ctx, cutoff, 100)
	if err != nil {
		return 0, err
	}

	redelivered := 0
	for _, assignment := range stale {
		session, err := r.orch.store.GetSession(ctx, assignment.SessionID)
		if err != nil {
			if engine.IsNotFound(err) {
				continue
			}
			return redelivered, err
		}
		if session.Status.IsTerminal() {
			continue
		}

		assignment.Status = engine.AssignmentStatusFailed
		assignment.UpdatedAt = time.Now().UTC()
		if err := r.orch.store.UpdateAssignment(ctx, assignment); err != nil {
			return redelivered, err
		}

		if session.AssignmentRetryCount >= r.maxRetries {
			if err := r.expire(ctx, session, assignment.Attempt); err != nil {
				return redelivered, err
			}
			continue
		}

		if _, err := r.orch.RepublishAssignment(ctx, session.ID); err != nil {
			return redelivered, err
		}
		redelivered++
		r.logger.Warn().
			Str("session_id", session.ID).
			Int("attempt", assignment.Attempt).
			Msg("unacknowledged assignment redelivered")
	}
	return redelivered, nil
}

// expire fails a session whose assignment retry budget ran out.
func (r *Redeliverer) expire(ctx context.Context, session *engine.ExecutionSession, attempts int) error {
	now := time.Now().UTC()
	session.Status = engine.SessionStatusFailed
	session.CompletedAt = &now
	session.UpdatedAt = now
	if err := r.orch.store.UpdateSession(ctx, session); err != nil {
		return err
	}
	r.orch.publishEvent(ctx, session.ID, engine.EventAgentConnectionFailed, nil, map[string]interface{}{
		"error":    "no worker acknowledged the assignment",
		"attempts": attempts,
	})
	r.logger.Error().Str("session_id", session.ID).Int("attempts", attempts).Msg("session failed: assignment retries exhausted")
	return nil
}
