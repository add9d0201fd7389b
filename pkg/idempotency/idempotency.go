// Package idempotency implements the reserve/commit/release protocol
// that dedupes session creation, manual command submission, and
// worker-side command execution under client retries.
package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// PendingSentinel marks a reservation whose work is still in flight.
const PendingSentinel = "__PENDING__"

// Default lifetimes. A reservation that is neither committed nor
// released expires after ReservationTimeout so a crashed caller does not
// block retries forever; a committed value is kept for CommittedTTL,
// which must cover the longest plausible client retry window.
const (
	DefaultReservationTimeout = 120 * time.Second
	DefaultCommittedTTL       = 24 * time.Hour
)

// KV is the shared key-value store the manager runs over. SetNX must be
// atomic: it stores the value only if the key is absent or expired, and
// reports whether the claim succeeded alongside any existing value.
type KV interface {
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (claimed bool, existing string, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Manager coordinates idempotent operations over a shared KV store.
type Manager struct {
	kv                 KV
	reservationTimeout time.Duration
	committedTTL       time.Duration
	logger             zerolog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithReservationTimeout overrides the in-flight reservation lifetime.
func WithReservationTimeout(d time.Duration) Option {
	return func(m *Manager) { m.reservationTimeout = d }
}

// WithCommittedTTL overrides how long committed values are retained.
func WithCommittedTTL(d time.Duration) Option {
	return func(m *Manager) { m.committedTTL = d }
}

// NewManager creates an idempotency manager over the given store.
func NewManager(kv KV, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		kv:                 kv,
		reservationTimeout: DefaultReservationTimeout,
		committedTTL:       DefaultCommittedTTL,
		logger:             logger.With().Str("component", "idempotency").Logger(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Reservation is the outcome of a Reserve call.
type Reservation struct {
	// Claimed is true when this caller now owns the key and must commit
	// or release it.
	Claimed bool

	// Committed holds the previously committed value when the operation
	// already resolved. Empty unless Resolved is true.
	Committed string

	// Resolved is true when a committed value exists.
	Resolved bool

	// Pending is true when another caller's reservation is in flight.
	Pending bool
}

func key(scope, k string) string {
	return scope + ":" + k
}

// Reserve atomically claims the key. Exactly one of the reservation's
// Claimed, Resolved, or Pending fields is true.
func (m *Manager) Reserve(ctx context.Context, scope, k string) (*Reservation, error) {
	claimed, existing, err := m.kv.SetNX(ctx, key(scope, k), PendingSentinel, m.reservationTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve %s/%s: %w", scope, k, err)
	}
	if claimed {
		m.logger.Debug().Str("scope", scope).Str("key", k).Msg("reservation claimed")
		return &Reservation{Claimed: true}, nil
	}
	if existing == PendingSentinel {
		return &Reservation{Pending: true}, nil
	}
	return &Reservation{Resolved: true, Committed: existing}, nil
}

// Commit finalizes a reservation with the operation's result value.
func (m *Manager) Commit(ctx context.Context, scope, k, value string) error {
	if value == PendingSentinel {
		return fmt.Errorf("refusing to commit the pending sentinel for %s/%s", scope, k)
	}
	if err := m.kv.Set(ctx, key(scope, k), value, m.committedTTL); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", scope, k, err)
	}
	m.logger.Debug().Str("scope", scope).Str("key", k).Msg("reservation committed")
	return nil
}

// Release aborts a reservation after a caller-side failure so a retry is
// not blocked until the reservation expires.
func (m *Manager) Release(ctx context.Context, scope, k string) error {
	if err := m.kv.Delete(ctx, key(scope, k)); err != nil {
		return fmt.Errorf("failed to release %s/%s: %w", scope, k, err)
	}
	m.logger.Debug().Str("scope", scope).Str("key", k).Msg("reservation released")
	return nil
}

// Run executes fn under the reserve → commit-on-success /
// release-on-failure protocol. When the key is already resolved the
// committed value is returned without running fn; a pending reservation
// surfaces as a DuplicateRequestError.
func (m *Manager) Run(ctx context.Context, scope, k string, fn func(ctx context.Context) (string, error)) (string, error) {
	res, err := m.Reserve(ctx, scope, k)
	if err != nil {
		return "", err
	}
	switch {
	case res.Resolved:
		return res.Committed, nil
	case res.Pending:
		return "", engine.NewDuplicateRequestError(scope, k, true)
	}

	value, err := fn(ctx)
	if err != nil {
		if relErr := m.Release(ctx, scope, k); relErr != nil {
			m.logger.Warn().Err(relErr).Str("scope", scope).Str("key", k).Msg("failed to release reservation")
		}
		return "", err
	}
	if err := m.Commit(ctx, scope, k, value); err != nil {
		return "", err
	}
	return value, nil
}
