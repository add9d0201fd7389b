package idempotency

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// memKV is an in-memory KV with expiry, matching the SetNX contract.
type memKV struct {
	mu      sync.Mutex
	values  map[string]string
	expires map[string]time.Time
}

func newMemKV() *memKV {
	return &memKV{values: make(map[string]string), expires: make(map[string]time.Time)}
}

func (m *memKV) expired(key string) bool {
	exp, ok := m.expires[key]
	return ok && time.Now().After(exp)
}

func (m *memKV) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.values[key]; ok && !m.expired(key) {
		return false, existing, nil
	}
	m.values[key] = value
	m.expires[key] = time.Now().Add(ttl)
	return true, "", nil
}

func (m *memKV) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	m.expires[key] = time.Now().Add(ttl)
	return nil
}

func (m *memKV) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	delete(m.expires, key)
	return nil
}

func newTestManager(kv KV, opts ...Option) *Manager {
	return NewManager(kv, zerolog.Nop(), opts...)
}

func TestReserve_FirstCallerClaims(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	res, err := m.Reserve(ctx, "sessions", "ticket-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Claimed {
		t.Error("first caller must claim the reservation")
	}
}

func TestReserve_SecondCallerSeesPending(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "commands", "cmd-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Reserve(ctx, "commands", "cmd-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Pending {
		t.Error("second caller must see the pending reservation")
	}
	if res.Claimed || res.Resolved {
		t.Errorf("exactly one outcome expected, got %+v", res)
	}
}

func TestReserve_ResolvedReturnsCommittedValue(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "sessions", "ticket-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Commit(ctx, "sessions", "ticket-42", "session-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Reserve(ctx, "sessions", "ticket-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Resolved || res.Committed != "session-abc" {
		t.Errorf("expected committed value, got %+v", res)
	}
}

func TestRelease_UnblocksRetry(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "sessions", "ticket-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Release(ctx, "sessions", "ticket-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	res, err := m.Reserve(ctx, "sessions", "ticket-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Claimed {
		t.Error("retry after release must claim")
	}
}

func TestReserve_ExpiredReservationReclaimable(t *testing.T) {
	m := newTestManager(newMemKV(), WithReservationTimeout(time.Millisecond))
	ctx := context.Background()

	if _, err := m.Reserve(ctx, "sessions", "ticket-42"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	res, err := m.Reserve(ctx, "sessions", "ticket-42")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Claimed {
		t.Error("expired reservation must be reclaimable")
	}
}

func TestCommit_RejectsSentinel(t *testing.T) {
	m := newTestManager(newMemKV())
	if err := m.Commit(context.Background(), "sessions", "k", PendingSentinel); err == nil {
		t.Error("committing the sentinel must fail")
	}
}

func TestRun_DuplicateWhilePending(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	// First caller holds the reservation while its work is in flight.
	res, err := m.Reserve(ctx, "commands", "cmd-1")
	if err != nil || !res.Claimed {
		t.Fatalf("first reserve failed: %+v %v", res, err)
	}

	_, err = m.Run(ctx, "commands", "cmd-1", func(ctx context.Context) (string, error) {
		t.Error("duplicate must not execute")
		return "", nil
	})
	if !engine.IsDuplicateRequest(err) {
		t.Errorf("expected duplicate request error, got %v", err)
	}
}

func TestRun_ReleasesOnFailure(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	boom := errors.New("connector exploded")
	_, err := m.Run(ctx, "commands", "cmd-9", func(ctx context.Context) (string, error) {
		return "", boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected the work error, got %v", err)
	}

	// The failed attempt must not block the retry.
	value, err := m.Run(ctx, "commands", "cmd-9", func(ctx context.Context) (string, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if value != "ok" {
		t.Errorf("expected retry to run, got %q", value)
	}
}

func TestRun_ReturnsCommittedWithoutRerunning(t *testing.T) {
	m := newTestManager(newMemKV())
	ctx := context.Background()

	calls := 0
	work := func(ctx context.Context) (string, error) {
		calls++
		return "session-abc", nil
	}

	for i := 0; i < 3; i++ {
		value, err := m.Run(ctx, "sessions", "ticket-42", work)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if value != "session-abc" {
			t.Errorf("expected committed value, got %q", value)
		}
	}
	if calls != 1 {
		t.Errorf("work must run exactly once, ran %d times", calls)
	}
}
