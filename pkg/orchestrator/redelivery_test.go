package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
)

func newTestRedeliverer(f *fixture, maxRetries int) *Redeliverer {
	return NewRedeliverer(f.orchestrator, f.store, RedeliveryConfig{
		AckDeadline: time.Millisecond,
		Interval:    time.Hour,
		MaxRetries:  maxRetries,
	}, zerolog.Nop())
}

func TestRedelivery_RepublishesUnacknowledged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.orchestrator.EnqueueSession(ctx, enqueueParams())
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}

	// Let the published assignment age past the ack deadline.
	time.Sleep(10 * time.Millisecond)

	redelivered, err := newTestRedeliverer(f, 3).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if redelivered != 1 {
		t.Fatalf("expected 1 redelivery, got %d", redelivered)
	}

	assignment, err := f.store.GetLatestAssignment(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get assignment: %v", err)
	}
	if assignment.Attempt != 2 || assignment.Status != engine.AssignmentStatusPending {
		t.Errorf("unexpected assignment after redelivery: attempt=%d status=%s", assignment.Attempt, assignment.Status)
	}
	if msgs := fetchAll(t, f.store, streams.StreamAssign); len(msgs) != 2 {
		t.Errorf("expected 2 assignment messages, got %d", len(msgs))
	}

	updated, err := f.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if updated.AssignmentRetryCount != 1 {
		t.Errorf("expected retry count 1, got %d", updated.AssignmentRetryCount)
	}
}

func TestRedelivery_SkipsAcknowledged(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.orchestrator.EnqueueSession(ctx, enqueueParams())
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	assignment, err := f.store.GetLatestAssignment(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get assignment: %v", err)
	}
	assignment.Status = engine.AssignmentStatusAcknowledged
	assignment.WorkerID = "worker-1"
	assignment.UpdatedAt = time.Now().UTC()
	if err := f.store.UpdateAssignment(ctx, assignment); err != nil {
		t.Fatalf("failed to update assignment: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	redelivered, err := newTestRedeliverer(f, 3).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if redelivered != 0 {
		t.Fatalf("expected no redeliveries, got %d", redelivered)
	}
}

func TestRedelivery_ExhaustedBudgetFailsSession(t *testing.T) {
	f := setup(t)
	ctx := context.Background()

	session, err := f.orchestrator.EnqueueSession(ctx, enqueueParams())
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	session.AssignmentRetryCount = 3
	session.UpdatedAt = time.Now().UTC()
	if err := f.store.UpdateSession(ctx, session); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	time.Sleep(10 * time.Millisecond)

	redelivered, err := newTestRedeliverer(f, 3).Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep failed: %v", err)
	}
	if redelivered != 0 {
		t.Fatalf("expected no redeliveries, got %d", redelivered)
	}

	updated, err := f.store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if updated.Status != engine.SessionStatusFailed {
		t.Errorf("expected failed session, got %s", updated.Status)
	}
	events, err := f.store.ListEventsSince(ctx, session.ID, 0, 100)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	found := false
	for _, event := range events {
		if event.EventType == engine.EventAgentConnectionFailed {
			found = true
		}
	}
	if !found {
		t.Error("expected a connection_failed event after the retry budget ran out")
	}
}
