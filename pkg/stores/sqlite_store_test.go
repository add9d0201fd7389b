package stores

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// setupTestStore creates an in-memory SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newTestSession(t *testing.T) (*engine.ExecutionSession, []*engine.ExecutionStep) {
	t.Helper()
	now := time.Now().UTC()
	session := &engine.ExecutionSession{
		ID:               uuid.New().String(),
		TenantID:         "tenant-1",
		RunbookID:        "rb-disk-pressure",
		TicketID:         "INC-1001",
		Status:           engine.SessionStatusPending,
		SandboxProfile:   "standard",
		TransportChannel: "ssh",
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	steps := []*engine.ExecutionStep{
		{
			ID:         uuid.New().String(),
			SessionID:  session.ID,
			StepNumber: 1,
			StepType:   engine.StepTypePrecheck,
			Command:    "df -h",
			Approved:   engine.TristateUnset,
			Success:    engine.TristateUnset,
		},
		{
			ID:               uuid.New().String(),
			SessionID:        session.ID,
			StepNumber:       2,
			StepType:         engine.StepTypeMain,
			Command:          "logrotate -f /etc/logrotate.d/app",
			RollbackCommand:  "echo undo",
			RequiresApproval: true,
			Approved:         engine.TristateUnset,
			Success:          engine.TristateUnset,
		},
	}
	return session, steps
}

func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, steps := newTestSession(t)
	if err := store.CreateSession(ctx, session, steps); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	got, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get session: %v", err)
	}
	if got.TenantID != "tenant-1" || got.Status != engine.SessionStatusPending {
		t.Errorf("unexpected session: %+v", got)
	}

	approvalStep := 2
	got.Status = engine.SessionStatusWaitingApproval
	got.WaitingForApproval = true
	got.ApprovalStepNumber = &approvalStep
	got.UpdatedAt = time.Now().UTC()
	if err := store.UpdateSession(ctx, got); err != nil {
		t.Fatalf("failed to update session: %v", err)
	}

	updated, err := store.GetSession(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to re-read session: %v", err)
	}
	if updated.Status != engine.SessionStatusWaitingApproval || !updated.WaitingForApproval {
		t.Errorf("update not persisted: %+v", updated)
	}
	if updated.ApprovalStepNumber == nil || *updated.ApprovalStepNumber != 2 {
		t.Errorf("approval step number not persisted: %v", updated.ApprovalStepNumber)
	}
}

func TestGetSession_NotFound(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.GetSession(context.Background(), "missing")
	if !engine.IsNotFound(err) {
		t.Errorf("expected not-found error, got %v", err)
	}
}

func TestListSessions_FiltersByStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		session, steps := newTestSession(t)
		if i == 0 {
			session.Status = engine.SessionStatusCompleted
		}
		if err := store.CreateSession(ctx, session, steps); err != nil {
			t.Fatalf("failed to create session: %v", err)
		}
	}

	all, err := store.ListSessions(ctx, "tenant-1", "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("expected 3 sessions, got %d", len(all))
	}

	completed, err := store.ListSessions(ctx, "tenant-1", engine.SessionStatusCompleted, 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(completed) != 1 {
		t.Errorf("expected 1 completed session, got %d", len(completed))
	}

	other, err := store.ListSessions(ctx, "tenant-2", "", 10, 0)
	if err != nil {
		t.Fatalf("failed to list sessions: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected no sessions for other tenant, got %d", len(other))
	}
}

func TestStepRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, steps := newTestSession(t)
	if err := store.CreateSession(ctx, session, steps); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	got, err := store.GetSteps(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get steps: %v", err)
	}
	if len(got) != 2 || got[0].StepNumber != 1 || got[1].StepNumber != 2 {
		t.Fatalf("steps not ordered by step number: %+v", got)
	}

	step := got[1]
	now := time.Now().UTC()
	step.Approved = engine.TristateTrue
	step.ApprovedBy = "oncall@example.com"
	step.ApprovedAt = &now
	step.Completed = true
	step.Success = engine.TristateTrue
	step.Output = "rotated"
	step.CompletedAt = &now
	if err := store.UpdateStep(ctx, step); err != nil {
		t.Fatalf("failed to update step: %v", err)
	}

	updated, err := store.GetStep(ctx, session.ID, 2)
	if err != nil {
		t.Fatalf("failed to get step: %v", err)
	}
	if updated.Approved != engine.TristateTrue || updated.Success != engine.TristateTrue {
		t.Errorf("tristate fields not persisted: %+v", updated)
	}
	if !updated.Completed || updated.Output != "rotated" {
		t.Errorf("result fields not persisted: %+v", updated)
	}
	if updated.ApprovedAt == nil || updated.CompletedAt == nil {
		t.Error("timestamps not persisted")
	}
}

func TestAssignmentRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, steps := newTestSession(t)
	if err := store.CreateSession(ctx, session, steps); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	first := &engine.AgentWorkerAssignment{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Status:    engine.AssignmentStatusPending,
		Attempt:   1,
		Details:   []byte(`{"connection":{"type":"ssh","host":"db01"}}`),
		CreatedAt: time.Now().UTC().Add(-time.Minute),
		UpdatedAt: time.Now().UTC().Add(-time.Minute),
	}
	if err := store.CreateAssignment(ctx, first); err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}

	second := &engine.AgentWorkerAssignment{
		ID:        uuid.New().String(),
		SessionID: session.ID,
		Status:    engine.AssignmentStatusPending,
		Attempt:   2,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := store.CreateAssignment(ctx, second); err != nil {
		t.Fatalf("failed to create assignment: %v", err)
	}

	latest, err := store.GetLatestAssignment(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to get latest assignment: %v", err)
	}
	if latest.ID != second.ID || latest.Attempt != 2 {
		t.Errorf("expected latest assignment, got %+v", latest)
	}

	latest.Status = engine.AssignmentStatusAcknowledged
	latest.WorkerID = "worker-7"
	latest.UpdatedAt = time.Now().UTC()
	if err := store.UpdateAssignment(ctx, latest); err != nil {
		t.Fatalf("failed to update assignment: %v", err)
	}

	updated, err := store.GetLatestAssignment(ctx, session.ID)
	if err != nil {
		t.Fatalf("failed to re-read assignment: %v", err)
	}
	if updated.Status != engine.AssignmentStatusAcknowledged || updated.WorkerID != "worker-7" {
		t.Errorf("update not persisted: %+v", updated)
	}
}

func TestEventLog_AppendOrderPreserved(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	session, steps := newTestSession(t)
	if err := store.CreateSession(ctx, session, steps); err != nil {
		t.Fatalf("failed to create session: %v", err)
	}

	types := []engine.EventType{
		engine.EventSessionCreated,
		engine.EventSessionQueued,
		engine.EventStepStarted,
	}
	for _, et := range types {
		event := &engine.ExecutionEvent{
			SessionID: session.ID,
			EventType: et,
			Payload:   []byte(`{}`),
			CreatedAt: time.Now().UTC(),
		}
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("append must assign an event id")
		}
	}

	events, err := store.ListEventsSince(ctx, session.ID, 0, 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].ID <= events[i-1].ID {
			t.Error("event ids must be strictly increasing in append order")
		}
	}

	tail, err := store.ListEventsSince(ctx, session.ID, events[0].ID, 10)
	if err != nil {
		t.Fatalf("failed to list events: %v", err)
	}
	if len(tail) != 2 {
		t.Errorf("expected 2 events after the first id, got %d", len(tail))
	}
}

func TestKV_SetNXSemantics(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	claimed, _, err := store.SetNX(ctx, "sessions:ticket-1", "__PENDING__", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Fatal("first SetNX must claim")
	}

	claimed, existing, err := store.SetNX(ctx, "sessions:ticket-1", "other", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if claimed {
		t.Error("second SetNX must not claim")
	}
	if existing != "__PENDING__" {
		t.Errorf("expected existing value, got %q", existing)
	}

	if err := store.Set(ctx, "sessions:ticket-1", "session-abc", time.Minute); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, existing, err = store.SetNX(ctx, "sessions:ticket-1", "x", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existing != "session-abc" {
		t.Errorf("expected committed value, got %q", existing)
	}

	if err := store.Delete(ctx, "sessions:ticket-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	claimed, _, err = store.SetNX(ctx, "sessions:ticket-1", "__PENDING__", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Error("SetNX after delete must claim")
	}
}

func TestKV_ExpiredKeyReclaimable(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if _, _, err := store.SetNX(ctx, "k", "v", time.Millisecond); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)

	claimed, _, err := store.SetNX(ctx, "k", "v2", time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !claimed {
		t.Error("expired key must be reclaimable")
	}

	pruned, err := store.PruneExpiredKeys(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pruned != 0 {
		t.Errorf("fresh key must not be pruned, pruned %d", pruned)
	}
}

func TestStreams_AppendFetchAndDedupe(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	id1, err := store.AppendMessage(ctx, "ASSIGN", "assignment:s1:a1", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := store.AppendMessage(ctx, "ASSIGN", "", []byte(`{"n":2}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id2 <= id1 {
		t.Errorf("ids must be strictly increasing, got %d then %d", id1, id2)
	}

	// Re-publishing the same key must not append a second message.
	dup, err := store.AppendMessage(ctx, "ASSIGN", "assignment:s1:a1", []byte(`{"n":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if dup != id1 {
		t.Errorf("duplicate key must return the original id %d, got %d", id1, dup)
	}

	messages, err := store.FetchMessages(ctx, "ASSIGN", 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	// Streams are isolated from one another.
	other, err := store.FetchMessages(ctx, "COMMAND", 0, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("expected empty COMMAND stream, got %d messages", len(other))
	}

	tail, err := store.FetchMessages(ctx, "ASSIGN", id1, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tail) != 1 || tail[0].ID != id2 {
		t.Errorf("expected only the second message after id %d, got %+v", id1, tail)
	}
}

func TestStreamCursors(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	pos, err := store.GetCursor(ctx, "EVENTS", "projector")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 0 {
		t.Errorf("new consumer must start at zero, got %d", pos)
	}

	if err := store.SetCursor(ctx, "EVENTS", "projector", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pos, err = store.GetCursor(ctx, "EVENTS", "projector")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 42 {
		t.Errorf("expected committed position 42, got %d", pos)
	}

	// Cursors are per consumer.
	pos, err = store.GetCursor(ctx, "EVENTS", "other")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pos != 0 {
		t.Errorf("other consumer must be unaffected, got %d", pos)
	}
}

func TestWorkerRegistry(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	w := &WorkerRecord{
		ID:             "worker-7",
		Capabilities:   []string{"ssh", "remote_shell"},
		NetworkSegment: "dc1",
		MaxConcurrency: 4,
	}
	if err := store.RegisterWorker(ctx, w); err != nil {
		t.Fatalf("failed to register worker: %v", err)
	}

	if err := store.HeartbeatWorker(ctx, "worker-7", 2); err != nil {
		t.Fatalf("failed to heartbeat: %v", err)
	}

	got, err := store.GetWorker(ctx, "worker-7")
	if err != nil {
		t.Fatalf("failed to get worker: %v", err)
	}
	if got.CurrentLoad != 2 || got.NetworkSegment != "dc1" {
		t.Errorf("unexpected worker record: %+v", got)
	}
	if len(got.Capabilities) != 2 {
		t.Errorf("capabilities not persisted: %v", got.Capabilities)
	}

	if err := store.HeartbeatWorker(ctx, "ghost", 1); !engine.IsNotFound(err) {
		t.Errorf("expected not-found for unknown worker, got %v", err)
	}

	workers, err := store.ListWorkers(ctx)
	if err != nil {
		t.Fatalf("failed to list workers: %v", err)
	}
	if len(workers) != 1 {
		t.Errorf("expected 1 worker, got %d", len(workers))
	}
}
