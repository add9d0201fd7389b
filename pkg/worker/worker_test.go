package worker

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stiwari2004/bot-sub000/pkg/connectors"
	"github.com/stiwari2004/bot-sub000/pkg/engine"
	"github.com/stiwari2004/bot-sub000/pkg/idempotency"
	"github.com/stiwari2004/bot-sub000/pkg/orchestrator"
	"github.com/stiwari2004/bot-sub000/pkg/rules"
	"github.com/stiwari2004/bot-sub000/pkg/stores"
	"github.com/stiwari2004/bot-sub000/pkg/streams"
)

// fakeConnector scripts per-command results and records execution order.
type fakeConnector struct {
	name     string
	executed []string
	results  map[string]*engine.CommandResult
}

func (f *fakeConnector) Name() string { return f.name }

func (f *fakeConnector) Execute(ctx context.Context, command string, config *connectors.ConnectionConfig, timeout time.Duration) (*engine.CommandResult, error) {
	f.executed = append(f.executed, command)
	if r, ok := f.results[command]; ok {
		return r, nil
	}
	return &engine.CommandResult{Success: true, ExitCode: 0, Output: "ok"}, nil
}

type workerFixture struct {
	service   *Service
	store     *stores.SQLiteStore
	connector *fakeConnector
}

func setupWorker(t *testing.T) *workerFixture {
	t.Helper()
	logger := zerolog.Nop()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
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

	connector := &fakeConnector{name: "ssh", results: map[string]*engine.CommandResult{}}
	registry := connectors.NewRegistry()
	registry.Register(connector)

	service := New(
		Config{ID: "worker-1", Capabilities: []string{"ssh"}, MaxConcurrency: 2},
		store,
		streams.NewBroker(store, logger, streams.WithPollInterval(10*time.Millisecond)),
		registry,
		connectors.NewClusterSessionCache(time.Minute, logger),
		rules.NewEngine(logger),
		idempotency.NewManager(store, logger),
		logger,
	)
	return &workerFixture{service: service, store: store, connector: connector}
}

func assignmentMessage(t *testing.T, steps []orchestrator.AssignmentStep) *stores.StreamMessage {
	t.Helper()
	payload, err := json.Marshal(orchestrator.AssignmentMessage{
		AssignmentID: "as-1",
		SessionID:    "sess-1",
		Attempt:      1,
		Details: orchestrator.AssignmentDetails{
			SessionID: "sess-1",
			Connection: &connectors.ConnectionConfig{
				Type: "ssh",
				Host: "db01.example.com",
				OS:   "linux",
			},
			Steps: steps,
		},
	})
	if err != nil {
		t.Fatalf("failed to encode assignment: %v", err)
	}
	return &stores.StreamMessage{ID: 1, Stream: streams.StreamAssign, Payload: payload}
}

func publishedEvents(t *testing.T, store *stores.SQLiteStore) []orchestrator.WorkerEvent {
	t.Helper()
	messages, err := store.FetchMessages(context.Background(), streams.StreamEvents, 0, 100)
	if err != nil {
		t.Fatalf("failed to fetch events: %v", err)
	}
	events := make([]orchestrator.WorkerEvent, 0, len(messages))
	for _, msg := range messages {
		var ev orchestrator.WorkerEvent
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("failed to decode event: %v", err)
		}
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []orchestrator.WorkerEvent) []engine.EventType {
	types := make([]engine.EventType, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	return types
}

func TestHandleAssignment_ExecutesStepsInOrder(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, StepType: "precheck", Command: "df -h /var"},
		{StepNumber: 2, StepType: "main", Command: "truncate -s 0 /var/log/app.log"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	want := []string{"df -h /var", "truncate -s 0 /var/log/app.log"}
	if len(f.connector.executed) != len(want) {
		t.Fatalf("expected %d executions, got %v", len(want), f.connector.executed)
	}
	for i, cmd := range want {
		if f.connector.executed[i] != cmd {
			t.Errorf("execution %d: got %q, want %q", i, f.connector.executed[i], cmd)
		}
	}

	types := eventTypes(publishedEvents(t, f.store))
	wantTypes := []engine.EventType{
		engine.EventWorkerAssignmentReceived,
		engine.EventWorkerAssignmentAcknowledged,
		engine.EventAgentConnectionEstablished,
		engine.EventStepStarted,
		engine.EventStepOutput,
		engine.EventStepCompleted,
		engine.EventStepStarted,
		engine.EventStepOutput,
		engine.EventStepCompleted,
		engine.EventSessionWorkerComplete,
	}
	if len(types) != len(wantTypes) {
		t.Fatalf("event sequence mismatch: got %v", types)
	}
	for i := range wantTypes {
		if types[i] != wantTypes[i] {
			t.Fatalf("event %d: got %s, want %s (full: %v)", i, types[i], wantTypes[i], types)
		}
	}
}

func TestHandleAssignment_StopsOnFirstFailure(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()
	f.connector.results["systemctl restart app"] = &engine.CommandResult{
		Success: false, ExitCode: 5, Error: "Failed to restart app.service",
	}

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, Command: "df -h /var"},
		{StepNumber: 2, Command: "systemctl restart app"},
		{StepNumber: 3, Command: "curl -fsS localhost:8080/health"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	for _, cmd := range f.connector.executed {
		if cmd == "curl -fsS localhost:8080/health" {
			t.Fatal("step after a failure must not run")
		}
	}

	events := publishedEvents(t, f.store)
	last := events[len(events)-1]
	if last.EventType != engine.EventSessionWorkerComplete {
		t.Fatalf("expected worker_complete last, got %s", last.EventType)
	}
	if !strings.Contains(string(last.Payload), `"success":false`) {
		t.Errorf("expected unsuccessful completion, payload %s", last.Payload)
	}
}

func TestHandleAssignment_StopsAtApprovalGate(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, Command: "df -h /var"},
		{StepNumber: 2, Command: "rm -rf /var/cache/app", RequiresApproval: true},
		{StepNumber: 3, Command: "df -h /var"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 1 || f.connector.executed[0] != "df -h /var" {
		t.Fatalf("expected only the ungated step to run, got %v", f.connector.executed)
	}

	events := publishedEvents(t, f.store)
	last := events[len(events)-1]
	if last.EventType != engine.EventSessionWorkerComplete {
		t.Fatalf("expected worker_complete, got %s", last.EventType)
	}
	if !strings.Contains(string(last.Payload), `"pending_approval_step":2`) {
		t.Errorf("expected pending approval marker, payload %s", last.Payload)
	}
}

func TestHandleAssignment_ResumesAfterApproval(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	// Republished attempt: step 1 already completed, gate decided.
	payload, _ := json.Marshal(orchestrator.AssignmentMessage{
		AssignmentID: "as-2",
		SessionID:    "sess-1",
		Attempt:      2,
		Details: orchestrator.AssignmentDetails{
			SessionID:  "sess-1",
			Connection: &connectors.ConnectionConfig{Type: "ssh", Host: "db01.example.com"},
			Steps: []orchestrator.AssignmentStep{
				{StepNumber: 1, Command: "df -h /var", Completed: true},
				{StepNumber: 2, Command: "rm -rf /var/cache/app", RequiresApproval: true, Approved: true},
			},
		},
	})
	msg := &stores.StreamMessage{ID: 2, Stream: streams.StreamAssign, Payload: payload}
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 1 || f.connector.executed[0] != "rm -rf /var/cache/app" {
		t.Fatalf("expected only the approved step to run, got %v", f.connector.executed)
	}
}

func TestHandleAssignment_ConnectionErrorIsTerminal(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()
	f.connector.results["df -h /var"] = &engine.CommandResult{
		Success: false, ExitCode: -1, ConnectionError: true, Error: "dial tcp: i/o timeout",
	}

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, Command: "df -h /var"},
		{StepNumber: 2, Command: "systemctl restart app"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 1 {
		t.Fatalf("no step may run after a connection failure, got %v", f.connector.executed)
	}
	types := eventTypes(publishedEvents(t, f.store))
	found := false
	for _, typ := range types {
		if typ == engine.EventAgentConnectionFailed {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected agent.connection_failed, got %v", types)
	}
}

func TestHandleAssignment_DuplicateDeliveryRunsOnce(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, Command: "df -h /var"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("first delivery failed: %v", err)
	}
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}

	if len(f.connector.executed) != 1 {
		t.Fatalf("redelivered assignment must not re-execute, got %v", f.connector.executed)
	}
}

func TestHandleAssignment_UnknownConnectorFailsConnection(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	payload, _ := json.Marshal(orchestrator.AssignmentMessage{
		AssignmentID: "as-9",
		SessionID:    "sess-9",
		Attempt:      1,
		Details: orchestrator.AssignmentDetails{
			SessionID:  "sess-9",
			Connection: &connectors.ConnectionConfig{Type: "teleport", Host: "x"},
			Steps:      []orchestrator.AssignmentStep{{StepNumber: 1, Command: "uptime"}},
		},
	})
	msg := &stores.StreamMessage{ID: 9, Stream: streams.StreamAssign, Payload: payload}
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	types := eventTypes(publishedEvents(t, f.store))
	if len(types) == 0 || types[len(types)-1] != engine.EventAgentConnectionFailed {
		t.Fatalf("expected terminal connection_failed, got %v", types)
	}
}

func TestHandleAssignment_MalformedIsDeadLettered(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	msg := &stores.StreamMessage{ID: 3, Stream: streams.StreamAssign, Payload: []byte("{broken")}
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("malformed message must not be retried: %v", err)
	}

	dead, err := f.store.FetchMessages(ctx, streams.StreamDeadLetter, 0, 10)
	if err != nil {
		t.Fatalf("failed to fetch dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("expected 1 dead letter, got %d", len(dead))
	}
}

func TestExecuteStep_PostFailureCorrection(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()
	f.connector.results["ping -n 3 10.0.0.5"] = &engine.CommandResult{
		Success: false, ExitCode: 2, Error: "ping: invalid option -- 'n'",
	}

	msg := assignmentMessage(t, []orchestrator.AssignmentStep{
		{StepNumber: 1, Command: "ping -n 3 10.0.0.5"},
	})
	if err := f.service.handleAssignmentMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 2 {
		t.Fatalf("expected original plus corrected execution, got %v", f.connector.executed)
	}
	if f.connector.executed[1] != "ping -c 3 10.0.0.5" {
		t.Errorf("expected corrected retry, got %q", f.connector.executed[1])
	}

	events := publishedEvents(t, f.store)
	last := events[len(events)-1]
	if !strings.Contains(string(last.Payload), `"success":true`) {
		t.Errorf("corrected retry should complete the assignment, payload %s", last.Payload)
	}
}

func TestHandleCommand_RollbackIsBestEffort(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()
	f.connector.results["echo undo-2"] = &engine.CommandResult{
		Success: false, ExitCode: 1, Error: "undo failed",
	}

	payload, _ := json.Marshal(orchestrator.CommandMessage{
		SessionID:  "sess-1",
		Action:     orchestrator.CommandActionRollback,
		Reason:     "wrong target",
		User:       "alice",
		RequestID:  "req-1",
		Connection: &connectors.ConnectionConfig{Type: "ssh", Host: "db01.example.com"},
		RollbackSteps: []orchestrator.RollbackStep{
			{StepNumber: 2, Command: "echo undo-2"},
			{StepNumber: 1, Command: "echo undo-1"},
		},
	})
	msg := &stores.StreamMessage{ID: 4, Stream: streams.StreamCommand, Payload: payload}
	if err := f.service.handleCommandMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 2 {
		t.Fatalf("all rollback steps must run despite failures, got %v", f.connector.executed)
	}

	events := publishedEvents(t, f.store)
	last := events[len(events)-1]
	if last.EventType != engine.EventSessionCommandFailed {
		t.Fatalf("expected command.failed after partial rollback, got %s", last.EventType)
	}
	if !strings.Contains(string(last.Payload), `"rolled_back":1`) {
		t.Errorf("expected one successful compensation, payload %s", last.Payload)
	}
}

func TestHandleCommand_ManualExecute(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	payload, _ := json.Marshal(orchestrator.CommandMessage{
		SessionID:  "sess-1",
		Action:     orchestrator.CommandActionExecute,
		Command:    "uptime",
		User:       "alice",
		RequestID:  "req-2",
		Connection: &connectors.ConnectionConfig{Type: "ssh", Host: "db01.example.com"},
	})
	msg := &stores.StreamMessage{ID: 5, Stream: streams.StreamCommand, Payload: payload}
	if err := f.service.handleCommandMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	// Redelivery executes nothing new.
	if err := f.service.handleCommandMessage(ctx, msg); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if len(f.connector.executed) != 1 {
		t.Fatalf("expected exactly one execution, got %v", f.connector.executed)
	}

	events := publishedEvents(t, f.store)
	last := events[len(events)-1]
	if last.EventType != engine.EventSessionCommandCompleted {
		t.Fatalf("expected command.completed, got %s", last.EventType)
	}
}

func TestHandleCommand_RunAsAndShellWrap(t *testing.T) {
	f := setupWorker(t)
	ctx := context.Background()

	payload, _ := json.Marshal(orchestrator.CommandMessage{
		SessionID:  "sess-1",
		Action:     orchestrator.CommandActionExecute,
		Command:    "systemctl restart app",
		Shell:      "bash",
		RunAs:      "svc-app",
		RequestID:  "req-3",
		Connection: &connectors.ConnectionConfig{Type: "ssh", Host: "db01.example.com"},
	})
	msg := &stores.StreamMessage{ID: 6, Stream: streams.StreamCommand, Payload: payload}
	if err := f.service.handleCommandMessage(ctx, msg); err != nil {
		t.Fatalf("handler failed: %v", err)
	}

	if len(f.connector.executed) != 1 {
		t.Fatalf("expected one execution, got %v", f.connector.executed)
	}
	got := f.connector.executed[0]
	want := `bash -c "sudo -u svc-app systemctl restart app"`
	if got != want {
		t.Errorf("wrapped command mismatch:\n got %q\nwant %q", got, want)
	}
}
