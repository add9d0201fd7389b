package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// In-memory store for testing.
type mockStore struct {
	mu          sync.Mutex
	sessions    map[string]*ExecutionSession
	steps       map[string][]*ExecutionStep
	assignments map[string][]*AgentWorkerAssignment
	events      []*ExecutionEvent
	nextEventID int64
}

func newMockStore() *mockStore {
	return &mockStore{
		sessions:    make(map[string]*ExecutionSession),
		steps:       make(map[string][]*ExecutionStep),
		assignments: make(map[string][]*AgentWorkerAssignment),
	}
}

func (m *mockStore) CreateSession(ctx context.Context, session *ExecutionSession, steps []*ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *session
	m.sessions[session.ID] = &s
	copied := make([]*ExecutionStep, len(steps))
	for i, st := range steps {
		c := *st
		copied[i] = &c
	}
	m.steps[session.ID] = copied
	return nil
}

func (m *mockStore) GetSession(ctx context.Context, id string) (*ExecutionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, NewNotFoundError("session", id)
	}
	c := *s
	return &c, nil
}

func (m *mockStore) UpdateSession(ctx context.Context, session *ExecutionSession) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[session.ID]; !ok {
		return NewNotFoundError("session", session.ID)
	}
	c := *session
	m.sessions[session.ID] = &c
	return nil
}

func (m *mockStore) ListSessions(ctx context.Context, tenantID string, status SessionStatus, limit, offset int) ([]*ExecutionSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*ExecutionSession{}
	for _, s := range m.sessions {
		if s.TenantID == tenantID && (status == "" || s.Status == status) {
			c := *s
			out = append(out, &c)
		}
	}
	return out, nil
}

func (m *mockStore) GetSteps(ctx context.Context, sessionID string) ([]*ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.steps[sessionID]
	if !ok {
		return nil, NewNotFoundError("session", sessionID)
	}
	out := make([]*ExecutionStep, len(steps))
	for i, st := range steps {
		c := *st
		out[i] = &c
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	return out, nil
}

func (m *mockStore) GetStep(ctx context.Context, sessionID string, stepNumber int) (*ExecutionStep, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, st := range m.steps[sessionID] {
		if st.StepNumber == stepNumber {
			c := *st
			return &c, nil
		}
	}
	return nil, NewNotFoundError("step", fmt.Sprintf("%s/%d", sessionID, stepNumber))
}

func (m *mockStore) UpdateStep(ctx context.Context, step *ExecutionStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, st := range m.steps[step.SessionID] {
		if st.StepNumber == step.StepNumber {
			c := *step
			m.steps[step.SessionID][i] = &c
			return nil
		}
	}
	return NewNotFoundError("step", step.ID)
}

func (m *mockStore) CreateAssignment(ctx context.Context, a *AgentWorkerAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *a
	m.assignments[a.SessionID] = append(m.assignments[a.SessionID], &c)
	return nil
}

func (m *mockStore) GetLatestAssignment(ctx context.Context, sessionID string) (*AgentWorkerAssignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as := m.assignments[sessionID]
	if len(as) == 0 {
		return nil, NewNotFoundError("assignment", sessionID)
	}
	c := *as[len(as)-1]
	return &c, nil
}

func (m *mockStore) UpdateAssignment(ctx context.Context, a *AgentWorkerAssignment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, existing := range m.assignments[a.SessionID] {
		if existing.ID == a.ID {
			c := *a
			m.assignments[a.SessionID][i] = &c
			return nil
		}
	}
	return NewNotFoundError("assignment", a.ID)
}

func (m *mockStore) AppendEvent(ctx context.Context, event *ExecutionEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEventID++
	event.ID = m.nextEventID
	c := *event
	m.events = append(m.events, &c)
	return nil
}

func (m *mockStore) ListEventsSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]*ExecutionEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*ExecutionEvent{}
	for _, ev := range m.events {
		if ev.SessionID == sessionID && ev.ID > afterID {
			c := *ev
			out = append(out, &c)
		}
	}
	return out, nil
}

// Scripted executor for testing. Commands matching a fail prefix return a
// non-zero result; all executed commands are recorded in order.
type mockExecutor struct {
	mu       sync.Mutex
	executed []string
	failOn   map[string]bool
}

func newMockExecutor() *mockExecutor {
	return &mockExecutor{failOn: make(map[string]bool)}
}

func (m *mockExecutor) Execute(ctx context.Context, command string, timeout time.Duration) (*CommandResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executed = append(m.executed, command)
	if m.failOn[command] {
		return &CommandResult{Success: false, ExitCode: 1, Error: "simulated failure"}, nil
	}
	return &CommandResult{Success: true, ExitCode: 0, Output: "ok"}, nil
}

func (m *mockExecutor) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.executed...)
}

type mockPublisher struct {
	mu     sync.Mutex
	events []EventType
}

func (m *mockPublisher) PublishEvent(ctx context.Context, sessionID string, eventType EventType, stepNumber *int, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, eventType)
	return nil
}

func testEngine(t *testing.T) (*Engine, *mockStore, *mockExecutor) {
	t.Helper()
	store := newMockStore()
	exec := newMockExecutor()
	eng := New(store, exec, &mockPublisher{}, zerolog.Nop())
	return eng, store, exec
}

func fourStepParams() NewSessionParams {
	return NewSessionParams{
		TenantID:  "tenant-1",
		RunbookID: "rb-1",
		Steps: []StepSpec{
			{StepType: StepTypePrecheck, Command: "systemctl status nginx"},
			{StepType: StepTypePrecheck, Command: "df -h /var"},
			{StepType: StepTypeMain, Command: "systemctl restart nginx", RollbackCommand: "systemctl start nginx", RequiresApproval: true, BlastRadius: "service"},
			{StepType: StepTypePostcheck, Command: "curl -fsS localhost/health"},
		},
	}
}

func TestCreateSession_StepNumbering(t *testing.T) {
	eng, store, _ := testEngine(t)
	ctx := context.Background()

	session, steps, err := eng.CreateSession(ctx, fourStepParams())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if session.Status != SessionStatusPending {
		t.Errorf("expected pending, got %s", session.Status)
	}

	// Step numbers must be exactly 1..N with no gaps or repeats.
	got, err := store.GetSteps(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetSteps failed: %v", err)
	}
	if len(got) != len(steps) {
		t.Fatalf("expected %d steps, got %d", len(steps), len(got))
	}
	for i, st := range got {
		if st.StepNumber != i+1 {
			t.Errorf("step %d has number %d", i, st.StepNumber)
		}
		if st.Approved != TristateUnset || st.Success != TristateUnset {
			t.Errorf("step %d tri-states should start unset", st.StepNumber)
		}
	}
}

func TestCreateSession_EmptyRunbook(t *testing.T) {
	eng, _, _ := testEngine(t)
	_, _, err := eng.CreateSession(context.Background(), NewSessionParams{RunbookID: "rb-empty"})
	if !IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

// Scenario: 2 prechecks without approval, 1 main step requiring approval,
// 1 postcheck. Start halts at step 3; approving executes steps 3 and 4.
func TestStartExecution_ApprovalGate(t *testing.T) {
	eng, _, exec := testEngine(t)
	ctx := context.Background()

	session, _, err := eng.CreateSession(ctx, fourStepParams())
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	session, err = eng.StartExecution(ctx, session.ID)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if session.Status != SessionStatusWaitingApproval {
		t.Fatalf("expected waiting_approval, got %s", session.Status)
	}
	if session.ApprovalStepNumber == nil || *session.ApprovalStepNumber != 3 {
		t.Fatalf("expected approval_step_number=3, got %v", session.ApprovalStepNumber)
	}
	if got := len(exec.commands()); got != 2 {
		t.Fatalf("expected 2 commands executed before the gate, got %d", got)
	}

	session, err = eng.ApproveStep(ctx, session.ID, 3, true, "operator@example.com")
	if err != nil {
		t.Fatalf("ApproveStep failed: %v", err)
	}
	if session.Status != SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", session.Status)
	}
	cmds := exec.commands()
	if len(cmds) != 4 {
		t.Fatalf("expected 4 commands executed, got %d: %v", len(cmds), cmds)
	}
	if cmds[2] != "systemctl restart nginx" || cmds[3] != "curl -fsS localhost/health" {
		t.Errorf("steps 3 and 4 executed out of order: %v", cmds[2:])
	}
}

func TestApproveStep_SettableExactlyOnce(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()

	session, _, _ := eng.CreateSession(ctx, fourStepParams())
	if _, err := eng.StartExecution(ctx, session.ID); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if _, err := eng.ApproveStep(ctx, session.ID, 3, true, "first"); err != nil {
		t.Fatalf("first approval failed: %v", err)
	}
	_, err := eng.ApproveStep(ctx, session.ID, 3, true, "second")
	if !IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on re-approval, got %v", err)
	}
}

func TestApproveStep_Errors(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()
	session, _, _ := eng.CreateSession(ctx, fourStepParams())
	if _, err := eng.StartExecution(ctx, session.ID); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	if _, err := eng.ApproveStep(ctx, "no-such-session", 3, true, "x"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError for unknown session, got %v", err)
	}
	if _, err := eng.ApproveStep(ctx, session.ID, 99, true, "x"); !IsNotFound(err) {
		t.Errorf("expected NotFoundError for unknown step, got %v", err)
	}
	// Step 1 does not require approval.
	if _, err := eng.ApproveStep(ctx, session.ID, 1, true, "x"); !IsInvalidState(err) {
		t.Errorf("expected InvalidStateError for non-approval step, got %v", err)
	}
}

func TestApproveStep_Reject(t *testing.T) {
	eng, store, exec := testEngine(t)
	ctx := context.Background()
	session, _, _ := eng.CreateSession(ctx, fourStepParams())
	if _, err := eng.StartExecution(ctx, session.ID); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	session, err := eng.ApproveStep(ctx, session.ID, 3, false, "operator")
	if err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if session.Status != SessionStatusFailed {
		t.Fatalf("expected failed after rejection, got %s", session.Status)
	}
	// The gated command must not have run.
	for _, c := range exec.commands() {
		if c == "systemctl restart nginx" {
			t.Fatal("rejected step was executed")
		}
	}
	step, _ := store.GetStep(ctx, session.ID, 3)
	if step.Approved != TristateFalse {
		t.Errorf("expected approved=false, got %s", step.Approved)
	}
}

// Scenario: the main step fails. Every prior completed successful step's
// rollback command is invoked in reverse order before the session is
// externally failed.
func TestStepFailure_TriggersReverseRollback(t *testing.T) {
	eng, store, exec := testEngine(t)
	ctx := context.Background()

	session, _, err := eng.CreateSession(ctx, NewSessionParams{
		TenantID:  "tenant-1",
		RunbookID: "rb-2",
		Steps: []StepSpec{
			{StepType: StepTypePrecheck, Command: "step-1", RollbackCommand: "undo-1"},
			{StepType: StepTypeMain, Command: "step-2", RollbackCommand: "undo-2"},
			{StepType: StepTypeMain, Command: "step-3", RollbackCommand: "undo-3"},
			{StepType: StepTypePostcheck, Command: "step-4"},
		},
	})
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}

	exec.failOn["step-3"] = true
	session, err = eng.StartExecution(ctx, session.ID)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if session.Status != SessionStatusFailed {
		t.Fatalf("expected failed, got %s", session.Status)
	}

	cmds := exec.commands()
	// step-1, step-2, step-3 (fails), undo-2, undo-1. The failed step and
	// step-4 are never rolled back; failed steps have success=false.
	want := []string{"step-1", "step-2", "step-3", "undo-2", "undo-1"}
	if strings.Join(cmds, ",") != strings.Join(want, ",") {
		t.Fatalf("execution order mismatch:\n got %v\nwant %v", cmds, want)
	}

	step4, _ := store.GetStep(ctx, session.ID, 4)
	if step4.Completed {
		t.Error("step 4 should not have run after the failure")
	}
}

func TestRollback_IgnoresFailedRollbackSteps(t *testing.T) {
	eng, _, exec := testEngine(t)
	ctx := context.Background()

	session, _, _ := eng.CreateSession(ctx, NewSessionParams{
		TenantID:  "t",
		RunbookID: "rb",
		Steps: []StepSpec{
			{StepType: StepTypeMain, Command: "a", RollbackCommand: "undo-a"},
			{StepType: StepTypeMain, Command: "b", RollbackCommand: "undo-b"},
			{StepType: StepTypeMain, Command: "c"},
		},
	})

	exec.failOn["c"] = true
	exec.failOn["undo-b"] = true // rollback is best-effort: undo-a still runs

	session, err := eng.StartExecution(ctx, session.ID)
	if err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}
	if session.Status != SessionStatusFailed {
		t.Fatalf("expected failed, got %s", session.Status)
	}
	cmds := exec.commands()
	want := []string{"a", "b", "c", "undo-b", "undo-a"}
	if strings.Join(cmds, ",") != strings.Join(want, ",") {
		t.Fatalf("execution order mismatch:\n got %v\nwant %v", cmds, want)
	}
}

func TestPauseResume(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()
	session, _, _ := eng.CreateSession(ctx, fourStepParams())
	if _, err := eng.StartExecution(ctx, session.ID); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	session, err := eng.Pause(ctx, session.ID)
	if err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if session.Status != SessionStatusPaused {
		t.Fatalf("expected paused, got %s", session.Status)
	}

	// Resume lands back on the approval gate.
	session, err = eng.Resume(ctx, session.ID)
	if err != nil {
		t.Fatalf("Resume failed: %v", err)
	}
	if session.Status != SessionStatusWaitingApproval {
		t.Fatalf("expected waiting_approval after resume, got %s", session.Status)
	}
}

func TestRequestRollback(t *testing.T) {
	eng, _, _ := testEngine(t)
	ctx := context.Background()
	session, _, _ := eng.CreateSession(ctx, fourStepParams())
	if _, err := eng.StartExecution(ctx, session.ID); err != nil {
		t.Fatalf("StartExecution failed: %v", err)
	}

	session, err := eng.RequestRollback(ctx, session.ID)
	if err != nil {
		t.Fatalf("RequestRollback failed: %v", err)
	}
	if session.Status != SessionStatusRollbackRequested {
		t.Fatalf("expected rollback_requested, got %s", session.Status)
	}

	// Terminal sessions cannot request rollback.
	if _, err := eng.Abandon(ctx, session.ID); err != nil {
		t.Fatalf("Abandon failed: %v", err)
	}
	if _, err := eng.RequestRollback(ctx, session.ID); !IsInvalidState(err) {
		t.Fatalf("expected InvalidStateError on terminal session, got %v", err)
	}
}

// remoteRollbackRecorder records dispatched rollback requests.
type remoteRollbackRecorder struct {
	mu       sync.Mutex
	sessions []string
}

func (r *remoteRollbackRecorder) Rollback(ctx context.Context, sessionID, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, sessionID)
	return nil
}

func TestApplyStepResult_WorkerProjection(t *testing.T) {
	store := newMockStore()
	remote := &remoteRollbackRecorder{}
	eng := New(store, newMockExecutor(), &mockPublisher{}, zerolog.Nop(), WithRemoteRollback(remote))
	ctx := context.Background()

	session, _, _ := eng.CreateSession(ctx, NewSessionParams{
		TenantID:  "t",
		RunbookID: "rb",
		Steps: []StepSpec{
			{StepType: StepTypePrecheck, Command: "a"},
			{StepType: StepTypeMain, Command: "b", RollbackCommand: "undo-b"},
		},
	})

	if err := eng.ApplyStepResult(ctx, session.ID, 1, &CommandResult{Success: true, Output: "ok"}); err != nil {
		t.Fatalf("ApplyStepResult failed: %v", err)
	}
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != SessionStatusInProgress {
		t.Fatalf("expected in_progress, got %s", got.Status)
	}

	// Worker-reported failure dispatches a remote rollback and fails the session.
	if err := eng.ApplyStepResult(ctx, session.ID, 2, &CommandResult{Success: false, ExitCode: 1, Error: "boom"}); err != nil {
		t.Fatalf("ApplyStepResult failed: %v", err)
	}
	got, _ = store.GetSession(ctx, session.ID)
	if got.Status != SessionStatusFailed {
		t.Fatalf("expected failed, got %s", got.Status)
	}
	if len(remote.sessions) != 1 || remote.sessions[0] != session.ID {
		t.Fatalf("expected one remote rollback dispatch, got %v", remote.sessions)
	}
}

func TestApplyStepResult_CompletesOnLastStep(t *testing.T) {
	store := newMockStore()
	eng := New(store, newMockExecutor(), &mockPublisher{}, zerolog.Nop())
	ctx := context.Background()

	session, _, _ := eng.CreateSession(ctx, NewSessionParams{
		TenantID:  "t",
		RunbookID: "rb",
		Steps: []StepSpec{
			{StepType: StepTypeMain, Command: "a"},
			{StepType: StepTypePostcheck, Command: "b"},
		},
	})

	_ = eng.ApplyStepResult(ctx, session.ID, 1, &CommandResult{Success: true})
	_ = eng.ApplyStepResult(ctx, session.ID, 2, &CommandResult{Success: true})
	got, _ := store.GetSession(ctx, session.ID)
	if got.Status != SessionStatusCompleted {
		t.Fatalf("expected completed, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
}
