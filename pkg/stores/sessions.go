package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// CreateSession persists a session and all of its steps in one
// transaction.
func (s *SQLiteStore) CreateSession(ctx context.Context, session *engine.ExecutionSession, steps []*engine.ExecutionStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO sessions (
			id, tenant_id, runbook_id, ticket_id, status, current_step,
			waiting_for_approval, approval_step_number, sandbox_profile,
			transport_channel, last_event_seq, assignment_retry_count,
			started_at, completed_at, total_duration_minutes, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.ID,
		session.TenantID,
		session.RunbookID,
		session.TicketID,
		string(session.Status),
		session.CurrentStep,
		session.WaitingForApproval,
		session.ApprovalStepNumber,
		session.SandboxProfile,
		session.TransportChannel,
		session.LastEventSeq,
		session.AssignmentRetryCount,
		session.StartedAt,
		session.CompletedAt,
		session.TotalDurationMinutes,
		session.CreatedAt,
		session.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}

	for _, step := range steps {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO steps (
				id, session_id, step_number, step_type, command, rollback_command,
				requires_approval, approved, approved_by, approved_at,
				sandbox_profile, blast_radius, approval_policy,
				completed, success, output, error, completed_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			step.ID,
			step.SessionID,
			step.StepNumber,
			string(step.StepType),
			step.Command,
			step.RollbackCommand,
			step.RequiresApproval,
			string(step.Approved),
			step.ApprovedBy,
			step.ApprovedAt,
			step.SandboxProfile,
			step.BlastRadius,
			step.ApprovalPolicy,
			step.Completed,
			string(step.Success),
			step.Output,
			step.Error,
			step.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to create step %d: %w", step.StepNumber, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}

const sessionColumns = `
	id, tenant_id, runbook_id, ticket_id, status, current_step,
	waiting_for_approval, approval_step_number, sandbox_profile,
	transport_channel, last_event_seq, assignment_retry_count,
	started_at, completed_at, total_duration_minutes, created_at, updated_at
`

func scanSession(row interface{ Scan(...any) error }) (*engine.ExecutionSession, error) {
	session := &engine.ExecutionSession{}
	var status string
	var approvalStep sql.NullInt64
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&session.ID,
		&session.TenantID,
		&session.RunbookID,
		&session.TicketID,
		&status,
		&session.CurrentStep,
		&session.WaitingForApproval,
		&approvalStep,
		&session.SandboxProfile,
		&session.TransportChannel,
		&session.LastEventSeq,
		&session.AssignmentRetryCount,
		&startedAt,
		&completedAt,
		&session.TotalDurationMinutes,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	session.Status = engine.SessionStatus(status)
	if approvalStep.Valid {
		n := int(approvalStep.Int64)
		session.ApprovalStepNumber = &n
	}
	if startedAt.Valid {
		session.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		session.CompletedAt = &completedAt.Time
	}
	return session, nil
}

// GetSession retrieves a session by ID.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*engine.ExecutionSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("session", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// UpdateSession persists session mutations.
func (s *SQLiteStore) UpdateSession(ctx context.Context, session *engine.ExecutionSession) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET
			status = ?, current_step = ?, waiting_for_approval = ?,
			approval_step_number = ?, sandbox_profile = ?, transport_channel = ?,
			last_event_seq = ?, assignment_retry_count = ?,
			started_at = ?, completed_at = ?, total_duration_minutes = ?, updated_at = ?
		WHERE id = ?
	`,
		string(session.Status),
		session.CurrentStep,
		session.WaitingForApproval,
		session.ApprovalStepNumber,
		session.SandboxProfile,
		session.TransportChannel,
		session.LastEventSeq,
		session.AssignmentRetryCount,
		session.StartedAt,
		session.CompletedAt,
		session.TotalDurationMinutes,
		session.UpdatedAt,
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("session", session.ID)
	}
	return nil
}

// ListSessions lists sessions for a tenant, optionally filtered by
// status. An empty status matches every status.
func (s *SQLiteStore) ListSessions(ctx context.Context, tenantID string, status engine.SessionStatus, limit, offset int) ([]*engine.ExecutionSession, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE tenant_id = ?`
	args := []any{tenantID}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*engine.ExecutionSession{}
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return sessions, nil
}

const stepColumns = `
	id, session_id, step_number, step_type, command, rollback_command,
	requires_approval, approved, approved_by, approved_at,
	sandbox_profile, blast_radius, approval_policy,
	completed, success, output, error, completed_at
`

func scanStep(row interface{ Scan(...any) error }) (*engine.ExecutionStep, error) {
	step := &engine.ExecutionStep{}
	var stepType, approved, success string
	var approvedAt, completedAt sql.NullTime
	err := row.Scan(
		&step.ID,
		&step.SessionID,
		&step.StepNumber,
		&stepType,
		&step.Command,
		&step.RollbackCommand,
		&step.RequiresApproval,
		&approved,
		&step.ApprovedBy,
		&approvedAt,
		&step.SandboxProfile,
		&step.BlastRadius,
		&step.ApprovalPolicy,
		&step.Completed,
		&success,
		&step.Output,
		&step.Error,
		&completedAt,
	)
	if err != nil {
		return nil, err
	}
	step.StepType = engine.StepType(stepType)
	step.Approved = engine.Tristate(approved)
	step.Success = engine.Tristate(success)
	if approvedAt.Valid {
		step.ApprovedAt = &approvedAt.Time
	}
	if completedAt.Valid {
		step.CompletedAt = &completedAt.Time
	}
	return step, nil
}

// GetSteps retrieves all steps for a session ordered by step number.
func (s *SQLiteStore) GetSteps(ctx context.Context, sessionID string) ([]*engine.ExecutionStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ? ORDER BY step_number ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get steps: %w", err)
	}
	defer rows.Close()

	steps := []*engine.ExecutionStep{}
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan step: %w", err)
		}
		steps = append(steps, step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating steps: %w", err)
	}
	return steps, nil
}

// GetStep retrieves a single step by session and step number.
func (s *SQLiteStore) GetStep(ctx context.Context, sessionID string, stepNumber int) (*engine.ExecutionStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM steps WHERE session_id = ? AND step_number = ?`, sessionID, stepNumber)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("step", fmt.Sprintf("%s/%d", sessionID, stepNumber))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	return step, nil
}

// UpdateStep persists step mutations.
func (s *SQLiteStore) UpdateStep(ctx context.Context, step *engine.ExecutionStep) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE steps SET
			command = ?, approved = ?, approved_by = ?, approved_at = ?,
			completed = ?, success = ?, output = ?, error = ?, completed_at = ?
		WHERE id = ?
	`,
		step.Command,
		string(step.Approved),
		step.ApprovedBy,
		step.ApprovedAt,
		step.Completed,
		string(step.Success),
		step.Output,
		step.Error,
		step.CompletedAt,
		step.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("step", step.ID)
	}
	return nil
}

// CreateAssignment persists a new worker assignment.
func (s *SQLiteStore) CreateAssignment(ctx context.Context, assignment *engine.AgentWorkerAssignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO assignments (id, session_id, status, attempt, worker_id, details, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		assignment.ID,
		assignment.SessionID,
		string(assignment.Status),
		assignment.Attempt,
		assignment.WorkerID,
		string(assignment.Details),
		assignment.CreatedAt,
		assignment.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create assignment: %w", err)
	}
	return nil
}

// GetLatestAssignment retrieves the most recent assignment for a session.
func (s *SQLiteStore) GetLatestAssignment(ctx context.Context, sessionID string) (*engine.AgentWorkerAssignment, error) {
	assignment := &engine.AgentWorkerAssignment{}
	var status, details string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, status, attempt, worker_id, details, created_at, updated_at
		FROM assignments
		WHERE session_id = ?
		ORDER BY created_at DESC, attempt DESC
		LIMIT 1
	`, sessionID).Scan(
		&assignment.ID,
		&assignment.SessionID,
		&status,
		&assignment.Attempt,
		&assignment.WorkerID,
		&details,
		&assignment.CreatedAt,
		&assignment.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("assignment", sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get assignment: %w", err)
	}
	assignment.Status = engine.AssignmentStatus(status)
	if details != "" {
		assignment.Details = []byte(details)
	}
	return assignment, nil
}

// UpdateAssignment persists assignment mutations.
func (s *SQLiteStore) UpdateAssignment(ctx context.Context, assignment *engine.AgentWorkerAssignment) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE assignments SET status = ?, attempt = ?, worker_id = ?, details = ?, updated_at = ?
		WHERE id = ?
	`,
		string(assignment.Status),
		assignment.Attempt,
		assignment.WorkerID,
		string(assignment.Details),
		assignment.UpdatedAt,
		assignment.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update assignment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("assignment", assignment.ID)
	}
	return nil
}

// AppendEvent appends an event to the session's log and fills in the
// assigned event ID.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *engine.ExecutionEvent) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (session_id, step_number, event_type, payload, stream_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		event.SessionID,
		event.StepNumber,
		string(event.EventType),
		string(event.Payload),
		event.StreamID,
		event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	event.ID = id
	return nil
}

// ListEventsSince lists a session's events with an ID greater than
// afterID, in append order.
func (s *SQLiteStore) ListEventsSince(ctx context.Context, sessionID string, afterID int64, limit int) ([]*engine.ExecutionEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, step_number, event_type, payload, stream_id, created_at
		FROM events
		WHERE session_id = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, sessionID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	events := []*engine.ExecutionEvent{}
	for rows.Next() {
		event := &engine.ExecutionEvent{}
		var eventType, payload string
		var stepNumber sql.NullInt64
		if err := rows.Scan(
			&event.ID,
			&event.SessionID,
			&stepNumber,
			&eventType,
			&payload,
			&event.StreamID,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		event.EventType = engine.EventType(eventType)
		if payload != "" {
			event.Payload = []byte(payload)
		}
		if stepNumber.Valid {
			n := int(stepNumber.Int64)
			event.StepNumber = &n
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return events, nil
}

// ListStalePendingAssignments returns each session's latest assignment
// when it is still pending and was published before the cutoff. Used by
// the redelivery sweep to find assignments no worker ever acknowledged.
func (s *SQLiteStore) ListStalePendingAssignments(ctx context.Context, cutoff time.Time, limit int) ([]*engine.AgentWorkerAssignment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.session_id, a.status, a.attempt, a.worker_id, a.details, a.created_at, a.updated_at
		FROM assignments a
		JOIN (
			SELECT session_id, MAX(created_at) AS latest_at
			FROM assignments
			GROUP BY session_id
		) latest ON a.session_id = latest.session_id AND a.created_at = latest.latest_at
		WHERE a.status = ? AND a.created_at < ?
		ORDER BY a.created_at
		LIMIT ?
	`, string(engine.AssignmentStatusPending), cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*engine.AgentWorkerAssignment
	for rows.Next() {
		assignment := &engine.AgentWorkerAssignment{}
		var status, details string
		if err := rows.Scan(
			&assignment.ID,
			&assignment.SessionID,
			&status,
			&assignment.Attempt,
			&assignment.WorkerID,
			&details,
			&assignment.CreatedAt,
			&assignment.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}
		assignment.Status = engine.AssignmentStatus(status)
		if details != "" {
			assignment.Details = []byte(details)
		}
		assignments = append(assignments, assignment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating assignments: %w", err)
	}
	return assignments, nil
}
