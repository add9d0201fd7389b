package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/stiwari2004/bot-sub000/pkg/engine"
)

// WorkerRecord is one registered worker in the control plane's registry.
type WorkerRecord struct {
	ID             string    `json:"id"`
	Capabilities   []string  `json:"capabilities"`
	NetworkSegment string    `json:"network_segment,omitempty"`
	MaxConcurrency int       `json:"max_concurrency"`
	CurrentLoad    int       `json:"current_load"`
	RegisteredAt   time.Time `json:"registered_at"`
	LastHeartbeat  time.Time `json:"last_heartbeat"`
}

// RegisterWorker creates or refreshes a worker's registration.
func (s *SQLiteStore) RegisterWorker(ctx context.Context, w *WorkerRecord) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, capabilities, network_segment, max_concurrency, current_load, registered_at, last_heartbeat)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			capabilities = excluded.capabilities,
			network_segment = excluded.network_segment,
			max_concurrency = excluded.max_concurrency,
			last_heartbeat = excluded.last_heartbeat
	`,
		w.ID,
		strings.Join(w.Capabilities, ","),
		w.NetworkSegment,
		w.MaxConcurrency,
		w.CurrentLoad,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	return nil
}

// HeartbeatWorker records a worker heartbeat with its current load.
func (s *SQLiteStore) HeartbeatWorker(ctx context.Context, workerID string, currentLoad int) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE workers SET current_load = ?, last_heartbeat = ? WHERE id = ?`,
		currentLoad, time.Now().UTC(), workerID)
	if err != nil {
		return fmt.Errorf("failed to record heartbeat: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return engine.NewNotFoundError("worker", workerID)
	}
	return nil
}

// GetWorker retrieves a worker by ID.
func (s *SQLiteStore) GetWorker(ctx context.Context, id string) (*WorkerRecord, error) {
	w := &WorkerRecord{}
	var capabilities string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capabilities, network_segment, max_concurrency, current_load, registered_at, last_heartbeat
		FROM workers WHERE id = ?
	`, id).Scan(
		&w.ID,
		&capabilities,
		&w.NetworkSegment,
		&w.MaxConcurrency,
		&w.CurrentLoad,
		&w.RegisteredAt,
		&w.LastHeartbeat,
	)
	if err == sql.ErrNoRows {
		return nil, engine.NewNotFoundError("worker", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}
	if capabilities != "" {
		w.Capabilities = strings.Split(capabilities, ",")
	}
	return w, nil
}

// ListWorkers lists all registered workers.
func (s *SQLiteStore) ListWorkers(ctx context.Context) ([]*WorkerRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capabilities, network_segment, max_concurrency, current_load, registered_at, last_heartbeat
		FROM workers ORDER BY registered_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	defer rows.Close()

	workers := []*WorkerRecord{}
	for rows.Next() {
		w := &WorkerRecord{}
		var capabilities string
		if err := rows.Scan(
			&w.ID,
			&capabilities,
			&w.NetworkSegment,
			&w.MaxConcurrency,
			&w.CurrentLoad,
			&w.RegisteredAt,
			&w.LastHeartbeat,
		); err != nil {
			return nil, fmt.Errorf("failed to scan worker: %w", err)
		}
		if capabilities != "" {
			w.Capabilities = strings.Split(capabilities, ",")
		}
		workers = append(workers, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workers: %w", err)
	}
	return workers, nil
}
