package stores

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// StreamMessage is one entry in a durable ordered stream. IDs are
// monotonic per database and strictly increasing within a stream.
type StreamMessage struct {
	ID        int64     `json:"id"`
	Stream    string    `json:"stream"`
	Key       string    `json:"key,omitempty"`
	Payload   []byte    `json:"payload"`
	CreatedAt time.Time `json:"created_at"`
}

// AppendMessage appends a message to a stream and returns its assigned
// ID. A non-empty key dedupes: appending the same key to the same stream
// again returns the original message's ID without a second append.
func (s *SQLiteStore) AppendMessage(ctx context.Context, stream, key string, payload []byte) (int64, error) {
	now := time.Now().UTC()

	var keyArg any
	if key != "" {
		keyArg = key
	}
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_messages (stream, message_key, payload, created_at)
		VALUES (?, ?, ?, ?)
	`, stream, keyArg, string(payload), now)
	if err != nil {
		if key != "" && isUniqueViolation(err) {
			var existingID int64
			lookupErr := s.db.QueryRowContext(ctx,
				`SELECT id FROM stream_messages WHERE stream = ? AND message_key = ?`,
				stream, key,
			).Scan(&existingID)
			if lookupErr != nil {
				return 0, fmt.Errorf("failed to look up duplicate message: %w", lookupErr)
			}
			return existingID, nil
		}
		return 0, fmt.Errorf("failed to append message: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get message id: %w", err)
	}
	return id, nil
}

// isUniqueViolation detects SQLite unique-constraint failures.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// FetchMessages returns up to limit messages from a stream with an ID
// greater than afterID, in append order.
func (s *SQLiteStore) FetchMessages(ctx context.Context, stream string, afterID int64, limit int) ([]*StreamMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stream, message_key, payload, created_at
		FROM stream_messages
		WHERE stream = ? AND id > ?
		ORDER BY id ASC
		LIMIT ?
	`, stream, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages := []*StreamMessage{}
	for rows.Next() {
		msg := &StreamMessage{}
		var key sql.NullString
		var payload string
		if err := rows.Scan(&msg.ID, &msg.Stream, &key, &payload, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.Key = key.String
		msg.Payload = []byte(payload)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// GetCursor returns a consumer's position in a stream, zero when the
// consumer has never committed.
func (s *SQLiteStore) GetCursor(ctx context.Context, stream, consumer string) (int64, error) {
	var position int64
	err := s.db.QueryRowContext(ctx,
		`SELECT position FROM stream_cursors WHERE stream = ? AND consumer = ?`,
		stream, consumer,
	).Scan(&position)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get cursor: %w", err)
	}
	return position, nil
}

// SetCursor commits a consumer's position in a stream.
func (s *SQLiteStore) SetCursor(ctx context.Context, stream, consumer string, position int64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO stream_cursors (stream, consumer, position, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(stream, consumer) DO UPDATE SET position = excluded.position,
			updated_at = excluded.updated_at
	`, stream, consumer, position, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to set cursor: %w", err)
	}
	return nil
}
