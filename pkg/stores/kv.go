package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// SetNX atomically claims the key if it is absent or expired. Returns
// whether the claim succeeded and, when it did not, the existing value.
// Implements the idempotency manager's KV contract.
func (s *SQLiteStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, string, error) {
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var existing string
	var expiresAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT value, expires_at FROM idempotency_keys WHERE key = ?`, key,
	).Scan(&existing, &expiresAt)
	switch {
	case err == sql.ErrNoRows:
		// Fall through to claim.
	case err != nil:
		return false, "", fmt.Errorf("failed to read key: %w", err)
	case now.Before(expiresAt):
		return false, existing, nil
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
			expires_at = excluded.expires_at, created_at = excluded.created_at
	`, key, value, now.Add(ttl), now)
	if err != nil {
		return false, "", fmt.Errorf("failed to claim key: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, "", fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, "", nil
}

// Set stores the value unconditionally with the given TTL.
func (s *SQLiteStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, value, expires_at, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, key, value, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("failed to set key: %w", err)
	}
	return nil
}

// Delete removes the key. Deleting an absent key is not an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete key: %w", err)
	}
	return nil
}

// PruneExpiredKeys removes keys past their expiry. Returns the number of
// keys removed.
func (s *SQLiteStore) PruneExpiredKeys(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < ?`, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune keys: %w", err)
	}
	return result.RowsAffected()
}
