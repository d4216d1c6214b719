package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const ownerLockName = "frontier"

// ErrDatabaseBusy is returned when another process owns the frontier
var ErrDatabaseBusy = errors.New("database is in use by another crawlfrontier process")

// ClaimOwner takes or refreshes the frontier lock for owner until now+ttl.
// It fails with ErrDatabaseBusy while a different owner holds an unexpired
// lock.
func (s *SQLiteStorage) ClaimOwner(ctx context.Context, owner string, now time.Time, ttl time.Duration) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO owner_lock (name, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE owner_lock.owner = excluded.owner OR owner_lock.expires_at < ?
	`, ownerLockName, owner, toNanos(now.Add(ttl)), toNanos(now))
	if err != nil {
		return fmt.Errorf("failed to claim database: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to claim database: %w", err)
	}
	if n > 0 {
		return nil
	}

	var (
		holder  string
		expires int64
	)
	err = s.db.QueryRowContext(ctx,
		"SELECT owner, expires_at FROM owner_lock WHERE name = ?", ownerLockName,
	).Scan(&holder, &expires)
	if err == sql.ErrNoRows {
		return ErrDatabaseBusy
	}
	if err != nil {
		return fmt.Errorf("failed to read database owner: %w", err)
	}
	return fmt.Errorf("%w (owner %s, lock expires %s)", ErrDatabaseBusy, holder, fromNanos(expires).Format(time.RFC3339))
}

// ReleaseOwner drops the frontier lock if owner still holds it
func (s *SQLiteStorage) ReleaseOwner(ctx context.Context, owner string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM owner_lock WHERE name = ? AND owner = ?",
		ownerLockName, owner,
	)
	if err != nil {
		return fmt.Errorf("failed to release database: %w", err)
	}
	return nil
}
