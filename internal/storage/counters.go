package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
)

// SaveAcceptedCount stores the accepted page count of a (profile, host) pair
func (s *SQLiteStorage) SaveAcceptedCount(ctx context.Context, c frontier.AcceptedCount) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_counts (profile_handle, host, accepted_count)
		VALUES (?, ?, ?)
		ON CONFLICT(profile_handle, host) DO UPDATE SET
			accepted_count = excluded.accepted_count
	`, c.ProfileHandle, c.Host, c.Count)
	if err != nil {
		return fmt.Errorf("failed to save accepted count for %s: %w", c.Host, err)
	}
	return nil
}

// SaveNextAllowed stores the next allowed fetch time of host
func (s *SQLiteStorage) SaveNextAllowed(ctx context.Context, host string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO host_schedule (host, next_allowed_at)
		VALUES (?, ?)
		ON CONFLICT(host) DO UPDATE SET
			next_allowed_at = excluded.next_allowed_at
	`, host, toNanos(at))
	if err != nil {
		return fmt.Errorf("failed to save host schedule for %s: %w", host, err)
	}
	return nil
}

// LoadAcceptedCounts returns every stored accepted count
func (s *SQLiteStorage) LoadAcceptedCounts(ctx context.Context) ([]frontier.AcceptedCount, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT profile_handle, host, accepted_count FROM domain_counts ORDER BY host, profile_handle")
	if err != nil {
		return nil, fmt.Errorf("failed to query accepted counts: %w", err)
	}
	defer rows.Close()

	var counts []frontier.AcceptedCount
	for rows.Next() {
		var c frontier.AcceptedCount
		if err := rows.Scan(&c.ProfileHandle, &c.Host, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan accepted count: %w", err)
		}
		counts = append(counts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read accepted counts: %w", err)
	}
	return counts, nil
}

// LoadNextAllowed returns the stored schedule of every host
func (s *SQLiteStorage) LoadNextAllowed(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT host, next_allowed_at FROM host_schedule")
	if err != nil {
		return nil, fmt.Errorf("failed to query host schedules: %w", err)
	}
	defer rows.Close()

	schedules := make(map[string]time.Time)
	for rows.Next() {
		var (
			host string
			at   int64
		)
		if err := rows.Scan(&host, &at); err != nil {
			return nil, fmt.Errorf("failed to scan host schedule: %w", err)
		}
		schedules[host] = fromNanos(at)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read host schedules: %w", err)
	}
	return schedules, nil
}

// ResetDomainCounts deletes the accepted counts of a profile
func (s *SQLiteStorage) ResetDomainCounts(ctx context.Context, profile string) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM domain_counts WHERE profile_handle = ?", profile)
	if err != nil {
		return 0, fmt.Errorf("failed to reset domain counts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to reset domain counts: %w", err)
	}
	return int(n), nil
}
