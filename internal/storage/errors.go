package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

// RecordError inserts a failure record or increments an existing one
func (s *SQLiteStorage) RecordError(ctx context.Context, hash urlid.Hash, rawURL, reason string, at time.Time) (frontier.ErrorRecord, error) {
	rec := frontier.ErrorRecord{URLHash: hash, URL: rawURL, ReasonText: reason, LastAttempt: at}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO crawl_errors (url_hash, url, reason, failure_count, last_attempt)
		VALUES (?, ?, ?, 1, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			url = excluded.url,
			reason = excluded.reason,
			failure_count = crawl_errors.failure_count + 1,
			last_attempt = excluded.last_attempt
		RETURNING failure_count
	`, hash.String(), rawURL, reason, toNanos(at)).Scan(&rec.FailureCount)
	if err != nil {
		return frontier.ErrorRecord{}, fmt.Errorf("failed to record error for %s: %w", rawURL, err)
	}
	return rec, nil
}

// GetError returns the failure record of hash
func (s *SQLiteStorage) GetError(ctx context.Context, hash urlid.Hash) (frontier.ErrorRecord, bool, error) {
	rec := frontier.ErrorRecord{URLHash: hash}
	var last int64
	err := s.db.QueryRowContext(ctx,
		"SELECT url, reason, failure_count, last_attempt FROM crawl_errors WHERE url_hash = ?",
		hash.String(),
	).Scan(&rec.URL, &rec.ReasonText, &rec.FailureCount, &last)
	if err == sql.ErrNoRows {
		return frontier.ErrorRecord{}, false, nil
	}
	if err != nil {
		return frontier.ErrorRecord{}, false, fmt.Errorf("failed to get error record: %w", err)
	}
	rec.LastAttempt = fromNanos(last)
	return rec, true, nil
}

// DeleteError removes the failure record of hash
func (s *SQLiteStorage) DeleteError(ctx context.Context, hash urlid.Hash) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM crawl_errors WHERE url_hash = ?", hash.String()); err != nil {
		return fmt.Errorf("failed to delete error record: %w", err)
	}
	return nil
}

// ListErrors returns a page of failure records ordered by hash
func (s *SQLiteStorage) ListErrors(ctx context.Context, after string, limit int) ([]frontier.ErrorRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT url_hash, url, reason, failure_count, last_attempt
		FROM crawl_errors
		WHERE url_hash > ?
		ORDER BY url_hash
		LIMIT ?
	`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query error records: %w", err)
	}
	defer rows.Close()

	var records []frontier.ErrorRecord
	for rows.Next() {
		var (
			rec  frontier.ErrorRecord
			hash string
			last int64
		)
		if err := rows.Scan(&hash, &rec.URL, &rec.ReasonText, &rec.FailureCount, &last); err != nil {
			return nil, fmt.Errorf("failed to scan error record: %w", err)
		}
		if rec.URLHash, err = urlid.ParseHash(hash); err != nil {
			return nil, fmt.Errorf("error record %s: %w", rec.URL, err)
		}
		rec.LastAttempt = fromNanos(last)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read error records: %w", err)
	}
	return records, nil
}

// CountErrors returns the number of failure records
func (s *SQLiteStorage) CountErrors(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM crawl_errors").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count error records: %w", err)
	}
	return n, nil
}

// ClearErrors deletes every failure record and returns how many were removed
func (s *SQLiteStorage) ClearErrors(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM crawl_errors")
	if err != nil {
		return 0, fmt.Errorf("failed to clear error records: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to clear error records: %w", err)
	}
	return int(n), nil
}
