package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

// MarkSeen inserts or refreshes a seen record
func (s *SQLiteStorage) MarkSeen(ctx context.Context, rec frontier.SeenRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO seen (url_hash, url, reason, seen_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			url = excluded.url,
			reason = excluded.reason,
			seen_at = excluded.seen_at
	`, rec.URLHash.String(), rec.URL, string(rec.Reason), toNanos(rec.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to mark seen %s: %w", rec.URL, err)
	}
	return nil
}

// GetSeen returns the seen record of hash
func (s *SQLiteStorage) GetSeen(ctx context.Context, hash urlid.Hash) (frontier.SeenRecord, bool, error) {
	var (
		rec    frontier.SeenRecord
		reason string
		seenAt int64
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT url, reason, seen_at FROM seen WHERE url_hash = ?", hash.String(),
	).Scan(&rec.URL, &reason, &seenAt)
	if err == sql.ErrNoRows {
		return frontier.SeenRecord{}, false, nil
	}
	if err != nil {
		return frontier.SeenRecord{}, false, fmt.Errorf("failed to get seen record: %w", err)
	}
	rec.URLHash = hash
	rec.Reason = frontier.SeenReason(reason)
	rec.Timestamp = fromNanos(seenAt)
	return rec, true, nil
}

// UnmarkSeen deletes the seen record of hash
func (s *SQLiteStorage) UnmarkSeen(ctx context.Context, hash urlid.Hash) (bool, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM seen WHERE url_hash = ?", hash.String())
	if err != nil {
		return false, fmt.Errorf("failed to unmark seen: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to unmark seen: %w", err)
	}
	return n > 0, nil
}

// ListSeen returns a page of seen records ordered by hash
func (s *SQLiteStorage) ListSeen(ctx context.Context, f frontier.SeenFilter) ([]frontier.SeenRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT url_hash, url, reason, seen_at
		FROM seen
		WHERE url_hash > ? AND (? = '' OR reason = ?)
		ORDER BY url_hash
		LIMIT ?
	`, f.After, string(f.Reason), string(f.Reason), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query seen records: %w", err)
	}
	defer rows.Close()

	var records []frontier.SeenRecord
	for rows.Next() {
		var (
			rec          frontier.SeenRecord
			hash, reason string
			seenAt       int64
		)
		if err := rows.Scan(&hash, &rec.URL, &reason, &seenAt); err != nil {
			return nil, fmt.Errorf("failed to scan seen record: %w", err)
		}
		if rec.URLHash, err = urlid.ParseHash(hash); err != nil {
			return nil, fmt.Errorf("seen record %s: %w", rec.URL, err)
		}
		rec.Reason = frontier.SeenReason(reason)
		rec.Timestamp = fromNanos(seenAt)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read seen records: %w", err)
	}
	return records, nil
}

// CountSeen returns the number of seen records
func (s *SQLiteStorage) CountSeen(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM seen").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count seen records: %w", err)
	}
	return n, nil
}

// EachSeenHash calls fn for every seen hash
func (s *SQLiteStorage) EachSeenHash(ctx context.Context, fn func(urlid.Hash) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT url_hash FROM seen")
	if err != nil {
		return fmt.Errorf("failed to query seen hashes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var encoded string
		if err := rows.Scan(&encoded); err != nil {
			return fmt.Errorf("failed to scan seen hash: %w", err)
		}
		h, err := urlid.ParseHash(encoded)
		if err != nil {
			return err
		}
		if err := fn(h); err != nil {
			return err
		}
	}
	return rows.Err()
}
