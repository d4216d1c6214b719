package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

const queueColumns = `url_hash, url, referrer_hash, profile_handle, initiator_id, depth,
	appeared_at, anchor_text, state, delay_ns, lease_until, attempts`

// SaveEntry inserts or replaces a queue journal entry
func (s *SQLiteStorage) SaveEntry(ctx context.Context, e frontier.QueueEntry) error {
	r := e.Request
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO queue (`+queueColumns+`, host)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url_hash) DO UPDATE SET
			state = excluded.state,
			delay_ns = excluded.delay_ns,
			lease_until = excluded.lease_until,
			attempts = excluded.attempts
	`,
		r.URLHash.String(),
		r.URL,
		r.ReferrerHash.String(),
		r.ProfileHandle,
		r.InitiatorID,
		r.Depth,
		toNanos(r.AppearedAt),
		r.AnchorText,
		string(e.State),
		int64(e.Delay),
		toNanos(e.LeaseUntil),
		e.Attempts,
		r.Host(),
	)
	if err != nil {
		return fmt.Errorf("failed to save queue entry %s: %w", r.URL, err)
	}
	return nil
}

// DeleteEntry removes a queue journal entry
func (s *SQLiteStorage) DeleteEntry(ctx context.Context, hash urlid.Hash) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM queue WHERE url_hash = ?", hash.String()); err != nil {
		return fmt.Errorf("failed to delete queue entry: %w", err)
	}
	return nil
}

// LoadEntries returns every journaled entry in priority order
func (s *SQLiteStorage) LoadEntries(ctx context.Context) ([]frontier.QueueEntry, error) {
	return s.queryEntries(ctx, `
		SELECT `+queueColumns+`
		FROM queue
		ORDER BY depth, appeared_at, url_hash
	`)
}

// QueueFilter selects journal entries for paged listing
type QueueFilter struct {
	After   string // Return entries whose encoded hash sorts after this one
	Host    string
	Profile string
	State   frontier.RequestState
	Limit   int
	// ByPriority orders by depth and age, the order the queue hands
	// requests out in, instead of by hash
	ByPriority bool
}

// ListEntries returns a page of journal entries ordered by hash, or by
// priority when the filter asks for it
func (s *SQLiteStorage) ListEntries(ctx context.Context, f QueueFilter) ([]frontier.QueueEntry, error) {
	var (
		where []string
		args  []any
	)
	where = append(where, "url_hash > ?")
	args = append(args, f.After)
	if f.Host != "" {
		where = append(where, "host = ?")
		args = append(args, f.Host)
	}
	if f.Profile != "" {
		where = append(where, "profile_handle = ?")
		args = append(args, f.Profile)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)

	order := "url_hash"
	if f.ByPriority {
		order = "depth, appeared_at, url_hash"
	}
	return s.queryEntries(ctx, `
		SELECT `+queueColumns+`
		FROM queue
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY `+order+`
		LIMIT ?
	`, args...)
}

// CountEntriesByProfile returns the number of journal entries per profile
func (s *SQLiteStorage) CountEntriesByProfile(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT profile_handle, COUNT(*)
		FROM queue
		GROUP BY profile_handle
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to count queue entries by profile: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var (
			handle string
			n      int
		)
		if err := rows.Scan(&handle, &n); err != nil {
			return nil, fmt.Errorf("failed to scan profile count: %w", err)
		}
		counts[handle] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read profile counts: %w", err)
	}
	return counts, nil
}

// CountEntries returns queued and dequeued entry counts
func (s *SQLiteStorage) CountEntries(ctx context.Context) (queued, dequeued int, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN state = 'queued' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN state = 'dequeued' THEN 1 ELSE 0 END), 0)
		FROM queue
	`).Scan(&queued, &dequeued)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to count queue entries: %w", err)
	}
	return queued, dequeued, nil
}

// QueueHosts returns per-host queue counts from the journal, busiest first
func (s *SQLiteStorage) QueueHosts(ctx context.Context, limit int) ([]frontier.HostStat, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT q.host, q.queued, q.in_flight, COALESCE(h.next_allowed_at, 0)
		FROM queue_hosts q
		LEFT JOIN host_schedule h ON h.host = q.host
		ORDER BY q.queued DESC, q.host
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue hosts: %w", err)
	}
	defer rows.Close()

	var stats []frontier.HostStat
	for rows.Next() {
		var (
			st   frontier.HostStat
			next int64
		)
		if err := rows.Scan(&st.Host, &st.Queued, &st.InFlight, &next); err != nil {
			return nil, fmt.Errorf("failed to scan queue host: %w", err)
		}
		st.NextAllowedTime = fromNanos(next)
		stats = append(stats, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue hosts: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStorage) queryEntries(ctx context.Context, query string, args ...any) ([]frontier.QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query queue: %w", err)
	}
	defer rows.Close()

	var entries []frontier.QueueEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (frontier.QueueEntry, error) {
	var (
		e                        frontier.QueueEntry
		hash, referrer, state    string
		appearedAt, delay, lease int64
	)
	if err := rows.Scan(
		&hash,
		&e.Request.URL,
		&referrer,
		&e.Request.ProfileHandle,
		&e.Request.InitiatorID,
		&e.Request.Depth,
		&appearedAt,
		&e.Request.AnchorText,
		&state,
		&delay,
		&lease,
		&e.Attempts,
	); err != nil {
		return e, fmt.Errorf("failed to scan queue entry: %w", err)
	}

	var err error
	if e.Request.URLHash, err = urlid.ParseHash(hash); err != nil {
		return e, fmt.Errorf("queue entry %s: %w", e.Request.URL, err)
	}
	if e.Request.ReferrerHash, err = urlid.ParseHash(referrer); err != nil {
		return e, fmt.Errorf("queue entry %s: %w", e.Request.URL, err)
	}
	e.Request.AppearedAt = fromNanos(appearedAt)
	e.State = frontier.RequestState(state)
	e.Delay = time.Duration(delay)
	e.LeaseUntil = fromNanos(lease)
	return e, nil
}
