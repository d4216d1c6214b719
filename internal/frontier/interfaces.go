package frontier

import (
	"context"
	"net/url"
	"time"

	"github.com/masahif/crawlfrontier/internal/urlid"
)

// BlacklistCrawler is the blacklist category consulted during admission
const BlacklistCrawler = "crawler"

// Blacklist decides whether a URL is listed in a category
type Blacklist interface {
	IsBlacklisted(u *url.URL, category string) bool
}

// RobotsPolicy decides whether a user agent may fetch a URL. Implementations
// used during admission must answer from cached rules without network I/O.
type RobotsPolicy interface {
	IsAllowed(ctx context.Context, u *url.URL, userAgent string) bool
}

// CrawlDelayer reports a host-requested minimum delay between fetches
type CrawlDelayer interface {
	CrawlDelay(host string) time.Duration
}

// ProfileStore persists crawl profiles
type ProfileStore interface {
	SaveProfile(ctx context.Context, p *Profile) error
	DeleteProfile(ctx context.Context, handle string) error
	LoadProfiles(ctx context.Context) ([]*Profile, error)
}

// QueueJournal persists queue entries so a restart resumes the frontier
type QueueJournal interface {
	SaveEntry(ctx context.Context, e QueueEntry) error
	DeleteEntry(ctx context.Context, hash urlid.Hash) error
	LoadEntries(ctx context.Context) ([]QueueEntry, error)
}

// SeenFilter selects seen records for paged listing
type SeenFilter struct {
	After  string     // Return hashes strictly greater than this encoded hash
	Reason SeenReason // Empty matches every reason
	Limit  int
}

// SeenStore persists seen tombstones
type SeenStore interface {
	MarkSeen(ctx context.Context, rec SeenRecord) error
	GetSeen(ctx context.Context, hash urlid.Hash) (SeenRecord, bool, error)
	UnmarkSeen(ctx context.Context, hash urlid.Hash) (bool, error)
	ListSeen(ctx context.Context, filter SeenFilter) ([]SeenRecord, error)
	CountSeen(ctx context.Context) (int, error)
	EachSeenHash(ctx context.Context, fn func(urlid.Hash) error) error
}

// ErrorStore persists failure records
type ErrorStore interface {
	// RecordError inserts or increments the failure record and returns the updated record
	RecordError(ctx context.Context, hash urlid.Hash, rawURL, reason string, at time.Time) (ErrorRecord, error)
	GetError(ctx context.Context, hash urlid.Hash) (ErrorRecord, bool, error)
	DeleteError(ctx context.Context, hash urlid.Hash) error
	ListErrors(ctx context.Context, after string, limit int) ([]ErrorRecord, error)
	CountErrors(ctx context.Context) (int, error)
	ClearErrors(ctx context.Context) (int, error)
}

// TombstoneStore backs a SeenSet. Unmarking a URL also clears its failure
// record so a forced retry starts with the full retry budget.
type TombstoneStore interface {
	SeenStore
	DeleteError(ctx context.Context, hash urlid.Hash) error
}

// CounterStore persists domain counters
type CounterStore interface {
	SaveAcceptedCount(ctx context.Context, c AcceptedCount) error
	SaveNextAllowed(ctx context.Context, host string, at time.Time) error
	LoadAcceptedCounts(ctx context.Context) ([]AcceptedCount, error)
	LoadNextAllowed(ctx context.Context) (map[string]time.Time, error)
}

// MetaStore persists small key/value settings such as the pause flag
type MetaStore interface {
	GetMeta(ctx context.Context, key string) (string, error)
	SetMeta(ctx context.Context, key, value string) error
}

// Store aggregates every persistence concern of the frontier
type Store interface {
	ProfileStore
	QueueJournal
	SeenStore
	ErrorStore
	CounterStore
	MetaStore
	Close() error
}
