package frontier

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"

	"github.com/masahif/crawlfrontier/internal/urlid"
)

const (
	lockStripes       = 1024
	bloomFalsePosRate = 0.001
)

// SeenSet answers membership questions for tombstoned URLs. A bloom filter
// in front of the store skips the lookup for URLs that were never seen.
type SeenSet struct {
	store  TombstoneStore
	logger *slog.Logger
	now    func() time.Time

	filterMu sync.RWMutex
	filter   *bloom.BloomFilter

	stripes [lockStripes]sync.Mutex
}

// NewSeenSet creates a seen set sized for roughly expected entries
func NewSeenSet(store TombstoneStore, expected uint, logger *slog.Logger) *SeenSet {
	if expected == 0 {
		expected = 1_000_000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SeenSet{
		store:  store,
		logger: logger,
		now:    time.Now,
		filter: bloom.NewWithEstimates(expected, bloomFalsePosRate),
	}
}

// Load fills the bloom filter from the store
func (s *SeenSet) Load(ctx context.Context) error {
	n := 0
	s.filterMu.Lock()
	defer s.filterMu.Unlock()
	err := s.store.EachSeenHash(ctx, func(h urlid.Hash) error {
		s.filter.Add(h[:])
		n++
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to load seen hashes: %w", err)
	}
	s.logger.Debug("Seen filter loaded", "entries", n)
	return nil
}

// WithLock runs fn while holding the lock stripe of hash. Admission and
// outcome handling for one URL are serialized through it.
func (s *SeenSet) WithLock(hash urlid.Hash, fn func() error) error {
	m := &s.stripes[binary.BigEndian.Uint16(hash[:2])%lockStripes]
	m.Lock()
	defer m.Unlock()
	return fn()
}

func (s *SeenSet) mightContain(hash urlid.Hash) bool {
	s.filterMu.RLock()
	defer s.filterMu.RUnlock()
	return s.filter.Test(hash[:])
}

// Lookup returns the seen record of hash
func (s *SeenSet) Lookup(ctx context.Context, hash urlid.Hash) (SeenRecord, bool, error) {
	if !s.mightContain(hash) {
		return SeenRecord{}, false, nil
	}
	return s.store.GetSeen(ctx, hash)
}

// IsSeen reports whether hash is tombstoned
func (s *SeenSet) IsSeen(ctx context.Context, hash urlid.Hash) (bool, error) {
	_, ok, err := s.Lookup(ctx, hash)
	return ok, err
}

// Mark tombstones a URL. The record is durable when Mark returns.
func (s *SeenSet) Mark(ctx context.Context, hash urlid.Hash, rawURL string, reason SeenReason) error {
	if !reason.Valid() {
		return fmt.Errorf("invalid seen reason %q", reason)
	}
	rec := SeenRecord{URLHash: hash, URL: rawURL, Reason: reason, Timestamp: s.now().UTC()}
	if err := s.store.MarkSeen(ctx, rec); err != nil {
		return fmt.Errorf("failed to mark seen: %w", err)
	}

	s.filterMu.Lock()
	s.filter.Add(hash[:])
	s.filterMu.Unlock()
	return nil
}

// Unmark removes the tombstone of hash so the URL can be admitted again.
// The failure record goes with it.
func (s *SeenSet) Unmark(ctx context.Context, hash urlid.Hash) (bool, error) {
	var removed bool
	err := s.WithLock(hash, func() error {
		var err error
		if removed, err = s.store.UnmarkSeen(ctx, hash); err != nil || !removed {
			return err
		}
		return s.store.DeleteError(ctx, hash)
	})
	if err != nil {
		return false, fmt.Errorf("failed to unmark seen: %w", err)
	}
	if removed {
		s.logger.Info("Seen record removed", "url_hash", hash.String())
	}
	return removed, nil
}

// List returns a page of seen records
func (s *SeenSet) List(ctx context.Context, filter SeenFilter) ([]SeenRecord, error) {
	return s.store.ListSeen(ctx, filter)
}

// Count returns the number of seen records
func (s *SeenSet) Count(ctx context.Context) (int, error) {
	return s.store.CountSeen(ctx)
}
