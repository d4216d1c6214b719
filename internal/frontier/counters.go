package frontier

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type counterKey struct {
	profile string
	host    string
}

// DomainCounters tracks per-host accepted counts and the earliest time each
// host may be fetched again.
//
// Admission state and schedule state are guarded separately: Admit holds a
// per-host lock across the quota check and the enqueue, while the queue
// updates schedules under its own lock. Lock order is admission lock, queue
// lock, schedule lock.
type DomainCounters struct {
	mu       sync.Mutex
	accepted map[counterKey]int
	admit    map[string]*sync.Mutex

	schedMu sync.Mutex
	next    map[string]time.Time

	store  CounterStore
	logger *slog.Logger
}

// NewDomainCounters creates counters persisted through store
func NewDomainCounters(store CounterStore, logger *slog.Logger) *DomainCounters {
	if logger == nil {
		logger = slog.Default()
	}
	return &DomainCounters{
		accepted: make(map[counterKey]int),
		admit:    make(map[string]*sync.Mutex),
		next:     make(map[string]time.Time),
		store:    store,
		logger:   logger,
	}
}

// Load restores persisted counters
func (c *DomainCounters) Load(ctx context.Context) error {
	counts, err := c.store.LoadAcceptedCounts(ctx)
	if err != nil {
		return fmt.Errorf("failed to load accepted counts: %w", err)
	}
	schedules, err := c.store.LoadNextAllowed(ctx)
	if err != nil {
		return fmt.Errorf("failed to load host schedules: %w", err)
	}

	c.mu.Lock()
	for _, ac := range counts {
		c.accepted[counterKey{ac.ProfileHandle, ac.Host}] = ac.Count
	}
	c.mu.Unlock()

	c.schedMu.Lock()
	for host, at := range schedules {
		c.next[host] = at
	}
	c.schedMu.Unlock()

	c.logger.Debug("Domain counters loaded", "counts", len(counts), "schedules", len(schedules))
	return nil
}

func (c *DomainCounters) admitLock(host string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.admit[host]
	if !ok {
		m = &sync.Mutex{}
		c.admit[host] = m
	}
	return m
}

// AcceptedCount returns the pages accepted for host across all profiles
func (c *DomainCounters) AcceptedCount(host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := 0
	for k, n := range c.accepted {
		if k.host == host {
			total += n
		}
	}
	return total
}

// ProfileAcceptedCount returns the pages profile accepted for host
func (c *DomainCounters) ProfileAcceptedCount(profile, host string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accepted[counterKey{profile, host}]
}

// IncrementAccepted adds one accepted page for (profile, host)
func (c *DomainCounters) IncrementAccepted(ctx context.Context, profile, host string) error {
	c.mu.Lock()
	key := counterKey{profile, host}
	n := c.accepted[key] + 1
	c.mu.Unlock()

	if err := c.store.SaveAcceptedCount(ctx, AcceptedCount{ProfileHandle: profile, Host: host, Count: n}); err != nil {
		return fmt.Errorf("failed to save accepted count: %w", err)
	}

	c.mu.Lock()
	c.accepted[key] = n
	c.mu.Unlock()
	return nil
}

// Admit runs enqueue under the per-host admission lock when the host is below
// limit for profile, and increments the count if enqueue reports success.
// A limit of zero or less is unlimited. The returned bool is false when the
// quota was already exhausted.
func (c *DomainCounters) Admit(ctx context.Context, profile, host string, limit int, enqueue func() (bool, error)) (withinQuota bool, err error) {
	lock := c.admitLock(host)
	lock.Lock()
	defer lock.Unlock()

	if limit > 0 && c.ProfileAcceptedCount(profile, host) >= limit {
		return false, nil
	}

	added, err := enqueue()
	if err != nil || !added {
		return true, err
	}
	return true, c.IncrementAccepted(ctx, profile, host)
}

// NextAllowedTime returns the earliest time host may be fetched; zero if unknown
func (c *DomainCounters) NextAllowedTime(host string) time.Time {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	return c.next[host]
}

// RecordFetch schedules the next allowed fetch of host delay after now
func (c *DomainCounters) RecordFetch(ctx context.Context, host string, now time.Time, delay time.Duration) (time.Time, error) {
	return c.setNext(ctx, host, now.Add(delay), false)
}

// Backoff pushes the next allowed time of host to at least until
func (c *DomainCounters) Backoff(ctx context.Context, host string, until time.Time) (time.Time, error) {
	return c.setNext(ctx, host, until, true)
}

func (c *DomainCounters) setNext(ctx context.Context, host string, at time.Time, onlyLater bool) (time.Time, error) {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	if cur := c.next[host]; onlyLater && cur.After(at) {
		return cur, nil
	}
	if err := c.store.SaveNextAllowed(ctx, host, at); err != nil {
		return c.next[host], fmt.Errorf("failed to save host schedule: %w", err)
	}
	c.next[host] = at
	return at, nil
}

// Snapshot returns the counters of every known host ordered by host
func (c *DomainCounters) Snapshot() []DomainCounter {
	totals := make(map[string]int)
	c.mu.Lock()
	for k, n := range c.accepted {
		totals[k.host] += n
	}
	c.mu.Unlock()

	c.schedMu.Lock()
	for host := range c.next {
		if _, ok := totals[host]; !ok {
			totals[host] = 0
		}
	}
	out := make([]DomainCounter, 0, len(totals))
	for host, n := range totals {
		out = append(out, DomainCounter{Host: host, AcceptedCount: n, NextAllowedTime: c.next[host]})
	}
	c.schedMu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out
}
