package frontier

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/masahif/crawlfrontier/internal/urlid"
)

// MetaPaused is the meta key holding the persisted pause flag
const MetaPaused = "paused"

// QueueConfig tunes leasing, waiting and retry behavior
type QueueConfig struct {
	LeaseTimeout  time.Duration // Dequeued requests are requeued after this long without an outcome
	MaxPopWait    time.Duration // Upper bound for a blocking Pop
	RetryLimit    int           // Transient failures tolerated before a URL is sealed
	RetryBackoff  time.Duration // Host backoff after the first transient failure, doubled per failure
	MaxBackoff    time.Duration
	MaxCrawlDelay time.Duration // Cap on host-requested crawl delays
}

// DefaultQueueConfig returns the default queue settings
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		LeaseTimeout:  5 * time.Minute,
		MaxPopWait:    time.Second,
		RetryLimit:    3,
		RetryBackoff:  30 * time.Second,
		MaxBackoff:    30 * time.Minute,
		MaxCrawlDelay: 10 * time.Second,
	}
}

// QueueStore is the persistence the queue needs
type QueueStore interface {
	QueueJournal
	ErrorStore
	MetaStore
}

// Queue is the politeness-aware priority queue of crawl requests.
//
// Requests are grouped per host. Within a host they are ordered by depth and
// discovery time. A host is eligible once its next allowed fetch time has
// passed, and Pop serves the eligible host whose best request ranks highest.
// Every mutation is written through to the journal before it takes effect in
// memory.
type Queue struct {
	cfg      QueueConfig
	store    QueueStore
	seen     *SeenSet
	counters *DomainCounters
	delays   CrawlDelayer
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	entries  map[urlid.Hash]*entry
	inflight map[urlid.Hash]*entry
	hosts    map[string]*hostQueue
	ready    hostHeap
	waiting  hostHeap
	seq      uint64
	paused   bool
	closed   bool
	wake     chan struct{}
}

// NewQueue creates an empty queue. Call Load to restore persisted entries.
func NewQueue(cfg QueueConfig, store QueueStore, seen *SeenSet, counters *DomainCounters, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultQueueConfig()
	if cfg.LeaseTimeout <= 0 {
		cfg.LeaseTimeout = def.LeaseTimeout
	}
	if cfg.MaxPopWait <= 0 {
		cfg.MaxPopWait = def.MaxPopWait
	}
	if cfg.RetryLimit <= 0 {
		cfg.RetryLimit = def.RetryLimit
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	return &Queue{
		cfg:      cfg,
		store:    store,
		seen:     seen,
		counters: counters,
		logger:   logger,
		now:      time.Now,
		entries:  make(map[urlid.Hash]*entry),
		inflight: make(map[urlid.Hash]*entry),
		hosts:    make(map[string]*hostQueue),
		ready:    hostHeap{less: readyOrder},
		waiting:  hostHeap{less: waitingOrder},
		wake:     make(chan struct{}),
	}
}

// SetCrawlDelayer installs the source of host-requested crawl delays
func (q *Queue) SetCrawlDelayer(d CrawlDelayer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delays = d
}

// Load restores the journal. Requests that were dequeued when the process
// stopped are queued again.
func (q *Queue) Load(ctx context.Context) error {
	saved, err := q.store.LoadEntries(ctx)
	if err != nil {
		return fmt.Errorf("failed to load queue journal: %w", err)
	}
	paused, err := q.store.GetMeta(ctx, MetaPaused)
	if err != nil {
		return fmt.Errorf("failed to load pause state: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	restored := 0
	for _, qe := range saved {
		if _, dup := q.entries[qe.Request.URLHash]; dup {
			continue
		}
		if qe.State != StateQueued {
			qe.State = StateQueued
			qe.LeaseUntil = time.Time{}
			if err := q.store.SaveEntry(ctx, qe); err != nil {
				return fmt.Errorf("failed to restore entry: %w", err)
			}
			restored++
		}
		q.insertLocked(&entry{QueueEntry: qe, host: qe.Request.Host()}, now)
	}
	q.paused = paused == "true"

	q.logger.Info("Queue loaded",
		"entries", len(q.entries),
		"hosts", len(q.hosts),
		"requeued_leases", restored,
		"paused", q.paused)
	return nil
}

// Push inserts a request. It returns false without changes when a request
// with the same hash is already queued or dequeued.
func (q *Queue) Push(ctx context.Context, req CrawlRequest, delay time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false, ErrClosed
	}
	if _, exists := q.entries[req.URLHash]; exists {
		return false, nil
	}
	if delay < 0 {
		delay = 0
	}

	e := &entry{
		QueueEntry: QueueEntry{Request: req, State: StateQueued, Delay: delay},
		host:       req.Host(),
	}
	if err := q.store.SaveEntry(ctx, e.QueueEntry); err != nil {
		return false, fmt.Errorf("failed to journal request: %w", err)
	}
	q.insertLocked(e, q.now())
	q.broadcastLocked()
	return true, nil
}

func (q *Queue) insertLocked(e *entry, now time.Time) {
	h, ok := q.hosts[e.host]
	if !ok {
		h = &hostQueue{host: e.host, index: -1}
		q.hosts[e.host] = h
	}
	q.seq++
	e.seq = q.seq
	heap.Push(&h.pending, e)
	q.entries[e.Request.URLHash] = e
	q.scheduleLocked(h, now)
}

// scheduleLocked places h in the ready or waiting heap according to its
// pending work and next allowed time.
func (q *Queue) scheduleLocked(h *hostQueue, now time.Time) {
	switch h.slot {
	case slotReady:
		heap.Remove(&q.ready, h.index)
	case slotWaiting:
		heap.Remove(&q.waiting, h.index)
	}

	if len(h.pending) == 0 {
		if h.inFlight == 0 {
			delete(q.hosts, h.host)
		}
		return
	}

	h.readyAt = q.counters.NextAllowedTime(h.host)
	if h.readyAt.After(now) {
		heap.Push(&q.waiting, h)
		h.slot = slotWaiting
	} else {
		heap.Push(&q.ready, h)
		h.slot = slotReady
	}
}

func (q *Queue) promoteLocked(now time.Time) {
	for {
		h := q.waiting.peek()
		if h == nil || h.readyAt.After(now) {
			return
		}
		heap.Pop(&q.waiting)
		heap.Push(&q.ready, h)
		h.slot = slotReady
	}
}

func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

// Pop returns the next eligible request, marking it dequeued under a lease.
// When nothing is eligible it waits up to the configured bound and then
// returns ErrNoWork. It returns ErrPaused while crawling is paused.
func (q *Queue) Pop(ctx context.Context) (CrawlRequest, error) {
	deadline := time.Now().Add(q.cfg.MaxPopWait)
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return CrawlRequest{}, ErrClosed
		}
		if q.paused {
			q.mu.Unlock()
			return CrawlRequest{}, ErrPaused
		}
		req, wait, ok, err := q.tryPopLocked(ctx, q.now())
		wake := q.wake
		q.mu.Unlock()

		if err != nil {
			return CrawlRequest{}, err
		}
		if ok {
			return req, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return CrawlRequest{}, ErrNoWork
		}
		if wait <= 0 || wait > remaining {
			wait = remaining
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return CrawlRequest{}, ctx.Err()
		case <-wake:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// tryPopLocked dequeues the best eligible request. When none is eligible it
// returns how long until one may become eligible, or zero if unknown.
func (q *Queue) tryPopLocked(ctx context.Context, now time.Time) (CrawlRequest, time.Duration, bool, error) {
	q.reclaimExpiredLocked(ctx, now)
	q.promoteLocked(now)

	h := q.ready.peek()
	if h == nil {
		return CrawlRequest{}, q.nextWakeLocked(now), false, nil
	}
	e := h.pending[0]

	delay := q.effectiveDelayLocked(e)
	if _, err := q.counters.RecordFetch(ctx, h.host, now, delay); err != nil {
		return CrawlRequest{}, 0, false, err
	}

	saved := e.QueueEntry
	saved.State = StateDequeued
	saved.LeaseUntil = now.Add(q.cfg.LeaseTimeout)
	saved.Attempts++
	if err := q.store.SaveEntry(ctx, saved); err != nil {
		q.scheduleLocked(h, now)
		return CrawlRequest{}, 0, false, fmt.Errorf("failed to journal dequeue: %w", err)
	}

	heap.Pop(&h.pending)
	e.QueueEntry = saved
	q.inflight[e.Request.URLHash] = e
	h.inFlight++
	q.scheduleLocked(h, now)

	return e.Request, 0, true, nil
}

func (q *Queue) nextWakeLocked(now time.Time) time.Duration {
	var next time.Time
	if h := q.waiting.peek(); h != nil {
		next = h.readyAt
	}
	for _, e := range q.inflight {
		if next.IsZero() || e.LeaseUntil.Before(next) {
			next = e.LeaseUntil
		}
	}
	if next.IsZero() {
		return 0
	}
	if d := next.Sub(now); d > 0 {
		return d
	}
	return time.Millisecond
}

func (q *Queue) effectiveDelayLocked(e *entry) time.Duration {
	delay := e.Delay
	if q.delays != nil {
		cd := q.delays.CrawlDelay(e.host)
		if q.cfg.MaxCrawlDelay > 0 && cd > q.cfg.MaxCrawlDelay {
			cd = q.cfg.MaxCrawlDelay
		}
		if cd > delay {
			delay = cd
		}
	}
	return delay
}

// ReclaimExpired requeues dequeued requests whose lease has expired
func (q *Queue) ReclaimExpired(ctx context.Context) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.reclaimExpiredLocked(ctx, q.now())
	if n > 0 {
		q.broadcastLocked()
	}
	return n
}

func (q *Queue) reclaimExpiredLocked(ctx context.Context, now time.Time) int {
	n := 0
	for hash, e := range q.inflight {
		if e.LeaseUntil.After(now) {
			continue
		}
		saved := e.QueueEntry
		saved.State = StateQueued
		saved.LeaseUntil = time.Time{}
		if err := q.store.SaveEntry(ctx, saved); err != nil {
			q.logger.Error("Failed to journal reclaimed request", "url", e.Request.URL, "error", err)
			continue
		}
		e.QueueEntry = saved
		delete(q.inflight, hash)

		h := q.hosts[e.host]
		h.inFlight--
		heap.Push(&h.pending, e)
		q.scheduleLocked(h, now)
		n++

		q.logger.Warn("Lease expired, request requeued",
			"url", e.Request.URL,
			"attempts", e.Attempts)
	}
	return n
}

// ReportOutcome applies the result of fetching a dequeued request and
// returns the outcome that was finally recorded. A transient failure that
// exhausts the retry limit is recorded as permanent.
func (q *Queue) ReportOutcome(ctx context.Context, hash urlid.Hash, out Outcome) (OutcomeKind, error) {
	final := out.Kind
	err := q.seen.WithLock(hash, func() error {
		q.mu.Lock()
		e, ok := q.entries[hash]
		q.mu.Unlock()
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotInQueue, hash)
		}
		req := e.Request

		switch out.Kind {
		case OutcomeSuccess:
			if err := q.seen.Mark(ctx, hash, req.URL, SeenIndexed); err != nil {
				return err
			}
			if err := q.store.DeleteError(ctx, hash); err != nil {
				return fmt.Errorf("failed to clear error record: %w", err)
			}
			return q.drop(ctx, e)

		case OutcomePermanentFailure:
			if _, err := q.store.RecordError(ctx, hash, req.URL, out.Reason, q.now().UTC()); err != nil {
				return fmt.Errorf("failed to record error: %w", err)
			}
			if err := q.seen.Mark(ctx, hash, req.URL, SeenRejected); err != nil {
				return err
			}
			q.logger.Info("Request failed permanently", "url", req.URL, "reason", out.Reason)
			return q.drop(ctx, e)

		case OutcomeTransientFailure:
			rec, err := q.store.RecordError(ctx, hash, req.URL, out.Reason, q.now().UTC())
			if err != nil {
				return fmt.Errorf("failed to record error: %w", err)
			}
			if rec.FailureCount >= q.cfg.RetryLimit {
				final = OutcomePermanentFailure
				if err := q.seen.Mark(ctx, hash, req.URL, SeenRejected); err != nil {
					return err
				}
				q.logger.Info("Retry limit reached",
					"url", req.URL,
					"failures", rec.FailureCount,
					"reason", out.Reason)
				return q.drop(ctx, e)
			}
			return q.requeue(ctx, e, rec.FailureCount)

		default:
			return fmt.Errorf("unknown outcome %d", out.Kind)
		}
	})
	return final, err
}

// drop removes e from the queue if it is still present
func (q *Queue) drop(ctx context.Context, e *entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropLocked(ctx, e)
}

func (q *Queue) dropLocked(ctx context.Context, e *entry) error {
	hash := e.Request.URLHash
	if q.entries[hash] != e {
		return nil
	}
	if err := q.store.DeleteEntry(ctx, hash); err != nil {
		return fmt.Errorf("failed to delete journal entry: %w", err)
	}

	h := q.hosts[e.host]
	if e.index >= 0 {
		heap.Remove(&h.pending, e.index)
	} else {
		delete(q.inflight, hash)
		h.inFlight--
	}
	delete(q.entries, hash)
	q.scheduleLocked(h, q.now())
	return nil
}

func (q *Queue) backoff(failures int) time.Duration {
	d := q.cfg.RetryBackoff
	for i := 1; i < failures && d < q.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > q.cfg.MaxBackoff {
		d = q.cfg.MaxBackoff
	}
	return d
}

func (q *Queue) requeue(ctx context.Context, e *entry, failures int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	hash := e.Request.URLHash
	if q.entries[hash] != e {
		return nil
	}
	now := q.now()
	backoff := q.backoff(failures)
	if _, err := q.counters.Backoff(ctx, e.host, now.Add(backoff)); err != nil {
		return err
	}

	if e.State == StateDequeued {
		saved := e.QueueEntry
		saved.State = StateQueued
		saved.LeaseUntil = time.Time{}
		if err := q.store.SaveEntry(ctx, saved); err != nil {
			return fmt.Errorf("failed to journal requeue: %w", err)
		}
		e.QueueEntry = saved
		delete(q.inflight, hash)
		h := q.hosts[e.host]
		h.inFlight--
		heap.Push(&h.pending, e)
	}
	q.scheduleLocked(q.hosts[e.host], now)
	q.broadcastLocked()

	q.logger.Info("Request requeued after transient failure",
		"url", e.Request.URL,
		"failures", failures,
		"backoff", backoff)
	return nil
}

// Remove deletes a request regardless of its state
func (q *Queue) Remove(ctx context.Context, hash urlid.Hash) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[hash]
	if !ok {
		return false, nil
	}
	if err := q.dropLocked(ctx, e); err != nil {
		return false, err
	}
	return true, nil
}

// RemoveByProfile deletes every request of a profile
func (q *Queue) RemoveByProfile(ctx context.Context, handle string) (int, error) {
	return q.removeWhere(ctx, func(e *entry) bool { return e.Request.ProfileHandle == handle })
}

// RemoveByHost deletes every request targeting host
func (q *Queue) RemoveByHost(ctx context.Context, host string) (int, error) {
	return q.removeWhere(ctx, func(e *entry) bool { return e.host == host })
}

func (q *Queue) removeWhere(ctx context.Context, match func(*entry) bool) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var victims []*entry
	for _, e := range q.entries {
		if match(e) {
			victims = append(victims, e)
		}
	}
	for i, e := range victims {
		if err := q.dropLocked(ctx, e); err != nil {
			return i, err
		}
	}
	return len(victims), nil
}

// Contains reports whether hash is queued or dequeued
func (q *Queue) Contains(hash urlid.Hash) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[hash]
	return ok
}

// Get returns the entry of hash
func (q *Queue) Get(hash urlid.Hash) (QueueEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.entries[hash]
	if !ok {
		return QueueEntry{}, false
	}
	return e.QueueEntry, true
}

// Size returns the number of queued and dequeued requests
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// CountByProfile returns the number of requests referencing a profile
func (q *Queue) CountByProfile(handle string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, e := range q.entries {
		if e.Request.ProfileHandle == handle {
			n++
		}
	}
	return n
}

// Stats summarizes the queue
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{
		Queued:   len(q.entries) - len(q.inflight),
		InFlight: len(q.inflight),
		Hosts:    len(q.hosts),
		Paused:   q.paused,
	}
}

// PeekTop returns up to n queued requests in priority order, ignoring
// politeness. It does not change the queue.
func (q *Queue) PeekTop(n int) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := make([]*entry, 0, len(q.entries)-len(q.inflight))
	for _, e := range q.entries {
		if e.index >= 0 {
			queued = append(queued, e)
		}
	}
	return topEntries(queued, n)
}

// PeekHost returns up to n queued requests of one host in priority order
func (q *Queue) PeekHost(host string, n int) []QueueEntry {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.hosts[host]
	if !ok {
		return nil
	}
	return topEntries(append([]*entry(nil), h.pending...), n)
}

func topEntries(entries []*entry, n int) []QueueEntry {
	sort.Slice(entries, func(i, j int) bool { return entries[i].before(entries[j]) })
	if n > 0 && len(entries) > n {
		entries = entries[:n]
	}
	out := make([]QueueEntry, len(entries))
	for i, e := range entries {
		out[i] = e.QueueEntry
	}
	return out
}

// Hosts describes every host with queued or in-flight requests
func (q *Queue) Hosts() []HostStat {
	q.mu.Lock()
	out := make([]HostStat, 0, len(q.hosts))
	for _, h := range q.hosts {
		out = append(out, HostStat{
			Host:            h.host,
			Queued:          len(h.pending),
			InFlight:        h.inFlight,
			NextAllowedTime: q.counters.NextAllowedTime(h.host),
		})
	}
	q.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Queued != out[j].Queued {
			return out[i].Queued > out[j].Queued
		}
		return out[i].Host < out[j].Host
	})
	return out
}

// Pause stops Pop from handing out work. The flag survives restarts.
func (q *Queue) Pause(ctx context.Context) error {
	return q.setPaused(ctx, true)
}

// Resume re-enables Pop
func (q *Queue) Resume(ctx context.Context) error {
	return q.setPaused(ctx, false)
}

func (q *Queue) setPaused(ctx context.Context, paused bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.SetMeta(ctx, MetaPaused, fmt.Sprint(paused)); err != nil {
		return fmt.Errorf("failed to persist pause state: %w", err)
	}
	if q.paused != paused {
		q.paused = paused
		q.broadcastLocked()
		q.logger.Info("Crawl pause state changed", "paused", paused)
	}
	return nil
}

// Paused reports whether crawling is paused
func (q *Queue) Paused() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused
}

// SyncPause reloads the persisted pause flag, picking up changes made by
// another process sharing the database.
func (q *Queue) SyncPause(ctx context.Context) error {
	v, err := q.store.GetMeta(ctx, MetaPaused)
	if err != nil {
		return fmt.Errorf("failed to read pause state: %w", err)
	}
	paused := v == "true"

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.paused != paused {
		q.paused = paused
		q.broadcastLocked()
		q.logger.Info("Crawl pause state changed", "paused", paused)
	}
	return nil
}

// Close wakes blocked callers and rejects further operations
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		q.broadcastLocked()
	}
}

// IsRetryable reports whether err from Pop means the caller should simply
// try again later.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrNoWork) || errors.Is(err, ErrPaused)
}
