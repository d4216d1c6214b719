// Package loader is the reference fetch pipeline that drains the crawl
// frontier. Workers pop requests, fetch them over HTTP, report the outcome
// back to the queue and feed the links they find to the stacker.
package loader

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/logging"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

// Robots checks a URL against its host's robots.txt, fetching the rules if
// needed
type Robots interface {
	Allowed(ctx context.Context, u *url.URL) bool
}

// Config holds loader settings
type Config struct {
	Concurrency     int
	PagesPerMinute  int           // 0 = unlimited
	Limit           int           // Stop after N fetches (0 = unlimited)
	MaxLinksPerPage int           // 0 = unlimited
	StopWhenDrained bool          // Return once the queue holds no work
	IdleWait        time.Duration // Sleep while paused or between failed pops
	ReclaimInterval time.Duration // How often expired leases are reclaimed
	StatsInterval   time.Duration // How often progress is logged (0 = never)
}

// DefaultConfig returns the loader defaults
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		MaxLinksPerPage: 500,
		IdleWait:        time.Second,
		ReclaimInterval: 30 * time.Second,
		StatsInterval:   10 * time.Second,
	}
}

// Stats counts what the loader has done so far
type Stats struct {
	Fetched    int64
	Succeeded  int64
	Transient  int64
	Permanent  int64
	Discovered int64 // Links accepted by the stacker
	StartTime  time.Time
	Duration   time.Duration
}

// Loader drains a frontier queue
type Loader struct {
	cfg      Config
	queue    *frontier.Queue
	stacker  *frontier.Stacker
	robots   Robots
	client   *HTTPClient
	throttle *Throttle
	logger   *slog.Logger

	initiator string
	start     time.Time

	fetched    atomic.Int64
	succeeded  atomic.Int64
	transient  atomic.Int64
	permanent  atomic.Int64
	discovered atomic.Int64
}

// New creates a loader. robots may be nil to skip robots checks.
func New(cfg Config, f *frontier.Frontier, robots Robots, client *HTTPClient, logger *slog.Logger) *Loader {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.IdleWait <= 0 {
		cfg.IdleWait = def.IdleWait
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = def.ReclaimInterval
	}
	return &Loader{
		cfg:       cfg,
		queue:     f.Queue,
		stacker:   f.Stacker,
		robots:    robots,
		client:    client,
		throttle:  NewThrottle(cfg.PagesPerMinute),
		logger:    logging.Component(logger, "loader"),
		initiator: uuid.NewString(),
	}
}

// InitiatorID identifies the requests this loader stacks
func (l *Loader) InitiatorID() string {
	return l.initiator
}

// Seed stacks start URLs at depth zero
func (l *Loader) Seed(ctx context.Context, profile string, urls []string) ([]frontier.Decision, error) {
	decisions := make([]frontier.Decision, 0, len(urls))
	for _, u := range urls {
		d, err := l.stacker.Stack(ctx, frontier.Candidate{
			URL:           u,
			Referrer:      urlid.RootReferrer,
			ProfileHandle: profile,
			Depth:         0,
			InitiatorID:   l.initiator,
		})
		if err != nil {
			return decisions, fmt.Errorf("failed to stack %s: %w", u, err)
		}
		if d.Accepted {
			l.logger.Info("Start URL queued", "url", d.Request.URL, "profile", profile)
		} else {
			l.logger.Info("Start URL rejected", "url", u, "reason", d.Reason, "detail", d.Detail)
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}

// Run starts the workers and blocks until ctx is cancelled, the fetch limit
// is reached, the queue is closed, or the queue drains when StopWhenDrained
// is set. A persistence failure stops every worker and is returned.
func (l *Loader) Run(ctx context.Context) error {
	l.start = time.Now()
	l.logger.Info("Starting loader",
		"workers", l.cfg.Concurrency,
		"pages_per_minute", l.cfg.PagesPerMinute,
		"initiator", l.initiator)

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < l.cfg.Concurrency; i++ {
		id := i
		g.Go(func() error {
			return l.worker(gctx, id)
		})
	}

	bgCtx, stopBackground := context.WithCancel(gctx)
	var bg sync.WaitGroup
	bg.Add(1)
	go func() {
		defer bg.Done()
		l.housekeeping(bgCtx)
	}()

	err := g.Wait()
	stopBackground()
	bg.Wait()

	stats := l.Stats()
	l.logger.Info("Loader stopped",
		"fetched", stats.Fetched,
		"succeeded", stats.Succeeded,
		"transient", stats.Transient,
		"permanent", stats.Permanent,
		"discovered", stats.Discovered,
		"duration", stats.Duration)

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Stats returns the loader's counters
func (l *Loader) Stats() Stats {
	return Stats{
		Fetched:    l.fetched.Load(),
		Succeeded:  l.succeeded.Load(),
		Transient:  l.transient.Load(),
		Permanent:  l.permanent.Load(),
		Discovered: l.discovered.Load(),
		StartTime:  l.start,
		Duration:   time.Since(l.start),
	}
}

// worker pops and processes requests until told to stop
func (l *Loader) worker(ctx context.Context, id int) error {
	l.logger.Debug("Worker started", "worker_id", id)
	defer l.logger.Debug("Worker stopped", "worker_id", id)

	for {
		if ctx.Err() != nil {
			return nil
		}
		if l.limitReached() {
			l.logger.Info("Worker reached limit", "worker_id", id)
			return nil
		}

		req, err := l.queue.Pop(ctx)
		switch {
		case err == nil:
		case errors.Is(err, frontier.ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return nil
		case errors.Is(err, frontier.ErrPaused):
			l.idle(ctx)
			continue
		case errors.Is(err, frontier.ErrNoWork):
			if l.cfg.StopWhenDrained && l.drained() {
				l.logger.Debug("Worker found queue drained, exiting", "worker_id", id)
				return nil
			}
			continue
		default:
			l.logger.Error("Worker failed to pop from queue", "worker_id", id, "error", err)
			l.idle(ctx)
			continue
		}

		if err := l.process(ctx, id, req); err != nil {
			return err
		}
	}
}

func (l *Loader) limitReached() bool {
	return l.cfg.Limit > 0 && l.fetched.Load() >= int64(l.cfg.Limit)
}

func (l *Loader) drained() bool {
	stats := l.queue.Stats()
	return stats.Queued == 0 && stats.InFlight == 0
}

func (l *Loader) idle(ctx context.Context) {
	timer := time.NewTimer(l.cfg.IdleWait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// process fetches one request and reports its outcome. Cancellation leaves
// the request leased so it is reclaimed later.
func (l *Loader) process(ctx context.Context, id int, req frontier.CrawlRequest) error {
	target, err := url.Parse(req.URL)
	if err != nil {
		return l.report(ctx, id, req, frontier.PermanentFailure("unparsable url"))
	}

	if l.robots != nil && !l.robots.Allowed(ctx, target) {
		l.logger.Info("URL disallowed by robots.txt", "worker_id", id, "url", req.URL)
		return l.report(ctx, id, req, frontier.PermanentFailure("robots disallowed"))
	}

	if err := l.throttle.Wait(ctx); err != nil {
		return nil
	}

	l.fetched.Add(1)
	resp, err := l.client.Get(ctx, req.URL)
	if ctx.Err() != nil {
		return nil
	}
	outcome := Classify(resp, err)
	if outcome.Kind == frontier.OutcomeSuccess && resp.IsHTML() {
		l.follow(ctx, id, req, resp)
	}

	if resp != nil {
		l.logger.Info("Worker fetched URL",
			"worker_id", id,
			"url", req.URL,
			"status", resp.StatusCode,
			"ttfb", resp.TTFB,
			"outcome", outcome.Kind)
	} else {
		l.logger.Info("Worker failed to fetch URL",
			"worker_id", id,
			"url", req.URL,
			"error", err,
			"outcome", outcome.Kind)
	}
	return l.report(ctx, id, req, outcome)
}

// report hands the outcome to the queue. Losing the lease is not fatal.
func (l *Loader) report(ctx context.Context, id int, req frontier.CrawlRequest, outcome frontier.Outcome) error {
	final, err := l.queue.ReportOutcome(ctx, req.URLHash, outcome)
	if errors.Is(err, frontier.ErrNotInQueue) {
		l.logger.Warn("Request left the queue before its outcome was reported",
			"worker_id", id, "url", req.URL)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to report outcome for %s: %w", req.URL, err)
	}

	switch final {
	case frontier.OutcomeSuccess:
		l.succeeded.Add(1)
	case frontier.OutcomeTransientFailure:
		l.transient.Add(1)
	case frontier.OutcomePermanentFailure:
		l.permanent.Add(1)
	}
	return nil
}

// follow stacks the links of a fetched page one level deeper
func (l *Loader) follow(ctx context.Context, id int, req frontier.CrawlRequest, resp *Response) {
	if p, ok := l.stacker.Registry.Get(req.ProfileHandle); ok && req.Depth+1 > p.MaxDepth {
		return
	}

	base, err := url.Parse(resp.FinalURL)
	if err != nil {
		return
	}
	page, err := ParsePage(base, resp.Body, l.cfg.MaxLinksPerPage)
	if err != nil {
		l.logger.Debug("Link extraction failed", "worker_id", id, "url", req.URL, "error", err)
		return
	}
	if page.NoFollow {
		l.logger.Debug("Page asks not to follow links", "worker_id", id, "url", req.URL)
		return
	}

	accepted := 0
	for _, link := range page.Links {
		d, err := l.stacker.Stack(ctx, frontier.Candidate{
			URL:           link.URL,
			Referrer:      req.URLHash,
			ProfileHandle: req.ProfileHandle,
			Depth:         req.Depth + 1,
			InitiatorID:   req.InitiatorID,
			AnchorText:    link.AnchorText,
		})
		if err != nil {
			l.logger.Error("Worker failed to stack link", "worker_id", id, "url", link.URL, "error", err)
			continue
		}
		if d.Accepted {
			accepted++
		}
	}
	l.discovered.Add(int64(accepted))
	l.logger.Debug("Links stacked", "worker_id", id, "url", req.URL, "found", len(page.Links), "accepted", accepted)
}

// housekeeping reclaims expired leases, follows pause changes made by other
// processes and reports progress
func (l *Loader) housekeeping(ctx context.Context) {
	reclaim := time.NewTicker(l.cfg.ReclaimInterval)
	defer reclaim.Stop()
	pause := time.NewTicker(l.cfg.IdleWait)
	defer pause.Stop()

	var stats <-chan time.Time
	if l.cfg.StatsInterval > 0 {
		t := time.NewTicker(l.cfg.StatsInterval)
		defer t.Stop()
		stats = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reclaim.C:
			if n := l.queue.ReclaimExpired(ctx); n > 0 {
				l.logger.Warn("Reclaimed expired leases", "count", n)
			}
		case <-pause.C:
			if err := l.queue.SyncPause(ctx); err != nil {
				l.logger.Error("Failed to read pause state", "error", err)
			}
		case <-stats:
			qs := l.queue.Stats()
			s := l.Stats()
			l.logger.Info("Crawling stats",
				"fetched", s.Fetched,
				"succeeded", s.Succeeded,
				"errors", s.Transient+s.Permanent,
				"discovered", s.Discovered,
				"queued", qs.Queued,
				"in_flight", qs.InFlight,
				"hosts", qs.Hosts,
				"paused", qs.Paused,
				"duration", s.Duration)
			if hosts := l.queue.Hosts(); len(hosts) > 0 {
				l.logger.Debug("Busiest host",
					"host", hosts[0].Host,
					"queued", hosts[0].Queued,
					"in_flight", hosts[0].InFlight,
					"next_fetch", hosts[0].NextAllowedTime)
			}
		}
	}
}

// Classify maps a fetch result to a queue outcome. Network failures, server
// errors and throttling are transient, other client errors are permanent.
func Classify(resp *Response, err error) frontier.Outcome {
	if err != nil {
		if errors.Is(err, ErrTooManyRedirects) {
			return frontier.PermanentFailure("too many redirects")
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return frontier.TransientFailure("timeout")
		}
		return frontier.TransientFailure(err.Error())
	}

	code := resp.StatusCode
	switch {
	case code >= 200 && code < 300:
		return frontier.Success()
	case code == http.StatusTooManyRequests, code == http.StatusRequestTimeout, code >= 500:
		return frontier.TransientFailure(statusReason(code))
	default:
		return frontier.PermanentFailure(statusReason(code))
	}
}

func statusReason(code int) string {
	return fmt.Sprintf("http %d %s", code, http.StatusText(code))
}
