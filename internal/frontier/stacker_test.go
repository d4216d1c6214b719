package frontier_test

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

type hostBlacklist map[string]bool

func (b hostBlacklist) IsBlacklisted(u *url.URL, category string) bool {
	return category == frontier.BlacklistCrawler && b[u.Hostname()]
}

type prefixRobots string

func (r prefixRobots) IsAllowed(_ context.Context, u *url.URL, _ string) bool {
	return !strings.HasPrefix(u.Path, string(r))
}

func TestStackerRejections(t *testing.T) {
	opts := testOptions()
	blacklist := hostBlacklist{"spam.example": true}
	opts.Blacklist = blacklist
	opts.Robots = prefixRobots("/private")
	f := newTestFrontier(t, opts)

	createProfile(t, f, frontier.ProfileConfig{
		Handle:         "strict",
		MustMatch:      `https?://[a-z]+\.example/.*`,
		MustNotMatch:   `.*\.pdf`,
		MaxDepth:       2,
		DomainMaxPages: 100,
	})
	createProfile(t, f, frontier.ProfileConfig{Handle: "noquery", MaxDepth: 2, AllowQuery: false})

	expectAccepted(t, stack(t, f, "https://dup.example/page", "strict", 0))
	blacklist["dup.example"] = true

	tests := []struct {
		name    string
		url     string
		profile string
		depth   int
		want    frontier.Reason
	}{
		{"Empty", "", "strict", 0, frontier.ReasonMalformedURL},
		{"Relative", "/just/a/path", "strict", 0, frontier.ReasonMalformedURL},
		{"UnsupportedProtocol", "ftp://files.example/x", "strict", 0, frontier.ReasonMalformedURL},
		{"TooDeep", "https://a.example/deep", "strict", 3, frontier.ReasonDepthExceeded},
		{"NegativeDepth", "https://a.example/neg", "strict", -1, frontier.ReasonDepthExceeded},
		{"DepthBeforeFilter", "https://a.example/x.pdf", "strict", 3, frontier.ReasonDepthExceeded},
		{"MustMatch", "https://a1.example/x", "strict", 1, frontier.ReasonFilterMismatch},
		{"MustNotMatch", "https://a.example/x.pdf", "strict", 1, frontier.ReasonFilterMismatch},
		{"QueryNotWanted", "https://a.example/search?q=go", "noquery", 1, frontier.ReasonFilterMismatch},
		{"SessionNotWanted", "https://a.example/cart;jsessionid=ABC", "noquery", 1, frontier.ReasonFilterMismatch},
		{"Robots", "https://a.example/private/x", "strict", 0, frontier.ReasonFilterMismatch},
		{"Blacklisted", "https://spam.example/", "strict", 0, frontier.ReasonBlacklisted},
		{"SeenBeforeBlacklist", "https://DUP.example:443/page#frag", "strict", 0, frontier.ReasonAlreadySeen},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := f.Queue.Size()
			d := stack(t, f, tt.url, tt.profile, tt.depth)
			expectReason(t, d, tt.want)
			if f.Queue.Size() != before {
				t.Errorf("Expected queue size %d after rejection, got %d", before, f.Queue.Size())
			}
		})
	}
}

func TestStackerFiltersSkipStartURLs(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	createProfile(t, f, frontier.ProfileConfig{
		Handle:     "scoped",
		MustMatch:  `https://docs\.example/.*`,
		MaxDepth:   1,
		AllowQuery: false,
	})

	expectAccepted(t, stack(t, f, "https://elsewhere.example/?start=1", "scoped", 0))
	expectReason(t, stack(t, f, "https://elsewhere.example/next", "scoped", 1), frontier.ReasonFilterMismatch)
	expectAccepted(t, stack(t, f, "https://docs.example/guide", "scoped", 1))
}

func TestStackerUnknownProfile(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	_, err := f.Stacker.Stack(context.Background(), frontier.Candidate{URL: "https://a.example/", ProfileHandle: "missing"})
	if !errors.Is(err, frontier.ErrUnknownProfile) {
		t.Errorf("Expected ErrUnknownProfile, got %v", err)
	}
}

func TestStackerAcceptedRequest(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	ref := urlid.Sum("https://a.example/")

	d, err := f.Stacker.Stack(context.Background(), frontier.Candidate{
		URL:           "HTTPS://A.example:443/docs/../x?b=2#top",
		Referrer:      ref,
		ProfileHandle: frontier.DefaultProfileHandle,
		Depth:         1,
		InitiatorID:   "crawler-1",
		AnchorText:    "X marks the spot",
	})
	if err != nil {
		t.Fatalf("Stack failed: %v", err)
	}
	expectAccepted(t, d)

	req := d.Request
	if req.URL != "https://a.example/x?b=2" {
		t.Errorf("Expected normalized URL, got %s", req.URL)
	}
	if req.URLHash != urlid.Sum(req.URL) || req.ReferrerHash != ref {
		t.Errorf("Unexpected hashes in %+v", req)
	}
	if req.Depth != 1 || req.InitiatorID != "crawler-1" || req.AnchorText != "X marks the spot" {
		t.Errorf("Unexpected request fields: %+v", req)
	}
	if req.AppearedAt.IsZero() || req.AppearedAt.Location() != time.UTC {
		t.Errorf("Expected UTC discovery time, got %v", req.AppearedAt)
	}

	entry, ok := f.Queue.Get(req.URLHash)
	if !ok || entry.State != frontier.StateQueued {
		t.Errorf("Expected queued entry, got %+v (ok=%v)", entry, ok)
	}
}

// Accept then duplicate: the second stack is rejected while queued and after success.
func TestStackerAcceptThenDuplicate(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	createProfile(t, f, frontier.ProfileConfig{Handle: "p", MaxDepth: 3})

	expectAccepted(t, stack(t, f, "http://a.example/x", "p", 1))
	expectReason(t, stack(t, f, "http://a.example/x", "p", 1), frontier.ReasonAlreadySeen)
	if f.Queue.Size() != 1 {
		t.Fatalf("Expected one queued request, got %d", f.Queue.Size())
	}

	req := pop(t, f)
	if _, err := f.Queue.ReportOutcome(context.Background(), req.URLHash, frontier.Success()); err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}
	expectReason(t, stack(t, f, "http://a.example/x", "p", 1), frontier.ReasonAlreadySeen)
	if f.Queue.Size() != 0 {
		t.Errorf("Expected empty queue, got %d", f.Queue.Size())
	}
}

func TestStackerDepthRejection(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	createProfile(t, f, frontier.ProfileConfig{Handle: "shallow", MaxDepth: 2})

	expectReason(t, stack(t, f, "https://a.example/deep", "shallow", 3), frontier.ReasonDepthExceeded)
	if f.Queue.Size() != 0 {
		t.Errorf("Expected queue size unchanged, got %d", f.Queue.Size())
	}
	expectAccepted(t, stack(t, f, "https://a.example/deep", "shallow", 2))
}

func TestStackerQuotaBoundary(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	createProfile(t, f, frontier.ProfileConfig{Handle: "capped", MaxDepth: 3, DomainMaxPages: 2})

	expectAccepted(t, stack(t, f, "https://b.example/1", "capped", 0))
	expectAccepted(t, stack(t, f, "https://b.example/2", "capped", 0))
	expectReason(t, stack(t, f, "https://b.example/3", "capped", 0), frontier.ReasonDomainQuotaExceeded)

	if n := f.Counters.AcceptedCount("b.example"); n != 2 {
		t.Errorf("Expected accepted count 2, got %d", n)
	}

	expectAccepted(t, stack(t, f, "https://c.example/1", "capped", 0))
	if n := f.Counters.AcceptedCount("c.example"); n != 1 {
		t.Errorf("Expected accepted count 1, got %d", n)
	}
}

func TestStackerConcurrentQuota(t *testing.T) {
	const (
		candidates = 60
		quota      = 7
	)
	f := newTestFrontier(t, testOptions())
	createProfile(t, f, frontier.ProfileConfig{Handle: "race", MaxDepth: 1, DomainMaxPages: quota})

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		accepted  int
		overQuota int
	)
	for i := 0; i < candidates; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := f.Stacker.Stack(context.Background(), frontier.Candidate{
				URL:           fmt.Sprintf("https://q.example/page/%d", i),
				ProfileHandle: "race",
			})
			if err != nil {
				t.Errorf("Stack failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			switch {
			case d.Accepted:
				accepted++
			case d.Reason == frontier.ReasonDomainQuotaExceeded:
				overQuota++
			default:
				t.Errorf("Unexpected decision %s", d)
			}
		}(i)
	}
	wg.Wait()

	if accepted != quota || overQuota != candidates-quota {
		t.Errorf("Expected %d accepted and %d over quota, got %d and %d", quota, candidates-quota, accepted, overQuota)
	}
	if n := f.Counters.AcceptedCount("q.example"); n != quota {
		t.Errorf("Expected accepted count %d, got %d", quota, n)
	}
	if f.Queue.Size() != quota {
		t.Errorf("Expected %d queued requests, got %d", quota, f.Queue.Size())
	}
}

func TestStackerConcurrentDuplicates(t *testing.T) {
	f := newTestFrontier(t, testOptions())

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	variants := []string{
		"https://same.example/a",
		"HTTPS://same.example/a",
		"https://same.example:443/a",
		"https://same.example/b/../a",
		"https://same.example/a#x",
	}
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			d, err := f.Stacker.Stack(context.Background(), frontier.Candidate{URL: u, ProfileHandle: frontier.DefaultProfileHandle})
			if err != nil {
				t.Errorf("Stack failed: %v", err)
				return
			}
			if d.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			} else if d.Reason != frontier.ReasonAlreadySeen {
				t.Errorf("Unexpected decision %s", d)
			}
		}(variants[i%len(variants)])
	}
	wg.Wait()

	if accepted != 1 {
		t.Errorf("Expected exactly 1 accepted, got %d", accepted)
	}
	if f.Queue.Size() != 1 {
		t.Errorf("Expected 1 queued request, got %d", f.Queue.Size())
	}
}

func TestStackerRevisit(t *testing.T) {
	ctx := context.Background()

	t.Run("Always", func(t *testing.T) {
		f := newTestFrontier(t, testOptions())
		createProfile(t, f, frontier.ProfileConfig{Handle: "fresh", MaxDepth: 1, Revisit: frontier.RevisitPolicy{Mode: frontier.RevisitAlways}})

		expectAccepted(t, stack(t, f, "https://news.example/", "fresh", 0))
		req := pop(t, f)
		if _, err := f.Queue.ReportOutcome(ctx, req.URLHash, frontier.Success()); err != nil {
			t.Fatalf("ReportOutcome failed: %v", err)
		}
		expectAccepted(t, stack(t, f, "https://news.example/", "fresh", 0))
		expectReason(t, stack(t, f, "https://news.example/", "fresh", 0), frontier.ReasonAlreadySeen)
	})

	t.Run("RejectedStaysSeen", func(t *testing.T) {
		f := newTestFrontier(t, testOptions())
		createProfile(t, f, frontier.ProfileConfig{Handle: "fresh", MaxDepth: 1, Revisit: frontier.RevisitPolicy{Mode: frontier.RevisitAlways}})

		expectAccepted(t, stack(t, f, "https://gone.example/", "fresh", 0))
		req := pop(t, f)
		if _, err := f.Queue.ReportOutcome(ctx, req.URLHash, frontier.PermanentFailure("404 Not Found")); err != nil {
			t.Fatalf("ReportOutcome failed: %v", err)
		}
		expectReason(t, stack(t, f, "https://gone.example/", "fresh", 0), frontier.ReasonAlreadySeen)
	})

	t.Run("OlderThan", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "frontier.db")
		store, err := storage.NewSQLiteStorage(dbPath)
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		old := "https://old.example/"
		recent := "https://recent.example/"
		now := time.Now().UTC()
		for u, at := range map[string]time.Time{old: now.Add(-2 * time.Hour), recent: now.Add(-10 * time.Minute)} {
			rec := frontier.SeenRecord{URLHash: urlid.Sum(u), URL: u, Reason: frontier.SeenIndexed, Timestamp: at}
			if err := store.MarkSeen(ctx, rec); err != nil {
				t.Fatalf("MarkSeen failed: %v", err)
			}
		}
		_ = store.Close()

		f := openFrontier(t, dbPath, testOptions())
		defer f.Close()
		createProfile(t, f, frontier.ProfileConfig{Handle: "hourly", MaxDepth: 1, Revisit: frontier.RevisitPolicy{Mode: frontier.RevisitIfOlder, After: time.Hour}})
		createProfile(t, f, frontier.ProfileConfig{Handle: "once", MaxDepth: 1})

		expectAccepted(t, stack(t, f, old, "hourly", 0))
		expectReason(t, stack(t, f, recent, "hourly", 0), frontier.ReasonNotDueForRevisit)
		expectReason(t, stack(t, f, recent, "once", 0), frontier.ReasonAlreadySeen)
	})

	t.Run("QuotaBeforeRevisit", func(t *testing.T) {
		dbPath := filepath.Join(t.TempDir(), "frontier.db")
		store, err := storage.NewSQLiteStorage(dbPath)
		if err != nil {
			t.Fatalf("Failed to create storage: %v", err)
		}
		u := "https://full.example/recent"
		_ = store.MarkSeen(ctx, frontier.SeenRecord{URLHash: urlid.Sum(u), URL: u, Reason: frontier.SeenIndexed, Timestamp: time.Now()})
		_ = store.Close()

		f := openFrontier(t, dbPath, testOptions())
		defer f.Close()
		createProfile(t, f, frontier.ProfileConfig{
			Handle:         "tight",
			MaxDepth:       1,
			DomainMaxPages: 1,
			Revisit:        frontier.RevisitPolicy{Mode: frontier.RevisitIfOlder, After: time.Hour},
		})

		expectAccepted(t, stack(t, f, "https://full.example/other", "tight", 0))
		expectReason(t, stack(t, f, u, "tight", 0), frontier.ReasonDomainQuotaExceeded)
	})
}

func TestStackerUnmark(t *testing.T) {
	ctx := context.Background()
	f := newTestFrontier(t, testOptions())

	expectAccepted(t, stack(t, f, "https://retry.example/", frontier.DefaultProfileHandle, 0))
	req := pop(t, f)
	if _, err := f.Queue.ReportOutcome(ctx, req.URLHash, frontier.PermanentFailure("403 Forbidden")); err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}
	expectReason(t, stack(t, f, "https://retry.example/", frontier.DefaultProfileHandle, 0), frontier.ReasonAlreadySeen)

	removed, err := f.Seen.Unmark(ctx, req.URLHash)
	if err != nil || !removed {
		t.Fatalf("Expected Unmark to remove record, got %v (err=%v)", removed, err)
	}
	expectAccepted(t, stack(t, f, "https://retry.example/", frontier.DefaultProfileHandle, 0))
}

func TestStackerUnmarkRestoresRetryBudget(t *testing.T) {
	ctx := context.Background()
	f := newTestFrontier(t, testOptions())
	const retryLimit = 3
	const u = "https://sealed.example/"

	expectAccepted(t, stack(t, f, u, frontier.DefaultProfileHandle, 0))
	hash := pop(t, f).URLHash
	for i := 1; i <= retryLimit; i++ {
		if _, err := f.Queue.ReportOutcome(ctx, hash, frontier.TransientFailure("timeout")); err != nil {
			t.Fatalf("ReportOutcome %d failed: %v", i, err)
		}
		if i < retryLimit {
			pop(t, f)
		}
	}
	expectReason(t, stack(t, f, u, frontier.DefaultProfileHandle, 0), frontier.ReasonAlreadySeen)

	if removed, err := f.Seen.Unmark(ctx, hash); err != nil || !removed {
		t.Fatalf("Expected Unmark to remove record, got %v (err=%v)", removed, err)
	}
	if _, ok, err := f.Store.GetError(ctx, hash); err != nil || ok {
		t.Errorf("Expected failure record to be cleared by Unmark, got ok=%v err=%v", ok, err)
	}

	expectAccepted(t, stack(t, f, u, frontier.DefaultProfileHandle, 0))
	if got := pop(t, f); got.URLHash != hash {
		t.Fatalf("Expected re-stacked request, got %s", got.URL)
	}
	kind, err := f.Queue.ReportOutcome(ctx, hash, frontier.TransientFailure("timeout"))
	if err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}
	if kind != frontier.OutcomeTransientFailure {
		t.Errorf("Expected first failure after unmark to be retried, got %s", kind)
	}
	rec, ok, err := f.Store.GetError(ctx, hash)
	if err != nil || !ok || rec.FailureCount != 1 {
		t.Errorf("Expected failure count 1, got %+v (ok=%v err=%v)", rec, ok, err)
	}
	if !f.Queue.Contains(hash) {
		t.Error("Expected request to stay queued for retry")
	}
}
