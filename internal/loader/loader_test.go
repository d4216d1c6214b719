package loader_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/loader"
	"github.com/masahif/crawlfrontier/internal/robots"
	"github.com/masahif/crawlfrontier/internal/storage"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFrontier(t *testing.T) *frontier.Frontier {
	t.Helper()
	store, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "frontier.db"))
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	f, err := frontier.New(context.Background(), store, frontier.Options{
		Queue: frontier.QueueConfig{
			LeaseTimeout: time.Minute,
			MaxPopWait:   100 * time.Millisecond,
			RetryLimit:   2,
			RetryBackoff: 10 * time.Millisecond,
			MaxBackoff:   20 * time.Millisecond,
		},
		Stacker: frontier.StackerConfig{UserAgent: "test-agent"},
		Logger:  testLogger(),
	})
	if err != nil {
		_ = store.Close()
		t.Fatalf("Failed to open frontier: %v", err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func newProfile(t *testing.T, f *frontier.Frontier, maxDepth int) string {
	t.Helper()
	p, err := f.Registry.Create(context.Background(), frontier.ProfileConfig{
		Name:            "loader test",
		MaxDepth:        maxDepth,
		AllowQuery:      true,
		PolitenessDelay: 0,
	})
	if err != nil {
		t.Fatalf("Failed to create profile: %v", err)
	}
	return p.Handle
}

func testConfig() loader.Config {
	return loader.Config{
		Concurrency:     2,
		StopWhenDrained: true,
		IdleWait:        20 * time.Millisecond,
		ReclaimInterval: time.Second,
	}
}

func seenReason(t *testing.T, f *frontier.Frontier, rawURL string) frontier.SeenReason {
	t.Helper()
	normalized, err := urlid.Normalize(rawURL)
	if err != nil {
		t.Fatalf("Failed to normalize %s: %v", rawURL, err)
	}
	rec, ok, err := f.Seen.Lookup(context.Background(), urlid.Sum(normalized))
	if err != nil {
		t.Fatalf("Seen lookup failed: %v", err)
	}
	if !ok {
		return ""
	}
	return rec.Reason
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		resp *loader.Response
		err  error
		want frontier.OutcomeKind
	}{
		{"ok", &loader.Response{StatusCode: 200}, nil, frontier.OutcomeSuccess},
		{"no content", &loader.Response{StatusCode: 204}, nil, frontier.OutcomeSuccess},
		{"not found", &loader.Response{StatusCode: 404}, nil, frontier.OutcomePermanentFailure},
		{"forbidden", &loader.Response{StatusCode: 403}, nil, frontier.OutcomePermanentFailure},
		{"gone", &loader.Response{StatusCode: 410}, nil, frontier.OutcomePermanentFailure},
		{"too many requests", &loader.Response{StatusCode: 429}, nil, frontier.OutcomeTransientFailure},
		{"request timeout", &loader.Response{StatusCode: 408}, nil, frontier.OutcomeTransientFailure},
		{"server error", &loader.Response{StatusCode: 500}, nil, frontier.OutcomeTransientFailure},
		{"unavailable", &loader.Response{StatusCode: 503}, nil, frontier.OutcomeTransientFailure},
		{"unfollowed redirect", &loader.Response{StatusCode: 302}, nil, frontier.OutcomePermanentFailure},
		{"connection refused", nil, errors.New("request failed: connection refused"), frontier.OutcomeTransientFailure},
		{"redirect loop", nil, fmt.Errorf("request failed: %w", loader.ErrTooManyRedirects), frontier.OutcomePermanentFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := loader.Classify(tt.resp, tt.err)
			if got.Kind != tt.want {
				t.Errorf("Expected %s, got %s (%s)", tt.want, got.Kind, got.Reason)
			}
			if got.Kind != frontier.OutcomeSuccess && got.Reason == "" {
				t.Error("Failure outcome should carry a reason")
			}
		})
	}
}

func TestThrottle(t *testing.T) {
	ctx := context.Background()

	unlimited := loader.NewThrottle(0)
	if !unlimited.Unlimited() {
		t.Error("Zero pages per minute should be unlimited")
	}
	start := time.Now()
	for i := 0; i < 100; i++ {
		if err := unlimited.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Unlimited throttle waited %v", elapsed)
	}

	// 600 pages per minute is one every 100ms
	limited := loader.NewThrottle(600)
	start = time.Now()
	for i := 0; i < 3; i++ {
		if err := limited.Wait(ctx); err != nil {
			t.Fatalf("Wait failed: %v", err)
		}
	}
	if elapsed := time.Since(start); elapsed < 180*time.Millisecond {
		t.Errorf("Expected at least 180ms for 3 fetches at 600/min, got %v", elapsed)
	}
}

func TestHTTPClient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ua := r.Header.Get("User-Agent"); ua != "test-agent/1.0" {
			t.Errorf("Expected User-Agent 'test-agent/1.0', got '%s'", ua)
		}
		if r.Header.Get("X-Test") != "yes" {
			t.Errorf("Expected custom header to be sent")
		}
		if r.URL.Path == "/old" {
			http.Redirect(w, r, "/new", http.StatusMovedPermanently)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte("<html><body>0123456789</body></html>"))
	}))
	defer server.Close()

	client := loader.NewHTTPClient("test-agent/1.0", 5*time.Second)
	defer client.Close()
	client.SetHeader("X-Test", "yes")

	resp, err := client.Get(context.Background(), server.URL+"/old")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("Expected status 200, got %d", resp.StatusCode)
	}
	if resp.FinalURL != server.URL+"/new" {
		t.Errorf("Expected final URL %s/new, got %s", server.URL, resp.FinalURL)
	}
	if !resp.IsHTML() {
		t.Errorf("Expected HTML content type, got %s", resp.ContentType)
	}

	client.SetMaxBodySize(10)
	resp, err = client.Get(context.Background(), server.URL+"/new")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(resp.Body) != 10 {
		t.Errorf("Expected body truncated to 10 bytes, got %d", len(resp.Body))
	}
}

func TestHTTPClientRedirectLoop(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, r.URL.Path+"x", http.StatusFound)
	}))
	defer server.Close()

	client := loader.NewHTTPClient("test-agent/1.0", 5*time.Second)
	defer client.Close()

	_, err := client.Get(context.Background(), server.URL+"/")
	if !errors.Is(err, loader.ErrTooManyRedirects) {
		t.Errorf("Expected ErrTooManyRedirects, got %v", err)
	}
}

func TestLoaderCrawlsSite(t *testing.T) {
	var flakyHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/robots.txt", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("User-agent: *\nDisallow: /private\n"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body>
<a href="/a">A</a>
<a href="/b">B</a>
<a href="/missing">Missing</a>
<a href="/flaky">Flaky</a>
<a href="/private/page">Private</a>
</body></html>`))
	})
	mux.HandleFunc("/a", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/">Home</a><a href="/b">B</a></body></html>`))
	})
	mux.HandleFunc("/b", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF-1.4"))
	})
	mux.HandleFunc("/flaky", func(w http.ResponseWriter, r *http.Request) {
		flakyHits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFrontier(t)
	profile := newProfile(t, f, 2)

	agent, err := robots.NewAgent(context.Background(), robots.Config{
		UserAgent: "test-agent",
		Respect:   true,
		CacheTTL:  time.Minute,
	}, nil, testLogger())
	if err != nil {
		t.Fatalf("Failed to create robots agent: %v", err)
	}
	defer func() { _ = agent.Close() }()

	client := loader.NewHTTPClient("test-agent", 5*time.Second)
	defer client.Close()

	l := loader.New(testConfig(), f, agent, client, testLogger())
	decisions, err := l.Seed(context.Background(), profile, []string{server.URL + "/"})
	if err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if len(decisions) != 1 || !decisions[0].Accepted {
		t.Fatalf("Expected start URL to be accepted, got %v", decisions)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if ctx.Err() != nil {
		t.Fatal("Loader did not stop when the queue drained")
	}

	expected := map[string]frontier.SeenReason{
		"/":             frontier.SeenIndexed,
		"/a":            frontier.SeenIndexed,
		"/b":            frontier.SeenIndexed,
		"/missing":      frontier.SeenRejected,
		"/flaky":        frontier.SeenRejected,
		"/private/page": frontier.SeenRejected,
	}
	for path, want := range expected {
		if got := seenReason(t, f, server.URL+path); got != want {
			t.Errorf("%s: expected seen reason %q, got %q", path, want, got)
		}
	}

	if hits := flakyHits.Load(); hits != 2 {
		t.Errorf("Expected flaky page to be fetched retry-limit (2) times, got %d", hits)
	}

	normalized, _ := urlid.Normalize(server.URL + "/flaky")
	rec, ok, err := f.Store.GetError(context.Background(), urlid.Sum(normalized))
	if err != nil || !ok {
		t.Fatalf("Expected error record for flaky page, ok=%v err=%v", ok, err)
	}
	if rec.FailureCount != 2 {
		t.Errorf("Expected failure count 2, got %d", rec.FailureCount)
	}

	normalized, _ = urlid.Normalize(server.URL + "/private/page")
	rec, ok, err = f.Store.GetError(context.Background(), urlid.Sum(normalized))
	if err != nil || !ok {
		t.Fatalf("Expected error record for disallowed page, ok=%v err=%v", ok, err)
	}
	if rec.ReasonText != "robots disallowed" {
		t.Errorf("Expected reason 'robots disallowed', got '%s'", rec.ReasonText)
	}

	if f.Queue.Size() != 0 {
		t.Errorf("Expected empty queue, got %d entries", f.Queue.Size())
	}

	stats := l.Stats()
	if stats.Succeeded != 3 {
		t.Errorf("Expected 3 successful fetches, got %d", stats.Succeeded)
	}
	if stats.Discovered != 5 {
		t.Errorf("Expected 5 discovered links, got %d", stats.Discovered)
	}
}

func TestLoaderStacksLinksWithReferrer(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(`<html><body><a href="/next">Next page</a></body></html>`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	f := newFrontier(t)
	profile := newProfile(t, f, 1)

	client := loader.NewHTTPClient("test-agent", 5*time.Second)
	defer client.Close()

	cfg := testConfig()
	cfg.Limit = 1
	cfg.Concurrency = 1
	l := loader.New(cfg, f, nil, client, testLogger())
	if _, err := l.Seed(context.Background(), profile, []string{server.URL + "/"}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	root, _ := urlid.Normalize(server.URL + "/")
	next, _ := urlid.Normalize(server.URL + "/next")
	entry, ok := f.Queue.Get(urlid.Sum(next))
	if !ok {
		t.Fatal("Expected discovered link to be queued")
	}
	if entry.Request.Depth != 1 {
		t.Errorf("Expected depth 1, got %d", entry.Request.Depth)
	}
	if entry.Request.ReferrerHash != urlid.Sum(root) {
		t.Errorf("Expected referrer hash %s, got %s", urlid.Sum(root), entry.Request.ReferrerHash)
	}
	if entry.Request.AnchorText != "Next page" {
		t.Errorf("Expected anchor text 'Next page', got '%s'", entry.Request.AnchorText)
	}
	if entry.Request.InitiatorID != l.InitiatorID() {
		t.Errorf("Expected initiator %s, got %s", l.InitiatorID(), entry.Request.InitiatorID)
	}
	if entry.Request.ProfileHandle != profile {
		t.Errorf("Expected profile %s, got %s", profile, entry.Request.ProfileHandle)
	}
}

func TestLoaderRespectsPause(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok"))
	}))
	defer server.Close()

	f := newFrontier(t)
	profile := newProfile(t, f, 0)

	client := loader.NewHTTPClient("test-agent", 5*time.Second)
	defer client.Close()

	l := loader.New(testConfig(), f, nil, client, testLogger())
	if _, err := l.Seed(context.Background(), profile, []string{server.URL + "/"}); err != nil {
		t.Fatalf("Seed failed: %v", err)
	}
	if err := f.Queue.Pause(context.Background()); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if hits.Load() != 0 {
		t.Errorf("Expected no fetches while paused, got %d", hits.Load())
	}
	if f.Queue.Size() != 1 {
		t.Errorf("Expected request to stay queued, got size %d", f.Queue.Size())
	}
}
