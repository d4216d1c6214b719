package frontier_test

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() frontier.Options {
	return frontier.Options{
		Queue: frontier.QueueConfig{
			LeaseTimeout: time.Minute,
			MaxPopWait:   time.Second,
			RetryLimit:   3,
			RetryBackoff: 10 * time.Millisecond,
			MaxBackoff:   20 * time.Millisecond,
		},
		Stacker: frontier.StackerConfig{UserAgent: "test-agent"},
		Logger:  testLogger(),
	}
}

func openFrontier(t *testing.T, dbPath string, opts frontier.Options) *frontier.Frontier {
	t.Helper()
	store, err := storage.NewSQLiteStorage(dbPath)
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	f, err := frontier.New(context.Background(), store, opts)
	if err != nil {
		_ = store.Close()
		t.Fatalf("Failed to open frontier: %v", err)
	}
	return f
}

func newTestFrontier(t *testing.T, opts frontier.Options) *frontier.Frontier {
	t.Helper()
	f := openFrontier(t, filepath.Join(t.TempDir(), "frontier.db"), opts)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func createProfile(t *testing.T, f *frontier.Frontier, cfg frontier.ProfileConfig) *frontier.Profile {
	t.Helper()
	p, err := f.Registry.Create(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Failed to create profile: %v", err)
	}
	return p
}

func stack(t *testing.T, f *frontier.Frontier, rawURL, profile string, depth int) frontier.Decision {
	t.Helper()
	d, err := f.Stacker.Stack(context.Background(), frontier.Candidate{
		URL:           rawURL,
		ProfileHandle: profile,
		Depth:         depth,
		InitiatorID:   "tester",
	})
	if err != nil {
		t.Fatalf("Stack(%s) failed: %v", rawURL, err)
	}
	return d
}

func pop(t *testing.T, f *frontier.Frontier) frontier.CrawlRequest {
	t.Helper()
	req, err := f.Queue.Pop(context.Background())
	if err != nil {
		t.Fatalf("Pop failed: %v", err)
	}
	return req
}

func expectReason(t *testing.T, d frontier.Decision, want frontier.Reason) {
	t.Helper()
	if d.Accepted {
		t.Errorf("Expected rejection %s, got accepted", want)
		return
	}
	if d.Reason != want {
		t.Errorf("Expected reason %s, got %s (%s)", want, d.Reason, d.Detail)
	}
}

func expectAccepted(t *testing.T, d frontier.Decision) {
	t.Helper()
	if !d.Accepted {
		t.Errorf("Expected accepted, got %s", d)
	}
}
