package frontier_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/masahif/crawlfrontier/internal/frontier"
)

type fixedDelays map[string]time.Duration

func (d fixedDelays) CrawlDelay(host string) time.Duration {
	return d[host]
}

func TestQueuePriorityOrder(t *testing.T) {
	f := newTestFrontier(t, testOptions())

	stacked := []struct {
		url   string
		depth int
	}{
		{"https://a.example/deep", 2},
		{"https://b.example/mid", 1},
		{"https://c.example/first", 0},
		{"https://d.example/second", 0},
	}
	for _, s := range stacked {
		expectAccepted(t, stack(t, f, s.url, frontier.DefaultProfileHandle, s.depth))
	}

	top := f.Queue.PeekTop(2)
	if len(top) != 2 || top[0].Request.URL != "https://c.example/first" || top[1].Request.URL != "https://d.example/second" {
		t.Errorf("Unexpected PeekTop result: %+v", top)
	}
	if f.Queue.Size() != 4 {
		t.Errorf("Expected PeekTop to leave queue intact, got size %d", f.Queue.Size())
	}

	want := []string{
		"https://c.example/first",
		"https://d.example/second",
		"https://b.example/mid",
		"https://a.example/deep",
	}
	for i, w := range want {
		if got := pop(t, f).URL; got != w {
			t.Errorf("Pop %d: expected %s, got %s", i, w, got)
		}
	}

	stats := f.Queue.Stats()
	if stats.Queued != 0 || stats.InFlight != 4 {
		t.Errorf("Expected 0 queued and 4 in flight, got %+v", stats)
	}
}

func TestQueuePolitenessSpacing(t *testing.T) {
	const delay = 80 * time.Millisecond
	opts := testOptions()
	opts.Stacker.DefaultDelay = delay
	f := newTestFrontier(t, opts)

	for _, u := range []string{"https://slow.example/1", "https://slow.example/2", "https://slow.example/3"} {
		expectAccepted(t, stack(t, f, u, frontier.DefaultProfileHandle, 0))
	}

	var started, finished []time.Time
	for i := 0; i < 3; i++ {
		started = append(started, time.Now())
		pop(t, f)
		finished = append(finished, time.Now())
	}

	for i := 1; i < 3; i++ {
		if gap := finished[i].Sub(started[i-1]); gap < delay {
			t.Errorf("Pop %d came %v after pop %d started, expected at least %v", i, gap, i-1, delay)
		}
	}
}

func TestQueueServesOtherHostsWhileWaiting(t *testing.T) {
	opts := testOptions()
	opts.Stacker.DefaultDelay = 200 * time.Millisecond
	f := newTestFrontier(t, opts)

	expectAccepted(t, stack(t, f, "https://a.example/1", frontier.DefaultProfileHandle, 0))
	expectAccepted(t, stack(t, f, "https://a.example/2", frontier.DefaultProfileHandle, 0))
	expectAccepted(t, stack(t, f, "https://b.example/1", frontier.DefaultProfileHandle, 1))

	order := []string{pop(t, f).URL, pop(t, f).URL, pop(t, f).URL}
	want := []string{"https://a.example/1", "https://b.example/1", "https://a.example/2"}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("Pop %d: expected %s, got %s", i, want[i], order[i])
		}
	}

	hosts := f.Queue.Hosts()
	if len(hosts) != 2 {
		t.Fatalf("Expected 2 hosts with in-flight work, got %+v", hosts)
	}
	for _, h := range hosts {
		if h.Queued != 0 || h.InFlight == 0 {
			t.Errorf("Unexpected host stat %+v", h)
		}
	}
}

func TestQueueCrawlDelay(t *testing.T) {
	opts := testOptions()
	opts.Queue.MaxCrawlDelay = 40 * time.Millisecond
	opts.CrawlDelays = fixedDelays{"robots.example": 5 * time.Second}
	f := newTestFrontier(t, opts)

	expectAccepted(t, stack(t, f, "https://robots.example/", frontier.DefaultProfileHandle, 0))
	before := time.Now()
	pop(t, f)
	after := time.Now()

	next := f.Counters.NextAllowedTime("robots.example")
	if next.Before(before.Add(40*time.Millisecond)) || next.After(after.Add(40*time.Millisecond)) {
		t.Errorf("Expected next allowed time capped at 40ms after pop, got %v after", next.Sub(before))
	}
}

func TestQueuePopWaitsAndWakes(t *testing.T) {
	ctx := context.Background()

	t.Run("NoWork", func(t *testing.T) {
		opts := testOptions()
		opts.Queue.MaxPopWait = 50 * time.Millisecond
		f := newTestFrontier(t, opts)

		start := time.Now()
		_, err := f.Queue.Pop(ctx)
		if !errors.Is(err, frontier.ErrNoWork) {
			t.Fatalf("Expected ErrNoWork, got %v", err)
		}
		if !frontier.IsRetryable(err) {
			t.Error("Expected ErrNoWork to be retryable")
		}
		if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
			t.Errorf("Expected Pop to wait for the bound, returned after %v", elapsed)
		}
	})

	t.Run("WakeOnPush", func(t *testing.T) {
		opts := testOptions()
		opts.Queue.MaxPopWait = 5 * time.Second
		f := newTestFrontier(t, opts)

		go func() {
			time.Sleep(50 * time.Millisecond)
			_, _ = f.Stacker.Stack(ctx, frontier.Candidate{URL: "https://late.example/", ProfileHandle: frontier.DefaultProfileHandle})
		}()

		start := time.Now()
		req := pop(t, f)
		if req.URL != "https://late.example/" {
			t.Errorf("Unexpected request %s", req.URL)
		}
		if elapsed := time.Since(start); elapsed > 2*time.Second {
			t.Errorf("Expected Pop to wake on push, took %v", elapsed)
		}
	})

	t.Run("ContextCanceled", func(t *testing.T) {
		opts := testOptions()
		opts.Queue.MaxPopWait = 5 * time.Second
		f := newTestFrontier(t, opts)

		cctx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
		defer cancel()
		if _, err := f.Queue.Pop(cctx); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("Expected context deadline, got %v", err)
		}
	})
}

func TestQueuePause(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "frontier.db")

	f := openFrontier(t, dbPath, testOptions())
	expectAccepted(t, stack(t, f, "https://p.example/", frontier.DefaultProfileHandle, 0))

	if err := f.Queue.Pause(ctx); err != nil {
		t.Fatalf("Pause failed: %v", err)
	}
	if _, err := f.Queue.Pop(ctx); !errors.Is(err, frontier.ErrPaused) {
		t.Errorf("Expected ErrPaused, got %v", err)
	}
	// Admission keeps working while paused.
	expectAccepted(t, stack(t, f, "https://p.example/2", frontier.DefaultProfileHandle, 0))
	_ = f.Close()

	f = openFrontier(t, dbPath, testOptions())
	defer f.Close()
	if !f.Queue.Paused() {
		t.Fatal("Expected pause to survive restart")
	}

	store := f.Store
	if err := store.SetMeta(ctx, "paused", "false"); err != nil {
		t.Fatalf("SetMeta failed: %v", err)
	}
	if err := f.Queue.SyncPause(ctx); err != nil {
		t.Fatalf("SyncPause failed: %v", err)
	}
	if f.Queue.Paused() {
		t.Fatal("Expected SyncPause to pick up external resume")
	}
	if got := pop(t, f).URL; got != "https://p.example/" {
		t.Errorf("Expected first request after resume, got %s", got)
	}
}

func TestQueueLeaseExpiry(t *testing.T) {
	opts := testOptions()
	opts.Queue.LeaseTimeout = 50 * time.Millisecond
	f := newTestFrontier(t, opts)

	expectAccepted(t, stack(t, f, "https://lease.example/", frontier.DefaultProfileHandle, 0))
	first := pop(t, f)

	entry, _ := f.Queue.Get(first.URLHash)
	if entry.State != frontier.StateDequeued || entry.Attempts != 1 {
		t.Fatalf("Expected dequeued entry with 1 attempt, got %+v", entry)
	}

	second := pop(t, f)
	if second.URLHash != first.URLHash {
		t.Fatalf("Expected abandoned request to be handed out again, got %s", second.URL)
	}
	entry, _ = f.Queue.Get(first.URLHash)
	if entry.Attempts != 2 {
		t.Errorf("Expected 2 attempts, got %d", entry.Attempts)
	}

	// The original worker reporting late still completes the request.
	kind, err := f.Queue.ReportOutcome(context.Background(), first.URLHash, frontier.Success())
	if err != nil || kind != frontier.OutcomeSuccess {
		t.Fatalf("Expected late success to be accepted, got %v (err=%v)", kind, err)
	}
	_, err = f.Queue.ReportOutcome(context.Background(), first.URLHash, frontier.Success())
	if !errors.Is(err, frontier.ErrNotInQueue) {
		t.Errorf("Expected ErrNotInQueue for a second report, got %v", err)
	}
}

func TestQueueReclaimExpired(t *testing.T) {
	opts := testOptions()
	opts.Queue.LeaseTimeout = 10 * time.Millisecond
	f := newTestFrontier(t, opts)

	expectAccepted(t, stack(t, f, "https://reclaim.example/", frontier.DefaultProfileHandle, 0))
	req := pop(t, f)
	time.Sleep(20 * time.Millisecond)

	if n := f.Queue.ReclaimExpired(context.Background()); n != 1 {
		t.Fatalf("Expected 1 reclaimed request, got %d", n)
	}
	entry, _ := f.Queue.Get(req.URLHash)
	if entry.State != frontier.StateQueued {
		t.Errorf("Expected reclaimed request to be queued, got %s", entry.State)
	}
}

func TestQueueRetryThenSeal(t *testing.T) {
	ctx := context.Background()
	f := newTestFrontier(t, testOptions())
	const retryLimit = 3

	expectAccepted(t, stack(t, f, "https://flaky.example/", frontier.DefaultProfileHandle, 0))

	hash := pop(t, f).URLHash
	for i := 1; i <= retryLimit; i++ {
		reported := time.Now()
		kind, err := f.Queue.ReportOutcome(ctx, hash, frontier.TransientFailure("connection refused"))
		if err != nil {
			t.Fatalf("ReportOutcome %d failed: %v", i, err)
		}
		if i < retryLimit {
			if kind != frontier.OutcomeTransientFailure {
				t.Fatalf("Report %d: expected transient failure, got %s", i, kind)
			}
			if next := f.Counters.NextAllowedTime("flaky.example"); !next.After(reported) {
				t.Errorf("Report %d: expected host backoff in the future, got %v", i, next)
			}
			if got := pop(t, f); got.URLHash != hash {
				t.Fatalf("Expected requeued request, got %s", got.URL)
			}
			continue
		}
		if kind != frontier.OutcomePermanentFailure {
			t.Errorf("Expected final report to seal as permanent failure, got %s", kind)
		}
	}

	rec, ok, err := f.Store.GetError(ctx, hash)
	if err != nil || !ok {
		t.Fatalf("Expected error record, got ok=%v err=%v", ok, err)
	}
	if rec.FailureCount != retryLimit {
		t.Errorf("Expected failure count %d, got %d", retryLimit, rec.FailureCount)
	}
	seen, ok, err := f.Seen.Lookup(ctx, hash)
	if err != nil || !ok || seen.Reason != frontier.SeenRejected {
		t.Errorf("Expected rejected seen record, got %+v (ok=%v err=%v)", seen, ok, err)
	}
	if f.Queue.Contains(hash) {
		t.Error("Expected sealed request to leave the queue")
	}
	expectReason(t, stack(t, f, "https://flaky.example/", frontier.DefaultProfileHandle, 0), frontier.ReasonAlreadySeen)
}

func TestQueueSuccessClearsErrors(t *testing.T) {
	ctx := context.Background()
	f := newTestFrontier(t, testOptions())

	expectAccepted(t, stack(t, f, "https://recover.example/", frontier.DefaultProfileHandle, 0))
	hash := pop(t, f).URLHash
	if _, err := f.Queue.ReportOutcome(ctx, hash, frontier.TransientFailure("503 Service Unavailable")); err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}
	pop(t, f)
	if _, err := f.Queue.ReportOutcome(ctx, hash, frontier.Success()); err != nil {
		t.Fatalf("ReportOutcome failed: %v", err)
	}

	if _, ok, _ := f.Store.GetError(ctx, hash); ok {
		t.Error("Expected success to clear the error record")
	}
	seen, ok, _ := f.Seen.Lookup(ctx, hash)
	if !ok || seen.Reason != frontier.SeenIndexed {
		t.Errorf("Expected indexed seen record, got %+v", seen)
	}
}

func TestQueueRemove(t *testing.T) {
	ctx := context.Background()
	f := newTestFrontier(t, testOptions())

	for _, u := range []string{"https://r.example/1", "https://r.example/2", "https://s.example/1"} {
		expectAccepted(t, stack(t, f, u, frontier.DefaultProfileHandle, 0))
	}

	inFlight := pop(t, f)
	removed, err := f.Queue.Remove(ctx, inFlight.URLHash)
	if err != nil || !removed {
		t.Fatalf("Expected dequeued request to be removable, got %v (err=%v)", removed, err)
	}
	if _, err := f.Queue.ReportOutcome(ctx, inFlight.URLHash, frontier.Success()); !errors.Is(err, frontier.ErrNotInQueue) {
		t.Errorf("Expected ErrNotInQueue after removal, got %v", err)
	}
	removed, _ = f.Queue.Remove(ctx, inFlight.URLHash)
	if removed {
		t.Error("Expected second Remove to report false")
	}

	n, err := f.Queue.RemoveByHost(ctx, "r.example")
	if err != nil {
		t.Fatalf("RemoveByHost failed: %v", err)
	}
	if n+f.Queue.Size() != 2 {
		t.Errorf("Expected RemoveByHost to leave only s.example, removed %d, left %d", n, f.Queue.Size())
	}
	if peek := f.Queue.PeekHost("r.example", 10); len(peek) != 0 {
		t.Errorf("Expected no r.example requests, got %d", len(peek))
	}
}

func TestQueueRestart(t *testing.T) {
	ctx := context.Background()
	dbPath := filepath.Join(t.TempDir(), "frontier.db")

	f := openFrontier(t, dbPath, testOptions())
	createProfile(t, f, frontier.ProfileConfig{Handle: "cap", MaxDepth: 2, DomainMaxPages: 3})
	for _, u := range []string{"https://r.example/a", "https://r.example/b"} {
		expectAccepted(t, stack(t, f, u, "cap", 1))
	}
	inFlight := pop(t, f)
	_ = f.Close()

	f = openFrontier(t, dbPath, testOptions())
	defer f.Close()

	stats := f.Queue.Stats()
	if stats.Queued != 2 || stats.InFlight != 0 {
		t.Fatalf("Expected both requests queued after restart, got %+v", stats)
	}
	if n := f.Counters.AcceptedCount("r.example"); n != 2 {
		t.Errorf("Expected accepted count to survive restart, got %d", n)
	}
	expectReason(t, stack(t, f, "https://r.example/a", "cap", 1), frontier.ReasonAlreadySeen)
	expectAccepted(t, stack(t, f, "https://r.example/c", "cap", 1))
	expectReason(t, stack(t, f, "https://r.example/d", "cap", 1), frontier.ReasonDomainQuotaExceeded)

	if got := pop(t, f); got.URLHash != inFlight.URLHash {
		t.Errorf("Expected the interrupted request first, got %s", got.URL)
	}
	if _, err := f.Queue.ReportOutcome(ctx, inFlight.URLHash, frontier.Success()); err != nil {
		t.Errorf("ReportOutcome failed: %v", err)
	}
}

func TestQueueClose(t *testing.T) {
	f := newTestFrontier(t, testOptions())
	f.Queue.Close()

	if _, err := f.Queue.Pop(context.Background()); !errors.Is(err, frontier.ErrClosed) {
		t.Errorf("Expected ErrClosed from Pop, got %v", err)
	}
	if _, err := f.Queue.Push(context.Background(), frontier.CrawlRequest{URL: "https://x.example/"}, 0); !errors.Is(err, frontier.ErrClosed) {
		t.Errorf("Expected ErrClosed from Push, got %v", err)
	}
}
