package frontier

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/masahif/crawlfrontier/internal/urlid"
)

// Candidate is a URL offered for admission
type Candidate struct {
	URL           string
	Referrer      urlid.Hash // urlid.RootReferrer for start URLs
	ProfileHandle string
	Depth         int
	InitiatorID   string
	AnchorText    string
}

// StackerConfig holds admission settings that do not come from a profile
type StackerConfig struct {
	UserAgent    string        // Agent name checked against robots rules
	DefaultDelay time.Duration // Politeness delay for profiles that inherit it
}

// StackerDeps are the collaborators of a Stacker. Blacklist and Robots are
// optional.
type StackerDeps struct {
	Normalizer *urlid.Normalizer
	Registry   *Registry
	Seen       *SeenSet
	Queue      *Queue
	Counters   *DomainCounters
	Blacklist  Blacklist
	Robots     RobotsPolicy
	Logger     *slog.Logger
}

// Stacker admits candidate URLs into the queue.
//
// Checks run in a fixed order and the first failing check names the
// rejection: normalization, depth, profile filters and robots rules,
// duplicates, blacklist, per-domain quota and finally the revisit policy.
// The duplicate check and the enqueue run under the URL's lock, and the
// quota check and enqueue run under the host's admission lock, so concurrent
// callers never admit the same URL twice or overrun a quota.
type Stacker struct {
	cfg StackerConfig
	StackerDeps
	now func() time.Time
}

// NewStacker creates a stacker
func NewStacker(cfg StackerConfig, deps StackerDeps) *Stacker {
	if deps.Normalizer == nil {
		deps.Normalizer = urlid.NewNormalizer(urlid.DefaultOptions())
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Stacker{cfg: cfg, StackerDeps: deps, now: time.Now}
}

// Stack evaluates c and enqueues it when every check passes. The error is
// reserved for configuration and persistence failures; rejections are
// reported through the Decision.
func (s *Stacker) Stack(ctx context.Context, c Candidate) (Decision, error) {
	var d Decision
	err := s.Registry.withProfile(c.ProfileHandle, func(p *Profile) error {
		var err error
		d, err = s.admit(ctx, p, c)
		return err
	})
	if err != nil {
		return Decision{}, err
	}

	if d.Accepted {
		s.Logger.Debug("URL accepted",
			"url", d.Request.URL,
			"depth", d.Request.Depth,
			"profile", d.Request.ProfileHandle)
	} else {
		s.Logger.Debug("URL rejected",
			"url", c.URL,
			"reason", d.Reason,
			"detail", d.Detail)
	}
	return d, nil
}

func (s *Stacker) admit(ctx context.Context, p *Profile, c Candidate) (Decision, error) {
	req := CrawlRequest{
		URL:           c.URL,
		ReferrerHash:  c.Referrer,
		ProfileHandle: p.Handle,
		InitiatorID:   c.InitiatorID,
		Depth:         c.Depth,
		AppearedAt:    s.now().UTC(),
		AnchorText:    c.AnchorText,
	}

	u, err := s.Normalizer.Parse(c.URL)
	if err != nil {
		return rejected(req, ReasonMalformedURL, err.Error()), nil
	}
	req.URL = u.String()
	req.URLHash = urlid.Sum(req.URL)

	if c.Depth < 0 {
		return rejected(req, ReasonDepthExceeded, fmt.Sprintf("negative depth %d", c.Depth)), nil
	}
	if c.Depth > p.MaxDepth {
		return rejected(req, ReasonDepthExceeded, fmt.Sprintf("depth %d exceeds max depth %d", c.Depth, p.MaxDepth)), nil
	}

	if detail := s.filterMismatch(ctx, p, u, req); detail != "" {
		return rejected(req, ReasonFilterMismatch, detail), nil
	}

	var d Decision
	err = s.Seen.WithLock(req.URLHash, func() error {
		var err error
		d, err = s.admitLocked(ctx, p, u, req)
		return err
	})
	return d, err
}

func (s *Stacker) filterMismatch(ctx context.Context, p *Profile, u *url.URL, req CrawlRequest) string {
	if req.Depth > 0 {
		if !p.MatchesFilters(req.URL) {
			return "url does not match profile filters"
		}
		if !p.AllowQuery && (u.RawQuery != "" || urlid.HasSessionID(u)) {
			return "query url not wanted"
		}
	}
	if s.Robots != nil && !s.Robots.IsAllowed(ctx, u, s.cfg.UserAgent) {
		return "disallowed by robots.txt"
	}
	return ""
}

func (s *Stacker) admitLocked(ctx context.Context, p *Profile, u *url.URL, req CrawlRequest) (Decision, error) {
	if s.Queue.Contains(req.URLHash) {
		return rejected(req, ReasonAlreadySeen, "already queued"), nil
	}

	rec, seen, err := s.Seen.Lookup(ctx, req.URLHash)
	if err != nil {
		return Decision{}, fmt.Errorf("failed to check seen store: %w", err)
	}
	if seen && (rec.Reason != SeenIndexed || !p.Revisit.Allows()) {
		return rejected(req, ReasonAlreadySeen, "seen: "+string(rec.Reason)), nil
	}

	if s.Blacklist != nil && s.Blacklist.IsBlacklisted(u, BlacklistCrawler) {
		return rejected(req, ReasonBlacklisted, "listed in "+BlacklistCrawler+" blacklist"), nil
	}

	var d Decision
	withinQuota, err := s.Counters.Admit(ctx, p.Handle, u.Host, p.DomainMaxPages, func() (bool, error) {
		if seen && !p.Revisit.Due(rec.Timestamp, s.now()) {
			d = rejected(req, ReasonNotDueForRevisit, "last indexed "+rec.Timestamp.Format(time.RFC3339))
			return false, nil
		}
		added, err := s.Queue.Push(ctx, req, s.delayFor(p))
		if err != nil {
			return false, err
		}
		if !added {
			d = rejected(req, ReasonAlreadySeen, "already queued")
			return false, nil
		}
		d = accepted(req)
		return true, nil
	})
	if err != nil {
		return Decision{}, err
	}
	if !withinQuota {
		return rejected(req, ReasonDomainQuotaExceeded,
			fmt.Sprintf("%d pages already accepted for %s", p.DomainMaxPages, u.Host)), nil
	}
	return d, nil
}

func (s *Stacker) delayFor(p *Profile) time.Duration {
	if p.PolitenessDelay >= 0 {
		return p.PolitenessDelay
	}
	return s.cfg.DefaultDelay
}
