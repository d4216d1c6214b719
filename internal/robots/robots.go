// Package robots evaluates robots.txt rules for the crawl frontier.
//
// Rules are fetched explicitly with Prefetch and kept in a TTL cache.
// IsAllowed and CrawlDelay answer from the cache only, so admission never
// blocks on the network; hosts whose rules are not cached yet are allowed.
package robots

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/temoto/robotstxt"
)

const maxRobotsSize = 512 * 1024

// Config controls robots handling
type Config struct {
	UserAgent string
	Respect   bool          // When false every URL is allowed
	CacheTTL  time.Duration // How long fetched rules stay valid
	Overrides []string      // Hosts whose rules are ignored
}

// Agent fetches, caches and evaluates robots.txt files
type Agent struct {
	client    *http.Client
	userAgent string
	respect   bool
	overrides map[string]struct{}
	cache     *bigcache.BigCache
	logger    *slog.Logger
}

// NewAgent creates an agent. client may be nil.
func NewAgent(ctx context.Context, cfg Config, client *http.Client, logger *slog.Logger) (*Agent, error) {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}

	cacheConfig := bigcache.DefaultConfig(ttl)
	cacheConfig.Shards = 64
	cacheConfig.CleanWindow = ttl / 2
	cacheConfig.MaxEntrySize = 4096
	cacheConfig.HardMaxCacheSize = 64 // MB
	cacheConfig.Verbose = false

	cache, err := bigcache.New(ctx, cacheConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create robots cache: %w", err)
	}

	overrides := make(map[string]struct{}, len(cfg.Overrides))
	for _, host := range cfg.Overrides {
		host = strings.ToLower(strings.TrimSpace(host))
		if host == "" {
			continue
		}
		overrides[host] = struct{}{}
	}

	return &Agent{
		client:    client,
		userAgent: cfg.UserAgent,
		respect:   cfg.Respect,
		overrides: overrides,
		cache:     cache,
		logger:    logger,
	}, nil
}

// Close releases the cache
func (a *Agent) Close() error {
	return a.cache.Close()
}

// IsAllowed reports whether userAgent may fetch target according to cached
// rules. Hosts without cached rules are allowed.
func (a *Agent) IsAllowed(_ context.Context, target *url.URL, userAgent string) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if a.skip(target.Host) {
		return true
	}
	entry, ok := a.cached(target.Host)
	if !ok {
		return true
	}
	return a.test(entry, target, userAgent)
}

// Allowed fetches the rules of target's host if needed and evaluates them
func (a *Agent) Allowed(ctx context.Context, target *url.URL) bool {
	if target == nil || !target.IsAbs() {
		return false
	}
	if a.skip(target.Host) {
		return true
	}
	entry, err := a.load(ctx, target)
	if err != nil {
		// Unreachable robots.txt is treated as allow-all
		a.logger.Debug("Robots fetch failed", "host", target.Host, "error", err)
		return true
	}
	return a.test(entry, target, a.userAgent)
}

// Prefetch makes sure the rules of target's host are cached
func (a *Agent) Prefetch(ctx context.Context, target *url.URL) error {
	if a.skip(target.Host) {
		return nil
	}
	_, err := a.load(ctx, target)
	return err
}

// CrawlDelay returns the cached crawl-delay of host, zero if none
func (a *Agent) CrawlDelay(host string) time.Duration {
	if a.skip(host) {
		return 0
	}
	entry, ok := a.cached(host)
	if !ok {
		return 0
	}
	if group := entry.group(a.userAgent); group != nil {
		return group.CrawlDelay
	}
	return 0
}

// Purge evicts cached rules of host
func (a *Agent) Purge(host string) {
	_ = a.cache.Delete(cacheKey(host))
}

func (a *Agent) skip(host string) bool {
	if !a.respect {
		return true
	}
	_, ok := a.overrides[hostname(host)]
	return ok
}

// rulesEntry pairs parsed rules with the HTTP status they were served with
type rulesEntry struct {
	status int
	rules  *robotstxt.RobotsData
}

func (e *rulesEntry) group(userAgent string) *robotstxt.Group {
	if e.status < 200 || e.status >= 300 {
		return nil
	}
	return e.rules.FindGroup(userAgent)
}

func (a *Agent) test(e *rulesEntry, target *url.URL, userAgent string) bool {
	if userAgent == "" {
		userAgent = a.userAgent
	}
	// Server errors mean the site is unavailable: nothing may be fetched
	if e.status >= 500 {
		return false
	}
	group := e.group(userAgent)
	if group == nil {
		return true
	}
	p := target.EscapedPath()
	if p == "" {
		p = "/"
	}
	if target.RawQuery != "" {
		p += "?" + target.RawQuery
	}
	return group.Test(p)
}

func (a *Agent) cached(host string) (*rulesEntry, bool) {
	raw, err := a.cache.Get(cacheKey(host))
	if err != nil {
		return nil, false
	}
	entry, err := decode(raw)
	if err != nil {
		return nil, false
	}
	return entry, true
}

func (a *Agent) load(ctx context.Context, target *url.URL) (*rulesEntry, error) {
	if entry, ok := a.cached(target.Host); ok {
		return entry, nil
	}

	status, body, err := a.fetch(ctx, target)
	if err != nil {
		return nil, err
	}
	entry, err := parse(status, body)
	if err != nil {
		return nil, err
	}
	if err := a.cache.Set(cacheKey(target.Host), encode(status, body)); err != nil {
		// Rules still apply to this fetch; the host is simply fetched again next time
		a.logger.Warn("Failed to cache robots.txt", "host", target.Host, "size", len(body), "error", err)
	}
	return entry, nil
}

func (a *Agent) fetch(ctx context.Context, target *url.URL) (int, []byte, error) {
	robotsURL := target.Scheme + "://" + target.Host + "/robots.txt"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("build robots request: %w", err)
	}
	if a.userAgent != "" {
		req.Header.Set("User-Agent", a.userAgent)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("fetch robots.txt: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsSize))
	if err != nil {
		return 0, nil, fmt.Errorf("read robots.txt: %w", err)
	}

	a.logger.Debug("Robots fetched", "host", target.Host, "status", resp.StatusCode, "size", len(body))
	return resp.StatusCode, body, nil
}

func cacheKey(host string) string {
	return strings.ToLower(host)
}

func hostname(host string) string {
	if u, err := url.Parse("//" + host); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(host)
}

// encode prefixes the body with the HTTP status so that error statuses keep
// their allow-all or disallow-all meaning in the cache.
func encode(status int, body []byte) []byte {
	out := make([]byte, 2+len(body))
	binary.BigEndian.PutUint16(out, uint16(status))
	copy(out[2:], body)
	return out
}

func decode(raw []byte) (*rulesEntry, error) {
	if len(raw) < 2 {
		return nil, errors.New("short robots cache entry")
	}
	return parse(int(binary.BigEndian.Uint16(raw)), raw[2:])
}

func parse(status int, body []byte) (*rulesEntry, error) {
	rules, err := robotstxt.FromStatusAndBytes(status, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots.txt: %w", err)
	}
	return &rulesEntry{status: status, rules: rules}, nil
}
