// Package blacklist matches URLs against host/path deny lists.
//
// An entry has the form "host/path". The host part is a glob where "*"
// matches any run of characters, so "*.example.com" also covers nested
// subdomains. The optional path part is a regular expression that must match
// the whole path (without its leading slash) plus query; it defaults to ".*".
package blacklist

import (
	"bufio"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"

	"github.com/gobwas/glob"
)

// Categories consulted by different parts of the system
const (
	CategoryCrawler = "crawler"
	CategorySearch  = "search"
)

// ErrInvalidEntry is returned for entries that cannot be compiled
var ErrInvalidEntry = errors.New("invalid blacklist entry")

type entry struct {
	source string
	host   glob.Glob
	path   *regexp.Regexp // nil matches every path
}

// List holds compiled blacklist entries per category
type List struct {
	mu      sync.RWMutex
	exact   map[string]map[string][]*entry // category -> host -> entries
	globbed map[string][]*entry            // category -> wildcard entries
}

// New creates an empty list
func New() *List {
	return &List{
		exact:   make(map[string]map[string][]*entry),
		globbed: make(map[string][]*entry),
	}
}

// Add compiles and adds entries to a category
func (l *List) Add(category string, entries ...string) error {
	compiled := make([]*entry, 0, len(entries))
	for _, raw := range entries {
		e, err := compile(raw)
		if err != nil {
			return err
		}
		if e != nil {
			compiled = append(compiled, e)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, e := range compiled {
		hostPart := hostOf(e.source)
		if !strings.ContainsAny(hostPart, "*?[{") {
			if l.exact[category] == nil {
				l.exact[category] = make(map[string][]*entry)
			}
			l.exact[category][hostPart] = append(l.exact[category][hostPart], e)
			continue
		}
		l.globbed[category] = append(l.globbed[category], e)
	}
	return nil
}

// LoadFile adds the entries of a file, one per line. Blank lines and lines
// starting with '#' are ignored.
func (l *List) LoadFile(category, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open blacklist: %w", err)
	}
	defer func() { _ = f.Close() }()

	var entries []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		entries = append(entries, line)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read blacklist: %w", err)
	}
	return l.Add(category, entries...)
}

// Len returns the number of entries in a category
func (l *List) Len(category string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	n := len(l.globbed[category])
	for _, es := range l.exact[category] {
		n += len(es)
	}
	return n
}

// IsBlacklisted reports whether u matches an entry of category
func (l *List) IsBlacklisted(u *url.URL, category string) bool {
	if u == nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	p := strings.TrimPrefix(u.EscapedPath(), "/")
	if u.RawQuery != "" {
		p += "?" + u.RawQuery
	}

	l.mu.RLock()
	defer l.mu.RUnlock()

	for _, e := range l.exact[category][host] {
		if e.matchPath(p) {
			return true
		}
	}
	for _, e := range l.globbed[category] {
		if e.host.Match(host) && e.matchPath(p) {
			return true
		}
	}
	return false
}

func (e *entry) matchPath(p string) bool {
	return e.path == nil || e.path.MatchString(p)
}

func hostOf(source string) string {
	h, _, _ := strings.Cut(source, "/")
	return h
}

func compile(raw string) (*entry, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	raw = strings.TrimPrefix(strings.TrimPrefix(raw, "http://"), "https://")

	hostPart, pathPart, _ := strings.Cut(raw, "/")
	hostPart = strings.ToLower(hostPart)
	if hostPart == "" {
		return nil, fmt.Errorf("%w: %q has no host", ErrInvalidEntry, raw)
	}

	g, err := glob.Compile(hostPart)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q: %v", ErrInvalidEntry, hostPart, err)
	}

	e := &entry{source: hostPart + "/" + pathPart, host: g}
	if pathPart != "" && pathPart != ".*" {
		re, err := regexp.Compile(`^(?:` + pathPart + `)$`)
		if err != nil {
			return nil, fmt.Errorf("%w: path %q: %v", ErrInvalidEntry, pathPart, err)
		}
		e.path = re
	}
	return e, nil
}
