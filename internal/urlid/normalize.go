// Package urlid canonicalizes URLs and derives the fixed-width hash that the
// crawl frontier uses as its primary key.
//
// Normalization is purely syntactic: scheme and host are lowercased, IDN hosts
// are converted to their ASCII form, default ports are dropped, dot segments are
// resolved, the fragment is removed and query parameters are re-encoded in
// their original order. Session-id stripping and query sorting are opt-in.
package urlid

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/net/idna"
)

// ErrInvalidURL is returned when a URL cannot be normalized.
var ErrInvalidURL = errors.New("invalid url")

// sessionParams are query parameter names treated as session identifiers.
var sessionParams = map[string]bool{
	"jsessionid":   true,
	"phpsessid":    true,
	"sid":          true,
	"sessionid":    true,
	"session_id":   true,
	"aspsessionid": true,
	"cfid":         true,
	"cftoken":      true,
	"zenid":        true,
}

var pathSessionRe = regexp.MustCompile(`(?i);jsessionid=[^/?#]*`)

// hostProfile maps IDN hosts to ASCII without rejecting underscores, which
// are common in real-world hostnames.
var hostProfile = idna.New(idna.MapForLookup(), idna.StrictDomainName(false))

var defaultPorts = map[string]string{
	"http":  "80",
	"https": "443",
	"ftp":   "21",
}

// Options controls the optional normalization rules.
type Options struct {
	Schemes         []string // Accepted schemes (lowercase)
	StripSessionIDs bool     // Drop session-id-like query parameters and ;jsessionid path params
	SortQuery       bool     // Sort query parameters by key instead of preserving order
}

// DefaultOptions returns the options used by Normalize.
func DefaultOptions() Options {
	return Options{
		Schemes: []string{"http", "https"},
	}
}

// Normalizer canonicalizes URL strings.
type Normalizer struct {
	schemes         map[string]bool
	stripSessionIDs bool
	sortQuery       bool
}

// NewNormalizer creates a normalizer for the given options.
func NewNormalizer(opts Options) *Normalizer {
	if len(opts.Schemes) == 0 {
		opts.Schemes = DefaultOptions().Schemes
	}
	schemes := make(map[string]bool, len(opts.Schemes))
	for _, s := range opts.Schemes {
		schemes[strings.ToLower(strings.TrimSpace(s))] = true
	}
	return &Normalizer{
		schemes:         schemes,
		stripSessionIDs: opts.StripSessionIDs,
		sortQuery:       opts.SortQuery,
	}
}

var defaultNormalizer = NewNormalizer(DefaultOptions())

// Normalize canonicalizes rawURL with the default options.
func Normalize(rawURL string) (string, error) {
	return defaultNormalizer.Normalize(rawURL)
}

// Normalize returns the canonical form of rawURL. The result is a fixed point:
// normalizing it again yields the same string.
func (n *Normalizer) Normalize(rawURL string) (string, error) {
	u, err := n.Parse(rawURL)
	if err != nil {
		return "", err
	}
	return u.String(), nil
}

// Parse normalizes rawURL and returns it as a *url.URL.
func (n *Normalizer) Parse(rawURL string) (*url.URL, error) {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return nil, fmt.Errorf("%w: empty", ErrInvalidURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if !u.IsAbs() || u.Opaque != "" {
		return nil, fmt.Errorf("%w: not an absolute url", ErrInvalidURL)
	}

	scheme := strings.ToLower(u.Scheme)
	if !n.schemes[scheme] {
		return nil, fmt.Errorf("%w: unsupported protocol %q", ErrInvalidURL, scheme)
	}

	host, err := normalizeHost(u.Hostname())
	if err != nil {
		return nil, err
	}
	port := u.Port()
	if port != "" && port == defaultPorts[scheme] {
		port = ""
	}
	if port != "" {
		host = net.JoinHostPort(host, port)
	} else if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}

	p := u.Path
	if n.stripSessionIDs {
		p = pathSessionRe.ReplaceAllString(p, "")
	}

	out := &url.URL{
		Scheme:   scheme,
		User:     u.User,
		Host:     host,
		Path:     cleanPath(p),
		RawQuery: n.normalizeQuery(u.RawQuery),
	}
	return out, nil
}

func normalizeHost(host string) (string, error) {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := hostProfile.ToASCII(host)
	if err != nil {
		return "", fmt.Errorf("%w: host %q: %v", ErrInvalidURL, host, err)
	}
	return ascii, nil
}

// cleanPath resolves dot segments and collapses duplicate slashes while
// keeping a trailing slash.
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

type queryParam struct {
	key     string
	encoded string
}

// normalizeQuery re-encodes every '&'-separated parameter and drops empty
// ones. Parts that do not decode, or that use ';' as a separator, are kept
// as they are. Parameter order is preserved unless sorting is enabled.
func (n *Normalizer) normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}

	params := make([]queryParam, 0, strings.Count(raw, "&")+1)
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		if strings.Contains(part, ";") {
			if kept := n.semicolonParams(part); kept != "" {
				k, _, _ := strings.Cut(kept, "=")
				params = append(params, queryParam{key: k, encoded: kept})
			}
			continue
		}
		k, v, hasValue := strings.Cut(part, "=")
		key, kerr := url.QueryUnescape(k)
		val, verr := url.QueryUnescape(v)
		if kerr != nil || verr != nil {
			params = append(params, queryParam{key: k, encoded: part})
			continue
		}
		if n.stripSessionIDs && IsSessionParam(key) {
			continue
		}
		encoded := url.QueryEscape(key)
		if hasValue {
			encoded += "=" + url.QueryEscape(val)
		}
		params = append(params, queryParam{key: key, encoded: encoded})
	}

	if n.sortQuery {
		sort.SliceStable(params, func(i, j int) bool {
			return params[i].key < params[j].key
		})
	}

	encoded := make([]string, len(params))
	for i, p := range params {
		encoded[i] = p.encoded
	}
	return strings.Join(encoded, "&")
}

// semicolonParams keeps a ';'-separated query part byte for byte. Only
// session-id pieces are removed, and only when stripping is enabled.
func (n *Normalizer) semicolonParams(part string) string {
	if !n.stripSessionIDs {
		return part
	}
	pieces := strings.Split(part, ";")
	kept := pieces[:0]
	for _, piece := range pieces {
		k, _, _ := strings.Cut(piece, "=")
		if key, err := url.QueryUnescape(k); err == nil && IsSessionParam(key) {
			continue
		}
		kept = append(kept, piece)
	}
	return strings.Join(kept, ";")
}

// IsSessionParam reports whether a query parameter name looks like a session id.
func IsSessionParam(name string) bool {
	return sessionParams[strings.ToLower(name)]
}

// HasSessionID reports whether a URL carries a session-id-like parameter.
func HasSessionID(u *url.URL) bool {
	if u == nil {
		return false
	}
	if pathSessionRe.MatchString(u.Path) {
		return true
	}
	for key := range u.Query() {
		if IsSessionParam(key) {
			return true
		}
	}
	return false
}

// Host returns the host[:port] of a normalized URL, or "" if it cannot be parsed.
func Host(normalized string) string {
	u, err := url.Parse(normalized)
	if err != nil {
		return ""
	}
	return u.Host
}
