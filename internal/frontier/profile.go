package frontier

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultProfileHandle names the profile created on first start
const DefaultProfileHandle = "default"

// MatchAll is the must-match pattern accepting every URL
const MatchAll = ".*"

// InheritDelay makes a profile use the globally configured politeness delay
const InheritDelay time.Duration = -1

// RevisitMode selects how already-indexed URLs are treated
type RevisitMode string

const (
	RevisitNever   RevisitMode = "never"
	RevisitAlways  RevisitMode = "always"
	RevisitIfOlder RevisitMode = "older-than"
)

// RevisitPolicy decides whether an indexed URL may be crawled again
type RevisitPolicy struct {
	Mode  RevisitMode
	After time.Duration // Minimum age for RevisitIfOlder
}

// ParseRevisitPolicy parses "never", "always" or "older-than:<duration>"
func ParseRevisitPolicy(s string) (RevisitPolicy, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	switch {
	case s == "" || s == string(RevisitNever):
		return RevisitPolicy{Mode: RevisitNever}, nil
	case s == string(RevisitAlways):
		return RevisitPolicy{Mode: RevisitAlways}, nil
	case strings.HasPrefix(s, string(RevisitIfOlder)+":"):
		d, err := time.ParseDuration(strings.TrimPrefix(s, string(RevisitIfOlder)+":"))
		if err != nil {
			return RevisitPolicy{}, fmt.Errorf("invalid revisit age: %w", err)
		}
		if d <= 0 {
			return RevisitPolicy{}, fmt.Errorf("revisit age must be positive: %s", d)
		}
		return RevisitPolicy{Mode: RevisitIfOlder, After: d}, nil
	default:
		return RevisitPolicy{}, fmt.Errorf("unknown revisit policy %q", s)
	}
}

func (p RevisitPolicy) String() string {
	if p.Mode == RevisitIfOlder {
		return fmt.Sprintf("%s:%s", p.Mode, p.After)
	}
	if p.Mode == "" {
		return string(RevisitNever)
	}
	return string(p.Mode)
}

// MarshalText implements encoding.TextMarshaler
func (p RevisitPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (p *RevisitPolicy) UnmarshalText(text []byte) error {
	parsed, err := ParseRevisitPolicy(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Allows reports whether an indexed URL may be re-admitted at all
func (p RevisitPolicy) Allows() bool {
	return p.Mode == RevisitAlways || p.Mode == RevisitIfOlder
}

// Due reports whether a URL last indexed at lastIndexed is due at now
func (p RevisitPolicy) Due(lastIndexed, now time.Time) bool {
	switch p.Mode {
	case RevisitAlways:
		return true
	case RevisitIfOlder:
		return now.Sub(lastIndexed) >= p.After
	default:
		return false
	}
}

// ProfileConfig holds the user-supplied settings of a crawl profile
type ProfileConfig struct {
	Handle          string        `mapstructure:"handle" yaml:"handle,omitempty"`
	Name            string        `mapstructure:"name" yaml:"name"`
	MustMatch       string        `mapstructure:"must_match" yaml:"must_match"`
	MustNotMatch    string        `mapstructure:"must_not_match" yaml:"must_not_match"`
	MaxDepth        int           `mapstructure:"max_depth" yaml:"max_depth"`
	DomainMaxPages  int           `mapstructure:"domain_max_pages" yaml:"domain_max_pages"` // 0 means unlimited
	Revisit         RevisitPolicy `mapstructure:"revisit" yaml:"revisit"`
	AllowQuery      bool          `mapstructure:"allow_query" yaml:"allow_query"`
	PolitenessDelay time.Duration `mapstructure:"politeness_delay" yaml:"politeness_delay"` // InheritDelay uses the global delay
	StoreContent    bool          `mapstructure:"store_content" yaml:"store_content"`
	IndexText       bool          `mapstructure:"index_text" yaml:"index_text"`
	IndexMedia      bool          `mapstructure:"index_media" yaml:"index_media"`
}

// DefaultProfileConfig returns the settings of the built-in default profile
func DefaultProfileConfig() ProfileConfig {
	return ProfileConfig{
		Handle:          DefaultProfileHandle,
		Name:            "Default crawl",
		MustMatch:       MatchAll,
		MaxDepth:        3,
		Revisit:         RevisitPolicy{Mode: RevisitNever},
		AllowQuery:      true,
		PolitenessDelay: InheritDelay,
		StoreContent:    true,
		IndexText:       true,
	}
}

// Profile is an immutable, validated crawl profile
type Profile struct {
	ProfileConfig
	CreatedAt time.Time

	mustMatch    *regexp.Regexp
	mustNotMatch *regexp.Regexp
}

// NewProfile validates cfg and compiles its filters. Patterns must match the
// whole normalized URL; an empty must-not-match pattern excludes nothing.
func NewProfile(cfg ProfileConfig, createdAt time.Time) (*Profile, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	cfg.Handle = strings.TrimSpace(cfg.Handle)
	if cfg.MustMatch == "" {
		cfg.MustMatch = MatchAll
	}
	if cfg.MaxDepth < 0 {
		return nil, fmt.Errorf("max depth must be non-negative: %d", cfg.MaxDepth)
	}
	if cfg.DomainMaxPages < 0 {
		cfg.DomainMaxPages = 0
	}
	if cfg.PolitenessDelay < 0 {
		cfg.PolitenessDelay = InheritDelay
	}
	if cfg.Revisit.Mode == "" {
		cfg.Revisit.Mode = RevisitNever
	}

	p := &Profile{ProfileConfig: cfg, CreatedAt: createdAt.UTC()}

	var err error
	if p.mustMatch, err = compileFullMatch(cfg.MustMatch); err != nil {
		return nil, fmt.Errorf("%w: must-match %q: %v", ErrInvalidPattern, cfg.MustMatch, err)
	}
	if cfg.MustNotMatch != "" {
		if p.mustNotMatch, err = compileFullMatch(cfg.MustNotMatch); err != nil {
			return nil, fmt.Errorf("%w: must-not-match %q: %v", ErrInvalidPattern, cfg.MustNotMatch, err)
		}
	}

	if p.Handle == "" {
		p.Handle = deriveHandle(cfg)
	}
	if p.Name == "" {
		p.Name = p.Handle
	}
	return p, nil
}

func compileFullMatch(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile(`^(?:` + pattern + `)$`)
}

// deriveHandle builds a stable 12-character handle from the settings that
// shape admission.
func deriveHandle(cfg ProfileConfig) string {
	h := sha256.New()
	for _, part := range []string{
		cfg.Name,
		cfg.MustMatch,
		cfg.MustNotMatch,
		strconv.Itoa(cfg.MaxDepth),
		strconv.Itoa(cfg.DomainMaxPages),
		cfg.Revisit.String(),
		strconv.FormatBool(cfg.AllowQuery),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))[:12]
}

// MatchesFilters reports whether a normalized URL passes the must-match and
// must-not-match patterns.
func (p *Profile) MatchesFilters(normalized string) bool {
	if !p.mustMatch.MatchString(normalized) {
		return false
	}
	if p.mustNotMatch != nil && p.mustNotMatch.MatchString(normalized) {
		return false
	}
	return true
}

// Unlimited reports whether the profile has no per-domain page cap
func (p *Profile) Unlimited() bool {
	return p.DomainMaxPages <= 0
}

// ProfileUsage reports how many queued requests reference a profile
type ProfileUsage interface {
	CountByProfile(handle string) int
}

// Registry holds the active crawl profiles
type Registry struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
	store    ProfileStore
	usage    ProfileUsage
	logger   *slog.Logger
	now      func() time.Time
}

// NewRegistry creates a registry backed by store. usage may be nil, in which
// case profiles are always removable.
func NewRegistry(store ProfileStore, usage ProfileUsage, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		profiles: make(map[string]*Profile),
		store:    store,
		usage:    usage,
		logger:   logger,
		now:      time.Now,
	}
}

// Load reads persisted profiles and creates the default profile if absent
func (r *Registry) Load(ctx context.Context) error {
	profiles, err := r.store.LoadProfiles(ctx)
	if err != nil {
		return fmt.Errorf("failed to load profiles: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range profiles {
		r.profiles[p.Handle] = p
	}
	if _, ok := r.profiles[DefaultProfileHandle]; !ok {
		p, err := NewProfile(DefaultProfileConfig(), r.now())
		if err != nil {
			return err
		}
		if err := r.store.SaveProfile(ctx, p); err != nil {
			return fmt.Errorf("failed to save default profile: %w", err)
		}
		r.profiles[p.Handle] = p
	}

	r.logger.Info("Profiles loaded", "count", len(r.profiles))
	return nil
}

// Create validates, persists and registers a new profile
func (r *Registry) Create(ctx context.Context, cfg ProfileConfig) (*Profile, error) {
	p, err := NewProfile(cfg, r.now())
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.profiles[p.Handle]; exists {
		return nil, fmt.Errorf("%w: %s", ErrProfileExists, p.Handle)
	}
	if err := r.store.SaveProfile(ctx, p); err != nil {
		return nil, fmt.Errorf("failed to save profile: %w", err)
	}
	r.profiles[p.Handle] = p

	r.logger.Info("Profile created", "handle", p.Handle, "name", p.Name, "max_depth", p.MaxDepth)
	return p, nil
}

// Get returns the profile registered under handle
func (r *Registry) Get(handle string) (*Profile, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[handle]
	return p, ok
}

// List returns all profiles ordered by handle
func (r *Registry) List() []*Profile {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Profile, 0, len(r.profiles))
	for _, p := range r.profiles {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handle < out[j].Handle })
	return out
}

// Remove unregisters a profile. It fails with ErrProfileInUse while queued
// requests still reference it.
func (r *Registry) Remove(ctx context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.profiles[handle]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, handle)
	}
	if r.usage != nil {
		if n := r.usage.CountByProfile(handle); n > 0 {
			return fmt.Errorf("%w: %s has %d queued requests", ErrProfileInUse, handle, n)
		}
	}
	if err := r.store.DeleteProfile(ctx, handle); err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	delete(r.profiles, handle)

	r.logger.Info("Profile removed", "handle", handle)
	return nil
}

// withProfile runs fn while holding the registry read lock so the profile
// cannot be removed mid-admission.
func (r *Registry) withProfile(handle string, fn func(*Profile) error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.profiles[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownProfile, handle)
	}
	return fn(p)
}
