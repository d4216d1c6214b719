// Package config provides configuration management for the crawl frontier.
// It defines configuration structures and default values for the frontier,
// the loader and the administrative commands.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
)

// Network modes select the default politeness delay
const (
	NetworkInternet = "internet"
	NetworkIntranet = "intranet"
)

// LogConfig holds logging settings
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`             // debug, info, warn, error
	Format     string `mapstructure:"format" yaml:"format"`           // json or text
	File       string `mapstructure:"file" yaml:"file"`               // Log file path (empty = console only)
	MaxSize    string `mapstructure:"max_size" yaml:"max_size"`       // Size before rotation, e.g. 100MB
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"` // Rotated files kept
}

// FrontierConfig holds crawl frontier configuration
type FrontierConfig struct {
	// Storage
	DatabasePath string `mapstructure:"database_path" yaml:"database_path"` // Path to SQLite database file
	ExpectedURLs uint   `mapstructure:"expected_urls" yaml:"expected_urls"` // Sizing hint for the seen filter

	// Politeness
	NetworkMode     string        `mapstructure:"network_mode" yaml:"network_mode"`         // internet or intranet
	PolitenessDelay time.Duration `mapstructure:"politeness_delay" yaml:"politeness_delay"` // Per-host delay in internet mode
	IntranetDelay   time.Duration `mapstructure:"intranet_delay" yaml:"intranet_delay"`     // Per-host delay in intranet mode
	MaxRobotsDelay  time.Duration `mapstructure:"max_robots_delay" yaml:"max_robots_delay"` // Cap on robots.txt crawl-delay

	// Queue
	RetryLimit   int           `mapstructure:"retry_limit" yaml:"retry_limit"`     // Transient failures before a URL is given up
	RetryBackoff time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"` // Base of the exponential retry backoff
	MaxBackoff   time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`     // Upper bound of the retry backoff
	LeaseTimeout time.Duration `mapstructure:"lease_timeout" yaml:"lease_timeout"` // How long a dequeued request may stay unreported
	MaxPopWait   time.Duration `mapstructure:"max_pop_wait" yaml:"max_pop_wait"`   // How long Pop waits for eligible work

	// URL identity
	SupportedSchemes []string `mapstructure:"supported_schemes" yaml:"supported_schemes"`
	StripSessionIDs  bool     `mapstructure:"strip_session_ids" yaml:"strip_session_ids"`
	SortQuery        bool     `mapstructure:"sort_query" yaml:"sort_query"`

	// Admission collaborators
	Blacklist       []string      `mapstructure:"blacklist" yaml:"blacklist"`               // host/path patterns
	BlacklistFile   string        `mapstructure:"blacklist_file" yaml:"blacklist_file"`     // One pattern per line
	RespectRobots   bool          `mapstructure:"respect_robots" yaml:"respect_robots"`     // Whether to respect robots.txt
	RobotsCacheTTL  time.Duration `mapstructure:"robots_cache_ttl" yaml:"robots_cache_ttl"` // How long robots.txt rules are cached
	RobotsOverrides []string      `mapstructure:"robots_overrides" yaml:"robots_overrides"` // Hosts whose robots.txt is ignored

	// Loader
	Concurrency     int           `mapstructure:"concurrency" yaml:"concurrency"`               // Number of concurrent workers
	RequestTimeout  time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`       // HTTP request timeout
	UserAgent       string        `mapstructure:"user_agent" yaml:"user_agent"`                 // HTTP User-Agent header
	PagesPerMinute  int           `mapstructure:"pages_per_minute" yaml:"pages_per_minute"`     // Global fetch rate (0 = unlimited)
	Limit           int           `mapstructure:"limit" yaml:"limit"`                           // Stop after N pages
	MaxLinksPerPage int           `mapstructure:"max_links_per_page" yaml:"max_links_per_page"` // Links followed per page (0 = unlimited)
	Headers         []string      `mapstructure:"headers" yaml:"headers"`                       // Extra request headers, "Name: Value"

	Log LogConfig `mapstructure:"log" yaml:"log"`
}

// DefaultDatabasePath is the database location under the XDG data directory
func DefaultDatabasePath() string {
	return filepath.Join(xdg.DataHome, "crawlfrontier", "frontier.db")
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *FrontierConfig {
	return &FrontierConfig{
		DatabasePath:     DefaultDatabasePath(),
		ExpectedURLs:     1_000_000,
		NetworkMode:      NetworkInternet,
		PolitenessDelay:  3 * time.Second,
		IntranetDelay:    1 * time.Second,
		MaxRobotsDelay:   10 * time.Second,
		RetryLimit:       3,
		RetryBackoff:     30 * time.Second,
		MaxBackoff:       30 * time.Minute,
		LeaseTimeout:     5 * time.Minute,
		MaxPopWait:       1 * time.Second,
		SupportedSchemes: []string{"http", "https"},
		RespectRobots:    true,
		RobotsCacheTTL:   30 * time.Minute,
		Concurrency:      4,
		RequestTimeout:   30 * time.Second,
		UserAgent:        "crawlfrontier/1.0",
		MaxLinksPerPage:  500,
		Log: LogConfig{
			Level:      "info",
			Format:     "json",
			MaxSize:    "100MB",
			MaxBackups: 5,
		},
	}
}

// Validate checks if the configuration is valid and clamps values that
// have a safe lower bound
func (c *FrontierConfig) Validate() error {
	if c.DatabasePath == "" {
		return ErrEmptyDatabasePath
	}

	if c.Concurrency <= 0 {
		return ErrInvalidConcurrency
	}

	if c.RequestTimeout <= 0 {
		return ErrInvalidTimeout
	}

	if c.RetryLimit <= 0 {
		return ErrInvalidRetryLimit
	}

	if c.LeaseTimeout <= 0 {
		return ErrInvalidLeaseTimeout
	}

	c.NetworkMode = strings.ToLower(strings.TrimSpace(c.NetworkMode))
	switch c.NetworkMode {
	case "":
		c.NetworkMode = NetworkInternet
	case NetworkInternet, NetworkIntranet:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidNetworkMode, c.NetworkMode)
	}

	if c.PolitenessDelay < 0 {
		c.PolitenessDelay = 0
	}
	if c.IntranetDelay < 0 {
		c.IntranetDelay = 0
	}
	if c.MaxPopWait <= 0 {
		c.MaxPopWait = time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = time.Second
	}
	if c.MaxBackoff < c.RetryBackoff {
		c.MaxBackoff = c.RetryBackoff
	}
	if len(c.SupportedSchemes) == 0 {
		c.SupportedSchemes = []string{"http", "https"}
	}

	if _, err := c.ParseHeaders(); err != nil {
		return err
	}

	return nil
}

// EffectiveDelay returns the politeness delay for the configured network mode
func (c *FrontierConfig) EffectiveDelay() time.Duration {
	if c.NetworkMode == NetworkIntranet {
		return c.IntranetDelay
	}
	return c.PolitenessDelay
}

// ParseHeaders splits the configured "Name: Value" headers
func (c *FrontierConfig) ParseHeaders() (map[string]string, error) {
	headers := make(map[string]string, len(c.Headers))
	for _, header := range c.Headers {
		name, value, ok := strings.Cut(header, ":")
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if !ok || name == "" || value == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidHeader, header)
		}
		headers[name] = value
	}
	return headers, nil
}

// LoadHeadersFromEnv appends headers from CF_HEADER_<NAME> environment
// variables. Underscores in NAME become dashes.
func (c *FrontierConfig) LoadHeadersFromEnv() {
	const prefix = "CF_HEADER_"
	for _, env := range os.Environ() {
		key, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(key, prefix) || value == "" {
			continue
		}
		name := strings.ReplaceAll(strings.TrimPrefix(key, prefix), "_", "-")
		if name == "" {
			continue
		}
		c.Headers = append(c.Headers, name+": "+value)
	}
}
