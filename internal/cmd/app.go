package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/masahif/crawlfrontier/internal/blacklist"
	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/loader"
	"github.com/masahif/crawlfrontier/internal/logging"
	"github.com/masahif/crawlfrontier/internal/robots"
	"github.com/masahif/crawlfrontier/internal/storage"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

const (
	ownerLockTTL      = 30 * time.Second
	ownerLockInterval = 10 * time.Second
)

// app is the process wiring of commands that change the frontier: one
// store, one frontier over it, and the collaborators admission consults.
// The app owns the database for its lifetime, so two of them never work on
// the same frontier at once.
type app struct {
	cfg      *config.FrontierConfig
	logger   *slog.Logger
	store    *storage.SQLiteStorage
	frontier *frontier.Frontier
	robots   *robots.Agent
	client   *loader.HTTPClient

	// ctx is cancelled when ownership of the database is lost
	ctx    context.Context
	owner  string
	cancel context.CancelCauseFunc
	wg     sync.WaitGroup
}

// newLogger builds the process logger from the log section of cfg
func newLogger(cfg *config.FrontierConfig) (*slog.Logger, error) {
	maxSize, err := logging.ParseSize(cfg.Log.MaxSize)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logging.Config{
		Level:      logging.ParseLevel(cfg.Log.Level),
		Format:     cfg.Log.Format,
		FilePath:   cfg.Log.File,
		MaxSize:    maxSize,
		MaxBackups: cfg.Log.MaxBackups,
		Console:    true,
	})
}

// openApp opens the database and restores the frontier stored in it
func openApp(ctx context.Context, cfg *config.FrontierConfig) (*app, error) {
	logger, err := newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	bl := blacklist.New()
	if err := bl.Add(blacklist.CategoryCrawler, cfg.Blacklist...); err != nil {
		return nil, fmt.Errorf("invalid blacklist: %w", err)
	}
	if cfg.BlacklistFile != "" {
		if err := bl.LoadFile(blacklist.CategoryCrawler, cfg.BlacklistFile); err != nil {
			return nil, err
		}
	}

	headers, err := cfg.ParseHeaders()
	if err != nil {
		return nil, err
	}
	client := loader.NewHTTPClient(cfg.UserAgent, cfg.RequestTimeout)
	for name, value := range headers {
		client.SetHeader(name, value)
	}

	agent, err := robots.NewAgent(ctx, robots.Config{
		UserAgent: cfg.UserAgent,
		Respect:   cfg.RespectRobots,
		CacheTTL:  cfg.RobotsCacheTTL,
		Overrides: cfg.RobotsOverrides,
	}, client.StdClient(), logging.Component(logger, "robots"))
	if err != nil {
		client.Close()
		return nil, err
	}

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		_ = agent.Close()
		client.Close()
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}

	owner := uuid.NewString()
	if err := store.ClaimOwner(ctx, owner, time.Now(), ownerLockTTL); err != nil {
		_ = store.Close()
		_ = agent.Close()
		client.Close()
		return nil, fmt.Errorf("cannot open %s for writing: %w", cfg.DatabasePath, err)
	}

	f, err := frontier.New(ctx, store, frontier.Options{
		Queue: frontier.QueueConfig{
			LeaseTimeout:  cfg.LeaseTimeout,
			MaxPopWait:    cfg.MaxPopWait,
			RetryLimit:    cfg.RetryLimit,
			RetryBackoff:  cfg.RetryBackoff,
			MaxBackoff:    cfg.MaxBackoff,
			MaxCrawlDelay: cfg.MaxRobotsDelay,
		},
		Stacker: frontier.StackerConfig{
			UserAgent:    cfg.UserAgent,
			DefaultDelay: cfg.EffectiveDelay(),
		},
		URL: urlid.Options{
			Schemes:         cfg.SupportedSchemes,
			StripSessionIDs: cfg.StripSessionIDs,
			SortQuery:       cfg.SortQuery,
		},
		ExpectedURLs: cfg.ExpectedURLs,
		Blacklist:    bl,
		Robots:       agent,
		CrawlDelays:  agent,
		Logger:       logger,
	})
	if err != nil {
		_ = store.ReleaseOwner(context.Background(), owner)
		_ = store.Close()
		_ = agent.Close()
		client.Close()
		return nil, fmt.Errorf("failed to load frontier: %w", err)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		frontier: f,
		robots:   agent,
		client:   client,
		owner:    owner,
	}
	a.ctx, a.cancel = context.WithCancelCause(ctx)
	a.wg.Add(1)
	go a.holdOwnership()
	return a, nil
}

// holdOwnership refreshes the database lock until the app closes. Losing
// the lock cancels a.ctx.
func (a *app) holdOwnership() {
	defer a.wg.Done()
	logger := logging.Component(a.logger, "owner")

	ticker := time.NewTicker(ownerLockInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			err := a.store.ClaimOwner(a.ctx, a.owner, time.Now(), ownerLockTTL)
			if err == nil || a.ctx.Err() != nil {
				continue
			}
			if errors.Is(err, storage.ErrDatabaseBusy) {
				logger.Error("Lost ownership of the database", "error", err)
				a.cancel(err)
				return
			}
			logger.Warn("Failed to refresh database lock", "error", err)
		}
	}
}

// Close releases everything openApp acquired
func (a *app) Close() error {
	a.cancel(nil)
	a.wg.Wait()
	a.client.Close()

	releaseErr := a.store.ReleaseOwner(context.Background(), a.owner)
	return errors.Join(a.robots.Close(), releaseErr, a.frontier.Close())
}

// withApp loads the configuration, opens the app for the duration of fn and
// closes it afterwards
func withApp(ctx context.Context, fn func(*app) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}

// withStore loads the configuration and opens only the database for fn.
// Nothing is restored into memory and no lock is taken, so it is safe to
// use next to a running crawl as long as fn only reads or sets meta values.
func withStore(fn func(*config.FrontierConfig, *storage.SQLiteStorage) error) (err error) {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)

	store, err := storage.NewSQLiteStorage(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database %s: %w", cfg.DatabasePath, err)
	}
	defer func() {
		if cerr := store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(cfg, store)
}
