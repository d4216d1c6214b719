// Package frontier decides which URLs a crawler fetches next.
//
// It admits candidate URLs through the Stacker, keeps admitted requests in a
// per-host politeness-aware Queue, and records fetch outcomes in the seen and
// error stores so that no URL is crawled twice unless its profile asks for a
// revisit. All state is persisted through a Store and survives restarts.
package frontier

import (
	"context"
	"log/slog"

	"github.com/masahif/crawlfrontier/internal/logging"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

// Options configures a Frontier
type Options struct {
	Queue        QueueConfig
	Stacker      StackerConfig
	URL          urlid.Options
	ExpectedURLs uint // Sizing hint for the seen filter
	Blacklist    Blacklist
	Robots       RobotsPolicy
	CrawlDelays  CrawlDelayer
	Logger       *slog.Logger
}

// Frontier bundles the admission and scheduling components over one store
type Frontier struct {
	Store    Store
	Registry *Registry
	Seen     *SeenSet
	Counters *DomainCounters
	Queue    *Queue
	Stacker  *Stacker
}

// New builds a frontier over store and restores its persisted state
func New(ctx context.Context, store Store, opts Options) (*Frontier, error) {
	logger := opts.Logger

	seen := NewSeenSet(store, opts.ExpectedURLs, logging.Component(logger, "seen"))
	counters := NewDomainCounters(store, logging.Component(logger, "counters"))
	queue := NewQueue(opts.Queue, store, seen, counters, logging.Component(logger, "queue"))
	if opts.CrawlDelays != nil {
		queue.SetCrawlDelayer(opts.CrawlDelays)
	}
	registry := NewRegistry(store, queue, logging.Component(logger, "profiles"))
	stacker := NewStacker(opts.Stacker, StackerDeps{
		Normalizer: urlid.NewNormalizer(opts.URL),
		Registry:   registry,
		Seen:       seen,
		Queue:      queue,
		Counters:   counters,
		Blacklist:  opts.Blacklist,
		Robots:     opts.Robots,
		Logger:     logging.Component(logger, "stacker"),
	})

	for _, load := range []func(context.Context) error{
		registry.Load,
		seen.Load,
		counters.Load,
		queue.Load,
	} {
		if err := load(ctx); err != nil {
			return nil, err
		}
	}

	return &Frontier{
		Store:    store,
		Registry: registry,
		Seen:     seen,
		Counters: counters,
		Queue:    queue,
		Stacker:  stacker,
	}, nil
}

// Close stops the queue and closes the store
func (f *Frontier) Close() error {
	f.Queue.Close()
	return f.Store.Close()
}
