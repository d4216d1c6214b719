package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/loader"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func newCrawlCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "crawl [URLs...]",
		Short: "Stack start URLs and run the loader over the queue",
		Long: `Stack the given start URLs at depth 0 under a profile and fetch queued
requests until the queue drains. Without URLs the crawl resumes from the
queue stored in the database.`,
		Args: cobra.ArbitraryArgs,
		RunE: runCrawl,
	}

	cmd.Flags().StringP("profile", "p", frontier.DefaultProfileHandle, "Profile handle for the start URLs")
	cmd.Flags().Bool("follow", false, "Keep running when the queue drains")
	cmd.Flags().IntP("concurrency", "c", defaults.Concurrency, "Number of concurrent workers")
	cmd.Flags().Duration("delay", defaults.PolitenessDelay, "Per-host politeness delay in internet mode")
	cmd.Flags().String("network-mode", defaults.NetworkMode, "Network mode: internet or intranet")
	cmd.Flags().DurationP("timeout", "t", defaults.RequestTimeout, "HTTP request timeout")
	cmd.Flags().StringP("user-agent", "u", defaults.UserAgent, "HTTP User-Agent header")
	cmd.Flags().Bool("respect-robots", defaults.RespectRobots, "Respect robots.txt rules")
	cmd.Flags().IntP("limit", "l", defaults.Limit, "Stop after N pages (0=unlimited)")
	cmd.Flags().Int("pages-per-minute", defaults.PagesPerMinute, "Global fetch rate (0=unlimited)")
	cmd.Flags().Int("retry-limit", defaults.RetryLimit, "Transient failures before a URL is given up")
	cmd.Flags().StringSliceP("header", "H", []string{}, "Custom HTTP headers in 'Name: Value' format (use multiple times for multiple headers)")

	bindFlags(cmd.Flags().Lookup, []flagBinding{
		{"concurrency", "concurrency"},
		{"politeness_delay", "delay"},
		{"network_mode", "network-mode"},
		{"request_timeout", "timeout"},
		{"user_agent", "user-agent"},
		{"respect_robots", "respect-robots"},
		{"limit", "limit"},
		{"pages_per_minute", "pages-per-minute"},
		{"retry_limit", "retry-limit"},
		{"headers", "header"},
	})

	return cmd
}

func runCrawl(cmd *cobra.Command, args []string) error {
	profile, _ := cmd.Flags().GetString("profile")
	follow, _ := cmd.Flags().GetBool("follow")

	ctx, stop := signal.NotifyContext(contextOrBackground(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return withApp(ctx, func(a *app) error {
		ctx := a.ctx
		if len(args) == 0 && a.frontier.Queue.Size() == 0 && !follow {
			fmt.Fprintf(cmd.OutOrStdout(), "No URLs provided and no queued requests found in database %s\n", a.cfg.DatabasePath)
			fmt.Fprintf(cmd.OutOrStdout(), "Nothing to crawl. Exiting.\n")
			return nil
		}

		l := newLoader(a, follow)

		if len(args) > 0 {
			decisions, err := l.Seed(ctx, profile, args)
			if err != nil {
				return err
			}
			accepted := 0
			for _, d := range decisions {
				if d.Accepted {
					accepted++
				} else {
					fmt.Fprintf(cmd.ErrOrStderr(), "Rejected %s: %s\n", d.Request.URL, d)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Stacked %d of %d start URLs under profile %s\n", accepted, len(args), profile)
		} else {
			fmt.Fprintf(cmd.OutOrStdout(), "Resuming crawl from existing database: %s\n", a.cfg.DatabasePath)
		}

		if a.frontier.Queue.Paused() {
			fmt.Fprintf(cmd.OutOrStdout(), "Crawling is paused; run 'crawlfrontier resume' to continue\n")
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Starting loader with configuration:\n")
		fmt.Fprintf(cmd.OutOrStdout(), "  Database: %s\n", a.cfg.DatabasePath)
		fmt.Fprintf(cmd.OutOrStdout(), "  Concurrency: %d\n", a.cfg.Concurrency)
		fmt.Fprintf(cmd.OutOrStdout(), "  Network Mode: %s (delay %v)\n", a.cfg.NetworkMode, a.cfg.EffectiveDelay())
		fmt.Fprintf(cmd.OutOrStdout(), "  Limit: %s\n", limitString(a.cfg.Limit))
		fmt.Fprintf(cmd.OutOrStdout(), "  Respect Robots: %t\n", a.cfg.RespectRobots)
		fmt.Fprintf(cmd.OutOrStdout(), "  Queue: %s requests\n", count(a.frontier.Queue.Size()))

		if err := l.Run(ctx); err != nil {
			return err
		}
		if cause := context.Cause(ctx); errors.Is(cause, storage.ErrDatabaseBusy) {
			return cause
		}

		stats := l.Stats()
		fmt.Fprintf(cmd.OutOrStdout(), "Fetched %s pages (%s ok, %s failed), discovered %s URLs in %v\n",
			count(int(stats.Fetched)),
			count(int(stats.Succeeded)),
			count(int(stats.Transient+stats.Permanent)),
			count(int(stats.Discovered)),
			stats.Duration.Round(time.Second))
		return nil
	})
}

func newLoader(a *app, follow bool) *loader.Loader {
	cfg := loader.DefaultConfig()
	cfg.Concurrency = a.cfg.Concurrency
	cfg.PagesPerMinute = a.cfg.PagesPerMinute
	cfg.Limit = a.cfg.Limit
	cfg.MaxLinksPerPage = a.cfg.MaxLinksPerPage
	cfg.StopWhenDrained = !follow
	if a.cfg.LeaseTimeout/2 < cfg.ReclaimInterval {
		cfg.ReclaimInterval = a.cfg.LeaseTimeout / 2
	}

	var r loader.Robots
	if a.cfg.RespectRobots {
		r = a.robots
	}
	return loader.New(cfg, a.frontier, r, a.client, a.logger)
}

// contextOrBackground returns the command's context, which is nil when a
// command is executed directly in tests
func contextOrBackground(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
