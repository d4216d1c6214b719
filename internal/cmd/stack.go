package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

func newStackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stack URL...",
		Short: "Offer URLs to the frontier without fetching them",
		Long: `Run each URL through admission and print the decision. Accepted URLs are
queued for the next crawl. With --fetch-robots the robots.txt of each host
is fetched first so robots rules take part in the decision.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runStack,
	}

	cmd.Flags().StringP("profile", "p", frontier.DefaultProfileHandle, "Profile handle")
	cmd.Flags().Int("depth", 0, "Depth of the URLs")
	cmd.Flags().String("referrer", "", "Referrer URL or hash (default: root)")
	cmd.Flags().Bool("fetch-robots", false, "Fetch robots.txt before admission")

	return cmd
}

func runStack(cmd *cobra.Command, args []string) error {
	profile, _ := cmd.Flags().GetString("profile")
	depth, _ := cmd.Flags().GetInt("depth")
	referrer, _ := cmd.Flags().GetString("referrer")
	fetchRobots, _ := cmd.Flags().GetBool("fetch-robots")

	ctx := contextOrBackground(cmd)
	return withApp(ctx, func(a *app) error {
		ref := urlid.RootReferrer
		if referrer != "" {
			var err error
			if ref, err = resolveHash(a, referrer); err != nil {
				return err
			}
		}

		rows := make([][]string, 0, len(args))
		for _, raw := range args {
			if fetchRobots && a.cfg.RespectRobots {
				if u, err := a.frontier.Stacker.Normalizer.Parse(raw); err == nil {
					if err := a.robots.Prefetch(ctx, u); err != nil {
						a.logger.Warn("Failed to fetch robots.txt", "url", raw, "error", err)
					}
				}
			}

			d, err := a.frontier.Stacker.Stack(ctx, frontier.Candidate{
				URL:           raw,
				Referrer:      ref,
				ProfileHandle: profile,
				Depth:         depth,
				InitiatorID:   "cli",
			})
			if err != nil {
				return err
			}

			hash := "-"
			if !d.Request.URLHash.IsZero() {
				hash = d.Request.URLHash.String()
			}
			rows = append(rows, []string{raw, hash, d.String()})
		}

		if err := renderTable(cmd.OutOrStdout(), []string{"URL", "Hash", "Decision"}, rows); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Queue: %s requests\n", count(a.frontier.Queue.Size()))
		return nil
	})
}

// resolveHash accepts an encoded URL hash or a URL
func resolveHash(a *app, s string) (urlid.Hash, error) {
	if h, err := urlid.ParseHash(s); err == nil {
		return h, nil
	}
	normalized, err := a.frontier.Stacker.Normalizer.Normalize(s)
	if err != nil {
		return urlid.Hash{}, fmt.Errorf("invalid URL %q: %w", s, err)
	}
	return urlid.Sum(normalized), nil
}

func depthString(d int) string {
	return strconv.Itoa(d)
}
