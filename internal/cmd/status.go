package cmd

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarize the frontier stored in the database",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}
	cmd.Flags().Int("hosts", 10, "Number of busiest hosts to show")
	cmd.Flags().Bool("domains", false, "Also show accepted page counts per domain")
	return cmd
}

func runStatus(cmd *cobra.Command, args []string) error {
	topHosts, _ := cmd.Flags().GetInt("hosts")
	domains, _ := cmd.Flags().GetBool("domains")

	ctx := contextOrBackground(cmd)
	return withStore(func(cfg *config.FrontierConfig, store *storage.SQLiteStorage) error {
		queued, dequeued, err := store.CountEntries(ctx)
		if err != nil {
			return err
		}
		seen, err := store.CountSeen(ctx)
		if err != nil {
			return err
		}
		failed, err := store.CountErrors(ctx)
		if err != nil {
			return err
		}
		profiles, err := store.LoadProfiles(ctx)
		if err != nil {
			return err
		}
		paused, err := store.GetMeta(ctx, frontier.MetaPaused)
		if err != nil {
			return err
		}

		state := "running"
		if paused == "true" {
			state = "paused"
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Database: %s\n", cfg.DatabasePath)
		fmt.Fprintf(out, "State:    %s\n", state)
		fmt.Fprintf(out, "Profiles: %s\n", count(len(profiles)))
		fmt.Fprintf(out, "Queued:   %s\n", count(queued))
		fmt.Fprintf(out, "Leased:   %s\n", count(dequeued))
		fmt.Fprintf(out, "Seen:     %s\n", count(seen))
		fmt.Fprintf(out, "Errors:   %s\n", count(failed))

		if topHosts > 0 {
			hosts, err := store.QueueHosts(ctx, topHosts)
			if err != nil {
				return err
			}
			if len(hosts) > 0 {
				fmt.Fprintln(out)
				rows := make([][]string, 0, len(hosts))
				for _, h := range hosts {
					rows = append(rows, []string{h.Host, count(h.Queued), count(h.InFlight), relTime(h.NextAllowedTime)})
				}
				if err := renderTable(out, []string{"Host", "Queued", "In flight", "Next fetch"}, rows); err != nil {
					return err
				}
			}
		}

		if domains {
			snapshot, err := domainSnapshot(ctx, store)
			if err != nil {
				return err
			}
			if len(snapshot) > 0 {
				fmt.Fprintln(out)
				rows := make([][]string, 0, len(snapshot))
				for _, d := range snapshot {
					rows = append(rows, []string{d.Host, count(d.AcceptedCount), relTime(d.NextAllowedTime)})
				}
				if err := renderTable(out, []string{"Domain", "Accepted", "Next fetch"}, rows); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// domainSnapshot sums stored accepted counts over profiles and joins them
// with the host schedule, ordered by host
func domainSnapshot(ctx context.Context, store *storage.SQLiteStorage) ([]frontier.DomainCounter, error) {
	counts, err := store.LoadAcceptedCounts(ctx)
	if err != nil {
		return nil, err
	}
	next, err := store.LoadNextAllowed(ctx)
	if err != nil {
		return nil, err
	}

	totals := make(map[string]int, len(next))
	for host := range next {
		totals[host] = 0
	}
	for _, c := range counts {
		totals[c.Host] += c.Count
	}

	out := make([]frontier.DomainCounter, 0, len(totals))
	for host, n := range totals {
		out = append(out, frontier.DomainCounter{Host: host, AcceptedCount: n, NextAllowedTime: next[host]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Host < out[j].Host })
	return out, nil
}
