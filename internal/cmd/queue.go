package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and edit the crawl queue",
	}

	cmd.AddCommand(
		newQueueSizeCmd(),
		newQueueListCmd(),
		newQueueHostsCmd(),
		newQueueRemoveCmd(),
		newQueuePurgeHostCmd(),
		newQueuePurgeProfileCmd(),
	)
	return cmd
}

func newQueueSizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "size",
		Short: "Print the number of queued and in-flight requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				queued, dequeued, err := store.CountEntries(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%d\n", queued+dequeued)
				return nil
			})
		},
	}
}

func newQueueListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued requests",
		Long: `List queued requests in the order they would be handed out, ignoring
politeness delays. Paging with --after lists the stored queue ordered by
hash instead.`,
		Args: cobra.NoArgs,
		RunE: runQueueList,
	}

	cmd.Flags().IntP("limit", "n", 20, "Maximum number of requests to list")
	cmd.Flags().String("host", "", "Only list requests for this host")
	cmd.Flags().String("profile", "", "Only list requests of this profile")
	cmd.Flags().String("state", "", "Only list requests in this state (queued or dequeued)")
	cmd.Flags().String("after", "", "List requests whose hash sorts after this one")
	return cmd
}

func runQueueList(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")
	host, _ := cmd.Flags().GetString("host")
	profile, _ := cmd.Flags().GetString("profile")
	state, _ := cmd.Flags().GetString("state")
	after, _ := cmd.Flags().GetString("after")

	switch frontier.RequestState(state) {
	case "", frontier.StateQueued, frontier.StateDequeued:
	default:
		return fmt.Errorf("unknown request state %q", state)
	}

	ctx := contextOrBackground(cmd)
	return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
		entries, err := store.ListEntries(ctx, storage.QueueFilter{
			After:      after,
			Host:       host,
			Profile:    profile,
			State:      frontier.RequestState(state),
			Limit:      limit,
			ByPriority: after == "",
		})
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
			return nil
		}

		rows := make([][]string, 0, len(entries))
		for _, e := range entries {
			rows = append(rows, []string{
				e.Request.URLHash.String(),
				e.Request.URL,
				e.Request.ProfileHandle,
				depthString(e.Request.Depth),
				string(e.State),
				relTime(e.Request.AppearedAt),
			})
		}
		return renderTable(cmd.OutOrStdout(), []string{"Hash", "URL", "Profile", "Depth", "State", "Appeared"}, rows)
	})
}

func newQueueHostsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hosts",
		Short: "List hosts with queued requests, busiest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				hosts, err := store.QueueHosts(ctx, limit)
				if err != nil {
					return err
				}
				if len(hosts) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "Queue is empty")
					return nil
				}
				rows := make([][]string, 0, len(hosts))
				for _, h := range hosts {
					rows = append(rows, []string{
						h.Host,
						count(h.Queued),
						count(h.InFlight),
						relTime(h.NextAllowedTime),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Host", "Queued", "In flight", "Next fetch"}, rows)
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Maximum number of hosts to list")
	return cmd
}

func newQueueRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove HASH...",
		Short: "Remove requests from the queue by URL hash",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hashes := make([]urlid.Hash, 0, len(args))
			for _, arg := range args {
				h, err := urlid.ParseHash(arg)
				if err != nil {
					return err
				}
				hashes = append(hashes, h)
			}

			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				removed := 0
				for _, h := range hashes {
					ok, err := a.frontier.Queue.Remove(ctx, h)
					if err != nil {
						return err
					}
					if !ok {
						fmt.Fprintf(cmd.ErrOrStderr(), "Not queued: %s\n", h)
						continue
					}
					removed++
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d requests\n", removed)
				return nil
			})
		},
	}
}

func newQueuePurgeHostCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-host HOST",
		Short: "Remove every request targeting a host",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				n, err := a.frontier.Queue.RemoveByHost(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d requests for host %s\n", n, args[0])
				return nil
			})
		},
	}
}

func newQueuePurgeProfileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "purge-profile HANDLE",
		Short: "Remove every request of a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				n, err := a.frontier.Queue.RemoveByProfile(ctx, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed %d requests of profile %s\n", n, args[0])
				return nil
			})
		},
	}
}
