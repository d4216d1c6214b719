package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
	"github.com/masahif/crawlfrontier/internal/urlid"
)

func newSeenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "seen",
		Short: "Inspect and edit the record of crawled URLs",
	}

	cmd.AddCommand(
		newSeenListCmd(),
		newSeenDeleteCmd(),
		newSeenUnmarkCmd(),
	)
	return cmd
}

func newSeenListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List seen URLs ordered by hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			after, _ := cmd.Flags().GetString("after")
			limit, _ := cmd.Flags().GetInt("limit")

			if reason != "" && !frontier.SeenReason(reason).Valid() {
				return fmt.Errorf("unknown seen reason %q", reason)
			}

			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				records, err := store.ListSeen(ctx, frontier.SeenFilter{
					After:  after,
					Reason: frontier.SeenReason(reason),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No seen URLs")
					return nil
				}

				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{r.URLHash.String(), r.URL, string(r.Reason), relTime(r.Timestamp)})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Hash", "URL", "Reason", "When"}, rows)
			})
		},
	}

	cmd.Flags().String("reason", "", "Only list URLs seen for this reason (indexed, rejected, manually-deleted)")
	cmd.Flags().String("after", "", "List URLs whose hash sorts after this one")
	cmd.Flags().IntP("limit", "n", 20, "Maximum number of URLs to list")
	return cmd
}

func newSeenDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete URL...",
		Short: "Mark URLs as manually deleted so they are never admitted again",
		Long: `Mark URLs as manually deleted. Queued requests for these URLs are dropped
and later offers are rejected as already seen.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				for _, raw := range args {
					normalized, err := a.frontier.Stacker.Normalizer.Normalize(raw)
					if err != nil {
						return fmt.Errorf("invalid URL %q: %w", raw, err)
					}
					hash := urlid.Sum(normalized)
					err = a.frontier.Seen.WithLock(hash, func() error {
						if _, err := a.frontier.Queue.Remove(ctx, hash); err != nil {
							return err
						}
						return a.frontier.Seen.Mark(ctx, hash, normalized, frontier.SeenManuallyDeleted)
					})
					if err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s (%s)\n", normalized, hash)
				}
				return nil
			})
		},
	}
}

func newSeenUnmarkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unmark URL|HASH...",
		Short: "Forget that URLs were seen so they can be crawled again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				for _, arg := range args {
					hash, err := resolveHash(a, arg)
					if err != nil {
						return err
					}
					removed, err := a.frontier.Seen.Unmark(ctx, hash)
					if err != nil {
						return err
					}
					if removed {
						fmt.Fprintf(cmd.OutOrStdout(), "Unmarked %s\n", arg)
					} else {
						fmt.Fprintf(cmd.OutOrStdout(), "Not seen: %s\n", arg)
					}
				}
				return nil
			})
		},
	}
}
