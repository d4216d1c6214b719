package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func newErrorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Inspect recorded fetch failures",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List URLs that failed to fetch, ordered by hash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			after, _ := cmd.Flags().GetString("after")
			limit, _ := cmd.Flags().GetInt("limit")

			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				records, err := store.ListErrors(ctx, after, limit)
				if err != nil {
					return err
				}
				if len(records) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No errors recorded")
					return nil
				}

				rows := make([][]string, 0, len(records))
				for _, r := range records {
					rows = append(rows, []string{
						r.URLHash.String(),
						r.URL,
						r.ReasonText,
						count(r.FailureCount),
						relTime(r.LastAttempt),
					})
				}
				return renderTable(cmd.OutOrStdout(), []string{"Hash", "URL", "Reason", "Failures", "Last attempt"}, rows)
			})
		},
	}
	listCmd.Flags().String("after", "", "List errors whose hash sorts after this one")
	listCmd.Flags().IntP("limit", "n", 20, "Maximum number of errors to list")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every recorded failure",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				n, err := a.store.ClearErrors(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Cleared %d error records\n", n)
				return nil
			})
		},
	}

	cmd.AddCommand(listCmd, clearCmd)
	return cmd
}
