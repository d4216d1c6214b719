package cmd

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Stop handing out crawl requests",
		Long: `Pause crawling. The flag is stored in the database, so a running crawl
stops taking new requests within a few seconds and stays paused across
restarts until resumed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setPaused(cmd, true); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Crawling paused")
			return nil
		},
	}
}

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume handing out crawl requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := setPaused(cmd, false); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Crawling resumed")
			return nil
		},
	}
}

// setPaused writes the pause flag a running crawl polls, without taking
// ownership of the database
func setPaused(cmd *cobra.Command, paused bool) error {
	ctx := contextOrBackground(cmd)
	return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
		return store.SetMeta(ctx, frontier.MetaPaused, strconv.FormatBool(paused))
	})
}
