package cmd

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/masahif/crawlfrontier/internal/config"
	"github.com/masahif/crawlfrontier/internal/frontier"
	"github.com/masahif/crawlfrontier/internal/storage"
)

func newProfileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "profile",
		Aliases: []string{"profiles"},
		Short:   "Manage crawl profiles",
	}

	cmd.AddCommand(
		newProfileCreateCmd(),
		newProfileListCmd(),
		newProfileShowCmd(),
		newProfileRemoveCmd(),
	)
	return cmd
}

func newProfileCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a crawl profile",
		Long: `Create a crawl profile from flags, a YAML file, or both. Flags given on the
command line override values read from --file. Without --handle a handle is
derived from the profile settings.`,
		Args: cobra.NoArgs,
		RunE: runProfileCreate,
	}

	cmd.Flags().String("handle", "", "Profile handle (derived from the settings when empty)")
	cmd.Flags().String("name", "", "Human-readable profile name")
	cmd.Flags().String("must-match", frontier.MatchAll, "Regular expression every URL must match")
	cmd.Flags().String("must-not-match", "", "Regular expression excluding URLs")
	cmd.Flags().Int("max-depth", 3, "Maximum link depth from the start URLs")
	cmd.Flags().Int("domain-max-pages", 0, "Maximum accepted pages per domain (0=unlimited)")
	cmd.Flags().String("revisit", string(frontier.RevisitNever), "Revisit policy: never, always or older-than:<duration>")
	cmd.Flags().Bool("allow-query", true, "Accept URLs with a query string")
	cmd.Flags().String("delay", "", "Politeness delay for this profile (default: global delay)")
	cmd.Flags().Bool("store-content", true, "Ask the consumer to store fetched content")
	cmd.Flags().Bool("index-text", true, "Ask the consumer to index text")
	cmd.Flags().Bool("index-media", false, "Ask the consumer to index media")
	cmd.Flags().StringP("file", "f", "", "Read profile settings from a YAML file")
	return cmd
}

func runProfileCreate(cmd *cobra.Command, args []string) error {
	cfg, err := profileConfigFromFlags(cmd.Flags())
	if err != nil {
		return err
	}

	ctx := contextOrBackground(cmd)
	return withApp(ctx, func(a *app) error {
		p, err := a.frontier.Registry.Create(ctx, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Created profile %s (%s)\n", p.Handle, p.Name)
		return nil
	})
}

// profileConfigFromFlags builds a profile from the flag defaults, the
// optional YAML file and the flags set on the command line, in that order
func profileConfigFromFlags(flags *pflag.FlagSet) (frontier.ProfileConfig, error) {
	cfg := frontier.ProfileConfig{
		MustMatch:       frontier.MatchAll,
		MaxDepth:        3,
		Revisit:         frontier.RevisitPolicy{Mode: frontier.RevisitNever},
		AllowQuery:      true,
		PolitenessDelay: frontier.InheritDelay,
		StoreContent:    true,
		IndexText:       true,
	}

	if path, _ := flags.GetString("file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read profile file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse profile file %s: %w", path, err)
		}
	}

	var err error
	flags.Visit(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		switch f.Name {
		case "handle":
			cfg.Handle = f.Value.String()
		case "name":
			cfg.Name = f.Value.String()
		case "must-match":
			cfg.MustMatch = f.Value.String()
		case "must-not-match":
			cfg.MustNotMatch = f.Value.String()
		case "max-depth":
			cfg.MaxDepth, err = flags.GetInt(f.Name)
		case "domain-max-pages":
			cfg.DomainMaxPages, err = flags.GetInt(f.Name)
		case "revisit":
			cfg.Revisit, err = frontier.ParseRevisitPolicy(f.Value.String())
		case "allow-query":
			cfg.AllowQuery, err = flags.GetBool(f.Name)
		case "delay":
			cfg.PolitenessDelay, err = parseDelay(f.Value.String())
		case "store-content":
			cfg.StoreContent, err = flags.GetBool(f.Name)
		case "index-text":
			cfg.IndexText, err = flags.GetBool(f.Name)
		case "index-media":
			cfg.IndexMedia, err = flags.GetBool(f.Name)
		}
	})
	return cfg, err
}

// parseDelay maps "" and "inherit" to frontier.InheritDelay
func parseDelay(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "inherit") {
		return frontier.InheritDelay, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid delay %q: %w", s, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("delay must not be negative: %s", s)
	}
	return d, nil
}

func newProfileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List crawl profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				profiles, err := store.LoadProfiles(ctx)
				if err != nil {
					return err
				}
				queued, err := store.CountEntriesByProfile(ctx)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(profiles))
				for _, p := range profiles {
					rows = append(rows, []string{
						p.Handle,
						p.Name,
						p.MustMatch,
						depthString(p.MaxDepth),
						limitString(p.DomainMaxPages),
						p.Revisit.String(),
						delayString(p.PolitenessDelay),
						count(queued[p.Handle]),
					})
				}
				return renderTable(cmd.OutOrStdout(),
					[]string{"Handle", "Name", "Must match", "Max depth", "Domain max", "Revisit", "Delay", "Queued"}, rows)
			})
		},
	}
}

func newProfileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show HANDLE",
		Short: "Print a crawl profile as YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := contextOrBackground(cmd)
			return withStore(func(_ *config.FrontierConfig, store *storage.SQLiteStorage) error {
				profiles, err := store.LoadProfiles(ctx)
				if err != nil {
					return err
				}
				i := slices.IndexFunc(profiles, func(p *frontier.Profile) bool { return p.Handle == args[0] })
				if i < 0 {
					return fmt.Errorf("%w: %s", frontier.ErrUnknownProfile, args[0])
				}
				p := profiles[i]
				data, err := yaml.Marshal(p.ProfileConfig)
				if err != nil {
					return fmt.Errorf("failed to marshal profile: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "# Created %s\n", p.CreatedAt.Format(time.RFC3339))
				_, err = cmd.OutOrStdout().Write(data)
				return err
			})
		},
	}
}

func newProfileRemoveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove HANDLE",
		Short: "Remove a crawl profile",
		Long: `Remove a crawl profile and reset its per-domain page counts. A profile with
queued requests is refused unless --purge removes those requests first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			purge, _ := cmd.Flags().GetBool("purge")
			handle := args[0]

			ctx := contextOrBackground(cmd)
			return withApp(ctx, func(a *app) error {
				if purge {
					n, err := a.frontier.Queue.RemoveByProfile(ctx, handle)
					if err != nil {
						return err
					}
					if n > 0 {
						fmt.Fprintf(cmd.OutOrStdout(), "Removed %d queued requests\n", n)
					}
				}
				if err := a.frontier.Registry.Remove(ctx, handle); err != nil {
					return err
				}
				if _, err := a.store.ResetDomainCounts(ctx, handle); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Removed profile %s\n", handle)
				return nil
			})
		},
	}
	cmd.Flags().Bool("purge", false, "Remove the profile's queued requests first")
	return cmd
}
