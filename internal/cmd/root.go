// Package cmd provides the command-line interface for crawlfrontier.
// It handles command parsing, configuration loading, and wiring of the
// frontier, the loader and the administrative commands.
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/masahif/crawlfrontier/internal/config"
)

var (
	cfgFile   string
	version   string
	buildTime string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "crawlfrontier",
	Short: "A persistent, polite crawl frontier",
	Long: `crawlfrontier decides which URLs a crawler fetches next.

It admits candidate URLs through per-profile filters, keeps a politeness-aware
queue per host, and remembers what has been crawled so no URL is fetched twice
unless its profile asks for a revisit. All state lives in a SQLite database.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		showConfig, _ := cmd.Flags().GetBool("show-config")
		if showConfig {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return showCurrentConfig(cmd.OutOrStdout(), cfg)
		}
		return cmd.Help()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets version information for the CLI
func SetVersionInfo(v, bt string) {
	version = v
	buildTime = bt
	rootCmd.Version = fmt.Sprintf("%s (built %s)", version, buildTime)
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := config.DefaultConfig()

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./crawlfrontier.yml)")
	rootCmd.PersistentFlags().StringP("database", "d", defaults.DatabasePath, "Path to SQLite database file")
	rootCmd.PersistentFlags().String("log-level", defaults.Log.Level, "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().String("log-format", defaults.Log.Format, "Log format: json or text")
	rootCmd.PersistentFlags().String("log-file", defaults.Log.File, "Also write logs to this file")

	rootCmd.Flags().Bool("show-config", false, "Display current configuration in YAML format and exit")

	bindFlags(rootCmd.PersistentFlags().Lookup, []flagBinding{
		{"database_path", "database"},
		{"log.level", "log-level"},
		{"log.format", "log-format"},
		{"log.file", "log-file"},
	})

	rootCmd.AddCommand(
		newCrawlCmd(),
		newStackCmd(),
		newQueueCmd(),
		newProfileCmd(),
		newSeenCmd(),
		newErrorsCmd(),
		newPauseCmd(),
		newResumeCmd(),
		newStatusCmd(),
	)
}

type flagBinding struct {
	viperKey string
	flagName string
}

// bindFlags binds flags to viper keys so that flags override the config file
// and the environment
func bindFlags(lookup func(string) *pflag.Flag, bindings []flagBinding) {
	for _, bind := range bindings {
		if err := viper.BindPFlag(bind.viperKey, lookup(bind.flagName)); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to bind flag %s: %v\n", bind.flagName, err)
		}
	}
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	setDefaults()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName("crawlfrontier")
	}

	viper.SetEnvPrefix("CF")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

// setDefaults registers every configuration key with viper so that
// environment variables are honoured for keys that have no flag
func setDefaults() {
	raw, err := yaml.Marshal(config.DefaultConfig())
	if err != nil {
		return
	}
	var values map[string]any
	if err := yaml.Unmarshal(raw, &values); err != nil {
		return
	}
	for key, value := range values {
		if nested, ok := value.(map[string]any); ok {
			for sub, v := range nested {
				viper.SetDefault(key+"."+sub, v)
			}
			continue
		}
		viper.SetDefault(key, value)
	}
}

// loadConfig merges defaults, config file, environment and flags
func loadConfig() (*config.FrontierConfig, error) {
	cfg := config.DefaultConfig()
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LoadHeadersFromEnv()

	if cfg.UserAgent == config.DefaultConfig().UserAgent {
		cfg.UserAgent = generateUserAgent()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func generateUserAgent() string {
	if version != "" && version != "dev" {
		return fmt.Sprintf("crawlfrontier/%s", version)
	}
	return "crawlfrontier/dev"
}

func showCurrentConfig(w io.Writer, cfg *config.FrontierConfig) error {
	if cfg == nil {
		return fmt.Errorf("configuration is nil")
	}

	yamlData, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to YAML: %w", err)
	}

	fmt.Fprintf(w, "# Current crawlfrontier configuration\n")
	fmt.Fprintf(w, "# Generated at: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(w, "# Configuration file search paths: ./crawlfrontier.yml\n")
	fmt.Fprintf(w, "# Environment variables prefix: CF_\n\n")
	_, _ = w.Write(yamlData)

	fmt.Fprintf(w, "\n# Configuration source priority:\n")
	fmt.Fprintf(w, "# 1. Command-line arguments (highest priority)\n")
	fmt.Fprintf(w, "# 2. Environment variables (CF_ prefix)\n")
	fmt.Fprintf(w, "# 3. Configuration file (crawlfrontier.yml)\n")
	fmt.Fprintf(w, "# 4. Default values (lowest priority)\n")
	return nil
}
