package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-shellguard/internal/config"
	"github.com/tinkerbelle-io/tb-shellguard/internal/logging"
)

var (
	// Flags
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
)

var rootCmd = &cobra.Command{
	Use:   "tb-shellguard",
	Short: "Audited, policy-gated terminal sessions",
	Long: `tb-shellguard serves shell sessions over a websocket bridge. Every
command is rate limited, validated against a rule set and written to a
hash-chained audit log before it reaches the shell.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "Config file path (default: "+config.DefaultConfigFile+")")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "Log format: text, json (overrides config)")
}

// Execute runs the root command.
func Execute(version string) {
	rootCmd.Version = version
	rootCmd.SetVersionTemplate(fmt.Sprintf("tb-shellguard %s\n", version))
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig loads the config file and environment, applies the global
// flags, and configures logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagLogLevel != "" {
		cfg.Log.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Log.Format = flagLogFormat
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)
	return cfg, nil
}
