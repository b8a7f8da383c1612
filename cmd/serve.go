package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-shellguard/internal/agent"
	"github.com/tinkerbelle-io/tb-shellguard/internal/config"
)

var (
	flagListen       string
	flagRulesFile    string
	flagAuditPath    string
	flagIdleTimeout  time.Duration
	flagMaxSessions  int
	flagOnDisconnect string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon",
	Long: `Run tb-shellguard as a daemon serving the bridge protocol.

The daemon opens the audit log first and refuses to start if it cannot
write to it. On SIGINT or SIGTERM every session is terminated and audited,
a final checkpoint is sealed, and the log is closed.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&flagListen, "listen", "", "Listen address (overrides server.listen)")
	serveCmd.Flags().StringVar(&flagRulesFile, "rules", "", "Policy rules file (overrides policy.rules_file)")
	serveCmd.Flags().StringVar(&flagAuditPath, "audit-path", "", "Audit log path (overrides audit.path)")
	serveCmd.Flags().DurationVar(&flagIdleTimeout, "idle-timeout", 0, "Idle session timeout (overrides sessions.idle_timeout)")
	serveCmd.Flags().IntVar(&flagMaxSessions, "max-sessions", 0, "Maximum sessions per client (overrides sessions.max_per_client)")
	serveCmd.Flags().StringVar(&flagOnDisconnect, "on-disconnect", "", "detach or kill (overrides sessions.on_disconnect)")
	rootCmd.AddCommand(serveCmd)
}

// applyServeFlags copies explicitly set flags over cfg and revalidates.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Server.Listen = flagListen
	}
	if flags.Changed("rules") {
		cfg.Policy.RulesFile = flagRulesFile
	}
	if flags.Changed("audit-path") {
		cfg.Audit.Path = flagAuditPath
	}
	if flags.Changed("idle-timeout") {
		cfg.Sessions.IdleTimeout = flagIdleTimeout
	}
	if flags.Changed("max-sessions") {
		cfg.Sessions.MaxPerClient = flagMaxSessions
	}
	if flags.Changed("on-disconnect") {
		cfg.Sessions.OnDisconnect = flagOnDisconnect
	}
	return cfg.Validate()
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := applyServeFlags(cmd, cfg); err != nil {
		return err
	}

	a, err := agent.New(cfg, rootCmd.Version)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return a.Run(ctx)
}
