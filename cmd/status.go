package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-shellguard/internal/agent"
	"github.com/tinkerbelle-io/tb-shellguard/internal/config"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and daemon state",
	Long: `Print a summary of the effective configuration and, if the daemon is
reachable on its listen address, its session count and audit chain head.
Exits 1 when the daemon is not running.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printConfig(out, cfg)

	h, err := fetchHealth(cmd.Context(), cfg.Server.Listen)
	fmt.Fprintln(out)
	fmt.Fprintf(out, "Running:    %s\n", boolStatus(err == nil))
	if err == nil {
		fmt.Fprintf(out, "Daemon:     %s\n", valueOrNA(h.Version))
		fmt.Fprintf(out, "Sessions:   %d\n", h.Sessions)
		fmt.Fprintf(out, "Policy:     %s\n", valueOrNA(h.PolicyVersion))
		fmt.Fprintf(out, "Entries:    %d\n", h.AuditEntries)
		fmt.Fprintf(out, "Head:       %s\n", valueOrNA(h.AuditHead))
	}
	fmt.Fprintf(out, "\nVersion:    %s\n", rootCmd.Version)

	// Exit code 1 if not running (useful for scripts)
	if err != nil {
		os.Exit(1)
	}
	return nil
}

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Listen:     %s%s\n", cfg.Server.Listen, cfg.Server.WSPath)
	fmt.Fprintf(w, "Auth:       %s\n", authSummary(cfg.Auth))
	fmt.Fprintf(w, "Shells:     %v (default %s)\n", cfg.Sessions.AllowedShells, cfg.Sessions.DefaultShell)
	fmt.Fprintf(w, "Rules:      %s\n", valueOrNA(cfg.Policy.RulesFile))
	fmt.Fprintf(w, "Audit:      %s %s\n", cfg.Audit.Backend, cfg.Audit.Path)
	fmt.Fprintf(w, "Signing:    %s\n", boolStatus(cfg.Audit.SigningKey != ""))
	fmt.Fprintf(w, "Webhook:    %s\n", valueOrNA(maskEnd(cfg.Threat.WebhookURL, 32)))
}

func fetchHealth(ctx context.Context, listen string) (agent.Health, error) {
	var h agent.Health
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+listen+"/healthz", nil)
	if err != nil {
		return h, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, err
	}
	if resp.StatusCode != http.StatusOK {
		return h, fmt.Errorf("daemon status %s", h.Status)
	}
	return h, nil
}

func authSummary(a config.AuthConfig) string {
	if !a.Enabled() {
		return "disabled"
	}
	return fmt.Sprintf("%d token(s)", len(a.Tokens))
}

func boolStatus(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}

func valueOrNA(s string) string {
	if s == "" {
		return "n/a"
	}
	return s
}

func maskEnd(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
