package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-shellguard/internal/policy"
)

var flagCheckAI bool

var checkCmd = &cobra.Command{
	Use:   `check "<command>"`,
	Short: "Print the verdict for a command without running it",
	Long: `Validate a command against the configured rule set and print the verdict
as JSON. Nothing is executed and nothing is audited. The exit status is 2
when the command would be blocked.`,
	Args: cobra.ExactArgs(1),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().BoolVar(&flagCheckAI, "ai", false, "Treat the command as AI-generated")
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	rules, err := policy.Load(cfg.Policy.RulesFile)
	if err != nil {
		return err
	}
	v := policy.NewValidator(rules, cfg.Policy.BlockThreshold)

	verdict, err := v.Validate(args[0], policy.Context{ClientID: "cli", AIGenerated: flagCheckAI})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(verdict); err != nil {
		return fmt.Errorf("encode verdict: %w", err)
	}
	if !verdict.Allowed() {
		os.Exit(2)
	}
	return nil
}
