package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/tinkerbelle-io/tb-shellguard/internal/audit"
	"github.com/tinkerbelle-io/tb-shellguard/internal/config"
	"github.com/tinkerbelle-io/tb-shellguard/internal/signing"
)

var (
	flagPubKey            string
	flagRequireSignatures bool
	flagProveSeq          uint64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the audit log",
	Long: `Offline audit log tools. They read the store directly and do not append
to it; run them against a stopped daemon or a copy of the log.`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain and checkpoints",
	Long: `Replay the audit log from genesis, checking sequence numbers, hash links,
recomputed hashes and checkpoint roots. With --pubkey, signatures are checked
too. Exits 1 on an integrity violation.`,
	RunE: runAuditVerify,
}

var auditProveCmd = &cobra.Command{
	Use:   "prove",
	Short: "Print a Merkle membership proof for one entry",
	RunE:  runAuditProve,
}

func init() {
	auditVerifyCmd.Flags().StringVar(&flagPubKey, "pubkey", "", "Ed25519 public key file (hex, base64 or ssh-ed25519)")
	auditVerifyCmd.Flags().BoolVar(&flagRequireSignatures, "require-signatures", false, "Treat unsigned entries as violations")
	auditProveCmd.Flags().Uint64Var(&flagProveSeq, "seq", 0, "Entry sequence number")
	auditProveCmd.MarkFlagRequired("seq")
	auditCmd.AddCommand(auditVerifyCmd, auditProveCmd)
	rootCmd.AddCommand(auditCmd)
}

func openAuditStore() (audit.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return openStore(cfg)
}

func openStore(cfg *config.Config) (audit.Store, error) {
	if _, err := os.Stat(cfg.Audit.Path); err != nil {
		return nil, fmt.Errorf("audit log %s: %w", cfg.Audit.Path, err)
	}
	return audit.Open(cfg.Audit.Backend, cfg.Audit.Path)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	opts := audit.VerifyOptions{RequireSignatures: flagRequireSignatures}
	if flagPubKey != "" {
		pub, err := signing.LoadPublicKey(flagPubKey)
		if err != nil {
			return err
		}
		opts.Verifier = signing.NewVerifier(pub)
	}

	rep, err := audit.Verify(store, opts)
	if err != nil {
		return err
	}
	if err := printJSON(cmd.OutOrStdout(), rep); err != nil {
		return err
	}
	if !rep.OK() {
		return rep.Violation
	}
	return nil
}

type proofOutput struct {
	Entry audit.Entry       `json:"entry"`
	Proof audit.MerkleProof `json:"proof"`
	Valid bool              `json:"valid"`
}

func runAuditProve(cmd *cobra.Command, args []string) error {
	store, err := openAuditStore()
	if err != nil {
		return err
	}
	defer store.Close()

	proof, err := audit.ProveMembership(store, flagProveSeq)
	if err != nil {
		return err
	}
	entry, err := store.Get(flagProveSeq)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), proofOutput{
		Entry: entry,
		Proof: proof,
		Valid: audit.VerifyProof(entry, proof, proof.Root),
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
