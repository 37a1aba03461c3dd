package main

import (
	"encoding/json"
	"fmt"
	"os"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mpataki/countersign/internal/audit"
	"github.com/mpataki/countersign/internal/config"
	"github.com/mpataki/countersign/internal/gate"
	"github.com/mpataki/countersign/internal/keys"
	"github.com/mpataki/countersign/internal/models"
	"github.com/mpataki/countersign/internal/policy"
	"github.com/mpataki/countersign/internal/signing"
	"github.com/mpataki/countersign/internal/store"
	"github.com/mpataki/countersign/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "countersign",
		Short: "Cryptographic approval envelopes for agent tool execution",
		Long:  "Countersign gates side-effecting tool execution behind single-use, human-signed approval envelopes.",
	}

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newRotateCommand())
	rootCmd.AddCommand(newRequestCommand())
	rootCmd.AddCommand(newReviewCommand())
	rootCmd.AddCommand(newSignCommand())
	rootCmd.AddCommand(newSubmitCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newShowCommand())
	rootCmd.AddCommand(newAuditCommand())
	rootCmd.AddCommand(newPurgeCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// openGate wires config, store, ledger, key manager, and policy into a
// gate. The returned cleanup anchors the ledger and closes the store.
func openGate(cfg *config.Config) (*gate.Gate, func(), error) {
	st, err := store.New(cfg.DBPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open database: %w", err)
	}

	ledger, err := audit.NewSQLiteLedger(st.DB(), cfg.AnchorInterval)
	if err != nil {
		st.Close()
		return nil, nil, fmt.Errorf("failed to open audit ledger: %w", err)
	}

	km := keys.NewManager(cfg.KeyDir)

	var registry *policy.Registry
	if _, statErr := os.Stat(cfg.PolicyPath); statErr == nil {
		registry, err = policy.LoadLua(cfg.PolicyPath)
		if err != nil {
			st.Close()
			return nil, nil, fmt.Errorf("failed to load tool policy: %w", err)
		}
	}

	cleanup := func() {
		ledger.Close()
		st.Close()
	}
	return gate.New(st, ledger, km, registry, cfg.ApprovalTTL, nil), cleanup, nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return cfg, nil
}

func readPlanFile(path string) (*models.ExecutionPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}
	var plan models.ExecutionPlan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("failed to parse plan file: %w", err)
	}
	return &plan, nil
}

func promptPassphrase(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	pass, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read passphrase: %w", err)
	}
	return string(pass), nil
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Generate the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			pass, err := promptPassphrase("New key passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return fmt.Errorf("passphrases do not match")
			}

			km := keys.NewManager(cfg.KeyDir)
			sess, err := km.Generate(pass)
			if err != nil {
				return fmt.Errorf("failed to generate key: %w", err)
			}
			defer sess.Close()

			fmt.Printf("Generated signing key %s\n", sess.KeyID())
			fmt.Printf("Key directory: %s\n", cfg.KeyDir)
			return nil
		},
	}
}

func newRotateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signing key and expire all pending envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			g, cleanup, err := openGate(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			pass, err := promptPassphrase("New key passphrase: ")
			if err != nil {
				return err
			}
			confirm, err := promptPassphrase("Confirm passphrase: ")
			if err != nil {
				return err
			}
			if pass != confirm {
				return fmt.Errorf("passphrases do not match")
			}

			sess, expired, err := g.Rotate(pass)
			if err != nil {
				return fmt.Errorf("rotation failed: %w", err)
			}
			defer sess.Close()

			fmt.Printf("Rotated to key %s\n", sess.KeyID())
			fmt.Printf("Expired %d pending envelope(s)\n", expired)
			return nil
		},
	}
}

func newRequestCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "request <plan.json>",
		Short: "Issue a pending envelope for an execution plan",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			plan, err := readPlanFile(args[0])
			if err != nil {
				return err
			}

			g, cleanup, err := openGate(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			env, err := g.Request(plan)
			if err != nil {
				return fmt.Errorf("failed to issue envelope: %w", err)
			}
			if env == nil {
				fmt.Println("Plan is read-only, no approval required.")
				return nil
			}

			fmt.Printf("Envelope:  %s\n", env.EnvelopeID)
			fmt.Printf("Nonce:     %s\n", env.Nonce)
			fmt.Printf("Plan hash: %s\n", env.PlanHash)
			fmt.Printf("Expires:   %s\n", env.ExpiresAt.Format(time.RFC3339))
			return nil
		},
	}
}

func newReviewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "review <nonce> <plan.json>",
		Short: "Review a plan interactively and sign the decision set",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			plan, err := readPlanFile(args[1])
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			env, err := st.GetByNonce(args[0])
			if err != nil {
				return fmt.Errorf("no envelope for nonce: %w", err)
			}

			km := keys.NewManager(cfg.KeyDir)

			app := tui.NewReview(env, plan, km)
			p := tea.NewProgram(app, tea.WithAltScreen())
			final, err := p.Run()
			if err != nil {
				return err
			}

			review := final.(*tui.Review)
			if review.Aborted || review.Submission == nil {
				return fmt.Errorf("review aborted, nothing signed")
			}

			return writeSubmission(review.Submission, out)
		},
	}

	cmd.Flags().StringP("out", "o", "", "Write the signed submission to a file instead of stdout")
	return cmd
}

func newSignCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign <nonce>",
		Short: "Approve every call in an envelope without the interactive review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, _ := cmd.Flags().GetString("out")
			denyIDs, _ := cmd.Flags().GetStringSlice("deny")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			env, err := st.GetByNonce(args[0])
			if err != nil {
				return fmt.Errorf("no envelope for nonce: %w", err)
			}

			denied := make(map[string]bool, len(denyIDs))
			for _, id := range denyIDs {
				denied[id] = true
			}
			decisions := make([]models.Decision, len(env.ToolCallIDs))
			for i, id := range env.ToolCallIDs {
				decisions[i] = models.Decision{ToolCallID: id, Approved: !denied[id]}
			}

			pass, err := promptPassphrase("Key passphrase: ")
			if err != nil {
				return err
			}

			km := keys.NewManager(cfg.KeyDir)
			sess, err := km.Unlock(pass)
			if err != nil {
				return fmt.Errorf("failed to unlock key: %w", err)
			}
			defer sess.Close()

			approval, sig, err := signing.Sign(sess, env.Nonce, env.PlanHash, decisions)
			if err != nil {
				return fmt.Errorf("signing failed: %w", err)
			}

			return writeSubmission(&gate.Submission{
				Nonce:     approval.Nonce,
				PlanHash:  approval.PlanHash,
				KeyID:     approval.KeyID,
				Decisions: approval.Decisions,
				Signature: sig,
			}, out)
		},
	}

	cmd.Flags().StringP("out", "o", "", "Write the signed submission to a file instead of stdout")
	cmd.Flags().StringSlice("deny", nil, "Tool call IDs to deny (all others are approved)")
	return cmd
}

func writeSubmission(sub *gate.Submission, out string) error {
	data, err := json.MarshalIndent(sub, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')

	if out == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(out, data, 0o600); err != nil {
		return fmt.Errorf("failed to write submission: %w", err)
	}
	fmt.Printf("Wrote signed submission to %s\n", out)
	return nil
}

func newSubmitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "submit <submission.json> <plan.json>",
		Short: "Present a signed submission against the live plan",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read submission: %w", err)
			}
			var sub gate.Submission
			if err := json.Unmarshal(data, &sub); err != nil {
				return fmt.Errorf("failed to parse submission: %w", err)
			}

			plan, err := readPlanFile(args[1])
			if err != nil {
				return err
			}

			g, cleanup, err := openGate(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := g.Submit(sub, plan, time.Now())
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}

			if res.Authorized() {
				fmt.Println("Authorized: plan may execute.")
				return nil
			}

			cmd.SilenceUsage = true
			if res.Reason != "" {
				return fmt.Errorf("not authorized: %s (%s)", res.Outcome, res.Reason)
			}
			return fmt.Errorf("not authorized: %s", res.Outcome)
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List recent envelopes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			// Surface expiry before listing so states are current.
			if _, err := st.ExpireStale(time.Now()); err != nil {
				return err
			}

			envs, err := st.List(20)
			if err != nil {
				return err
			}
			if len(envs) == 0 {
				fmt.Println("No envelopes found.")
				return nil
			}

			for _, env := range envs {
				fmt.Printf("%s [%s] %s %s\n",
					env.EnvelopeID, env.State, env.WorkItemID,
					truncate(env.PlanHash, 16))
			}
			return nil
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <envelope-id>",
		Short: "Show an envelope and the payload the signer attests to",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			env, err := st.Get(args[0])
			if err != nil {
				return fmt.Errorf("failed to get envelope: %w", err)
			}

			fmt.Printf("Envelope:  %s\n", env.EnvelopeID)
			fmt.Printf("Work item: %s\n", env.WorkItemID)
			fmt.Printf("State:     %s\n", env.State)
			fmt.Printf("Nonce:     %s\n", env.Nonce)
			fmt.Printf("Plan hash: %s\n", env.PlanHash)
			fmt.Printf("Key:       %s\n", env.KeyID)
			fmt.Printf("Issued:    %s\n", env.IssuedAt.Format(time.RFC3339))
			fmt.Printf("Expires:   %s\n", env.ExpiresAt.Format(time.RFC3339))
			fmt.Printf("Calls:     %v\n", env.ToolCallIDs)

			// The canonical payload an all-approve signature would cover.
			decisions := make([]models.Decision, len(env.ToolCallIDs))
			for i, id := range env.ToolCallIDs {
				decisions[i] = models.Decision{ToolCallID: id, Approved: true}
			}
			payload, err := signing.Approval{
				Ctx:       signing.Context,
				Nonce:     env.Nonce,
				PlanHash:  env.PlanHash,
				KeyID:     env.KeyID,
				Decisions: decisions,
			}.Payload()
			if err != nil {
				return err
			}
			fmt.Printf("\nSigned payload (all-approve):\n%s\n", payload)
			return nil
		},
	}
}

func newAuditCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Print the audit ledger and verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := store.New(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer st.Close()

			ledger, err := audit.NewSQLiteLedger(st.DB(), cfg.AnchorInterval)
			if err != nil {
				return fmt.Errorf("failed to open audit ledger: %w", err)
			}

			if err := audit.VerifyChain(ledger); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}

			entries, err := ledger.Range(0, limit)
			if err != nil {
				return err
			}

			for _, e := range entries {
				line := fmt.Sprintf("%d %s %s %s",
					e.Seq, e.Timestamp.Format(time.RFC3339), e.Outcome, e.EnvelopeID)
				if e.Reason != "" {
					line += fmt.Sprintf(" (%s)", e.Reason)
				}
				fmt.Println(line)
			}

			if anchor, err := ledger.LastAnchor(); err == nil && anchor != nil {
				fmt.Printf("\nAnchor: %d entries, head %s\n",
					anchor.EntryCount, truncate(anchor.HeadHash, 16))
			}
			fmt.Println("Chain verified.")
			return nil
		},
	}

	cmd.Flags().Int("limit", 100, "Maximum entries to print")
	return cmd
}

func newPurgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "purge",
		Short: "Delete terminal envelopes past the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			g, cleanup, err := openGate(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			now := time.Now()
			if _, err := g.ExpireStale(now); err != nil {
				return err
			}
			purged, err := g.Purge(now, cfg.RetentionPeriod)
			if err != nil {
				return fmt.Errorf("purge failed: %w", err)
			}

			fmt.Printf("Purged %d envelope(s)\n", purged)
			return nil
		},
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
