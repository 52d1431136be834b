// Package cli implements the nibbler command-line interface.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/config"
	"github.com/nibblerhq/nibbler/internal/job"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// newResumeCmd creates the resume command
func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <job-id>",
		Short: "Resume an interrupted or gate-paused job",
		Long: `Resume a job from its persisted state. A job paused on a gate asks
the gate question again first; an interrupted job continues with the
role it was running.

Example:
  nibbler resume j-20260826-001`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			jobID := args[0]

			st, err := job.LoadState(root, jobID)
			if err != nil {
				return err
			}
			if terminated, typ := jobTerminated(root, jobID); terminated {
				return fmt.Errorf("job %s already finished (%s)", jobID, typ)
			}

			c, err := loadValidContract(root)
			if err != nil {
				return err
			}
			cfg, err := config.Load(root)
			if err != nil {
				return err
			}

			if !quiet {
				fmt.Printf("▶ resuming job %s at phase %s\n", jobID, st.CurrentPhaseID)
			}

			m := job.NewManager(cfg, c, st, newAgentRunner(cfg), newGatePrompter(), newLogger())
			out := runManaged(m, func(ctx context.Context) job.Outcome {
				return m.Resume(ctx)
			})
			return reportOutcome(out)
		},
	}
}

// newCancelCmd creates the cancel command
func newCancelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			reason, _ := cmd.Flags().GetString("reason")
			if reason == "" {
				reason = "cancelled by user"
			}
			if err := job.CancelJob(root, args[0], reason); err != nil {
				return err
			}
			fmt.Printf("🛑 job %s cancelled: %s\n", args[0], reason)
			return nil
		},
	}
	cmd.Flags().String("reason", "", "cancellation reason")
	return cmd
}

// jobTerminated reports whether the job's ledger holds a terminator.
func jobTerminated(root, jobID string) (bool, string) {
	records, err := ledger.New(paths.LedgerPath(root, jobID)).ReadAll()
	if err != nil {
		return false, ""
	}
	for _, r := range records {
		if ledger.IsTerminator(r.Type) {
			return true, r.Type
		}
	}
	return false, ""
}
