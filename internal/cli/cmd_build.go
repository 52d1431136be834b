// Package cli implements the nibbler command-line interface.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/config"
	"github.com/nibblerhq/nibbler/internal/job"
)

// newBuildCmd creates the build command
func newBuildCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "build <description>",
		Short: "Run a build job through the full phase graph",
		Long: `Run a build job: the requirement is handed to the contract's start
phase and the job proceeds through planning, gates, and execution.

Work happens on a dedicated branch in an isolated worktree; on success
it is merged back onto the branch you started from.

Example:
  nibbler build "Add a /health endpoint returning build info"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startJob(job.ModeBuild, args[0], "")
		},
	}
}

// newFixCmd creates the fix command
func newFixCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fix <job-id>",
		Short: "Run a fix job against a prior job's outcome",
		Long: `Run a fix job targeting a prior job: a fresh job is started at the
execution phase, carrying the prior job's requirement as context. The
planning phase and its gates are skipped; planning artifacts merged
back by the prior job are already on the branch.

Example:
  nibbler fix j-20260826-001 --note "Health endpoint returns 500 when git metadata is absent"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			prior, err := job.LoadState(root, args[0])
			if err != nil {
				return fmt.Errorf("fix target: %w", err)
			}
			phase, _ := cmd.Flags().GetString("phase")
			if phase == "" {
				phase = "execution"
			}
			note, _ := cmd.Flags().GetString("note")
			return startJob(job.ModeFix, fixDescription(prior, note), phase)
		},
	}
	cmd.Flags().String("phase", "", "start phase (default: execution)")
	cmd.Flags().String("note", "", "what to fix, appended to the prior job's requirement")
	return cmd
}

// fixDescription derives the fix job's requirement from the job being
// fixed.
func fixDescription(prior *job.State, note string) string {
	d := fmt.Sprintf("fix %s: %s", prior.JobID, prior.Description)
	if note != "" {
		d += " (" + note + ")"
	}
	return d
}

// startJob wires a fresh job and runs it to a terminal outcome.
func startJob(mode job.Mode, description, startPhase string) error {
	root, err := findRepoRoot()
	if err != nil {
		return err
	}
	c, err := loadValidContract(root)
	if err != nil {
		return err
	}
	cfg, err := config.Load(root)
	if err != nil {
		return err
	}

	jobID, err := job.NewJobID(root, time.Now())
	if err != nil {
		return err
	}
	st := job.NewState(jobID, root, mode, description)
	if c.GlobalLifetime != nil {
		st.GlobalBudgetLimitMs = c.GlobalLifetime.MaxTimeMs
	}

	if !quiet {
		fmt.Printf("▶ starting %s job %s\n", mode, jobID)
	}

	m := job.NewManager(cfg, c, st, newAgentRunner(cfg), newGatePrompter(), newLogger())
	out := runManaged(m, func(ctx context.Context) job.Outcome {
		if startPhase != "" {
			return m.RunFromPhase(ctx, startPhase)
		}
		return m.Run(ctx)
	})
	return reportOutcome(out)
}
