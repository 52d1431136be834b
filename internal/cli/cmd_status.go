// Package cli implements the nibbler command-line interface.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/job"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// newStatusCmd creates the status command
func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [job-id]",
		Short: "Show a job's state (latest job when no id is given)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}

			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			} else {
				ids, err := job.ListJobs(root)
				if err != nil {
					return err
				}
				if len(ids) == 0 {
					fmt.Println("no jobs yet")
					return nil
				}
				jobID = ids[len(ids)-1]
			}

			st, err := job.LoadState(root, jobID)
			if err != nil {
				return err
			}

			if jsonOut {
				printJSON(st)
				return nil
			}

			fmt.Printf("Job:     %s (%s)\n", st.JobID, st.Mode)
			fmt.Printf("State:   %s\n", st.State)
			fmt.Printf("Phase:   %s\n", st.CurrentPhaseID)
			if st.CurrentRoleID != "" {
				fmt.Printf("Role:    %s (attempt %d)\n", st.CurrentRoleID, st.AttemptsByRole[st.CurrentRoleID])
			}
			if st.PendingGateID != "" {
				fmt.Printf("Gate:    waiting on %s\n", st.PendingGateID)
			}
			if len(st.RolesCompleted) > 0 {
				fmt.Printf("Done:    %s\n", strings.Join(st.RolesCompleted, ", "))
			}
			if st.SessionActive {
				fmt.Printf("Session: %s (pid %d, last activity %s)\n",
					st.SessionHandleID, st.SessionPID, st.SessionLastActivityAtIso)
			}
			if st.LastDiff != nil {
				fmt.Printf("Diff:    %d files, +%d -%d\n",
					st.LastDiff.FilesChanged, st.LastDiff.Additions, st.LastDiff.Deletions)
			}
			led := ledger.New(paths.LedgerPath(root, jobID))
			if rec, err := led.Last(ledger.EventSessionComplete); err == nil && rec != nil {
				fmt.Printf("Last OK: %v in %v at %s\n", rec.Data["role"], rec.Data["phase"], rec.Timestamp)
			}
			if st.WorktreePath != "" {
				fmt.Printf("Worktree: %s\n", st.WorktreePath)
			}
			fmt.Printf("Task:    %s\n", st.Description)
			return nil
		},
	}
}

// newJobsCmd creates the jobs command
func newJobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			ids, err := job.ListJobs(root)
			if err != nil {
				return err
			}

			if jsonOut {
				type row struct {
					JobID       string `json:"jobId"`
					State       string `json:"state"`
					Phase       string `json:"phase"`
					Description string `json:"description"`
				}
				var rows []row
				for _, id := range ids {
					st, err := job.LoadState(root, id)
					if err != nil {
						continue
					}
					rows = append(rows, row{st.JobID, st.State, st.CurrentPhaseID, st.Description})
				}
				printJSON(rows)
				return nil
			}

			if len(ids) == 0 {
				fmt.Println("no jobs yet")
				return nil
			}
			for _, id := range ids {
				st, err := job.LoadState(root, id)
				if err != nil {
					fmt.Printf("%s  (unreadable: %v)\n", id, err)
					continue
				}
				fmt.Printf("%s  %-16s %-12s %s\n", st.JobID, st.State, st.CurrentPhaseID, truncate(st.Description, 60))
			}
			return nil
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
