// Package cli implements the nibbler command-line interface.
// This file contains shared helper functions used across multiple commands.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/nibblerhq/nibbler/internal/config"
	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/job"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/runner"
)

// findRepoRoot walks up from the working directory to the first
// directory containing .nibbler/.
func findRepoRoot() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, paths.NibblerDir)); err == nil && info.IsDir() {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("not a nibbler project (no %s directory found); run: nibbler init", paths.NibblerDir)
		}
		dir = parent
	}
}

// loadValidContract loads and validates the contract, returning a
// usable error listing every violation.
func loadValidContract(root string) (*contract.Contract, error) {
	c, err := contract.Load(root)
	if err != nil {
		return nil, err
	}
	if errs := contract.Validate(c); len(errs) > 0 {
		for _, e := range errs {
			fmt.Fprintf(os.Stderr, "contract: %v\n", e)
		}
		return nil, fmt.Errorf("contract has %d violation(s)", len(errs))
	}
	return c, nil
}

// newAgentRunner builds the process runner from the engine config.
func newAgentRunner(cfg config.Engine) runner.Runner {
	return runner.NewProcessRunner(cfg.AgentBin, cfg.AgentArgs, newLogger())
}

// runManaged executes fn under SIGINT/SIGTERM handling: the first
// signal requests cancellation, leaving the job resumable.
func runManaged(m *job.Manager, fn func(context.Context) job.Outcome) job.Outcome {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\ninterrupt received, stopping job...")
		m.Cancel("interrupt")
		cancel()
	}()

	return fn(ctx)
}

// reportOutcome prints the job outcome and maps it to the command's
// error result.
func reportOutcome(out job.Outcome) error {
	if jsonOut {
		printJSON(out)
	} else {
		switch out.Kind {
		case job.OutcomeOK:
			fmt.Printf("✅ job %s completed\n", out.JobID)
		case job.OutcomeCancelled:
			fmt.Printf("🛑 job %s cancelled\n", out.JobID)
			fmt.Printf("   Resume with: nibbler resume %s\n", out.JobID)
		case job.OutcomeBudgetExceeded:
			fmt.Printf("⏱  job %s exceeded its budget: %s\n", out.JobID, out.Reason)
		case job.OutcomeEscalated:
			fmt.Printf("⚠️  job %s escalated: %s\n", out.JobID, out.Reason)
		default:
			fmt.Printf("❌ job %s failed: %s\n", out.JobID, out.Reason)
		}
	}
	if out.Kind == job.OutcomeOK || out.Kind == job.OutcomeCancelled {
		return nil
	}
	return fmt.Errorf("job %s: %s", out.JobID, out.Kind)
}

func printJSON(v any) {
	data, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(data))
}
