// Package cli implements the nibbler command-line interface.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/paths"
)

const starterTeamYAML = `# Roles and their writable scopes. A path a role cannot write is a
# scope violation and reverts the session that produced it.
roles:
  architect:
    scope:
      - "docs/**"
    budget:
      max_iterations: 3
      exhaustion_escalation: terminate
  implementer:
    scope:
      - "src/**"
    authority:
      allowed_paths:
        - "package.json"
    budget:
      max_iterations: 3
      max_time_ms: 1800000
      exhaustion_escalation: architect
  tester:
    scope:
      - "tests/**"
    budget:
      max_iterations: 3
      exhaustion_escalation: architect

global_lifetime:
  max_time_ms: 14400000
  exhaustion_escalation: terminate
`

const starterPhasesYAML = `phases:
  - id: planning
    actors: [architect]
    completion_criteria:
      - kind: artifact_exists
        pattern: "docs/vision.md"
      - kind: artifact_exists
        pattern: "docs/architecture.md"
    successors:
      - on: done
        next: execution

  - id: execution
    actors: [implementer, tester]
    completion_criteria:
      - kind: diff_non_empty
    is_terminal: true

gates:
  plan-approval:
    trigger: "planning->execution"
    audience: PO
    approval_scope: build_requirements
    business_outcomes:
      - "Describe the outcome this build should achieve"
    functional_scope:
      - "Describe what is in scope"
    out_of_scope:
      - "Describe what is explicitly out of scope"
    required_inputs:
      - name: vision
        kind: path
        value: "docs/vision.md"
      - name: architecture
        kind: path
        value: "docs/architecture.md"
    outcomes:
      approve: execution
      reject: planning
`

const starterConfigYAML = `# Engine tunables. Unset keys fall back to built-in defaults.
#inactivity_timeout: 2m
#max_phase_transitions: 50
#many_threshold: 5
#agent_bin: cursor-agent
`

// newInitCmd creates the init command
func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a starter contract in the current repository",
		Long: `Create .nibbler/ with a starter team.yaml, phases.yaml, and
config.yaml. Edit the role scopes and gate content to fit the project,
then check the result with: nibbler validate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}

			contractDir := filepath.Join(cwd, filepath.FromSlash(paths.ContractDir))
			if err := os.MkdirAll(contractDir, 0o755); err != nil {
				return err
			}

			files := map[string]string{
				filepath.Join(contractDir, paths.TeamFile):          starterTeamYAML,
				filepath.Join(contractDir, paths.PhasesFile):        starterPhasesYAML,
				filepath.Join(cwd, paths.NibblerDir, "config.yaml"): starterConfigYAML,
			}
			for path, content := range files {
				if _, err := os.Stat(path); err == nil && !force {
					return fmt.Errorf("%s already exists (use --force to overwrite)", path)
				}
				if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
					return err
				}
			}

			fmt.Println("✅ initialized .nibbler/")
			fmt.Println("   Edit .nibbler/contract/team.yaml and phases.yaml, then run: nibbler validate")
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite existing contract files")
	return cmd
}
