// Package cli implements the nibbler command-line interface.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/contract"
)

// newValidateCmd creates the validate command
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the governance contract",
		Long: `Validate .nibbler/contract/team.yaml and phases.yaml: role scopes,
scope overlaps, the phase graph, gate shapes, and budgets. A job will
not start while the contract has violations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			c, err := contract.Load(root)
			if err != nil {
				return err
			}

			errs := contract.Validate(c)
			if jsonOut {
				msgs := make([]string, 0, len(errs))
				for _, e := range errs {
					msgs = append(msgs, e.Error())
				}
				printJSON(map[string]any{"valid": len(errs) == 0, "violations": msgs})
				if len(errs) > 0 {
					return fmt.Errorf("contract has %d violation(s)", len(errs))
				}
				return nil
			}

			if len(errs) == 0 {
				fmt.Printf("✅ contract is valid (%d roles, %d phases, %d gates)\n",
					len(c.Roles), len(c.Phases), len(c.Gates))
				return nil
			}
			for _, e := range errs {
				fmt.Printf("❌ %v\n", e)
			}
			return fmt.Errorf("contract has %d violation(s)", len(errs))
		},
	}
}

// newVersionCmd creates the version command
func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show nibbler version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("nibbler version 0.1.0-dev")
		},
	}
}
