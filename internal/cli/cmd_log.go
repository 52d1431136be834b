// Package cli implements the nibbler command-line interface.
package cli

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// newLogCmd creates the log command
func newLogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "log <job-id>",
		Short: "Show a job's event ledger",
		Long: `Show the append-only event ledger for a job. Every session outcome,
gate decision, scope exception, and escalation is one line; the final
line is the job's terminator.

Example:
  nibbler log j-20260826-001
  nibbler log j-20260826-001 --type gate_resolved`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			root, err := findRepoRoot()
			if err != nil {
				return err
			}
			typeFilter, _ := cmd.Flags().GetString("type")

			led := ledger.New(paths.LedgerPath(root, args[0]))
			records, err := led.ReadAll()
			if err != nil {
				return err
			}
			if typeFilter != "" {
				var filtered []ledger.Record
				for _, r := range records {
					if r.Type == typeFilter {
						filtered = append(filtered, r)
					}
				}
				records = filtered
			}

			if jsonOut {
				printJSON(records)
				return nil
			}
			if len(records) == 0 {
				fmt.Println("no ledger entries")
				return nil
			}
			for _, r := range records {
				fmt.Printf("%s  %-28s %s\n", r.Timestamp, r.Type, summarizeData(r.Data))
			}
			return nil
		},
	}
	cmd.Flags().String("type", "", "only show events of this type")
	return cmd
}

// summarizeData renders a record's data as stable key=value pairs,
// skipping bulky values.
func summarizeData(data map[string]any) string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		v := fmt.Sprintf("%v", data[k])
		if len(v) > 80 {
			v = v[:77] + "..."
		}
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, " ")
}
