package job

import (
	"fmt"

	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// CancelJob marks a persisted job cancelled from outside the running
// process. It appends the terminator unless the ledger already holds
// one.
func CancelJob(repoRoot, jobID, reason string) error {
	st, err := LoadState(repoRoot, jobID)
	if err != nil {
		return err
	}
	led := ledger.New(paths.LedgerPath(repoRoot, jobID))
	records, err := led.ReadAll()
	if err != nil {
		return err
	}
	for _, r := range records {
		if ledger.IsTerminator(r.Type) {
			return fmt.Errorf("job %s already finished (%s)", jobID, r.Type)
		}
	}
	if err := led.Append(ledger.EventJobCancelled, map[string]any{"reason": reason}); err != nil {
		return err
	}
	st.State = StateCancelled
	return st.Persist()
}
