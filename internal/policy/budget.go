package policy

import (
	"fmt"
	"time"

	"github.com/nibblerhq/nibbler/internal/contract"
)

// Usage is the consumption a role has accumulated inside a phase.
type Usage struct {
	Iterations int
	ElapsedMs  int64
	DiffLines  int
}

// BudgetStatus reports whether a budget is exhausted and why.
type BudgetStatus struct {
	Exceeded bool   `json:"exceeded"`
	Reason   string `json:"reason,omitempty"`
}

// CheckBudget compares usage against the role's budget.
func CheckBudget(usage Usage, role *contract.Role) BudgetStatus {
	b := role.Budget
	if b.MaxIterations > 0 && usage.Iterations > b.MaxIterations {
		return BudgetStatus{Exceeded: true, Reason: fmt.Sprintf(
			"iterations %d exceed max %d", usage.Iterations, b.MaxIterations)}
	}
	if b.MaxTimeMs > 0 && usage.ElapsedMs > b.MaxTimeMs {
		return BudgetStatus{Exceeded: true, Reason: fmt.Sprintf(
			"elapsed %dms exceeds max %dms", usage.ElapsedMs, b.MaxTimeMs)}
	}
	if b.MaxDiffLines > 0 && usage.DiffLines > b.MaxDiffLines {
		return BudgetStatus{Exceeded: true, Reason: fmt.Sprintf(
			"diff lines %d exceed max %d", usage.DiffLines, b.MaxDiffLines)}
	}
	return BudgetStatus{}
}

// CheckGlobalBudget compares wall-clock time since the job started
// against the contract's global lifetime.
func CheckGlobalBudget(startedAt time.Time, lifetime *contract.GlobalLifetime, now time.Time) BudgetStatus {
	if lifetime == nil || lifetime.MaxTimeMs <= 0 {
		return BudgetStatus{}
	}
	elapsed := now.Sub(startedAt).Milliseconds()
	if elapsed > lifetime.MaxTimeMs {
		return BudgetStatus{Exceeded: true, Reason: fmt.Sprintf(
			"job elapsed %dms exceeds global lifetime %dms", elapsed, lifetime.MaxTimeMs)}
	}
	return BudgetStatus{}
}
