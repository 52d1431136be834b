package job

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nibblerhq/nibbler/internal/evidence"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/policy"
	"github.com/nibblerhq/nibbler/internal/runner"
	"github.com/nibblerhq/nibbler/internal/scopeexc"
	"github.com/nibblerhq/nibbler/internal/session"
)

// stagingOnly is the writable set for mediation sessions.
var stagingOnly = []string{paths.StagingDir + "/**"}

// runEscalationGuidance runs an architect session that must produce a
// guidance file under staging. The guidance is materialized into the
// plan directory and returned for the failed role's feedback.
func (m *Manager) runEscalationGuidance(ctx context.Context, failedRole, reason, detail string) (string, *Outcome) {
	architectID := m.architectRole()
	architect := m.contract.Roles[architectID]
	if architect == nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeEscalated, Reason: "no architect role to escalate to"})
		return "", &out
	}

	m.led.Append(ledger.EventEscalationRequested, map[string]any{ //nolint:errcheck
		"role": failedRole, "reason": reason, "context": detail,
	})

	guidanceRel := failedRole + "-guidance.md"
	stagingPath := filepath.Join(m.state.WorktreePath, paths.StagingDir, "guidance", m.state.JobID, guidanceRel)
	if err := os.MkdirAll(filepath.Dir(stagingPath), 0o755); err != nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
		return "", &out
	}

	pre, err := m.wt.CurrentCommit()
	if err != nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
		return "", &out
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Role %q requested escalation: %s\n%s\n\n", failedRole, reason, detail)
	fmt.Fprintf(&prompt, "Write concrete guidance for that role to %s.\n", stagingPath)
	prompt.WriteString("Do not modify any repository file; only the staging area is writable.\n")
	prompt.WriteString("Emit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\"} when the guidance is written.\n")

	outcome, started := m.startAndWait(ctx, architect, session.StartOptions{
		Mode:             "normal",
		TaskType:         runner.TaskPlan,
		BootstrapPrompt:  prompt.String(),
		WritablePatterns: stagingOnly,
	})
	if !started {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeEscalated, Reason: "architect session failed to start"})
		return "", &out
	}
	if outcome.Kind == session.OutcomeCancelled {
		out := m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
		return "", &out
	}

	if !m.mediationClean(pre) {
		m.revert(pre)
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeEscalated, Reason: "architect modified repository files during escalation"})
		return "", &out
	}

	data, err := os.ReadFile(stagingPath)
	if err != nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeEscalated, Reason: "architect produced no guidance file"})
		return "", &out
	}

	for _, root := range []string{m.state.RepoRoot, m.state.WorktreePath} {
		dst := m.planDir(root)
		if err := os.MkdirAll(dst, 0o755); err == nil {
			os.WriteFile(filepath.Join(dst, guidanceRel), data, 0o644) //nolint:errcheck
		}
	}
	m.led.Append(ledger.EventEscalationResolved, map[string]any{ //nolint:errcheck
		"role": failedRole, "guidance": guidanceRel,
	})
	return strings.TrimSpace(string(data)), nil
}

// scopeExceptionProposal is staged for the architect decision session.
type scopeExceptionProposal struct {
	JobID           string               `json:"jobId"`
	RoleID          string               `json:"roleId"`
	PhaseID         string               `json:"phaseId"`
	OutOfScopePaths []string             `json:"outOfScopePaths"`
	OwnerHints      []scopeexc.OwnerHint `json:"ownerHints,omitempty"`
	Suggested       []string             `json:"suggestedPatterns,omitempty"`
}

// runScopeExceptionDecision mediates a scope violation through a
// restricted architect session that writes a JSON decision. Returns
// whether a grant was recorded.
func (m *Manager) runScopeExceptionDecision(ctx context.Context, roleID, phaseID string, scopeRes policy.ScopeResult, analysis scopeexc.Analysis) (bool, *Outcome) {
	architectID := m.architectRole()
	architect := m.contract.Roles[architectID]
	if architect == nil || architectID == roleID {
		return false, nil
	}

	excDir := filepath.Join(m.state.WorktreePath, paths.StagingDir, "scope-exceptions", m.state.JobID)
	if err := os.MkdirAll(excDir, 0o755); err != nil {
		return false, nil
	}

	proposal := scopeExceptionProposal{
		JobID:           m.state.JobID,
		RoleID:          roleID,
		PhaseID:         phaseID,
		OutOfScopePaths: scopeRes.OutOfScopePaths(),
		OwnerHints:      analysis.OwnerHints,
		Suggested:       suggestPatterns(scopeRes.OutOfScopePaths()),
	}
	proposalPath := filepath.Join(excDir, "proposal.json")
	if data, err := json.MarshalIndent(proposal, "", "  "); err == nil {
		os.WriteFile(proposalPath, data, 0o644) //nolint:errcheck
	}
	m.led.Append(ledger.EventScopeExceptionRequest, map[string]any{ //nolint:errcheck
		"role": roleID, "phase": phaseID, "paths": proposal.OutOfScopePaths,
	})

	pre, err := m.wt.CurrentCommit()
	if err != nil {
		return false, nil
	}

	decisionPath := filepath.Join(excDir, "decision.json")
	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Role %q wrote outside its scope in phase %q.\n\n", roleID, phaseID)
	prompt.WriteString("Out-of-scope paths:\n")
	for _, p := range proposal.OutOfScopePaths {
		fmt.Fprintf(&prompt, "- %s\n", p)
	}
	if len(proposal.OwnerHints) > 0 {
		prompt.WriteString("\nLikely owners:\n")
		for _, h := range proposal.OwnerHints {
			fmt.Fprintf(&prompt, "- %s: %s\n", h.File, strings.Join(h.Owners, ", "))
		}
	}
	if len(proposal.Suggested) > 0 {
		fmt.Fprintf(&prompt, "\nSuggested narrow patterns: %s\n", strings.Join(proposal.Suggested, ", "))
	}
	prompt.WriteString("\nPaths under .nibbler/ and the session rules file are never grantable.\n")
	fmt.Fprintf(&prompt, "Write your decision as JSON to %s:\n", decisionPath)
	prompt.WriteString(`{"decision":"deny"|"terminate"|"reroute_work"|"grant_narrow_access","kind":"shared_scope"|"extra_scope","patterns":[...],"expiresAfterAttempt":N,"notes":"..."}` + "\n")
	prompt.WriteString("Emit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\"} when decided.\n")

	outcome, started := m.startAndWait(ctx, architect, session.StartOptions{
		Mode:             "normal",
		TaskType:         runner.TaskPlan,
		BootstrapPrompt:  prompt.String(),
		WritablePatterns: stagingOnly,
	})
	if !started {
		m.denyScopeException(roleID, "architect decision session failed to start")
		return false, nil
	}
	if outcome.Kind == session.OutcomeCancelled {
		out := m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
		return false, &out
	}

	if !m.mediationClean(pre) {
		m.revert(pre)
		m.denyScopeException(roleID, "architect modified repository files during decision")
		return false, nil
	}

	decision, err := scopeexc.ReadDecision(decisionPath)
	if err != nil {
		m.denyScopeException(roleID, err.Error())
		return false, nil
	}

	switch decision.Decision {
	case scopeexc.DecisionDeny:
		m.denyScopeException(roleID, "denied by architect: "+decision.Notes)
		return false, nil

	case scopeexc.DecisionTerminate, scopeexc.DecisionRerouteWork:
		out := m.finalize(ledger.EventJobFailed, Outcome{
			Kind:   OutcomeFailed,
			Reason: fmt.Sprintf("architect decided %s for role %s", decision.Decision, roleID),
		})
		return false, &out

	case scopeexc.DecisionGrant:
		override := decision.ToOverride(phaseID, time.Now().UTC().Format(time.RFC3339))
		m.state.ScopeOverridesByRole[roleID] = append(m.state.ScopeOverridesByRole[roleID], override)
		m.led.Append(ledger.EventScopeExceptionGranted, map[string]any{ //nolint:errcheck
			"role": roleID, "kind": override.Kind, "patterns": override.Patterns,
		})
		m.ev.Record(evidence.KindCheck, roleID, "scope-exception-grant", override) //nolint:errcheck
		m.addFeedback(roleID, fmt.Sprintf("scope grant (%s): %s", override.Kind, strings.Join(override.Patterns, ", ")))
		m.persist()
		return true, nil
	}
	return false, nil
}

func (m *Manager) denyScopeException(roleID, reason string) {
	m.led.Append(ledger.EventScopeExceptionDenied, map[string]any{ //nolint:errcheck
		"role": roleID, "reason": reason,
	})
	m.addFeedback(roleID, "scope exception denied: "+reason)
}

// mediationClean verifies a mediation session made no non-engine
// changes to the worktree.
func (m *Manager) mediationClean(pre string) bool {
	diff, err := m.wt.Diff(pre, "")
	if err != nil {
		return false
	}
	return filterEngineDiff(diff).Summary.FilesChanged == 0
}

// suggestPatterns proposes narrow glob grants covering the violating
// paths, one per directory.
func suggestPatterns(files []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, f := range files {
		dir := filepath.ToSlash(filepath.Dir(f))
		pattern := f
		if dir != "." {
			pattern = dir + "/**"
		}
		if !seen[pattern] {
			seen[pattern] = true
			out = append(out, pattern)
		}
	}
	return out
}
