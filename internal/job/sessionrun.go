package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/delegation"
	"github.com/nibblerhq/nibbler/internal/evidence"
	"github.com/nibblerhq/nibbler/internal/gitx"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/policy"
	"github.com/nibblerhq/nibbler/internal/runner"
	"github.com/nibblerhq/nibbler/internal/scopeexc"
	"github.com/nibblerhq/nibbler/internal/session"
)

// phaseCompleteHint is recorded when a session exits cleanly without a
// protocol event; the next attempt's prompt carries it.
const phaseCompleteHint = "emit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\"} when your work is done"

// runRoleSession runs one role to completion within a phase, with the
// full retry, revert, and escalation machinery. A nil return means the
// role committed; a non-nil return is a finalized fatal outcome.
func (m *Manager) runRoleSession(ctx context.Context, roleID string, phase *contract.Phase, tasks []delegation.Task) *Outcome {
	role := m.contract.Roles[roleID]
	if role == nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "unknown role " + roleID})
		return &out
	}

	maxAttempts := role.Budget.MaxIterations
	bonus := 0
	roleStart := time.Now()
	var priorFailedCriteria []string

	for attempt := 1; attempt <= maxAttempts+bonus; attempt++ {
		if m.cancelled.Load() || ctx.Err() != nil {
			out := m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
			return &out
		}
		if reason, exceeded := m.globalBudgetExceeded(); exceeded {
			out := m.finalize(ledger.EventJobBudgetExceeded, Outcome{Kind: OutcomeBudgetExceeded, Reason: reason})
			return &out
		}
		if !gitx.WorktreeHealthy(m.state.WorktreePath) {
			if err := m.git.RepairWorktree(m.state.WorktreePath); err != nil {
				out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("worktree unrecoverable: %v", err)})
				return &out
			}
		}

		pre, err := m.wt.CurrentCommit()
		if err != nil {
			out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("resolve pre-session commit: %v", err)})
			return &out
		}
		m.state.PreSessionCommit = pre
		m.state.AttemptsByRole[roleID] = attempt
		m.state.CurrentRoleMaxIterations = maxAttempts + bonus
		m.persist()

		// Delegated execution runs a plan-mode session first.
		if len(tasks) > 0 && !m.planMaterialized(roleID) {
			ok, fatal := m.runPlanStep(ctx, role, tasks, pre)
			if fatal != nil {
				return fatal
			}
			if !ok {
				continue
			}
		}

		eff := scopeexc.EffectiveContract(m.contract, m.state.ScopeOverridesByRole[roleID], roleID, attempt)
		writable := eff.EffectiveScope(roleID)

		outcome, started := m.startAndWait(ctx, eff.Roles[roleID], session.StartOptions{
			Mode:             "normal",
			TaskType:         runner.TaskExecute,
			BootstrapPrompt:  m.composePrompt(role, phase, attempt, writable, tasks),
			WritablePatterns: writable,
		})
		if !started {
			m.addFeedback(roleID, "session failed to start; retrying")
			continue
		}

		protocolMissing := false
		switch outcome.Kind {
		case session.OutcomeCancelled:
			m.revert(pre)
			out := m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
			return &out

		case session.OutcomeBudgetExceeded:
			m.revert(pre)
			m.addFeedback(roleID, "session_timeout: role time budget exhausted")
			out := m.finalize(ledger.EventJobBudgetExceeded, Outcome{
				Kind:   OutcomeBudgetExceeded,
				Reason: fmt.Sprintf("role %s exceeded max_time_ms", roleID),
			})
			return &out

		case session.OutcomeInactiveTimeout:
			m.revert(pre)
			m.addFeedback(roleID, "session went inactive")
			out := m.finalize(ledger.EventJobFailed, Outcome{
				Kind:   OutcomeFailed,
				Reason: fmt.Sprintf("role %s session inactive", roleID),
			})
			return &out

		case session.OutcomeProcessExit:
			if outcome.ExitCode != 0 || outcome.Signal != "" {
				m.revert(pre)
				m.addFeedback(roleID, fmt.Sprintf("session exited abnormally (code %d, signal %q)", outcome.ExitCode, outcome.Signal))
				continue
			}
			protocolMissing = true
			m.recordProtocolMissing(roleID, attempt)

		case session.OutcomeEvent:
			switch outcome.Event.Type {
			case runner.EventPhaseComplete:
				// fall through to verification
			case runner.EventNeedsEscalation:
				if roleID == m.architectRole() {
					m.revert(pre)
					m.led.Append(ledger.EventEscalationRequested, map[string]any{ //nolint:errcheck
						"role": roleID, "reason": outcome.Event.Reason,
					})
					out := m.finalize(ledger.EventJobFailed, Outcome{
						Kind:   OutcomeEscalated,
						Reason: "architect requested escalation: " + outcome.Event.Reason,
					})
					return &out
				}
				m.revert(pre)
				guidance, fatal := m.runEscalationGuidance(ctx, roleID, outcome.Event.Reason, outcome.Event.Context)
				if fatal != nil {
					return fatal
				}
				m.addFeedback(roleID, "architect guidance: "+guidance)
				continue
			default: // EXCEPTION
				m.revert(pre)
				m.addFeedback(roleID, fmt.Sprintf("session raised exception: %s", outcome.Event.Reason))
				continue
			}
		}

		// Verification.
		diff, err := m.wt.Diff(pre, "")
		if err != nil {
			m.revert(pre)
			m.addFeedback(roleID, "diff computation failed; retrying")
			continue
		}
		diff = filterEngineDiff(diff)
		m.state.LastDiff = snapshotDiff(diff)
		m.persist()
		m.ev.Record(evidence.KindDiff, roleID, fmt.Sprintf("attempt-%d", attempt), diff) //nolint:errcheck

		scopeRes := policy.VerifyScope(diff, eff.Roles[roleID], eff)
		planning := m.isPlanningPhase(phase)
		compRes := policy.VerifyCompletion(policy.CompletionInput{
			JobID:            m.state.JobID,
			RepoRoot:         m.state.RepoRoot,
			Workspace:        m.state.WorktreePath,
			Planning:         planning,
			Diff:             diff,
			Role:             eff.Roles[roleID],
			WritablePatterns: writable,
			DelegatedTasks:   tasks,
			Criteria:         phase.CompletionCriteria,
		})
		var plan *delegation.Plan
		if planning {
			plan = m.verifyDelegationPlan(&compRes)
		}
		m.ev.Record(evidence.KindCheck, roleID, fmt.Sprintf("attempt-%d", attempt), map[string]any{ //nolint:errcheck
			"scope":      scopeRes,
			"completion": compRes,
		})

		if scopeRes.Passed && compRes.Passed {
			if planning {
				if err := m.materializePlanArtifacts(plan); err != nil {
					out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
					return &out
				}
			}
			msg := fmt.Sprintf("%s: %s attempt %d", phase.ID, roleID, attempt)
			if err := m.wt.Commit(msg, gitx.CommitOptions{}); err != nil && err != gitx.ErrNothingToCommit {
				out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("commit: %v", err)})
				return &out
			}
			m.led.Append(ledger.EventSessionComplete, map[string]any{ //nolint:errcheck
				"role": roleID, "phase": phase.ID, "attempt": attempt,
			})
			summary := AttemptSummary{
				Attempt:    attempt,
				Scope:      AttemptScope{Passed: true},
				Completion: AttemptCompletion{Passed: true},
			}
			if protocolMissing {
				summary.EngineHint = phaseCompleteHint
				m.addFeedback(roleID, phaseCompleteHint)
			}
			m.state.FeedbackHistoryByRole[roleID] = append(m.state.FeedbackHistoryByRole[roleID], summary)
			m.persist()
			return nil
		}

		// Failed verification: revert and decide the retry path.
		m.revert(pre)
		m.led.Append(ledger.EventSessionReverted, map[string]any{ //nolint:errcheck
			"role": roleID, "phase": phase.ID, "attempt": attempt,
			"scope_passed":      scopeRes.Passed,
			"completion_passed": compRes.Passed,
		})

		summary := AttemptSummary{
			Attempt: attempt,
			Scope: AttemptScope{
				Passed:           scopeRes.Passed,
				ViolationCount:   len(scopeRes.Violations),
				SampleViolations: sampleViolations(scopeRes, 5),
			},
			Completion: AttemptCompletion{
				Passed:         compRes.Passed,
				FailedCriteria: compRes.FailedCriteria,
			},
		}
		if protocolMissing {
			summary.EngineHint = phaseCompleteHint
		}
		m.state.FeedbackHistoryByRole[roleID] = append(m.state.FeedbackHistoryByRole[roleID], summary)
		m.addFeedback(roleID, feedbackLine(summary))
		m.persist()

		usage := policy.Usage{
			Iterations: attempt,
			ElapsedMs:  time.Since(roleStart).Milliseconds(),
			DiffLines:  diff.TotalLines(),
		}
		if status := policy.CheckBudget(usage, role); status.Exceeded && usage.Iterations <= role.Budget.MaxIterations {
			// Time or diff budget blown before iterations ran out.
			return m.escalateExhausted(roleID, status.Reason)
		}

		if scopeRes.Passed && !compRes.Passed && equalCriteria(priorFailedCriteria, compRes.FailedCriteria) {
			return m.escalateExhausted(roleID, "repeated_completion_failure")
		}
		priorFailedCriteria = compRes.FailedCriteria

		if !scopeRes.Passed && roleID != m.architectRole() {
			analysis := scopeexc.AnalyzeViolations(scopeRes.OutOfScopePaths(), role, m.contract, m.cfg.ManyThreshold)
			needsDecision := (analysis.Structural && attempt == 1) || attempt >= 2 || scopeRes.HasProtectedViolation()
			if needsDecision {
				granted, fatal := m.runScopeExceptionDecision(ctx, roleID, phase.ID, scopeRes, analysis)
				if fatal != nil {
					return fatal
				}
				if granted && attempt == maxAttempts+bonus {
					bonus++ // one extra retry with the enlarged scope
				}
			}
		}
	}

	return m.escalateExhausted(roleID, "budget_exhausted")
}

// startAndWait spawns a session, tracks it as active, waits for its
// outcome, and always stops it.
func (m *Manager) startAndWait(ctx context.Context, role *contract.Role, opts session.StartOptions) (session.Outcome, bool) {
	h, err := m.sessions.Start(role, opts)
	if err != nil {
		m.logger.Warn("session start failed", "role", role.ID, "error", err)
		return session.Outcome{}, false
	}
	m.mu.Lock()
	m.active = h
	m.mu.Unlock()

	m.state.SessionActive = true
	m.state.SessionHandleID = h.ID
	m.state.SessionPID = h.PID
	m.state.SessionSeq++
	m.state.SessionStartedAtIso = h.StartedAt.UTC().Format(time.RFC3339)
	if p, recErr := m.ev.Record(evidence.KindSession, role.ID, fmt.Sprintf("start-%d", m.state.SessionSeq), map[string]any{
		"handle": h.ID,
		"pid":    h.PID,
		"mode":   opts.Mode,
	}); recErr == nil {
		m.state.SessionLogPath = p
	}
	m.persist()

	outcome := m.sessions.WaitForCompletion(ctx, h, role.Budget, func(at time.Time) {
		m.state.SessionLastActivityAtIso = at.UTC().Format(time.RFC3339)
		m.persist()
	})
	m.sessions.Stop(h)

	m.mu.Lock()
	m.active = nil
	m.mu.Unlock()
	m.state.SessionActive = false
	m.persist()
	return outcome, true
}

// revert restores the worktree to the pre-session commit and removes
// untracked non-engine files.
func (m *Manager) revert(commit string) {
	if err := m.wt.ResetHard(commit); err != nil {
		m.logger.Error("revert reset failed", "commit", commit, "error", err)
	}
	if err := m.wt.Clean(); err != nil {
		m.logger.Error("revert clean failed", "error", err)
	}
}

func (m *Manager) recordProtocolMissing(roleID string, attempt int) {
	m.led.Append(ledger.EventProtocolMissing, map[string]any{ //nolint:errcheck
		"role": roleID, "attempt": attempt,
	})
	m.ev.Record(evidence.KindSession, roleID, "protocol-missing", map[string]any{ //nolint:errcheck
		"attempt": attempt,
		"hint":    phaseCompleteHint,
	})
}

func (m *Manager) escalateExhausted(roleID, reason string) *Outcome {
	target := "terminate"
	if r := m.contract.Roles[roleID]; r != nil && r.Budget.ExhaustionEscalation != "" {
		target = r.Budget.ExhaustionEscalation
	}
	m.led.Append(ledger.EventEscalationRequested, map[string]any{ //nolint:errcheck
		"role": roleID, "reason": reason, "escalateTo": target,
	})
	out := m.finalize(ledger.EventJobFailed, Outcome{
		Kind:   OutcomeEscalated,
		Reason: fmt.Sprintf("role %s: %s (escalation: %s)", roleID, reason, target),
	})
	return &out
}

// architectRole returns the escalation target role. The first role
// whose budget names no further escalation is the architect.
func (m *Manager) architectRole() string {
	if _, ok := m.contract.Roles["architect"]; ok {
		return "architect"
	}
	for id, r := range m.contract.Roles {
		if r.Budget.ExhaustionEscalation == "terminate" || r.Budget.ExhaustionEscalation == "" {
			return id
		}
	}
	return ""
}

func (m *Manager) isPlanningPhase(phase *contract.Phase) bool {
	return phase.ID == "planning"
}

// verifyDelegationPlan parses and validates the staged delegation plan,
// appending the result to the completion criteria. An absent plan file
// is legal; execution then follows the phase's declared actors.
func (m *Manager) verifyDelegationPlan(compRes *policy.CompletionResult) *delegation.Plan {
	planPath := filepath.Join(paths.StagingPlanDir(m.state.WorktreePath, m.state.JobID), "delegation.yaml")
	if _, err := os.Stat(planPath); os.IsNotExist(err) {
		return nil
	}
	plan, err := delegation.ParseFile(planPath)
	result := policy.CriterionResult{Kind: "delegation_plan_valid", Passed: true}
	if err != nil {
		result.Passed = false
		result.Detail = err.Error()
	} else if errs := delegation.Validate(plan, m.contract); len(errs) > 0 {
		result.Passed = false
		result.Detail = errs[0].Error()
	}
	compRes.Results = append(compRes.Results, result)
	if !result.Passed {
		compRes.Passed = false
		compRes.FailedCriteria = append(compRes.FailedCriteria, string(result.Kind))
		return nil
	}
	return plan
}

// materializePlanArtifacts copies the staging plan directory into the
// job's plan directory under both the repo root and the worktree, and
// records the delegation plan on the job.
func (m *Manager) materializePlanArtifacts(plan *delegation.Plan) error {
	staging := paths.StagingPlanDir(m.state.WorktreePath, m.state.JobID)
	entries, err := os.ReadDir(staging)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read staging plan dir: %w", err)
	}
	for _, root := range []string{m.state.RepoRoot, m.state.WorktreePath} {
		dst := m.planDir(root)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return fmt.Errorf("create plan dir: %w", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if err := copyFile(filepath.Join(staging, entry.Name()), filepath.Join(dst, entry.Name())); err != nil {
				return fmt.Errorf("materialize %s: %w", entry.Name(), err)
			}
		}
	}
	if plan != nil {
		m.state.DelegationPlan = plan
		m.persist()
	}
	return nil
}

// planMaterialized reports whether the role's implementation plan is
// already in the job plan directory.
func (m *Manager) planMaterialized(roleID string) bool {
	_, err := os.Stat(filepath.Join(m.planDir(m.state.RepoRoot), roleID+"-impl-plan.md"))
	return err == nil
}

// runPlanStep runs the delegated role in plan mode. The session may
// only write under the staging area and must leave an implementation
// plan at the agreed path.
func (m *Manager) runPlanStep(ctx context.Context, role *contract.Role, tasks []delegation.Task, pre string) (bool, *Outcome) {
	planRel := role.ID + "-impl-plan.md"
	stagingPlan := filepath.Join(paths.StagingPlanDir(m.state.WorktreePath, m.state.JobID), planRel)

	outcome, started := m.startAndWait(ctx, role, session.StartOptions{
		Mode:             "plan",
		TaskType:         runner.TaskPlan,
		BootstrapPrompt:  m.composePlanPrompt(role, tasks, stagingPlan),
		WritablePatterns: []string{paths.StagingDir + "/**"},
	})
	if !started {
		m.addFeedback(role.ID, "plan session failed to start; retrying")
		return false, nil
	}
	if outcome.Kind == session.OutcomeCancelled {
		out := m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
		return false, &out
	}

	// The plan session must not touch repo files.
	diff, err := m.wt.Diff(pre, "")
	if err == nil {
		if clean := filterEngineDiff(diff); clean.Summary.FilesChanged > 0 {
			m.revert(pre)
			m.addFeedback(role.ID, "plan session modified repository files; only staging writes are allowed")
			return false, nil
		}
	}
	if _, err := os.Stat(stagingPlan); err != nil {
		m.addFeedback(role.ID, "plan session produced no implementation plan at "+stagingPlan)
		return false, nil
	}

	for _, root := range []string{m.state.RepoRoot, m.state.WorktreePath} {
		dst := m.planDir(root)
		if err := os.MkdirAll(dst, 0o755); err != nil {
			return false, nil
		}
		if err := copyFile(stagingPlan, filepath.Join(dst, planRel)); err != nil {
			m.logger.Warn("plan materialization failed", "error", err)
			return false, nil
		}
	}
	m.ev.Record(evidence.KindSession, role.ID, "impl-plan", map[string]any{ //nolint:errcheck
		"plan": filepath.ToSlash(filepath.Join("plan", planRel)),
	})
	return true, nil
}

// composePrompt builds the role's bootstrap prompt: requirement,
// feedback, writable scope, criteria, and delegated tasks.
func (m *Manager) composePrompt(role *contract.Role, phase *contract.Phase, attempt int, writable []string, tasks []delegation.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q role in phase %q (attempt %d).\n\n", role.ID, phase.ID, attempt)
	fmt.Fprintf(&b, "Requirement:\n%s\n\n", m.state.Description)

	if feedback := m.state.FeedbackByRole[role.ID]; len(feedback) > 0 {
		b.WriteString("Feedback from earlier attempts:\n")
		for _, f := range feedback {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	b.WriteString("You may only write to:\n")
	for _, p := range writable {
		fmt.Fprintf(&b, "- %s\n", p)
	}
	b.WriteString("\nCompletion criteria for this phase:\n")
	for _, c := range phase.CompletionCriteria {
		fmt.Fprintf(&b, "- %s\n", c.Kind)
	}

	if len(tasks) > 0 {
		fmt.Fprintf(&b, "\nYour implementation plan: %s\n", filepath.ToSlash(filepath.Join(paths.JobsDir, m.state.JobID, "plan", role.ID+"-impl-plan.md")))
		b.WriteString("Delegated tasks:\n")
		for _, t := range tasks {
			fmt.Fprintf(&b, "- %s: %s (hints: %s)\n", t.TaskID, t.Description, strings.Join(t.ScopeHints, ", "))
		}
	}
	b.WriteString("\nEmit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\",\"summary\":\"...\"} on stdout when done.\n")
	return b.String()
}

func (m *Manager) composePlanPrompt(role *contract.Role, tasks []delegation.Task, stagingPlan string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %q role. Before implementing, write an implementation plan.\n\n", role.ID)
	b.WriteString("Delegated tasks:\n")
	for _, t := range tasks {
		fmt.Fprintf(&b, "- %s: %s (hints: %s)\n", t.TaskID, t.Description, strings.Join(t.ScopeHints, ", "))
	}
	fmt.Fprintf(&b, "\nWrite the plan to %s. Do not modify any other file.\n", stagingPlan)
	b.WriteString("Emit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\"} when the plan is written.\n")
	return b.String()
}

func (m *Manager) addFeedback(roleID, line string) {
	m.state.FeedbackByRole[roleID] = append(m.state.FeedbackByRole[roleID], line)
	m.persist()
}

// filterEngineDiff drops engine-managed paths from a diff and
// recomputes its summary.
func filterEngineDiff(d *gitx.DiffResult) *gitx.DiffResult {
	if d == nil {
		return nil
	}
	out := &gitx.DiffResult{Raw: d.Raw}
	for _, f := range d.Files {
		if paths.IsEngineManaged(f.Path) {
			continue
		}
		out.Files = append(out.Files, f)
		out.Summary.Additions += f.Additions
		out.Summary.Deletions += f.Deletions
	}
	out.Summary.FilesChanged = len(out.Files)
	return out
}

func sampleViolations(res policy.ScopeResult, max int) []string {
	var out []string
	for _, v := range res.Violations {
		if len(out) == max {
			break
		}
		out = append(out, fmt.Sprintf("%s (%s)", v.File, v.Kind))
	}
	return out
}

func feedbackLine(s AttemptSummary) string {
	var parts []string
	if !s.Scope.Passed {
		parts = append(parts, fmt.Sprintf("scope violations: %s", strings.Join(s.Scope.SampleViolations, ", ")))
	}
	if !s.Completion.Passed {
		parts = append(parts, fmt.Sprintf("failed criteria: %s", strings.Join(s.Completion.FailedCriteria, ", ")))
	}
	if len(parts) == 0 {
		parts = append(parts, "attempt reverted")
	}
	return fmt.Sprintf("attempt %d: %s", s.Attempt, strings.Join(parts, "; "))
}

func equalCriteria(a, b []string) bool {
	if len(a) == 0 || len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close() //nolint:errcheck
		return err
	}
	return out.Close()
}
