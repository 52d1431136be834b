package job

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nibblerhq/nibbler/internal/config"
	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/delegation"
	"github.com/nibblerhq/nibbler/internal/evidence"
	"github.com/nibblerhq/nibbler/internal/gate"
	"github.com/nibblerhq/nibbler/internal/gitx"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/runner"
	"github.com/nibblerhq/nibbler/internal/session"
)

// Outcome kinds returned to the CLI.
const (
	OutcomeOK             = "ok"
	OutcomeFailed         = "failed"
	OutcomeBudgetExceeded = "budget_exceeded"
	OutcomeEscalated      = "escalated"
	OutcomeCancelled      = "cancelled"
)

// Outcome is the user-visible result of a job run.
type Outcome struct {
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
	JobID  string `json:"jobId"`
}

// Manager owns one job's state and drives its phase graph. It is the
// single mutator of State; the controllers it calls are stateless or
// job-scoped.
type Manager struct {
	cfg      config.Engine
	contract *contract.Contract
	state    *State
	led      *ledger.Ledger
	ev       *evidence.Collector
	git      *gitx.Git
	wt       *gitx.Git
	sessions *session.Controller
	runner   runner.Runner
	gates    *gate.Controller
	prompter gate.Prompter
	logger   *slog.Logger

	cancelled atomic.Bool
	finalized bool

	mu     sync.Mutex
	active *runner.Handle
}

// NewManager wires a manager for the given job state.
func NewManager(cfg config.Engine, c *contract.Contract, st *State, run runner.Runner, prompter gate.Prompter, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	led := ledger.New(paths.LedgerPath(st.RepoRoot, st.JobID))
	ev := evidence.New(paths.EvidenceDir(st.RepoRoot, st.JobID))
	m := &Manager{
		cfg:      cfg,
		contract: c,
		state:    st,
		led:      led,
		ev:       ev,
		git:      gitx.New(st.RepoRoot, gitx.WithNoisePrefixes(cfg.NoisePrefixes)),
		runner:   run,
		gates:    gate.NewController(st.RepoRoot, led, ev, prompter, logger),
		prompter: prompter,
		logger:   logger.With("job", st.JobID),
	}
	return m
}

// State exposes the job record for status rendering.
func (m *Manager) State() *State { return m.state }

// Run validates the contract, sets up the worktree, and executes the
// phase graph from the contract's start phase.
func (m *Manager) Run(ctx context.Context) Outcome {
	start := m.contract.StartPhase()
	if start == nil {
		return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "contract has no start phase"})
	}
	return m.RunFromPhase(ctx, start.ID)
}

// RunFromPhase is Run starting at an explicit phase.
func (m *Manager) RunFromPhase(ctx context.Context, phaseID string) Outcome {
	if errs := contract.Validate(m.contract); len(errs) > 0 {
		return m.finalize(ledger.EventJobFailed, Outcome{
			Kind:   OutcomeFailed,
			Reason: fmt.Sprintf("contract invalid: %v", errs[0]),
		})
	}
	if m.contract.Phase(phaseID) == nil {
		return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "unknown start phase " + phaseID})
	}
	if err := m.setupWorkspace(); err != nil {
		return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
	}
	m.state.CurrentPhaseID = phaseID
	m.persist()
	return m.runLoop(ctx, phaseID)
}

// Resume continues a persisted job from its current phase and actor
// index. A job paused on a gate resumes at gate resolution.
func (m *Manager) Resume(ctx context.Context) Outcome {
	if err := m.rebindWorkspace(); err != nil {
		return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
	}
	m.state.Mode = ModeResume
	m.state.State = StateExecuting
	m.persist()

	if m.state.PendingGateID != "" {
		g := m.contract.Gates[m.state.PendingGateID]
		if g == nil {
			return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "pending gate missing from contract"})
		}
		next, fatal := m.enforceGate(g)
		if fatal != nil {
			return *fatal
		}
		if next == contract.EndToken {
			return m.completeJob()
		}
		m.state.CurrentPhaseID = next
		m.state.CurrentActorIndex = 0
		m.persist()
	}
	return m.runLoop(ctx, m.state.CurrentPhaseID)
}

// Cancel requests best-effort cancellation of a running job.
func (m *Manager) Cancel(reason string) {
	m.cancelled.Store(true)
	m.mu.Lock()
	h := m.active
	m.mu.Unlock()
	if h != nil && m.sessions != nil {
		m.sessions.Stop(h)
	}
	m.logger.Info("cancellation requested", "reason", reason)
}

// runLoop is the phase transition loop.
func (m *Manager) runLoop(ctx context.Context, phaseID string) Outcome {
	transitions := 0
	for {
		if m.cancelled.Load() || ctx.Err() != nil {
			return m.finalize(ledger.EventJobCancelled, Outcome{Kind: OutcomeCancelled, Reason: "cancelled"})
		}
		transitions++
		if transitions > m.cfg.MaxPhaseTransitions {
			return m.finalize(ledger.EventJobFailed, Outcome{
				Kind:   OutcomeFailed,
				Reason: fmt.Sprintf("phase loop exceeded %d transitions", m.cfg.MaxPhaseTransitions),
			})
		}

		phase := m.contract.Phase(phaseID)
		if phase == nil {
			return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "unknown phase " + phaseID})
		}
		m.state.CurrentPhaseID = phaseID
		m.persist()
		m.logger.Info("entering phase", "phase", phaseID)

		actors, tasksByRole := m.phaseActors(phase)
		m.state.RolesPlanned = actors
		for i := m.state.CurrentActorIndex; i < len(actors); i++ {
			roleID := actors[i]
			m.state.CurrentRoleID = roleID
			m.state.CurrentActorIndex = i
			m.persist()

			if fatal := m.runRoleSession(ctx, roleID, phase, tasksByRole[roleID]); fatal != nil {
				return *fatal
			}
			m.state.RolesCompleted = append(m.state.RolesCompleted, roleID)
			m.state.CurrentActorIndex = i + 1
			m.persist()
		}
		m.state.CurrentActorIndex = 0
		m.state.CurrentRoleID = ""
		m.persist()

		next, fatal := m.nextPhase(phase)
		if fatal != nil {
			return *fatal
		}
		if next == contract.EndToken {
			return m.completeJob()
		}
		phaseID = next
	}
}

// phaseActors returns the roles to run for a phase. Delegated execution
// follows the plan's topological role order with per-role tasks.
func (m *Manager) phaseActors(phase *contract.Phase) ([]string, map[string][]delegation.Task) {
	if phase.ID == "execution" && m.state.DelegationPlan != nil {
		res, err := delegation.Resolve(m.state.DelegationPlan.Tasks)
		if err == nil {
			return res.RoleOrder, res.TasksByRole
		}
		m.logger.Warn("delegation plan unusable, falling back to phase actors", "error", err)
	}
	return append([]string(nil), phase.Actors...), map[string][]delegation.Task{}
}

// nextPhase picks the successor, enforcing any gate on the transition.
// It returns EndToken when the job should finish.
func (m *Manager) nextPhase(phase *contract.Phase) (string, *Outcome) {
	if phase.IsTerminal || len(phase.Successors) == 0 {
		trigger := phase.ID + "->" + contract.EndToken
		if g := m.contract.GateForTrigger(trigger); g != nil {
			return m.enforceGate(g)
		}
		return contract.EndToken, nil
	}

	next := phase.Successors[0].Next
	for _, s := range phase.Successors {
		if s.On == "done" {
			next = s.Next
			break
		}
	}
	if g := m.contract.GateForTrigger(phase.ID + "->" + next); g != nil {
		return m.enforceGate(g)
	}
	if m.contract.Phase(next) == nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: "successor " + next + " is not a phase"})
		return "", &out
	}
	return next, nil
}

// enforceGate applies a gate: auto-reapply a prior approval when the
// fingerprint still matches, otherwise prompt. Returns the mapped next
// phase id or EndToken.
func (m *Manager) enforceGate(g *contract.Gate) (string, *Outcome) {
	fp := m.gates.FingerprintNow(g, m.state.JobID)
	if ok, err := gate.PriorApproval(m.led, g.ID, fp); err == nil && ok {
		m.logger.Info("gate auto-approved from prior resolution", "gate", g.ID)
		m.state.PendingGateID = ""
		m.persist()
		return m.mapGateOutcome(g, gate.Approve)
	}

	m.state.State = StatePaused
	m.state.PendingGateID = g.ID
	m.persist()

	decision, _, err := m.gates.Present(g, m.state.JobID)
	if err != nil {
		out := m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: err.Error()})
		return "", &out
	}

	m.state.State = StateExecuting
	m.state.PendingGateID = ""
	m.persist()
	return m.mapGateOutcome(g, decision.Outcome)
}

// mapGateOutcome turns a gate decision into the next phase id. Legacy
// completion tokens map to EndToken.
func (m *Manager) mapGateOutcome(g *contract.Gate, decision string) (string, *Outcome) {
	token := g.Outcomes[decision]
	switch strings.ToLower(token) {
	case strings.ToLower(contract.EndToken), "completed", "complete", "done", "success":
		return contract.EndToken, nil
	}
	if m.contract.Phase(token) != nil {
		return token, nil
	}
	out := m.finalize(ledger.EventJobFailed, Outcome{
		Kind:   OutcomeFailed,
		Reason: fmt.Sprintf("gate %s outcome %q maps to unknown phase %q", g.ID, decision, token),
	})
	return "", &out
}

// setupWorkspace creates the job branch and worktree and binds the
// session controller to it.
func (m *Manager) setupWorkspace() error {
	branch, err := m.git.CurrentBranch()
	if err != nil {
		return fmt.Errorf("resolve source branch: %w", err)
	}
	m.state.SourceBranch = branch
	m.state.JobBranch = "nibbler/" + m.state.JobID

	if err := m.git.CreateBranchAt(m.state.JobBranch, "HEAD"); err != nil {
		return fmt.Errorf("create job branch: %w", err)
	}
	wtPath := paths.WorktreePath(m.state.RepoRoot, m.state.JobID)
	if err := m.git.AddWorktree(wtPath, m.state.JobBranch); err != nil {
		return fmt.Errorf("add worktree: %w", err)
	}
	m.state.WorktreePath = wtPath
	m.bindWorktree(wtPath)
	m.persist()
	return nil
}

// rebindWorkspace reattaches to an existing worktree on resume,
// repairing its gitdir link if needed.
func (m *Manager) rebindWorkspace() error {
	wtPath := m.state.WorktreePath
	if wtPath == "" {
		return fmt.Errorf("job has no worktree to resume")
	}
	if !gitx.WorktreeHealthy(wtPath) {
		if err := m.git.RepairWorktree(wtPath); err != nil {
			return fmt.Errorf("repair worktree: %w", err)
		}
	}
	m.bindWorktree(wtPath)
	return nil
}

func (m *Manager) bindWorktree(wtPath string) {
	m.wt = m.git.At(wtPath)
	m.sessions = session.NewController(m.runner, m.state.RepoRoot, wtPath, m.logger)
	m.sessions.InactivityTimeout = m.cfg.InactivityTimeout.Std()
	// Gate inputs live in the worktree until merge-back.
	m.gates = gate.NewController(wtPath, m.led, m.ev, m.prompter, m.logger)
}

// completeJob merges the job branch back into the source branch and
// removes the worktree.
func (m *Manager) completeJob() Outcome {
	if err := m.git.MergeBranch(m.state.JobBranch, gitx.MergeOptions{FFOnly: true}); err != nil {
		if err := m.git.MergeBranch(m.state.JobBranch, gitx.MergeOptions{AllowNoFF: true}); err != nil {
			return m.finalize(ledger.EventJobFailed, Outcome{Kind: OutcomeFailed, Reason: fmt.Sprintf("merge back: %v", err)})
		}
	}
	if err := m.git.RemoveWorktree(m.state.WorktreePath, true); err != nil {
		m.logger.Warn("worktree removal failed", "error", err)
	}
	if err := m.git.DeleteBranch(m.state.JobBranch, true); err != nil {
		m.logger.Warn("job branch removal failed", "error", err)
	}
	return m.finalize(ledger.EventJobCompleted, Outcome{Kind: OutcomeOK})
}

// finalize appends exactly one terminator event and captures terminal
// evidence. Idempotent; only the first call wins.
func (m *Manager) finalize(eventType string, out Outcome) Outcome {
	out.JobID = m.state.JobID
	if m.finalized {
		return out
	}
	m.finalized = true

	workspace := m.state.WorktreePath
	if workspace == "" {
		workspace = m.state.RepoRoot
	}
	if _, err := m.ev.FinalTree(workspace); err != nil {
		m.logger.Warn("final tree capture failed", "error", err)
	}

	switch eventType {
	case ledger.EventJobCompleted:
		m.state.State = StateCompleted
	case ledger.EventJobBudgetExceeded:
		m.state.State = StateBudgetExceeded
	case ledger.EventJobCancelled:
		m.state.State = StateCancelled
	default:
		m.state.State = StateFailed
	}
	m.persist()

	if _, err := m.ev.TerminalState(m.state); err != nil {
		m.logger.Warn("terminal state capture failed", "error", err)
	}
	if err := m.led.Append(eventType, map[string]any{
		"outcome": out.Kind,
		"reason":  out.Reason,
	}); err != nil {
		m.logger.Error("terminator append failed", "error", err)
	}
	m.logger.Info("job finalized", "outcome", out.Kind, "reason", out.Reason)
	return out
}

func (m *Manager) persist() {
	if err := m.state.Persist(); err != nil {
		m.logger.Error("status persist failed", "error", err)
	}
}

// globalBudgetExceeded checks wall-clock time against the contract's
// global lifetime.
func (m *Manager) globalBudgetExceeded() (string, bool) {
	lifetime := m.contract.GlobalLifetime
	if lifetime == nil {
		return "", false
	}
	elapsed := time.Since(m.state.StartedAt()).Milliseconds()
	if lifetime.MaxTimeMs > 0 && elapsed > lifetime.MaxTimeMs {
		return fmt.Sprintf("job elapsed %dms exceeds global lifetime %dms", elapsed, lifetime.MaxTimeMs), true
	}
	return "", false
}

// planDir returns the materialized plan directory under root.
func (m *Manager) planDir(root string) string {
	return filepath.Join(root, filepath.FromSlash(paths.JobsDir), m.state.JobID, "plan")
}
