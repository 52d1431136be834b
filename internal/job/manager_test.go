package job

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibblerhq/nibbler/internal/config"
	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/gate"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/runner"
)

const testJobID = "j-20260826-001"

// agentStep scripts one agent session: mutate the workspace, then emit
// events and exit.
type agentStep struct {
	action func(t *testing.T, workspace string)
	events []runner.Event
	exit   int
}

func phaseComplete() []runner.Event {
	return []runner.Event{{Type: runner.EventPhaseComplete, Summary: "done"}}
}

// scriptRunner plays back a queue of agentSteps, one per Spawn.
type scriptRunner struct {
	t *testing.T

	mu      sync.Mutex
	steps   []agentStep
	chans   map[string]chan runner.Event
	modes   []string
	prompts []string
	seq     int
}

func newScriptRunner(t *testing.T, steps ...agentStep) *scriptRunner {
	return &scriptRunner{t: t, steps: steps, chans: map[string]chan runner.Event{}}
}

func (r *scriptRunner) Capabilities() runner.Capabilities { return runner.Capabilities{} }

func (r *scriptRunner) Spawn(workspace string, env map[string]string, configDir string, opts runner.SpawnOptions) (*runner.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.steps) == 0 {
		r.t.Fatalf("unexpected spawn in %s (mode %s)", workspace, opts.Mode)
	}
	step := r.steps[0]
	r.steps = r.steps[1:]
	r.modes = append(r.modes, opts.Mode)

	r.seq++
	h := &runner.Handle{ID: fmt.Sprintf("s-%d", r.seq), PID: 4000 + r.seq, StartedAt: time.Now()}
	h.Touch(time.Now())

	if step.action != nil {
		step.action(r.t, workspace)
	}
	ch := make(chan runner.Event, len(step.events)+1)
	for _, ev := range step.events {
		ch <- ev
	}
	h.SetExit(step.exit, "")
	close(ch)
	r.chans[h.ID] = ch
	return h, nil
}

func (r *scriptRunner) Send(h *runner.Handle, prompt string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prompts = append(r.prompts, prompt)
	return nil
}

func (r *scriptRunner) Events(h *runner.Handle) <-chan runner.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.chans[h.ID]
}

func (r *scriptRunner) IsAlive(h *runner.Handle) bool { return false }
func (r *scriptRunner) Stop(h *runner.Handle) error   { return nil }

func (r *scriptRunner) exhausted() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.steps) == 0
}

// scriptPrompter answers gates from a queue, defaulting to approve.
type scriptPrompter struct {
	mu        sync.Mutex
	decisions []gate.Decision
	models    []gate.DecisionModel
}

func (p *scriptPrompter) Present(m gate.DecisionModel) (gate.Decision, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.models = append(p.models, m)
	if len(p.decisions) == 0 {
		return gate.Decision{Outcome: gate.Approve}, nil
	}
	d := p.decisions[0]
	p.decisions = p.decisions[1:]
	return d, nil
}

func setupJobRepo(t *testing.T) string {
	t.Helper()
	repo := filepath.Join(t.TempDir(), "repo")
	require.NoError(t, os.MkdirAll(repo, 0o755))
	for _, args := range [][]string{
		{"init", "-b", "main"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test User"},
	} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	writeWorkspaceFile(t, repo, "README.md", "# demo\n")
	for _, args := range [][]string{{"add", "."}, {"commit", "-m", "initial commit"}} {
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		require.NoError(t, cmd.Run(), "git %v", args)
	}
	return repo
}

func writeWorkspaceFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(name))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestManager(t *testing.T, c *contract.Contract, r runner.Runner, p gate.Prompter) (*Manager, string) {
	t.Helper()
	repo := setupJobRepo(t)
	st := NewState(testJobID, repo, ModeBuild, "build the demo app")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewManager(config.Default(), c, st, r, p, logger), repo
}

func readLedger(t *testing.T, repo string) []ledger.Record {
	t.Helper()
	records, err := ledger.New(paths.LedgerPath(repo, testJobID)).ReadAll()
	require.NoError(t, err)
	return records
}

func ledgerTypes(records []ledger.Record) []string {
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Type)
	}
	return out
}

func requireSingleTerminator(t *testing.T, records []ledger.Record, want string) {
	t.Helper()
	var terminators []string
	for _, r := range records {
		if ledger.IsTerminator(r.Type) {
			terminators = append(terminators, r.Type)
		}
	}
	require.Equal(t, []string{want}, terminators)
	assert.Equal(t, want, records[len(records)-1].Type)
}

// gatedContract is a two-phase graph with a PO gate between planning
// and execution.
func gatedContract() *contract.Contract {
	return &contract.Contract{
		Roles: map[string]*contract.Role{
			"architect": {
				ID: "architect", Scope: []string{"docs/**"},
				Budget: contract.Budget{MaxIterations: 3, ExhaustionEscalation: "terminate"},
			},
			"worker": {
				ID: "worker", Scope: []string{"src/**"},
				Budget: contract.Budget{MaxIterations: 3, ExhaustionEscalation: "architect"},
			},
		},
		Phases: []*contract.Phase{
			{
				ID: "planning", Actors: []string{"architect"},
				CompletionCriteria: []contract.Criterion{
					{Kind: contract.CriterionArtifactExists, Pattern: "docs/vision.md"},
					{Kind: contract.CriterionArtifactExists, Pattern: "docs/architecture.md"},
				},
				Successors: []contract.Successor{{On: "done", Next: "execution"}},
			},
			{
				ID: "execution", Actors: []string{"worker"},
				CompletionCriteria: []contract.Criterion{
					{Kind: contract.CriterionArtifactExists, Pattern: "src/app.txt"},
				},
				IsTerminal: true,
			},
		},
		Gates: map[string]*contract.Gate{
			"plan-approval": {
				ID: "plan-approval", Trigger: "planning->execution",
				Audience: "PO", ApprovalScope: "build_requirements",
				BusinessOutcomes: []string{"ship the demo"},
				FunctionalScope:  []string{"the app writes its output file"},
				RequiredInputs: []contract.GateInput{
					{Name: "vision", Kind: "path", Value: "docs/vision.md"},
					{Name: "architecture", Kind: "path", Value: "docs/architecture.md"},
				},
				Outcomes: map[string]string{"approve": "execution", "reject": "planning"},
			},
		},
		GlobalLifetime: &contract.GlobalLifetime{MaxTimeMs: 3_600_000, ExhaustionEscalation: "terminate"},
	}
}

// soloContract is a single ungated execution phase.
func soloContract(workerIterations int) *contract.Contract {
	return &contract.Contract{
		Roles: map[string]*contract.Role{
			"architect": {
				ID: "architect", Scope: []string{"docs/**"},
				Budget: contract.Budget{MaxIterations: 2, ExhaustionEscalation: "terminate"},
			},
			"worker": {
				ID: "worker", Scope: []string{"src/**"},
				Budget: contract.Budget{MaxIterations: workerIterations, ExhaustionEscalation: "architect"},
			},
		},
		Phases: []*contract.Phase{
			{
				ID: "execution", Actors: []string{"worker"},
				CompletionCriteria: []contract.Criterion{
					{Kind: contract.CriterionArtifactExists, Pattern: "src/app.txt"},
				},
				IsTerminal: true,
			},
		},
		GlobalLifetime: &contract.GlobalLifetime{MaxTimeMs: 3_600_000, ExhaustionEscalation: "terminate"},
	}
}

func TestRunHappyPathMergesBack(t *testing.T) {
	run := newScriptRunner(t,
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "docs/vision.md", "# Vision\n")
				writeWorkspaceFile(t, ws, "docs/architecture.md", "# Architecture\n")
			},
			events: phaseComplete(),
		},
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
			events: phaseComplete(),
		},
	)
	prompter := &scriptPrompter{}
	m, repo := newTestManager(t, gatedContract(), run, prompter)

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)
	assert.True(t, run.exhausted())

	// Work merged back onto the source branch.
	assert.FileExists(t, filepath.Join(repo, "docs", "vision.md"))
	assert.FileExists(t, filepath.Join(repo, "src", "app.txt"))

	// Worktree and job branch are gone.
	_, err := os.Stat(paths.WorktreePath(repo, testJobID))
	assert.True(t, os.IsNotExist(err))
	cmd := exec.Command("git", "branch", "--list", "nibbler/"+testJobID)
	cmd.Dir = repo
	listed, err := cmd.CombinedOutput()
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(string(listed)))

	// Gate saw resolved inputs from the worktree.
	require.Len(t, prompter.models, 1)
	model := prompter.models[0]
	assert.Equal(t, "plan-approval", model.GateID)
	assert.Empty(t, model.MissingInputs)
	assert.Equal(t, []string{"ship the demo"}, model.Content["business_outcomes"])

	records := readLedger(t, repo)
	types := ledgerTypes(records)
	assert.Contains(t, types, ledger.EventGatePresented)
	assert.Contains(t, types, ledger.EventGateResolved)
	requireSingleTerminator(t, records, ledger.EventJobCompleted)

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, []string{"architect", "worker"}, st.RolesCompleted)
	assert.Equal(t, []string{"worker"}, st.RolesPlanned)
	assert.Equal(t, 3, st.CurrentRoleMaxIterations)
	assert.NotEmpty(t, st.SessionLogPath)
}

func TestRunScopeViolationRevertsAndRetries(t *testing.T) {
	run := newScriptRunner(t,
		// Attempt 1 strays outside src/**; the stray path has no owner,
		// so no decision session is needed on a first offense.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
				writeWorkspaceFile(t, ws, "notes.txt", "scratch\n")
			},
			events: phaseComplete(),
		},
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
			events: phaseComplete(),
		},
	)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)

	assert.FileExists(t, filepath.Join(repo, "src", "app.txt"))
	assert.NoFileExists(t, filepath.Join(repo, "notes.txt"))

	records := readLedger(t, repo)
	types := ledgerTypes(records)
	reverted := -1
	completed := -1
	for i, typ := range types {
		switch typ {
		case ledger.EventSessionReverted:
			reverted = i
		case ledger.EventSessionComplete:
			completed = i
		}
	}
	require.GreaterOrEqual(t, reverted, 0)
	require.Greater(t, completed, reverted)
	requireSingleTerminator(t, records, ledger.EventJobCompleted)

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	assert.Equal(t, 2, st.AttemptsByRole["worker"])
	require.NotEmpty(t, st.FeedbackByRole["worker"])
	assert.Contains(t, st.FeedbackByRole["worker"][0], "notes.txt")
}

func TestRunRepeatedCompletionFailureEscalates(t *testing.T) {
	noop := agentStep{events: phaseComplete()}
	run := newScriptRunner(t, noop, noop)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeEscalated, out.Kind)
	assert.Contains(t, out.Reason, "repeated_completion_failure")

	records := readLedger(t, repo)
	requireSingleTerminator(t, records, ledger.EventJobFailed)

	// The escalation event names the contract's exhaustion target.
	var escalation *ledger.Record
	for i := range records {
		if records[i].Type == ledger.EventEscalationRequested {
			escalation = &records[i]
		}
	}
	require.NotNil(t, escalation)
	assert.Equal(t, "architect", escalation.Data["escalateTo"])
	assert.Contains(t, out.Reason, "architect")

	// The worktree is preserved for inspection.
	assert.DirExists(t, paths.WorktreePath(repo, testJobID))

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, st.State)
}

func TestRunBudgetExhaustedEscalates(t *testing.T) {
	run := newScriptRunner(t,
		// Attempt 1: scope failure (stray unowned file, completion ok).
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
				writeWorkspaceFile(t, ws, "notes.txt", "scratch\n")
			},
			events: phaseComplete(),
		},
		// Attempt 2: completion failure. Different failure shape, so the
		// repeated-failure shortcut does not fire; iterations run out.
		agentStep{events: phaseComplete()},
	)
	m, repo := newTestManager(t, soloContract(2), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeEscalated, out.Kind)
	assert.Contains(t, out.Reason, "budget_exhausted")

	records := readLedger(t, repo)
	requireSingleTerminator(t, records, ledger.EventJobFailed)
	assert.DirExists(t, paths.WorktreePath(repo, testJobID))
}

func TestRunGateRejectLoopsBackThenApproves(t *testing.T) {
	run := newScriptRunner(t,
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "docs/vision.md", "# Vision\n")
				writeWorkspaceFile(t, ws, "docs/architecture.md", "# Architecture\n")
			},
			events: phaseComplete(),
		},
		// Second planning pass after the rejection.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "docs/vision.md", "# Vision\n\nrevised\n")
			},
			events: phaseComplete(),
		},
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
			events: phaseComplete(),
		},
	)
	prompter := &scriptPrompter{decisions: []gate.Decision{
		{Outcome: gate.Reject, Notes: "vision too thin"},
		{Outcome: gate.Approve},
	}}
	m, repo := newTestManager(t, gatedContract(), run, prompter)

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)
	assert.True(t, run.exhausted())
	require.Len(t, prompter.models, 2)

	resolutions, err := ledger.New(paths.LedgerPath(repo, testJobID)).FindByType(ledger.EventGateResolved)
	require.NoError(t, err)
	require.Len(t, resolutions, 2)
	assert.Equal(t, gate.Reject, resolutions[0].Data["decision"])
	assert.Equal(t, gate.Approve, resolutions[1].Data["decision"])

	requireSingleTerminator(t, readLedger(t, repo), ledger.EventJobCompleted)

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	assert.Empty(t, st.PendingGateID)
}

func TestRunGlobalBudgetExceeded(t *testing.T) {
	run := newScriptRunner(t) // no session may start
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})
	m.State().StartedAtIso = time.Now().Add(-2 * time.Hour).UTC().Format(time.RFC3339)

	out := m.Run(context.Background())
	require.Equal(t, OutcomeBudgetExceeded, out.Kind)

	records := readLedger(t, repo)
	requireSingleTerminator(t, records, ledger.EventJobBudgetExceeded)
	assert.DirExists(t, paths.WorktreePath(repo, testJobID))

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	assert.Equal(t, StateBudgetExceeded, st.State)
}

func TestRunProtocolMissingFallsBackToVerification(t *testing.T) {
	run := newScriptRunner(t,
		// Clean exit, no protocol event: work is verified anyway and the
		// hint lands in the role's feedback.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
		},
	)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)

	records := readLedger(t, repo)
	types := ledgerTypes(records)
	assert.Contains(t, types, ledger.EventProtocolMissing)
	assert.Contains(t, types, ledger.EventSessionComplete)
	requireSingleTerminator(t, records, ledger.EventJobCompleted)

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	require.NotEmpty(t, st.FeedbackByRole["worker"])
	assert.Contains(t, st.FeedbackByRole["worker"][0], "NIBBLER_EVENT")
	history := st.FeedbackHistoryByRole["worker"]
	require.Len(t, history, 1)
	assert.NotEmpty(t, history[0].EngineHint)
}

func TestRunScopeExceptionDeniedThenRetry(t *testing.T) {
	run := newScriptRunner(t,
		// Attempt 1 writes into the architect's territory: structural on
		// the first offense, so a decision session runs.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
				writeWorkspaceFile(t, ws, "docs/hack.md", "shortcut\n")
			},
			events: phaseComplete(),
		},
		// Architect decision session writes no decision file: treated as
		// a denial.
		agentStep{events: phaseComplete()},
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
			events: phaseComplete(),
		},
	)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)
	assert.True(t, run.exhausted())

	types := ledgerTypes(readLedger(t, repo))
	assert.Contains(t, types, ledger.EventScopeExceptionRequest)
	assert.Contains(t, types, ledger.EventScopeExceptionDenied)
	assert.NoFileExists(t, filepath.Join(repo, "docs", "hack.md"))
}

func TestRunScopeExceptionGranted(t *testing.T) {
	decision := `{"decision":"grant_narrow_access","kind":"extra_scope","patterns":["docs/hack.md"],"notes":"one-off"}`
	run := newScriptRunner(t,
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
				writeWorkspaceFile(t, ws, "docs/hack.md", "shortcut\n")
			},
			events: phaseComplete(),
		},
		// Architect grants the narrow pattern.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws,
					".nibbler-staging/scope-exceptions/"+testJobID+"/decision.json", decision)
			},
			events: phaseComplete(),
		},
		// Retry with the enlarged scope succeeds.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
				writeWorkspaceFile(t, ws, "docs/hack.md", "shortcut\n")
			},
			events: phaseComplete(),
		},
	)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)

	types := ledgerTypes(readLedger(t, repo))
	assert.Contains(t, types, ledger.EventScopeExceptionRequest)
	assert.Contains(t, types, ledger.EventScopeExceptionGranted)
	assert.FileExists(t, filepath.Join(repo, "docs", "hack.md"))

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	overrides := st.ScopeOverridesByRole["worker"]
	require.Len(t, overrides, 1)
	assert.Equal(t, []string{"docs/hack.md"}, overrides[0].Patterns)
}

func TestRunDelegatedExecution(t *testing.T) {
	plan := "version: \"1\"\ntasks:\n" +
		"  - task_id: t-1\n" +
		"    role_id: worker\n" +
		"    description: write the app file\n" +
		"    scope_hints: [\"src/**\"]\n"
	run := newScriptRunner(t,
		// Planning: docs plus a staged delegation plan.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "docs/vision.md", "# Vision\n")
				writeWorkspaceFile(t, ws, "docs/architecture.md", "# Architecture\n")
				writeWorkspaceFile(t, ws, ".nibbler-staging/plan/"+testJobID+"/delegation.yaml", plan)
			},
			events: phaseComplete(),
		},
		// Worker plan-mode session stages its implementation plan.
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, ".nibbler-staging/plan/"+testJobID+"/worker-impl-plan.md", "# Plan\n")
			},
			events: phaseComplete(),
		},
		agentStep{
			action: func(t *testing.T, ws string) {
				writeWorkspaceFile(t, ws, "src/app.txt", "hello\n")
			},
			events: phaseComplete(),
		},
	)
	m, repo := newTestManager(t, gatedContract(), run, &scriptPrompter{})

	out := m.Run(context.Background())
	require.Equal(t, OutcomeOK, out.Kind, "reason: %s", out.Reason)
	assert.True(t, run.exhausted())
	assert.Equal(t, []string{"normal", "plan", "normal"}, run.modes)

	// Plan artifacts are materialized under the job directory.
	planDir := paths.PlanDir(repo, testJobID)
	assert.FileExists(t, filepath.Join(planDir, "delegation.yaml"))
	assert.FileExists(t, filepath.Join(planDir, "worker-impl-plan.md"))

	st, err := LoadState(repo, testJobID)
	require.NoError(t, err)
	require.NotNil(t, st.DelegationPlan)
	require.Len(t, st.DelegationPlan.Tasks, 1)
	assert.Equal(t, "t-1", st.DelegationPlan.Tasks[0].TaskID)

	// The execution prompt carries the delegated task.
	require.Len(t, run.prompts, 3)
	assert.Contains(t, run.prompts[2], "t-1")
	assert.Contains(t, run.prompts[2], "worker-impl-plan.md")
}

func TestRunCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := newScriptRunner(t)
	m, repo := newTestManager(t, soloContract(3), run, &scriptPrompter{})

	out := m.Run(ctx)
	require.Equal(t, OutcomeCancelled, out.Kind)
	requireSingleTerminator(t, readLedger(t, repo), ledger.EventJobCancelled)
}
