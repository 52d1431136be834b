// Package session starts and supervises one agent role session:
// overlay install, spawn, bootstrap prompt, and the wait loop that
// turns raw runner events into a typed outcome.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/runner"
)

// DefaultInactivityTimeout ends a session that produced no output for
// this long. Long-running healthy agents keep the stream warm with log
// lines, so silence this long means a hang.
const DefaultInactivityTimeout = 2 * time.Minute

const waitPollInterval = 1 * time.Second

// OutcomeKind classifies how a session ended.
type OutcomeKind string

const (
	OutcomeEvent           OutcomeKind = "event"
	OutcomeProcessExit     OutcomeKind = "process_exit"
	OutcomeInactiveTimeout OutcomeKind = "inactive_timeout"
	OutcomeBudgetExceeded  OutcomeKind = "budget_exceeded"
	OutcomeCancelled       OutcomeKind = "cancelled"
)

// Outcome is the typed result of waiting on a session.
type Outcome struct {
	Kind     OutcomeKind
	Event    *runner.Event
	ExitCode int
	Signal   string
	// Questions collects non-terminal QUESTION/QUESTIONS events seen
	// before the session ended.
	Questions []string
}

// StartOptions configure one session.
type StartOptions struct {
	Mode             string
	TaskType         runner.TaskType
	BootstrapPrompt  string
	WritablePatterns []string
	Env              map[string]string
}

// Controller drives sessions for a single workspace.
type Controller struct {
	runner            runner.Runner
	repoRoot          string
	workspace         string
	logger            *slog.Logger
	InactivityTimeout time.Duration
}

// NewController returns a controller spawning sessions in workspace.
// Role config profiles are read from repoRoot.
func NewController(r runner.Runner, repoRoot, workspace string, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		runner:            r,
		repoRoot:          repoRoot,
		workspace:         workspace,
		logger:            logger,
		InactivityTimeout: DefaultInactivityTimeout,
	}
}

// Start installs the role's permissions overlay, spawns the agent, and
// sends the bootstrap prompt.
func (c *Controller) Start(role *contract.Role, opts StartOptions) (*runner.Handle, error) {
	if err := c.installOverlay(role, opts.WritablePatterns); err != nil {
		return nil, err
	}

	configDir := paths.ProfileDir(c.repoRoot, role.ID)
	env := map[string]string{"NIBBLER_ROLE": role.ID}
	for k, v := range opts.Env {
		env[k] = v
	}

	h, err := c.runner.Spawn(c.workspace, env, configDir, runner.SpawnOptions{
		Mode:        opts.Mode,
		Interactive: c.runner.Capabilities().Interactive,
		TaskType:    opts.TaskType,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn session for role %s: %w", role.ID, err)
	}

	if opts.BootstrapPrompt != "" {
		if err := c.runner.Send(h, opts.BootstrapPrompt); err != nil {
			c.runner.Stop(h) //nolint:errcheck
			return nil, fmt.Errorf("send bootstrap prompt: %w", err)
		}
	}

	c.logger.Info("session started", "role", role.ID, "session", h.ID, "mode", opts.Mode)
	return h, nil
}

// installOverlay writes the role's permission overlay and removes any
// stale overlay left behind by a previous session.
func (c *Controller) installOverlay(role *contract.Role, writable []string) error {
	rulesDir := filepath.Join(c.workspace, filepath.FromSlash(paths.RulesDir))
	if err := os.MkdirAll(rulesDir, 0o755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}

	entries, err := os.ReadDir(rulesDir)
	if err != nil {
		return fmt.Errorf("read rules dir: %w", err)
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "20-role-") && strings.HasSuffix(entry.Name(), ".mdc") {
			if err := os.Remove(filepath.Join(rulesDir, entry.Name())); err != nil {
				return fmt.Errorf("remove stale overlay %s: %w", entry.Name(), err)
			}
		}
	}

	overlay := paths.OverlayPath(c.workspace, role.ID)
	if err := os.WriteFile(overlay, []byte(overlayContent(role, writable)), 0o644); err != nil {
		return fmt.Errorf("write overlay: %w", err)
	}
	return nil
}

func overlayContent(role *contract.Role, writable []string) string {
	var b strings.Builder
	b.WriteString("---\nalwaysApply: true\n---\n\n")
	fmt.Fprintf(&b, "# Session rules for role %q\n\n", role.ID)
	b.WriteString("You may only create or modify files matching these patterns:\n\n")
	for _, p := range writable {
		fmt.Fprintf(&b, "- `%s`\n", p)
	}
	b.WriteString("\nNever touch files under `.nibbler/` or this rules file.\n\n")
	b.WriteString("Signal the engine with a single line on stdout:\n\n")
	b.WriteString("    NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\",\"summary\":\"...\"}\n\n")
	b.WriteString("Other event types: NEEDS_ESCALATION{reason,context}, EXCEPTION{reason,impact}, QUESTION{text}, QUESTIONS{questions}.\n")
	return b.String()
}

// WaitForCompletion blocks until the session reaches a terminal state:
// a terminal protocol event, process exit, inactivity, the role's time
// budget, or context cancellation. onHeartbeat fires on every poll tick
// and event so the caller can persist liveness.
func (c *Controller) WaitForCompletion(ctx context.Context, h *runner.Handle, budget contract.Budget, onHeartbeat func(time.Time)) Outcome {
	heartbeat := func(at time.Time) {
		if onHeartbeat != nil {
			onHeartbeat(at)
		}
	}

	var deadline <-chan time.Time
	if budget.MaxTimeMs > 0 {
		remaining := time.Until(h.StartedAt.Add(time.Duration(budget.MaxTimeMs) * time.Millisecond))
		deadline = time.After(remaining)
	}

	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	var questions []string
	events := c.runner.Events(h)
	for {
		select {
		case <-ctx.Done():
			return Outcome{Kind: OutcomeCancelled, Questions: questions}

		case ev, ok := <-events:
			now := time.Now()
			h.Touch(now)
			heartbeat(now)
			if !ok {
				code, sig, _ := h.Exit()
				return Outcome{Kind: OutcomeProcessExit, ExitCode: code, Signal: sig, Questions: questions}
			}
			if ev.Terminal() {
				evCopy := ev
				return Outcome{Kind: OutcomeEvent, Event: &evCopy, Questions: questions}
			}
			switch ev.Type {
			case runner.EventQuestion:
				questions = append(questions, ev.Text)
			case runner.EventQuestions:
				questions = append(questions, ev.Questions...)
			}
			c.logger.Debug("non-terminal event", "session", h.ID, "type", ev.Type)

		case <-ticker.C:
			now := time.Now()
			heartbeat(now)
			if now.Sub(h.LastActivity()) > c.InactivityTimeout {
				return Outcome{Kind: OutcomeInactiveTimeout, Questions: questions}
			}

		case <-deadline:
			return Outcome{Kind: OutcomeBudgetExceeded, Questions: questions}
		}
	}
}

// Stop terminates the session and drains its event stream. Safe to
// call on an already-stopped session.
func (c *Controller) Stop(h *runner.Handle) {
	if h == nil {
		return
	}
	c.runner.Stop(h) //nolint:errcheck
	for range c.runner.Events(h) {
	}
}
