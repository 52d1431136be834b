// Package gate presents human decision points on phase transitions and
// records both the presentation and the resolution.
package gate

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/evidence"
	"github.com/nibblerhq/nibbler/internal/ledger"
)

// Decision outcomes.
const (
	Approve = "approve"
	Reject  = "reject"
)

// Decision is the human's answer to a gate.
type Decision struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes,omitempty"`
}

// ResolvedInput is one required input after path resolution.
type ResolvedInput struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Exists bool   `json:"exists"`
}

// DecisionModel is everything the prompt surface needs to render a
// gate to its audience.
type DecisionModel struct {
	GateID        string
	Trigger       string
	Audience      string
	ApprovalScope string
	JobID         string
	Inputs        []ResolvedInput
	// Content holds the approval slices selected by ApprovalScope,
	// keyed by slice name.
	Content map[string][]string
	// MissingInputs lists required inputs that could not be found.
	MissingInputs []string
}

// Prompter renders a decision model and collects the answer. The CLI
// provides the real implementation; tests inject fakes.
type Prompter interface {
	Present(model DecisionModel) (Decision, error)
}

// Controller resolves gate inputs, prompts, and records the outcome.
type Controller struct {
	repoRoot string
	ledger   *ledger.Ledger
	evidence *evidence.Collector
	prompter Prompter
	logger   *slog.Logger
}

// NewController wires a gate controller for one job.
func NewController(repoRoot string, led *ledger.Ledger, ev *evidence.Collector, prompter Prompter, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{repoRoot: repoRoot, ledger: led, evidence: ev, prompter: prompter, logger: logger}
}

// Present resolves the gate's inputs, asks the prompter for a decision,
// and records presentation and resolution with a fingerprint. The
// fingerprint is returned so the caller can persist it for resume.
func (c *Controller) Present(g *contract.Gate, jobID string) (Decision, string, error) {
	inputs := c.resolveInputs(g, jobID)
	model := buildModel(g, jobID, inputs)
	fp := Fingerprint(c.repoRoot, g, inputs)

	presented := map[string]any{
		"gate":        g.ID,
		"trigger":     g.Trigger,
		"audience":    g.Audience,
		"inputs":      inputs,
		"fingerprint": fp,
	}
	if err := c.ledger.Append(ledger.EventGatePresented, presented); err != nil {
		return Decision{}, "", fmt.Errorf("record gate presentation: %w", err)
	}
	if _, err := c.evidence.Record(evidence.KindGate, g.Audience, g.ID+"-inputs", presented); err != nil {
		c.logger.Warn("gate inputs evidence not written", "gate", g.ID, "error", err)
	}

	decision, err := c.prompter.Present(model)
	if err != nil {
		return Decision{}, "", fmt.Errorf("present gate %s: %w", g.ID, err)
	}
	if decision.Outcome != Approve && decision.Outcome != Reject {
		return Decision{}, "", fmt.Errorf("gate %s: unknown decision %q", g.ID, decision.Outcome)
	}

	resolved := map[string]any{
		"gate":        g.ID,
		"trigger":     g.Trigger,
		"decision":    decision.Outcome,
		"notes":       decision.Notes,
		"fingerprint": fp,
	}
	if err := c.ledger.Append(ledger.EventGateResolved, resolved); err != nil {
		return Decision{}, "", fmt.Errorf("record gate resolution: %w", err)
	}
	if _, err := c.evidence.Record(evidence.KindGate, g.Audience, g.ID+"-resolution", resolved); err != nil {
		c.logger.Warn("gate resolution evidence not written", "gate", g.ID, "error", err)
	}

	c.logger.Info("gate resolved", "gate", g.ID, "decision", decision.Outcome)
	return decision, fp, nil
}

// FingerprintNow resolves the gate's inputs and returns the current
// fingerprint without prompting. Used for auto-reapply on resume.
func (c *Controller) FingerprintNow(g *contract.Gate, jobID string) string {
	return Fingerprint(c.repoRoot, g, c.resolveInputs(g, jobID))
}

// PriorApproval reports whether the most recent resolution of this gate
// in the ledger was an approval with an identical fingerprint.
// Rejections never auto-reapply.
func PriorApproval(led *ledger.Ledger, gateID, fingerprint string) (bool, error) {
	records, err := led.FindByType(ledger.EventGateResolved)
	if err != nil {
		return false, err
	}
	for i := len(records) - 1; i >= 0; i-- {
		data := records[i].Data
		if data["gate"] != gateID {
			continue
		}
		return data["decision"] == Approve && data["fingerprint"] == fingerprint, nil
	}
	return false, nil
}

func buildModel(g *contract.Gate, jobID string, inputs []ResolvedInput) DecisionModel {
	model := DecisionModel{
		GateID:        g.ID,
		Trigger:       g.Trigger,
		Audience:      g.Audience,
		ApprovalScope: g.ApprovalScope,
		JobID:         jobID,
		Inputs:        inputs,
		Content:       map[string][]string{},
	}
	switch g.ApprovalScope {
	case "build_requirements":
		model.Content["business_outcomes"] = g.BusinessOutcomes
		model.Content["functional_scope"] = g.FunctionalScope
		model.Content["out_of_scope"] = g.OutOfScope
	case "phase_output":
		model.Content["approval_expectations"] = g.ApprovalExpectations
	default: // "both" and anything unrecognized shows everything
		model.Content["business_outcomes"] = g.BusinessOutcomes
		model.Content["functional_scope"] = g.FunctionalScope
		model.Content["out_of_scope"] = g.OutOfScope
		model.Content["approval_expectations"] = g.ApprovalExpectations
	}
	for _, in := range inputs {
		if !in.Exists {
			model.MissingInputs = append(model.MissingInputs, in.Name)
		}
	}
	return model
}

// resolveInputs maps each path input to a concrete file, substituting
// <id> and falling back to a case-insensitive lookup for plain paths.
func (c *Controller) resolveInputs(g *contract.Gate, jobID string) []ResolvedInput {
	var out []ResolvedInput
	for _, in := range g.RequiredInputs {
		if in.Kind != "path" {
			continue
		}
		rel := strings.ReplaceAll(in.Value, "<id>", jobID)
		resolved := ResolvedInput{Name: in.Name, Path: rel}

		if strings.ContainsAny(rel, "*?[{") {
			matches, err := doublestar.FilepathGlob(filepath.Join(c.repoRoot, filepath.FromSlash(rel)))
			if err == nil && len(matches) > 0 {
				if relMatch, relErr := filepath.Rel(c.repoRoot, matches[0]); relErr == nil {
					resolved.Path = filepath.ToSlash(relMatch)
				}
				resolved.Exists = true
			}
			out = append(out, resolved)
			continue
		}

		abs := filepath.Join(c.repoRoot, filepath.FromSlash(rel))
		if _, err := os.Stat(abs); err == nil {
			resolved.Exists = true
		} else if found, ok := findCaseInsensitive(c.repoRoot, rel); ok {
			resolved.Path = found
			resolved.Exists = true
		}
		out = append(out, resolved)
	}
	return out
}

// findCaseInsensitive walks rel segment by segment, matching each
// component case-insensitively against directory entries.
func findCaseInsensitive(root, rel string) (string, bool) {
	current := root
	var resolved []string
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if segment == "" {
			continue
		}
		entries, err := os.ReadDir(current)
		if err != nil {
			return "", false
		}
		found := ""
		for _, entry := range entries {
			if strings.EqualFold(entry.Name(), segment) {
				found = entry.Name()
				break
			}
		}
		if found == "" {
			return "", false
		}
		resolved = append(resolved, found)
		current = filepath.Join(current, found)
	}
	return strings.Join(resolved, "/"), true
}
