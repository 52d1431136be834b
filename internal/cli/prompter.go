// Package cli implements the nibbler command-line interface.
// This file contains the terminal gate prompter.
package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/nibblerhq/nibbler/internal/gate"
)

// promptStyles hold the lipgloss styles for gate rendering.
type promptStyles struct {
	Title   lipgloss.Style
	Section lipgloss.Style
	Warn    lipgloss.Style
	Subtle  lipgloss.Style
}

func defaultPromptStyles() promptStyles {
	return promptStyles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")),
		Section: lipgloss.NewStyle().
			Bold(true),
		Warn: lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")),
		Subtle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")),
	}
}

// terminalPrompter renders gates to the terminal and reads the
// decision from stdin.
type terminalPrompter struct {
	in     io.Reader
	out    io.Writer
	isTTY  bool
	styles promptStyles
}

func newGatePrompter() gate.Prompter {
	return &terminalPrompter{
		in:     os.Stdin,
		out:    os.Stdout,
		isTTY:  isatty.IsTerminal(os.Stdin.Fd()),
		styles: defaultPromptStyles(),
	}
}

// Present implements gate.Prompter.
func (p *terminalPrompter) Present(model gate.DecisionModel) (gate.Decision, error) {
	if !p.isTTY {
		return gate.Decision{}, fmt.Errorf(
			"gate %s needs a terminal decision; rerun in a terminal or resume with: nibbler resume %s",
			model.GateID, model.JobID)
	}

	p.render(model)

	reader := bufio.NewReader(p.in)
	for {
		fmt.Fprintf(p.out, "\n%s ", p.styles.Section.Render("approve or reject? [a/r]"))
		line, err := reader.ReadString('\n')
		if err != nil {
			return gate.Decision{}, fmt.Errorf("read gate decision: %w", err)
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "a", "approve", "y", "yes":
			return gate.Decision{Outcome: gate.Approve}, nil
		case "r", "reject", "n", "no":
			fmt.Fprintf(p.out, "%s ", p.styles.Section.Render("reason:"))
			notes, err := reader.ReadString('\n')
			if err != nil && err != io.EOF {
				return gate.Decision{}, fmt.Errorf("read rejection reason: %w", err)
			}
			return gate.Decision{Outcome: gate.Reject, Notes: strings.TrimSpace(notes)}, nil
		default:
			fmt.Fprintln(p.out, p.styles.Subtle.Render("please answer a (approve) or r (reject)"))
		}
	}
}

func (p *terminalPrompter) render(model gate.DecisionModel) {
	fmt.Fprintln(p.out)
	fmt.Fprintln(p.out, p.styles.Title.Render(
		fmt.Sprintf("⛩  gate %s (%s) for job %s", model.GateID, model.Trigger, model.JobID)))
	fmt.Fprintln(p.out, p.styles.Subtle.Render(
		fmt.Sprintf("audience: %s, approval scope: %s", model.Audience, model.ApprovalScope)))

	for _, section := range []string{"business_outcomes", "functional_scope", "out_of_scope", "approval_expectations"} {
		items := model.Content[section]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(p.out, "\n%s\n", p.styles.Section.Render(strings.ReplaceAll(section, "_", " ")))
		for _, item := range items {
			fmt.Fprintf(p.out, "  • %s\n", item)
		}
	}

	if len(model.Inputs) > 0 {
		fmt.Fprintf(p.out, "\n%s\n", p.styles.Section.Render("inputs"))
		for _, in := range model.Inputs {
			marker := "✓"
			if !in.Exists {
				marker = p.styles.Warn.Render("✗ missing")
			}
			fmt.Fprintf(p.out, "  %s %s (%s)\n", marker, in.Name, in.Path)
		}
	}
	if len(model.MissingInputs) > 0 {
		fmt.Fprintln(p.out, p.styles.Warn.Render(
			"some required inputs are missing; review carefully before approving"))
	}
}
