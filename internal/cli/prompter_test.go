package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibblerhq/nibbler/internal/gate"
)

func testDecisionModel() gate.DecisionModel {
	return gate.DecisionModel{
		GateID:        "plan-approval",
		Trigger:       "planning->execution",
		Audience:      "PO",
		ApprovalScope: "build_requirements",
		JobID:         "j-20260826-001",
		Inputs: []gate.ResolvedInput{
			{Name: "vision", Path: "docs/vision.md", Exists: true},
			{Name: "architecture", Path: "docs/architecture.md", Exists: false},
		},
		Content: map[string][]string{
			"business_outcomes": {"ship the onboarding flow"},
			"functional_scope":  {"signup form", "welcome email"},
		},
		MissingInputs: []string{"architecture"},
	}
}

func TestPrompterRequiresTerminal(t *testing.T) {
	p := &terminalPrompter{
		in:     strings.NewReader(""),
		out:    &bytes.Buffer{},
		isTTY:  false,
		styles: defaultPromptStyles(),
	}

	_, err := p.Present(testDecisionModel())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nibbler resume j-20260826-001")
}

func TestPrompterApprove(t *testing.T) {
	out := &bytes.Buffer{}
	p := &terminalPrompter{
		in:     strings.NewReader("a\n"),
		out:    out,
		isTTY:  true,
		styles: defaultPromptStyles(),
	}

	decision, err := p.Present(testDecisionModel())
	require.NoError(t, err)
	assert.Equal(t, gate.Approve, decision.Outcome)
	assert.Empty(t, decision.Notes)

	rendered := out.String()
	assert.Contains(t, rendered, "plan-approval")
	assert.Contains(t, rendered, "ship the onboarding flow")
	assert.Contains(t, rendered, "docs/architecture.md")
	assert.Contains(t, rendered, "missing")
}

func TestPrompterRejectWithReason(t *testing.T) {
	out := &bytes.Buffer{}
	p := &terminalPrompter{
		// First answer is garbage and should re-prompt.
		in:     strings.NewReader("maybe\nr\nscope is too thin\n"),
		out:    out,
		isTTY:  true,
		styles: defaultPromptStyles(),
	}

	decision, err := p.Present(testDecisionModel())
	require.NoError(t, err)
	assert.Equal(t, gate.Reject, decision.Outcome)
	assert.Equal(t, "scope is too thin", decision.Notes)
	assert.Contains(t, out.String(), "please answer")
}
