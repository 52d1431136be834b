package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibblerhq/nibbler/internal/paths"
)

const teamYAML = `
roles:
  architect:
    scope:
      - vision.md
      - architecture.md
    budget:
      max_iterations: 3
      exhaustion_escalation: terminate
  worker:
    scope:
      - src/**
    authority:
      allowed_paths:
        - docs/api/**
    budget:
      max_iterations: 2
      max_time_ms: 600000
      exhaustion_escalation: architect
shared_scopes:
  - roles: [architect, worker]
    patterns: [shared/**]
global_lifetime:
  max_time_ms: 3600000
  exhaustion_escalation: terminate
`

const phasesYAML = `
phases:
  - id: planning
    actors: [architect]
    output_boundaries:
      - vision.md
    completion_criteria:
      - kind: artifact_exists
        pattern: .nibbler/jobs/<id>/plan/acceptance.md
    successors:
      - on: done
        next: execution
  - id: execution
    actors: [worker]
    completion_criteria:
      - kind: diff_non_empty
    is_terminal: true
gates:
  plan:
    trigger: planning->execution
    audience: PO
    approval_scope: build_requirements
    business_outcomes:
      - Feature lands on the user branch
    functional_scope:
      - src changes only
    required_inputs:
      - name: vision
        kind: path
        value: vision.md
      - name: architecture
        kind: path
        value: architecture.md
    outcomes:
      approve: execution
      reject: planning
`

func writeContract(t *testing.T, repoRoot string) {
	t.Helper()
	dir := filepath.Join(repoRoot, paths.ContractDir)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, paths.TeamFile), []byte(teamYAML), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, paths.PhasesFile), []byte(phasesYAML), 0o644))
}

func TestLoad(t *testing.T) {
	repoRoot := t.TempDir()
	writeContract(t, repoRoot)

	c, err := Load(repoRoot)
	require.NoError(t, err)

	require.Contains(t, c.Roles, "worker")
	assert.Equal(t, "worker", c.Roles["worker"].ID)
	assert.Equal(t, []string{"src/**"}, c.Roles["worker"].Scope)
	assert.Equal(t, []string{"docs/api/**"}, c.Roles["worker"].Authority.AllowedPaths)
	assert.Equal(t, int64(600000), c.Roles["worker"].Budget.MaxTimeMs)

	require.Len(t, c.Phases, 2)
	assert.Equal(t, CriterionArtifactExists, c.Phases[0].CompletionCriteria[0].Kind)
	assert.True(t, c.Phases[1].IsTerminal)

	require.Contains(t, c.Gates, "plan")
	assert.Equal(t, "plan", c.Gates["plan"].ID)
	assert.Equal(t, "planning->execution", c.Gates["plan"].Trigger)
	assert.Equal(t, "execution", c.Gates["plan"].Outcomes["approve"])

	require.NotNil(t, c.GlobalLifetime)
	assert.Equal(t, int64(3600000), c.GlobalLifetime.MaxTimeMs)

	assert.Empty(t, Validate(c))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(t.TempDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "team.yaml")
}
