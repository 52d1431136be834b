package evidence

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesRelativePath(t *testing.T) {
	jobDir := t.TempDir()
	c := New(filepath.Join(jobDir, "evidence"))

	rel, err := c.Record(KindCheck, "worker", "scope", map[string]any{"passed": false})
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(rel, "evidence/checks/"), rel)
	assert.True(t, strings.HasSuffix(rel, ".json"))

	data, err := os.ReadFile(filepath.Join(jobDir, filepath.FromSlash(rel)))
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, false, decoded["passed"])
}

func TestRecordSanitizesNames(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "evidence"))
	rel, err := c.Record(KindGate, "", "plan->execution", map[string]any{})
	require.NoError(t, err)
	assert.NotContains(t, rel, ">")
	assert.Contains(t, rel, "none")
}

func TestFinalTreeExcludesEngineState(t *testing.T) {
	workspace := t.TempDir()
	for _, f := range []string{
		"src/app.ts",
		"README.md",
		".nibbler/jobs/j-x/ledger.jsonl",
		".nibbler-staging/plan/j-x/notes.md",
	} {
		path := filepath.Join(workspace, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	jobDir := t.TempDir()
	c := New(filepath.Join(jobDir, "evidence"))
	rel, err := c.FinalTree(workspace)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(jobDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	listing := string(data)

	assert.Contains(t, listing, "src/app.ts")
	assert.Contains(t, listing, "README.md")
	assert.NotContains(t, listing, ".nibbler/jobs")
	assert.NotContains(t, listing, ".nibbler-staging")
}

func TestTerminalState(t *testing.T) {
	jobDir := t.TempDir()
	c := New(filepath.Join(jobDir, "evidence"))

	rel, err := c.TerminalState(map[string]any{"state": "completed"})
	require.NoError(t, err)
	assert.Equal(t, "evidence/terminal-state.json", rel)

	_, err = os.Stat(filepath.Join(jobDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
}
