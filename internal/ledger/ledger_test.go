package ledger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return New(filepath.Join(t.TempDir(), "ledger.jsonl"))
}

func TestAppendAndReadAll(t *testing.T) {
	l := newTestLedger(t)

	require.NoError(t, l.Append("session_complete", map[string]any{"role": "worker"}))
	require.NoError(t, l.Append("gate_presented", map[string]any{"gate": "plan"}))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "session_complete", records[0].Type)
	assert.Equal(t, "worker", records[0].Data["role"])
	assert.Equal(t, "gate_presented", records[1].Type)
	assert.NotEmpty(t, records[0].Timestamp)
}

func TestAppendIsAppendOnly(t *testing.T) {
	l := newTestLedger(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, l.Append("tick", map[string]any{"n": i}))
	}
	first, err := l.ReadAll()
	require.NoError(t, err)

	require.NoError(t, l.Append("tick", map[string]any{"n": 5}))
	all, err := l.ReadAll()
	require.NoError(t, err)

	require.Len(t, all, 6)
	assert.Equal(t, first, all[:5])
}

func TestReadAllSkipsMalformedLines(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("good", nil))

	f, err := os.OpenFile(l.Path(), os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("not json at all\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, l.Append("also_good", nil))

	records, err := l.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "good", records[0].Type)
	assert.Equal(t, "also_good", records[1].Type)
}

func TestFindByTypeAndLast(t *testing.T) {
	l := newTestLedger(t)
	require.NoError(t, l.Append("gate_resolved", map[string]any{"decision": "reject"}))
	require.NoError(t, l.Append("session_complete", nil))
	require.NoError(t, l.Append("gate_resolved", map[string]any{"decision": "approve"}))

	matches, err := l.FindByType("gate_resolved")
	require.NoError(t, err)
	require.Len(t, matches, 2)

	last, err := l.Last("gate_resolved")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "approve", last.Data["decision"])

	missing, err := l.Last("never_appended")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReadAllMissingFile(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), "nope", "ledger.jsonl"))
	records, err := l.ReadAll()
	require.NoError(t, err)
	assert.Nil(t, records)
}

func TestIsTerminator(t *testing.T) {
	assert.True(t, IsTerminator(EventJobCompleted))
	assert.True(t, IsTerminator(EventJobCancelled))
	assert.False(t, IsTerminator(EventSessionComplete))
}
