package job

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nibblerhq/nibbler/internal/delegation"
	"github.com/nibblerhq/nibbler/internal/ledger"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/scopeexc"
)

func TestStatePersistLoadRoundTrip(t *testing.T) {
	repo := t.TempDir()
	st := NewState("j-20260826-001", repo, ModeBuild, "build the demo")
	st.WorktreePath = "/tmp/wt"
	st.SourceBranch = "main"
	st.JobBranch = "nibbler/j-20260826-001"
	st.CurrentPhaseID = "execution"
	st.CurrentActorIndex = 1
	st.CurrentRoleID = "worker"
	st.RolesCompleted = []string{"architect"}
	st.AttemptsByRole["worker"] = 2
	st.FeedbackByRole["worker"] = []string{"attempt 1: failed criteria: artifact_exists"}
	st.FeedbackHistoryByRole["worker"] = []AttemptSummary{{
		Attempt:    1,
		Scope:      AttemptScope{Passed: true},
		Completion: AttemptCompletion{Passed: false, FailedCriteria: []string{"artifact_exists"}},
	}}
	st.ScopeOverridesByRole["worker"] = []scopeexc.Override{{
		Kind:     scopeexc.KindExtraScope,
		Patterns: []string{"docs/shared.md"},
		PhaseID:  "execution",
	}}
	st.PendingGateID = "plan-approval"
	st.PreSessionCommit = "abc123"
	st.LastDiff = &DiffSnapshot{FilesChanged: 2, Additions: 10, Deletions: 1, Paths: []string{"src/a.go", "src/b.go"}}
	st.DelegationPlan = &delegation.Plan{
		Version: "1",
		Tasks:   []delegation.Task{{TaskID: "t-1", RoleID: "worker", Description: "x", ScopeHints: []string{"src/**"}}},
	}
	st.SessionSeq = 3
	st.GlobalBudgetLimitMs = 3600000

	require.NoError(t, st.Persist())

	loaded, err := LoadState(repo, "j-20260826-001")
	require.NoError(t, err)
	assert.Equal(t, st, loaded)
}

func TestLoadStateBackfillsMaps(t *testing.T) {
	repo := t.TempDir()
	path := paths.StatusPath(repo, "j-20260826-002")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"jobId":"j-20260826-002","state":"executing"}`), 0o644))

	st, err := LoadState(repo, "j-20260826-002")
	require.NoError(t, err)
	assert.NotNil(t, st.AttemptsByRole)
	assert.NotNil(t, st.FeedbackByRole)
	assert.NotNil(t, st.FeedbackHistoryByRole)
	assert.NotNil(t, st.ScopeOverridesByRole)
}

func TestPersistLeavesNoTempFiles(t *testing.T) {
	repo := t.TempDir()
	st := NewState("j-20260826-003", repo, ModeBuild, "x")
	require.NoError(t, st.Persist())
	require.NoError(t, st.Persist())

	entries, err := os.ReadDir(paths.JobDir(repo, "j-20260826-003"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, paths.StatusFile, entries[0].Name())
}

func TestNewJobIDSequence(t *testing.T) {
	repo := t.TempDir()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	id, err := NewJobID(repo, now)
	require.NoError(t, err)
	assert.Equal(t, "j-20260826-001", id)

	jobsDir := filepath.Join(repo, filepath.FromSlash(paths.JobsDir))
	for _, name := range []string{"j-20260826-001", "j-20260826-007", "j-20250101-042", "not-a-job"} {
		require.NoError(t, os.MkdirAll(filepath.Join(jobsDir, name), 0o755))
	}

	id, err = NewJobID(repo, now)
	require.NoError(t, err)
	assert.Equal(t, "j-20260826-008", id)

	// A new day restarts the sequence.
	id, err = NewJobID(repo, now.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "j-20260827-001", id)
}

func TestListJobs(t *testing.T) {
	repo := t.TempDir()
	ids, err := ListJobs(repo)
	require.NoError(t, err)
	assert.Empty(t, ids)

	jobsDir := filepath.Join(repo, filepath.FromSlash(paths.JobsDir))
	for _, name := range []string{"j-20260826-002", "j-20260826-001", "scratch"} {
		require.NoError(t, os.MkdirAll(filepath.Join(jobsDir, name), 0o755))
	}

	ids, err = ListJobs(repo)
	require.NoError(t, err)
	assert.Equal(t, []string{"j-20260826-001", "j-20260826-002"}, ids)
}

func TestCancelJobAppendsTerminatorOnce(t *testing.T) {
	repo := t.TempDir()
	st := NewState("j-20260826-004", repo, ModeBuild, "x")
	require.NoError(t, st.Persist())

	require.NoError(t, CancelJob(repo, "j-20260826-004", "operator request"))

	led := ledger.New(paths.LedgerPath(repo, "j-20260826-004"))
	records, err := led.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, ledger.EventJobCancelled, records[0].Type)
	assert.Equal(t, "operator request", records[0].Data["reason"])

	loaded, err := LoadState(repo, "j-20260826-004")
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, loaded.State)

	// A finished job cannot be cancelled again.
	assert.Error(t, CancelJob(repo, "j-20260826-004", "again"))
}
