package gitx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildDiffResult(t *testing.T) {
	nameStatus := "A\tsrc/new.ts\nM\tsrc/app.ts\nD\tdocs/old.md\nR100\tsrc/a.ts\tsrc/b.ts"
	numstat := "10\t0\tsrc/new.ts\n3\t2\tsrc/app.ts\n0\t40\tdocs/old.md\n1\t1\tsrc/{a.ts => b.ts}"

	result := buildDiffResult(nameStatus, numstat)
	require.Len(t, result.Files, 4)

	byPath := make(map[string]FileChange)
	for _, f := range result.Files {
		byPath[f.Path] = f
	}

	assert.Equal(t, ChangeAdded, byPath["src/new.ts"].ChangeType)
	assert.Equal(t, 10, byPath["src/new.ts"].Additions)

	assert.Equal(t, ChangeModified, byPath["src/app.ts"].ChangeType)
	assert.Equal(t, 3, byPath["src/app.ts"].Additions)
	assert.Equal(t, 2, byPath["src/app.ts"].Deletions)

	assert.Equal(t, ChangeDeleted, byPath["docs/old.md"].ChangeType)
	assert.Equal(t, 40, byPath["docs/old.md"].Deletions)

	assert.Equal(t, ChangeRenamed, byPath["src/b.ts"].ChangeType)
	assert.Equal(t, "src/a.ts", byPath["src/b.ts"].OldPath)

	assert.Equal(t, 14, result.Summary.Additions)
	assert.Equal(t, 43, result.Summary.Deletions)
}

func TestBuildDiffResultBinaryCountsZero(t *testing.T) {
	result := buildDiffResult("A\tassets/logo.png", "-\t-\tassets/logo.png")
	require.Len(t, result.Files, 1)
	assert.Equal(t, 0, result.Files[0].Additions)
	assert.Equal(t, 0, result.Files[0].Deletions)
}

func TestExtractNewPath(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"old.txt => new.txt", "new.txt"},
		{"dir/{old.txt => new.txt}", "dir/new.txt"},
		{"{old => new}/file.txt", "new/file.txt"},
		{"plain/path.txt", "plain/path.txt"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, extractNewPath(tt.in), tt.in)
	}
}

func TestDiffAgainstWorkingTree(t *testing.T) {
	repo := setupTestRepo(t)
	g := New(repo)

	base, err := g.CurrentCommit()
	require.NoError(t, err)

	writeFile(t, repo, "README.md", "# Test\nmore\n")
	writeFile(t, repo, "src/new.ts", "export {}\n")
	writeFile(t, repo, "node_modules/dep/index.js", "x\n")

	diff, err := g.Diff(base, "")
	require.NoError(t, err)

	byPath := make(map[string]FileChange)
	for _, f := range diff.Files {
		byPath[f.Path] = f
	}

	assert.Equal(t, ChangeModified, byPath["README.md"].ChangeType)
	// Untracked file surfaces as added with zero counts.
	assert.Equal(t, ChangeAdded, byPath["src/new.ts"].ChangeType)
	assert.Equal(t, 0, byPath["src/new.ts"].Additions)
	// Noise prefixes are filtered.
	assert.NotContains(t, byPath, "node_modules/dep/index.js")

	assert.Equal(t, len(diff.Files), diff.Summary.FilesChanged)
}

func TestDiffBetweenCommits(t *testing.T) {
	repo := setupTestRepo(t)
	g := New(repo)

	base, err := g.CurrentCommit()
	require.NoError(t, err)

	writeFile(t, repo, "a.txt", "one\n")
	writeFile(t, repo, "b.txt", "two\n")
	require.NoError(t, g.Commit("two files", CommitOptions{}))
	head, err := g.CurrentCommit()
	require.NoError(t, err)

	diff, err := g.Diff(base, head)
	require.NoError(t, err)
	assert.Equal(t, 2, diff.Summary.FilesChanged)
}
