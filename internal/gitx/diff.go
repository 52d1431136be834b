package gitx

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ChangeType classifies how a file changed.
type ChangeType string

const (
	ChangeAdded    ChangeType = "added"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
	ChangeRenamed  ChangeType = "renamed"
)

// FileChange describes one changed path in a diff.
type FileChange struct {
	Path       string     `json:"path"`
	ChangeType ChangeType `json:"change_type"`
	Additions  int        `json:"additions"`
	Deletions  int        `json:"deletions"`
	OldPath    string     `json:"old_path,omitempty"`
}

// DiffSummary aggregates a diff.
type DiffSummary struct {
	Additions    int `json:"additions"`
	Deletions    int `json:"deletions"`
	FilesChanged int `json:"files_changed"`
}

// DiffResult is a parsed diff plus the raw patch text.
type DiffResult struct {
	Files   []FileChange `json:"files"`
	Summary DiffSummary  `json:"summary"`
	Raw     string       `json:"-"`
}

// ChangedPaths returns the paths touched by the diff.
func (d *DiffResult) ChangedPaths() []string {
	out := make([]string, 0, len(d.Files))
	for _, f := range d.Files {
		out = append(out, f.Path)
	}
	return out
}

// TotalLines returns additions plus deletions.
func (d *DiffResult) TotalLines() int {
	return d.Summary.Additions + d.Summary.Deletions
}

// Diff compares from against to, or against the working tree when to is
// empty. Untracked files (minus noise) are folded in as added with zero
// counts when diffing against the working tree.
func (g *Git) Diff(from string, to string) (*DiffResult, error) {
	nameStatusArgs := []string{"diff", "--name-status", "-M", from}
	numstatArgs := []string{"diff", "--numstat", from}
	rawArgs := []string{"diff", from}
	if to != "" {
		nameStatusArgs = append(nameStatusArgs, to)
		numstatArgs = append(numstatArgs, to)
		rawArgs = append(rawArgs, to)
	}

	nameStatus, err := g.run(nameStatusArgs...)
	if err != nil {
		return nil, fmt.Errorf("diff name-status: %w", err)
	}
	numstat, err := g.run(numstatArgs...)
	if err != nil {
		return nil, fmt.Errorf("diff numstat: %w", err)
	}
	raw, err := g.run(rawArgs...)
	if err != nil {
		return nil, fmt.Errorf("diff raw: %w", err)
	}

	result := buildDiffResult(nameStatus, numstat)
	result.Raw = raw

	if to == "" {
		untracked, err := g.UntrackedFiles()
		if err != nil {
			return nil, err
		}
		seen := make(map[string]bool, len(result.Files))
		for _, f := range result.Files {
			seen[f.Path] = true
		}
		for _, path := range untracked {
			if seen[path] {
				continue
			}
			result.Files = append(result.Files, FileChange{
				Path:       path,
				ChangeType: ChangeAdded,
			})
		}
	}

	result.Summary.FilesChanged = len(result.Files)
	return result, nil
}

// buildDiffResult merges name-status classification with numstat
// counts. Binary numstat entries ("-\t-\tpath") count as zero.
func buildDiffResult(nameStatus, numstat string) *DiffResult {
	type counts struct{ add, del int }
	countsByPath := make(map[string]counts)

	for _, line := range splitLines(numstat) {
		parts := strings.Split(line, "\t")
		if len(parts) < 3 {
			continue
		}
		path := parts[len(parts)-1]
		if strings.Contains(path, " => ") {
			path = extractNewPath(path)
		}
		var c counts
		if parts[0] != "-" {
			c.add, _ = strconv.Atoi(parts[0])
		}
		if parts[1] != "-" {
			c.del, _ = strconv.Atoi(parts[1])
		}
		countsByPath[path] = c
	}

	result := &DiffResult{}
	for _, line := range splitLines(nameStatus) {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := fields[0]
		change := FileChange{Path: fields[1], ChangeType: ChangeModified}
		switch {
		case status == "A":
			change.ChangeType = ChangeAdded
		case status == "D":
			change.ChangeType = ChangeDeleted
		case status == "M":
			change.ChangeType = ChangeModified
		case strings.HasPrefix(status, "R"):
			change.ChangeType = ChangeRenamed
			if len(fields) >= 3 {
				change.OldPath = fields[1]
				change.Path = fields[2]
			}
		}
		if c, ok := countsByPath[change.Path]; ok {
			change.Additions = c.add
			change.Deletions = c.del
		}
		result.Files = append(result.Files, change)
		result.Summary.Additions += change.Additions
		result.Summary.Deletions += change.Deletions
	}

	return result
}

var renameBraceRe = regexp.MustCompile(`\{([^}]*)\s+=>\s+([^}]*)\}`)

// extractNewPath resolves git rename notation to the new path.
// "old.txt => new.txt" -> "new.txt"; "dir/{a => b}/f.txt" -> "dir/b/f.txt".
func extractNewPath(path string) string {
	if !strings.Contains(path, "{") {
		parts := strings.Split(path, " => ")
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
		return path
	}
	out := renameBraceRe.ReplaceAllString(path, "$2")
	return strings.ReplaceAll(out, "//", "/")
}
