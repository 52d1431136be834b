// Package evidence persists per-attempt artifacts (diffs, scope and
// completion checks, command output, gate snapshots) under a
// job-scoped directory tree, returning ledger-relative paths.
package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Kind names the evidence subdirectories.
type Kind string

const (
	KindDiff    Kind = "diffs"
	KindCheck   Kind = "checks"
	KindCommand Kind = "commands"
	KindGate    Kind = "gates"
	KindSession Kind = "sessions"
)

// Collector writes evidence files under a job's evidence root.
type Collector struct {
	root string // <jobDir>/evidence
	now  func() time.Time
}

// New creates a collector rooted at evidenceRoot.
func New(evidenceRoot string) *Collector {
	return &Collector{root: evidenceRoot, now: time.Now}
}

// Record serializes v as indented JSON under kind, keyed by role and a
// short name. Returns the path relative to the job directory for
// inclusion in ledger entries.
func (c *Collector) Record(kind Kind, role, name string, v any) (string, error) {
	dir := filepath.Join(c.root, string(kind))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create evidence dir: %w", err)
	}

	stamp := c.now().UTC().Format("20060102T150405.000")
	stamp = strings.ReplaceAll(stamp, ".", "")
	file := fmt.Sprintf("%s-%s-%s.json", stamp, sanitize(role), sanitize(name))

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal evidence %s/%s: %w", kind, name, err)
	}
	path := filepath.Join(dir, file)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}

	return filepath.ToSlash(filepath.Join("evidence", string(kind), file)), nil
}

// FinalTree captures a sorted listing of the workspace file tree at job
// finalization, excluding engine state.
func (c *Collector) FinalTree(workspace string) (string, error) {
	var files []string
	err := filepath.WalkDir(workspace, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped
		}
		rel, relErr := filepath.Rel(workspace, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)
		if d.IsDir() {
			if rel == ".git" || strings.HasPrefix(rel, ".nibbler") {
				return filepath.SkipDir
			}
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("walk workspace: %w", err)
	}
	sort.Strings(files)

	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("create evidence root: %w", err)
	}
	path := filepath.Join(c.root, "final-tree.txt")
	if err := os.WriteFile(path, []byte(strings.Join(files, "\n")+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write final tree: %w", err)
	}
	return filepath.ToSlash(filepath.Join("evidence", "final-tree.txt")), nil
}

// TerminalState writes the job's terminal snapshot next to the tree.
func (c *Collector) TerminalState(v any) (string, error) {
	if err := os.MkdirAll(c.root, 0o755); err != nil {
		return "", fmt.Errorf("create evidence root: %w", err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal terminal state: %w", err)
	}
	path := filepath.Join(c.root, "terminal-state.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write terminal state: %w", err)
	}
	return filepath.ToSlash(filepath.Join("evidence", "terminal-state.json")), nil
}

func sanitize(s string) string {
	if s == "" {
		return "none"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return b.String()
}
