// Package gitx wraps the git CLI for the job engine: branch and
// worktree lifecycle, commits that exclude engine artifacts, hard
// resets, merges, and structured diff parsing.
package gitx

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/nibblerhq/nibbler/internal/paths"
)

// ErrNothingToCommit is returned by Commit when the stage is empty
// after engine artifacts are filtered out.
var ErrNothingToCommit = errors.New("nothing to commit")

// Git executes git operations rooted at a repository or worktree path.
type Git struct {
	root          string
	runner        CommandRunner
	noisePrefixes []string
}

// Option configures a Git instance.
type Option func(*Git)

// WithRunner substitutes the command runner (tests).
func WithRunner(r CommandRunner) Option {
	return func(g *Git) { g.runner = r }
}

// WithNoisePrefixes overrides the untracked-file noise filter.
func WithNoisePrefixes(prefixes []string) Option {
	return func(g *Git) { g.noisePrefixes = prefixes }
}

// New creates a Git bound to root.
func New(root string, opts ...Option) *Git {
	g := &Git{
		root:          root,
		runner:        ExecRunner{},
		noisePrefixes: paths.DefaultNoisePrefixes,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Root returns the path this instance operates in.
func (g *Git) Root() string { return g.root }

// At returns a Git operating in a different directory (e.g. a worktree)
// sharing the same runner and noise filter.
func (g *Git) At(dir string) *Git {
	return &Git{root: dir, runner: g.runner, noisePrefixes: g.noisePrefixes}
}

func (g *Git) run(args ...string) (string, error) {
	return g.runner.Run(g.root, "git", args...)
}

// Init initializes a repository at root.
func (g *Git) Init() error {
	if _, err := g.run("init"); err != nil {
		return fmt.Errorf("git init: %w", err)
	}
	return nil
}

// CurrentCommit returns the HEAD commit SHA.
func (g *Git) CurrentCommit() (string, error) {
	out, err := g.run("rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name.
func (g *Git) CurrentBranch() (string, error) {
	out, err := g.run("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve current branch: %w", err)
	}
	return out, nil
}

// CreateBranchAt creates a branch pointing at ref without checking it
// out.
func (g *Git) CreateBranchAt(name, ref string) error {
	if _, err := g.run("branch", name, ref); err != nil {
		return fmt.Errorf("create branch %s at %s: %w", name, ref, err)
	}
	return nil
}

// DeleteBranch deletes a branch.
func (g *Git) DeleteBranch(name string, force bool) error {
	flag := "-d"
	if force {
		flag = "-D"
	}
	if _, err := g.run("branch", flag, name); err != nil {
		return fmt.Errorf("delete branch %s: %w", name, err)
	}
	return nil
}

// MergeOptions controls MergeBranch behavior.
type MergeOptions struct {
	FFOnly    bool
	AllowNoFF bool
}

// MergeBranch merges name into the current branch.
func (g *Git) MergeBranch(name string, opts MergeOptions) error {
	args := []string{"merge"}
	switch {
	case opts.FFOnly:
		args = append(args, "--ff-only")
	case opts.AllowNoFF:
		args = append(args, "--no-ff", "--no-edit")
	}
	args = append(args, name)
	if _, err := g.run(args...); err != nil {
		return fmt.Errorf("merge %s: %w", name, err)
	}
	return nil
}

// ResetHard resets the working tree to commit.
func (g *Git) ResetHard(commit string) error {
	if _, err := g.run("reset", "--hard", commit); err != nil {
		return fmt.Errorf("reset to %s: %w", commit, err)
	}
	return nil
}

// Clean removes untracked files and directories.
func (g *Git) Clean() error {
	if _, err := g.run("clean", "-fd"); err != nil {
		return fmt.Errorf("git clean: %w", err)
	}
	return nil
}

// LsFiles returns all tracked paths.
func (g *Git) LsFiles() ([]string, error) {
	out, err := g.run("ls-files")
	if err != nil {
		return nil, fmt.Errorf("ls-files: %w", err)
	}
	return splitLines(out), nil
}

// UntrackedFiles returns untracked, non-ignored paths with noise
// prefixes filtered out.
func (g *Git) UntrackedFiles() ([]string, error) {
	out, err := g.run("ls-files", "--others", "--exclude-standard")
	if err != nil {
		return nil, fmt.Errorf("list untracked: %w", err)
	}
	var files []string
	for _, f := range splitLines(out) {
		if g.isNoise(f) {
			continue
		}
		files = append(files, f)
	}
	return files, nil
}

// IsCleanOptions controls IsClean.
type IsCleanOptions struct {
	// IgnoreEngineArtifacts treats porcelain lines as clean when every
	// path on the line is engine-managed or a conventional build
	// artifact.
	IgnoreEngineArtifacts bool
}

// IsClean reports whether the working tree has no pending changes.
func (g *Git) IsClean(opts IsCleanOptions) (bool, error) {
	out, err := g.run("status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("git status: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return true, nil
	}
	if !opts.IgnoreEngineArtifacts {
		return false, nil
	}
	for _, line := range splitLines(out) {
		if !g.porcelainLineIgnorable(line) {
			return false, nil
		}
	}
	return true, nil
}

// porcelainLineIgnorable reports whether every path on a porcelain
// status line is engine state or build noise. Untracked directories are
// collapsed by git to a single trailing-slash entry (e.g. ".nibbler/"),
// so the whole .nibbler/ tree is matched as a unit; it is protected
// engine state no role writes to.
func (g *Git) porcelainLineIgnorable(line string) bool {
	if len(line) < 4 {
		return false
	}
	rest := strings.TrimSpace(line[3:])
	for _, p := range strings.Split(rest, " -> ") {
		p = strings.Trim(strings.TrimSpace(p), `"`)
		if p == "" {
			continue
		}
		if p == paths.NibblerDir || strings.HasPrefix(p, paths.NibblerDir+"/") {
			continue
		}
		if !paths.IsEngineManaged(p) && !g.isNoise(p) {
			return false
		}
	}
	return true
}

// CommitOptions controls Commit.
type CommitOptions struct {
	// IncludeEngineArtifacts keeps engine-managed paths in the commit.
	IncludeEngineArtifacts bool
}

// Commit stages everything, unstages engine artifacts unless included,
// and commits. Returns ErrNothingToCommit when the filtered stage is
// empty.
func (g *Git) Commit(message string, opts CommitOptions) error {
	if _, err := g.run("add", "-A"); err != nil {
		return fmt.Errorf("stage changes: %w", err)
	}

	if !opts.IncludeEngineArtifacts {
		for _, prefix := range paths.EngineManagedPrefixes {
			// reset fails harmlessly when the prefix has nothing staged
			g.run("reset", "--", strings.TrimSuffix(prefix, "/")) //nolint:errcheck
		}
		g.run("reset", "--", paths.RulesDir) //nolint:errcheck
	}

	staged, err := g.run("diff", "--cached", "--name-only")
	if err != nil {
		return fmt.Errorf("inspect stage: %w", err)
	}
	if strings.TrimSpace(staged) == "" {
		return ErrNothingToCommit
	}

	if _, err := g.run("commit", "-m", message); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (g *Git) isNoise(path string) bool {
	p := filepath.ToSlash(path)
	for _, prefix := range g.noisePrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func splitLines(out string) []string {
	if strings.TrimSpace(out) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimRight(line, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
