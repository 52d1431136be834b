package gitx

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// AddWorktree creates a worktree for branch at path.
func (g *Git) AddWorktree(path, branch string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create worktree parent: %w", err)
	}
	if _, err := g.run("worktree", "add", path, branch); err != nil {
		return fmt.Errorf("add worktree at %s: %w", path, err)
	}
	return nil
}

// RemoveWorktree removes a worktree.
func (g *Git) RemoveWorktree(path string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, path)
	if _, err := g.run(args...); err != nil {
		return fmt.Errorf("remove worktree %s: %w", path, err)
	}
	return nil
}

// WorktreeHealthy reports whether the worktree's .git pointer file
// resolves to an existing gitdir. A pruned or moved main repo leaves a
// dangling pointer behind.
func WorktreeHealthy(worktreePath string) bool {
	data, err := os.ReadFile(filepath.Join(worktreePath, ".git"))
	if err != nil {
		return false
	}
	line := strings.TrimSpace(string(data))
	const prefix = "gitdir:"
	if !strings.HasPrefix(line, prefix) {
		// A directory-style .git means this is not a linked worktree;
		// treat as healthy.
		return true
	}
	gitdir := strings.TrimSpace(strings.TrimPrefix(line, prefix))
	if !filepath.IsAbs(gitdir) {
		gitdir = filepath.Join(worktreePath, gitdir)
	}
	info, err := os.Stat(gitdir)
	return err == nil && info.IsDir()
}

// RepairWorktree asks git to reattach a worktree whose administrative
// links broke. Run from the main repository.
func (g *Git) RepairWorktree(worktreePath string) error {
	if _, err := g.run("worktree", "repair", worktreePath); err != nil {
		return fmt.Errorf("repair worktree %s: %w", worktreePath, err)
	}
	return nil
}
