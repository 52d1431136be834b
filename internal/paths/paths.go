// Package paths centralizes the engine's on-disk layout: state
// directories under .nibbler/, the session staging area, permission
// overlay files, and the path classes (engine-managed, protected,
// noise) the rest of the engine keys decisions off.
package paths

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	// NibblerDir is the engine state directory inside a repository.
	NibblerDir = ".nibbler"
	// StagingDir is the per-session scratch area agents write into.
	StagingDir = ".nibbler-staging"
	// ContractDir holds the contract source files.
	ContractDir = ".nibbler/contract"
	// JobsDir holds per-job state (status, ledger, plan, evidence).
	JobsDir = ".nibbler/jobs"
	// ProfilesDir holds per-role runner config directories.
	ProfilesDir = ".nibbler/config/cursor-profiles"
	// RulesDir is where per-session permission overlays are written.
	RulesDir = ".cursor/rules"

	// TeamFile and PhasesFile are the two contract source files.
	TeamFile   = "team.yaml"
	PhasesFile = "phases.yaml"

	// StatusFile is the persisted job snapshot filename.
	StatusFile = "status.json"
	// LedgerFile is the append-only event log filename.
	LedgerFile = "ledger.jsonl"

	overlayPrefix = "20-role-"
)

// EngineManagedPrefixes are path prefixes the engine owns. Changes under
// them are excluded from scope verification, merges, and commits unless
// explicitly included.
var EngineManagedPrefixes = []string{
	JobsDir + "/",
	ProfilesDir + "/",
	StagingDir + "/",
}

// ProtectedPatterns are paths no role may ever write to, directly or via
// a scope override grant.
var ProtectedPatterns = []string{
	".nibbler/**",
	RulesDir + "/" + overlayPrefix + "*.mdc",
}

// DefaultNoisePrefixes are untracked-file prefixes filtered out of diff
// results. Operational guidance, overridable through config.
var DefaultNoisePrefixes = []string{
	"node_modules/",
	"dist/",
	"out/",
	"build/",
	"coverage/",
	".next/",
	".turbo/",
	".vercel/",
	".cache/",
	"__pycache__/",
	".venv/",
	"vendor/",
	"target/",
}

// IsEngineManaged reports whether path lives under an engine-owned
// prefix (including overlay files under .cursor/rules).
func IsEngineManaged(path string) bool {
	p := filepath.ToSlash(path)
	for _, prefix := range EngineManagedPrefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return isOverlayFile(p)
}

// IsProtected reports whether path matches a protected-path pattern.
func IsProtected(path string) bool {
	p := filepath.ToSlash(path)
	for _, pattern := range ProtectedPatterns {
		if ok, err := doublestar.Match(pattern, p); err == nil && ok {
			return true
		}
	}
	return false
}

// PatternTouchesProtected reports whether a scope glob pattern could
// match any protected path. Used to reject patterns at validation and
// grant time. The check collapses "**" segments in the candidate
// pattern and tests it against each protected literal in both
// directions, which is conservative for the pattern shapes contracts
// use.
func PatternTouchesProtected(pattern string) bool {
	p := filepath.ToSlash(strings.TrimSpace(pattern))
	if p == "" {
		return false
	}
	for _, protected := range ProtectedPatterns {
		if ok, err := doublestar.Match(protected, collapseGlobs(p)); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(p, collapseGlobs(protected)); err == nil && ok {
			return true
		}
	}
	return false
}

// collapseGlobs rewrites a glob into a representative literal path so it
// can be matched against another glob: "**" drops out, "*" becomes a
// plain segment name.
func collapseGlobs(pattern string) string {
	segs := strings.Split(pattern, "/")
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		switch {
		case s == "**":
			continue
		case strings.ContainsAny(s, "*?["):
			out = append(out, "x")
		default:
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

func isOverlayFile(p string) bool {
	dir, base := filepath.Split(p)
	return filepath.ToSlash(filepath.Clean(dir)) == RulesDir &&
		strings.HasPrefix(base, overlayPrefix) && strings.HasSuffix(base, ".mdc")
}

// JobDir returns the state directory for a job.
func JobDir(repoRoot, jobID string) string {
	return filepath.Join(repoRoot, JobsDir, jobID)
}

// StatusPath returns the job's status snapshot path.
func StatusPath(repoRoot, jobID string) string {
	return filepath.Join(JobDir(repoRoot, jobID), StatusFile)
}

// LedgerPath returns the job's ledger path.
func LedgerPath(repoRoot, jobID string) string {
	return filepath.Join(JobDir(repoRoot, jobID), LedgerFile)
}

// PlanDir returns the job's materialized planning artifact directory.
func PlanDir(repoRoot, jobID string) string {
	return filepath.Join(JobDir(repoRoot, jobID), "plan")
}

// EvidenceDir returns the job's evidence root.
func EvidenceDir(repoRoot, jobID string) string {
	return filepath.Join(JobDir(repoRoot, jobID), "evidence")
}

// StagingPlanDir returns the staging plan directory inside a workspace.
func StagingPlanDir(workspace, jobID string) string {
	return filepath.Join(workspace, StagingDir, "plan", jobID)
}

// ProfileDir returns the runner config directory for a role.
func ProfileDir(repoRoot, roleID string) string {
	return filepath.Join(repoRoot, ProfilesDir, roleID)
}

// OverlayPath returns the permission overlay file for a role inside a
// workspace.
func OverlayPath(workspace, roleID string) string {
	return filepath.Join(workspace, RulesDir, fmt.Sprintf("%s%s.mdc", overlayPrefix, roleID))
}

// WorktreeRoot returns the directory that holds all job worktrees for a
// repository: <repoParent>/.nibbler-wt-<repoBasename>.
func WorktreeRoot(repoRoot string) string {
	parent := filepath.Dir(repoRoot)
	return filepath.Join(parent, ".nibbler-wt-"+filepath.Base(repoRoot))
}

// WorktreePath returns the worktree directory for a job.
func WorktreePath(repoRoot, jobID string) string {
	return filepath.Join(WorktreeRoot(repoRoot), jobID)
}
