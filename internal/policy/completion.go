package policy

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/bmatcuk/doublestar/v4"
	"golang.org/x/text/unicode/norm"

	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/delegation"
	"github.com/nibblerhq/nibbler/internal/gitx"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// CriterionResult is the outcome of one completion criterion.
type CriterionResult struct {
	Kind     contract.CriterionKind `json:"kind"`
	Passed   bool                   `json:"passed"`
	Deferred bool                   `json:"deferred,omitempty"`
	Detail   string                 `json:"detail,omitempty"`
}

// CompletionResult aggregates the phase's criteria. Overall pass is the
// conjunction of every criterion.
type CompletionResult struct {
	Passed         bool              `json:"passed"`
	Results        []CriterionResult `json:"results"`
	FailedCriteria []string          `json:"failed_criteria,omitempty"`
}

// CompletionInput carries everything VerifyCompletion needs by value.
type CompletionInput struct {
	JobID     string
	RepoRoot  string
	Workspace string
	// Planning switches artifact search to the staging plan roots.
	Planning bool
	Diff     *gitx.DiffResult
	Role     *contract.Role
	// WritablePatterns is the role's effective writable set with
	// overrides folded in; used for role-scope deferral.
	WritablePatterns []string
	DelegatedTasks   []delegation.Task
	Criteria         []contract.Criterion
}

// VerifyCompletion evaluates each criterion in order.
func VerifyCompletion(in CompletionInput) CompletionResult {
	result := CompletionResult{Passed: true}

	for _, criterion := range in.Criteria {
		cr := evaluateCriterion(in, criterion)
		result.Results = append(result.Results, cr)
		if !cr.Passed {
			result.Passed = false
			result.FailedCriteria = append(result.FailedCriteria, string(criterion.Kind))
		}
	}
	return result
}

func evaluateCriterion(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}

	// A role is never judged on files it cannot touch: command-bearing
	// criteria that only reference paths outside the role's writable
	// set (and delegated scope hints) pass as deferred.
	if text := criterionCommandText(c); text != "" {
		if deferToOwner(text, in.WritablePatterns, scopeHints(in.DelegatedTasks)) {
			out.Passed = true
			out.Deferred = true
			out.Detail = "criterion references paths outside this role's writable scope; deferred"
			return out
		}
	}

	switch c.Kind {
	case contract.CriterionArtifactExists:
		return checkArtifactExists(in, c)
	case contract.CriterionMarkdownHeadings:
		return checkMarkdownHeadings(in, c)
	case contract.CriterionCommandSucceeds:
		return checkCommand(in, c.Command, true)
	case contract.CriterionCommandFails:
		return checkCommand(in, c.Command, false)
	case contract.CriterionDiffNonEmpty:
		out.Passed = in.Diff != nil && len(in.Diff.Files) > 0
		if !out.Passed {
			out.Detail = "no files changed"
		}
		return out
	case contract.CriterionDiffWithinBudget:
		return checkDiffBudget(in, c)
	case contract.CriterionDelegationCoverage:
		return checkDelegationCoverage(in, c)
	case contract.CriterionLocalHTTPSmoke:
		return checkHTTPSmoke(in, c)
	case contract.CriterionCustom:
		return checkCommand(in, c.Script, true)
	default:
		out.Detail = fmt.Sprintf("unknown criterion kind %q", c.Kind)
		return out
	}
}

func criterionCommandText(c contract.Criterion) string {
	switch c.Kind {
	case contract.CriterionCommandSucceeds, contract.CriterionCommandFails:
		return c.Command
	case contract.CriterionCustom:
		return c.Script
	}
	return ""
}

func scopeHints(tasks []delegation.Task) []string {
	var hints []string
	for _, t := range tasks {
		hints = append(hints, t.ScopeHints...)
	}
	return hints
}

// deferToOwner reports whether the command references path-like tokens
// and none of them fall inside the writable patterns or scope hints.
func deferToOwner(command string, writable, hints []string) bool {
	candidates := pathTokens(command)
	if len(candidates) == 0 {
		return false
	}
	allowed := append(append([]string(nil), writable...), hints...)
	for _, token := range candidates {
		if tokenInPatterns(token, allowed) {
			return false
		}
	}
	return true
}

var pathTokenRe = regexp.MustCompile(`[A-Za-z0-9_.@-]+(?:/[A-Za-z0-9_.*@-]+)+`)

func pathTokens(command string) []string {
	var out []string
	for _, token := range pathTokenRe.FindAllString(command, -1) {
		// Flags and URLs are not workspace paths.
		if strings.HasPrefix(token, "-") || strings.Contains(token, "://") {
			continue
		}
		out = append(out, token)
	}
	return out
}

func tokenInPatterns(token string, patterns []string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, token); err == nil && ok {
			return true
		}
		// A token naming a directory inside the pattern's static prefix
		// also counts (e.g. "src" for pattern "src/**").
		prefix := pattern
		if i := strings.IndexAny(pattern, "*?["); i >= 0 {
			prefix = pattern[:i]
		}
		prefix = strings.TrimSuffix(prefix, "/")
		if prefix != "" && (token == prefix || strings.HasPrefix(token, prefix+"/")) {
			return true
		}
	}
	return false
}

// checkArtifactExists substitutes <id> and searches the artifact roots
// in order: the staging plan dir and the job plan dir (planning mode
// searches by basename), then the workspace and repo roots by the full
// pattern.
func checkArtifactExists(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}
	pattern := strings.ReplaceAll(c.Pattern, "<id>", in.JobID)
	base := filepath.Base(pattern)

	var candidates []string
	if in.Planning {
		candidates = append(candidates,
			filepath.Join(paths.StagingPlanDir(in.Workspace, in.JobID), base),
			filepath.Join(paths.PlanDir(in.RepoRoot, in.JobID), base),
		)
	}
	candidates = append(candidates,
		filepath.Join(in.Workspace, pattern),
		filepath.Join(in.RepoRoot, pattern),
	)

	for _, candidate := range candidates {
		matches, err := doublestar.FilepathGlob(candidate)
		if err == nil && len(matches) > 0 {
			out.Passed = true
			out.Detail = filepath.ToSlash(matches[0])
			return out
		}
	}

	out.Detail = fmt.Sprintf("artifact %s not found", pattern)
	return out
}

var headingRe = regexp.MustCompile(`(?m)^#{1,6}\s+(.+)$`)

func checkMarkdownHeadings(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}
	rel := strings.ReplaceAll(c.Path, "<id>", in.JobID)

	var data []byte
	var err error
	for _, root := range []string{in.Workspace, in.RepoRoot} {
		data, err = os.ReadFile(filepath.Join(root, rel))
		if err == nil {
			break
		}
	}
	if err != nil {
		out.Detail = fmt.Sprintf("file %s not found", rel)
		return out
	}

	if c.MinChars > 0 && len(data) < c.MinChars {
		out.Detail = fmt.Sprintf("file %s has %d chars, requires %d", rel, len(data), c.MinChars)
		return out
	}

	var extracted []string
	for _, m := range headingRe.FindAllStringSubmatch(string(data), -1) {
		extracted = append(extracted, normalizeHeading(m[1]))
	}

	var missing []string
	for _, required := range c.RequiredHeadings {
		want := normalizeHeading(required)
		found := false
		for _, have := range extracted {
			if have == want || strings.HasPrefix(have, want) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, required)
		}
	}

	if len(missing) > 0 {
		out.Detail = "missing headings: " + strings.Join(missing, ", ")
		return out
	}
	out.Passed = true
	return out
}

// normalizeHeading applies NFKD, lower-cases, and collapses runs of
// non-letter/digit characters to single spaces so decorated headings
// ("🚀 Quickstart") compare equal to plain ones.
func normalizeHeading(s string) string {
	decomposed := norm.NFKD.String(s)
	var b strings.Builder
	lastSpace := true
	for _, r := range strings.ToLower(decomposed) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			lastSpace = false
		} else if !lastSpace {
			b.WriteRune(' ')
			lastSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

func checkCommand(in CompletionInput, command string, wantSuccess bool) CriterionResult {
	kind := contract.CriterionCommandSucceeds
	if !wantSuccess {
		kind = contract.CriterionCommandFails
	}
	out := CriterionResult{Kind: kind}
	if strings.TrimSpace(command) == "" {
		out.Detail = "no command given"
		return out
	}

	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = in.Workspace
	output, err := cmd.CombinedOutput()
	succeeded := err == nil

	out.Passed = succeeded == wantSuccess
	out.Detail = truncate(strings.TrimSpace(string(output)), 2000)
	return out
}

func checkDiffBudget(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}
	if in.Diff == nil {
		out.Passed = true
		return out
	}
	if c.MaxFiles > 0 && len(in.Diff.Files) > c.MaxFiles {
		out.Detail = fmt.Sprintf("%d files changed, budget is %d", len(in.Diff.Files), c.MaxFiles)
		return out
	}
	if c.MaxLines > 0 && in.Diff.TotalLines() > c.MaxLines {
		out.Detail = fmt.Sprintf("%d lines changed, budget is %d", in.Diff.TotalLines(), c.MaxLines)
		return out
	}
	out.Passed = true
	return out
}

// checkDelegationCoverage verifies each task delegated to the role is
// reflected in the diff, with a lenient fallback accepting pre-existing
// workspace files that match the task's hints ("already implemented").
func checkDelegationCoverage(in CompletionInput, c contract.Criterion) CriterionResult {
	out := CriterionResult{Kind: c.Kind}

	requireAll := c.RequireAllTasks == nil || *c.RequireAllTasks
	requireHints := c.RequireScopeHints == nil || *c.RequireScopeHints

	var tasks []delegation.Task
	for _, t := range in.DelegatedTasks {
		if t.RoleID == in.Role.ID {
			tasks = append(tasks, t)
		}
	}
	if len(tasks) == 0 {
		out.Passed = true
		out.Detail = "no delegated tasks for this role"
		return out
	}

	var uncovered []string
	covered := 0
	for _, task := range tasks {
		if len(task.ScopeHints) == 0 {
			if requireHints {
				uncovered = append(uncovered, task.TaskID+" (no scope hints)")
			} else {
				covered++
			}
			continue
		}
		if taskCovered(in, task) {
			covered++
		} else {
			uncovered = append(uncovered, task.TaskID)
		}
	}

	if requireAll {
		out.Passed = len(uncovered) == 0
	} else {
		out.Passed = covered > 0
	}
	if !out.Passed {
		out.Detail = "uncovered tasks: " + strings.Join(uncovered, ", ")
	}
	return out
}

func taskCovered(in CompletionInput, task delegation.Task) bool {
	if in.Diff != nil {
		for _, file := range in.Diff.Files {
			if matchesAny(task.ScopeHints, filepath.ToSlash(file.Path)) {
				return true
			}
		}
	}
	// Lenient fallback: a pre-existing workspace file matching the
	// hints counts as covered.
	for _, hint := range task.ScopeHints {
		matches, err := doublestar.FilepathGlob(filepath.Join(in.Workspace, hint))
		if err == nil && len(matches) > 0 {
			return true
		}
	}
	return false
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
