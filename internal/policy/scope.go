// Package policy implements the pure verification functions of the job
// engine: scope checks against role patterns, completion-criterion
// evaluation, and budget checks. Nothing here mutates job state.
package policy

import (
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nibblerhq/nibbler/internal/contract"
	"github.com/nibblerhq/nibbler/internal/gitx"
	"github.com/nibblerhq/nibbler/internal/paths"
)

// ViolationKind classifies a scope violation.
type ViolationKind string

const (
	ViolationProtectedPath ViolationKind = "protected_path"
	ViolationOutOfScope    ViolationKind = "out_of_scope"
)

// ScopeViolation is one disallowed write.
type ScopeViolation struct {
	File string        `json:"file"`
	Kind ViolationKind `json:"kind"`
}

// ScopeResult is the outcome of VerifyScope.
type ScopeResult struct {
	Passed     bool             `json:"passed"`
	Violations []ScopeViolation `json:"violations,omitempty"`
}

// OutOfScopePaths returns the files of out_of_scope violations.
func (r ScopeResult) OutOfScopePaths() []string {
	var out []string
	for _, v := range r.Violations {
		if v.Kind == ViolationOutOfScope {
			out = append(out, v.File)
		}
	}
	return out
}

// HasProtectedViolation reports whether any violation hit a protected
// path.
func (r ScopeResult) HasProtectedViolation() bool {
	for _, v := range r.Violations {
		if v.Kind == ViolationProtectedPath {
			return true
		}
	}
	return false
}

// VerifyScope checks every changed path against the role's writable
// set. Precedence per path: protected path, direct scope, authority
// allowed paths, shared scopes. Protected paths are violations even
// when a pattern would otherwise allow them.
func VerifyScope(diff *gitx.DiffResult, role *contract.Role, c *contract.Contract) ScopeResult {
	result := ScopeResult{Passed: true}
	if diff == nil {
		return result
	}

	shared := c.SharedScopesFor(role.ID)

	for _, file := range diff.Files {
		path := filepath.ToSlash(file.Path)

		if paths.IsProtected(path) {
			result.Violations = append(result.Violations, ScopeViolation{File: path, Kind: ViolationProtectedPath})
			continue
		}
		if matchesAny(role.Scope, path) {
			continue
		}
		if matchesAny(role.Authority.AllowedPaths, path) {
			continue
		}
		allowed := false
		for _, ss := range shared {
			if matchesAny(ss.Patterns, path) {
				allowed = true
				break
			}
		}
		if allowed {
			continue
		}
		result.Violations = append(result.Violations, ScopeViolation{File: path, Kind: ViolationOutOfScope})
	}

	result.Passed = len(result.Violations) == 0
	return result
}

func matchesAny(patterns []string, path string) bool {
	for _, pattern := range patterns {
		if ok, err := doublestar.Match(pattern, path); err == nil && ok {
			return true
		}
	}
	return false
}
