// Package scopeexc mediates scope exceptions: it folds granted
// overrides into an effective contract per attempt and decides whether
// an out-of-scope violation is structural enough to escalate.
package scopeexc

import (
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nibblerhq/nibbler/internal/contract"
)

// Override kinds.
const (
	KindSharedScope = "shared_scope"
	KindExtraScope  = "extra_scope"
)

// Override is one scope grant recorded against a role.
type Override struct {
	Kind                string   `json:"kind"`
	Patterns            []string `json:"patterns"`
	OwnerRoleID         string   `json:"ownerRoleId,omitempty"`
	PhaseID             string   `json:"phaseId"`
	GrantedAtIso        string   `json:"grantedAtIso"`
	ExpiresAfterAttempt int      `json:"expiresAfterAttempt,omitempty"`
	Notes               string   `json:"notes,omitempty"`
}

// Active reports whether the override applies to the given attempt.
// Zero ExpiresAfterAttempt means no expiry.
func (o Override) Active(attempt int) bool {
	return o.ExpiresAfterAttempt == 0 || attempt <= o.ExpiresAfterAttempt
}

// EffectiveContract returns a copy of base with every active override
// for roleID folded in. The base contract is never mutated; the result
// is a pure function of (base, overrides, attempt).
func EffectiveContract(base *contract.Contract, overrides []Override, roleID string, attempt int) *contract.Contract {
	eff := base.Clone()
	role := eff.Roles[roleID]
	if role == nil {
		return eff
	}
	for _, o := range overrides {
		if !o.Active(attempt) {
			continue
		}
		switch o.Kind {
		case KindSharedScope:
			roles := []string{roleID}
			if o.OwnerRoleID != "" && o.OwnerRoleID != roleID {
				roles = append(roles, o.OwnerRoleID)
			}
			eff.SharedScopes = append(eff.SharedScopes, contract.SharedScope{
				Roles:    roles,
				Patterns: append([]string(nil), o.Patterns...),
			})
		case KindExtraScope:
			role.Authority.AllowedPaths = append(role.Authority.AllowedPaths, o.Patterns...)
		}
	}
	return eff
}

// OwnerHint names the roles whose scope best covers an out-of-scope file.
type OwnerHint struct {
	File   string   `json:"file"`
	Owners []string `json:"owners"`
}

// Analysis is the structural-violation verdict for a set of paths.
type Analysis struct {
	Structural bool        `json:"structural"`
	OwnerHints []OwnerHint `json:"ownerHints,omitempty"`
}

// AnalyzeViolations decides whether out-of-scope paths are structural:
// either there are more than manyThreshold of them, or they concentrate
// in territory owned by another role. Owner hints come from best-match
// glob over every role's scope.
func AnalyzeViolations(outOfScope []string, role *contract.Role, c *contract.Contract, manyThreshold int) Analysis {
	if manyThreshold <= 0 {
		manyThreshold = 5
	}
	analysis := Analysis{}
	ownedByOther := 0
	for _, file := range outOfScope {
		owners := ownersOf(file, role.ID, c)
		if len(owners) > 0 {
			analysis.OwnerHints = append(analysis.OwnerHints, OwnerHint{File: file, Owners: owners})
			ownedByOther++
		}
	}

	switch {
	case len(outOfScope) > manyThreshold:
		analysis.Structural = true
	case len(outOfScope) > 0 && ownedByOther*2 > len(outOfScope):
		// Majority of the strays sit in another role's territory.
		analysis.Structural = true
	}
	return analysis
}

// ownersOf returns the other roles whose scope matches file, most
// specific pattern first.
func ownersOf(file, selfID string, c *contract.Contract) []string {
	type match struct {
		role string
		spec int
	}
	var matches []match
	for id, r := range c.Roles {
		if id == selfID {
			continue
		}
		best := -1
		for _, pattern := range r.Scope {
			if ok, err := doublestar.Match(pattern, file); err == nil && ok {
				if s := specificity(pattern); s > best {
					best = s
				}
			}
		}
		if best >= 0 {
			matches = append(matches, match{role: id, spec: best})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].spec != matches[j].spec {
			return matches[i].spec > matches[j].spec
		}
		return matches[i].role < matches[j].role
	})
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m.role)
	}
	return out
}

// specificity ranks a glob by its static prefix length so deeper,
// narrower patterns win the best-match comparison.
func specificity(pattern string) int {
	static := 0
	for _, segment := range strings.Split(pattern, "/") {
		if strings.ContainsAny(segment, "*?[{") {
			break
		}
		static += len(segment) + 1
	}
	return static
}
