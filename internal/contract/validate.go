package contract

import (
	"fmt"
	"sort"
	"strings"

	"github.com/nibblerhq/nibbler/internal/paths"
)

// Validate runs the structural invariants over a contract and returns
// every violation found. A non-empty result blocks job start.
func Validate(c *Contract) []error {
	var errs []error

	errs = append(errs, validateRoles(c)...)
	errs = append(errs, validateScopeOverlap(c)...)
	errs = append(errs, validatePhases(c)...)
	errs = append(errs, validateOutputCoverage(c)...)
	errs = append(errs, validateGates(c)...)

	if c.GlobalLifetime == nil || c.GlobalLifetime.MaxTimeMs <= 0 {
		errs = append(errs, fmt.Errorf("global_lifetime with max_time_ms is required"))
	}

	return errs
}

func validateRoles(c *Contract) []error {
	var errs []error
	if len(c.Roles) == 0 {
		return []error{fmt.Errorf("contract defines no roles")}
	}
	for _, id := range sortedRoleIDs(c) {
		role := c.Roles[id]
		if len(role.Scope) == 0 {
			errs = append(errs, fmt.Errorf("role %s: scope must be non-empty", id))
		}
		for _, pattern := range role.Scope {
			if paths.PatternTouchesProtected(pattern) {
				errs = append(errs, fmt.Errorf("role %s: scope pattern %q covers a protected path", id, pattern))
			}
		}
		for _, pattern := range role.Authority.AllowedPaths {
			if paths.PatternTouchesProtected(pattern) {
				errs = append(errs, fmt.Errorf("role %s: allowed_paths pattern %q covers a protected path", id, pattern))
			}
		}
		if role.Budget.MaxIterations <= 0 {
			errs = append(errs, fmt.Errorf("role %s: budget.max_iterations must be positive", id))
		}
	}
	return errs
}

// validateScopeOverlap applies the conservative static-prefix heuristic:
// when two roles' patterns may overlap, the pair must co-appear in some
// shared_scopes entry.
func validateScopeOverlap(c *Contract) []error {
	var errs []error
	ids := sortedRoleIDs(c)
	for i, a := range ids {
		for _, b := range ids[i+1:] {
			pa, pb := overlappingPatterns(c.Roles[a], c.Roles[b])
			if pa == "" {
				continue
			}
			if !rolesShareScope(c, a, b) {
				errs = append(errs, fmt.Errorf(
					"roles %s and %s may overlap (%q vs %q) but share no shared_scopes entry",
					a, b, pa, pb))
			}
		}
	}
	return errs
}

// overlappingPatterns returns the first pattern pair from the two roles
// that may overlap, or empty strings.
func overlappingPatterns(a, b *Role) (string, string) {
	for _, pa := range a.Scope {
		for _, pb := range b.Scope {
			if patternsMayOverlap(pa, pb) {
				return pa, pb
			}
		}
	}
	return "", ""
}

// patternsMayOverlap compares static prefixes up to the first glob
// metachar. Broad patterns overlap everything.
func patternsMayOverlap(a, b string) bool {
	if isBroadPattern(a) || isBroadPattern(b) {
		return true
	}
	pa, pb := staticPrefix(a), staticPrefix(b)
	if pa == "" || pb == "" {
		return true
	}
	return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
}

func isBroadPattern(p string) bool {
	p = strings.TrimSpace(p)
	return p == "*" || p == "**" || p == "**/*" || staticPrefix(p) == ""
}

// staticPrefix returns the literal leading portion of a glob pattern.
func staticPrefix(pattern string) string {
	if i := strings.IndexAny(pattern, "*?["); i >= 0 {
		return pattern[:i]
	}
	return pattern
}

func rolesShareScope(c *Contract, a, b string) bool {
	for _, ss := range c.SharedScopes {
		hasA, hasB := false, false
		for _, r := range ss.Roles {
			if r == a {
				hasA = true
			}
			if r == b {
				hasB = true
			}
		}
		if hasA && hasB {
			return true
		}
	}
	return false
}

func validatePhases(c *Contract) []error {
	var errs []error
	if len(c.Phases) == 0 {
		return []error{fmt.Errorf("contract defines no phases")}
	}

	byID := make(map[string]*Phase, len(c.Phases))
	for _, p := range c.Phases {
		if _, dup := byID[p.ID]; dup {
			errs = append(errs, fmt.Errorf("duplicate phase id %s", p.ID))
		}
		byID[p.ID] = p
		if len(p.Actors) == 0 {
			errs = append(errs, fmt.Errorf("phase %s: actors must be non-empty", p.ID))
		}
		for _, actor := range p.Actors {
			if _, ok := c.Roles[actor]; !ok {
				errs = append(errs, fmt.Errorf("phase %s: unknown actor role %s", p.ID, actor))
			}
		}
	}

	indegree := make(map[string]int, len(c.Phases))
	for _, p := range c.Phases {
		for _, s := range p.Successors {
			if s.Next == EndToken {
				continue
			}
			if _, ok := byID[s.Next]; !ok {
				errs = append(errs, fmt.Errorf("phase %s: successor %s is not a phase", p.ID, s.Next))
				continue
			}
			indegree[s.Next]++
		}
	}

	var roots []*Phase
	for _, p := range c.Phases {
		if indegree[p.ID] == 0 {
			roots = append(roots, p)
		}
	}
	// A rootless graph is a cycle by construction; still run the DFS so
	// the violation names the real invariant.
	if len(roots) == 0 {
		errs = append(errs, fmt.Errorf("phase graph has no start phase (every phase has incoming edges)"))
	}

	// DFS cycle check plus terminal reachability from the start phase.
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(c.Phases))
	var cycle bool
	var visit func(id string)
	visit = func(id string) {
		p := byID[id]
		if p == nil {
			return
		}
		color[id] = grey
		for _, s := range p.Successors {
			if s.Next == EndToken {
				continue
			}
			switch color[s.Next] {
			case white:
				visit(s.Next)
			case grey:
				cycle = true
			}
		}
		color[id] = black
	}
	for _, p := range c.Phases {
		if color[p.ID] == white {
			visit(p.ID)
		}
	}
	if cycle {
		errs = append(errs, fmt.Errorf("phase graph contains a cycle"))
	}

	if len(roots) == 0 {
		return errs
	}

	terminalReachable := false
	seen := map[string]bool{}
	queue := []string{roots[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		p := byID[id]
		if p == nil {
			continue
		}
		if p.IsTerminal || len(p.Successors) == 0 {
			terminalReachable = true
		}
		for _, s := range p.Successors {
			if s.Next != EndToken {
				queue = append(queue, s.Next)
			}
		}
	}
	if !terminalReachable {
		errs = append(errs, fmt.Errorf("no terminal phase reachable from start phase %s", roots[0].ID))
	}

	return errs
}

// validateOutputCoverage checks that every non-engine output boundary is
// writable by at least one actor's effective scope.
func validateOutputCoverage(c *Contract) []error {
	var errs []error
	for _, p := range c.Phases {
		for _, boundary := range p.OutputBoundaries {
			if paths.IsEngineManaged(staticPrefix(boundary)) {
				continue
			}
			covered := false
			for _, actor := range p.Actors {
				if scopeCoversBoundary(c.EffectiveScope(actor), boundary) {
					covered = true
					break
				}
			}
			if !covered {
				errs = append(errs, fmt.Errorf(
					"phase %s: output boundary %q is not covered by any actor's effective scope", p.ID, boundary))
			}
		}
	}
	return errs
}

// scopeCoversBoundary uses the same static-prefix overlap heuristic:
// a boundary is covered when some scope pattern may overlap it.
func scopeCoversBoundary(scope []string, boundary string) bool {
	for _, pattern := range scope {
		if patternsMayOverlap(pattern, boundary) {
			return true
		}
	}
	return false
}

func validateGates(c *Contract) []error {
	var errs []error
	hasPO := false
	for _, id := range sortedGateIDs(c) {
		g := c.Gates[id]
		if g.Trigger == "" || !strings.Contains(g.Trigger, "->") {
			errs = append(errs, fmt.Errorf("gate %s: trigger must be of the form <from>-><to>", id))
		}
		if _, ok := g.Outcomes["approve"]; !ok {
			errs = append(errs, fmt.Errorf("gate %s: missing approve outcome", id))
		}
		if _, ok := g.Outcomes["reject"]; !ok {
			errs = append(errs, fmt.Errorf("gate %s: missing reject outcome", id))
		}
		if g.Audience == "PO" {
			hasPO = true
		}
		if isPlanningPOGate(g) {
			errs = append(errs, validatePlanningPOGate(g)...)
		}
	}
	if len(c.Gates) > 0 && !hasPO {
		errs = append(errs, fmt.Errorf("at least one gate must have audience PO"))
	}
	return errs
}

// isPlanningPOGate identifies PO gates that approve build requirements.
func isPlanningPOGate(g *Gate) bool {
	return g.Audience == "PO" &&
		(g.ApprovalScope == "build_requirements" || g.ApprovalScope == "both")
}

func validatePlanningPOGate(g *Gate) []error {
	var errs []error
	required := map[string]bool{"vision.md": false, "architecture.md": false}
	for _, input := range g.RequiredInputs {
		for name := range required {
			if strings.HasSuffix(input.Value, name) {
				required[name] = true
			}
		}
	}
	for _, name := range []string{"vision.md", "architecture.md"} {
		if !required[name] {
			errs = append(errs, fmt.Errorf("gate %s: planning PO gate must require input %s", g.ID, name))
		}
	}
	if len(g.BusinessOutcomes) == 0 {
		errs = append(errs, fmt.Errorf("gate %s: planning PO gate must declare business outcomes", g.ID))
	}
	if len(g.FunctionalScope) == 0 {
		errs = append(errs, fmt.Errorf("gate %s: planning PO gate must declare functional scope", g.ID))
	}
	return errs
}

func sortedRoleIDs(c *Contract) []string {
	ids := make([]string, 0, len(c.Roles))
	for id := range c.Roles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func sortedGateIDs(c *Contract) []string {
	ids := make([]string, 0, len(c.Gates))
	for id := range c.Gates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
