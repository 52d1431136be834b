// Package contract defines the governance contract the job engine
// executes: roles with scoped write authority, a phase graph, gates on
// phase transitions, and global lifetime budgets.
package contract

// EndToken is the pseudo phase id marking job termination in gate
// outcomes and triggers.
const EndToken = "__END__"

// Contract is the validated, immutable governance document for a job.
type Contract struct {
	Roles          map[string]*Role `yaml:"roles"`
	Phases         []*Phase         `yaml:"phases"`
	Gates          map[string]*Gate `yaml:"gates"`
	SharedScopes   []SharedScope    `yaml:"shared_scopes"`
	GlobalLifetime *GlobalLifetime  `yaml:"global_lifetime"`
}

// Role describes one agent role.
type Role struct {
	ID                 string    `yaml:"-"`
	Scope              []string  `yaml:"scope"`
	Authority          Authority `yaml:"authority"`
	VerificationMethod string    `yaml:"verification_method"`
	Budget             Budget    `yaml:"budget"`
}

// Authority lists extra writable patterns beyond the role's scope.
type Authority struct {
	AllowedPaths []string `yaml:"allowed_paths"`
}

// Budget bounds a role's attempts within a phase.
type Budget struct {
	MaxIterations        int    `yaml:"max_iterations"`
	MaxTimeMs            int64  `yaml:"max_time_ms,omitempty"`
	MaxDiffLines         int    `yaml:"max_diff_lines,omitempty"`
	ExhaustionEscalation string `yaml:"exhaustion_escalation"`
}

// Phase is one stage of the job's phase graph.
type Phase struct {
	ID                 string      `yaml:"id"`
	Actors             []string    `yaml:"actors"`
	InputBoundaries    []string    `yaml:"input_boundaries,omitempty"`
	OutputBoundaries   []string    `yaml:"output_boundaries,omitempty"`
	CompletionCriteria []Criterion `yaml:"completion_criteria,omitempty"`
	Successors         []Successor `yaml:"successors,omitempty"`
	IsTerminal         bool        `yaml:"is_terminal,omitempty"`
}

// Successor maps a phase outcome label to the next phase.
type Successor struct {
	On   string `yaml:"on"`
	Next string `yaml:"next"`
}

// CriterionKind tags a completion criterion.
type CriterionKind string

const (
	CriterionArtifactExists     CriterionKind = "artifact_exists"
	CriterionMarkdownHeadings   CriterionKind = "markdown_has_headings"
	CriterionCommandSucceeds    CriterionKind = "command_succeeds"
	CriterionCommandFails       CriterionKind = "command_fails"
	CriterionDiffNonEmpty       CriterionKind = "diff_non_empty"
	CriterionDiffWithinBudget   CriterionKind = "diff_within_budget"
	CriterionDelegationCoverage CriterionKind = "delegation_coverage"
	CriterionLocalHTTPSmoke     CriterionKind = "local_http_smoke"
	CriterionCustom             CriterionKind = "custom"
)

// Criterion is one tagged completion check on a phase.
type Criterion struct {
	Kind CriterionKind `yaml:"kind"`

	// artifact_exists
	Pattern string `yaml:"pattern,omitempty"`

	// markdown_has_headings
	Path             string   `yaml:"path,omitempty"`
	RequiredHeadings []string `yaml:"required_headings,omitempty"`
	MinChars         int      `yaml:"min_chars,omitempty"`

	// command_succeeds / command_fails / custom
	Command string `yaml:"command,omitempty"`
	Script  string `yaml:"script,omitempty"`

	// diff_within_budget
	MaxFiles int `yaml:"max_files,omitempty"`
	MaxLines int `yaml:"max_lines,omitempty"`

	// delegation_coverage; nil means default true
	RequireAllTasks   *bool `yaml:"require_all_tasks,omitempty"`
	RequireScopeHints *bool `yaml:"require_scope_hints,omitempty"`

	// local_http_smoke
	StartCommand     string `yaml:"start_command,omitempty"`
	URL              string `yaml:"url,omitempty"`
	TimeoutMs        int    `yaml:"timeout_ms,omitempty"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms,omitempty"`
}

// Gate is a decision point on a phase transition.
type Gate struct {
	ID                   string            `yaml:"-"`
	Trigger              string            `yaml:"trigger"`
	Audience             string            `yaml:"audience"`
	ApprovalScope        string            `yaml:"approval_scope"`
	ApprovalExpectations []string          `yaml:"approval_expectations,omitempty"`
	BusinessOutcomes     []string          `yaml:"business_outcomes,omitempty"`
	FunctionalScope      []string          `yaml:"functional_scope,omitempty"`
	OutOfScope           []string          `yaml:"out_of_scope,omitempty"`
	RequiredInputs       []GateInput       `yaml:"required_inputs,omitempty"`
	Outcomes             map[string]string `yaml:"outcomes"`
}

// GateInput names a file required for a gate presentation.
type GateInput struct {
	Name  string `yaml:"name"`
	Kind  string `yaml:"kind"`
	Value string `yaml:"value"`
}

// SharedScope declares a legal multi-role scope overlap.
type SharedScope struct {
	Roles    []string `yaml:"roles"`
	Patterns []string `yaml:"patterns"`
}

// GlobalLifetime bounds the whole job.
type GlobalLifetime struct {
	MaxTimeMs            int64  `yaml:"max_time_ms"`
	ExhaustionEscalation string `yaml:"exhaustion_escalation"`
}

// Phase returns the phase with the given id, or nil.
func (c *Contract) Phase(id string) *Phase {
	for _, p := range c.Phases {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// StartPhase returns the unique phase with indegree zero. Validation
// guarantees at least one exists; the first in declaration order wins.
func (c *Contract) StartPhase() *Phase {
	hasIncoming := make(map[string]bool)
	for _, p := range c.Phases {
		for _, s := range p.Successors {
			hasIncoming[s.Next] = true
		}
	}
	for _, p := range c.Phases {
		if !hasIncoming[p.ID] {
			return p
		}
	}
	return nil
}

// GateForTrigger returns the gate whose trigger matches, or nil.
func (c *Contract) GateForTrigger(trigger string) *Gate {
	for _, g := range c.Gates {
		if g.Trigger == trigger {
			return g
		}
	}
	return nil
}

// SharedScopesFor returns the shared-scope entries listing roleID.
func (c *Contract) SharedScopesFor(roleID string) []SharedScope {
	var out []SharedScope
	for _, ss := range c.SharedScopes {
		for _, r := range ss.Roles {
			if r == roleID {
				out = append(out, ss)
				break
			}
		}
	}
	return out
}

// EffectiveScope returns a role's full writable pattern set: direct
// scope, authority allowed paths, and applicable shared scopes.
func (c *Contract) EffectiveScope(roleID string) []string {
	role, ok := c.Roles[roleID]
	if !ok {
		return nil
	}
	var out []string
	out = append(out, role.Scope...)
	out = append(out, role.Authority.AllowedPaths...)
	for _, ss := range c.SharedScopesFor(roleID) {
		out = append(out, ss.Patterns...)
	}
	return out
}

// Clone returns a deep copy. The scope-override mediator folds grants
// into a clone so the base contract is never mutated.
func (c *Contract) Clone() *Contract {
	out := &Contract{
		Roles: make(map[string]*Role, len(c.Roles)),
		Gates: make(map[string]*Gate, len(c.Gates)),
	}
	for id, r := range c.Roles {
		rc := *r
		rc.Scope = append([]string(nil), r.Scope...)
		rc.Authority.AllowedPaths = append([]string(nil), r.Authority.AllowedPaths...)
		out.Roles[id] = &rc
	}
	for _, p := range c.Phases {
		pc := *p
		pc.Actors = append([]string(nil), p.Actors...)
		pc.InputBoundaries = append([]string(nil), p.InputBoundaries...)
		pc.OutputBoundaries = append([]string(nil), p.OutputBoundaries...)
		pc.CompletionCriteria = append([]Criterion(nil), p.CompletionCriteria...)
		pc.Successors = append([]Successor(nil), p.Successors...)
		out.Phases = append(out.Phases, &pc)
	}
	for id, g := range c.Gates {
		gc := *g
		gc.ApprovalExpectations = append([]string(nil), g.ApprovalExpectations...)
		gc.BusinessOutcomes = append([]string(nil), g.BusinessOutcomes...)
		gc.FunctionalScope = append([]string(nil), g.FunctionalScope...)
		gc.OutOfScope = append([]string(nil), g.OutOfScope...)
		gc.RequiredInputs = append([]GateInput(nil), g.RequiredInputs...)
		gc.Outcomes = make(map[string]string, len(g.Outcomes))
		for k, v := range g.Outcomes {
			gc.Outcomes[k] = v
		}
		out.Gates[id] = &gc
	}
	for _, ss := range c.SharedScopes {
		out.SharedScopes = append(out.SharedScopes, SharedScope{
			Roles:    append([]string(nil), ss.Roles...),
			Patterns: append([]string(nil), ss.Patterns...),
		})
	}
	if c.GlobalLifetime != nil {
		gl := *c.GlobalLifetime
		out.GlobalLifetime = &gl
	}
	return out
}
