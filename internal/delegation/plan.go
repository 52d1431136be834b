// Package delegation parses and orders the plan file the architect
// produces during planning. The resolved order drives role scheduling
// in the execution phase.
package delegation

import (
	"fmt"
	"os"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/nibblerhq/nibbler/internal/contract"
)

// Task is one delegated unit of work.
type Task struct {
	TaskID      string   `yaml:"task_id" json:"task_id"`
	RoleID      string   `yaml:"role_id" json:"role_id"`
	Description string   `yaml:"description" json:"description"`
	ScopeHints  []string `yaml:"scope_hints" json:"scope_hints"`
	DependsOn   []string `yaml:"depends_on,omitempty" json:"depends_on,omitempty"`
	Priority    int      `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// Plan is the parsed delegation file.
type Plan struct {
	Version string `yaml:"version" json:"version"`
	Tasks   []Task `yaml:"tasks" json:"tasks"`
}

// ParseFile reads and parses a delegation plan YAML file.
func ParseFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read delegation plan: %w", err)
	}
	return Parse(data)
}

// Parse parses delegation plan YAML.
func Parse(data []byte) (*Plan, error) {
	var plan Plan
	if err := yaml.Unmarshal(data, &plan); err != nil {
		return nil, fmt.Errorf("parse delegation plan: %w", err)
	}
	return &plan, nil
}

// Validate checks the plan against the contract: required fields, known
// roles, scope hints inside each role's effective scope, resolvable
// dependencies, and an acyclic graph.
func Validate(plan *Plan, c *contract.Contract) []error {
	var errs []error

	if plan.Version == "" {
		errs = append(errs, fmt.Errorf("delegation plan: version is required"))
	}
	if len(plan.Tasks) == 0 {
		errs = append(errs, fmt.Errorf("delegation plan: no tasks"))
		return errs
	}

	byID := make(map[string]bool, len(plan.Tasks))
	for i, task := range plan.Tasks {
		if task.TaskID == "" {
			errs = append(errs, fmt.Errorf("task %d: task_id is required", i))
			continue
		}
		if byID[task.TaskID] {
			errs = append(errs, fmt.Errorf("task %s: duplicate task_id", task.TaskID))
		}
		byID[task.TaskID] = true

		if task.RoleID == "" {
			errs = append(errs, fmt.Errorf("task %s: role_id is required", task.TaskID))
		} else if _, ok := c.Roles[task.RoleID]; !ok {
			errs = append(errs, fmt.Errorf("task %s: unknown role %s", task.TaskID, task.RoleID))
		}
		if task.Description == "" {
			errs = append(errs, fmt.Errorf("task %s: description is required", task.TaskID))
		}
		if len(task.ScopeHints) == 0 {
			errs = append(errs, fmt.Errorf("task %s: scope_hints are required", task.TaskID))
		}
		for _, hint := range task.ScopeHints {
			if task.RoleID == "" {
				continue
			}
			if _, ok := c.Roles[task.RoleID]; !ok {
				continue
			}
			if !hintWithinScope(hint, c.EffectiveScope(task.RoleID)) {
				errs = append(errs, fmt.Errorf(
					"task %s: scope hint %q lies outside role %s's effective scope",
					task.TaskID, hint, task.RoleID))
			}
		}
	}

	for _, task := range plan.Tasks {
		for _, dep := range task.DependsOn {
			if !byID[dep] {
				errs = append(errs, fmt.Errorf("task %s: depends_on references unknown task %s", task.TaskID, dep))
			}
		}
	}

	if _, err := Resolve(plan.Tasks); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// hintWithinScope reports whether a scope hint is covered by one of the
// role's patterns: the hint matches a pattern directly, or the hint is
// itself a glob whose representative literal the pattern matches.
func hintWithinScope(hint string, scope []string) bool {
	for _, pattern := range scope {
		if ok, err := doublestar.Match(pattern, hint); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(pattern, collapse(hint)); err == nil && ok {
			return true
		}
		if pattern == hint {
			return true
		}
	}
	return false
}

func collapse(glob string) string {
	out := make([]rune, 0, len(glob))
	skip := false
	for _, r := range glob {
		switch r {
		case '*', '?':
			if !skip {
				out = append(out, 'x')
				skip = true
			}
		default:
			out = append(out, r)
			skip = false
		}
	}
	return string(out)
}
