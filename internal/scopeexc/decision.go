package scopeexc

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nibblerhq/nibbler/internal/paths"
)

// Architect decision strings.
const (
	DecisionDeny        = "deny"
	DecisionTerminate   = "terminate"
	DecisionRerouteWork = "reroute_work"
	DecisionGrant       = "grant_narrow_access"
)

// Decision is the JSON document an architect writes to resolve a scope
// exception request.
type Decision struct {
	Decision            string   `json:"decision"`
	Kind                string   `json:"kind,omitempty"`
	Patterns            []string `json:"patterns,omitempty"`
	OwnerRoleID         string   `json:"ownerRoleId,omitempty"`
	ExpiresAfterAttempt int      `json:"expiresAfterAttempt,omitempty"`
	Notes               string   `json:"notes,omitempty"`
}

// ReadDecision loads and validates the architect's decision file.
func ReadDecision(path string) (*Decision, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("decision file: %w", err)
	}
	var d Decision
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decision file: %w", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate rejects malformed decisions: unknown decision strings,
// grants without patterns, and patterns reaching protected paths.
func (d *Decision) Validate() error {
	switch d.Decision {
	case DecisionDeny, DecisionTerminate, DecisionRerouteWork:
		return nil
	case DecisionGrant:
	default:
		return fmt.Errorf("invalid decision %q", d.Decision)
	}

	if len(d.Patterns) == 0 {
		return fmt.Errorf("grant_narrow_access requires patterns")
	}
	if d.Kind != KindSharedScope && d.Kind != KindExtraScope {
		return fmt.Errorf("grant_narrow_access requires kind %q or %q", KindSharedScope, KindExtraScope)
	}
	for _, p := range d.Patterns {
		if paths.PatternTouchesProtected(p) {
			return fmt.Errorf("pattern %q reaches a protected path", p)
		}
	}
	return nil
}

// ToOverride converts a granting decision into the override recorded
// on the job.
func (d *Decision) ToOverride(phaseID, grantedAtIso string) Override {
	return Override{
		Kind:                d.Kind,
		Patterns:            append([]string(nil), d.Patterns...),
		OwnerRoleID:         d.OwnerRoleID,
		PhaseID:             phaseID,
		GrantedAtIso:        grantedAtIso,
		ExpiresAfterAttempt: d.ExpiresAfterAttempt,
		Notes:               d.Notes,
	}
}
