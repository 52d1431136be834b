package contract

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/nibblerhq/nibbler/internal/paths"
)

// teamFile is the roles half of the contract source.
type teamFile struct {
	Roles          map[string]*Role `yaml:"roles"`
	SharedScopes   []SharedScope    `yaml:"shared_scopes"`
	GlobalLifetime *GlobalLifetime  `yaml:"global_lifetime"`
}

// phasesFile is the phase-graph half.
type phasesFile struct {
	Phases []*Phase         `yaml:"phases"`
	Gates  map[string]*Gate `yaml:"gates"`
}

// Load reads the contract from .nibbler/contract/{team.yaml,phases.yaml}
// under repoRoot. The result is not validated; call Validate.
func Load(repoRoot string) (*Contract, error) {
	contractDir := filepath.Join(repoRoot, paths.ContractDir)

	var team teamFile
	if err := readYAML(filepath.Join(contractDir, paths.TeamFile), &team); err != nil {
		return nil, err
	}
	var phases phasesFile
	if err := readYAML(filepath.Join(contractDir, paths.PhasesFile), &phases); err != nil {
		return nil, err
	}

	c := &Contract{
		Roles:          team.Roles,
		SharedScopes:   team.SharedScopes,
		GlobalLifetime: team.GlobalLifetime,
		Phases:         phases.Phases,
		Gates:          phases.Gates,
	}
	if c.Roles == nil {
		c.Roles = map[string]*Role{}
	}
	if c.Gates == nil {
		c.Gates = map[string]*Gate{}
	}
	// Back-fill map keys into the entities.
	for id, role := range c.Roles {
		role.ID = id
	}
	for id, gate := range c.Gates {
		gate.ID = id
	}
	return c, nil
}

func readYAML(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read contract file %s: %w", filepath.Base(path), err)
	}
	if err := yaml.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse contract file %s: %w", filepath.Base(path), err)
	}
	return nil
}
