// Package config holds the engine's tunables. Every knob is an explicit
// field so the Job Manager receives one struct instead of reading
// globals.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nibblerhq/nibbler/internal/paths"
)

// ConfigFileName is the engine config file under .nibbler/.
const ConfigFileName = "config.yaml"

// Duration is a time.Duration that unmarshals from YAML strings like
// "30s" or "2m".
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var ms int64
	if err := value.Decode(&ms); err != nil {
		return fmt.Errorf("invalid duration %v", value.Value)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Engine collects the engine-level tunables.
type Engine struct {
	// InactivityTimeout ends a session with no output for this long.
	InactivityTimeout Duration `yaml:"inactivity_timeout"`

	// MaxPhaseTransitions aborts a job whose phase loop runs away.
	MaxPhaseTransitions int `yaml:"max_phase_transitions"`

	// MaxRecoveryAttempts bounds worktree repair attempts.
	MaxRecoveryAttempts int `yaml:"max_recovery_attempts"`

	// ManyThreshold is the out-of-scope path count above which a
	// violation is structural.
	ManyThreshold int `yaml:"many_threshold"`

	// HTTPSmokeTimeout bounds a local_http_smoke criterion end to end.
	HTTPSmokeTimeout Duration `yaml:"http_smoke_timeout"`

	// HTTPRequestTimeout bounds each individual probe request.
	HTTPRequestTimeout Duration `yaml:"http_request_timeout"`

	// NoisePrefixes are untracked path prefixes excluded from diffs.
	NoisePrefixes []string `yaml:"noise_prefixes,omitempty"`

	// AgentBin is the agent binary spawned for role sessions.
	AgentBin string `yaml:"agent_bin"`

	// AgentArgs are passed to the agent before per-session flags.
	AgentArgs []string `yaml:"agent_args,omitempty"`
}

// Default returns the engine defaults.
func Default() Engine {
	return Engine{
		InactivityTimeout:   Duration(2 * time.Minute),
		MaxPhaseTransitions: 50,
		MaxRecoveryAttempts: 2,
		ManyThreshold:       5,
		HTTPSmokeTimeout:    Duration(60 * time.Second),
		HTTPRequestTimeout:  Duration(3 * time.Second),
		NoisePrefixes:       append([]string(nil), paths.DefaultNoisePrefixes...),
		AgentBin:            "cursor-agent",
	}
}

// Load reads .nibbler/config.yaml under repoRoot, applying defaults for
// unset fields. A missing file returns pure defaults.
func Load(repoRoot string) (Engine, error) {
	cfg := Default()
	path := filepath.Join(repoRoot, paths.NibblerDir, ConfigFileName)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read engine config: %w", err)
	}

	var file Engine
	if err := yaml.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("parse engine config: %w", err)
	}
	cfg.merge(file)
	return cfg, nil
}

func (e *Engine) merge(o Engine) {
	if o.InactivityTimeout > 0 {
		e.InactivityTimeout = o.InactivityTimeout
	}
	if o.MaxPhaseTransitions > 0 {
		e.MaxPhaseTransitions = o.MaxPhaseTransitions
	}
	if o.MaxRecoveryAttempts > 0 {
		e.MaxRecoveryAttempts = o.MaxRecoveryAttempts
	}
	if o.ManyThreshold > 0 {
		e.ManyThreshold = o.ManyThreshold
	}
	if o.HTTPSmokeTimeout > 0 {
		e.HTTPSmokeTimeout = o.HTTPSmokeTimeout
	}
	if o.HTTPRequestTimeout > 0 {
		e.HTTPRequestTimeout = o.HTTPRequestTimeout
	}
	if len(o.NoisePrefixes) > 0 {
		e.NoisePrefixes = o.NoisePrefixes
	}
	if o.AgentBin != "" {
		e.AgentBin = o.AgentBin
	}
	if len(o.AgentArgs) > 0 {
		e.AgentArgs = o.AgentArgs
	}
}
