// Package job drives the phase graph for one job: role sessions with
// retry and revert, delegated execution, escalation mediation, gates,
// and finalization. State is persisted after every transition so a job
// can be resumed or inspected.
package job

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/nibblerhq/nibbler/internal/delegation"
	"github.com/nibblerhq/nibbler/internal/gitx"
	"github.com/nibblerhq/nibbler/internal/paths"
	"github.com/nibblerhq/nibbler/internal/scopeexc"
)

// Mode is how the job was started.
type Mode string

const (
	ModeBuild  Mode = "build"
	ModeFix    Mode = "fix"
	ModeResume Mode = "resume"
)

// Lifecycle states.
const (
	StateExecuting      = "executing"
	StatePaused         = "paused"
	StateCompleted      = "completed"
	StateFailed         = "failed"
	StateCancelled      = "cancelled"
	StateBudgetExceeded = "budget_exceeded"
)

// AttemptScope summarizes scope verification for one attempt.
type AttemptScope struct {
	Passed           bool     `json:"passed"`
	ViolationCount   int      `json:"violationCount"`
	SampleViolations []string `json:"sampleViolations,omitempty"`
}

// AttemptCompletion summarizes completion verification for one attempt.
type AttemptCompletion struct {
	Passed         bool     `json:"passed"`
	FailedCriteria []string `json:"failedCriteria,omitempty"`
}

// AttemptSummary is the per-attempt record pushed into feedback history.
type AttemptSummary struct {
	Attempt       int               `json:"attempt"`
	Scope         AttemptScope      `json:"scope"`
	Completion    AttemptCompletion `json:"completion"`
	EngineHint    string            `json:"engineHint,omitempty"`
	ScopeDecision string            `json:"scopeDecision,omitempty"`
}

// DiffSnapshot is the persisted view of the last attempt's diff.
type DiffSnapshot struct {
	FilesChanged int      `json:"filesChanged"`
	Additions    int      `json:"additions"`
	Deletions    int      `json:"deletions"`
	Paths        []string `json:"paths,omitempty"`
}

func snapshotDiff(d *gitx.DiffResult) *DiffSnapshot {
	if d == nil {
		return nil
	}
	snap := &DiffSnapshot{
		FilesChanged: d.Summary.FilesChanged,
		Additions:    d.Summary.Additions,
		Deletions:    d.Summary.Deletions,
	}
	for i, f := range d.Files {
		if i == 10 {
			break
		}
		snap.Paths = append(snap.Paths, f.Path)
	}
	return snap
}

// State is the mutable job record. The Manager is its single owner;
// everything else receives values copied out of it.
type State struct {
	JobID        string `json:"jobId"`
	RepoRoot     string `json:"repoRoot"`
	WorktreePath string `json:"worktreePath"`
	SourceBranch string `json:"sourceBranch"`
	JobBranch    string `json:"jobBranch"`
	Mode         Mode   `json:"mode"`
	Description  string `json:"description"`

	CurrentPhaseID    string   `json:"currentPhaseId"`
	CurrentActorIndex int      `json:"currentPhaseActorIndex"`
	CurrentRoleID     string   `json:"currentRoleId,omitempty"`
	RolesPlanned      []string `json:"rolesPlanned,omitempty"`
	RolesCompleted    []string `json:"rolesCompleted,omitempty"`

	AttemptsByRole           map[string]int `json:"attemptsByRole,omitempty"`
	CurrentRoleMaxIterations int            `json:"currentRoleMaxIterations,omitempty"`

	FeedbackByRole        map[string][]string            `json:"feedbackByRole,omitempty"`
	FeedbackHistoryByRole map[string][]AttemptSummary    `json:"feedbackHistoryByRole,omitempty"`
	ScopeOverridesByRole  map[string][]scopeexc.Override `json:"scopeOverridesByRole,omitempty"`

	SessionActive            bool   `json:"sessionActive"`
	SessionHandleID          string `json:"sessionHandleId,omitempty"`
	SessionPID               int    `json:"sessionPid,omitempty"`
	SessionSeq               int    `json:"sessionSeq"`
	SessionLogPath           string `json:"sessionLogPath,omitempty"`
	SessionStartedAtIso      string `json:"sessionStartedAtIso,omitempty"`
	SessionLastActivityAtIso string `json:"sessionLastActivityAtIso,omitempty"`

	State         string `json:"state"`
	PendingGateID string `json:"pendingGateId,omitempty"`

	PreSessionCommit string           `json:"preSessionCommit,omitempty"`
	LastDiff         *DiffSnapshot    `json:"lastDiff,omitempty"`
	DelegationPlan   *delegation.Plan `json:"delegationPlan,omitempty"`

	StartedAtIso        string `json:"startedAtIso"`
	GlobalBudgetLimitMs int64  `json:"globalBudgetLimitMs,omitempty"`
}

// NewState initializes a job record in the executing state.
func NewState(jobID, repoRoot string, mode Mode, description string) *State {
	return &State{
		JobID:                 jobID,
		RepoRoot:              repoRoot,
		Mode:                  mode,
		Description:           description,
		State:                 StateExecuting,
		AttemptsByRole:        map[string]int{},
		FeedbackByRole:        map[string][]string{},
		FeedbackHistoryByRole: map[string][]AttemptSummary{},
		ScopeOverridesByRole:  map[string][]scopeexc.Override{},
		StartedAtIso:          time.Now().UTC().Format(time.RFC3339),
	}
}

// StartedAt parses the job start timestamp.
func (s *State) StartedAt() time.Time {
	t, err := time.Parse(time.RFC3339, s.StartedAtIso)
	if err != nil {
		return time.Now()
	}
	return t
}

// Persist writes the status snapshot atomically (temp file + rename).
func (s *State) Persist() error {
	path := paths.StatusPath(s.RepoRoot, s.JobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create job dir: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*")
	if err != nil {
		return fmt.Errorf("temp status: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()           //nolint:errcheck
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("write status: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("close status: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name()) //nolint:errcheck
		return fmt.Errorf("rename status: %w", err)
	}
	return nil
}

// LoadState reads a persisted status snapshot.
func LoadState(repoRoot, jobID string) (*State, error) {
	data, err := os.ReadFile(paths.StatusPath(repoRoot, jobID))
	if err != nil {
		return nil, fmt.Errorf("read status for %s: %w", jobID, err)
	}
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse status for %s: %w", jobID, err)
	}
	if s.AttemptsByRole == nil {
		s.AttemptsByRole = map[string]int{}
	}
	if s.FeedbackByRole == nil {
		s.FeedbackByRole = map[string][]string{}
	}
	if s.FeedbackHistoryByRole == nil {
		s.FeedbackHistoryByRole = map[string][]AttemptSummary{}
	}
	if s.ScopeOverridesByRole == nil {
		s.ScopeOverridesByRole = map[string][]scopeexc.Override{}
	}
	return &s, nil
}

var jobIDRe = regexp.MustCompile(`^j-(\d{8})-(\d{3})$`)

// NewJobID returns the next id in the per-day sequence, derived from
// the existing .nibbler/jobs entries.
func NewJobID(repoRoot string, now time.Time) (string, error) {
	day := now.UTC().Format("20060102")
	jobsDir := filepath.Join(repoRoot, filepath.FromSlash(paths.JobsDir))
	entries, err := os.ReadDir(jobsDir)
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("read jobs dir: %w", err)
	}

	max := 0
	for _, entry := range entries {
		m := jobIDRe.FindStringSubmatch(entry.Name())
		if m == nil || m[1] != day {
			continue
		}
		var n int
		fmt.Sscanf(m[2], "%d", &n) //nolint:errcheck
		if n > max {
			max = n
		}
	}
	return fmt.Sprintf("j-%s-%03d", day, max+1), nil
}

// ListJobs returns the job ids present under .nibbler/jobs, sorted.
func ListJobs(repoRoot string) ([]string, error) {
	jobsDir := filepath.Join(repoRoot, filepath.FromSlash(paths.JobsDir))
	entries, err := os.ReadDir(jobsDir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read jobs dir: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if jobIDRe.MatchString(entry.Name()) {
			out = append(out, entry.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
