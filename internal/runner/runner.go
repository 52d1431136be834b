// Package runner abstracts the agent child process behind a small
// interface so the session controller can be tested with fakes.
package runner

import (
	"sync"
	"time"
)

// EventType identifies a protocol event emitted by an agent session.
type EventType string

const (
	EventPhaseComplete   EventType = "PHASE_COMPLETE"
	EventNeedsEscalation EventType = "NEEDS_ESCALATION"
	EventException       EventType = "EXCEPTION"
	EventQuestion        EventType = "QUESTION"
	EventQuestions       EventType = "QUESTIONS"
)

// Event is one protocol event. Fields are populated per type.
type Event struct {
	Type      EventType `json:"type"`
	Summary   string    `json:"summary,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Context   string    `json:"context,omitempty"`
	Impact    string    `json:"impact,omitempty"`
	Text      string    `json:"text,omitempty"`
	Questions []string  `json:"questions,omitempty"`
}

// Terminal reports whether the event ends the session from the
// engine's point of view.
func (e Event) Terminal() bool {
	switch e.Type {
	case EventPhaseComplete, EventNeedsEscalation, EventException:
		return true
	}
	return false
}

// Capabilities describes what a runner implementation supports.
type Capabilities struct {
	Interactive bool
	Permissions bool
	StreamJSON  bool
}

// TaskType selects the agent's working mode for a session.
type TaskType string

const (
	TaskPlan    TaskType = "plan"
	TaskExecute TaskType = "execute"
)

// SpawnOptions configure a single agent session.
type SpawnOptions struct {
	Mode        string // "normal" or "plan"
	Interactive bool
	TaskType    TaskType
}

// Handle tracks one live or finished agent session.
type Handle struct {
	ID        string
	PID       int
	StartedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	exitCode     *int
	signal       string
}

// Touch records activity on the session.
func (h *Handle) Touch(at time.Time) {
	h.mu.Lock()
	h.lastActivity = at
	h.mu.Unlock()
}

// LastActivity returns the most recent activity timestamp.
func (h *Handle) LastActivity() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastActivity
}

// SetExit records how the process ended.
func (h *Handle) SetExit(code int, signal string) {
	h.mu.Lock()
	h.exitCode = &code
	h.signal = signal
	h.mu.Unlock()
}

// Exit returns the exit code and signal, if the process has ended.
func (h *Handle) Exit() (code int, signal string, exited bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.exitCode == nil {
		return 0, "", false
	}
	return *h.exitCode, h.signal, true
}

// Runner spawns and controls agent sessions.
type Runner interface {
	Capabilities() Capabilities

	// Spawn starts a session in workspace with the given environment
	// and role config directory.
	Spawn(workspace string, env map[string]string, configDir string, opts SpawnOptions) (*Handle, error)

	// Send pushes a prompt to the session's stdin. Non-interactive
	// runners may close stdin after the first send.
	Send(h *Handle, prompt string) error

	// Events returns the session's protocol event stream. The channel
	// is closed when the process exits or the session is stopped.
	Events(h *Handle) <-chan Event

	// IsAlive reports whether the process is still running.
	IsAlive(h *Handle) bool

	// Stop terminates the session, gracefully then forcefully. It is
	// idempotent and always closes the event stream.
	Stop(h *Handle) error
}
