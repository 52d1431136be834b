package runner

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
)

const (
	stopGrace = 1500 * time.Millisecond
	stopWait  = 2500 * time.Millisecond
)

// ProcessRunner runs the agent as a child process and parses protocol
// events off its output streams. The agent binary and base arguments
// are configurable so tests can substitute a shell script.
type ProcessRunner struct {
	Bin      string
	BaseArgs []string
	Caps     Capabilities
	Logger   *slog.Logger

	mu       sync.Mutex
	sessions map[string]*processSession
}

type processSession struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	quit   chan struct{}
	done   chan struct{}
	stop   sync.Once
}

// NewProcessRunner returns a runner invoking bin with baseArgs for
// every session.
func NewProcessRunner(bin string, baseArgs []string, logger *slog.Logger) *ProcessRunner {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessRunner{
		Bin:      bin,
		BaseArgs: baseArgs,
		Caps:     Capabilities{Interactive: true, Permissions: true, StreamJSON: true},
		Logger:   logger,
		sessions: make(map[string]*processSession),
	}
}

func (r *ProcessRunner) Capabilities() Capabilities { return r.Caps }

// Spawn starts the agent process in its own process group so Stop can
// reach descendants with a single signal.
func (r *ProcessRunner) Spawn(workspace string, env map[string]string, configDir string, opts SpawnOptions) (*Handle, error) {
	args := append([]string{}, r.BaseArgs...)
	if opts.Mode != "" {
		args = append(args, "--mode", opts.Mode)
	}
	if opts.TaskType != "" {
		args = append(args, "--task-type", string(opts.TaskType))
	}
	if !opts.Interactive {
		args = append(args, "--non-interactive")
	}

	cmd := exec.Command(r.Bin, args...)
	cmd.Dir = workspace
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	if configDir != "" {
		cmd.Env = append(cmd.Env, "NIBBLER_CONFIG_DIR="+configDir)
	}
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent: %w", err)
	}

	now := time.Now()
	h := &Handle{
		ID:        uuid.NewString(),
		PID:       cmd.Process.Pid,
		StartedAt: now,
	}
	h.Touch(now)

	s := &processSession{
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan Event, 16),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	r.mu.Lock()
	r.sessions[h.ID] = s
	r.mu.Unlock()

	var readers sync.WaitGroup
	for _, pipe := range []io.Reader{stdout, stderr} {
		readers.Add(1)
		go func(pipe io.Reader) {
			defer readers.Done()
			r.readLines(h, s, pipe)
		}(pipe)
	}
	go func() {
		readers.Wait()
		err := cmd.Wait()
		code, sig := exitStatus(err)
		h.SetExit(code, sig)
		close(s.events)
		close(s.done)
		r.Logger.Debug("agent session ended",
			"session", h.ID, "exit_code", code, "signal", sig)
	}()

	r.Logger.Info("agent session started",
		"session", h.ID, "pid", h.PID, "workspace", workspace, "mode", opts.Mode)
	return h, nil
}

func (r *ProcessRunner) readLines(h *Handle, s *processSession, pipe io.Reader) {
	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		h.Touch(time.Now())
		for _, ev := range ParseLine(scanner.Text()) {
			select {
			case s.events <- ev:
			case <-s.quit:
				return
			}
		}
	}
}

// Send writes a prompt followed by a newline to the agent's stdin.
func (r *ProcessRunner) Send(h *Handle, prompt string) error {
	s := r.session(h)
	if s == nil {
		return fmt.Errorf("unknown session %s", h.ID)
	}
	if _, err := io.WriteString(s.stdin, prompt+"\n"); err != nil {
		return fmt.Errorf("send prompt: %w", err)
	}
	if !r.Caps.Interactive {
		s.stdin.Close() //nolint:errcheck
	}
	return nil
}

func (r *ProcessRunner) Events(h *Handle) <-chan Event {
	if s := r.session(h); s != nil {
		return s.events
	}
	closed := make(chan Event)
	close(closed)
	return closed
}

func (r *ProcessRunner) IsAlive(h *Handle) bool {
	s := r.session(h)
	if s == nil {
		return false
	}
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

// Stop terminates the session process group: SIGTERM, grace, SIGKILL.
// Safe to call more than once; later calls are no-ops.
func (r *ProcessRunner) Stop(h *Handle) error {
	s := r.session(h)
	if s == nil {
		return nil
	}
	s.stop.Do(func() {
		close(s.quit)
		s.stdin.Close() //nolint:errcheck
		pgid := -s.cmd.Process.Pid
		syscall.Kill(pgid, syscall.SIGTERM) //nolint:errcheck
		select {
		case <-s.done:
			return
		case <-time.After(stopGrace):
		}
		syscall.Kill(pgid, syscall.SIGKILL) //nolint:errcheck
		select {
		case <-s.done:
		case <-time.After(stopWait):
			r.Logger.Warn("agent session did not exit after SIGKILL", "session", h.ID)
		}
	})
	return nil
}

func (r *ProcessRunner) session(h *Handle) *processSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[h.ID]
}

func exitStatus(err error) (int, string) {
	if err == nil {
		return 0, ""
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
			return -1, status.Signal().String()
		}
		return exitErr.ExitCode(), ""
	}
	return -1, ""
}
