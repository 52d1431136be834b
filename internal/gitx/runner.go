package gitx

import (
	"fmt"
	"os/exec"
	"strings"
)

// CommandRunner executes one git invocation in a working directory and
// returns trimmed stdout. Tests substitute canned output to exercise
// parsing without a real repository.
type CommandRunner interface {
	Run(workDir string, name string, args ...string) (stdout string, err error)
}

// ExecRunner shells out through exec.Command. Stderr is folded into the
// returned error rather than surfaced separately; git writes its
// diagnostics there and callers only ever need them on failure.
type ExecRunner struct{}

func (ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir

	out, err := cmd.Output()
	stdout := strings.TrimSpace(string(out))
	if err == nil {
		return stdout, nil
	}

	detail := stdout
	if exitErr, ok := err.(*exec.ExitError); ok {
		if msg := strings.TrimSpace(string(exitErr.Stderr)); msg != "" {
			detail = msg
		}
	}
	if detail == "" {
		detail = err.Error()
	}
	return detail, &CommandError{
		Args:    append([]string{name}, args...),
		WorkDir: workDir,
		Output:  detail,
		Err:     err,
	}
}

// CommandError carries the failing invocation and whatever git printed.
type CommandError struct {
	Args    []string
	WorkDir string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	cmd := strings.Join(e.Args, " ")
	if e.Output != "" {
		return fmt.Sprintf("%s: %s", cmd, e.Output)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", cmd, e.Err)
	}
	return cmd + ": command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
