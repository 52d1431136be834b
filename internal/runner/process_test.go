package runner

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestProcessRunnerEventRoundTrip(t *testing.T) {
	script := writeScript(t, `
read prompt
echo "NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\",\"summary\":\"$prompt\"}"
`)
	r := NewProcessRunner(script, nil, nil)
	h, err := r.Spawn(t.TempDir(), map[string]string{"NIBBLER_ROLE": "worker"}, "", SpawnOptions{Interactive: true})
	require.NoError(t, err)

	require.NoError(t, r.Send(h, "hello"))

	select {
	case ev := <-r.Events(h):
		assert.Equal(t, EventPhaseComplete, ev.Type)
		assert.Equal(t, "hello", ev.Summary)
	case <-time.After(5 * time.Second):
		t.Fatal("no event received")
	}

	// The script exits after the echo; drain to channel close.
	for range r.Events(h) {
	}
	code, _, exited := h.Exit()
	assert.True(t, exited)
	assert.Equal(t, 0, code)
	assert.False(t, r.IsAlive(h))
	require.NoError(t, r.Stop(h))
}

func TestProcessRunnerExitWithoutEvent(t *testing.T) {
	script := writeScript(t, `
echo "just a log line"
exit 0
`)
	r := NewProcessRunner(script, nil, nil)
	h, err := r.Spawn(t.TempDir(), nil, "", SpawnOptions{Interactive: true})
	require.NoError(t, err)

	// Channel closes on exit with no events delivered.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-r.Events(h):
			if !ok {
				_, _, exited := h.Exit()
				assert.True(t, exited)
				return
			}
			t.Fatal("unexpected event")
		case <-deadline:
			t.Fatal("event stream never closed")
		}
	}
}

func TestProcessRunnerStopKillsStubborn(t *testing.T) {
	script := writeScript(t, `
trap '' TERM
sleep 60
`)
	r := NewProcessRunner(script, nil, nil)
	h, err := r.Spawn(t.TempDir(), nil, "", SpawnOptions{Interactive: true})
	require.NoError(t, err)

	start := time.Now()
	require.NoError(t, r.Stop(h))
	require.NoError(t, r.Stop(h)) // idempotent
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, r.IsAlive(h))
}

func TestProcessRunnerTouchOnOutput(t *testing.T) {
	script := writeScript(t, `
sleep 1
echo "activity"
sleep 1
`)
	r := NewProcessRunner(script, nil, nil)
	h, err := r.Spawn(t.TempDir(), nil, "", SpawnOptions{Interactive: true})
	require.NoError(t, err)
	defer r.Stop(h) //nolint:errcheck

	initial := h.LastActivity()
	require.Eventually(t, func() bool {
		return h.LastActivity().After(initial)
	}, 5*time.Second, 50*time.Millisecond)
}
