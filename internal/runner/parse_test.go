package runner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLinePlainEvent(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"PHASE_COMPLETE","summary":"done"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventPhaseComplete, events[0].Type)
	assert.Equal(t, "done", events[0].Summary)
	assert.True(t, events[0].Terminal())
}

func TestParseLineTrimsWhitespace(t *testing.T) {
	events := ParseLine(`   NIBBLER_EVENT {"type":"EXCEPTION","reason":"boom","impact":"none"}`)
	require.Len(t, events, 1)
	assert.Equal(t, "boom", events[0].Reason)
	assert.Equal(t, "none", events[0].Impact)
}

func TestParseLineIgnoresMidLineMention(t *testing.T) {
	assert.Empty(t, ParseLine(`please emit NIBBLER_EVENT {"type":"PHASE_COMPLETE"} when done`))
}

func TestParseLineIgnoresUnknownType(t *testing.T) {
	assert.Empty(t, ParseLine(`NIBBLER_EVENT {"type":"SOMETHING_ELSE"}`))
}

func TestParseLineTrailingGarbage(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"QUESTION","text":"which db?"} trailing words`)
	require.Len(t, events, 1)
	assert.Equal(t, "which db?", events[0].Text)
	assert.False(t, events[0].Terminal())
}

func TestParseLineBracesInsideStrings(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"PHASE_COMPLETE","summary":"added {} literal"}`)
	require.Len(t, events, 1)
	assert.Equal(t, "added {} literal", events[0].Summary)
}

func TestParseLineEscapedPayload(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {\"type\":\"NEEDS_ESCALATION\",\"reason\":\"stuck\"}`)
	require.Len(t, events, 1)
	assert.Equal(t, EventNeedsEscalation, events[0].Type)
	assert.Equal(t, "stuck", events[0].Reason)
}

func TestParseLineQuestions(t *testing.T) {
	events := ParseLine(`NIBBLER_EVENT {"type":"QUESTIONS","questions":["a?","b?"]}`)
	require.Len(t, events, 1)
	assert.Equal(t, []string{"a?", "b?"}, events[0].Questions)
}

func TestParseLineStreamJSONEnvelope(t *testing.T) {
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"working\nNIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\",\"summary\":\"wired\"}\n"}]}}`
	events := ParseLine(line)
	require.Len(t, events, 1)
	assert.Equal(t, EventPhaseComplete, events[0].Type)
	assert.Equal(t, "wired", events[0].Summary)
}

func TestParseLineEnvelopeWithPromptMention(t *testing.T) {
	// The user's own prompt echoed inside an envelope must not become
	// an event: the mention is mid-line.
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"you asked me to emit NIBBLER_EVENT {\"type\":\"PHASE_COMPLETE\"} eventually"}]}}`
	assert.Empty(t, ParseLine(line))
}

func TestParseLineNonEventJSON(t *testing.T) {
	assert.Empty(t, ParseLine(`{"type":"result","duration_ms":12}`))
	assert.Empty(t, ParseLine("plain log output"))
	assert.Empty(t, ParseLine(""))
}
