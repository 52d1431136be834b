package runner

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// eventPrefix marks a protocol event line. The line must start with it
// after trimming; an occurrence mid-line (for example inside a prompt
// echoed back as JSON) is not an event.
const eventPrefix = "NIBBLER_EVENT "

// ParseLine extracts protocol events from one line of agent output.
// Plain lines yield at most one event. Stream-JSON envelope lines are
// unwrapped first and each embedded text line is scanned in turn.
func ParseLine(line string) []Event {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}

	if strings.HasPrefix(trimmed, eventPrefix) {
		if ev, ok := parseEventPayload(trimmed[len(eventPrefix):]); ok {
			return []Event{ev}
		}
		return nil
	}

	// Stream-JSON envelope: pull out assistant text blocks and re-scan.
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		var events []Event
		for _, text := range envelopeTexts(trimmed) {
			for _, inner := range strings.Split(text, "\n") {
				events = append(events, ParseLine(inner)...)
			}
		}
		return events
	}
	return nil
}

// envelopeTexts returns the text content blocks of a stream-JSON
// envelope, or nothing if the object is not one.
func envelopeTexts(raw string) []string {
	var out []string
	for _, path := range []string{"message.content", "content"} {
		content := gjson.Get(raw, path)
		if !content.IsArray() {
			continue
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("type").String() == "text" {
				if text := block.Get("text").String(); text != "" {
					out = append(out, text)
				}
			}
			return true
		})
		if len(out) > 0 {
			return out
		}
	}
	if text := gjson.Get(raw, "text"); text.Type == gjson.String && gjson.Get(raw, "type").String() == "text" {
		out = append(out, text.String())
	}
	return out
}

// parseEventPayload decodes the first balanced JSON object in payload.
// A failed decode gets one unescape pass before giving up; agents
// sometimes emit the event through a layer that escapes quotes.
func parseEventPayload(payload string) (Event, bool) {
	if obj, ok := firstJSONObject(payload); ok {
		if ev, ok := decodeEvent(obj); ok {
			return ev, true
		}
	}
	if obj, ok := firstJSONObject(unescape(payload)); ok {
		return decodeEvent(obj)
	}
	return Event{}, false
}

func decodeEvent(raw string) (Event, bool) {
	var ev Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return Event{}, false
	}
	switch ev.Type {
	case EventPhaseComplete, EventNeedsEscalation, EventException,
		EventQuestion, EventQuestions:
		return ev, true
	}
	return Event{}, false
}

// firstJSONObject returns the first brace-balanced object in s,
// ignoring braces inside string literals.
func firstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1], true
				}
			}
		}
	}
	return "", false
}

func unescape(s string) string {
	r := strings.NewReplacer(
		`\"`, `"`,
		`\n`, "\n",
		`\r`, "\r",
		`\t`, "\t",
		`\\`, `\`,
	)
	return r.Replace(s)
}
