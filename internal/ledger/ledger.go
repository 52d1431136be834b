// Package ledger implements the append-only JSON-lines event log that
// is the authoritative history for a job. Every decision that affects
// retry, resume, or reporting must be reconstructable from it.
package ledger

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Well-known event types appended by the engine.
const (
	EventSessionComplete       = "session_complete"
	EventSessionReverted       = "session_reverted"
	EventGatePresented         = "gate_presented"
	EventGateResolved          = "gate_resolved"
	EventScopeExceptionRequest = "scope_exception_requested"
	EventScopeExceptionGranted = "scope_exception_granted"
	EventScopeExceptionDenied  = "scope_exception_denied"
	EventEscalationRequested   = "escalation_requested"
	EventEscalationResolved    = "escalation_resolved"
	EventProtocolMissing       = "protocol_missing"
	EventJobCompleted          = "job_completed"
	EventJobFailed             = "job_failed"
	EventJobBudgetExceeded     = "job_budget_exceeded"
	EventJobCancelled          = "job_cancelled"
)

// TerminatorTypes are the event types that close a job's ledger.
var TerminatorTypes = []string{
	EventJobCompleted,
	EventJobFailed,
	EventJobBudgetExceeded,
	EventJobCancelled,
}

// IsTerminator reports whether t is a job terminator event type.
func IsTerminator(t string) bool {
	for _, term := range TerminatorTypes {
		if t == term {
			return true
		}
	}
	return false
}

// Record is one ledger line.
type Record struct {
	Timestamp string         `json:"timestamp"`
	Type      string         `json:"type"`
	Data      map[string]any `json:"data"`
}

// Ledger appends records to a single JSONL file. Appends are serialized;
// the order of appends is the order observable in the file.
type Ledger struct {
	path string
	mu   sync.Mutex
	now  func() time.Time
}

// New creates a ledger at path. The file is created on first append.
func New(path string) *Ledger {
	return &Ledger{path: path, now: time.Now}
}

// Path returns the backing file path.
func (l *Ledger) Path() string { return l.path }

// Append writes one record. Data values must be JSON-serializable.
func (l *Ledger) Append(eventType string, data map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if data == nil {
		data = map[string]any{}
	}
	rec := Record{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		Type:      eventType,
		Data:      data,
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record %s: %w", eventType, err)
	}

	if err := os.MkdirAll(filepath.Dir(l.path), 0o755); err != nil {
		return fmt.Errorf("create ledger directory: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append ledger record: %w", err)
	}
	return nil
}

// ReadAll parses every record, skipping malformed lines.
func (l *Ledger) ReadAll() ([]Record, error) {
	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // malformed lines are skipped, not fatal
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read ledger: %w", err)
	}
	return records, nil
}

// FindByType returns all records of the given type in append order.
func (l *Ledger) FindByType(eventType string) ([]Record, error) {
	all, err := l.ReadAll()
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, rec := range all {
		if rec.Type == eventType {
			out = append(out, rec)
		}
	}
	return out, nil
}

// Last returns the most recent record of the given type, or nil.
func (l *Ledger) Last(eventType string) (*Record, error) {
	matches, err := l.FindByType(eventType)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	rec := matches[len(matches)-1]
	return &rec, nil
}
