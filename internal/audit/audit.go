// Package audit records every hook decision and host tool call made on behalf
// of an agent session. Events are append-only.
package audit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Actions recorded by the dispatchers.
const (
	ActionHookPre      = "hook.pre"
	ActionHookPost     = "hook.post"
	ActionHostToolCall = "host_tool.call"
)

// Results carried by events.
const (
	ResultAllow   = "allow"
	ResultDeny    = "deny"
	ResultModify  = "modify"
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Event is a single audit record.
type Event struct {
	Timestamp  time.Time      `json:"timestamp"`
	RequestID  string         `json:"request_id"`
	SessionID  string         `json:"session_id,omitempty"`
	Action     string         `json:"action"`
	Server     string         `json:"server,omitempty"`
	Tool       string         `json:"tool"`
	ToolUseID  string         `json:"tool_use_id,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Result     string         `json:"result"`
	Reason     string         `json:"reason,omitempty"`
	DurationMS int64          `json:"duration_ms,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Recorder appends audit events. Implementations must be safe for concurrent use.
type Recorder interface {
	Record(ctx context.Context, event Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Record(context.Context, Event) error { return nil }

// Multi fans an event out to several recorders and joins their errors.
type Multi []Recorder

func (m Multi) Record(ctx context.Context, event Event) error {
	var errs []error
	for _, r := range m {
		if err := r.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps events in memory. Used by the gateway's recent-events view and tests.
type Memory struct {
	mu     sync.Mutex
	events []Event
	limit  int
}

// NewMemory returns a Memory recorder holding at most limit events (0 = unbounded).
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Record(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	if m.limit > 0 && len(m.events) > m.limit {
		m.events = m.events[len(m.events)-m.limit:]
	}
	return nil
}

// Events returns a copy of the recorded events, oldest first.
func (m *Memory) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Filter returns the recorded events matching action and result. Empty
// arguments match anything.
func (m *Memory) Filter(action, result string) []Event {
	var out []Event
	for _, e := range m.Events() {
		if action != "" && e.Action != action {
			continue
		}
		if result != "" && e.Result != result {
			continue
		}
		out = append(out, e)
	}
	return out
}

func stamp(e *Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
}
