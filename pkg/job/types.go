// Package job owns the job lifecycle: the closed set of job types, the
// status state machine, the queue message codec, and the Manager, which
// is the only component allowed to mutate a job record.
package job

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type identifies what kind of work a job performs. The set is closed;
// dispatch switches over it exhaustively.
type Type string

const (
	TypeImport     Type = "import"
	TypeGenerate   Type = "generate"
	TypeExecute    Type = "execute"
	TypeMonitor    Type = "monitor"
	TypeAutoRefine Type = "auto_refine"
)

// Types lists every known job type.
var Types = []Type{TypeImport, TypeGenerate, TypeExecute, TypeMonitor, TypeAutoRefine}

// ParseType validates a job type string.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeImport, TypeGenerate, TypeExecute, TypeMonitor, TypeAutoRefine:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown job type %q", s)
}

// Status is a job's lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is an end state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Message is the ephemeral queue representation of a job. The job record
// is the durable truth; Attempt here is a best-effort mirror that must be
// reconciled with the transport's redelivery count, never trusted alone.
type Message struct {
	JobID       string          `json:"job_id"`
	Type        Type            `json:"type"`
	WorkspaceID string          `json:"workspace_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempt     int             `json:"attempt"`
}

// Encode serializes a message for the queue.
func (m *Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage parses a queue message and validates its type.
func DecodeMessage(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode queue message: %w", err)
	}
	if m.JobID == "" {
		return nil, fmt.Errorf("queue message missing job_id")
	}
	if m.Attempt < 1 {
		m.Attempt = 1
	}
	return &m, nil
}

// ImportFilters narrow which traces an import job fetches.
type ImportFilters struct {
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Limit     int        `json:"limit,omitempty"`
}

// ImportPayload parameterizes an import job.
type ImportPayload struct {
	AgentID     string        `json:"agent_id"`
	Integration string        `json:"integration"`
	Filters     ImportFilters `json:"filters"`
}

// GeneratePayload parameterizes a generate job.
type GeneratePayload struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
	// Force regenerates the extracted task list even when one exists.
	Force bool `json:"force,omitempty"`
}

// ExecutePayload parameterizes an execute job.
type ExecutePayload struct {
	EvalID   string   `json:"eval_id"`
	TraceIDs []string `json:"trace_ids"`
}

// MonitorPayload parameterizes a monitor job.
type MonitorPayload struct {
	AgentID string `json:"agent_id"`
	// AccuracyThreshold below which a regeneration is enqueued.
	AccuracyThreshold float64 `json:"accuracy_threshold,omitempty"`
}

// AutoRefinePayload parameterizes an auto_refine job.
type AutoRefinePayload struct {
	AgentID string `json:"agent_id"`
	Model   string `json:"model,omitempty"`
}

// EventKind is the kind of a job lifecycle event.
type EventKind string

const (
	EventProgress  EventKind = "progress"
	EventLog       EventKind = "log"
	EventCompleted EventKind = "completed"
	EventFailed    EventKind = "failed"
)

// Event is emitted by the Manager at each observable lifecycle point.
type Event struct {
	JobID       string          `json:"job_id"`
	WorkspaceID string          `json:"workspace_id"`
	Kind        EventKind       `json:"kind"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Message     string          `json:"message,omitempty"` // log line or error text
	Result      json.RawMessage `json:"result,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// Notifier receives job lifecycle events. Implementations must not block;
// the Manager calls it synchronously after persisting.
type Notifier interface {
	NotifyJobEvent(Event)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(Event)

// NotifyJobEvent implements Notifier.
func (f NotifierFunc) NotifyJobEvent(e Event) {
	f(e)
}
