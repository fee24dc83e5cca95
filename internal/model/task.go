// Package model defines the shared data types for tasks, workers, providers,
// events, and snapshots that flow through every taskmesh component.
package model

import "time"

// Priority is a task's scheduling priority level.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// BaseScore returns the composite-score contribution of a priority level,
// per spec §4.3 (critical=1000, high=100, normal=10, low=1).
func (p Priority) BaseScore() float64 {
	switch p {
	case PriorityCritical:
		return 1000
	case PriorityHigh:
		return 100
	case PriorityNormal:
		return 10
	case PriorityLow:
		return 1
	default:
		return 10
	}
}

// TaskState is a task's lifecycle state.
type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskAssigned  TaskState = "assigned"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether a state admits no further transitions.
func (s TaskState) Terminal() bool {
	return s == TaskSucceeded || s == TaskFailed || s == TaskCancelled
}

// Task is a unit of schedulable work.
type Task struct {
	ID               string            `json:"id"`
	Kind             string            `json:"kind"`
	Department       string            `json:"department"`
	Priority         Priority          `json:"priority"`
	SubmittedAt      time.Time         `json:"submitted_at"`
	ReadyAt          time.Time         `json:"ready_at,omitempty"`
	EstimatedMs      int64             `json:"estimated_ms"`
	RetryCount       int               `json:"retry_count"`
	MaxRetries       int               `json:"max_retries"`
	Deadline         *time.Time        `json:"deadline,omitempty"`
	Payload          []byte            `json:"payload,omitempty"`
	Capabilities     []string          `json:"capabilities,omitempty"`
	PrereqIDs        []string          `json:"prereq_ids,omitempty"`
	CostMode         string            `json:"cost_mode,omitempty"`
	Cacheable        bool              `json:"cacheable,omitempty"`
	State            TaskState         `json:"state"`
	AssignedWorker   string            `json:"assigned_worker,omitempty"`
	AssignedProvider string            `json:"assigned_provider,omitempty"`
	LastErrorKind    string            `json:"last_error_kind,omitempty"`
	LastErrorTrace   string            `json:"last_error_trace,omitempty"`
	CancelCause      string            `json:"cancel_cause,omitempty"`
	LastEventSeq     uint64            `json:"last_event_seq,omitempty"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep-enough copy safe for handing to callers outside the
// owning component (slices/maps are copied; Payload is shared since it is
// treated as immutable opaque bytes).
func (t Task) Clone() Task {
	c := t
	if t.Capabilities != nil {
		c.Capabilities = append([]string(nil), t.Capabilities...)
	}
	if t.PrereqIDs != nil {
		c.PrereqIDs = append([]string(nil), t.PrereqIDs...)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.Deadline != nil {
		d := *t.Deadline
		c.Deadline = &d
	}
	return c
}

// MaxDiagnosticTraceLen bounds the size of a failed task's diagnostic trace,
// per spec §7 ("bounded size").
const MaxDiagnosticTraceLen = 2048

// TruncateTrace clips a diagnostic trace to MaxDiagnosticTraceLen.
func TruncateTrace(s string) string {
	if len(s) <= MaxDiagnosticTraceLen {
		return s
	}
	return s[:MaxDiagnosticTraceLen]
}
