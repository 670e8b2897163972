// Package tasks implements the administrator-issued work loop: task
// types, the pluggable executor, and the poll-execute-report runner.
package tasks

import (
	"encoding/json"
	"time"
)

// Type enumerates the work items the backend can issue
type Type string

const (
	TypeRunCommand      Type = "run_command"
	TypeRunScript       Type = "run_script"
	TypeInstallSoftware Type = "install_software"
	TypeApplyPolicy     Type = "apply_policy"
)

// Status enumerates task state transitions reported to the backend
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

// Task is a unit of remote-administrator-issued work. Immutable once
// handed to the executor.
type Task struct {
	TaskID    string          `json:"task_id"`
	Type      Type            `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Priority  int             `json:"priority"`
	Timeout   int             `json:"timeout,omitempty"` // seconds; 0 means the configured default
	CreatedAt string          `json:"created_at"`
}

// Result is the terminal outcome of one task. Produced exactly once per
// task regardless of executor outcome; never persisted by the agent.
type Result struct {
	TaskID        string `json:"task_id"`
	Status        Status `json:"status"`
	Result        string `json:"result,omitempty"`
	Error         string `json:"error,omitempty"`
	ExecutionTime int64  `json:"execution_time"` // milliseconds
	CompletedAt   string `json:"completed_at"`
}

// timeoutOrDefault resolves the task's execution deadline
func (t *Task) timeoutOrDefault(def time.Duration) time.Duration {
	if t.Timeout > 0 {
		return time.Duration(t.Timeout) * time.Second
	}
	return def
}
