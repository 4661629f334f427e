// Package tasks implements a file-backed per-session task scheduler with
// dependency gating and at-most-one in-flight task per session.
package tasks

import "time"

// Status is a task's lifecycle state. Transitions only move forward:
// pending -> in_progress -> dev_completed -> completed.
type Status string

const (
	StatusPending      Status = "pending"
	StatusInProgress   Status = "in_progress"
	StatusDevCompleted Status = "dev_completed"
	StatusCompleted    Status = "completed"
)

// done reports whether a status unblocks dependents.
func (s Status) done() bool {
	return s == StatusCompleted || s == StatusDevCompleted
}

// Task is one unit of work inside a session.
type Task struct {
	ID           string    `json:"id"`
	SessionID    string    `json:"session_id"`
	Title        string    `json:"title"`
	Target       string    `json:"target"`
	Operation    string    `json:"operation"`
	Specifics    string    `json:"specifics"`
	Related      string    `json:"related"`
	Dependencies []string  `json:"dependencies"`
	Status       Status    `json:"status"`
	ViewedCount  int       `json:"viewed_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// TaskSpec is the caller-provided shape for task creation. ID and Status
// are optional.
type TaskSpec struct {
	ID           string   `json:"id,omitempty"`
	Title        string   `json:"title"`
	Target       string   `json:"target"`
	Operation    string   `json:"operation"`
	Specifics    string   `json:"specifics"`
	Related      string   `json:"related"`
	Dependencies []string `json:"dependencies"`
	Status       Status   `json:"status,omitempty"`
}

// sessionFile is the on-disk layout of one session's tasks.
type sessionFile struct {
	SessionID string    `json:"session_id"`
	Tasks     []Task    `json:"tasks"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Execution is the sidecar record written when a developer reports how a
// task was carried out.
type Execution struct {
	TaskID           string    `json:"task_id"`
	ExecutionProcess string    `json:"execution_process"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Stats summarizes one session's tasks by status.
type Stats struct {
	Total        int    `json:"total"`
	Pending      int    `json:"pending"`
	InProgress   int    `json:"in_progress"`
	DevCompleted int    `json:"dev_completed"`
	Completed    int    `json:"completed"`
	Tasks        []Task `json:"tasks"`
}
