// Package cron implements the scheduler and task store: persisted tasks
// with a cron schedule, a run history, and a step function that advances
// due tasks.
package cron

import (
	"time"
)

// Task status values.
const (
	StatusActive    = "active"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
)

// Task run status values.
const (
	RunStatusOK    = "ok"
	RunStatusError = "error"
)

// Task is a scheduled prompt. Invariant: NextRun is nil iff Schedule is
// empty or Status != active.
type Task struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	Schedule         string     `json:"schedule"` // 5-field cron, or @hourly/@daily/@weekly/@monthly
	Prompt           string     `json:"prompt"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	LastRun          *time.Time `json:"last_run,omitempty"`
	NextRun          *time.Time `json:"next_run,omitempty"`
	RunCount         int        `json:"run_count"`
	LastResult       string     `json:"last_result,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
	NotificationSink string     `json:"notification_sink,omitempty"` // "console", "file:<path>", or a channel name
}

// TaskRun is one row of a task's history.
type TaskRun struct {
	ID         string     `json:"id"`
	TaskID     string     `json:"task_id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Status     string     `json:"status"`
	Result     string     `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
	TokensUsed int        `json:"tokens_used,omitempty"`
}

// Outcome is what a task execution reports back to the scheduler.
type Outcome struct {
	Success    bool
	Result     string
	Error      string
	TokensUsed int
}

// RunTaskFunc executes one due task. It is supplied by the caller (the
// agent loop); the scheduler itself has no notion of how a prompt runs.
type RunTaskFunc func(task *Task) Outcome

// storeFile is the root structure of tasks.json.
type storeFile struct {
	Version int     `json:"version"`
	Tasks   []*Task `json:"tasks"`
}

// FixUpStatusInvariant nils NextRun whenever the status/schedule pair no
// longer justifies one, restoring the invariant after an external edit.
func (t *Task) FixUpStatusInvariant() {
	if t.Schedule == "" || t.Status != StatusActive {
		t.NextRun = nil
	}
}
