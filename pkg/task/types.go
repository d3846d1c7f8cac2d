// Package task holds the durable record of a single tool invocation.
package task

import (
	"errors"
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are allowed
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// ErrNotFound is returned when a task id is unknown
var ErrNotFound = errors.New("task not found")

// Output is one produced artifact
type Output struct {
	URL       string         `json:"url,omitempty"`
	Filename  string         `json:"filename,omitempty"`
	MediaType string         `json:"media_type,omitempty"`
	Text      string         `json:"text,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Performance holds timing derived from the task timestamps
type Performance struct {
	WaitSeconds float64 `json:"wait_seconds"`
	RunSeconds  float64 `json:"run_seconds"`
}

// Task is one invocation of a tool on behalf of a user
type Task struct {
	ID          string         `json:"id"`
	User        string         `json:"user"`
	Requester   string         `json:"requester"`
	Tool        string         `json:"tool"`
	Args        map[string]any `json:"args"`
	Status      Status         `json:"status"`
	HandlerID   string         `json:"handler_id,omitempty"`
	Cost        float64        `json:"cost"`
	Result      []Output       `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	Performance *Performance   `json:"performance,omitempty"`
	Settled     bool           `json:"settled"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   *time.Time     `json:"started_at,omitempty"`
	FinishedAt  *time.Time     `json:"finished_at,omitempty"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Outcome is what a backend reports when a task leaves the running state
type Outcome struct {
	Status Status
	Result []Output
	Error  string
}

// Completed builds a successful outcome
func Completed(result []Output) Outcome {
	return Outcome{Status: StatusCompleted, Result: result}
}

// Failed builds a failed outcome
func Failed(msg string) Outcome {
	return Outcome{Status: StatusFailed, Error: msg}
}

// Cancelled builds a cancelled outcome
func Cancelled() Outcome {
	return Outcome{Status: StatusCancelled}
}

// CompletedCount is how many of the requested samples were produced
func (t *Task) CompletedCount() int {
	return len(t.Result)
}

func performance(created time.Time, started, finished *time.Time) *Performance {
	if started == nil || finished == nil {
		return nil
	}
	return &Performance{
		WaitSeconds: started.Sub(created).Seconds(),
		RunSeconds:  finished.Sub(*started).Seconds(),
	}
}
