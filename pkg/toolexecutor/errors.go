package toolexecutor

import (
	"errors"
	"fmt"

	"github.com/edenartlab/eden2-sub000/pkg/task"
)

// ErrCancelled is returned for tasks that were cancelled
var ErrCancelled = errors.New("task cancelled")

var errPollTimeout = errors.New("poll timeout")

// errDelivered interrupts a poller whose task was settled by a pushed update
var errDelivered = errors.New("outcome delivered")

// ErrNotNotifiable is returned when a tool's backend does not accept pushed updates
var ErrNotNotifiable = errors.New("backend does not accept notifications")

// DispatchError reports that the backend refused the submission. Nothing was spent.
type DispatchError struct {
	TaskID string
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("Task failed: %v. No manna deducted.", e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// ExecutionError reports a task that failed after dispatch
type ExecutionError struct {
	TaskID  string
	Tool    string
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("Task %s failed: %s", e.TaskID, e.Message)
}

// TaskError converts a settled task into an error. Completed tasks yield nil.
func TaskError(t *task.Task) error {
	switch t.Status {
	case task.StatusFailed:
		return &ExecutionError{TaskID: t.ID, Tool: t.Tool, Message: t.Error}
	case task.StatusCancelled:
		return fmt.Errorf("%w: %s", ErrCancelled, t.ID)
	}
	return nil
}
