// Package thread stores conversation history for the agent loop.
package thread

import (
	"errors"
	"time"

	"github.com/edenartlab/eden2-sub000/pkg/task"
)

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrNotFound is returned for unknown threads or messages
var ErrNotFound = errors.New("thread not found")

// ToolCall is a request from the model to run a tool, with a mirror of its task state
type ToolCall struct {
	ID     string         `json:"id"`
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args"`
	TaskID string         `json:"task_id,omitempty"`
	Status task.Status    `json:"status,omitempty"`
	Result []task.Output  `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	Cost   float64        `json:"cost,omitempty"`
}

// Message is one user or assistant turn
type Message struct {
	ID          string     `json:"id"`
	Role        Role       `json:"role"`
	Name        string     `json:"name,omitempty"`
	Content     string     `json:"content"`
	Attachments []string   `json:"attachments,omitempty"`
	ToolCalls   []ToolCall `json:"tool_calls,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// Thread is the ordered history of one conversation
type Thread struct {
	ID       string    `json:"id"`
	Key      string    `json:"key"`
	User     string    `json:"user"`
	Agent    string    `json:"agent"`
	Messages []Message `json:"messages"`
	// ActiveMessageID is the message awaiting a reply. Holding it in a single
	// field keeps the number of active messages at zero or one.
	ActiveMessageID string    `json:"active_message_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Message returns the message with id
func (t *Thread) Message(id string) (*Message, bool) {
	for i := range t.Messages {
		if t.Messages[i].ID == id {
			return &t.Messages[i], true
		}
	}
	return nil, false
}
