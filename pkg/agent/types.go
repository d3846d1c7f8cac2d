package agent

import (
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/thread"
)

// UpdateType tags a ThreadUpdate
type UpdateType string

const (
	UpdateStartPrompt      UpdateType = "start_prompt"
	UpdateAssistantMessage UpdateType = "assistant_message"
	UpdateToolComplete     UpdateType = "tool_complete"
	UpdateError            UpdateType = "error"
	UpdateComplete         UpdateType = "update_complete"
)

// ThreadUpdate is one event of a turn, in emission order
type ThreadUpdate struct {
	Type     UpdateType      `json:"type"`
	ThreadID string          `json:"thread_id"`
	Message  *thread.Message `json:"message,omitempty"`
	ToolName string          `json:"tool_name,omitempty"`
	// ToolIndex is the call's position in the assistant message. Nil for turn-level errors.
	ToolIndex *int          `json:"tool_index,omitempty"`
	Result    []task.Output `json:"result,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// TurnParams describe one incoming user message
type TurnParams struct {
	// ThreadKey identifies the conversation (e.g. a chat channel); the thread is created on first contact
	ThreadKey   string
	User        string
	Agent       string
	Content     string
	Attachments []string
	// ForceReply makes the agent answer even when it is not mentioned
	ForceReply bool
}

// ToolCall is a tool invocation requested by the model
type ToolCall struct {
	ID         string                 `json:"id"`
	Name       string                 `json:"name"`
	Parameters map[string]interface{} `json:"parameters"`
}

// TokenUsage tracks token consumption
type TokenUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// AuthProfile is one set of provider credentials
type AuthProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // "anthropic", "openai", "gemini"
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	// Model overrides the agent's model for this profile
	Model         string `json:"model,omitempty" mapstructure:"model"`
	Priority      int    `json:"priority" mapstructure:"priority"`
	CooldownUntil *int64 `json:"cooldown_until,omitempty" mapstructure:"-"`
	FailureCount  int    `json:"failure_count" mapstructure:"-"`
}

// AgentMessage is one entry of the provider-facing history
type AgentMessage struct {
	Role       string     `json:"role"` // "user", "assistant", "tool"
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}
