package tracing

import (
	"context"

	"github.com/google/uuid"
)

// ContextKey is the type for context keys
type ContextKey string

const (
	TraceIDKey  ContextKey = "trace_id"
	RunIDKey    ContextKey = "run_id"
	AgentIDKey  ContextKey = "agent_id"
	ThreadIDKey ContextKey = "thread_id"
	TaskIDKey   ContextKey = "task_id"
	UserIDKey   ContextKey = "user_id"
)

// TraceContext holds tracing information
type TraceContext struct {
	TraceID  string
	RunID    string
	AgentID  string
	ThreadID string
	TaskID   string
	UserID   string
}

// NewTraceID generates a new trace ID
func NewTraceID() string {
	return uuid.New().String()
}

// NewRunID generates a new run ID
func NewRunID() string {
	return uuid.New().String()
}

func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, RunIDKey, runID)
}

func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, ThreadIDKey, threadID)
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, TaskIDKey, taskID)
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func value(ctx context.Context, key ContextKey) string {
	if v, ok := ctx.Value(key).(string); ok {
		return v
	}
	return ""
}

func GetTraceID(ctx context.Context) string  { return value(ctx, TraceIDKey) }
func GetRunID(ctx context.Context) string    { return value(ctx, RunIDKey) }
func GetAgentID(ctx context.Context) string  { return value(ctx, AgentIDKey) }
func GetThreadID(ctx context.Context) string { return value(ctx, ThreadIDKey) }
func GetTaskID(ctx context.Context) string   { return value(ctx, TaskIDKey) }
func GetUserID(ctx context.Context) string   { return value(ctx, UserIDKey) }

// FromContext extracts all tracing information from the context
func FromContext(ctx context.Context) *TraceContext {
	return &TraceContext{
		TraceID:  GetTraceID(ctx),
		RunID:    GetRunID(ctx),
		AgentID:  GetAgentID(ctx),
		ThreadID: GetThreadID(ctx),
		TaskID:   GetTaskID(ctx),
		UserID:   GetUserID(ctx),
	}
}

// NewRequestContext creates a new context for a request with a new trace ID
func NewRequestContext(ctx context.Context) context.Context {
	return WithTraceID(ctx, NewTraceID())
}

// NewTurnContext starts a conversation turn: a fresh run id under the current
// trace (or a new one), tagged with the agent and thread.
func NewTurnContext(ctx context.Context, agentID, threadID string) context.Context {
	if GetTraceID(ctx) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = WithRunID(ctx, NewRunID())
	ctx = WithAgentID(ctx, agentID)
	return WithThreadID(ctx, threadID)
}
