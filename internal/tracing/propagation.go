package tracing

import (
	"context"

	"github.com/rs/zerolog"
)

// LoggerFromContext returns baseLogger enriched with the tracing ids found in ctx
func LoggerFromContext(ctx context.Context, baseLogger zerolog.Logger) zerolog.Logger {
	tc := FromContext(ctx)
	if tc.TraceID == "" && tc.RunID == "" && tc.AgentID == "" && tc.ThreadID == "" && tc.TaskID == "" && tc.UserID == "" {
		return baseLogger
	}

	lc := baseLogger.With()
	if tc.TraceID != "" {
		lc = lc.Str("trace_id", tc.TraceID)
	}
	if tc.RunID != "" {
		lc = lc.Str("run_id", tc.RunID)
	}
	if tc.AgentID != "" {
		lc = lc.Str("agent_id", tc.AgentID)
	}
	if tc.ThreadID != "" {
		lc = lc.Str("thread_id", tc.ThreadID)
	}
	if tc.TaskID != "" {
		lc = lc.Str("task_id", tc.TaskID)
	}
	if tc.UserID != "" {
		lc = lc.Str("user_id", tc.UserID)
	}
	return lc.Logger()
}
