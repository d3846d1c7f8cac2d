package backend

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// FunctionClient spawns named remote functions. The remote side receives the
// task id and writes status and results to the task store itself.
type FunctionClient interface {
	Spawn(ctx context.Context, app, function, taskID string) (string, error)
	// Await blocks until the call finishes. A non-nil error means the call failed.
	Await(ctx context.Context, callID string) error
	Cancel(ctx context.Context, callID string) error
}

type remoteFunction struct {
	def    *tool.Definition
	client FunctionClient
}

func (a *remoteFunction) Start(ctx context.Context, t *task.Task) (string, error) {
	return a.client.Spawn(ctx, a.def.Modal.App, a.def.Modal.Function, t.ID)
}

func (a *remoteFunction) Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error) {
	if err := r.Running(ctx); err != nil {
		return task.Outcome{}, err
	}

	callErr := a.client.Await(ctx, t.HandlerID)
	if ctx.Err() != nil {
		return task.Outcome{}, ctx.Err()
	}

	stored, err := r.Reload(ctx)
	if err != nil {
		return task.Outcome{}, err
	}
	if out, ok := outcomeFromTask(stored); ok {
		return out, nil
	}

	if callErr != nil {
		return task.Outcome{Status: task.StatusFailed, Result: stored.Result, Error: callErr.Error()}, nil
	}
	return task.Outcome{
		Status: task.StatusFailed,
		Result: stored.Result,
		Error:  "remote function returned without finalizing the task",
	}, nil
}

func (a *remoteFunction) Cancel(ctx context.Context, t *task.Task) error {
	if t.HandlerID == "" {
		return nil
	}
	return a.client.Cancel(ctx, t.HandlerID)
}

// HTTPFunctionClient talks to a function-spawning gateway over HTTP
type HTTPFunctionClient struct {
	BaseURL      string
	Token        string
	Client       *http.Client
	PollInterval time.Duration
}

type callStatus struct {
	CallID string `json:"call_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (c *HTTPFunctionClient) header() http.Header {
	h := http.Header{}
	if c.Token != "" {
		h.Set("Authorization", "Bearer "+c.Token)
	}
	return h
}

func (c *HTTPFunctionClient) url(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = url.PathEscape(p)
	}
	return strings.TrimRight(c.BaseURL, "/") + "/v1/" + strings.Join(escaped, "/")
}

func (c *HTTPFunctionClient) Spawn(ctx context.Context, app, function, taskID string) (string, error) {
	var resp callStatus
	err := doJSON(ctx, defaultHTTPClient(c.Client), http.MethodPost,
		c.url("functions", app, function, "spawn"), c.header(),
		map[string]any{"args": []any{taskID}}, &resp)
	if err != nil {
		return "", fmt.Errorf("failed to spawn %s.%s: %w", app, function, err)
	}
	if resp.CallID == "" {
		return "", fmt.Errorf("spawn %s.%s returned no call id", app, function)
	}
	return resp.CallID, nil
}

func (c *HTTPFunctionClient) Await(ctx context.Context, callID string) error {
	interval := c.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		var st callStatus
		err := withRetry(ctx, 3, interval, func() error {
			return doJSON(ctx, defaultHTTPClient(c.Client), http.MethodGet, c.url("calls", callID), c.header(), nil, &st)
		})
		if err != nil {
			return fmt.Errorf("failed to fetch call %s: %w", callID, err)
		}

		switch st.Status {
		case "succeeded", "success", "completed":
			return nil
		case "failed", "error", "terminated", "timeout":
			if st.Error == "" {
				st.Error = st.Status
			}
			return fmt.Errorf("remote function call %s: %s", callID, st.Error)
		case "cancelled":
			return fmt.Errorf("remote function call %s cancelled", callID)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *HTTPFunctionClient) Cancel(ctx context.Context, callID string) error {
	return doJSON(ctx, defaultHTTPClient(c.Client), http.MethodPost, c.url("calls", callID, "cancel"), c.header(), nil, nil)
}
