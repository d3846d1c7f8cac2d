package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

const (
	defaultGraphFile = "workflow_api.json"
	maxReconnects    = 5
)

type comfyUI struct {
	def    *tool.Definition
	client *ComfyUIClient
	mat    Materializer
	graph  []byte
}

func newComfyUI(def *tool.Definition, client *ComfyUIClient, mat Materializer) (*comfyUI, error) {
	graphPath := def.ComfyUI.Graph
	if graphPath == "" {
		graphPath = defaultGraphFile
	}
	if !filepath.IsAbs(graphPath) {
		graphPath = filepath.Join(def.Dir, graphPath)
	}

	raw, err := os.ReadFile(graphPath)
	if err != nil {
		return nil, &tool.ConfigError{Tool: def.Key, Msg: "failed to read job graph", Err: err}
	}
	if !json.Valid(raw) {
		return nil, &tool.ConfigError{Tool: def.Key, Msg: fmt.Sprintf("job graph %s is not valid JSON", graphPath)}
	}

	return &comfyUI{def: def, client: client, mat: mat, graph: raw}, nil
}

// injectArgs returns a fresh copy of the graph with args written onto their mapped node fields
func (a *comfyUI) injectArgs(args map[string]any) (map[string]any, error) {
	var graph map[string]any
	if err := json.Unmarshal(a.graph, &graph); err != nil {
		return nil, &tool.ConfigError{Tool: a.def.Key, Msg: "invalid job graph", Err: err}
	}

	params := make([]string, 0, len(a.def.ComfyUI.Mappings))
	for p := range a.def.ComfyUI.Mappings {
		params = append(params, p)
	}
	sort.Strings(params)

	for _, param := range params {
		value, ok := args[param]
		if !ok {
			continue
		}
		b := a.def.ComfyUI.Mappings[param]

		node, ok := graph[b.NodeID].(map[string]any)
		if !ok {
			return nil, &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("%s: node %s not found in graph", param, b.NodeID)}
		}

		if b.Subfield == "" {
			if _, ok := node[b.Field]; !ok {
				return nil, &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("%s: field %s not found on node %s", param, b.Field, b.NodeID)}
			}
			node[b.Field] = value
			continue
		}

		fields, ok := node[b.Field].(map[string]any)
		if !ok {
			return nil, &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("%s: field %s not found on node %s", param, b.Field, b.NodeID)}
		}
		if _, ok := fields[b.Subfield]; !ok {
			return nil, &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("%s: %s.%s not found on node %s", param, b.Field, b.Subfield, b.NodeID)}
		}
		fields[b.Subfield] = value
	}

	if _, ok := graph[a.def.ComfyUI.OutputNodeID]; !ok {
		return nil, &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("output node %s not found in graph", a.def.ComfyUI.OutputNodeID)}
	}
	return graph, nil
}

func (a *comfyUI) Start(ctx context.Context, t *task.Task) (string, error) {
	graph, err := a.injectArgs(t.Args)
	if err != nil {
		return "", err
	}
	return a.client.Submit(ctx, graph)
}

func (a *comfyUI) Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error) {
	jobID := t.HandlerID
	w := a.client.subscribe(jobID)
	defer a.client.unsubscribe(jobID)

	var (
		partial []task.Output
		lastErr error
	)
	for attempt := 0; attempt <= maxReconnects; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return task.Outcome{}, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}

		session, err := a.client.ensureSession(ctx)
		if err != nil {
			lastErr = err
			continue
		}

		// the job may have finished before we subscribed
		if out, done, err := a.fromHistory(ctx, jobID); err != nil {
			return task.Outcome{}, err
		} else if done {
			return out, nil
		}

		out, done, err := a.follow(ctx, jobID, session, w, r, &partial)
		if err != nil {
			return task.Outcome{}, err
		}
		if done {
			return out, nil
		}
		lastErr = session.err
	}
	return task.Outcome{}, fmt.Errorf("lost websocket session for job %s: %w", jobID, lastErr)
}

// follow consumes events until the job ends or the session drops (done=false)
func (a *comfyUI) follow(ctx context.Context, jobID string, s *comfySession, w *jobWaiter, r Reporter, partial *[]task.Output) (task.Outcome, bool, error) {
	for {
		select {
		case <-ctx.Done():
			return task.Outcome{}, false, ctx.Err()
		case <-s.done:
			return task.Outcome{}, false, nil
		case <-w.notify:
		}

		for _, ev := range w.drain() {
			switch ev.Type {
			case frameExecutionStart:
				if err := r.Running(ctx); err != nil {
					return task.Outcome{}, false, err
				}

			case frameExecuted:
				if ev.Node != a.def.ComfyUI.OutputNodeID {
					continue
				}
				outputs, err := a.nodeOutputs(ctx, ev.Output)
				if err != nil {
					return task.Outcome{}, false, err
				}
				*partial = append(*partial, outputs...)
				if err := r.Progress(ctx, *partial); err != nil {
					return task.Outcome{}, false, err
				}

			case frameExecuting:
				if ev.Node != "" {
					continue
				}
				out, done, err := a.fromHistory(ctx, jobID)
				if err != nil {
					return task.Outcome{}, false, err
				}
				if !done {
					if len(*partial) > 0 {
						return task.Completed(*partial), true, nil
					}
					return task.Failed("job finished but has no history"), true, nil
				}
				return out, true, nil

			case frameExecutionError:
				msg := ev.Message
				if msg == "" {
					msg = "job execution error"
				}
				return task.Outcome{Status: task.StatusFailed, Result: *partial, Error: msg}, true, nil

			case frameExecutionInterrupted:
				return task.Outcome{Status: task.StatusCancelled, Result: *partial}, true, nil
			}
		}
	}
}

// fromHistory reads the finished job from the history endpoint. done is false while the job is still queued or running.
func (a *comfyUI) fromHistory(ctx context.Context, jobID string) (task.Outcome, bool, error) {
	entry, err := a.client.History(ctx, jobID)
	if err != nil {
		return task.Outcome{}, false, err
	}
	if entry == nil {
		return task.Outcome{}, false, nil
	}

	if entry.Status.StatusStr == "error" {
		return task.Failed("job failed on the worker"), true, nil
	}

	raw, ok := entry.Outputs[a.def.ComfyUI.OutputNodeID]
	if !ok {
		cfgErr := &tool.ConfigError{Tool: a.def.Key, Msg: fmt.Sprintf("output node %s produced no outputs", a.def.ComfyUI.OutputNodeID)}
		return task.Failed(cfgErr.Error()), true, nil
	}

	outputs, err := a.collect(ctx, raw)
	if err != nil {
		return task.Outcome{}, false, err
	}
	return task.Completed(outputs), true, nil
}

// nodeOutputs decodes the output object carried by an "executed" frame
func (a *comfyUI) nodeOutputs(ctx context.Context, output json.RawMessage) ([]task.Output, error) {
	if len(output) == 0 {
		return nil, nil
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(output, &raw); err != nil {
		return nil, fmt.Errorf("failed to decode node output: %w", err)
	}
	return a.collect(ctx, raw)
}

// collect maps every file list of a node output (images, gifs, audio...) onto view URLs
func (a *comfyUI) collect(ctx context.Context, raw map[string]json.RawMessage) ([]task.Output, error) {
	kinds := make([]string, 0, len(raw))
	for k := range raw {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	var refs []string
	for _, kind := range kinds {
		var files []historyFile
		if err := json.Unmarshal(raw[kind], &files); err != nil {
			// not a file list (e.g. text output)
			continue
		}
		for _, f := range files {
			if f.Filename != "" {
				refs = append(refs, a.client.ViewURL(f))
			}
		}
	}
	return a.mat.Materialize(ctx, a.def, refs)
}

// Cancel is local-only: the workspace offers no per-job remote cancellation.
func (a *comfyUI) Cancel(context.Context, *task.Task) error {
	return ErrCancelUnsupported
}
