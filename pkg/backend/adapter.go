// Package backend implements the execution substrates tools run on.
//
// Every substrate is reached through the same small Adapter contract; the
// orchestration around it (validation, billing, settlement) lives in
// pkg/toolexecutor and never here.
package backend

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"time"

	"github.com/rs/zerolog"

	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

// ErrCancelUnsupported is returned by adapters that can only cancel locally
var ErrCancelUnsupported = errors.New("remote cancellation not supported")

// Adapter runs tasks for one tool on one execution substrate
type Adapter interface {
	// Start submits the task and returns the backend correlation id
	Start(ctx context.Context, t *task.Task) (string, error)
	// Poll blocks until the task reaches a terminal state. It may report
	// intermediate progress through r.
	Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error)
	// Cancel asks the backend to stop the task. Best effort.
	Cancel(ctx context.Context, t *task.Task) error
}

// Notifiable adapters accept pushed status updates from their backend.
// Notify decodes one delivery for t; done reports a terminal outcome.
type Notifiable interface {
	Notify(ctx context.Context, t *task.Task, payload []byte) (out task.Outcome, done bool, err error)
}

// Reporter receives intermediate task updates while polling
type Reporter interface {
	Running(ctx context.Context) error
	Progress(ctx context.Context, result []task.Output) error
	// Reload returns the stored task, for backends whose workers write it directly
	Reload(ctx context.Context) (*task.Task, error)
}

// Materializer turns raw backend output references into stored results
type Materializer interface {
	Materialize(ctx context.Context, def *tool.Definition, refs []string) ([]task.Output, error)
}

// PassthroughMaterializer keeps backend URLs as-is
type PassthroughMaterializer struct{}

func (PassthroughMaterializer) Materialize(_ context.Context, def *tool.Definition, refs []string) ([]task.Output, error) {
	outputs := make([]task.Output, 0, len(refs))
	for _, ref := range refs {
		if ref == "" {
			continue
		}
		outputs = append(outputs, task.Output{
			URL:       ref,
			Filename:  path.Base(ref),
			MediaType: string(def.OutputKind),
		})
	}
	return outputs, nil
}

// Deps are the shared clients adapters are built from
type Deps struct {
	// Local handlers by tool key
	Local map[string]LocalHandler
	// Functions serves remote-function tools
	Functions FunctionClient
	// ComfyUI clients by workspace name
	ComfyUI map[string]*ComfyUIClient
	// Replicate serves polling-rest tools
	Replicate *ReplicateClient
	// Jobs serves cloud-job tools
	Jobs *VertexJobs

	Tasks        task.Store
	Materializer Materializer
	PollInterval time.Duration
	Logger       zerolog.Logger
}

// Set maps tool keys to their resolved adapter
type Set map[string]Adapter

// For returns the adapter for a tool key
func (s Set) For(key string) (Adapter, error) {
	a, ok := s[key]
	if !ok {
		return nil, fmt.Errorf("no backend adapter for tool %s", key)
	}
	return a, nil
}

// Build resolves one adapter per tool. It runs once at startup so a missing
// backend client is reported before any request is served.
func Build(defs []*tool.Definition, deps Deps) (Set, error) {
	if deps.Materializer == nil {
		deps.Materializer = PassthroughMaterializer{}
	}
	if deps.PollInterval <= 0 {
		deps.PollInterval = 2 * time.Second
	}

	set := make(Set, len(defs))
	for _, def := range defs {
		a, err := build(def, deps)
		if err != nil {
			return nil, fmt.Errorf("tool %s: %w", def.Key, err)
		}
		set[def.Key] = a
	}
	return set, nil
}

func build(def *tool.Definition, deps Deps) (Adapter, error) {
	switch def.Backend {
	case tool.BackendLocal:
		h, ok := deps.Local[def.Key]
		if !ok {
			return nil, fmt.Errorf("no local handler registered")
		}
		return NewLocal(h, deps.Logger), nil

	case tool.BackendRemoteFunction:
		if deps.Functions == nil {
			return nil, fmt.Errorf("remote-function client not configured")
		}
		return &remoteFunction{def: def, client: deps.Functions}, nil

	case tool.BackendJobQueue:
		client, ok := deps.ComfyUI[def.ComfyUI.Workspace]
		if !ok {
			return nil, fmt.Errorf("comfyui workspace %s not configured", def.ComfyUI.Workspace)
		}
		return newComfyUI(def, client, deps.Materializer)

	case tool.BackendPollingREST:
		if deps.Replicate == nil {
			return nil, fmt.Errorf("replicate client not configured")
		}
		if deps.Tasks == nil {
			return nil, fmt.Errorf("task store is required for polling-rest tools")
		}
		return &replicate{
			def:      def,
			client:   deps.Replicate,
			tasks:    deps.Tasks,
			mat:      deps.Materializer,
			interval: deps.PollInterval,
		}, nil

	case tool.BackendCloudJob:
		if deps.Jobs == nil {
			return nil, fmt.Errorf("cloud job service not configured")
		}
		return &vertex{def: def, jobs: deps.Jobs, interval: deps.PollInterval}, nil
	}
	return nil, &tool.ConfigError{Tool: def.Key, Msg: fmt.Sprintf("unknown handler %q", def.Backend)}
}

// outcomeFromTask converts a stored task that a remote worker finalized into an outcome
func outcomeFromTask(t *task.Task) (task.Outcome, bool) {
	if !t.Status.Terminal() {
		return task.Outcome{}, false
	}
	return task.Outcome{Status: t.Status, Result: t.Result, Error: t.Error}, true
}

func defaultHTTPClient(c *http.Client) *http.Client {
	if c != nil {
		return c
	}
	return &http.Client{Timeout: 60 * time.Second}
}
