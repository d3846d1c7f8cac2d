package backend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/edenartlab/eden2-sub000/pkg/task"
)

// LocalHandler runs a tool in process. Outputs returned alongside an error
// count as partially completed samples.
type LocalHandler func(ctx context.Context, args map[string]any) ([]task.Output, error)

type localRun struct {
	cancel  context.CancelFunc
	done    chan struct{}
	outputs []task.Output
	err     error
}

// Local executes handlers on goroutines owned by this process
type Local struct {
	handler LocalHandler
	logger  zerolog.Logger

	mu   sync.Mutex
	runs map[string]*localRun
}

// NewLocal creates an in-process adapter for handler
func NewLocal(handler LocalHandler, logger zerolog.Logger) *Local {
	return &Local{
		handler: handler,
		logger:  logger,
		runs:    make(map[string]*localRun),
	}
}

func (l *Local) Start(ctx context.Context, t *task.Task) (string, error) {
	id, err := gonanoid.New()
	if err != nil {
		return "", fmt.Errorf("failed to generate run id: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	run := &localRun{cancel: cancel, done: make(chan struct{})}

	l.mu.Lock()
	l.runs[id] = run
	l.mu.Unlock()

	go func() {
		defer close(run.done)
		defer func() {
			if p := recover(); p != nil {
				run.err = fmt.Errorf("handler panicked: %v", p)
				l.logger.Error().Str("task_id", t.ID).Interface("panic", p).Msg("Local handler panicked")
			}
		}()
		run.outputs, run.err = l.handler(runCtx, t.Args)
	}()

	return id, nil
}

func (l *Local) Poll(ctx context.Context, t *task.Task, r Reporter) (task.Outcome, error) {
	run, ok := l.run(t.HandlerID)
	if !ok {
		return task.Failed("local run lost (process restarted?)"), nil
	}
	defer l.forget(t.HandlerID)

	if err := r.Running(ctx); err != nil {
		return task.Outcome{}, err
	}

	select {
	case <-ctx.Done():
		return task.Outcome{}, ctx.Err()
	case <-run.done:
	}

	switch {
	case run.err == nil:
		return task.Completed(run.outputs), nil
	case errors.Is(run.err, context.Canceled):
		return task.Outcome{Status: task.StatusCancelled, Result: run.outputs}, nil
	default:
		return task.Outcome{Status: task.StatusFailed, Result: run.outputs, Error: run.err.Error()}, nil
	}
}

func (l *Local) Cancel(_ context.Context, t *task.Task) error {
	run, ok := l.run(t.HandlerID)
	if !ok {
		return nil
	}
	run.cancel()
	return nil
}

func (l *Local) run(id string) (*localRun, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	run, ok := l.runs[id]
	return run, ok
}

func (l *Local) forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if run, ok := l.runs[id]; ok {
		run.cancel()
		delete(l.runs, id)
	}
}
