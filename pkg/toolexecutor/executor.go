package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
	"github.com/edenartlab/eden2-sub000/pkg/backend"
	"github.com/edenartlab/eden2-sub000/pkg/quota"
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
)

const tracerName = "eden.toolexecutor"

// DefaultPollTimeout bounds how long a task may stay in flight when its tool sets no max_duration
const DefaultPollTimeout = time.Hour

// ToolLookup resolves tool definitions by key
type ToolLookup interface {
	Get(key string) (*tool.Definition, error)
}

// AdapterLookup resolves the backend adapter for a tool key
type AdapterLookup interface {
	For(key string) (backend.Adapter, error)
}

// Ledger is the slice of the quota ledger the executor bills against
type Ledger interface {
	VerifyBalance(ctx context.Context, user string, cost float64) error
	Spend(ctx context.Context, user string, cost float64) error
	Refund(ctx context.Context, user string, amount float64) error
}

// Config holds executor dependencies
type Config struct {
	Tools       ToolLookup
	Tasks       task.Store
	Ledger      Ledger
	Adapters    AdapterLookup
	PollTimeout time.Duration
	Logger      zerolog.Logger
	Now         func() time.Time
}

// SubmitParams identify who a task runs for
type SubmitParams struct {
	// User pays for the task
	User string
	// Requester triggered it (an agent or the user themselves). Defaults to User.
	Requester string
	Args      map[string]any
}

// Executor submits, tracks, settles and cancels tool tasks
type Executor struct {
	tools       ToolLookup
	tasks       task.Store
	ledger      Ledger
	adapters    AdapterLookup
	pollTimeout time.Duration
	logger      zerolog.Logger
	now         func() time.Time

	mu    sync.Mutex
	polls map[string]context.CancelCauseFunc
}

// New creates an executor
func New(cfg Config) (*Executor, error) {
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool lookup is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task store is required")
	}
	if cfg.Ledger == nil {
		return nil, fmt.Errorf("ledger is required")
	}
	if cfg.Adapters == nil {
		return nil, fmt.Errorf("adapter lookup is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = DefaultPollTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Executor{
		tools:       cfg.Tools,
		tasks:       cfg.Tasks,
		ledger:      cfg.Ledger,
		adapters:    cfg.Adapters,
		pollTimeout: cfg.PollTimeout,
		logger:      cfg.Logger.With().Str("component", "toolexecutor").Logger(),
		now:         cfg.Now,
		polls:       make(map[string]context.CancelCauseFunc),
	}, nil
}

// Submit validates, prices and dispatches one invocation of the tool key.
//
// Nothing is persisted when validation or the balance check fails. A task the
// backend refuses is stored as failed and returned with a DispatchError; the
// user is only charged once the backend has accepted the task.
func (e *Executor) Submit(ctx context.Context, key string, p SubmitParams) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.submit",
		attribute.String("tool", key),
		attribute.String("user", p.User),
	)
	defer span.End()

	t, outcome, err := e.submit(ctx, key, p)
	observability.RecordTaskSubmit(key, outcome)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome)
		return t, err
	}
	span.SetAttributes(attribute.String("task_id", t.ID), attribute.Float64("cost", t.Cost))
	return t, nil
}

func (e *Executor) submit(ctx context.Context, key string, p SubmitParams) (*task.Task, string, error) {
	if p.User == "" {
		return nil, "invalid", fmt.Errorf("user is required")
	}
	if p.Requester == "" {
		p.Requester = p.User
	}

	def, err := e.tools.Get(key)
	if err != nil {
		return nil, "invalid", err
	}
	adapter, err := e.adapters.For(key)
	if err != nil {
		return nil, "error", err
	}

	args, err := tool.PrepareArgs(def, p.Args)
	if err != nil {
		return nil, "invalid", err
	}
	cost, err := tool.CalculateCost(def, args)
	if err != nil {
		return nil, "invalid", err
	}
	if err := e.ledger.VerifyBalance(ctx, p.User, cost); err != nil {
		if errors.Is(err, quota.ErrInsufficientBalance) {
			return nil, "insufficient_balance", err
		}
		return nil, "error", err
	}

	t := &task.Task{
		User:      p.User,
		Requester: p.Requester,
		Tool:      key,
		Args:      args,
		Status:    task.StatusPending,
		Cost:      cost,
		CreatedAt: e.now(),
	}
	if err := e.tasks.Create(ctx, t); err != nil {
		return nil, "error", err
	}

	ctx = tracing.WithTaskID(ctx, t.ID)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	handlerID, err := adapter.Start(ctx, t)
	if err != nil {
		logger.Warn().Err(err).Str("tool", key).Msg("Backend refused task")
		settled, serr := e.settle(context.WithoutCancel(ctx), t.ID, task.Failed(err.Error()))
		if serr != nil {
			logger.Error().Err(serr).Msg("Failed to settle refused task")
			settled = t
		}
		return settled, "dispatch_failed", &DispatchError{TaskID: t.ID, Err: err}
	}
	if handlerID == "" {
		handlerID = t.ID
	}

	// the handler id marks the task as charged, so it is written only after the spend
	if err := e.ledger.Spend(ctx, p.User, cost); err != nil {
		logger.Warn().Err(err).Msg("Spend failed after dispatch, cancelling task")
		e.abort(ctx, adapter, t, handlerID)
		if errors.Is(err, quota.ErrInsufficientBalance) {
			return t, "insufficient_balance", err
		}
		return t, "error", err
	}
	observability.RecordSpend(key, cost)
	observability.RecordBillingAudit(ctx, "spend", p.User, t.ID, cost)

	recorded, err := e.tasks.SetHandler(ctx, t.ID, handlerID)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to record handler id, refunding")
		e.abort(ctx, adapter, t, handlerID)
		e.refundUnrecorded(ctx, t, cost)
		return t, "error", err
	}
	if !recorded {
		// settled while dispatching, so the settlement saw nothing to refund
		logger.Info().Str("handler_id", handlerID).Msg("Task ended during dispatch, refunding")
		started := *t
		started.HandlerID = handlerID
		e.cancelRemote(context.WithoutCancel(ctx), adapter, &started)
		e.refundUnrecorded(ctx, t, cost)
		current, gerr := e.tasks.Get(context.WithoutCancel(ctx), t.ID)
		if gerr != nil {
			return t, "error", gerr
		}
		return current, "cancelled", TaskError(current)
	}
	t.HandlerID = handlerID

	logger.Info().
		Str("tool", key).
		Float64("cost", cost).
		Str("handler_id", handlerID).
		Msg("Task dispatched")

	return t, "accepted", nil
}

func (e *Executor) refundUnrecorded(ctx context.Context, t *task.Task, cost float64) {
	ctx = context.WithoutCancel(ctx)
	if err := e.ledger.Refund(ctx, t.User, cost); err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Float64("amount", cost).Msg("Refund failed")
		return
	}
	observability.RecordRefund(t.Tool, cost)
	observability.RecordBillingAudit(ctx, "refund", t.User, t.ID, cost)
}

// abort cancels a dispatched but unbilled task and settles it as failed
func (e *Executor) abort(ctx context.Context, adapter backend.Adapter, t *task.Task, handlerID string) {
	ctx = context.WithoutCancel(ctx)
	started := *t
	started.HandlerID = handlerID
	if err := adapter.Cancel(ctx, &started); err != nil && !errors.Is(err, backend.ErrCancelUnsupported) {
		e.logger.Warn().Err(err).Str("task_id", t.ID).Msg("Failed to cancel unbilled task")
	}
	if _, err := e.settle(ctx, t.ID, task.Failed("billing failed")); err != nil {
		e.logger.Error().Err(err).Str("task_id", t.ID).Msg("Failed to settle unbilled task")
	}
}

// Wait polls t until it is terminal and settles it. The returned task is the
// settled record; use TaskError to turn a failed or cancelled task into an error.
//
// If ctx ends first, the task is cancelled on the backend and settled as cancelled.
func (e *Executor) Wait(ctx context.Context, t *task.Task) (*task.Task, error) {
	ctx = tracing.WithTaskID(ctx, t.ID)
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.wait",
		attribute.String("tool", t.Tool),
		attribute.String("task_id", t.ID),
	)
	defer span.End()

	settled, err := e.wait(ctx, t)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(settled.Status)))
	return settled, nil
}

func (e *Executor) wait(ctx context.Context, t *task.Task) (*task.Task, error) {
	if t.Settled {
		return t, nil
	}
	t, err := e.tasks.Get(ctx, t.ID)
	if err != nil {
		return nil, err
	}
	if t.Status.Terminal() {
		if t.Settled {
			return t, nil
		}
		return e.settle(ctx, t.ID, task.Outcome{Status: t.Status, Result: t.Result, Error: t.Error})
	}
	if t.HandlerID == "" {
		return nil, fmt.Errorf("task %s was never dispatched", t.ID)
	}

	def, err := e.tools.Get(t.Tool)
	if err != nil {
		return nil, err
	}
	adapter, err := e.adapters.For(t.Tool)
	if err != nil {
		return nil, err
	}

	timeout := e.pollTimeout
	if def.MaxDuration > 0 {
		timeout = def.MaxDuration
	}

	pollCtx, interrupt := context.WithCancelCause(ctx)
	defer interrupt(nil)
	pollCtx, stop := context.WithTimeoutCause(pollCtx, timeout, errPollTimeout)
	defer stop()

	e.track(t.ID, interrupt)
	defer e.untrack(t.ID)

	reporter := &progressReporter{tasks: e.tasks, id: t.ID, now: e.now}
	out, pollErr := adapter.Poll(pollCtx, t, reporter)

	settleCtx := context.WithoutCancel(ctx)
	logger := tracing.LoggerFromContext(ctx, e.logger)

	if pollErr != nil {
		cause := context.Cause(pollCtx)
		switch {
		case errors.Is(cause, ErrCancelled), errors.Is(cause, errDelivered):
			// Cancel or Deliver already settled the task
			return e.tasks.Get(settleCtx, t.ID)

		case errors.Is(cause, errPollTimeout):
			logger.Warn().Dur("timeout", timeout).Msg("Task timed out")
			e.cancelRemote(settleCtx, adapter, t)
			out = task.Failed(fmt.Sprintf("timed out after %s", timeout))

		case ctx.Err() != nil:
			logger.Info().Msg("Caller gone, cancelling task")
			e.cancelRemote(settleCtx, adapter, t)
			out = task.Cancelled()

		default:
			logger.Error().Err(pollErr).Msg("Polling failed")
			// nil Result keeps whatever partial results were stored
			out = task.Failed(pollErr.Error())
		}
	}

	return e.settle(settleCtx, t.ID, out)
}

// Run submits a task and waits for it. Failed and cancelled tasks are
// returned together with their TaskError.
func (e *Executor) Run(ctx context.Context, key string, p SubmitParams) (*task.Task, error) {
	t, err := e.Submit(ctx, key, p)
	if err != nil {
		return t, err
	}
	settled, err := e.Wait(ctx, t)
	if err != nil {
		return t, err
	}
	return settled, TaskError(settled)
}

// Cancel stops a task and settles it as cancelled. Backends that cannot cancel
// remotely are cancelled locally. Cancelling a terminal task is a no-op.
func (e *Executor) Cancel(ctx context.Context, id string) (*task.Task, error) {
	ctx = tracing.WithTaskID(ctx, id)
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.cancel", attribute.String("task_id", id))
	defer span.End()

	t, err := e.tasks.Get(ctx, id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if t.Status.Terminal() {
		return t, nil
	}

	adapter, aerr := e.adapters.For(t.Tool)
	if t.HandlerID != "" && aerr == nil {
		e.cancelRemote(ctx, adapter, t)
	}

	settled, err := e.settle(context.WithoutCancel(ctx), id, task.Cancelled())
	e.interrupt(id)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if t.HandlerID == "" && settled.HandlerID != "" && aerr == nil {
		// dispatch finished between the read and the settlement
		e.cancelRemote(ctx, adapter, settled)
	}
	return settled, nil
}

// Deliver applies a status update pushed by a backend for the task it knows
// as handlerID. A terminal update settles the task and stops its poller;
// updates for tasks that are already terminal are ignored.
func (e *Executor) Deliver(ctx context.Context, handlerID string, payload []byte) (*task.Task, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "toolexecutor.deliver", attribute.String("handler_id", handlerID))
	defer span.End()

	t, err := e.tasks.GetByHandler(ctx, "", handlerID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	ctx = tracing.WithTaskID(ctx, t.ID)
	if t.Status.Terminal() {
		return t, nil
	}

	adapter, err := e.adapters.For(t.Tool)
	if err != nil {
		return nil, err
	}
	n, ok := adapter.(backend.Notifiable)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotNotifiable, t.Tool)
	}

	out, done, err := n.Notify(ctx, t, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if !done {
		if err := e.tasks.MarkRunning(ctx, t.ID, e.now()); err != nil {
			return nil, err
		}
		return e.tasks.Get(ctx, t.ID)
	}

	settled, err := e.settle(context.WithoutCancel(ctx), t.ID, out)
	e.interruptWith(t.ID, errDelivered)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.String("status", string(settled.Status)))
	return settled, nil
}

func (e *Executor) cancelRemote(ctx context.Context, adapter backend.Adapter, t *task.Task) {
	err := adapter.Cancel(ctx, t)
	logger := tracing.LoggerFromContext(ctx, e.logger)
	switch {
	case err == nil:
	case errors.Is(err, backend.ErrCancelUnsupported):
		logger.Debug().Str("tool", t.Tool).Msg("Backend cannot cancel, cancelling locally")
	default:
		logger.Warn().Err(err).Str("tool", t.Tool).Msg("Backend cancel failed")
	}
}

// settle writes the terminal outcome and, for the one caller that claims the
// settlement, refunds the share of the cost that produced nothing.
func (e *Executor) settle(ctx context.Context, id string, out task.Outcome) (*task.Task, error) {
	t, _, err := e.claim(ctx, id, out)
	return t, err
}

func (e *Executor) claim(ctx context.Context, id string, out task.Outcome) (*task.Task, bool, error) {
	t, claimed, err := e.tasks.Settle(ctx, id, out, e.now())
	if err != nil {
		return nil, false, err
	}
	if !claimed {
		return t, false, nil
	}

	logger := tracing.LoggerFromContext(ctx, e.logger)
	var elapsed time.Duration
	if t.FinishedAt != nil {
		elapsed = t.FinishedAt.Sub(t.CreatedAt)
	}
	observability.RecordTaskTerminal(t.Tool, string(t.Status), elapsed)
	observability.RecordTaskAudit(ctx, t.Tool, t.User, string(t.Status), map[string]interface{}{
		"task_id": t.ID,
		"cost":    t.Cost,
		"outputs": t.CompletedCount(),
	})

	logger.Info().
		Str("tool", t.Tool).
		Str("status", string(t.Status)).
		Int("outputs", t.CompletedCount()).
		Msg("Task settled")

	if t.Status == task.StatusCompleted || t.HandlerID == "" || t.Cost <= 0 {
		return t, true, nil
	}

	amount := quota.ProratedRefund(t.Cost, tool.SampleCount(t.Args), t.CompletedCount())
	if amount <= 0 {
		return t, true, nil
	}
	if err := e.ledger.Refund(ctx, t.User, amount); err != nil {
		logger.Error().Err(err).Float64("amount", amount).Msg("Refund failed")
		return t, true, nil
	}
	observability.RecordRefund(t.Tool, amount)
	observability.RecordBillingAudit(ctx, "refund", t.User, t.ID, amount)
	logger.Info().Float64("amount", amount).Msg("Refunded unproduced samples")

	return t, true, nil
}

func (e *Executor) track(id string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.polls[id] = cancel
	e.mu.Unlock()
}

func (e *Executor) untrack(id string) {
	e.mu.Lock()
	delete(e.polls, id)
	e.mu.Unlock()
}

func (e *Executor) interrupt(id string) {
	e.interruptWith(id, ErrCancelled)
}

func (e *Executor) interruptWith(id string, cause error) {
	e.mu.Lock()
	cancel, ok := e.polls[id]
	e.mu.Unlock()
	if ok {
		cancel(cause)
	}
}

// polling reports whether a poller is live for id in this process
func (e *Executor) polling(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.polls[id]
	return ok
}

type progressReporter struct {
	tasks task.Store
	id    string
	now   func() time.Time
}

func (r *progressReporter) Running(ctx context.Context) error {
	return r.tasks.MarkRunning(ctx, r.id, r.now())
}

func (r *progressReporter) Progress(ctx context.Context, result []task.Output) error {
	return r.tasks.SetResults(ctx, r.id, result)
}

func (r *progressReporter) Reload(ctx context.Context) (*task.Task, error) {
	return r.tasks.Get(ctx, r.id)
}
