package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
	"github.com/edenartlab/eden2-sub000/pkg/commandqueue"
	"github.com/edenartlab/eden2-sub000/pkg/ratelimit"
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/thread"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
	"github.com/edenartlab/eden2-sub000/pkg/toolexecutor"
)

const tracerName = "eden.agent"

// ApologyMessage is the assistant reply stored when the provider cannot be reached
const ApologyMessage = "Sorry, I ran into a problem while thinking about that. Please try again in a moment."

var (
	// ErrUnknownAgent is returned by Prompt for an agent with no definition
	ErrUnknownAgent = errors.New("unknown agent")
	// ErrRateLimited is returned by Prompt when the user's limit is exceeded
	ErrRateLimited = errors.New("rate limited")
)

// ToolRunner submits tool tasks and waits for them to settle
type ToolRunner interface {
	Submit(ctx context.Context, key string, p toolexecutor.SubmitParams) (*task.Task, error)
	Wait(ctx context.Context, t *task.Task) (*task.Task, error)
}

// ToolCatalog resolves tool definitions and their LLM schemas
type ToolCatalog interface {
	Get(key string) (*tool.Definition, error)
	List() []*tool.Definition
	Schemas(keys []string) ([]tool.Schema, error)
}

// Config holds runner configuration
type Config struct {
	Threads         thread.Store
	Tools           ToolCatalog
	Executor        ToolRunner
	Queue           *commandqueue.Queue
	Agents          []*Definition
	AuthProfiles    []AuthProfile
	ProviderFactory ProviderCreator
	// Limiter gates turns per user. Defaults to no limit.
	Limiter ratelimit.Limiter
	Retry   RetryPolicy
	// BufferSize is the capacity of each turn's update channel
	BufferSize int
	Logger     zerolog.Logger
	Now        func() time.Time
}

// Runner drives conversation turns
type Runner struct {
	threads         thread.Store
	tools           ToolCatalog
	executor        ToolRunner
	queue           *commandqueue.Queue
	agents          map[string]*Definition
	providerFactory ProviderCreator
	limiter         ratelimit.Limiter
	retry           RetryPolicy
	bufferSize      int
	logger          zerolog.Logger
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration) error

	authProfiles []AuthProfile
	authMu       sync.RWMutex

	providers   map[string]LLMProvider
	providersMu sync.Mutex
}

// NewRunner creates a new agent runner
func NewRunner(cfg Config) (*Runner, error) {
	observability.EnsureRegistered()

	if cfg.Threads == nil {
		return nil, fmt.Errorf("thread store is required")
	}
	if cfg.Tools == nil {
		return nil, fmt.Errorf("tool catalog is required")
	}
	if cfg.Executor == nil {
		return nil, fmt.Errorf("tool executor is required")
	}
	if cfg.Queue == nil {
		return nil, fmt.Errorf("command queue is required")
	}
	if len(cfg.AuthProfiles) == 0 {
		return nil, fmt.Errorf("at least one auth profile is required")
	}

	agents := make(map[string]*Definition, len(cfg.Agents))
	for _, def := range cfg.Agents {
		if err := def.Validate(); err != nil {
			return nil, err
		}
		name := strings.ToLower(def.Name)
		if _, dup := agents[name]; dup {
			return nil, fmt.Errorf("duplicate agent: %s", def.Name)
		}
		agents[name] = def
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("at least one agent is required")
	}

	providerFactory := cfg.ProviderFactory
	if providerFactory == nil {
		providerFactory = &ProviderFactory{}
	}
	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = 16
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	profiles := make([]AuthProfile, len(cfg.AuthProfiles))
	copy(profiles, cfg.AuthProfiles)

	return &Runner{
		threads:         cfg.Threads,
		tools:           cfg.Tools,
		executor:        cfg.Executor,
		queue:           cfg.Queue,
		agents:          agents,
		providerFactory: providerFactory,
		limiter:         limiter,
		retry:           cfg.Retry.withDefaults(),
		bufferSize:      bufferSize,
		logger:          cfg.Logger,
		now:             now,
		sleep:           sleepContext,
		authProfiles:    profiles,
		providers:       make(map[string]LLMProvider),
	}, nil
}

// Agent returns the definition registered under name (case-insensitive)
func (r *Runner) Agent(name string) (*Definition, bool) {
	def, ok := r.agents[strings.ToLower(name)]
	return def, ok
}

// Prompt records a user message and, when the agent is addressed, runs a turn.
// Updates stream on the returned channel, which is closed when the turn ends.
// A silent turn closes it without sending anything. Cancelling ctx stops the turn.
func (r *Runner) Prompt(ctx context.Context, p TurnParams) (<-chan ThreadUpdate, error) {
	def, ok := r.Agent(p.Agent)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAgent, p.Agent)
	}
	if p.ThreadKey == "" {
		return nil, fmt.Errorf("thread key is required")
	}
	if p.User == "" {
		return nil, fmt.Errorf("user is required")
	}

	allowed, reason, release := r.limiter.Allow(ctx, p.User)
	if !allowed {
		observability.RecordRateLimited()
		return nil, fmt.Errorf("%w: %s", ErrRateLimited, reason)
	}

	th, err := r.threads.GetOrCreate(ctx, p.ThreadKey, p.User, def.Name)
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to load thread: %w", err)
	}

	ctx = tracing.NewTurnContext(ctx, def.Name, th.ID)
	ctx = tracing.WithUserID(ctx, p.User)

	out := make(chan ThreadUpdate, r.bufferSize)
	go func() {
		defer close(out)
		defer release()

		t := &turn{def: def, threadID: th.ID, params: p, out: out}
		_, err := r.queue.Enqueue(ctx, "thread:"+th.ID, func(ctx context.Context) (interface{}, error) {
			return nil, r.runTurn(ctx, t)
		}, nil)
		if err != nil {
			logger := tracing.LoggerFromContext(ctx, r.logger)
			logger.Warn().Err(err).Msg("Turn did not complete")
		}
	}()
	return out, nil
}

type turnState int

const (
	stateDecide turnState = iota
	stateGenerate
	stateExecuteTools
	stateTerminate
)

// turn is the mutable state of one Prompt
type turn struct {
	def      *Definition
	threadID string
	params   TurnParams
	out      chan<- ThreadUpdate

	started bool
	message *thread.Message
	stop    bool
	outcome string
}

func (t *turn) emit(ctx context.Context, u ThreadUpdate) error {
	u.ThreadID = t.threadID
	select {
	case t.out <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Runner) runTurn(ctx context.Context, t *turn) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "agent.turn",
		attribute.String("thread_id", t.threadID),
		attribute.String("agent", t.def.Name),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, r.logger)
	start := time.Now()

	state := stateDecide
	var err error
	for state != stateTerminate && err == nil {
		switch state {
		case stateDecide:
			state, err = r.decide(ctx, t)
		case stateGenerate:
			state, err = r.generate(ctx, t)
		case stateExecuteTools:
			state, err = r.executeTools(ctx, t)
		}
	}

	if err != nil {
		t.outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().Err(err).Msg("Turn aborted")
		if t.started {
			if clearErr := r.threads.SetActive(context.WithoutCancel(ctx), t.threadID, ""); clearErr != nil {
				logger.Warn().Err(clearErr).Msg("Failed to clear active message")
			}
			if ctx.Err() == nil {
				_ = t.emit(ctx, ThreadUpdate{Type: UpdateError, Error: err.Error()})
			}
		}
	}

	observability.RecordAgentTurn(t.def.Name, t.outcome, time.Since(start))
	return err
}

// decide stores the user message and checks whether the agent should answer
func (r *Runner) decide(ctx context.Context, t *turn) (turnState, error) {
	msg := &thread.Message{
		Role:        thread.RoleUser,
		Name:        t.params.User,
		Content:     t.params.Content,
		Attachments: t.params.Attachments,
		CreatedAt:   r.now(),
	}
	if err := r.threads.Append(ctx, t.threadID, msg); err != nil {
		return stateTerminate, fmt.Errorf("failed to store user message: %w", err)
	}

	if !t.params.ForceReply && !t.def.Mentioned(t.params.Content) {
		t.outcome = "silent"
		return stateTerminate, nil
	}

	if err := r.threads.SetActive(ctx, t.threadID, msg.ID); err != nil {
		return stateTerminate, fmt.Errorf("failed to mark message active: %w", err)
	}
	t.started = true
	if err := t.emit(ctx, ThreadUpdate{Type: UpdateStartPrompt}); err != nil {
		return stateTerminate, err
	}
	return stateGenerate, nil
}

// generate asks the model for the next assistant message
func (r *Runner) generate(ctx context.Context, t *turn) (turnState, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)

	th, err := r.threads.Get(ctx, t.threadID)
	if err != nil {
		return stateTerminate, fmt.Errorf("failed to load thread: %w", err)
	}
	schemas, err := r.tools.Schemas(t.def.ToolKeys(r.tools.List()))
	if err != nil {
		return stateTerminate, fmt.Errorf("failed to build tool schemas: %w", err)
	}
	systemPrompt, err := t.def.RenderSystemPrompt(PromptData{
		User:  t.params.User,
		Date:  r.now().Format("2006-01-02"),
		Tools: schemas,
	})
	if err != nil {
		return stateTerminate, err
	}

	resp, err := r.callWithFailover(ctx, t.def, LLMRequest{
		Model:        t.def.Model,
		Messages:     buildHistory(th),
		Tools:        schemas,
		Temperature:  t.def.Temperature,
		MaxTokens:    t.def.MaxTokens,
		SystemPrompt: systemPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return stateTerminate, ctx.Err()
		}
		logger.Error().Err(err).Msg("Provider call failed")
		return r.apologize(ctx, t, err)
	}

	stop := resp.Stop || len(resp.ToolCalls) == 0
	msg := &thread.Message{
		Role:      thread.RoleAssistant,
		Name:      t.def.Name,
		Content:   resp.Content,
		CreatedAt: r.now(),
	}
	for _, call := range resp.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, thread.ToolCall{
			ID:   call.ID,
			Tool: call.Name,
			Args: call.Parameters,
		})
	}
	if err := r.threads.Append(ctx, t.threadID, msg); err != nil {
		return stateTerminate, fmt.Errorf("failed to store assistant message: %w", err)
	}
	if stop {
		if err := r.threads.SetActive(ctx, t.threadID, ""); err != nil {
			return stateTerminate, fmt.Errorf("failed to clear active message: %w", err)
		}
	}

	t.message = msg
	t.stop = stop
	if resp.Usage != nil {
		logger.Debug().
			Int("input_tokens", resp.Usage.InputTokens).
			Int("output_tokens", resp.Usage.OutputTokens).
			Int("tool_calls", len(msg.ToolCalls)).
			Bool("stop", stop).
			Msg("Assistant message generated")
	}

	if err := t.emit(ctx, ThreadUpdate{Type: UpdateAssistantMessage, Message: msg}); err != nil {
		return stateTerminate, err
	}
	return stateExecuteTools, nil
}

// apologize ends the turn after an unrecoverable provider error
func (r *Runner) apologize(ctx context.Context, t *turn, cause error) (turnState, error) {
	t.outcome = "provider_error"
	msg := &thread.Message{
		Role:      thread.RoleAssistant,
		Name:      t.def.Name,
		Content:   ApologyMessage,
		CreatedAt: r.now(),
	}
	if err := r.threads.Append(ctx, t.threadID, msg); err != nil {
		return stateTerminate, fmt.Errorf("failed to store apology: %w", err)
	}
	if err := r.threads.SetActive(ctx, t.threadID, ""); err != nil {
		return stateTerminate, fmt.Errorf("failed to clear active message: %w", err)
	}
	t.started = false
	return stateTerminate, t.emit(ctx, ThreadUpdate{Type: UpdateError, Message: msg, Error: cause.Error()})
}

// executeTools runs the assistant message's tool calls one by one, in order
func (r *Runner) executeTools(ctx context.Context, t *turn) (turnState, error) {
	for i := range t.message.ToolCalls {
		if err := r.runToolCall(ctx, t, i); err != nil {
			return stateTerminate, err
		}
	}

	if t.stop {
		t.outcome = "completed"
		if err := t.emit(ctx, ThreadUpdate{Type: UpdateComplete}); err != nil {
			return stateTerminate, err
		}
		t.started = false
		return stateTerminate, nil
	}
	return stateGenerate, nil
}

// runToolCall executes one call. Tool failures are reported as ERROR updates;
// only persistence and context errors are returned.
func (r *Runner) runToolCall(ctx context.Context, t *turn, index int) error {
	call := t.message.ToolCalls[index]
	logger := tracing.LoggerFromContext(ctx, r.logger).With().
		Str("tool", call.Tool).
		Int("tool_index", index).
		Logger()

	report := func(call thread.ToolCall) error {
		t.message.ToolCalls[index] = call
		if err := r.threads.UpdateToolCall(ctx, t.threadID, t.message.ID, index, call); err != nil {
			return fmt.Errorf("failed to store tool call: %w", err)
		}
		idx := index
		if call.Status == task.StatusCompleted {
			return t.emit(ctx, ThreadUpdate{Type: UpdateToolComplete, ToolName: call.Tool, ToolIndex: &idx, Result: call.Result})
		}
		logger.Warn().Str("status", string(call.Status)).Str("error", call.Error).Msg("Tool call failed")
		return t.emit(ctx, ThreadUpdate{Type: UpdateError, ToolName: call.Tool, ToolIndex: &idx, Error: call.Error})
	}
	fail := func(msg string) error {
		call.Status = task.StatusFailed
		call.Error = msg
		return report(call)
	}

	if !t.def.Tools.Allows(call.Tool) {
		return fail(fmt.Sprintf("tool %s is not available to %s", call.Tool, t.def.Name))
	}
	if _, err := r.tools.Get(call.Tool); err != nil {
		return fail(fmt.Sprintf("unknown tool: %s", call.Tool))
	}

	submitted, err := r.executor.Submit(ctx, call.Tool, toolexecutor.SubmitParams{
		User:      t.params.User,
		Requester: t.def.Name,
		Args:      call.Args,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var de *toolexecutor.DispatchError
		if errors.As(err, &de) {
			call.TaskID = de.TaskID
		}
		return fail(err.Error())
	}

	call.TaskID = submitted.ID
	call.Status = task.StatusPending
	call.Cost = submitted.Cost
	t.message.ToolCalls[index] = call
	if err := r.threads.UpdateToolCall(ctx, t.threadID, t.message.ID, index, call); err != nil {
		return fmt.Errorf("failed to store tool call: %w", err)
	}

	done, err := r.executor.Wait(tracing.WithTaskID(ctx, submitted.ID), submitted)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fail(err.Error())
	}

	call.Status = done.Status
	call.Result = done.Result
	call.Error = done.Error
	if done.Status == task.StatusCancelled && call.Error == "" {
		call.Error = "task cancelled"
	}
	return report(call)
}

// buildHistory renders a thread as provider-neutral messages. Every tool call
// is followed by its result, or an error when it never finished.
func buildHistory(th *thread.Thread) []AgentMessage {
	messages := make([]AgentMessage, 0, len(th.Messages))
	for _, m := range th.Messages {
		switch m.Role {
		case thread.RoleUser:
			content := m.Content
			if len(m.Attachments) > 0 {
				content += "\n\nAttachments: " + strings.Join(m.Attachments, ", ")
			}
			messages = append(messages, AgentMessage{Role: "user", Content: content})
		case thread.RoleAssistant:
			am := AgentMessage{Role: "assistant", Content: m.Content}
			for _, c := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, ToolCall{ID: c.ID, Name: c.Tool, Parameters: c.Args})
			}
			messages = append(messages, am)
			for _, c := range m.ToolCalls {
				messages = append(messages, toolResultMessage(c))
			}
		}
	}
	return messages
}

func toolResultMessage(c thread.ToolCall) AgentMessage {
	msg := AgentMessage{Role: "tool", ToolCallID: c.ID, ToolName: c.Tool}
	switch c.Status {
	case task.StatusCompleted:
		b, err := json.Marshal(map[string]any{"status": c.Status, "result": c.Result})
		if err != nil {
			msg.Content, msg.IsError = err.Error(), true
			break
		}
		msg.Content = string(b)
	case task.StatusFailed, task.StatusCancelled:
		msg.Content, msg.IsError = c.Error, true
	default:
		msg.Content, msg.IsError = "tool call did not finish", true
	}
	return msg
}

// callWithFailover tries auth profiles by priority. Profiles in cooldown are
// skipped unless all of them are, in which case the one closest to the end of
// its cooldown is tried. Only exhausted transient failures start a cooldown
// and move on to the next profile.
func (r *Runner) callWithFailover(ctx context.Context, def *Definition, request LLMRequest) (*LLMResponse, error) {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	profiles := r.availableProfiles(ctx, def)

	var lastErr error
	for _, profile := range profiles {

		provider, err := r.provider(ctx, profile)
		if err != nil {
			lastErr = err
			logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Failed to create provider")
			continue
		}

		req := request
		if profile.Model != "" {
			req.Model = profile.Model
		}
		ctx, span := tracing.StartSpan(ctx, tracerName, "agent.generate",
			attribute.String("provider", provider.Provider()),
			attribute.String("model", req.Model),
		)
		resp, err := r.callWithRetry(ctx, provider, req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()

		if err == nil {
			r.updateProfileSuccess(profile.ID)
			return resp, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		logger.Warn().Str("profile_id", profile.ID).Err(err).Msg("Auth profile failed")

		var transient *ProviderTransientError
		if !errors.As(err, &transient) {
			return nil, err
		}
		r.updateProfileFailure(profile.ID)
	}

	if lastErr == nil {
		return nil, fmt.Errorf("no auth profile available for %s", def.Name)
	}
	logger.Error().Err(lastErr).Msg("All auth profiles failed")
	return nil, fmt.Errorf("all auth profiles failed: %w", lastErr)
}

func (r *Runner) profilesFor(def *Definition) []AuthProfile {
	r.authMu.RLock()
	defer r.authMu.RUnlock()

	profiles := make([]AuthProfile, 0, len(r.authProfiles))
	for _, p := range r.authProfiles {
		if def.Profile == "" || def.Profile == p.ID {
			profiles = append(profiles, p)
		}
	}
	sortProfilesByPriority(profiles)
	return profiles
}

// availableProfiles returns the profiles of def that are out of cooldown. When
// every profile is cooling down, it returns the one whose cooldown ends first.
func (r *Runner) availableProfiles(ctx context.Context, def *Definition) []AuthProfile {
	logger := tracing.LoggerFromContext(ctx, r.logger)
	now := r.now().UnixMilli()

	var (
		ready    []AuthProfile
		soonest  *AuthProfile
		profiles = r.profilesFor(def)
	)
	for i, profile := range profiles {
		if profile.CooldownUntil == nil || now >= *profile.CooldownUntil {
			ready = append(ready, profile)
			continue
		}
		observability.SetProviderCooldown(profile.Provider, true)
		logger.Debug().Str("profile_id", profile.ID).Msg("Skipping profile in cooldown")
		if soonest == nil || *profile.CooldownUntil < *soonest.CooldownUntil {
			soonest = &profiles[i]
		}
	}
	if len(ready) == 0 && soonest != nil {
		logger.Info().Str("profile_id", soonest.ID).Msg("All profiles cooling down, trying the earliest to recover")
		return []AuthProfile{*soonest}
	}
	return ready
}

// provider returns the cached provider for profile, creating it on first use
func (r *Runner) provider(ctx context.Context, profile AuthProfile) (LLMProvider, error) {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()

	if p, ok := r.providers[profile.ID]; ok {
		return p, nil
	}
	p, err := r.providerFactory.NewProvider(context.WithoutCancel(ctx), profile)
	if err != nil {
		return nil, err
	}
	r.providers[profile.ID] = p
	return p, nil
}

// Close releases provider clients
func (r *Runner) Close() error {
	r.providersMu.Lock()
	defer r.providersMu.Unlock()

	var errs []error
	for id, p := range r.providers {
		if c, ok := p.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close provider %s: %w", id, err))
			}
		}
		delete(r.providers, id)
	}
	return errors.Join(errs...)
}

// updateProfileSuccess resets failure count for a profile
func (r *Runner) updateProfileSuccess(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount = 0
			r.authProfiles[i].CooldownUntil = nil
			observability.SetProviderCooldown(r.authProfiles[i].Provider, false)
			break
		}
	}
}

// updateProfileFailure puts a profile in cooldown, one minute per consecutive failure
func (r *Runner) updateProfileFailure(profileID string) {
	r.authMu.Lock()
	defer r.authMu.Unlock()

	for i := range r.authProfiles {
		if r.authProfiles[i].ID == profileID {
			r.authProfiles[i].FailureCount++
			cooldownMs := r.now().UnixMilli() + int64(60000*r.authProfiles[i].FailureCount)
			r.authProfiles[i].CooldownUntil = &cooldownMs
			observability.SetProviderCooldown(r.authProfiles[i].Provider, true)
			break
		}
	}
}

// sortProfilesByPriority sorts profiles by priority (lower = higher priority)
func sortProfilesByPriority(profiles []AuthProfile) {
	sort.SliceStable(profiles, func(i, j int) bool {
		return profiles[i].Priority < profiles[j].Priority
	})
}
