package daemon

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"google.golang.org/api/option"

	"github.com/edenartlab/eden2-sub000/internal/config"
	"github.com/edenartlab/eden2-sub000/internal/logger"
	"github.com/edenartlab/eden2-sub000/internal/observability"
	"github.com/edenartlab/eden2-sub000/internal/storage"
	"github.com/edenartlab/eden2-sub000/internal/tracing"
	"github.com/edenartlab/eden2-sub000/pkg/agent"
	"github.com/edenartlab/eden2-sub000/pkg/backend"
	"github.com/edenartlab/eden2-sub000/pkg/commandqueue"
	"github.com/edenartlab/eden2-sub000/pkg/quota"
	"github.com/edenartlab/eden2-sub000/pkg/ratelimit"
	"github.com/edenartlab/eden2-sub000/pkg/task"
	"github.com/edenartlab/eden2-sub000/pkg/thread"
	"github.com/edenartlab/eden2-sub000/pkg/tool"
	"github.com/edenartlab/eden2-sub000/pkg/toolexecutor"
	"github.com/edenartlab/eden2-sub000/pkg/webhook"
)

// Options carries dependencies that do not come from the config file
type Options struct {
	// Local handlers by tool key, for tools with the local backend
	Local map[string]backend.LocalHandler
	// ProviderFactory overrides how LLM clients are built
	ProviderFactory agent.ProviderCreator
	// Materializer uploads backend outputs; defaults to passthrough
	Materializer backend.Materializer
	// SkipTracing leaves the global tracer provider alone
	SkipTracing bool
}

// Daemon owns the stores, tool executor, sweeper and agent runner built from one config
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	db       *sql.DB
	tasks    *task.SQLiteStore
	threads  *thread.SQLiteStore
	ledger   *quota.Ledger
	tools    *tool.Registry
	executor *toolexecutor.Executor
	sweeper  *toolexecutor.Sweeper
	queue    *commandqueue.Queue
	runner   *agent.Runner

	metricsServer *http.Server
	webhooks      *webhook.Server
	lifecycle     *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// New builds every component from cfg. The agent runner is only created when
// at least one AI profile is configured.
func New(cfg *config.Config, log *logger.Logger, opts Options) (*Daemon, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if log == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Daemon{
		config: cfg,
		logger: log,
		ctx:    ctx,
		cancel: cancel,
	}

	zl := log.Component("daemon")
	observability.EnsureRegistered()
	if cfg.Tracing.Enabled && !opts.SkipTracing {
		err := tracing.InitOpenTelemetry(ctx, tracing.Config{
			ServiceName: cfg.Tracing.ServiceName,
			SampleRatio: cfg.Tracing.SampleRatio,
			Endpoint:    cfg.Tracing.Endpoint,
			Insecure:    cfg.Tracing.Insecure,
		})
		if err != nil {
			zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			zl.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(opts); err != nil {
		_ = d.release()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(opts); err != nil {
		_ = d.release()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initializeCoreModules opens storage and builds the tool pipeline
func (d *Daemon) initializeCoreModules(opts Options) error {
	cfg := d.config
	log := d.logger.Component("daemon")

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	auditPath := filepath.Join(cfg.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		log.Warn().Err(err).Str("path", auditPath).Msg("Failed to open audit log")
	}

	db, err := storage.Open(cfg.Database)
	if err != nil {
		return err
	}
	d.db = db

	if d.tasks, err = task.NewSQLiteStore(db); err != nil {
		return err
	}
	if d.threads, err = thread.NewSQLiteStore(db); err != nil {
		return err
	}
	if d.ledger, err = quota.NewLedger(db); err != nil {
		return err
	}

	d.tools = tool.NewRegistry()
	if err := d.tools.LoadDir(cfg.ToolsDir); err != nil {
		return fmt.Errorf("failed to load tools: %w", err)
	}
	log.Info().Int("count", len(d.tools.List())).Str("dir", cfg.ToolsDir).Msg("Tools loaded")

	deps, err := d.backendDeps(opts)
	if err != nil {
		return err
	}
	adapters, err := backend.Build(d.tools.List(), deps)
	if err != nil {
		return fmt.Errorf("failed to resolve backends: %w", err)
	}

	d.executor, err = toolexecutor.New(toolexecutor.Config{
		Tools:       d.tools,
		Tasks:       d.tasks,
		Ledger:      d.ledger,
		Adapters:    adapters,
		PollTimeout: cfg.Executor.PollTimeout(),
		Logger:      d.logger.Zerolog(),
	})
	if err != nil {
		return err
	}

	if wh := d.config.Webhook; wh.Enabled {
		d.webhooks, err = webhook.NewServer(webhook.ServerOptions{
			Addr:               wh.Addr,
			Path:               wh.Path,
			Secret:             wh.Secret,
			RateLimitPerMinute: wh.RateLimitPerMinute,
		}, d.executor, d.logger.Zerolog())
		if err != nil {
			return fmt.Errorf("failed to create webhook receiver: %w", err)
		}
	}

	d.queue = commandqueue.New()
	return nil
}

// backendDeps builds one client per configured backend
func (d *Daemon) backendDeps(opts Options) (backend.Deps, error) {
	cfg := d.config.Backends
	log := d.logger.Zerolog()

	deps := backend.Deps{
		Local:        opts.Local,
		ComfyUI:      make(map[string]*backend.ComfyUIClient, len(cfg.ComfyUI)),
		Tasks:        d.tasks,
		Materializer: opts.Materializer,
		PollInterval: time.Duration(cfg.PollIntervalMs) * time.Millisecond,
		Logger:       log,
	}

	for name, baseURL := range cfg.ComfyUI {
		client, err := backend.NewComfyUIClient(backend.ComfyUIConfig{BaseURL: baseURL, Logger: log})
		if err != nil {
			return deps, fmt.Errorf("comfyui workspace %s: %w", name, err)
		}
		deps.ComfyUI[name] = client
	}

	if cfg.Replicate.APIToken != "" {
		deps.Replicate = &backend.ReplicateClient{
			BaseURL:    cfg.Replicate.BaseURL,
			Token:      cfg.Replicate.APIToken,
			WebhookURL: cfg.Replicate.WebhookURL,
		}
	}

	if cfg.Modal.BaseURL != "" {
		deps.Functions = &backend.HTTPFunctionClient{
			BaseURL:      cfg.Modal.BaseURL,
			Token:        cfg.Modal.Token,
			PollInterval: deps.PollInterval,
		}
	}

	if cfg.Vertex.Project != "" {
		var clientOpts []option.ClientOption
		if cfg.Vertex.CredentialsFile != "" {
			clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Vertex.CredentialsFile))
		}
		jobs, err := backend.NewVertexJobs(d.ctx, backend.VertexJobsConfig{
			Project: cfg.Vertex.Project,
			Region:  cfg.Vertex.Region,
			Image:   cfg.Vertex.Image,
		}, clientOpts...)
		if err != nil {
			return deps, err
		}
		deps.Jobs = jobs
	}

	return deps, nil
}

// initializeServices builds the sweeper, the agent runner and the metrics server
func (d *Daemon) initializeServices(opts Options) error {
	cfg := d.config
	log := d.logger.Zerolog()
	dlog := d.logger.Component("daemon")

	var err error
	if cfg.Executor.SweepSchedule != "" {
		d.sweeper, err = toolexecutor.NewSweeper(d.executor, toolexecutor.SweeperConfig{
			Schedule:    cfg.Executor.SweepSchedule,
			StaleAfter:  cfg.Executor.StaleAfter(),
			Concurrency: cfg.Executor.SweepConcurrency,
		})
		if err != nil {
			return err
		}
	}

	if len(cfg.AI.Profiles) > 0 {
		defs, err := d.agentDefinitions()
		if err != nil {
			return err
		}
		var limiter ratelimit.Limiter = ratelimit.Noop{}
		if cfg.RateLimit.PerMinute > 0 || cfg.RateLimit.MaxConcurrent > 0 {
			limiter = ratelimit.NewSlidingWindow(cfg.RateLimit.PerMinute, cfg.RateLimit.MaxConcurrent)
		}

		d.runner, err = agent.NewRunner(agent.Config{
			Threads:         d.threads,
			Tools:           d.tools,
			Executor:        d.executor,
			Queue:           d.queue,
			Agents:          defs,
			AuthProfiles:    convertAuthProfiles(cfg.AI.Profiles),
			ProviderFactory: opts.ProviderFactory,
			Limiter:         limiter,
			Retry: agent.RetryPolicy{
				MaxAttempts:   cfg.Retry.MaxAttempts,
				RateLimitBase: time.Duration(cfg.Retry.RateLimitBaseMs) * time.Millisecond,
				TransientBase: time.Duration(cfg.Retry.TransientBaseMs) * time.Millisecond,
				MaxDelay:      time.Duration(cfg.Retry.MaxDelayMs) * time.Millisecond,
			},
			Logger: log,
		})
		if err != nil {
			return fmt.Errorf("failed to create agent runner: %w", err)
		}
		dlog.Info().Int("agents", len(defs)).Int("profiles", len(cfg.AI.Profiles)).Msg("Agent runner initialized")
	} else {
		dlog.Warn().Msg("No AI profile configured, agent runner disabled")
	}

	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", observability.MetricsHandler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		d.metricsServer = &http.Server{
			Addr:              cfg.Metrics.Addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
	}

	return nil
}

// agentDefinitions merges agents from the config with agents_dir. Names must be unique.
func (d *Daemon) agentDefinitions() ([]*agent.Definition, error) {
	defs := make([]*agent.Definition, 0, len(d.config.Agents))
	for _, a := range d.config.Agents {
		defs = append(defs, &agent.Definition{
			Name:         a.Name,
			Description:  a.Description,
			Profile:      a.Profile,
			Model:        a.Model,
			SystemPrompt: a.SystemPrompt,
			Tools:        agent.ToolPolicy{Allow: a.Tools.Allow, Deny: a.Tools.Deny},
			Temperature:  a.Temperature,
			MaxTokens:    a.MaxTokens,
		})
	}

	fromDir, err := agent.LoadDefinitions(d.config.AgentsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load agents: %w", err)
	}
	defs = append(defs, fromDir...)

	if len(defs) == 0 {
		return nil, fmt.Errorf("no agents configured")
	}
	return defs, nil
}

func convertAuthProfiles(profiles []config.AIProfile) []agent.AuthProfile {
	out := make([]agent.AuthProfile, 0, len(profiles))
	for _, p := range profiles {
		out = append(out, agent.AuthProfile{
			ID:       p.ID,
			Provider: strings.ToLower(p.Provider),
			APIKey:   p.APIKey,
			Model:    p.Model,
			Priority: p.Priority,
		})
	}
	return out
}

// Start runs the background services: pid file, sweeper and metrics server
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	log := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Starting Eden daemon")

	if err := d.lifecycle.Start(); err != nil {
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.sweeper != nil {
		// settle anything a previous process left behind before taking new work
		if n, err := d.sweeper.Sweep(d.ctx); err != nil {
			log.Warn().Err(err).Msg("Startup sweep failed")
		} else if n > 0 {
			log.Info().Int("settled", n).Msg("Startup sweep settled stale tasks")
		}
		if err := d.sweeper.Start(d.ctx); err != nil {
			return fmt.Errorf("failed to start sweeper: %w", err)
		}
		log.Info().Str("schedule", d.config.Executor.SweepSchedule).Msg("Sweeper started")
	}

	if d.metricsServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		log.Info().Str("addr", d.metricsServer.Addr).Msg("Metrics server started")
	}

	if d.webhooks != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.webhooks.Start(); err != nil {
				log.Error().Err(err).Msg("Webhook receiver failed")
			}
		}()
	}

	log.Info().Msg("Daemon started successfully")
	return nil
}

// Stop stops the daemon service gracefully
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	log := d.logger.Component("daemon").With().Str("trace_id", tracing.NewTraceID()).Logger()
	log.Info().Msg("Stopping Eden daemon")

	if d.webhooks != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.webhooks.Stop(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop webhook receiver")
		}
		cancel()
	}

	if d.metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := d.metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Failed to stop metrics server")
		}
		cancel()
	}

	if d.sweeper != nil {
		d.sweeper.Stop()
		log.Info().Msg("Sweeper stopped")
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		log.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		log.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.Close(); err != nil {
		log.Error().Err(err).Msg("Failed to release resources")
	}

	log.Info().Msg("Daemon stopped successfully")
	return nil
}

// Close releases the database, provider clients, tracing and the audit log.
// Stop calls it; one-shot commands that never Start call it directly.
func (d *Daemon) Close() error {
	d.cancel()
	return d.release()
}

func (d *Daemon) release() error {
	var errs []error
	if d.runner != nil {
		errs = append(errs, d.runner.Close())
		d.runner = nil
	}
	if d.db != nil {
		errs = append(errs, d.db.Close())
		d.db = nil
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, tracing.ShutdownOpenTelemetry(shutdownCtx))
		cancel()
		d.tracingEnabled = false
	}
	errs = append(errs, observability.GetAuditLogger().Close())
	d.cancel()
	return errors.Join(errs...)
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}
	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	logger := d.logger.Component("daemon")
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Received signal")
	case <-d.ctx.Done():
		return
	}

	if err := d.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// Status is a snapshot of the daemon state
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetToolRegistry returns the loaded tool definitions
func (d *Daemon) GetToolRegistry() *tool.Registry {
	return d.tools
}

// GetToolExecutor returns the tool executor
func (d *Daemon) GetToolExecutor() *toolexecutor.Executor {
	return d.executor
}

// GetSweeper returns the stale task sweeper, nil when sweeping is disabled
func (d *Daemon) GetSweeper() *toolexecutor.Sweeper {
	return d.sweeper
}

// GetLedger returns the quota ledger
func (d *Daemon) GetLedger() *quota.Ledger {
	return d.ledger
}

// GetTaskStore returns the task store
func (d *Daemon) GetTaskStore() task.Store {
	return d.tasks
}

// GetThreadStore returns the thread store
func (d *Daemon) GetThreadStore() thread.Store {
	return d.threads
}

// GetAgentRunner returns the agent runner, nil without AI profiles
func (d *Daemon) GetAgentRunner() *agent.Runner {
	return d.runner
}

// GetQueue returns the per-thread command queue
func (d *Daemon) GetQueue() *commandqueue.Queue {
	return d.queue
}

// GetWebhookServer returns the webhook receiver, nil when disabled
func (d *Daemon) GetWebhookServer() *webhook.Server {
	return d.webhooks
}
