package config

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Config represents the main Eden configuration
type Config struct {
	// Data directory; relative paths below resolve against it
	DataDir   string `json:"data_dir" mapstructure:"data_dir"`
	Database  string `json:"database" mapstructure:"database"`
	ToolsDir  string `json:"tools_dir" mapstructure:"tools_dir"`
	AgentsDir string `json:"agents_dir" mapstructure:"agents_dir"`

	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	AI        AIConfig        `json:"ai" mapstructure:"ai"`
	Agents    []AgentConfig   `json:"agents" mapstructure:"agents"`
	Backends  BackendsConfig  `json:"backends" mapstructure:"backends"`
	Executor  ExecutorConfig  `json:"executor" mapstructure:"executor"`
	Retry     RetryConfig     `json:"retry" mapstructure:"retry"`
	RateLimit RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
	Metrics   MetricsConfig   `json:"metrics" mapstructure:"metrics"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Webhook   WebhookConfig   `json:"webhook" mapstructure:"webhook"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	Model    string `json:"model,omitempty" mapstructure:"model"`
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig declares an agent inline; agents_dir may add more
type AgentConfig struct {
	Name         string           `json:"name" mapstructure:"name"`
	Description  string           `json:"description" mapstructure:"description"`
	Profile      string           `json:"profile" mapstructure:"profile"`
	Model        string           `json:"model" mapstructure:"model"`
	SystemPrompt string           `json:"system_prompt" mapstructure:"system_prompt"`
	Tools        ToolPolicyConfig `json:"tools" mapstructure:"tools"`
	Temperature  float64          `json:"temperature" mapstructure:"temperature"`
	MaxTokens    int              `json:"max_tokens" mapstructure:"max_tokens"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" mapstructure:"deny"`
}

// BackendsConfig holds the compute backends tools dispatch to
type BackendsConfig struct {
	// ComfyUI maps workspace names to server base URLs
	ComfyUI   map[string]string `json:"comfyui" mapstructure:"comfyui"`
	Replicate ReplicateConfig   `json:"replicate" mapstructure:"replicate"`
	Modal     ModalConfig       `json:"modal" mapstructure:"modal"`
	Vertex    VertexConfig      `json:"vertex" mapstructure:"vertex"`
	// PollIntervalMs is how often polling backends check job status
	PollIntervalMs int `json:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

type ReplicateConfig struct {
	APIToken   string `json:"api_token" mapstructure:"api_token"`
	BaseURL    string `json:"base_url" mapstructure:"base_url"`
	WebhookURL string `json:"webhook_url" mapstructure:"webhook_url"`
}

type ModalConfig struct {
	BaseURL string `json:"base_url" mapstructure:"base_url"`
	Token   string `json:"token" mapstructure:"token"`
}

type VertexConfig struct {
	Project         string `json:"project" mapstructure:"project"`
	Region          string `json:"region" mapstructure:"region"`
	Image           string `json:"image" mapstructure:"image"`
	CredentialsFile string `json:"credentials_file" mapstructure:"credentials_file"`
}

// ExecutorConfig bounds task polling and the stale task sweeper
type ExecutorConfig struct {
	PollTimeoutSec   int    `json:"poll_timeout_sec" mapstructure:"poll_timeout_sec"`
	SweepSchedule    string `json:"sweep_schedule" mapstructure:"sweep_schedule"`
	StaleAfterSec    int    `json:"stale_after_sec" mapstructure:"stale_after_sec"`
	SweepConcurrency int    `json:"sweep_concurrency" mapstructure:"sweep_concurrency"`
}

// RetryConfig bounds LLM provider retries
type RetryConfig struct {
	MaxAttempts     int `json:"max_attempts" mapstructure:"max_attempts"`
	RateLimitBaseMs int `json:"rate_limit_base_ms" mapstructure:"rate_limit_base_ms"`
	TransientBaseMs int `json:"transient_base_ms" mapstructure:"transient_base_ms"`
	MaxDelayMs      int `json:"max_delay_ms" mapstructure:"max_delay_ms"`
}

// RateLimitConfig limits turns per user. Zero disables a check.
type RateLimitConfig struct {
	PerMinute     int `json:"per_minute" mapstructure:"per_minute"`
	MaxConcurrent int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Addr    string `json:"addr" mapstructure:"addr"`
}

type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
	// Endpoint is an OTLP/HTTP collector host:port
	Endpoint string `json:"endpoint" mapstructure:"endpoint"`
	Insecure bool   `json:"insecure" mapstructure:"insecure"`
}

// WebhookConfig runs the receiver for prediction webhooks. Point
// backends.replicate.webhook_url at Addr+Path as seen from the internet.
type WebhookConfig struct {
	Enabled            bool   `json:"enabled" mapstructure:"enabled"`
	Addr               string `json:"addr" mapstructure:"addr"`
	Path               string `json:"path" mapstructure:"path"`
	Secret             string `json:"secret" mapstructure:"secret"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// PollTimeout returns the executor poll ceiling as a duration
func (c ExecutorConfig) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutSec) * time.Second
}

// StaleAfter returns the sweeper grace period as a duration
func (c ExecutorConfig) StaleAfter() time.Duration {
	return time.Duration(c.StaleAfterSec) * time.Second
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Agents: []AgentConfig{},
		Backends: BackendsConfig{
			ComfyUI:        map[string]string{},
			PollIntervalMs: 2000,
		},
		Executor: ExecutorConfig{
			PollTimeoutSec:   3600,
			SweepSchedule:    "*/5 * * * *",
			StaleAfterSec:    7200,
			SweepConcurrency: 4,
		},
		Retry: RetryConfig{
			MaxAttempts:     3,
			RateLimitBaseMs: 5000,
			TransientBaseMs: 1000,
			MaxDelayMs:      30000,
		},
		RateLimit: RateLimitConfig{
			PerMinute:     20,
			MaxConcurrent: 2,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
		Tracing: TracingConfig{
			ServiceName: "eden",
			SampleRatio: 1,
		},
		Webhook: WebhookConfig{
			Addr:               "127.0.0.1:9465",
			Path:               "/webhooks/replicate",
			RateLimitPerMinute: 600,
		},
	}
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "***"
		}
		masked.AI.Profiles[i] = p
	}
	if masked.Backends.Replicate.APIToken != "" {
		masked.Backends.Replicate.APIToken = "***"
	}
	if masked.Backends.Modal.Token != "" {
		masked.Backends.Modal.Token = "***"
	}
	if masked.Webhook.Secret != "" {
		masked.Webhook.Secret = "***"
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

var validProviders = []string{"anthropic", "openai", "gemini"}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Database == "" {
		return fmt.Errorf("database path is required")
	}

	seen := map[string]bool{}
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if seen[profile.ID] {
			return fmt.Errorf("AI profile %s: duplicate ID", profile.ID)
		}
		seen[profile.ID] = true
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !slices.Contains(validProviders, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if agent.Profile != "" && !seen[agent.Profile] {
			return fmt.Errorf("agent %s: unknown profile %s", agent.Name, agent.Profile)
		}
	}

	if c.Executor.PollTimeoutSec <= 0 {
		return fmt.Errorf("executor.poll_timeout_sec must be positive")
	}
	if c.Executor.StaleAfterSec < 0 {
		return fmt.Errorf("executor.stale_after_sec must be >= 0")
	}
	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("retry.max_attempts must be >= 0")
	}
	if c.RateLimit.PerMinute < 0 || c.RateLimit.MaxConcurrent < 0 {
		return fmt.Errorf("rate_limit values must be >= 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}
	if c.Webhook.Enabled && !strings.HasPrefix(c.Webhook.Path, "/") {
		return fmt.Errorf("webhook.path must start with /")
	}

	return nil
}

// RequireAI reports an error when no provider profile is configured.
// Only commands that talk to a model need one.
func (c *Config) RequireAI() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: at least one AI profile is required")
	}
	return nil
}
