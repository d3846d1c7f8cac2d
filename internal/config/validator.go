package config

import (
	"fmt"
	"net/url"
	"slices"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator checks individual configuration values. Config.Validate
// rejects configs that cannot start; Validator collects softer problems
// for `eden configure` and `eden config check`.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateTemperature validates temperature value
func (v *Validator) ValidateTemperature(temp float64) error {
	if temp < 0 || temp > 2 {
		return fmt.Errorf("temperature must be between 0 and 2, got %f", temp)
	}
	return nil
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if slices.Contains(validLevels, level) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateURL requires an absolute http(s) URL
func (v *Validator) ValidateURL(name, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: URL must use http or https, got %q", name, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: URL has no host", name)
	}
	return nil
}

// ValidateSchedule validates a standard five-field cron expression
func (v *Validator) ValidateSchedule(spec string) error {
	if spec == "" {
		return nil // sweeper disabled
	}
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for i, profile := range cfg.AI.Profiles {
		if err := v.ValidateAPIKey(profile.APIKey, profile.Provider); err != nil {
			errors = append(errors, fmt.Errorf("AI profile %d (%s): %w", i, profile.ID, err))
		}
	}

	for i, agent := range cfg.Agents {
		if agent.Temperature != 0 {
			if err := v.ValidateTemperature(agent.Temperature); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
		if agent.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.Name, err))
			}
		}
	}

	for name, base := range cfg.Backends.ComfyUI {
		if err := v.ValidateURL("comfyui."+name, base); err != nil {
			errors = append(errors, err)
		}
	}
	if base := cfg.Backends.Replicate.BaseURL; base != "" {
		if err := v.ValidateURL("replicate.base_url", base); err != nil {
			errors = append(errors, err)
		}
	}
	if hook := cfg.Backends.Replicate.WebhookURL; hook != "" {
		if err := v.ValidateURL("replicate.webhook_url", hook); err != nil {
			errors = append(errors, err)
		}
		if !cfg.Webhook.Enabled {
			errors = append(errors, fmt.Errorf("replicate.webhook_url is set but the webhook receiver is disabled"))
		}
	}
	if cfg.Webhook.Secret != "" && !strings.HasPrefix(cfg.Webhook.Secret, "whsec_") {
		errors = append(errors, fmt.Errorf("webhook.secret must start with whsec_"))
	}
	if base := cfg.Backends.Modal.BaseURL; base != "" {
		if err := v.ValidateURL("modal.base_url", base); err != nil {
			errors = append(errors, err)
		}
	}
	if vx := cfg.Backends.Vertex; vx.Project != "" && (vx.Region == "" || vx.Image == "") {
		errors = append(errors, fmt.Errorf("vertex: region and image are required when project is set"))
	}
	if cfg.Backends.PollIntervalMs < 0 {
		errors = append(errors, fmt.Errorf("backends.poll_interval_ms must be >= 0"))
	}

	if err := v.ValidateSchedule(cfg.Executor.SweepSchedule); err != nil {
		errors = append(errors, err)
	}
	if cfg.Executor.SweepConcurrency < 0 {
		errors = append(errors, fmt.Errorf("executor.sweep_concurrency must be >= 0"))
	}

	if cfg.Retry.RateLimitBaseMs < 0 || cfg.Retry.TransientBaseMs < 0 || cfg.Retry.MaxDelayMs < 0 {
		errors = append(errors, fmt.Errorf("retry delays must be >= 0"))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
