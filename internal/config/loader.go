package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. EDEN_LOGGING_LEVEL.
const EnvPrefix = "EDEN"

// providerKeyEnv lists the provider credentials picked up when no AI
// profile is configured.
var providerKeyEnv = []struct {
	provider string
	env      string
}{
	{"anthropic", "ANTHROPIC_API_KEY"},
	{"openai", "OPENAI_API_KEY"},
	{"gemini", "GEMINI_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads defaults, then the config file if present, then EDEN_*
// environment overrides. A .env file in the working directory is loaded
// into the environment first.
func (l *Loader) Load() (*Config, error) {
	_ = godotenv.Load()

	v, err := newViper()
	if err != nil {
		return nil, err
	}

	configPath := l.GetConfigPath()
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("json")
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := resolvePaths(cfg); err != nil {
		return nil, err
	}
	if len(cfg.AI.Profiles) == 0 {
		cfg.AI.Profiles = profilesFromEnv()
	}

	return cfg, nil
}

// newViper seeds a viper instance with DefaultConfig so that every key
// is known and can be overridden from the environment.
func newViper() (*viper.Viper, error) {
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to encode defaults: %w", err)
	}

	v := viper.New()
	v.SetConfigType("json")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v, nil
}

func resolvePaths(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, ".eden")
	}

	resolve := func(path, fallback string) string {
		if path == "" {
			path = fallback
		}
		if path == ":memory:" || filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(cfg.DataDir, path)
	}

	cfg.Database = resolve(cfg.Database, "eden.db")
	cfg.ToolsDir = resolve(cfg.ToolsDir, "tools")
	cfg.AgentsDir = resolve(cfg.AgentsDir, "agents")
	if cfg.Logging.File != "" {
		cfg.Logging.File = resolve(cfg.Logging.File, "")
	}
	return nil
}

func profilesFromEnv() []AIProfile {
	profiles := []AIProfile{}
	for i, p := range providerKeyEnv {
		key := strings.TrimSpace(os.Getenv(p.env))
		if key == "" {
			continue
		}
		profiles = append(profiles, AIProfile{
			ID:       p.provider + "-env",
			Provider: p.provider,
			APIKey:   key,
			Priority: i,
		})
	}
	return profiles
}

// Save saves the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to determine config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	v.Set("data_dir", cfg.DataDir)
	v.Set("database", cfg.Database)
	v.Set("tools_dir", cfg.ToolsDir)
	v.Set("agents_dir", cfg.AgentsDir)
	v.Set("logging", cfg.Logging)
	v.Set("ai", cfg.AI)
	v.Set("agents", cfg.Agents)
	v.Set("backends", cfg.Backends)
	v.Set("executor", cfg.Executor)
	v.Set("retry", cfg.Retry)
	v.Set("rate_limit", cfg.RateLimit)
	v.Set("metrics", cfg.Metrics)
	v.Set("tracing", cfg.Tracing)
	v.Set("webhook", cfg.Webhook)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	if env := os.Getenv(EnvPrefix + "_CONFIG"); env != "" {
		return env
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".eden", "eden.json")
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
