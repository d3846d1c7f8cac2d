package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, p := range providerKeyEnv {
		t.Setenv(p.env, "")
	}
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/config.json")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/config.json", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("should load defaults when the file doesn't exist", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("EDEN_DATA_DIR", tmpDir)

		cfg, err := NewLoader(filepath.Join(tmpDir, "nonexistent.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, filepath.Join(tmpDir, "eden.db"), cfg.Database)
		assert.Equal(t, filepath.Join(tmpDir, "tools"), cfg.ToolsDir)
		assert.Equal(t, filepath.Join(tmpDir, "agents"), cfg.AgentsDir)
		assert.Empty(t, cfg.AI.Profiles)
	})

	t.Run("should load config from file", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")

		testConfig := `{
			"data_dir": "` + tmpDir + `",
			"database": "jobs.db",
			"ai": {"profiles": [{"id": "main", "provider": "openai", "api_key": "sk-test", "priority": 2}]},
			"agents": [{"name": "eve", "tools": {"allow": ["txt2img"]}}],
			"backends": {"comfyui": {"sdxl": "http://gpu:8188"}},
			"executor": {"poll_timeout_sec": 60}
		}`
		require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

		cfg, err := NewLoader(configPath).Load()

		require.NoError(t, err)
		assert.Equal(t, filepath.Join(tmpDir, "jobs.db"), cfg.Database)
		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "main", cfg.AI.Profiles[0].ID)
		require.Len(t, cfg.Agents, 1)
		assert.Equal(t, []string{"txt2img"}, cfg.Agents[0].Tools.Allow)
		assert.Equal(t, "http://gpu:8188", cfg.Backends.ComfyUI["sdxl"])
		assert.Equal(t, 60, cfg.Executor.PollTimeoutSec)
		// untouched keys keep their defaults
		assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	})

	t.Run("should apply environment overrides", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("EDEN_DATA_DIR", tmpDir)
		t.Setenv("EDEN_LOGGING_LEVEL", "debug")
		t.Setenv("EDEN_EXECUTOR_POLL_TIMEOUT_SEC", "90")

		cfg, err := NewLoader(filepath.Join(tmpDir, "none.json")).Load()

		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 90, cfg.Executor.PollTimeoutSec)
	})

	t.Run("should build profiles from provider keys", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("EDEN_DATA_DIR", tmpDir)
		t.Setenv("OPENAI_API_KEY", "sk-openai")
		t.Setenv("GEMINI_API_KEY", "AIzaTest")

		cfg, err := NewLoader(filepath.Join(tmpDir, "none.json")).Load()

		require.NoError(t, err)
		require.Len(t, cfg.AI.Profiles, 2)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "gemini", cfg.AI.Profiles[1].Provider)
		assert.Less(t, cfg.AI.Profiles[0].Priority, cfg.AI.Profiles[1].Priority)
	})

	t.Run("should fail on invalid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "config.json")
		require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

		_, err := NewLoader(configPath).Load()
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("should round trip through the file", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nested", "eden.json")

		cfg := validConfig()
		cfg.DataDir = tmpDir
		cfg.Database = filepath.Join(tmpDir, "eden.db")
		cfg.Backends.Replicate.APIToken = "r8_token"

		loader := NewLoader(configPath)
		require.NoError(t, loader.Save(cfg))

		loaded, err := loader.Load()
		require.NoError(t, err)
		assert.Equal(t, cfg.Database, loaded.Database)
		assert.Equal(t, "r8_token", loaded.Backends.Replicate.APIToken)
		require.Len(t, loaded.AI.Profiles, 1)
		assert.Equal(t, "sk-ant-test123", loaded.AI.Profiles[0].APIKey)
	})
}
