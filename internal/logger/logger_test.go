package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write to a file and install the global logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "eden.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		log.Debug().Str("task_id", "t1").Msg("Task dispatched")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), `"task_id":"t1"`)
		assert.Equal(t, zerolog.DebugLevel, l.Zerolog().GetLevel())
	})

	t.Run("should redact credentials", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "eden.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true, MaxSize: 1})
		require.NoError(t, err)

		backendLog := l.Component("backend")
		backendLog.Info().Str("auth", "Bearer r8_abcdefghijklmnopqrstuvwxyz").Msg("Calling replicate")
		require.NoError(t, l.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "[REDACTED]")
		assert.Contains(t, string(content), `"component":"backend"`)
		assert.NotContains(t, string(content), "r8_abcdefghij")
	})

	t.Run("should fall back to info on a bad level", func(t *testing.T) {
		l, err := New(Config{Level: "loud"})
		require.NoError(t, err)
		defer l.Close()
		assert.Equal(t, zerolog.InfoLevel, l.Zerolog().GetLevel())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
}
