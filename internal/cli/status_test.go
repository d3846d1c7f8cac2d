package cli

import (
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edenartlab/eden2-sub000/internal/daemon"
)

func TestStatusCommand(t *testing.T) {
	t.Run("should report stopped without a pid file", func(t *testing.T) {
		env := setupCLI(t, nil)
		out, err := env.run(t, "", "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})

	t.Run("should report the live process from the data dir pid file", func(t *testing.T) {
		env := setupCLI(t, nil)
		pidFile := daemon.PIDFilePath(env.dataDir)
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
		started := time.Now().Add(-90 * time.Second)
		require.NoError(t, os.Chtimes(pidFile, started, started))

		out, err := env.run(t, "", "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: running")
		assert.Contains(t, out, fmt.Sprintf("PID: %d", os.Getpid()))
		assert.Contains(t, out, "Uptime: 1m3")
	})

	t.Run("should treat a corrupt pid file as stopped", func(t *testing.T) {
		env := setupCLI(t, nil)
		require.NoError(t, os.WriteFile(daemon.PIDFilePath(env.dataDir), []byte("not-a-pid"), 0644))

		out, err := env.run(t, "", "status")
		require.NoError(t, err)
		assert.Contains(t, out, "Status: stopped")
	})
}

func TestStopCommand(t *testing.T) {
	env := setupCLI(t, nil)
	_, err := env.run(t, "", "stop")
	assert.Error(t, err)
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		name     string
		duration time.Duration
		expected string
	}{
		{"seconds only", 45 * time.Second, "45s"},
		{"minutes and seconds", 2*time.Minute + 30*time.Second, "2m30s"},
		{"hours minutes seconds", 3*time.Hour + 15*time.Minute + 20*time.Second, "3h15m20s"},
		{"zero", 0, "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := formatDuration(tt.duration)
			assert.Equal(t, tt.expected, result)
		})
	}
}
