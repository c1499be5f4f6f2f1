package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := executeCommand(t, nil, "start", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Start the procd daemon in the background")
	})

	t.Run("refuses when already running", func(t *testing.T) {
		path, dataDir := writeConfig(t, nil)
		require.NoError(t, os.WriteFile(filepath.Join(dataDir, "procd.pid"), []byte(strconv.Itoa(os.Getpid())), 0644))

		_, err := executeCommand(t, nil, "start", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}

func TestServeCommand(t *testing.T) {
	out, err := executeCommand(t, nil, "serve", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "foreground")
}

func TestIsRunning(t *testing.T) {
	t.Run("no pid file", func(t *testing.T) {
		assert.False(t, isRunning(filepath.Join(t.TempDir(), "nonexistent.pid")))
	})

	t.Run("invalid pid file", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "invalid.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte("invalid"), 0644))
		assert.False(t, isRunning(pidFile))
	})

	t.Run("own pid", func(t *testing.T) {
		pidFile := filepath.Join(t.TempDir(), "self.pid")
		require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644))
		assert.True(t, isRunning(pidFile))
	})
}
