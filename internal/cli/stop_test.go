package cli

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStopCommand(t *testing.T) {
	t.Run("help text", func(t *testing.T) {
		out, err := executeCommand(t, nil, "stop", "--help")
		require.NoError(t, err)
		assert.Contains(t, out, "Stop the procd daemon")
		assert.Contains(t, out, "timeout")
	})

	t.Run("not running", func(t *testing.T) {
		path, _ := writeConfig(t, nil)

		_, err := executeCommand(t, nil, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestStopDaemonStalePIDFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "procd.pid")
	require.NoError(t, os.WriteFile(pidFile, []byte(strconv.Itoa(1<<22+1)), 0644))

	_, err := stopDaemon(pidFile)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale")

	_, err = os.Stat(pidFile)
	assert.True(t, os.IsNotExist(err))
}
