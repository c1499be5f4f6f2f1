package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// executeCommand runs the root command with args and returns its output.
func executeCommand(t *testing.T, stdin io.Reader, args ...string) (string, error) {
	t.Helper()

	cmd := GetRootCmd()
	output := &bytes.Buffer{}
	cmd.SetOut(output)
	cmd.SetErr(output)
	if stdin == nil {
		stdin = strings.NewReader("")
	}
	cmd.SetIn(stdin)
	cmd.SetArgs(args)
	t.Cleanup(func() {
		cmd.SetIn(nil)
		cmd.SetOut(nil)
		cmd.SetErr(nil)
		resetFlags(cmd)
	})

	err := cmd.Execute()
	return output.String(), err
}

// resetFlags puts every flag in the tree back to its default. rootCmd is
// shared, so a --help or --timeout from one run would otherwise leak into
// the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// writeConfig writes a config file rooted in a fresh data directory and
// returns its path along with the data directory.
func writeConfig(t *testing.T, overrides map[string]interface{}) (string, string) {
	t.Helper()

	dataDir := t.TempDir()
	cfg := map[string]interface{}{
		"data_dir": dataDir,
		"store":    map[string]interface{}{"driver": "memory"},
		"logging":  map[string]interface{}{"console": false},
	}
	for k, v := range overrides {
		cfg[k] = v
	}

	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(dataDir, "procd.json")
	require.NoError(t, os.WriteFile(path, data, 0644))
	return path, dataDir
}

func TestRootCommand(t *testing.T) {
	t.Run("version flag", func(t *testing.T) {
		out, err := executeCommand(t, nil, "--version")
		require.NoError(t, err)

		assert.Contains(t, out, "procd version")
		assert.Contains(t, out, GetVersion())
	})

	t.Run("help flag", func(t *testing.T) {
		out, err := executeCommand(t, nil, "--help")
		require.NoError(t, err)

		assert.Contains(t, out, "procd")
		assert.Contains(t, out, "agent processes")
		for _, sub := range []string{"serve", "start", "stop", "status", "agents", "configure"} {
			assert.Contains(t, out, sub)
		}
	})

	t.Run("global flags", func(t *testing.T) {
		cmd := GetRootCmd()

		configFlag := cmd.PersistentFlags().Lookup("config")
		require.NotNil(t, configFlag)
		assert.Equal(t, "", configFlag.DefValue)

		logLevelFlag := cmd.PersistentFlags().Lookup("log-level")
		require.NotNil(t, logLevelFlag)
		assert.Equal(t, "info", logLevelFlag.DefValue)
	})
}

func TestFlagsResetBetweenRuns(t *testing.T) {
	t.Run("first run", func(t *testing.T) {
		out, err := executeCommand(t, nil, "stop", "--help", "--timeout", "3")
		require.NoError(t, err)
		require.Contains(t, out, "Usage:")
	})

	t.Run("second run", func(t *testing.T) {
		for _, name := range []string{"help", "timeout"} {
			f := stopCmd.Flags().Lookup(name)
			require.NotNil(t, f, name)
			assert.False(t, f.Changed, name)
			assert.Equal(t, f.DefValue, f.Value.String(), name)
		}

		path, _ := writeConfig(t, nil)
		_, err := executeCommand(t, nil, "stop", "--config", path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not running")
	})
}

func TestGetVersion(t *testing.T) {
	version := GetVersion()
	assert.NotEmpty(t, version)
	assert.True(t, strings.HasPrefix(version, "0."))
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	path, _ := writeConfig(t, map[string]interface{}{
		"engine": map[string]interface{}{"busy_policy": "drop"},
	})

	_, err := executeCommand(t, nil, "status", "--config", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}
