package hooks

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/harun/procd/pkg/agent"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunnerOnCreateRunsDefinitionHookBeforeScripts(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "order.txt")
	var calls []string

	reg := agent.NewRegistry()
	require.NoError(t, reg.Define("HelloWorld", agent.WithCreateHook(func(ctx context.Context, processID string) error {
		_, err := os.Stat(outputPath)
		calls = append(calls, processID)
		assert.True(t, os.IsNotExist(err), "script must not run before the definition hook")
		return nil
	})))

	scripts, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks: []Hook{
			{Event: EventProcessCreate, Script: "echo $PROCD_HOOK_DATA_AGENT_TYPE > " + outputPath, Enabled: true},
		},
	})
	require.NoError(t, err)

	runner := NewRunner(reg, scripts, zerolog.Nop())
	require.NoError(t, runner.OnCreate(context.Background(), "HelloWorld", "p1"))

	assert.Equal(t, []string{"p1"}, calls)
	content, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "HelloWorld\n", string(content))
}

func TestRunnerOnCreateStopsAtFirstFailure(t *testing.T) {
	outputPath := filepath.Join(t.TempDir(), "never.txt")

	reg := agent.NewRegistry()
	require.NoError(t, reg.Define("HelloWorld", agent.WithCreateHook(func(ctx context.Context, processID string) error {
		return errors.New("no more processes")
	})))
	scripts, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{Event: EventProcessCreate, Script: "touch " + outputPath, Enabled: true}},
	})
	require.NoError(t, err)

	runner := NewRunner(reg, scripts, zerolog.Nop())
	err = runner.OnCreate(context.Background(), "HelloWorld", "p1")
	assert.EqualError(t, err, "no more processes")
	assert.NoFileExists(t, outputPath)
}

func TestRunnerOnDeleteJoinsFailures(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Define("HelloWorld", agent.WithDeleteHook(func(ctx context.Context, processID string) error {
		return errors.New("definition hook failed")
	})))
	scripts, err := NewManager(Config{
		Enabled: true,
		Logger:  zerolog.Nop(),
		Hooks:   []Hook{{ID: "cleanup", Event: EventProcessDelete, Script: "exit 4", Enabled: true}},
	})
	require.NoError(t, err)

	runner := NewRunner(reg, scripts, zerolog.Nop())
	err = runner.OnDelete(context.Background(), "HelloWorld", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "definition hook failed")
	assert.Contains(t, err.Error(), "hook cleanup failed")
}

func TestRunnerRecoversHookPanics(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, reg.Define("HelloWorld", agent.WithDeleteHook(func(ctx context.Context, processID string) error {
		panic("boom")
	})))

	runner := NewRunner(reg, nil, zerolog.Nop())
	err := runner.OnDelete(context.Background(), "HelloWorld", "p1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRunnerToleratesUnknownAgentTypes(t *testing.T) {
	runner := NewRunner(agent.NewRegistry(), nil, zerolog.Nop())
	assert.NoError(t, runner.OnDelete(context.Background(), "Gone", "p1"))
	assert.NoError(t, runner.OnCreate(context.Background(), "Gone", "p1"))
}
