package manifest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/agents/examples"
	"github.com/harun/procd/pkg/hooks"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLoader(t *testing.T) (*Loader, *agent.Registry, *hooks.Manager) {
	t.Helper()

	reg := agent.NewRegistry()
	require.NoError(t, examples.Register(reg, examples.NewProcessSet()))

	scripts, err := hooks.NewManager(hooks.Config{Enabled: true, Logger: zerolog.Nop()})
	require.NoError(t, err)

	return NewLoader(reg, scripts, zerolog.Nop()), reg, scripts
}

func writeManifest(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(content)+"\n"), 0644))
	return path
}

func TestLoader_LoadDir(t *testing.T) {
	loader, reg, scripts := newTestLoader(t)
	dir := t.TempDir()

	writeManifest(t, dir, "greeter.yaml", `
name: Greeter
implementation: HelloWorld
description: A friendlier HelloWorld
hooks:
  - event: process:create
    script: "true"
`)
	writeManifest(t, dir, "machine.json", `{"name":"Machine3","implementation":"StateMachine"}`)
	writeManifest(t, dir, "notes.txt", "ignored")
	writeManifest(t, dir, "broken.yaml", `name: Broken`)

	count, err := loader.LoadDir(dir)
	assert.Equal(t, 2, count)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implementation is required")

	assert.True(t, reg.Has("Greeter"))
	assert.True(t, reg.Has("Machine3"))
	assert.False(t, reg.Has("Broken"))
	assert.Equal(t, []string{"Greeter", "Machine3"}, loader.Loaded())
	assert.Equal(t, 1, scripts.Count(hooks.EventProcessCreate))

	desc, err := reg.Describe("Greeter")
	require.NoError(t, err)
	assert.Equal(t, "A friendlier HelloWorld", desc.Description)
	assert.ElementsMatch(t, []string{"idle", "idle_streaming", "lots_o_context"}, desc.Programs)
}

func TestLoader_LoadDirMissing(t *testing.T) {
	loader, _, _ := newTestLoader(t)

	count, err := loader.LoadDir(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestLoader_ReloadReplaces(t *testing.T) {
	loader, reg, scripts := newTestLoader(t)
	dir := t.TempDir()

	path := writeManifest(t, dir, "greeter.yaml", `
name: Greeter
implementation: HelloWorld
hooks:
  - event: process:create
    script: "true"
  - event: process:delete
    script: "true"
`)
	require.NoError(t, loader.LoadFile(path))
	assert.Equal(t, 1, scripts.Count(hooks.EventProcessCreate))
	assert.Equal(t, 1, scripts.Count(hooks.EventProcessDelete))

	writeManifest(t, dir, "greeter.yaml", `
name: Greeter2
implementation: StateMachine
`)
	require.NoError(t, loader.LoadFile(path))

	assert.False(t, reg.Has("Greeter"))
	assert.True(t, reg.Has("Greeter2"))
	assert.Zero(t, scripts.Count(hooks.EventProcessCreate))
	assert.Zero(t, scripts.Count(hooks.EventProcessDelete))

	assert.True(t, loader.Unload(path))
	assert.False(t, reg.Has("Greeter2"))
	assert.False(t, loader.Unload(path))
}

func TestLoader_UnknownImplementation(t *testing.T) {
	loader, reg, _ := newTestLoader(t)
	path := writeManifest(t, t.TempDir(), "ghost.yaml", `
name: Ghost
implementation: Nobody
`)

	err := loader.LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrNotFound)
	assert.False(t, reg.Has("Ghost"))
	assert.Empty(t, loader.Loaded())
}

func TestLoader_BuiltinCollision(t *testing.T) {
	loader, _, _ := newTestLoader(t)
	path := writeManifest(t, t.TempDir(), "dup.yaml", `
name: StateMachine2
implementation: StateMachine
`)

	err := loader.LoadFile(path)
	require.Error(t, err)
	assert.ErrorIs(t, err, agent.ErrAgentExists)
}

func TestLoader_RuntimeVersion(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, examples.Register(reg, examples.NewProcessSet()))
	loader := NewLoader(reg, nil, zerolog.Nop(), WithRuntimeVersion("0.1.0"))
	dir := t.TempDir()

	ok := writeManifest(t, dir, "current.yaml", `
name: Current
implementation: HelloWorld
version: 1.0.0
requires: ">= 0.1"
`)
	future := writeManifest(t, dir, "future.yaml", `
name: Future
implementation: HelloWorld
requires: ">= 2.0"
`)

	require.NoError(t, loader.LoadFile(ok))
	assert.True(t, reg.Has("Current"))

	err := loader.LoadFile(future)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy")
	assert.False(t, reg.Has("Future"))
}

func TestLoader_HooksWithoutManager(t *testing.T) {
	reg := agent.NewRegistry()
	require.NoError(t, examples.Register(reg, examples.NewProcessSet()))
	loader := NewLoader(reg, nil, zerolog.Nop())

	path := writeManifest(t, t.TempDir(), "greeter.yaml", `
name: Greeter
implementation: HelloWorld
hooks:
  - event: process:create
    script: "true"
`)
	err := loader.LoadFile(path)
	require.Error(t, err)
	assert.False(t, reg.Has("Greeter"))
}

func TestLoader_ScriptHooksRunForDerivedType(t *testing.T) {
	loader, reg, scripts := newTestLoader(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "created.txt")

	path := writeManifest(t, dir, "greeter.yaml", `
name: Greeter
implementation: HelloWorld
hooks:
  - event: process:create
    script: 'echo "$PROCD_HOOK_DATA_AGENT_TYPE $PROCD_HOOK_DATA_PROCESS_ID" >> `+out+`'
`)
	require.NoError(t, loader.LoadFile(path))

	runner := hooks.NewRunner(reg, scripts, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, runner.OnCreate(ctx, "Greeter", "g1"))
	require.NoError(t, runner.OnCreate(ctx, examples.HelloWorldType, "h1"))

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Greeter g1\n", string(content))
}
