package manifest

import (
	"testing"
	"time"

	"github.com/harun/procd/pkg/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		data := []byte(`
name: Greeter
implementation: HelloWorld
description: Says hello
hooks:
  - id: audit
    event: process:create
    script: echo created
    timeout_ms: 500
`)
		m, err := Parse("/agents/greeter.yaml", data)
		require.NoError(t, err)
		assert.Equal(t, "Greeter", m.Name)
		assert.Equal(t, "HelloWorld", m.Implementation)
		assert.Equal(t, "Says hello", m.Description)
		assert.Equal(t, "/agents/greeter.yaml", m.Path)
		require.Len(t, m.Hooks, 1)
		assert.Equal(t, 500, m.Hooks[0].TimeoutMs)
	})

	t.Run("json", func(t *testing.T) {
		m, err := Parse("greeter.json", []byte(`{"name":"Greeter","implementation":"HelloWorld"}`))
		require.NoError(t, err)
		assert.Equal(t, "Greeter", m.Name)
		assert.Empty(t, m.Hooks)
	})

	t.Run("unsupported extension", func(t *testing.T) {
		_, err := Parse("greeter.toml", []byte(`name = "x"`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unsupported manifest format")
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := Parse("bad.yaml", []byte("name: [unterminated"))
		assert.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Manifest
		wantErr string
	}{
		{name: "valid", m: Manifest{Name: "A", Implementation: "B"}},
		{name: "missing name", m: Manifest{Implementation: "B"}, wantErr: "name is required"},
		{name: "missing implementation", m: Manifest{Name: "A"}, wantErr: "implementation is required"},
		{name: "self derivation", m: Manifest{Name: "A", Implementation: "A"}, wantErr: "cannot derive from itself"},
		{
			name:    "unknown hook event",
			m:       Manifest{Name: "A", Implementation: "B", Hooks: []HookSpec{{Event: "process:update", Script: "true"}}},
			wantErr: "unknown event",
		},
		{name: "versioned", m: Manifest{Name: "A", Implementation: "B", Version: "1.2.0", Requires: ">= 0.1, < 1"}},
		{name: "bad version", m: Manifest{Name: "A", Implementation: "B", Version: "one"}, wantErr: "invalid version one"},
		{name: "bad constraint", m: Manifest{Name: "A", Implementation: "B", Requires: ">= one"}, wantErr: "invalid version constraint"},
		{
			name:    "hook without script",
			m:       Manifest{Name: "A", Implementation: "B", Hooks: []HookSpec{{Event: hooks.EventProcessCreate}}},
			wantErr: "script is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestCheckRuntime(t *testing.T) {
	assert.NoError(t, Manifest{}.CheckRuntime("0.1.0"))
	assert.NoError(t, Manifest{Requires: ">= 0.1"}.CheckRuntime("0.1.0"))

	err := Manifest{Requires: ">= 2.0"}.CheckRuntime("0.1.0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not satisfy >= 2.0")

	assert.Error(t, Manifest{Requires: ">= 0.1"}.CheckRuntime("dev"))
}

func TestScriptHooks(t *testing.T) {
	m := Manifest{
		Name:           "Greeter",
		Implementation: "HelloWorld",
		Path:           "/agents/greeter.yaml",
		Hooks: []HookSpec{
			{ID: "audit", Event: hooks.EventProcessCreate, Script: "true", TimeoutMs: 250},
			{Event: hooks.EventProcessDelete, Script: "true", Disabled: true},
		},
	}

	out := m.ScriptHooks()
	require.Len(t, out, 2)

	assert.Equal(t, "audit", out[0].ID)
	assert.Equal(t, "Greeter", out[0].AgentType)
	assert.Equal(t, 250*time.Millisecond, out[0].Timeout)
	assert.Equal(t, "/agents/greeter.yaml", out[0].Source)
	assert.True(t, out[0].Enabled)

	assert.Equal(t, "Greeter-1", out[1].ID)
	assert.False(t, out[1].Enabled)
}
