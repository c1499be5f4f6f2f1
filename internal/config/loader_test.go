package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "procd.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name  string
		body  string // empty means no file
		env   map[string]string
		check func(t *testing.T, dir string, cfg *Config)
	}{
		{
			name: "defaults without a file",
			check: func(t *testing.T, dir string, cfg *Config) {
				want := DefaultConfig()
				assert.Equal(t, want.Server, cfg.Server)
				assert.Equal(t, want.Engine, cfg.Engine)
				assert.Equal(t, want.Retention, cfg.Retention)
				assert.NotEmpty(t, cfg.DataDir)
			},
		},
		{
			name: "file values merge over defaults",
			body: `{
				"server": {"port": 9090, "shared_secret": "s3cret"},
				"store": {"driver": "memory"},
				"engine": {"busy_policy": "queue"},
				"hooks": {"enabled": true, "entries": [
					{"id": "audit", "event": "process:create", "script": "echo hi", "timeout_ms": 500, "enabled": true}
				]},
				"data_dir": "DIR"
			}`,
			check: func(t *testing.T, dir string, cfg *Config) {
				assert.Equal(t, ServerConfig{Port: 9090, Host: "0.0.0.0", SharedSecret: "s3cret"}, cfg.Server)
				assert.Equal(t, "memory", cfg.Store.Driver)
				assert.Equal(t, EngineConfig{BusyPolicy: "queue", StreamBuffer: 64, Examples: true}, cfg.Engine)
				assert.Equal(t, []HookEntryConfig{
					{ID: "audit", Event: "process:create", Script: "echo hi", TimeoutMs: 500, Enabled: true},
				}, cfg.Hooks.Entries)
				assert.Equal(t, dir, cfg.DataDir)
			},
		},
		{
			name: "paths default under data dir",
			body: `{"data_dir": "DIR", "store": {"path": "/var/lib/procd.db"}}`,
			check: func(t *testing.T, dir string, cfg *Config) {
				assert.Equal(t, filepath.Join(dir, "procd.log"), cfg.Logging.File)
				assert.Equal(t, filepath.Join(dir, "audit.log"), cfg.Logging.AuditFile)
				assert.Equal(t, "/var/lib/procd.db", cfg.Store.Path)
				assert.Equal(t, filepath.Join(dir, "agents"), cfg.Manifests.Dir)
			},
		},
		{
			name: "environment beats file",
			body: `{"server": {"port": 9090}, "data_dir": "DIR"}`,
			env: map[string]string{
				"PROCD_SERVER_PORT":          "7070",
				"PROCD_ENGINE_BUSY_POLICY":   "queue",
				"PROCD_TRACING_SAMPLE_RATIO": "0.25",
			},
			check: func(t *testing.T, dir string, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, "queue", cfg.Engine.BusyPolicy)
				assert.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			path := filepath.Join(dir, "missing.json")
			if tt.body != "" {
				path = writeConfig(t, dir, strings.ReplaceAll(tt.body, "DIR", dir))
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := NewLoader(path).Load()
			require.NoError(t, err)
			tt.check(t, dir, cfg)
		})
	}
}

func TestLoadRejectsBadJSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "{not json")
	_, err := NewLoader(path).Load()
	assert.ErrorContains(t, err, "failed to read config file")
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "procd.json")

	cfg := DefaultConfig()
	cfg.Server.Port = 9191
	cfg.Engine.BusyPolicy = "queue"
	cfg.Retention.TTL = "1h"
	cfg.DataDir = dir
	require.NoError(t, NewLoader(path).Save(cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	loaded, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9191, loaded.Server.Port)
	assert.Equal(t, "queue", loaded.Engine.BusyPolicy)
	assert.Equal(t, "1h", loaded.Retention.TTL)
	assert.Equal(t, dir, loaded.DataDir)
}

func TestGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/procd/procd.json", NewLoader("/etc/procd/procd.json").GetConfigPath())

	def := NewLoader("").GetConfigPath()
	assert.Equal(t, "procd.json", filepath.Base(def))
	assert.Equal(t, ".procd", filepath.Base(filepath.Dir(def)))
}
