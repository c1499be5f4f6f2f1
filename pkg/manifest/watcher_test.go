package manifest

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reload struct {
	path string
	err  error
}

func startWatcher(t *testing.T, loader *Loader, dir string) <-chan reload {
	t.Helper()

	reloads := make(chan reload, 16)
	w, err := NewWatcher(WatcherConfig{
		Dir:                dir,
		Loader:             loader,
		StabilityThreshold: 50 * time.Millisecond,
		Logger:             zerolog.Nop(),
		OnReload: func(path string, err error) {
			reloads <- reload{path: path, err: err}
		},
	})
	require.NoError(t, err)
	require.NoError(t, w.Start())
	t.Cleanup(func() { _ = w.Stop() })
	return reloads
}

func waitReload(t *testing.T, reloads <-chan reload) reload {
	t.Helper()
	select {
	case r := <-reloads:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for manifest reload")
	}
	return reload{}
}

func TestNewWatcherValidation(t *testing.T) {
	_, err := NewWatcher(WatcherConfig{Dir: t.TempDir()})
	assert.Error(t, err)

	loader, _, _ := newTestLoader(t)
	_, err = NewWatcher(WatcherConfig{Loader: loader})
	assert.Error(t, err)
}

func TestWatcher_LoadsAndUnloads(t *testing.T) {
	loader, reg, _ := newTestLoader(t)
	dir := filepath.Join(t.TempDir(), "agents")
	reloads := startWatcher(t, loader, dir)

	path := writeManifest(t, dir, "greeter.yaml", `
name: Greeter
implementation: HelloWorld
`)
	r := waitReload(t, reloads)
	assert.Equal(t, path, r.path)
	require.NoError(t, r.err)
	assert.True(t, reg.Has("Greeter"))

	require.NoError(t, os.Remove(path))
	r = waitReload(t, reloads)
	assert.Equal(t, path, r.path)
	assert.False(t, reg.Has("Greeter"))
}

func TestWatcher_ReportsBadManifest(t *testing.T) {
	loader, reg, _ := newTestLoader(t)
	dir := t.TempDir()
	reloads := startWatcher(t, loader, dir)

	writeManifest(t, dir, "broken.yaml", `name: Broken`)
	r := waitReload(t, reloads)
	assert.Error(t, r.err)
	assert.False(t, reg.Has("Broken"))
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	loader, _, _ := newTestLoader(t)
	w, err := NewWatcher(WatcherConfig{Dir: t.TempDir(), Loader: loader, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer w.Stop()

	assert.True(t, w.shouldIgnore("/x/.greeter.yaml"))
	assert.True(t, w.shouldIgnore("/x/greeter.yaml~"))
	assert.True(t, w.shouldIgnore("/x/readme.md"))
	assert.False(t, w.shouldIgnore("/x/greeter.yml"))
}
