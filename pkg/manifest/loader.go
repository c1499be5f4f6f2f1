package manifest

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/harun/procd/pkg/agent"
	"github.com/harun/procd/pkg/hooks"
	"github.com/rs/zerolog"
)

// Loader turns manifest files into registered agent types. Each file owns
// the type it declares and the script hooks it lists; reloading a file
// replaces both.
type Loader struct {
	registry       *agent.Registry
	scripts        *hooks.Manager
	logger         zerolog.Logger
	runtimeVersion string

	mu     sync.Mutex
	loaded map[string]string // path -> agent type
}

// LoaderOption configures a Loader.
type LoaderOption func(*Loader)

// WithRuntimeVersion makes the loader reject manifests whose requires
// constraint excludes version.
func WithRuntimeVersion(version string) LoaderOption {
	return func(l *Loader) {
		l.runtimeVersion = version
	}
}

// NewLoader creates a loader. scripts may be nil, in which case manifests
// declaring hooks are rejected.
func NewLoader(registry *agent.Registry, scripts *hooks.Manager, logger zerolog.Logger, opts ...LoaderOption) *Loader {
	l := &Loader{
		registry: registry,
		scripts:  scripts,
		logger:   logger.With().Str("component", "manifests").Logger(),
		loaded:   make(map[string]string),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadDir loads every manifest in dir. A missing directory loads nothing.
// Files that fail are skipped and their errors joined.
func (l *Loader) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read manifest directory: %w", err)
	}

	var (
		count int
		errs  []error
	)
	for _, entry := range entries {
		if entry.IsDir() || !Supported(entry.Name()) {
			continue
		}
		if err := l.LoadFile(filepath.Join(dir, entry.Name())); err != nil {
			errs = append(errs, err)
			continue
		}
		count++
	}
	return count, errors.Join(errs...)
}

// LoadFile loads or reloads one manifest.
func (l *Loader) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read manifest: %w", err)
	}
	m, err := Parse(path, data)
	if err != nil {
		return err
	}
	if l.runtimeVersion != "" {
		if err := m.CheckRuntime(l.runtimeVersion); err != nil {
			return fmt.Errorf("manifest %s: %w", path, err)
		}
	}
	if len(m.Hooks) > 0 && l.scripts == nil {
		return fmt.Errorf("manifest %s declares hooks but script hooks are unavailable", path)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if previous, ok := l.loaded[path]; ok {
		l.unloadLocked(path, previous)
	}

	opts := []agent.DefinitionOption{}
	if m.Description != "" {
		opts = append(opts, agent.WithDescription(m.Description))
	}
	if err := l.registry.Derive(m.Name, m.Implementation, opts...); err != nil {
		return fmt.Errorf("manifest %s: %w", path, err)
	}

	for _, hook := range m.ScriptHooks() {
		if err := l.scripts.Register(hook); err != nil {
			l.scripts.RemoveSource(path)
			l.registry.Remove(m.Name)
			return fmt.Errorf("manifest %s: %w", path, err)
		}
	}

	l.loaded[path] = m.Name
	l.logger.Info().
		Str("path", path).
		Str("agent_type", m.Name).
		Str("implementation", m.Implementation).
		Str("version", m.Version).
		Int("hooks", len(m.Hooks)).
		Msg("Loaded agent manifest")
	return nil
}

// Unload removes the agent type and hooks of a loaded manifest. It reports
// whether path was loaded.
func (l *Loader) Unload(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	agentType, ok := l.loaded[path]
	if !ok {
		return false
	}
	l.unloadLocked(path, agentType)
	return true
}

func (l *Loader) unloadLocked(path, agentType string) {
	l.registry.Remove(agentType)
	removed := 0
	if l.scripts != nil {
		removed = l.scripts.RemoveSource(path)
	}
	delete(l.loaded, path)

	l.logger.Info().
		Str("path", path).
		Str("agent_type", agentType).
		Int("hooks", removed).
		Msg("Unloaded agent manifest")
}

// Loaded returns the agent types declared by loaded manifests, sorted.
func (l *Loader) Loaded() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	types := make([]string, 0, len(l.loaded))
	for _, agentType := range l.loaded {
		types = append(types, agentType)
	}
	sort.Strings(types)
	return types
}
