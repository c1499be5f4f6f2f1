package hooks

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"
)

// Lifecycle events.
const (
	EventProcessCreate = "process:create"
	EventProcessDelete = "process:delete"
)

const (
	envPrefix = "PROCD_HOOK_"
	// maxOutput bounds how much script output is kept for errors and logs.
	maxOutput = 4 << 10
)

// Hook defines a script run on a lifecycle event.
type Hook struct {
	ID        string
	Event     string
	AgentType string // empty matches every agent type
	Script    string
	Timeout   time.Duration
	Enabled   bool
	Source    string // who registered the hook, e.g. a manifest path
}

func (h Hook) name() string {
	if id := strings.TrimSpace(h.ID); id != "" {
		return id
	}
	return h.Event
}

func (h Hook) validate() error {
	switch h.Event {
	case EventProcessCreate, EventProcessDelete:
	case "":
		return errors.New("hook event is required")
	default:
		return fmt.Errorf("unknown hook event %q", h.Event)
	}
	if strings.TrimSpace(h.Script) == "" {
		return fmt.Errorf("hook script is required for event %q", h.Event)
	}
	return nil
}

func (h Hook) applies(event, agentType string) bool {
	return h.Event == event && (h.AgentType == "" || h.AgentType == agentType)
}

// Config configures a Hook manager.
type Config struct {
	Enabled bool
	Hooks   []Hook
	Logger  zerolog.Logger
}

// Manager holds the script hooks and runs them through /bin/sh in
// registration order.
type Manager struct {
	enabled bool
	logger  zerolog.Logger

	mu    sync.RWMutex
	hooks []Hook
}

// NewManager creates a hook manager. A disabled manager accepts no hooks
// and triggers nothing.
func NewManager(cfg Config) (*Manager, error) {
	m := &Manager{
		enabled: cfg.Enabled,
		logger:  cfg.Logger.With().Str("component", "hooks").Logger(),
	}
	if !m.enabled {
		return m, nil
	}
	for _, hook := range cfg.Hooks {
		if err := m.Register(hook); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Register adds a hook. Disabled hooks are ignored.
func (m *Manager) Register(hook Hook) error {
	if !hook.Enabled {
		return nil
	}
	hook.Event = strings.TrimSpace(hook.Event)
	if err := hook.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
	return nil
}

// RemoveSource drops every hook registered with source and returns how
// many were removed.
func (m *Manager) RemoveSource(source string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := make([]Hook, 0, len(m.hooks))
	for _, hook := range m.hooks {
		if hook.Source != source {
			kept = append(kept, hook)
		}
	}
	removed := len(m.hooks) - len(kept)
	m.hooks = kept
	return removed
}

// Count returns the number of hooks registered for event.
func (m *Manager) Count(event string) int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, hook := range m.hooks {
		if hook.Event == event {
			n++
		}
	}
	return n
}

func (m *Manager) matching(event, agentType string) []Hook {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Hook
	for _, hook := range m.hooks {
		if hook.applies(event, agentType) {
			out = append(out, hook)
		}
	}
	return out
}

// Trigger runs every hook for event that applies to agentType. All hooks
// run; their failures are joined.
func (m *Manager) Trigger(ctx context.Context, event, agentType string, data map[string]interface{}) error {
	if m == nil || !m.enabled {
		return nil
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	matched := m.matching(event, agentType)
	if len(matched) == 0 {
		return nil
	}

	env := hookEnv(event, data)
	var errs []error
	for _, hook := range matched {
		errs = append(errs, m.run(ctx, hook, env))
	}
	return errors.Join(errs...)
}

func (m *Manager) run(ctx context.Context, hook Hook, env []string) error {
	if hook.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, hook.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", hook.Script)
	cmd.Env = env
	out, err := cmd.CombinedOutput()
	output := trimOutput(out)

	switch {
	case err != nil && output != "":
		return fmt.Errorf("hook %s failed: %w: %s", hook.name(), err, output)
	case err != nil:
		return fmt.Errorf("hook %s failed: %w", hook.name(), err)
	case output != "":
		m.logger.Debug().Str("event", hook.Event).Str("hook_id", hook.name()).Str("output", output).Msg("Hook executed")
	}
	return nil
}

func trimOutput(out []byte) string {
	if len(out) > maxOutput {
		out = out[:maxOutput]
	}
	return strings.TrimSpace(string(out))
}

// hookEnv is the process environment plus PROCD_HOOK_EVENT and one
// PROCD_HOOK_DATA_<KEY> variable per data entry, in key order.
func hookEnv(event string, data map[string]interface{}) []string {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	env := os.Environ()
	env = append(env, envPrefix+"EVENT="+event)
	for _, k := range keys {
		env = append(env, fmt.Sprintf("%sDATA_%s=%v", envPrefix, envName(k), data[k]))
	}
	return env
}

// envName upper-cases key and replaces anything outside [A-Z0-9] with '_'.
func envName(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return "UNKNOWN"
	}
	return strings.Map(func(r rune) rune {
		r = unicode.ToUpper(r)
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, key)
}
