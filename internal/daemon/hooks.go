package daemon

import (
	"strings"
	"time"

	"github.com/harun/procd/internal/config"
	"github.com/harun/procd/pkg/hooks"
	"github.com/rs/zerolog"
)

const (
	defaultHookTimeout = 5 * time.Second
	configHookSource   = "config"
)

// newHookManager always returns an enabled manager so manifests can add
// hooks; configured entries only register when hooks are enabled.
func newHookManager(cfg config.HooksConfig, logger zerolog.Logger) (*hooks.Manager, error) {
	var hookDefs []hooks.Hook
	if cfg.Enabled {
		hookDefs = make([]hooks.Hook, 0, len(cfg.Entries))
		for _, entry := range cfg.Entries {
			timeout := time.Duration(entry.TimeoutMs) * time.Millisecond
			if entry.TimeoutMs <= 0 {
				timeout = defaultHookTimeout
			}
			hookDefs = append(hookDefs, hooks.Hook{
				ID:        strings.TrimSpace(entry.ID),
				Event:     strings.TrimSpace(entry.Event),
				AgentType: strings.TrimSpace(entry.AgentType),
				Script:    strings.TrimSpace(entry.Script),
				Timeout:   timeout,
				Enabled:   entry.Enabled,
				Source:    configHookSource,
			})
		}
	}

	return hooks.NewManager(hooks.Config{
		Enabled: true,
		Hooks:   hookDefs,
		Logger:  logger,
	})
}
