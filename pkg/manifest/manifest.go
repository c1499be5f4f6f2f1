package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/harun/procd/pkg/hooks"
	"gopkg.in/yaml.v3"
)

// Manifest declares an agent type derived from a registered one.
type Manifest struct {
	Name           string     `json:"name" yaml:"name"`
	Implementation string     `json:"implementation" yaml:"implementation"`
	Description    string     `json:"description" yaml:"description"`
	Version        string     `json:"version" yaml:"version"`
	// Requires is a semver constraint on the runtime version, e.g. ">= 0.1".
	Requires string     `json:"requires" yaml:"requires"`
	Hooks    []HookSpec `json:"hooks" yaml:"hooks"`

	// Path is the file the manifest was read from.
	Path string `json:"-" yaml:"-"`
}

// HookSpec is a script run on a lifecycle event of the declared type.
type HookSpec struct {
	ID        string `json:"id" yaml:"id"`
	Event     string `json:"event" yaml:"event"`
	Script    string `json:"script" yaml:"script"`
	TimeoutMs int    `json:"timeout_ms" yaml:"timeout_ms"`
	Disabled  bool   `json:"disabled" yaml:"disabled"`
}

// Supported reports whether path has a manifest extension.
func Supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Parse decodes a manifest; the format follows the extension of path.
func Parse(path string, data []byte) (Manifest, error) {
	var m Manifest

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse JSON manifest %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &m); err != nil {
			return Manifest{}, fmt.Errorf("failed to parse YAML manifest %s: %w", path, err)
		}
	default:
		return Manifest{}, fmt.Errorf("unsupported manifest format: %s (supported: .json, .yaml, .yml)", filepath.Ext(path))
	}

	m.Path = path
	m.Name = strings.TrimSpace(m.Name)
	m.Implementation = strings.TrimSpace(m.Implementation)
	return m, m.Validate()
}

// Validate checks required fields and hook events.
func (m Manifest) Validate() error {
	var errs []error
	if m.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if m.Implementation == "" {
		errs = append(errs, errors.New("implementation is required"))
	}
	if m.Name != "" && m.Name == m.Implementation {
		errs = append(errs, fmt.Errorf("agent type %s cannot derive from itself", m.Name))
	}
	if m.Version != "" {
		if _, err := semver.NewVersion(m.Version); err != nil {
			errs = append(errs, fmt.Errorf("invalid version %s: %w", m.Version, err))
		}
	}
	if m.Requires != "" {
		if _, err := semver.NewConstraint(m.Requires); err != nil {
			errs = append(errs, fmt.Errorf("invalid version constraint %s: %w", m.Requires, err))
		}
	}
	for i, hook := range m.Hooks {
		switch strings.TrimSpace(hook.Event) {
		case hooks.EventProcessCreate, hooks.EventProcessDelete:
		default:
			errs = append(errs, fmt.Errorf("hook %d: unknown event %q", i, hook.Event))
		}
		if strings.TrimSpace(hook.Script) == "" {
			errs = append(errs, fmt.Errorf("hook %d: script is required", i))
		}
		if hook.TimeoutMs < 0 {
			errs = append(errs, fmt.Errorf("hook %d: timeout_ms must be >= 0", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid manifest %s: %w", m.Path, errors.Join(errs...))
	}
	return nil
}

// CheckRuntime reports whether runtimeVersion satisfies Requires. A
// manifest without Requires runs anywhere.
func (m Manifest) CheckRuntime(runtimeVersion string) error {
	if m.Requires == "" {
		return nil
	}
	v, err := semver.NewVersion(runtimeVersion)
	if err != nil {
		return fmt.Errorf("invalid runtime version %s: %w", runtimeVersion, err)
	}
	c, err := semver.NewConstraint(m.Requires)
	if err != nil {
		return fmt.Errorf("invalid version constraint %s: %w", m.Requires, err)
	}
	if !c.Check(v) {
		return fmt.Errorf("runtime version %s does not satisfy %s", runtimeVersion, m.Requires)
	}
	return nil
}

// ScriptHooks converts the hook specs into script hooks bound to the
// declared type.
func (m Manifest) ScriptHooks() []hooks.Hook {
	out := make([]hooks.Hook, 0, len(m.Hooks))
	for i, hs := range m.Hooks {
		id := strings.TrimSpace(hs.ID)
		if id == "" {
			id = fmt.Sprintf("%s-%d", m.Name, i)
		}
		out = append(out, hooks.Hook{
			ID:        id,
			Event:     strings.TrimSpace(hs.Event),
			AgentType: m.Name,
			Script:    hs.Script,
			Timeout:   time.Duration(hs.TimeoutMs) * time.Millisecond,
			Enabled:   !hs.Disabled,
			Source:    m.Path,
		})
	}
	return out
}
