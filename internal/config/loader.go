package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const envPrefix = "PROCD"

// Loader reads and writes the procd config file.
type Loader struct {
	configPath string
}

// NewLoader returns a loader for configPath, or for procd.json under the
// default home when configPath is empty.
func NewLoader(configPath string) *Loader {
	return &Loader{configPath: configPath}
}

// DefaultHome returns ~/.procd.
func DefaultHome() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, ".procd"), nil
}

func (l *Loader) resolvePath() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := DefaultHome()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "procd.json"), nil
}

// newViper returns a viper instance seeded with DefaultConfig. Seeding
// makes every key known, so PROCD_<SECTION>_<KEY> variables override it
// whether or not the file sets it.
func newViper() (*viper.Viper, error) {
	defaults, err := json.Marshal(DefaultConfig())
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigType("json")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}
	return v, nil
}

// Load reads the config file over the defaults and applies environment
// overrides. A missing file is not an error.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.resolvePath()
	if err != nil {
		return nil, err
	}

	v, err := newViper()
	if err != nil {
		return nil, err
	}

	switch _, err := os.Stat(configPath); {
	case err == nil:
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.fillPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fillPaths puts unset file locations under DataDir.
func (c *Config) fillPaths() error {
	if c.DataDir == "" {
		home, err := DefaultHome()
		if err != nil {
			return err
		}
		c.DataDir = home
	}

	for _, p := range []struct {
		field *string
		name  string
	}{
		{&c.Logging.File, "procd.log"},
		{&c.Logging.AuditFile, "audit.log"},
		{&c.Store.Path, "procd.db"},
		{&c.Manifests.Dir, "agents"},
	} {
		if *p.field == "" {
			*p.field = filepath.Join(c.DataDir, p.name)
		}
	}
	return nil
}

// Save writes cfg as indented JSON, creating the directory if needed.
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.resolvePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(configPath, append(data, '\n'), 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// GetConfigPath returns the resolved config file path, or "" when the
// home directory is unknown.
func (l *Loader) GetConfigPath() string {
	path, _ := l.resolvePath()
	return path
}

// Load reads the config at configPath.
func Load(configPath string) (*Config, error) {
	return NewLoader(configPath).Load()
}
