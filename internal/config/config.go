package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Config represents the main procd configuration
type Config struct {
	// Server holds the gateway listener settings
	Server ServerConfig `json:"server" mapstructure:"server"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Store selects the process record backend
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Engine
	Engine EngineConfig `json:"engine" mapstructure:"engine"`

	// Hooks
	Hooks HooksConfig `json:"hooks" mapstructure:"hooks"`

	// Manifests
	Manifests ManifestsConfig `json:"manifests" mapstructure:"manifests"`

	// Retention
	Retention RetentionConfig `json:"retention" mapstructure:"retention"`

	// Tracing
	Tracing TracingConfig `json:"tracing" mapstructure:"tracing"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ServerConfig holds gateway server configuration
type ServerConfig struct {
	Port         int    `json:"port" mapstructure:"port"`
	Host         string `json:"host" mapstructure:"host"`
	SharedSecret string `json:"shared_secret" mapstructure:"shared_secret"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	Console   bool   `json:"console" mapstructure:"console"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// StoreConfig holds process record storage settings
type StoreConfig struct {
	Driver string `json:"driver" mapstructure:"driver"` // memory, sqlite
	Path   string `json:"path" mapstructure:"path"`
}

// EngineConfig holds dispatch settings
type EngineConfig struct {
	BusyPolicy   string `json:"busy_policy" mapstructure:"busy_policy"` // reject, queue
	StreamBuffer int    `json:"stream_buffer" mapstructure:"stream_buffer"`
	Examples     bool   `json:"examples" mapstructure:"examples"`
}

// HooksConfig holds lifecycle script hooks
type HooksConfig struct {
	Enabled bool              `json:"enabled" mapstructure:"enabled"`
	Entries []HookEntryConfig `json:"entries" mapstructure:"entries"`
}

// HookEntryConfig is one configured script hook
type HookEntryConfig struct {
	ID        string `json:"id" mapstructure:"id"`
	Event     string `json:"event" mapstructure:"event"` // process:create, process:delete
	AgentType string `json:"agent_type" mapstructure:"agent_type"`
	Script    string `json:"script" mapstructure:"script"`
	TimeoutMs int    `json:"timeout_ms" mapstructure:"timeout_ms"`
	Enabled   bool   `json:"enabled" mapstructure:"enabled"`
}

// ManifestsConfig holds agent manifest loading settings
type ManifestsConfig struct {
	Dir   string `json:"dir" mapstructure:"dir"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// RetentionConfig holds the sweeper settings for finished processes
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Schedule string `json:"schedule" mapstructure:"schedule"` // cron expression
	TTL      string `json:"ttl" mapstructure:"ttl"`           // Go duration
}

// TTLDuration parses TTL.
func (r RetentionConfig) TTLDuration() (time.Duration, error) {
	return time.ParseDuration(r.TTL)
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			SharedSecret: "",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
			Console:   true,
		},
		Store: StoreConfig{
			Driver: "sqlite",
		},
		Engine: EngineConfig{
			BusyPolicy:   "reject",
			StreamBuffer: 64,
			Examples:     true,
		},
		Hooks: HooksConfig{
			Enabled: false,
			Entries: []HookEntryConfig{},
		},
		Manifests: ManifestsConfig{
			Watch: true,
		},
		Retention: RetentionConfig{
			Enabled:  false,
			Schedule: "@every 10m",
			TTL:      "24h",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "procd",
			SampleRatio: 1.0,
		},
		DataDir: "",
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch strings.ToLower(c.Store.Driver) {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" && c.DataDir == "" {
			return fmt.Errorf("sqlite store requires store.path or data_dir")
		}
	default:
		return fmt.Errorf("invalid store driver %s (must be: memory, sqlite)", c.Store.Driver)
	}

	switch strings.ToLower(c.Engine.BusyPolicy) {
	case "", "reject", "queue":
	default:
		return fmt.Errorf("invalid busy policy %s (must be: reject, queue)", c.Engine.BusyPolicy)
	}

	if c.Retention.Enabled {
		ttl, err := c.Retention.TTLDuration()
		if err != nil {
			return fmt.Errorf("invalid retention ttl %q: %w", c.Retention.TTL, err)
		}
		if ttl <= 0 {
			return fmt.Errorf("retention ttl must be positive")
		}
		if strings.TrimSpace(c.Retention.Schedule) == "" {
			return fmt.Errorf("retention schedule is required when retention is enabled")
		}
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.ServiceName) == "" {
		return fmt.Errorf("tracing service name is required when tracing is enabled")
	}

	return nil
}
