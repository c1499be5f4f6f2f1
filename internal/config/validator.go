package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

func oneOf(value string, valid []string) bool {
	for _, v := range valid {
		if value == v {
			return true
		}
	}
	return false
}

// ValidatePort validates a TCP port
func (v *Validator) ValidatePort(port int) error {
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if oneOf(level, validLevels) {
		return nil
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateStoreDriver validates the store driver name
func (v *Validator) ValidateStoreDriver(driver string) error {
	validDrivers := []string{"memory", "sqlite"}
	if oneOf(driver, validDrivers) {
		return nil
	}
	return fmt.Errorf("invalid store driver: %s (must be one of: %s)", driver, strings.Join(validDrivers, ", "))
}

// ValidateBusyPolicy validates the engine busy policy
func (v *Validator) ValidateBusyPolicy(policy string) error {
	if policy == "" {
		return nil // Use default
	}

	validPolicies := []string{"reject", "queue"}
	if oneOf(policy, validPolicies) {
		return nil
	}
	return fmt.Errorf("invalid busy policy: %s (must be one of: %s)", policy, strings.Join(validPolicies, ", "))
}

// ValidateSchedule validates a cron schedule, including descriptors such as
// "@every 10m".
func (v *Validator) ValidateSchedule(schedule string) error {
	if strings.TrimSpace(schedule) == "" {
		return fmt.Errorf("schedule cannot be empty")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	return nil
}

// ValidateDuration validates a positive Go duration string
func (v *Validator) ValidateDuration(value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value, err)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive, got %s", value)
	}
	return nil
}

// ValidateHookEvent validates a lifecycle hook event name
func (v *Validator) ValidateHookEvent(event string) error {
	validEvents := []string{"process:create", "process:delete"}
	if oneOf(event, validEvents) {
		return nil
	}
	return fmt.Errorf("invalid hook event: %s (must be one of: %s)", event, strings.Join(validEvents, ", "))
}

// ValidateSampleRatio validates a trace sampling ratio
func (v *Validator) ValidateSampleRatio(ratio float64) error {
	if ratio < 0 || ratio > 1 {
		return fmt.Errorf("sample ratio must be between 0 and 1, got %f", ratio)
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if cfg.Logging.MaxSize < 0 {
		errors = append(errors, fmt.Errorf("logging max_size must be >= 0"))
	}
	if cfg.Logging.MaxAge < 0 {
		errors = append(errors, fmt.Errorf("logging max_age must be >= 0"))
	}

	if err := v.ValidateStoreDriver(cfg.Store.Driver); err != nil {
		errors = append(errors, err)
	}

	if err := v.ValidateBusyPolicy(cfg.Engine.BusyPolicy); err != nil {
		errors = append(errors, err)
	}
	if cfg.Engine.StreamBuffer < 0 {
		errors = append(errors, fmt.Errorf("engine stream_buffer must be >= 0"))
	}

	if cfg.Hooks.Enabled {
		for i, hook := range cfg.Hooks.Entries {
			if !hook.Enabled {
				continue
			}
			if err := v.ValidateHookEvent(strings.TrimSpace(hook.Event)); err != nil {
				errors = append(errors, fmt.Errorf("hook %d: %w", i, err))
			}
			if strings.TrimSpace(hook.Script) == "" {
				errors = append(errors, fmt.Errorf("hook %d: script is required", i))
			}
			if hook.TimeoutMs < 0 {
				errors = append(errors, fmt.Errorf("hook %d: timeout_ms must be >= 0", i))
			}
		}
	}

	if cfg.Retention.Enabled {
		if err := v.ValidateSchedule(cfg.Retention.Schedule); err != nil {
			errors = append(errors, fmt.Errorf("retention: %w", err))
		}
		if err := v.ValidateDuration(cfg.Retention.TTL); err != nil {
			errors = append(errors, fmt.Errorf("retention ttl: %w", err))
		}
	}

	if cfg.Tracing.Enabled {
		if err := v.ValidateSampleRatio(cfg.Tracing.SampleRatio); err != nil {
			errors = append(errors, fmt.Errorf("tracing: %w", err))
		}
	}

	return errors
}
