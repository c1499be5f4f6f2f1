package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidator_Fields(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidatePort(8080))
	assert.Error(t, v.ValidatePort(70000))

	assert.NoError(t, v.ValidateLogLevel("debug"))
	assert.Error(t, v.ValidateLogLevel("verbose"))

	assert.NoError(t, v.ValidateStoreDriver("sqlite"))
	assert.Error(t, v.ValidateStoreDriver("redis"))

	assert.NoError(t, v.ValidateBusyPolicy(""))
	assert.NoError(t, v.ValidateBusyPolicy("queue"))
	assert.Error(t, v.ValidateBusyPolicy("wait"))

	assert.NoError(t, v.ValidateSchedule("@every 10m"))
	assert.NoError(t, v.ValidateSchedule("*/5 * * * *"))
	assert.Error(t, v.ValidateSchedule("every so often"))
	assert.Error(t, v.ValidateSchedule(""))

	assert.NoError(t, v.ValidateDuration("90m"))
	assert.Error(t, v.ValidateDuration("0s"))
	assert.Error(t, v.ValidateDuration("later"))

	assert.NoError(t, v.ValidateHookEvent("process:delete"))
	assert.Error(t, v.ValidateHookEvent("process:update"))

	assert.NoError(t, v.ValidateSampleRatio(0.5))
	assert.Error(t, v.ValidateSampleRatio(1.5))
}

func TestValidator_ValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Server.Port = -1
		cfg.Logging.Level = "loud"
		cfg.Engine.BusyPolicy = "maybe"
		cfg.Hooks.Enabled = true
		cfg.Hooks.Entries = []HookEntryConfig{
			{Event: "process:explode", Script: "", Enabled: true},
			{Event: "process:create", Script: "true", Enabled: false},
		}
		cfg.Retention.Enabled = true
		cfg.Retention.Schedule = "nope"

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 6)
	})
}
