package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizard_Run(t *testing.T) {
	t.Run("accepts defaults", func(t *testing.T) {
		var out bytes.Buffer
		in := strings.NewReader(strings.Repeat("\n", 7))

		cfg, err := NewWizardIO(in, &out).Run(nil)
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
		assert.Contains(t, out.String(), "Configuration complete!")
	})

	t.Run("applies answers and retries bad input", func(t *testing.T) {
		var out bytes.Buffer
		answers := []string{
			"99999", // invalid port, asked again
			"9000",
			"secret",
			"memory",
			"queue",
			"y",
			"48h",
			"debug",
		}
		in := strings.NewReader(strings.Join(answers, "\n") + "\n")

		cfg, err := NewWizardIO(in, &out).Run(nil)
		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.Equal(t, "secret", cfg.Server.SharedSecret)
		assert.Equal(t, "memory", cfg.Store.Driver)
		assert.Equal(t, "queue", cfg.Engine.BusyPolicy)
		assert.True(t, cfg.Retention.Enabled)
		assert.Equal(t, "48h", cfg.Retention.TTL)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Contains(t, out.String(), "Error:")
	})

	t.Run("fails on closed input", func(t *testing.T) {
		_, err := NewWizardIO(strings.NewReader(""), &bytes.Buffer{}).Run(nil)
		assert.Error(t, err)
	})
}
