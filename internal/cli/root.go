package cli

import (
	"errors"
	"fmt"

	"github.com/harun/procd/internal/config"
	"github.com/harun/procd/internal/daemon"
	"github.com/harun/procd/internal/logger"
	"github.com/spf13/cobra"
)

const version = daemon.Version

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "procd",
	Short: "procd - agent process runtime",
	Long: `procd runs agent processes: long-lived state machines whose operations
are dispatched over HTTP, server-sent events and websocket, with every step
streamed back as events.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.procd/procd.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	// Version template
	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig loads and validates the configuration. An explicit
// --log-level wins over the file.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if errs := config.NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*logger.Logger, error) {
	var secrets []string
	if cfg.Server.SharedSecret != "" {
		secrets = append(secrets, cfg.Server.SharedSecret)
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
		Secrets:   secrets,
	})
}
