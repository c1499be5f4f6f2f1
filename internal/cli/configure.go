package cli

import (
	"fmt"

	"github.com/harun/procd/internal/config"
	"github.com/spf13/cobra"
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a procd config file interactively",
	Long: `Prompt for gateway, storage, dispatch, hook and retention settings and
save them to the config file. Answers default to the current file, if any.`,
	RunE: runConfigure,
}

func init() {
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, _ []string) error {
	loader := config.NewLoader(cfgFile)
	current, err := loader.Load()
	if err != nil {
		// Start from scratch when the existing file cannot be read.
		current = nil
	}

	cfg, err := config.NewWizardIO(cmd.InOrStdin(), cmd.OutOrStdout()).Run(current)
	if err != nil {
		return fmt.Errorf("configuration failed: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "\nConfiguration saved to: %s\nStart the daemon with: procd start\n", loader.GetConfigPath())
	return nil
}
