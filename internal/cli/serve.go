package cli

import (
	"fmt"

	"github.com/harun/procd/internal/daemon"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the procd daemon in the foreground",
	Long: `Run the procd daemon in the foreground until SIGINT or SIGTERM.
The gateway serves REST, server-sent events, JSON-RPC and websocket clients.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}

	d.Wait()
	return nil
}
