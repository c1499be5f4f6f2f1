package cli

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/harun/procd/internal/daemon"
	"github.com/spf13/cobra"
)

var stopTimeout int

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the procd daemon",
	Long: `Stop the procd daemon gracefully.

Sends SIGTERM and waits up to --timeout seconds for the daemon to drain
and exit, then sends SIGKILL.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().IntVar(&stopTimeout, "timeout", 30, "seconds to wait before sending SIGKILL")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	pidFile := daemon.PIDFilePath(cfg.DataDir)
	out := cmd.OutOrStdout()

	pid, err := stopDaemon(pidFile)
	if err != nil {
		return err
	}
	defer os.Remove(pidFile)

	if waitExit(pid, time.Duration(stopTimeout)*time.Second) {
		fmt.Fprintln(out, "Daemon stopped successfully")
		return nil
	}

	fmt.Fprintln(out, "Timeout reached, sending SIGKILL...")
	if err := syscall.Kill(pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to send SIGKILL: %w", err)
	}
	fmt.Fprintln(out, "Daemon killed")
	return nil
}

// stopDaemon sends SIGTERM to the daemon named in pidFile and returns its
// PID. A PID file naming a dead process is removed.
func stopDaemon(pidFile string) (int, error) {
	pid, err := daemon.ReadPID(pidFile)
	switch {
	case errors.Is(err, os.ErrNotExist):
		return 0, fmt.Errorf("daemon is not running (no PID file at %s)", pidFile)
	case err != nil:
		return 0, err
	case !daemon.ProcessAlive(pid):
		_ = os.Remove(pidFile)
		return 0, errors.New("daemon is not running (removed stale PID file)")
	}

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return 0, fmt.Errorf("failed to send SIGTERM: %w", err)
	}
	return pid, nil
}

// waitExit polls until pid is gone or timeout passes.
func waitExit(pid int, timeout time.Duration) bool {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)
	for daemon.ProcessAlive(pid) {
		select {
		case <-ticker.C:
		case <-deadline:
			return false
		}
	}
	return true
}
