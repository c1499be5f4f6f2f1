package cli

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/harun/procd/internal/daemon"
	"github.com/spf13/cobra"
)

var startTimeout int

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the procd daemon in the background",
	Long: `Start the procd daemon in the background.
The daemon is detached from the terminal and logs to its log file; use
"procd status" to check on it and "procd stop" to stop it.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().IntVar(&startTimeout, "timeout", 10, "timeout in seconds to wait for the daemon to come up")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	if isRunning(pidFile) {
		return fmt.Errorf("daemon is already running (PID file: %s)", pidFile)
	}

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to locate procd binary: %w", err)
	}

	serveArgs := []string{"serve", "--log-level", cfg.Logging.Level}
	if cfgFile != "" {
		serveArgs = append(serveArgs, "--config", cfgFile)
	}

	child := exec.Command(self, serveArgs...)
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if err := child.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	pid := child.Process.Pid
	_ = child.Process.Release()

	deadline := time.Now().Add(time.Duration(startTimeout) * time.Second)
	for time.Now().Before(deadline) {
		if got, err := daemon.ReadPID(pidFile); err == nil && got == pid {
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon started (PID %d)\n", pid)
			return nil
		}
		if !daemon.ProcessAlive(pid) {
			return fmt.Errorf("daemon exited during startup; see %s", cfg.Logging.File)
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("daemon did not write %s within %ds", pidFile, startTimeout)
}

func isRunning(pidFile string) bool {
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return false
	}
	return daemon.ProcessAlive(pid)
}
