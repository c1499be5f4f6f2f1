package daemon

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// PIDFileName is the PID file kept in the data directory while the daemon
// runs.
const PIDFileName = "procd.pid"

// PIDFilePath returns the PID file location for dataDir.
func PIDFilePath(dataDir string) string {
	return filepath.Join(dataDir, PIDFileName)
}

// LifecycleManager claims the PID file on start and releases it on stop.
type LifecycleManager struct {
	daemon  *Daemon
	pidFile string
}

func NewLifecycleManager(d *Daemon) *LifecycleManager {
	return &LifecycleManager{daemon: d, pidFile: PIDFilePath(d.config.DataDir)}
}

// Start writes this process's PID. A file left by a dead daemon is taken
// over; one owned by a live daemon is an error.
func (l *LifecycleManager) Start() error {
	if err := os.MkdirAll(filepath.Dir(l.pidFile), 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	self := os.Getpid()
	if owner, err := ReadPID(l.pidFile); err == nil && owner != self && ProcessAlive(owner) {
		return fmt.Errorf("daemon already running with PID %d", owner)
	}

	// Write then rename so a reader never sees a partial PID.
	tmp := l.pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(self)+"\n"), 0o644); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	if err := os.Rename(tmp, l.pidFile); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to write PID file: %w", err)
	}

	l.daemon.logger.Info().Str("pid_file", l.pidFile).Int("pid", self).Msg("PID file written")
	return nil
}

// Stop removes the PID file. A missing file is fine.
func (l *LifecycleManager) Stop() error {
	if err := os.Remove(l.pidFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove PID file: %w", err)
	}
	l.daemon.logger.Info().Msg("PID file removed")
	return nil
}

func (l *LifecycleManager) GetPID() (int, error) {
	return ReadPID(l.pidFile)
}

// IsRunning reports whether the PID file names a live process.
func (l *LifecycleManager) IsRunning() bool {
	pid, err := l.GetPID()
	return err == nil && ProcessAlive(pid)
}

// ReadPID parses a PID file. A missing file returns an os.ErrNotExist
// error.
func ReadPID(pidFile string) (int, error) {
	raw, err := os.ReadFile(pidFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid PID file %s", pidFile)
	}
	return pid, nil
}

// ProcessAlive probes pid with signal 0. EPERM means the process exists
// but belongs to someone else.
func ProcessAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
