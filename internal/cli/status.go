package cli

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/harun/procd/internal/config"
	"github.com/harun/procd/internal/daemon"
	"github.com/harun/procd/pkg/gateway"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Show the current status of the procd daemon and whether its gateway answers.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	pidFile := daemon.PIDFilePath(cfg.DataDir)
	pid, err := daemon.ReadPID(pidFile)
	if err != nil || !daemon.ProcessAlive(pid) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	gatewayURL := baseURL(cfg.Server)
	if err := checkHealth(gatewayURL, cfg.Server.SharedSecret); err != nil {
		fmt.Fprintf(out, "Gateway: unreachable at %s (%v)\n", gatewayURL, err)
	} else {
		fmt.Fprintf(out, "Gateway: healthy at %s\n", gatewayURL)
	}
	return nil
}

// baseURL returns the address clients on this host use to reach the
// gateway. A wildcard bind address is reached through loopback.
func baseURL(server config.ServerConfig) string {
	host := server.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, strconv.Itoa(server.Port))
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func newRequest(method, url, secret string) (*http.Request, error) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		return nil, err
	}
	if secret != "" {
		req.Header.Set(gateway.SecretHeader, secret)
	}
	return req, nil
}

func checkHealth(base, secret string) error {
	req, err := newRequest(http.MethodGet, base+"/healthz", secret)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}

func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second

	if h > 0 {
		return fmt.Sprintf("%dh%dm%ds", h, m, s)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, s)
	}
	return fmt.Sprintf("%ds", s)
}
