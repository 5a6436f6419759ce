package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/daemon"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	Long:  `Show whether the convoy worker is running and the load of each task queue.`,
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
	pidFile := daemon.PIDFile(cfg.DataDir)

	if !daemon.IsRunning(pidFile) {
		fmt.Fprintln(out, "Status: stopped")
		return nil
	}
	pid, err := daemon.ReadPID(pidFile)
	if err != nil {
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "PID: %d\n", pid)
	if info, err := os.Stat(pidFile); err == nil {
		fmt.Fprintf(out, "Uptime: %s\n", formatDuration(time.Since(info.ModTime())))
	}

	if cfg.Status.Enabled {
		printQueues(out, cfg)
	}
	return nil
}

func printQueues(out io.Writer, cfg *config.Config) {
	client := &http.Client{Timeout: 2 * time.Second}

	queues := make([]string, 0, len(cfg.Status.Ports))
	for q := range cfg.Status.Ports {
		queues = append(queues, q)
	}
	sort.Strings(queues)

	for _, q := range queues {
		host := cfg.Status.Host
		if host == "" || host == "0.0.0.0" {
			host = "127.0.0.1"
		}
		url := "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Status.Ports[q])) + "/healthz"
		health, err := fetchHealth(client, url)
		if err != nil {
			fmt.Fprintf(out, "Queue %s: unreachable (%v)\n", q, err)
			continue
		}
		fmt.Fprintf(out, "Queue %s: %d queued, %d running, %d completed, %d failed\n",
			q, health.Stats.Queued, health.Stats.Running, health.Stats.Completed, health.Stats.Failed)
		if q == config.QueueGeneral {
			fmt.Fprintf(out, "Active conversations: %d\n", len(health.Active))
		}
	}
}

func fetchHealth(client *http.Client, url string) (*daemon.Health, error) {
	resp, err := client.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var health daemon.Health
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
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
