package cli

import (
	"fmt"

	"github.com/harun/convoy/internal/daemon"
	"github.com/spf13/cobra"
)

var startCmd = &cobra.Command{
	Use:     "start",
	Aliases: []string{"worker"},
	Short:   "Start a convoy worker",
	Long: `Start a convoy worker in the foreground.
The worker hosts every workflow, serves per-queue status endpoints and runs
the janitor until it receives SIGINT or SIGTERM.`,
	RunE: runStart,
}

func init() {
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	pidFile := daemon.PIDFile(cfg.DataDir)
	if daemon.IsRunning(pidFile) {
		return fmt.Errorf("worker is already running (PID file: %s)", pidFile)
	}

	log, err := newLogger(cfg, false)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		d.Close()
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Convoy worker running (PID file: %s)\n", pidFile)
	d.Wait()
	return nil
}
