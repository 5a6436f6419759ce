package cli

import (
	"fmt"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/logger"
	"github.com/spf13/cobra"
)

const version = "0.1.0"

var (
	cfgFile  string
	logLevel string
)

var rootCmd = &cobra.Command{
	Use:   "convoy",
	Short: "Convoy - durable conversational agent workflows",
	Long: `Convoy runs resumable conversational agents: chat, tool calling,
saga bookings with compensation and MCP tools, with provider failover and
every message and tool call persisted as it happens.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.convoy/convoy.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

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

// loadConfig loads the config file, applies the --log-level flag when set and
// adds profiles for vendor keys found in the environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f := cmd.Flags().Lookup("log-level"); f != nil && f.Changed {
		cfg.Logging.Level = logLevel
	}
	cfg.AddVendorProfiles()
	return cfg, nil
}

// newLogger builds the process logger. Interactive commands keep the console
// for their own output and log to the file only.
func newLogger(cfg *config.Config, interactive bool) (*logger.Logger, error) {
	console := cfg.Logging.Console
	if interactive {
		console = false
	}
	return logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,

		MaxBackups: cfg.Logging.MaxBackups,
		Secrets:    secrets(cfg),
	})
}

// secrets lists the configured credentials the log redactor masks verbatim.
func secrets(cfg *config.Config) []string {
	var out []string
	for _, p := range cfg.Providers {
		out = append(out, p.APIKey)
	}
	return append(out, cfg.Redis.Password)
}
