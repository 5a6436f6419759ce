package cli

import (
	"fmt"

	"github.com/harun/convoy/internal/config"
	"github.com/spf13/cobra"
)

var (
	openAIKey    string
	anthropicKey string
	geminiKey    string
	redisAddr    string
)

var configureCmd = &cobra.Command{
	Use:   "configure",
	Short: "Write a configuration file",
	Long: `Write a configuration file with the given provider keys.
Existing settings are kept; each key flag adds or replaces that provider's
profile. Provider priority follows openai, anthropic, gemini.`,
	RunE: runConfigure,
}

func init() {
	configureCmd.Flags().StringVar(&openAIKey, "openai-key", "", "OpenAI API key")
	configureCmd.Flags().StringVar(&anthropicKey, "anthropic-key", "", "Anthropic API key")
	configureCmd.Flags().StringVar(&geminiKey, "gemini-key", "", "Gemini API key")
	configureCmd.Flags().StringVar(&redisAddr, "redis", "", "redis address for cross-process conversation locks")
	rootCmd.AddCommand(configureCmd)
}

func runConfigure(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	applyKeys(cfg, map[string]string{
		"openai":    openAIKey,
		"anthropic": anthropicKey,
		"gemini":    geminiKey,
	})
	if redisAddr != "" {
		cfg.Redis.Enabled = true
		cfg.Redis.Addr = redisAddr
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Configuration saved to: %s\n", loader.GetConfigPath())
	fmt.Fprintln(out, "You can now start a worker with: convoy start")
	return nil
}

// applyKeys replaces the "<provider>-default" profile of every provider with
// a non-empty key.
func applyKeys(cfg *config.Config, keys map[string]string) {
	for priority, name := range []string{"openai", "anthropic", "gemini"} {
		key := keys[name]
		if key == "" {
			continue
		}
		id := name + "-default"
		profile := config.ProviderProfile{ID: id, Provider: name, APIKey: key, Priority: priority + 1}

		replaced := false
		for i := range cfg.Providers {
			if cfg.Providers[i].ID == id {
				cfg.Providers[i] = profile
				replaced = true
			}
		}
		if !replaced {
			cfg.Providers = append(cfg.Providers, profile)
		}
	}
}
