package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/convoy/internal/daemon"
	"github.com/harun/convoy/pkg/agent"
	"github.com/spf13/cobra"
)

var promptCmd = &cobra.Command{
	Use:   "prompt <text>",
	Short: "Send a single prompt and print the reply",
	Long: `Run the prompt workflow once: the text is sent to the configured
providers in failover order and the first text reply is printed.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrompt,
}

func init() {
	rootCmd.AddCommand(promptCmd)
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, true)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	id, err := d.StartConversation(ctx, agent.VariantPrompt, "", strings.Join(args, " "))
	if err != nil {
		return err
	}
	res, err := d.Result(ctx, id)
	if err != nil {
		return err
	}
	if res.Err != nil {
		return res.Err
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Value)
	return nil
}
