package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/harun/convoy/internal/daemon"
	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/spf13/cobra"
)

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List the tools available to agents",
	Long: `List the built-in tools and every tool discovered from the configured
MCP servers.`,
	RunE: runTools,
}

func init() {
	rootCmd.AddCommand(toolsCmd)
}

func runTools(cmd *cobra.Command, args []string) error {
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

	printTools(cmd.OutOrStdout(), d.Registry().Definitions())
	return nil
}

func printTools(out io.Writer, defs []toolexecutor.ToolDefinition) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSOURCE\tDESCRIPTION")
	for _, def := range defs {
		source := def.Source
		if source == "" {
			source = "builtin"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, source, def.Description)
	}
	w.Flush()
}
