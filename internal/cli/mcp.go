package cli

import (
	"github.com/harun/convoy/pkg/mcp"
	"github.com/spf13/cobra"
)

var pokeAPIURL string

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "MCP server utilities",
}

var mcpServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the Pokemon lookup tool over stdio",
	Long: `Serve the get-pokemon tool as an MCP server on stdin/stdout.
Point an mcp server entry with "command" at this binary to use it from
the mcp workflow.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return mcp.ServePokemonStdio(pokeAPIURL)
	},
}

func init() {
	mcpServeCmd.Flags().StringVar(&pokeAPIURL, "base-url", mcp.DefaultPokeAPIURL, "PokeAPI base URL")
	mcpCmd.AddCommand(mcpServeCmd)
	rootCmd.AddCommand(mcpCmd)
}
