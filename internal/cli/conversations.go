package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	listState     string
	listLimit     int
	showJSON      bool
	pruneOlderThn time.Duration
)

var conversationsCmd = &cobra.Command{
	Use:     "conversations",
	Aliases: []string{"conv"},
	Short:   "Inspect stored conversations",
}

var conversationsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conversations, most recently updated first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			convs, err := s.ListConversations(ctx, store.ListOptions{
				State: store.ConversationState(listState),
				Limit: listLimit,
			})
			if err != nil {
				return err
			}
			printConversations(cmd.OutOrStdout(), convs)
			return nil
		})
	},
}

var conversationsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the messages and tool calls of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			conv, err := s.GetConversation(ctx, args[0])
			if err != nil {
				return err
			}
			msgs, err := s.ListMessages(ctx, conv.ID)
			if err != nil {
				return err
			}
			tools, err := s.ListTools(ctx, conv.ID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if showJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]interface{}{
					"conversation": conv,
					"messages":     msgs,
					"tools":        tools,
				})
			}
			printTranscript(out, conv, msgs, tools)
			return nil
		})
	},
}

var conversationsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete closed conversations",
	RunE: func(cmd *cobra.Command, args []string) error {
		if pruneOlderThn < 0 {
			return fmt.Errorf("--older-than must not be negative")
		}
		return withStore(cmd, func(ctx context.Context, s store.Store) error {
			n, err := s.PruneClosed(ctx, time.Now().Add(-pruneOlderThn))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d conversation(s)\n", n)
			return nil
		})
	},
}

func init() {
	conversationsListCmd.Flags().StringVar(&listState, "state", "", "filter by state (open, closed)")
	conversationsListCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of conversations")
	conversationsShowCmd.Flags().BoolVar(&showJSON, "json", false, "print as JSON")
	conversationsPruneCmd.Flags().DurationVar(&pruneOlderThn, "older-than", 7*24*time.Hour, "minimum age of pruned conversations")

	conversationsCmd.AddCommand(conversationsListCmd, conversationsShowCmd, conversationsPruneCmd)
	rootCmd.AddCommand(conversationsCmd)
}

func withStore(cmd *cobra.Command, fn func(ctx context.Context, s store.Store) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	s, err := store.NewSQLiteStore(store.SQLiteConfig{Path: cfg.Store.Path, Logger: zerolog.Nop()})
	if err != nil {
		return err
	}
	defer s.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, s)
}

func printConversations(out io.Writer, convs []*store.Conversation) {
	if len(convs) == 0 {
		fmt.Fprintln(out, "No conversations")
		return
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATE\tUPDATED")
	for _, c := range convs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.ID, c.Title, c.State, c.UpdatedAt.Local().Format(time.DateTime))
	}
	w.Flush()
}

func printTranscript(out io.Writer, conv *store.Conversation, msgs []*store.Message, tools []*store.Tool) {
	fmt.Fprintf(out, "%s (%s)\n\n", conv.Title, conv.State)

	byMessage := make(map[string][]*store.Tool)
	for _, t := range tools {
		byMessage[t.MessageID] = append(byMessage[t.MessageID], t)
	}
	for _, m := range msgs {
		name := m.Name
		if name == "" {
			name = string(m.Sender)
		}
		fmt.Fprintf(out, "%s: %s\n", name, m.Content)
		for _, t := range byMessage[m.ID] {
			fmt.Fprintf(out, "  [%s %s] %s", t.Type, t.State, t.Input)
			if len(t.Output) > 0 {
				fmt.Fprintf(out, " -> %s", t.Output)
			}
			if t.ErrorText != "" {
				fmt.Fprintf(out, " error: %s", t.ErrorText)
			}
			fmt.Fprintln(out)
		}
	}
}
