package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/harun/convoy/internal/daemon"
	"github.com/harun/convoy/pkg/agent"
	"github.com/harun/convoy/pkg/store"
	"github.com/spf13/cobra"
)

var (
	chatWorkflow string
	chatID       string
	chatPoll     time.Duration
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Chat with an agent workflow",
	Long: `Start a conversation in-process and chat with it from the terminal.
Each line is sent as a user message. Replies are printed as they are
persisted. Type /quit or send EOF to cancel the conversation.

Workflows: chat, cancellation, agentToAgent, toolCalling, saga, mcp.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatWorkflow, "workflow", "w", agent.VariantChat, "workflow type")
	chatCmd.Flags().StringVar(&chatID, "id", "", "conversation id (default: generated)")
	chatCmd.Flags().DurationVar(&chatPoll, "poll", 100*time.Millisecond, "store polling interval")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	if _, err := agent.VariantByName(chatWorkflow); err != nil {
		return err
	}
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

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	id, err := d.StartConversation(ctx, chatWorkflow, chatID, nil)
	if err != nil {
		return fmt.Errorf("failed to start conversation: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Conversation %s (%s). Type /quit to end.\n", id, chatWorkflow)

	f := newFollower(out)
	done := make(chan struct{})
	go func() {
		defer close(done)
		follow(ctx, d.Store(), id, f, chatPoll)
	}()

	lines := make(chan string)
	go readLines(cmd.InOrStdin(), lines)

	waitCtx, waitCancel := context.WithCancel(ctx)
	defer waitCancel()
	finished := make(chan struct{})
	go func() {
		d.Result(waitCtx, id)
		close(finished)
	}()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok || line == "/quit" {
				if err := d.Cancel(id); err != nil {
					fmt.Fprintf(out, "cancel: %v\n", err)
				}
				break loop
			}
			if strings.TrimSpace(line) == "" {
				continue
			}
			if err := d.Send(ctx, id, line); err != nil {
				fmt.Fprintf(out, "send: %v\n", err)
			}
		case <-finished:
			break loop
		}
	}

	resCtx, resCancel := context.WithTimeout(ctx, cfg.Engine.CleanupTimeout+5*time.Second)
	defer resCancel()
	res, err := d.Result(resCtx, id)

	// One final render picks up writes made during cleanup.
	cancel()
	<-done
	f.render(context.Background(), d.Store(), id)

	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Conversation %s: %s\n", id, res.Status)
	if res.Err != nil {
		return res.Err
	}
	return nil
}

func readLines(r io.Reader, lines chan<- string) {
	defer close(lines)
	if r == nil {
		r = os.Stdin
	}
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		lines <- sc.Text()
	}
}

func follow(ctx context.Context, r store.Reader, id string, f *follower, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.render(ctx, r, id)
		}
	}
}

// follower prints the growth of a conversation: the new suffix of every
// assistant message and each tool state change.
type follower struct {
	out     io.Writer
	printed map[string]int
	states  map[string]store.ToolState
	current string
}

func newFollower(out io.Writer) *follower {
	return &follower{
		out:     out,
		printed: make(map[string]int),
		states:  make(map[string]store.ToolState),
	}
}

func (f *follower) render(ctx context.Context, r store.Reader, id string) {
	msgs, err := r.ListMessages(ctx, id)
	if err != nil {
		return
	}
	tools, err := r.ListTools(ctx, id)
	if err != nil {
		return
	}
	f.update(msgs, tools)
}

func (f *follower) update(msgs []*store.Message, tools []*store.Tool) {
	for _, m := range msgs {
		if m.Sender != store.SenderAssistant {
			continue
		}
		n, seen := f.printed[m.ID]
		if n >= len(m.Content) && seen {
			continue
		}
		if f.current != m.ID {
			if f.current != "" {
				fmt.Fprintln(f.out)
			}
			name := m.Name
			if name == "" {
				name = "assistant"
			}
			fmt.Fprintf(f.out, "%s: ", name)
			f.current = m.ID
		}
		if n < len(m.Content) {
			fmt.Fprint(f.out, m.Content[n:])
		}
		f.printed[m.ID] = len(m.Content)
	}

	for _, t := range tools {
		if f.states[t.ID] == t.State {
			continue
		}
		f.states[t.ID] = t.State
		if f.current != "" {
			fmt.Fprintln(f.out)
			f.current = ""
		}
		if t.State == store.ToolOutputError {
			fmt.Fprintf(f.out, "[%s %s: %s]\n", t.Type, t.State, t.ErrorText)
			continue
		}
		fmt.Fprintf(f.out, "[%s %s]\n", t.Type, t.State)
	}
}
