package cli

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedStore(t *testing.T, dataDir string) {
	t.Helper()
	s, err := store.NewSQLiteStore(store.SQLiteConfig{Path: filepath.Join(dataDir, "convoy.db"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	_, err = s.CreateConversation(ctx, "conv-open", "chat-conv")
	require.NoError(t, err)
	_, err = s.CreateConversation(ctx, "conv-closed", "saga-conv")
	require.NoError(t, err)
	require.NoError(t, s.UpdateConversation(ctx, "conv-closed", store.ConversationPatch{
		State: store.ConversationStatePtr(store.StateClosed),
	}))

	msgID, err := s.CreateMessage(ctx, &store.Message{
		ConversationID: "conv-open",
		Sender:         store.SenderUser,
		Name:           "User",
		Content:        "Book a trip to Paris",
	})
	require.NoError(t, err)
	_, err = s.CreateMessage(ctx, &store.Message{
		ConversationID: "conv-open",
		Sender:         store.SenderAssistant,
		Content:        "Booking now",
	})
	require.NoError(t, err)
	require.NoError(t, s.UpsertTool(ctx, &store.Tool{
		ID:             "call-1",
		MessageID:      msgID,
		ConversationID: "conv-open",
		Type:           "bookHotel",
		State:          store.ToolOutputAvailable,
		Input:          json.RawMessage(`{"city":"Paris"}`),
		Output:         json.RawMessage(`"booked"`),
	}, store.ToolPatch{}))
}

func TestConversationsCommand(t *testing.T) {
	path, dataDir := writeTestConfig(t, nil)
	seedStore(t, dataDir)

	t.Run("list", func(t *testing.T) {
		out, err := execute(t, "conversations", "list", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "conv-open")
		assert.Contains(t, out, "conv-closed")
		assert.Contains(t, out, "STATE")
	})

	t.Run("list by state", func(t *testing.T) {
		out, err := execute(t, "conversations", "list", "--config", path, "--state", "closed")
		require.NoError(t, err)
		assert.Contains(t, out, "conv-closed")
		assert.NotContains(t, out, "conv-open")
	})

	t.Run("show", func(t *testing.T) {
		out, err := execute(t, "conv", "show", "conv-open", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "chat-conv (open)")
		assert.Contains(t, out, "User: Book a trip to Paris")
		assert.Contains(t, out, "assistant: Booking now")
		assert.Contains(t, out, `[bookHotel output-available] {"city":"Paris"} -> "booked"`)
	})

	t.Run("show json", func(t *testing.T) {
		out, err := execute(t, "conversations", "show", "conv-open", "--json", "--config", path)
		require.NoError(t, err)

		var view struct {
			Conversation store.Conversation `json:"conversation"`
			Messages     []store.Message    `json:"messages"`
			Tools        []store.Tool       `json:"tools"`
		}
		require.NoError(t, json.Unmarshal([]byte(out), &view))
		assert.Equal(t, "conv-open", view.Conversation.ID)
		assert.Len(t, view.Messages, 2)
		assert.Len(t, view.Tools, 1)
	})

	t.Run("show missing", func(t *testing.T) {
		_, err := execute(t, "conversations", "show", "nope", "--config", path)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("prune", func(t *testing.T) {
		time.Sleep(10 * time.Millisecond)
		out, err := execute(t, "conversations", "prune", "--older-than", "0s", "--config", path)
		require.NoError(t, err)
		assert.Contains(t, out, "Pruned 1 conversation(s)")

		out, err = execute(t, "conversations", "list", "--config", path)
		require.NoError(t, err)
		assert.NotContains(t, out, "conv-closed")
	})
}
