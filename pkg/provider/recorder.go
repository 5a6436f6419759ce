package provider

import (
	"context"
	"strings"
	"sync"

	"github.com/harun/convoy/pkg/store"
)

// CancellationMarker is appended to a partially streamed message when the
// stream is cancelled.
const CancellationMarker = "\n\n[response cancelled]"

// MessageWriter is the subset of store.ConversationStore the recorder needs.
type MessageWriter interface {
	CreateMessage(ctx context.Context, msg *store.Message) (string, error)
	UpdateMessage(ctx context.Context, id string, patch store.MessagePatch) error
}

// MessageRecorder is a StreamSink that persists the in-flight assistant
// message: created on the first chunk, updated on every later one.
type MessageRecorder struct {
	writer         MessageWriter
	conversationID string
	name           string
	avatar         string

	mu        sync.Mutex
	messageID string
	content   strings.Builder
	aborted   bool
}

// NewMessageRecorder returns a recorder writing assistant messages for conversationID.
func NewMessageRecorder(writer MessageWriter, conversationID, name, avatar string) *MessageRecorder {
	return &MessageRecorder{
		writer:         writer,
		conversationID: conversationID,
		name:           name,
		avatar:         avatar,
	}
}

// OnChunk implements StreamSink.
func (r *MessageRecorder) OnChunk(ctx context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.content.WriteString(text)
	return r.flush(ctx)
}

// Abort implements StreamAborter. The marker is appended once.
func (r *MessageRecorder) Abort(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.aborted {
		return nil
	}
	r.aborted = true
	r.content.WriteString(CancellationMarker)
	return r.flush(ctx)
}

// Reset forgets the current message so a retried stream starts a fresh one.
func (r *MessageRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.messageID = ""
	r.content.Reset()
	r.aborted = false
}

// MessageID returns the persisted message id, empty until the first chunk.
func (r *MessageRecorder) MessageID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.messageID
}

// Content returns everything recorded so far.
func (r *MessageRecorder) Content() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.content.String()
}

func (r *MessageRecorder) flush(ctx context.Context) error {
	content := r.content.String()
	if r.messageID == "" {
		id, err := r.writer.CreateMessage(ctx, &store.Message{
			ConversationID: r.conversationID,
			Sender:         store.SenderAssistant,
			Content:        content,
			Name:           r.name,
			Avatar:         r.avatar,
		})
		if err != nil {
			return err
		}
		r.messageID = id
		return nil
	}
	return r.writer.UpdateMessage(ctx, r.messageID, store.MessagePatch{Content: &content})
}
