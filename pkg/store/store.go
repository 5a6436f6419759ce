package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/pkg/engine"
)

var (
	// ErrNotFound is returned when a conversation, message or tool does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTerminalTool is returned when a write would move a tool out of a terminal state.
	ErrTerminalTool = errors.New("tool invocation already in a terminal state")
)

// ConversationState is the lifecycle state shown to observers.
type ConversationState string

const (
	StateOpen   ConversationState = "open"
	StateClosed ConversationState = "closed"
)

// Sender identifies who wrote a persisted message.
type Sender string

const (
	SenderUser      Sender = "user"
	SenderAssistant Sender = "assistant"
	SenderSystem    Sender = "system"
)

// ToolState is the lifecycle state of a tool invocation.
type ToolState string

const (
	ToolInputStreaming  ToolState = "input-streaming"
	ToolInputAvailable  ToolState = "input-available"
	ToolOutputAvailable ToolState = "output-available"
	ToolOutputError     ToolState = "output-error"
)

// Terminal reports whether no further transition is allowed.
func (s ToolState) Terminal() bool {
	return s == ToolOutputAvailable || s == ToolOutputError
}

// Valid reports whether s is one of the known states.
func (s ToolState) Valid() bool {
	switch s {
	case ToolInputStreaming, ToolInputAvailable, ToolOutputAvailable, ToolOutputError:
		return true
	}
	return false
}

// Conversation is the durable record of one logical conversation.
type Conversation struct {
	ID        string            `json:"id"`
	Title     string            `json:"title"`
	State     ConversationState `json:"state"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// ConversationPatch updates the non-nil fields.
type ConversationPatch struct {
	State *ConversationState
	Title *string
}

// Message is one persisted chat message.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Sender         Sender    `json:"sender"`
	Content        string    `json:"content"`
	Avatar         string    `json:"avatar,omitempty"`
	Name           string    `json:"name,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// MessagePatch updates the non-nil fields.
type MessagePatch struct {
	Content *string
}

// Tool is one persisted tool invocation. ID is the provider-issued call id.
type Tool struct {
	ID             string          `json:"id"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Type           string          `json:"type"`
	State          ToolState       `json:"state"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	ErrorText      string          `json:"error_text,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// ToolPatch updates the non-nil fields.
type ToolPatch struct {
	State     *ToolState
	MessageID *string
	Input     json.RawMessage
	Output    json.RawMessage
	ErrorText *string
}

// ListOptions filters ListConversations.
type ListOptions struct {
	State ConversationState
	Limit int
}

// ConversationStore is the write side the agent loop depends on. Every
// write is visible to any read issued after it returns.
type ConversationStore interface {
	// CreateConversation inserts the conversation, or returns the existing
	// row unchanged when the id is already present.
	CreateConversation(ctx context.Context, id, title string) (*Conversation, error)
	UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error
	// CreateMessage inserts msg and returns its id. An empty msg.ID is
	// assigned before the insert, so retrying with the same msg is idempotent.
	CreateMessage(ctx context.Context, msg *Message) (string, error)
	UpdateMessage(ctx context.Context, id string, patch MessagePatch) error
	// UpsertTool inserts tool, or applies patch when tool.ID already exists.
	UpsertTool(ctx context.Context, tool *Tool, patch ToolPatch) error
	UpdateTool(ctx context.Context, toolID string, patch ToolPatch) error
}

// Reader is the query side used by observers, the CLI and tests.
type Reader interface {
	GetConversation(ctx context.Context, id string) (*Conversation, error)
	ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error)
	GetMessage(ctx context.Context, id string) (*Message, error)
	ListMessages(ctx context.Context, conversationID string) ([]*Message, error)
	GetTool(ctx context.Context, id string) (*Tool, error)
	ListTools(ctx context.Context, conversationID string) ([]*Tool, error)
}

// Store is a full conversation store.
type Store interface {
	ConversationStore
	Reader
	// PruneClosed deletes closed conversations last updated before cutoff,
	// with their messages and tools, and returns how many were removed.
	PruneClosed(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// checkToolTransition rejects writes that would revive a terminal tool.
// Re-writing the same terminal state is allowed so retried writes succeed.
func checkToolTransition(current ToolState, next *ToolState) error {
	if !current.Terminal() {
		return nil
	}
	if next == nil || *next == current {
		return nil
	}
	return ErrTerminalTool
}

// StatePtr returns a pointer to s, for building patches inline.
func StatePtr(s ToolState) *ToolState { return &s }

// ConversationStatePtr returns a pointer to s, for building patches inline.
func ConversationStatePtr(s ConversationState) *ConversationState { return &s }

// StringPtr returns a pointer to s, for building patches inline.
func StringPtr(s string) *string { return &s }

// NewID returns a new conversation or message id.
func NewID() string { return uuid.New().String() }

// DefaultActivityOptions is the retry policy for store writes.
func DefaultActivityOptions() engine.ActivityOptions {
	return engine.ActivityOptions{
		Queue:              config.QueueGeneral,
		MaxAttempts:        3,
		ScheduleToClose:    2 * time.Minute,
		InitialInterval:    200 * time.Millisecond,
		BackoffCoefficient: 2,
	}
}
