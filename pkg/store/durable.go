package store

import (
	"context"
	"errors"

	"github.com/harun/convoy/pkg/engine"
)

// ActivityStore runs every write of the wrapped store as an engine activity,
// so transient failures are retried under one policy. Missing rows and
// terminal tool records are not retried.
type ActivityStore struct {
	next ConversationStore
	acts *engine.Activities
	opts engine.ActivityOptions
}

// NewActivityStore wraps next.
func NewActivityStore(next ConversationStore, acts *engine.Activities, opts engine.ActivityOptions) *ActivityStore {
	return &ActivityStore{next: next, acts: acts, opts: opts}
}

func permanent(err error) error {
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrTerminalTool) {
		return engine.NonRetryable(err)
	}
	return err
}

func (s *ActivityStore) CreateConversation(ctx context.Context, id, title string) (*Conversation, error) {
	return engine.ExecuteActivity(ctx, s.acts, "store.createConversation", s.opts,
		func(ctx context.Context) (*Conversation, error) {
			c, err := s.next.CreateConversation(ctx, id, title)
			return c, permanent(err)
		})
}

func (s *ActivityStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	_, err := engine.ExecuteActivity(ctx, s.acts, "store.updateConversation", s.opts,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, permanent(s.next.UpdateConversation(ctx, id, patch))
		})
	return err
}

// CreateMessage assigns the id before the first attempt so retries hit the
// same row.
func (s *ActivityStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	return engine.ExecuteActivity(ctx, s.acts, "store.createMessage", s.opts,
		func(ctx context.Context) (string, error) {
			id, err := s.next.CreateMessage(ctx, msg)
			return id, permanent(err)
		})
}

func (s *ActivityStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	_, err := engine.ExecuteActivity(ctx, s.acts, "store.updateMessage", s.opts,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, permanent(s.next.UpdateMessage(ctx, id, patch))
		})
	return err
}

func (s *ActivityStore) UpsertTool(ctx context.Context, tool *Tool, patch ToolPatch) error {
	_, err := engine.ExecuteActivity(ctx, s.acts, "store.upsertTool", s.opts,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, permanent(s.next.UpsertTool(ctx, tool, patch))
		})
	return err
}

func (s *ActivityStore) UpdateTool(ctx context.Context, toolID string, patch ToolPatch) error {
	_, err := engine.ExecuteActivity(ctx, s.acts, "store.updateTool", s.opts,
		func(ctx context.Context) (struct{}, error) {
			return struct{}{}, permanent(s.next.UpdateTool(ctx, toolID, patch))
		})
	return err
}

var _ ConversationStore = (*ActivityStore)(nil)
