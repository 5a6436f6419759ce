package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and the one-shot prompt
// command. It enforces the same invariants as SQLiteStore.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string]*Conversation
	messages      map[string]*Message
	tools         map[string]*Tool
	messageOrder  map[string][]string
	toolOrder     map[string][]string
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string]*Conversation),
		messages:      make(map[string]*Message),
		tools:         make(map[string]*Tool),
		messageOrder:  make(map[string][]string),
		toolOrder:     make(map[string][]string),
	}
}

func (s *MemoryStore) CreateConversation(ctx context.Context, id, title string) (*Conversation, error) {
	if id == "" {
		return nil, errors.New("conversation id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.conversations[id]; ok {
		cp := *c
		return &cp, nil
	}
	now := time.Now().UTC()
	c := &Conversation{ID: id, Title: title, State: StateOpen, CreatedAt: now, UpdatedAt: now}
	s.conversations[id] = c
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.conversations[id]
	if !ok {
		return fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	if patch.State != nil {
		c.State = *patch.State
	}
	if patch.Title != nil {
		c.Title = *patch.Title
	}
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
	if msg.ID == "" {
		msg.ID = NewID()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[msg.ID]; ok {
		return msg.ID, nil
	}
	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return "", fmt.Errorf("conversation %s: %w", msg.ConversationID, ErrNotFound)
	}
	now := time.Now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	cp := *msg
	s.messages[msg.ID] = &cp
	s.messageOrder[msg.ConversationID] = append(s.messageOrder[msg.ConversationID], msg.ID)
	return msg.ID, nil
}

func (s *MemoryStore) UpdateMessage(ctx context.Context, id string, patch MessagePatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[id]
	if !ok {
		return fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	if patch.Content != nil {
		m.Content = *patch.Content
		m.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (s *MemoryStore) UpsertTool(ctx context.Context, tool *Tool, patch ToolPatch) error {
	if tool.ID == "" {
		return errors.New("tool id is required")
	}
	if !tool.State.Valid() {
		return fmt.Errorf("invalid tool state %q", tool.State)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.tools[tool.ID]; ok {
		return s.applyToolPatch(existing, patch)
	}
	if _, ok := s.conversations[tool.ConversationID]; !ok {
		return fmt.Errorf("tool %s parent: %w", tool.ID, ErrNotFound)
	}
	if _, ok := s.messages[tool.MessageID]; !ok {
		return fmt.Errorf("tool %s parent: %w", tool.ID, ErrNotFound)
	}
	now := time.Now().UTC()
	cp := *tool
	cp.Input = cloneRaw(tool.Input)
	cp.Output = cloneRaw(tool.Output)
	cp.CreatedAt = now
	cp.UpdatedAt = now
	s.tools[tool.ID] = &cp
	s.toolOrder[tool.ConversationID] = append(s.toolOrder[tool.ConversationID], tool.ID)
	return nil
}

func (s *MemoryStore) UpdateTool(ctx context.Context, toolID string, patch ToolPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tools[toolID]
	if !ok {
		return fmt.Errorf("tool %s: %w", toolID, ErrNotFound)
	}
	return s.applyToolPatch(t, patch)
}

func (s *MemoryStore) applyToolPatch(t *Tool, patch ToolPatch) error {
	if err := checkToolTransition(t.State, patch.State); err != nil {
		return fmt.Errorf("tool %s (%s): %w", t.ID, t.State, err)
	}
	if patch.State != nil {
		if !patch.State.Valid() {
			return fmt.Errorf("invalid tool state %q", *patch.State)
		}
		t.State = *patch.State
	}
	if patch.MessageID != nil {
		t.MessageID = *patch.MessageID
	}
	if patch.Input != nil {
		t.Input = cloneRaw(patch.Input)
	}
	if patch.Output != nil {
		t.Output = cloneRaw(patch.Output)
	}
	if patch.ErrorText != nil {
		t.ErrorText = *patch.ErrorText
	}
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.conversations[id]
	if !ok {
		return nil, fmt.Errorf("conversation %s: %w", id, ErrNotFound)
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListConversations(ctx context.Context, opts ListOptions) ([]*Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conversation
	for _, c := range s.conversations {
		if opts.State != "" && c.State != opts.State {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *MemoryStore) GetMessage(ctx context.Context, id string) (*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, fmt.Errorf("message %s: %w", id, ErrNotFound)
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) ListMessages(ctx context.Context, conversationID string) ([]*Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.messageOrder[conversationID]
	out := make([]*Message, 0, len(ids))
	for _, id := range ids {
		cp := *s.messages[id]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *MemoryStore) GetTool(ctx context.Context, id string) (*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tools[id]
	if !ok {
		return nil, fmt.Errorf("tool %s: %w", id, ErrNotFound)
	}
	return copyTool(t), nil
}

func (s *MemoryStore) ListTools(ctx context.Context, conversationID string) ([]*Tool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.toolOrder[conversationID]
	out := make([]*Tool, 0, len(ids))
	for _, id := range ids {
		out = append(out, copyTool(s.tools[id]))
	}
	return out, nil
}

func (s *MemoryStore) PruneClosed(ctx context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, c := range s.conversations {
		if c.State != StateClosed || !c.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, mid := range s.messageOrder[id] {
			delete(s.messages, mid)
		}
		for _, tid := range s.toolOrder[id] {
			delete(s.tools, tid)
		}
		delete(s.messageOrder, id)
		delete(s.toolOrder, id)
		delete(s.conversations, id)
		pruned++
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }

func copyTool(t *Tool) *Tool {
	cp := *t
	cp.Input = cloneRaw(t.Input)
	cp.Output = cloneRaw(t.Output)
	return &cp
}

func cloneRaw(raw []byte) []byte {
	if raw == nil {
		return nil
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
