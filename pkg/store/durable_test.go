package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/engine"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// flakyStore fails the first failures writes of each kind.
type flakyStore struct {
	*MemoryStore
	failures int
	calls    map[string]int
	ids      []string
}

func (s *flakyStore) fail(op string) error {
	s.calls[op]++
	if s.calls[op] <= s.failures {
		return errors.New("database is locked")
	}
	return nil
}

func (s *flakyStore) CreateMessage(ctx context.Context, msg *Message) (string, error) {
	s.ids = append(s.ids, msg.ID)
	if err := s.fail("createMessage"); err != nil {
		return "", err
	}
	return s.MemoryStore.CreateMessage(ctx, msg)
}

func (s *flakyStore) UpdateConversation(ctx context.Context, id string, patch ConversationPatch) error {
	if err := s.fail("updateConversation"); err != nil {
		return err
	}
	return s.MemoryStore.UpdateConversation(ctx, id, patch)
}

func newActivityStore(failures int) (*ActivityStore, *flakyStore) {
	flaky := &flakyStore{MemoryStore: NewMemoryStore(), failures: failures, calls: map[string]int{}}
	opts := engine.ActivityOptions{MaxAttempts: 3, InitialInterval: time.Millisecond}
	return NewActivityStore(flaky, engine.NewActivities(nil, zerolog.Nop()), opts), flaky
}

func TestActivityStore_RetriesTransientFailures(t *testing.T) {
	ctx := context.Background()
	st, flaky := newActivityStore(2)
	_, err := st.CreateConversation(ctx, "c1", "chat-c1")
	require.NoError(t, err)

	msg := &Message{ConversationID: "c1", Sender: SenderUser, Content: "hi"}
	id, err := st.CreateMessage(ctx, msg)
	require.NoError(t, err)

	assert.Equal(t, 3, flaky.calls["createMessage"])
	require.Len(t, flaky.ids, 3)
	assert.Equal(t, id, flaky.ids[0])
	assert.Equal(t, flaky.ids[0], flaky.ids[2])

	msgs, err := flaky.ListMessages(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestActivityStore_GivesUpAfterAttempts(t *testing.T) {
	ctx := context.Background()
	st, flaky := newActivityStore(5)
	_, err := st.CreateConversation(ctx, "c1", "chat-c1")
	require.NoError(t, err)

	err = st.UpdateConversation(ctx, "c1", ConversationPatch{State: ConversationStatePtr(StateClosed)})
	require.Error(t, err)
	assert.Equal(t, 3, flaky.calls["updateConversation"])
}

func TestActivityStore_DoesNotRetryPermanentErrors(t *testing.T) {
	ctx := context.Background()
	st, flaky := newActivityStore(0)

	err := st.UpdateConversation(ctx, "missing", ConversationPatch{Title: StringPtr("x")})
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, 1, flaky.calls["updateConversation"])
}
