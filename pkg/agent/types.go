package agent

import (
	"errors"
	"fmt"

	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/saga"
)

// ErrInvalidSeed is returned when a seed history is malformed.
var ErrInvalidSeed = errors.New("invalid seed")

// Inbound is a user message delivered to a running conversation.
type Inbound struct {
	Content string `json:"content"`
	// Name and Avatar override the configured user display values.
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// Seed is the state an epoch starts from. The first epoch may be seeded with
// a prior history; continuations carry the full state forward. Messages
// waiting to be merged stay in the host mailbox across the hand-off.
type Seed struct {
	History []provider.Message `json:"history,omitempty"`
	Saga    saga.Log           `json:"saga,omitempty"`
	// LoopFlag requests a provider round without new user input.
	LoopFlag bool `json:"loop_flag,omitempty"`
}

// FailedError ends an epoch as an application failure: the providers
// reported an error or unknown finish reason, or every binding failed.
type FailedError struct {
	ConversationID string
	FinishReason   provider.FinishReason
	Err            error
}

func (e *FailedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("conversation %s failed: %v", e.ConversationID, e.Err)
	}
	return fmt.Sprintf("conversation %s failed: finish reason %q", e.ConversationID, e.FinishReason)
}

func (e *FailedError) Unwrap() error { return e.Err }

// Title returns the display title of a conversation started by workflowType.
func Title(workflowType, conversationID string) string {
	prefix := conversationID
	if len(prefix) > 4 {
		prefix = prefix[:4]
	}
	return workflowType + "-" + prefix
}

func decodeSeed(seed interface{}) (Seed, error) {
	switch s := seed.(type) {
	case nil:
		return Seed{}, nil
	case Seed:
		return s, nil
	case *Seed:
		if s == nil {
			return Seed{}, nil
		}
		return *s, nil
	case []provider.Message:
		return Seed{History: s}, nil
	default:
		return Seed{}, fmt.Errorf("%w: unsupported seed type %T", ErrInvalidSeed, seed)
	}
}

// normalizeHistory ensures history starts with exactly one system message,
// inserting systemPrompt when none is present.
func normalizeHistory(history []provider.Message, systemPrompt string) ([]provider.Message, error) {
	for i, msg := range history {
		if msg.Role == provider.RoleSystem && i > 0 {
			return nil, fmt.Errorf("%w: system message at position %d", ErrInvalidSeed, i)
		}
	}
	out := make([]provider.Message, 0, len(history)+1)
	if len(history) == 0 || history[0].Role != provider.RoleSystem {
		out = append(out, provider.TextMessage(provider.RoleSystem, systemPrompt))
	}
	return append(out, history...), nil
}

// awaitsReply reports whether the last message of history is from the user.
func awaitsReply(history []provider.Message) bool {
	return len(history) > 0 && history[len(history)-1].Role == provider.RoleUser
}
