package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrEmptyRequest is returned when a request carries neither a prompt nor messages.
var ErrEmptyRequest = errors.New("request has neither prompt nor messages")

// InvalidProviderError is returned for a provider name no adapter supports.
type InvalidProviderError struct {
	Provider string
}

func (e *InvalidProviderError) Error() string {
	return fmt.Sprintf("provider supplied is invalid: %q", e.Provider)
}

// Role of a message in the conversation history.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartType tags a message part.
type PartType string

const (
	PartText       PartType = "text"
	PartToolCall   PartType = "tool-call"
	PartToolResult PartType = "tool-result"
)

// Part is one typed piece of message content.
type Part struct {
	Type       PartType        `json:"type"`
	Text       string          `json:"text,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	IsError    bool            `json:"is_error,omitempty"`
}

// Message is one entry of the conversation history.
type Message struct {
	Role  Role   `json:"role"`
	Parts []Part `json:"parts"`
}

// TextMessage builds a message with a single text part.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Parts: []Part{{Type: PartText, Text: text}}}
}

// Text concatenates the text parts of m.
func (m Message) Text() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartText {
			b.WriteString(p.Text)
		}
	}
	return b.String()
}

// ToolCalls returns the tool-call parts of m in order.
func (m Message) ToolCalls() []ToolCall {
	var calls []ToolCall
	for _, p := range m.Parts {
		if p.Type == PartToolCall {
			calls = append(calls, ToolCall{ID: p.ToolCallID, Name: p.ToolName, Input: p.Input})
		}
	}
	return calls
}

// ToolResults returns the tool-result parts of m in order.
func (m Message) ToolResults() []ToolResult {
	var results []ToolResult
	for _, p := range m.Parts {
		if p.Type == PartToolResult {
			results = append(results, ToolResult{ID: p.ToolCallID, Name: p.ToolName, Output: p.Output, IsError: p.IsError})
		}
	}
	return results
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one ToolCall as fed back to the model.
type ToolResult struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Output  json.RawMessage `json:"output"`
	IsError bool            `json:"is_error,omitempty"`
}

// AssistantMessage builds an assistant message from text and tool calls.
func AssistantMessage(text string, calls []ToolCall) Message {
	msg := Message{Role: RoleAssistant}
	if text != "" {
		msg.Parts = append(msg.Parts, Part{Type: PartText, Text: text})
	}
	for _, c := range calls {
		msg.Parts = append(msg.Parts, Part{Type: PartToolCall, ToolCallID: c.ID, ToolName: c.Name, Input: c.Input})
	}
	return msg
}

// ToolMessage builds the tool message carrying results, in the given order.
func ToolMessage(results []ToolResult) Message {
	msg := Message{Role: RoleTool, Parts: make([]Part, 0, len(results))}
	for _, r := range results {
		msg.Parts = append(msg.Parts, Part{
			Type:       PartToolResult,
			ToolCallID: r.ID,
			ToolName:   r.Name,
			Output:     r.Output,
			IsError:    r.IsError,
		})
	}
	return msg
}

// FinishReason classifies how a provider round ended.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool-calls"
	FinishError     FinishReason = "error"
	FinishUnknown   FinishReason = "unknown"
)

// ParseFinishReason maps any value outside the four known reasons to unknown.
func ParseFinishReason(s string) FinishReason {
	switch r := FinishReason(s); r {
	case FinishStop, FinishToolCalls, FinishError, FinishUnknown:
		return r
	}
	return FinishUnknown
}

// ToolSchema describes one tool offered to the model.
type ToolSchema struct {
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ToolSet maps tool names to their schemas.
type ToolSet map[string]ToolSchema

// Request is a provider-neutral generation request.
type Request struct {
	Model        string
	Prompt       string
	Messages     []Message
	SystemPrompt string
	Tools        ToolSet
	MaxTokens    int
	Temperature  float64
}

// Conversation resolves the effective system prompt and message list.
// Non-empty Messages take precedence over Prompt. A leading system message
// overrides SystemPrompt and is removed from the returned list.
func (r Request) Conversation() (string, []Message, error) {
	system := r.SystemPrompt
	msgs := r.Messages
	if len(msgs) == 0 {
		if r.Prompt == "" {
			return "", nil, ErrEmptyRequest
		}
		return system, []Message{TextMessage(RoleUser, r.Prompt)}, nil
	}
	if msgs[0].Role == RoleSystem {
		system = msgs[0].Text()
		msgs = msgs[1:]
	}
	if len(msgs) == 0 {
		return "", nil, ErrEmptyRequest
	}
	return system, msgs, nil
}

// Usage is token accounting for one round.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is a provider-neutral generation result.
type Response struct {
	Provider     string       `json:"provider"`
	FinishReason FinishReason `json:"finish_reason"`
	Messages     []Message    `json:"messages"`
	ToolCalls    []ToolCall   `json:"tool_calls,omitempty"`
	Text         string       `json:"text"`
	Reasoning    string       `json:"reasoning,omitempty"`
	Usage        Usage        `json:"usage"`
}

func newResponse(provider string, reason FinishReason, text string, calls []ToolCall, usage Usage) *Response {
	resp := &Response{
		Provider:     provider,
		FinishReason: reason,
		Text:         text,
		ToolCalls:    calls,
		Usage:        usage,
	}
	if text != "" || len(calls) > 0 {
		resp.Messages = []Message{AssistantMessage(text, calls)}
	}
	return resp
}

// StreamSink receives text chunks as they are generated.
type StreamSink interface {
	OnChunk(ctx context.Context, text string) error
}

// StreamAborter is implemented by sinks that need to record an aborted stream.
type StreamAborter interface {
	Abort(ctx context.Context) error
}

// SinkFunc adapts a function to StreamSink.
type SinkFunc func(ctx context.Context, text string) error

func (f SinkFunc) OnChunk(ctx context.Context, text string) error { return f(ctx, text) }

// Client is a uniform adapter over one LLM vendor.
type Client interface {
	Name() string
	Generate(ctx context.Context, req Request) (*Response, error)
	Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error)
}
