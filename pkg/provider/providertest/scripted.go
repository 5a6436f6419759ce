// Package providertest provides a scripted provider.Client for tests.
package providertest

import (
	"context"
	"errors"
	"sync"

	"github.com/harun/convoy/pkg/provider"
)

// ErrScriptExhausted is returned once every scripted step has been consumed.
var ErrScriptExhausted = errors.New("scripted provider has no more responses")

// Step is one scripted round. Chunks are streamed before Response is
// returned; Err fails the round instead. When Block is set the stream emits
// its chunks and then waits for ctx to be cancelled.
type Step struct {
	Response *provider.Response
	Chunks   []string
	Err      error
	Block    bool
}

// Client replays Steps in order and records every request it receives.
type Client struct {
	name string

	mu       sync.Mutex
	steps    []Step
	requests []provider.Request

	// Started is signalled (non-blocking) when a blocking step begins waiting.
	Started chan struct{}
}

// New returns a scripted client named name.
func New(name string, steps ...Step) *Client {
	return &Client{name: name, steps: steps, Started: make(chan struct{}, 1)}
}

func (c *Client) Name() string { return c.name }

// Requests returns a copy of every request seen so far.
func (c *Client) Requests() []provider.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]provider.Request, len(c.requests))
	copy(out, c.requests)
	return out
}

// Calls returns how many requests were made.
func (c *Client) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.requests)
}

func (c *Client) next(req provider.Request) (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	msgs := make([]provider.Message, len(req.Messages))
	copy(msgs, req.Messages)
	req.Messages = msgs
	c.requests = append(c.requests, req)

	if len(c.steps) == 0 {
		return Step{}, ErrScriptExhausted
	}
	step := c.steps[0]
	c.steps = c.steps[1:]
	return step, nil
}

func (c *Client) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

func (c *Client) Stream(ctx context.Context, req provider.Request, sink provider.StreamSink) (*provider.Response, error) {
	step, err := c.next(req)
	if err != nil {
		return nil, err
	}
	for _, chunk := range step.Chunks {
		if sink != nil {
			if err := sink.OnChunk(ctx, chunk); err != nil {
				return nil, err
			}
		}
	}
	if step.Block {
		select {
		case c.Started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		if a, ok := sink.(provider.StreamAborter); ok {
			if err := a.Abort(context.WithoutCancel(ctx)); err != nil {
				return nil, errors.Join(ctx.Err(), err)
			}
		}
		return nil, ctx.Err()
	}
	if step.Err != nil {
		return nil, step.Err
	}
	return step.Response, nil
}

// Text builds a stop response carrying text.
func Text(text string) Step {
	return Step{Response: &provider.Response{
		FinishReason: provider.FinishStop,
		Text:         text,
		Messages:     []provider.Message{provider.TextMessage(provider.RoleAssistant, text)},
	}}
}

// ToolCalls builds a tool-calls response requesting calls.
func ToolCalls(calls ...provider.ToolCall) Step {
	return Step{Response: &provider.Response{
		FinishReason: provider.FinishToolCalls,
		ToolCalls:    calls,
		Messages:     []provider.Message{provider.AssistantMessage("", calls)},
	}}
}

// Finish builds a response with the given finish reason and no content.
func Finish(reason provider.FinishReason) Step {
	return Step{Response: &provider.Response{FinishReason: reason}}
}

// Fail builds a failing step.
func Fail(err error) Step {
	return Step{Err: err}
}

// Streamed builds a stop response whose text is delivered as chunks.
func Streamed(chunks ...string) Step {
	text := ""
	for _, c := range chunks {
		text += c
	}
	step := Text(text)
	step.Chunks = chunks
	return step
}

// Blocking streams chunks and then waits for cancellation.
func Blocking(chunks ...string) Step {
	return Step{Chunks: chunks, Block: true}
}
