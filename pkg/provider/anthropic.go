package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

const defaultMaxTokens = 4096

// AnthropicClient implements Client for Anthropic Claude.
type AnthropicClient struct {
	client    anthropic.Client
	maxTokens int
}

// NewAnthropicClient creates an Anthropic client. An empty baseURL uses the SDK default.
func NewAnthropicClient(apiKey, baseURL string, maxTokens int) *AnthropicClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &AnthropicClient{
		client:    anthropic.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

// Name returns the provider name
func (p *AnthropicClient) Name() string {
	return ProviderAnthropic
}

// Generate makes a single non-streaming call.
func (p *AnthropicClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	message, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return p.toResponse(message)
}

// Stream makes a streaming call, forwarding text deltas to sink.
func (p *AnthropicClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	message := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("failed to accumulate stream event: %w", err)
		}

		delta, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}
		if text, ok := delta.Delta.AsAny().(anthropic.TextDelta); ok {
			if err := emitChunk(ctx, sink, text.Text); err != nil {
				return nil, streamFailed(ctx, sink, err)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, streamFailed(ctx, sink, err)
	}
	if ctx.Err() != nil {
		return nil, streamFailed(ctx, sink, ctx.Err())
	}
	return p.toResponse(&message)
}

func (p *AnthropicClient) buildParams(req Request) (anthropic.MessageNewParams, error) {
	system, msgs, err := req.Conversation()
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	messages := make([]anthropic.MessageParam, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Text())))
		case RoleTool:
			blocks := []anthropic.ContentBlockParamUnion{}
			for _, r := range msg.ToolResults() {
				blocks = append(blocks, anthropic.NewToolResultBlock(r.ID, string(rawOrEmpty(r.Output)), r.IsError))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.NewUserMessage(blocks...))
			}
		case RoleAssistant:
			blocks := []anthropic.ContentBlockParamUnion{}
			if text := msg.Text(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range msg.ToolCalls() {
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, rawOrEmpty(tc.Input), tc.Name))
			}
			if len(blocks) > 0 {
				messages = append(messages, anthropic.MessageParam{
					Role:    anthropic.MessageParamRoleAssistant,
					Content: blocks,
				})
			}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools, err := NormalizeTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		for _, name := range sortedNames(tools) {
			schema := tools[name].InputSchema
			toolParam := anthropic.ToolParam{
				Name:        name,
				Description: anthropic.String(tools[name].Description),
				InputSchema: anthropic.ToolInputSchemaParam{
					Properties: schema["properties"],
				},
			}
			if required, ok := schema["required"].([]string); ok {
				toolParam.InputSchema.Required = required
			}
			params.Tools = append(params.Tools, anthropic.ToolUnionParam{OfTool: &toolParam})
		}
	}
	return params, nil
}

func (p *AnthropicClient) toResponse(message *anthropic.Message) (*Response, error) {
	text := ""
	reasoning := ""
	calls := []ToolCall{}

	for _, block := range message.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			text += b.Text
		case anthropic.ThinkingBlock:
			reasoning += b.Thinking
		case anthropic.ToolUseBlock:
			input := json.RawMessage(b.Input)
			if _, err := decodeInput(input); err != nil {
				return nil, err
			}
			calls = append(calls, ToolCall{ID: b.ID, Name: b.Name, Input: rawOrEmpty(input)})
		}
	}

	resp := newResponse(ProviderAnthropic, anthropicFinishReason(string(message.StopReason)), text, calls, Usage{
		InputTokens:  int(message.Usage.InputTokens),
		OutputTokens: int(message.Usage.OutputTokens),
	})
	resp.Reasoning = reasoning
	return resp, nil
}

func anthropicFinishReason(reason string) FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return FinishStop
	case "tool_use":
		return FinishToolCalls
	default:
		return FinishUnknown
	}
}
