package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAIClient implements Client for OpenAI chat completions.
type OpenAIClient struct {
	client    openai.Client
	maxTokens int
}

// NewOpenAIClient creates an OpenAI client. An empty baseURL uses the SDK default.
func NewOpenAIClient(apiKey, baseURL string, maxTokens int) *OpenAIClient {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &OpenAIClient{
		client:    openai.NewClient(opts...),
		maxTokens: maxTokens,
	}
}

// Name returns the provider name
func (p *OpenAIClient) Name() string {
	return ProviderOpenAI
}

// Generate makes a single non-streaming call.
func (p *OpenAIClient) Generate(ctx context.Context, req Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, err
	}
	return p.toResponse(completion)
}

// Stream makes a streaming call, forwarding content deltas to sink.
func (p *OpenAIClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}
	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}

	stream := p.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		if err := emitChunk(ctx, sink, chunk.Choices[0].Delta.Content); err != nil {
			return nil, streamFailed(ctx, sink, err)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, streamFailed(ctx, sink, err)
	}
	if ctx.Err() != nil {
		return nil, streamFailed(ctx, sink, ctx.Err())
	}
	return p.toResponse(&acc.ChatCompletion)
}

func (p *OpenAIClient) buildParams(req Request) (openai.ChatCompletionNewParams, error) {
	system, msgs, err := req.Conversation()
	if err != nil {
		return openai.ChatCompletionNewParams{}, err
	}

	messages := []openai.ChatCompletionMessageParamUnion{}
	if system != "" {
		messages = append(messages, openai.SystemMessage(system))
	}

	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			messages = append(messages, openai.UserMessage(msg.Text()))
		case RoleAssistant:
			calls := msg.ToolCalls()
			if len(calls) == 0 {
				messages = append(messages, openai.AssistantMessage(msg.Text()))
				continue
			}
			toolCalls := []openai.ChatCompletionMessageToolCall{}
			for _, tc := range calls {
				toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openai.ChatCompletionMessageToolCallFunction{
						Name:      tc.Name,
						Arguments: string(rawOrEmpty(tc.Input)),
					},
				})
			}
			assistantMsg := openai.ChatCompletionMessage{
				Role:      "assistant",
				Content:   msg.Text(),
				ToolCalls: toolCalls,
			}
			messages = append(messages, assistantMsg.ToParam())
		case RoleTool:
			for _, r := range msg.ToolResults() {
				messages = append(messages, openai.ToolMessage(string(rawOrEmpty(r.Output)), r.ID))
			}
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}

	if len(req.Tools) > 0 {
		tools, err := NormalizeTools(req.Tools)
		if err != nil {
			return openai.ChatCompletionNewParams{}, err
		}
		for _, name := range sortedNames(tools) {
			params.Tools = append(params.Tools, openai.ChatCompletionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        name,
					Description: openai.String(tools[name].Description),
					Parameters:  openai.FunctionParameters(tools[name].InputSchema),
				},
			})
		}
	}
	return params, nil
}

func (p *OpenAIClient) toResponse(completion *openai.ChatCompletion) (*Response, error) {
	if len(completion.Choices) == 0 {
		return &Response{Provider: ProviderOpenAI, FinishReason: FinishError}, nil
	}
	choice := completion.Choices[0]

	calls := []ToolCall{}
	for _, tc := range choice.Message.ToolCalls {
		input := json.RawMessage(tc.Function.Arguments)
		if _, err := decodeInput(input); err != nil {
			return nil, fmt.Errorf("tool %s: %w", tc.Function.Name, err)
		}
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: rawOrEmpty(input)})
	}

	return newResponse(ProviderOpenAI, openAIFinishReason(string(choice.FinishReason)), choice.Message.Content, calls, Usage{
		InputTokens:  int(completion.Usage.PromptTokens),
		OutputTokens: int(completion.Usage.CompletionTokens),
	}), nil
}

func openAIFinishReason(reason string) FinishReason {
	switch reason {
	case "stop":
		return FinishStop
	case "tool_calls", "function_call":
		return FinishToolCalls
	default:
		return FinishUnknown
	}
}
