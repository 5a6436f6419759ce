package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"google.golang.org/genai"
)

// GeminiClient implements Client for Google Gemini.
type GeminiClient struct {
	client    *genai.Client
	maxTokens int
}

// NewGeminiClient creates a Gemini client against the Gemini API backend.
func NewGeminiClient(ctx context.Context, apiKey, baseURL string, maxTokens int) (*GeminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{client: client, maxTokens: maxTokens}, nil
}

// Name returns the provider name
func (p *GeminiClient) Name() string {
	return ProviderGemini
}

// Generate makes a single non-streaming call.
func (p *GeminiClient) Generate(ctx context.Context, req Request) (*Response, error) {
	contents, config, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	resp, err := p.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, err
	}

	acc := &geminiAccumulator{}
	acc.add(resp)
	return acc.response(), nil
}

// Stream makes a streaming call, forwarding text parts to sink.
func (p *GeminiClient) Stream(ctx context.Context, req Request, sink StreamSink) (*Response, error) {
	contents, config, err := p.buildRequest(req)
	if err != nil {
		return nil, err
	}

	acc := &geminiAccumulator{}
	for chunk, err := range p.client.Models.GenerateContentStream(ctx, req.Model, contents, config) {
		if err != nil {
			return nil, streamFailed(ctx, sink, err)
		}
		for _, text := range acc.add(chunk) {
			if err := emitChunk(ctx, sink, text); err != nil {
				return nil, streamFailed(ctx, sink, err)
			}
		}
	}
	if ctx.Err() != nil {
		return nil, streamFailed(ctx, sink, ctx.Err())
	}
	return acc.response(), nil
}

func (p *GeminiClient) buildRequest(req Request) ([]*genai.Content, *genai.GenerateContentConfig, error) {
	system, msgs, err := req.Conversation()
	if err != nil {
		return nil, nil, err
	}

	// Function responses need the function name; index it by call id.
	callNames := map[string]string{}
	contents := make([]*genai.Content, 0, len(msgs))
	for _, msg := range msgs {
		switch msg.Role {
		case RoleUser:
			contents = append(contents, genai.NewContentFromText(msg.Text(), genai.RoleUser))
		case RoleAssistant:
			content := &genai.Content{Role: genai.RoleModel}
			if text := msg.Text(); text != "" {
				content.Parts = append(content.Parts, genai.NewPartFromText(text))
			}
			for _, tc := range msg.ToolCalls() {
				args, err := decodeInput(tc.Input)
				if err != nil {
					return nil, nil, err
				}
				callNames[tc.ID] = tc.Name
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		case RoleTool:
			content := &genai.Content{Role: genai.RoleUser}
			for _, r := range msg.ToolResults() {
				name := r.Name
				if name == "" {
					name = callNames[r.ID]
				}
				response := map[string]any{}
				key := "output"
				if r.IsError {
					key = "error"
				}
				var decoded any
				if err := json.Unmarshal(rawOrEmpty(r.Output), &decoded); err != nil {
					decoded = string(r.Output)
				}
				response[key] = decoded
				content.Parts = append(content.Parts, &genai.Part{
					FunctionResponse: &genai.FunctionResponse{ID: r.ID, Name: name, Response: response},
				})
			}
			if len(content.Parts) > 0 {
				contents = append(contents, content)
			}
		}
	}

	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTokens
	}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}
	if req.Temperature > 0 {
		t := float32(req.Temperature)
		config.Temperature = &t
	}

	if len(req.Tools) > 0 {
		tools, err := NormalizeTools(req.Tools)
		if err != nil {
			return nil, nil, err
		}
		decls := make([]*genai.FunctionDeclaration, 0, len(tools))
		for _, name := range sortedNames(tools) {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 name,
				Description:          tools[name].Description,
				ParametersJsonSchema: tools[name].InputSchema,
			})
		}
		config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}
	return contents, config, nil
}

// geminiAccumulator folds streamed responses into one Response.
type geminiAccumulator struct {
	text       string
	reasoning  string
	calls      []ToolCall
	finish     genai.FinishReason
	candidates int
	usage      Usage
}

// add merges resp and returns the new text fragments it carried.
func (a *geminiAccumulator) add(resp *genai.GenerateContentResponse) []string {
	if resp == nil {
		return nil
	}
	if resp.UsageMetadata != nil {
		a.usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	if len(resp.Candidates) == 0 {
		return nil
	}
	a.candidates++

	cand := resp.Candidates[0]
	if cand.FinishReason != "" {
		a.finish = cand.FinishReason
	}
	if cand.Content == nil {
		return nil
	}

	var fragments []string
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			id := part.FunctionCall.ID
			if id == "" {
				id = fmt.Sprintf("call_%s_%d", part.FunctionCall.Name, len(a.calls))
			}
			a.calls = append(a.calls, ToolCall{
				ID:    id,
				Name:  part.FunctionCall.Name,
				Input: encodeInput(part.FunctionCall.Args),
			})
		case part.Thought:
			a.reasoning += part.Text
		case part.Text != "":
			a.text += part.Text
			fragments = append(fragments, part.Text)
		}
	}
	return fragments
}

func (a *geminiAccumulator) response() *Response {
	if a.candidates == 0 {
		return &Response{Provider: ProviderGemini, FinishReason: FinishError, Usage: a.usage}
	}
	reason := FinishUnknown
	if a.finish == genai.FinishReasonStop || a.finish == "" {
		reason = FinishStop
		if len(a.calls) > 0 {
			reason = FinishToolCalls
		}
	}
	resp := newResponse(ProviderGemini, reason, a.text, a.calls, a.usage)
	resp.Reasoning = a.reasoning
	return resp
}
