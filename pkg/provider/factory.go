package provider

import (
	"context"
	"strings"
)

// Supported provider names.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGemini    = "gemini"
)

// Profile holds the credentials and defaults for one provider account.
type Profile struct {
	ID        string `json:"id"`
	Provider  string `json:"provider"`
	APIKey    string `json:"api_key"`
	BaseURL   string `json:"base_url,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`
}

// Factory creates provider clients
type Factory struct{}

// New creates a client for profile.Provider.
func (f *Factory) New(ctx context.Context, profile Profile) (Client, error) {
	switch strings.ToLower(profile.Provider) {
	case ProviderAnthropic:
		return NewAnthropicClient(profile.APIKey, profile.BaseURL, profile.MaxTokens), nil
	case ProviderOpenAI:
		return NewOpenAIClient(profile.APIKey, profile.BaseURL, profile.MaxTokens), nil
	case ProviderGemini:
		return NewGeminiClient(ctx, profile.APIKey, profile.BaseURL, profile.MaxTokens)
	default:
		return nil, &InvalidProviderError{Provider: profile.Provider}
	}
}
