package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/pkg/provider"
)

// ProviderSet maps a provider name to the client serving it.
type ProviderSet map[string]provider.Client

// ProviderCreator creates clients from credential profiles.
type ProviderCreator interface {
	New(ctx context.Context, profile provider.Profile) (provider.Client, error)
}

// NewProviderSet builds one client per provider from profiles. Profiles are
// taken in priority order and the first profile of each provider wins.
func NewProviderSet(ctx context.Context, factory ProviderCreator, cfg *config.Config) (ProviderSet, error) {
	if factory == nil {
		factory = &provider.Factory{}
	}
	set := make(ProviderSet)
	for _, p := range cfg.SortedProviders() {
		name := strings.ToLower(p.Provider)
		if _, ok := set[name]; ok {
			continue
		}
		client, err := factory.New(ctx, provider.Profile{
			ID:        p.ID,
			Provider:  name,
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			MaxTokens: p.MaxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("provider profile %s: %w", p.ID, err)
		}
		set[name] = client
	}
	return set, nil
}

// Binding pairs a provider with the model a workflow uses on it.
type Binding struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

func (b Binding) String() string { return b.Provider + "/" + b.Model }

// QueueFor returns the task queue provider calls run on.
func QueueFor(providerName string) string {
	switch providerName {
	case provider.ProviderOpenAI:
		return config.QueueOpenAI
	case provider.ProviderAnthropic:
		return config.QueueAnthropic
	case provider.ProviderGemini:
		return config.QueueGemini
	default:
		return config.QueueGeneral
	}
}

// applyModels overrides binding models from a workflow's configured models.
// A configured provider without a binding is appended as a further fallback.
func applyModels(bindings []Binding, models map[string]string) []Binding {
	out := make([]Binding, len(bindings))
	copy(out, bindings)

	names := make([]string, 0, len(models))
	for name := range models {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		model := models[name]
		if model == "" {
			continue
		}
		found := false
		for i := range out {
			if strings.EqualFold(out[i].Provider, name) {
				out[i].Model = model
				found = true
			}
		}
		if !found {
			out = append(out, Binding{Provider: strings.ToLower(name), Model: model})
		}
	}
	return out
}
