package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/failover"
	"github.com/harun/convoy/pkg/provider"
	"github.com/rs/zerolog"
)

// PromptBindings are tried in order by the prompt workflow.
var PromptBindings = []Binding{bindingGPT4oMini, bindingSonnet}

// PromptConfig configures one-off prompts.
type PromptConfig struct {
	Providers  ProviderSet
	Bindings   []Binding
	Activities *engine.Activities
	Options    engine.ActivityOptions
	Invoker    failover.Invoker[*provider.Response]
	Logger     zerolog.Logger
}

func (c PromptConfig) withDefaults() PromptConfig {
	if len(c.Bindings) == 0 {
		c.Bindings = PromptBindings
	}
	if c.Activities == nil {
		c.Activities = engine.NewActivities(nil, c.Logger)
	}
	if c.Options.MaxAttempts == 0 {
		c.Options = DefaultPolicies().Provider
	}
	if c.Invoker == nil {
		c.Invoker = failover.NewSequential[*provider.Response](c.Logger)
	}
	return c
}

// Prompt generates a single reply to text with failover across bindings and
// returns its first text part, or "" when the reply starts with anything else.
func Prompt(ctx context.Context, cfg PromptConfig, text string) (string, error) {
	if text == "" {
		return "", provider.ErrEmptyRequest
	}
	cfg = cfg.withDefaults()

	candidates := bindCandidates(ctx, cfg.Providers, cfg.Activities, cfg.Bindings, cfg.Options, cfg.Logger,
		func(ctx context.Context, client provider.Client, req provider.Request) (*provider.Response, error) {
			return client.Generate(ctx, req)
		}, provider.Request{Prompt: text})

	resp, err := cfg.Invoker.Run(ctx, candidates)
	if err != nil {
		return "", fmt.Errorf("prompt: %w", err)
	}
	return firstText(resp), nil
}

func firstText(resp *provider.Response) string {
	for _, msg := range resp.Messages {
		if len(msg.Parts) == 0 {
			continue
		}
		if part := msg.Parts[0]; part.Type == provider.PartText {
			return part.Text
		}
		return ""
	}
	return resp.Text
}

// PromptWorkflow runs Prompt as a single-epoch execution. The seed is the
// prompt text; the result is the reply.
type PromptWorkflow struct {
	cfg PromptConfig
}

var _ engine.Workflow = (*PromptWorkflow)(nil)

// NewPromptWorkflow creates the prompt workflow.
func NewPromptWorkflow(cfg PromptConfig) *PromptWorkflow {
	return &PromptWorkflow{cfg: cfg.withDefaults()}
}

// NewEpoch implements engine.Workflow.
func (w *PromptWorkflow) NewEpoch(ctx context.Context, info engine.EpochInfo, seed interface{}) (engine.Epoch, error) {
	var text string
	switch s := seed.(type) {
	case string:
		text = s
	case Inbound:
		text = s.Content
	default:
		return nil, fmt.Errorf("%w: prompt workflow needs a string seed, got %T", ErrInvalidSeed, seed)
	}
	return &promptEpoch{cfg: w.cfg, text: text}, nil
}

type promptEpoch struct {
	cfg  PromptConfig
	text string
}

func (p *promptEpoch) Run(ctx context.Context) (engine.Outcome, error) {
	reply, err := Prompt(ctx, p.cfg, p.text)
	if err != nil {
		return engine.Outcome{}, err
	}
	return engine.Outcome{Result: reply}, nil
}

func (p *promptEpoch) Signal(ctx context.Context, payload interface{}) error {
	return errors.New("prompt workflow does not accept messages")
}
