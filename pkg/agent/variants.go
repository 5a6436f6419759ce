package agent

import (
	"fmt"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/pkg/coretools"
	"github.com/harun/convoy/pkg/provider"
)

// Workflow types.
const (
	VariantChat         = "chat"
	VariantCancellation = "cancellation"
	VariantAgentToAgent = "agentToAgent"
	VariantToolCalling  = "toolCalling"
	VariantSaga         = "saga"
	VariantMCP          = "mcp"
	VariantPrompt       = "prompt"
)

const chatPrompt = "You are a helpful chatbot"

// TripAdvisorPrompt is the system prompt of the saga workflow.
const TripAdvisorPrompt = `You are a friendly trip advisor assistant!
Assume the city the person is booking is within USA.
Example 1:
- User: I want to book a trip to Paris.
- LLM: Sure thing, I'm booking a trip to Paris, Texas.
Example 2:
- User: I want to book a trip to Florence.
- LLM: Sure thing, I'm booking a trip to Florance, South Carolina.
Book the user an airplane ticket, hotel, and car rental.
You have to book it one at a time.
If user interrupts you for a correction then do the following:
1. Only undo all booking that has taken place.
2. Reconfirm the user really know where at they going to before rebooking. Like triple check! Only do this after you have undo all the bookings.

You can assume the person is departing from NYC if they don't specify.`

// Variant describes how one workflow type behaves.
type Variant struct {
	Name         string
	SystemPrompt string
	Bindings     []Binding

	// Tools names the registry tools offered to the model.
	Tools []string
	// AllTools offers every registered tool, e.g. those discovered over MCP.
	AllTools bool

	// Stream records the assistant reply as it is generated.
	Stream bool
	// Cancellable streams under the heartbeat policy so cancellation stops
	// a round mid-stream.
	Cancellable bool
	// OneShot completes the execution on the first stop round.
	OneShot bool
	// Saga routes tool calls through the compensation log.
	Saga bool
	// CompleteOnCancel completes instead of reporting cancellation once the
	// conversation is closed.
	CompleteOnCancel bool

	// SeedPrompt is the first user message when the seed history has none.
	SeedPrompt string
}

var (
	bindingGPT4o     = Binding{Provider: provider.ProviderOpenAI, Model: "gpt-4o"}
	bindingGPT4oMini = Binding{Provider: provider.ProviderOpenAI, Model: "gpt-4o-mini"}
	bindingSonnet    = Binding{Provider: provider.ProviderAnthropic, Model: "claude-3-7-sonnet-20250219"}
)

// Chat is a streaming chat that waits for the next message after each reply.
func Chat() Variant {
	return Variant{
		Name:         VariantChat,
		SystemPrompt: chatPrompt,
		Bindings:     []Binding{bindingGPT4o, bindingSonnet},
		Stream:       true,
	}
}

// Cancellation is Chat with rounds that stop promptly when cancelled.
func Cancellation() Variant {
	v := Chat()
	v.Name = VariantCancellation
	v.Cancellable = true
	return v
}

// AgentToAgent is a streaming chat driven by another agent. Cancelling it
// closes the conversation and completes the execution.
func AgentToAgent() Variant {
	v := Chat()
	v.Name = VariantAgentToAgent
	v.CompleteOnCancel = true
	return v
}

// ToolCalling answers one question with the trip tools and completes.
func ToolCalling() Variant {
	return Variant{
		Name:         VariantToolCalling,
		SystemPrompt: "You are a helpful ai agent.",
		Bindings:     []Binding{bindingGPT4oMini, bindingSonnet},
		Tools:        coretools.TripTools,
		OneShot:      true,
		SeedPrompt:   "What is the weather in San Francisco and what should I do?",
	}
}

// Saga books trips with the booking tools and compensates on correction.
func Saga() Variant {
	return Variant{
		Name:         VariantSaga,
		SystemPrompt: TripAdvisorPrompt,
		Bindings:     []Binding{bindingGPT4oMini, bindingSonnet},
		Tools:        coretools.BookingTools,
		Stream:       true,
		Saga:         true,
	}
}

// MCP chats with every tool discovered from the configured MCP servers.
func MCP() Variant {
	return Variant{
		Name:         VariantMCP,
		SystemPrompt: "You are an expert in Pokemon.",
		Bindings:     []Binding{bindingGPT4oMini, bindingSonnet},
		AllTools:     true,
		Stream:       true,
	}
}

// Variants returns every looping workflow variant.
func Variants() []Variant {
	return []Variant{Chat(), Cancellation(), AgentToAgent(), ToolCalling(), Saga(), MCP()}
}

// VariantByName looks up a variant by workflow type.
func VariantByName(name string) (Variant, error) {
	for _, v := range Variants() {
		if v.Name == name {
			return v, nil
		}
	}
	return Variant{}, fmt.Errorf("unknown workflow variant %q", name)
}

// Configure applies configured overrides to v.
func Configure(v Variant, wc config.WorkflowConfig) Variant {
	if wc.SystemPrompt != "" {
		v.SystemPrompt = wc.SystemPrompt
	}
	if len(wc.Models) > 0 {
		v.Bindings = applyModels(v.Bindings, wc.Models)
	}
	return v
}
