package coretools

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/toolexecutor"
)

// Tool names.
const (
	Weather               = "weather"
	Attractions           = "attractions"
	GetLocation           = "getLocation"
	GetWeatherInformation = "getWeatherInformation"
	AskForConfirmation    = "askForConfirmation"

	BuyPlaneTicket     = "buyPlaneTicket"
	UndoBuyPlaneTicket = "undoBuyPlaneTicket"
	BookHotel          = "bookHotel"
	UndoBookHotel      = "undoBookHotel"
	RentCar            = "rentCar"
	UndoRentCar        = "undoRentCar"
)

var (
	// TripTools are offered by the tool-calling workflow.
	TripTools = []string{Weather, Attractions}

	// LocationTools answer questions about where the user is.
	LocationTools = []string{GetLocation, GetWeatherInformation, AskForConfirmation}

	// BookingTools are the saga's forward and undo actions.
	BookingTools = []string{BuyPlaneTicket, BookHotel, RentCar, UndoBuyPlaneTicket, UndoBookHotel, UndoRentCar}
)

// WeatherOptions are the conditions getWeatherInformation picks from.
var WeatherOptions = []string{"sunny", "cloudy", "rainy", "snowy", "windy"}

// Binding names a provider and model used by a tool that calls a model.
type Binding struct {
	Provider string
	Model    string
}

// DefaultAttractionBindings alternate by activity attempt: odd attempts use
// the second binding, even attempts the first.
var DefaultAttractionBindings = []Binding{
	{Provider: provider.ProviderOpenAI, Model: "gpt-4o-mini"},
	{Provider: provider.ProviderAnthropic, Model: "claude-3-5-haiku-latest"},
}

// Options configures the demo tools.
type Options struct {
	// Clients maps a provider name to its client. Required by attractions.
	Clients            map[string]provider.Client
	AttractionBindings []Binding
	// IntN returns a random int in [0, n). Defaults to math/rand/v2.
	IntN func(n int) int
}

// Register adds every demo tool to reg.
func Register(reg *toolexecutor.Registry, opts Options) error {
	if reg == nil {
		return errors.New("tool registry is required")
	}
	if opts.IntN == nil {
		opts.IntN = rand.IntN
	}
	if len(opts.AttractionBindings) == 0 {
		opts.AttractionBindings = DefaultAttractionBindings
	}

	tools := []toolexecutor.ToolDefinition{
		weatherTool(opts),
		attractionsTool(opts),
		getLocationTool(),
		getWeatherInformationTool(opts),
		askForConfirmationTool(),
	}
	tools = append(tools, bookingTools()...)

	for _, tool := range tools {
		if err := reg.Register(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func weatherTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        Weather,
		Description: "Get the weather in a location",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "location", Type: "string", Description: "The location to get the weather for", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{
				"location":    args["location"],
				"temperature": 72 + opts.IntN(21) - 10,
			}, nil
		},
	}
}

func attractionsTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        Attractions,
		Description: "Get the attractions in a location",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "location", Type: "string", Description: "The location to get the attractions for", Required: true},
			{Name: "temperature", Type: "number", Description: "The current temperature in Fahrenheit", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			attempt := engine.Attempt(ctx)
			if attempt < 1 {
				attempt = 1
			}
			binding := opts.AttractionBindings[attempt%len(opts.AttractionBindings)]
			client, ok := opts.Clients[binding.Provider]
			if !ok {
				return nil, fmt.Errorf("no %s client configured for attractions", binding.Provider)
			}

			resp, err := client.Generate(ctx, provider.Request{
				Model: binding.Model,
				Prompt: fmt.Sprintf("What are 3 attractions in %v that I should see given it is %v outside?",
					args["location"], args["temperature"]),
			})
			if err != nil {
				return nil, fmt.Errorf("%s attractions: %w", binding.Provider, err)
			}
			return map[string]interface{}{"text": resp.Text}, nil
		},
	}
}

func getLocationTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        GetLocation,
		Description: "Get the user location.",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"city": "New York"}, nil
		},
	}
}

func getWeatherInformationTool(opts Options) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        GetWeatherInformation,
		Description: "Show the weather in a given city to the user.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "city", Type: "string", Description: "The city weather the user lives.", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return WeatherOptions[opts.IntN(len(WeatherOptions))], nil
		},
	}
}

func askForConfirmationTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        AskForConfirmation,
		Description: "Ask the user for confirmation.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "message", Type: "string", Description: "The message to ask for confirmation.", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"message": args["message"]}, nil
		},
	}
}

func flightParams() []toolexecutor.ToolParameter {
	return []toolexecutor.ToolParameter{
		{Name: "fromCity", Type: "string", Description: "Location from the city to depart.", Required: true},
		{Name: "fromCountry", Type: "string", Description: "Location from the country to depart.", Required: true},
		{Name: "toCity", Type: "string", Description: "Location to the city to arrive.", Required: true},
		{Name: "toCountry", Type: "string", Description: "Location to the country to depart.", Required: true},
	}
}

func destinationParams(what string) []toolexecutor.ToolParameter {
	return []toolexecutor.ToolParameter{
		{Name: "toCity", Type: "string", Description: "The city to book a " + what, Required: true},
		{Name: "toCountry", Type: "string", Description: "The country to book a " + what, Required: true},
	}
}

// succeed is the booking backend: every reservation and cancellation succeeds.
func succeed(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	return map[string]interface{}{"success": true}, nil
}

func bookingTools() []toolexecutor.ToolDefinition {
	return []toolexecutor.ToolDefinition{
		{Name: BuyPlaneTicket, Description: "Book the Airplane Ticket.", Parameters: flightParams(), Handler: succeed},
		{Name: BookHotel, Description: "Reserve a hotel at a given city.", Parameters: destinationParams("hotel"), Handler: succeed},
		{Name: RentCar, Description: "Reserve a car for a given city.", Parameters: destinationParams("rental car"), Handler: succeed},
		{Name: UndoBuyPlaneTicket, Description: "Undo the booking the Airplane Ticket.", Parameters: flightParams(), Handler: succeed},
		{Name: UndoBookHotel, Description: "Undo reserve a hotel at a given city.", Parameters: destinationParams("hotel"), Handler: succeed},
		{Name: UndoRentCar, Description: "Undo reserve a car for a given city.", Parameters: destinationParams("rental car"), Handler: succeed},
	}
}
