package coretools

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/provider/providertest"
	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newExecutor(t *testing.T, opts Options) *toolexecutor.Executor {
	t.Helper()
	reg := toolexecutor.NewRegistry()
	require.NoError(t, Register(reg, opts))
	return toolexecutor.New(toolexecutor.Config{
		Registry: reg,
		Options: engine.ActivityOptions{
			MaxAttempts:     5,
			StartToClose:    time.Second,
			InitialInterval: time.Millisecond,
		},
		Logger: zerolog.Nop(),
	})
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &out))
	return out
}

func TestRegister(t *testing.T) {
	reg := toolexecutor.NewRegistry()
	require.NoError(t, Register(reg, Options{}))

	for _, group := range [][]string{TripTools, LocationTools, BookingTools} {
		set := reg.Schemas(group...)
		assert.Len(t, set, len(group))
	}
	assert.Equal(t, 11, reg.Len())

	assert.Error(t, Register(nil, Options{}))
}

func TestWeather(t *testing.T) {
	t.Run("should report a temperature within ten degrees of 72", func(t *testing.T) {
		for _, n := range []int{0, 10, 20} {
			exec := newExecutor(t, Options{IntN: func(int) int { return n }})
			res := exec.Execute(context.Background(), Weather, "w", json.RawMessage(`{"location":"San Francisco"}`))
			require.False(t, res.Failed(), res.ErrorText)

			out := decode(t, res.Output)
			assert.Equal(t, "San Francisco", out["location"])
			assert.Equal(t, float64(62+n), out["temperature"])
		}
	})

	t.Run("should require a location", func(t *testing.T) {
		exec := newExecutor(t, Options{})
		res := exec.Execute(context.Background(), Weather, "w", json.RawMessage(`{}`))
		assert.ErrorIs(t, res.Err, toolexecutor.ErrInvalidArguments)
	})
}

func TestAttractions(t *testing.T) {
	t.Run("should use the second binding on the first attempt", func(t *testing.T) {
		openai := providertest.New(provider.ProviderOpenAI)
		anthropic := providertest.New(provider.ProviderAnthropic, providertest.Text("Golden Gate Bridge"))
		exec := newExecutor(t, Options{Clients: map[string]provider.Client{
			provider.ProviderOpenAI:    openai,
			provider.ProviderAnthropic: anthropic,
		}})

		res := exec.Execute(context.Background(), Attractions, "a",
			json.RawMessage(`{"location":"San Francisco","temperature":70}`))
		require.False(t, res.Failed(), res.ErrorText)

		assert.Equal(t, "Golden Gate Bridge", decode(t, res.Output)["text"])
		assert.Zero(t, openai.Calls())
		reqs := anthropic.Requests()
		require.Len(t, reqs, 1)
		assert.Equal(t, "claude-3-5-haiku-latest", reqs[0].Model)
		assert.Equal(t, "What are 3 attractions in San Francisco that I should see given it is 70 outside?", reqs[0].Prompt)
	})

	t.Run("should alternate vendor when an attempt is retried", func(t *testing.T) {
		openai := providertest.New(provider.ProviderOpenAI, providertest.Text("Alcatraz"))
		anthropic := providertest.New(provider.ProviderAnthropic, providertest.Fail(errors.New("overloaded")))
		exec := newExecutor(t, Options{Clients: map[string]provider.Client{
			provider.ProviderOpenAI:    openai,
			provider.ProviderAnthropic: anthropic,
		}})

		res := exec.Execute(context.Background(), Attractions, "a",
			json.RawMessage(`{"location":"San Francisco","temperature":70}`))
		require.False(t, res.Failed(), res.ErrorText)

		assert.Equal(t, "Alcatraz", decode(t, res.Output)["text"])
		assert.Equal(t, 1, anthropic.Calls())
		require.Equal(t, 1, openai.Calls())
		assert.Equal(t, "gpt-4o-mini", openai.Requests()[0].Model)
	})
}

func TestLocationTools(t *testing.T) {
	exec := newExecutor(t, Options{IntN: func(n int) int { return n - 1 }})

	res := exec.Execute(context.Background(), GetLocation, "l", nil)
	require.False(t, res.Failed(), res.ErrorText)
	assert.JSONEq(t, `{"city":"New York"}`, string(res.Output))

	res = exec.Execute(context.Background(), GetWeatherInformation, "g", json.RawMessage(`{"city":"New York"}`))
	require.False(t, res.Failed(), res.ErrorText)
	assert.JSONEq(t, `"windy"`, string(res.Output))

	res = exec.Execute(context.Background(), AskForConfirmation, "c", json.RawMessage(`{"message":"Book Paris, Texas?"}`))
	require.False(t, res.Failed(), res.ErrorText)
	assert.JSONEq(t, `{"message":"Book Paris, Texas?"}`, string(res.Output))
}

func TestBookingTools(t *testing.T) {
	exec := newExecutor(t, Options{})
	flight := json.RawMessage(`{"fromCity":"New York","fromCountry":"USA","toCity":"Paris","toCountry":"USA"}`)
	stay := json.RawMessage(`{"toCity":"Paris","toCountry":"USA"}`)

	tests := []struct {
		tool string
		args json.RawMessage
	}{
		{BuyPlaneTicket, flight},
		{UndoBuyPlaneTicket, flight},
		{BookHotel, stay},
		{UndoBookHotel, stay},
		{RentCar, stay},
		{UndoRentCar, stay},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			res := exec.Execute(context.Background(), tt.tool, tt.tool+"-1", tt.args)
			require.False(t, res.Failed(), res.ErrorText)
			assert.JSONEq(t, `{"success":true}`, string(res.Output))
		})
	}
}
