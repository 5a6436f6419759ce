package agent

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/coretools"
	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/failover"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/provider/providertest"
	"github.com/harun/convoy/pkg/saga"
	"github.com/harun/convoy/pkg/store"
	"github.com/harun/convoy/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// gatedClient holds its nth call until released.
type gatedClient struct {
	provider.Client
	at      int32
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func gate(client provider.Client, at int32) *gatedClient {
	return &gatedClient{
		Client:  client,
		at:      at,
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (g *gatedClient) hold(ctx context.Context) error {
	if g.calls.Add(1) != g.at {
		return nil
	}
	close(g.entered)
	select {
	case <-g.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *gatedClient) Generate(ctx context.Context, req provider.Request) (*provider.Response, error) {
	if err := g.hold(ctx); err != nil {
		return nil, err
	}
	return g.Client.Generate(ctx, req)
}

func (g *gatedClient) Stream(ctx context.Context, req provider.Request, sink provider.StreamSink) (*provider.Response, error) {
	if err := g.hold(ctx); err != nil {
		return nil, err
	}
	return g.Client.Stream(ctx, req, sink)
}

type fixture struct {
	t     *testing.T
	host  *engine.Host
	store *store.MemoryStore
	reg   *toolexecutor.Registry

	mu     sync.Mutex
	events []engine.Event
}

func newFixture(t *testing.T, continueAfter int) *fixture {
	t.Helper()
	f := &fixture{t: t, store: store.NewMemoryStore(), reg: toolexecutor.NewRegistry()}
	require.NoError(t, coretools.Register(f.reg, coretools.Options{IntN: func(n int) int { return 10 }}))
	f.host = engine.NewHost(engine.HostConfig{
		ContinueAsNewEvents: continueAfter,
		Logger:              zerolog.Nop(),
		OnEvent: func(e engine.Event) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.events = append(f.events, e)
		},
	})
	t.Cleanup(func() { f.host.Shutdown(waitFor) })
	return f
}

func fastOptions() engine.ActivityOptions {
	return engine.ActivityOptions{MaxAttempts: 1, StartToClose: waitFor, InitialInterval: time.Millisecond}
}

func (f *fixture) register(v Variant, providers ProviderSet) *Workflow {
	f.t.Helper()
	wf, err := New(Config{
		Variant:           v,
		Providers:         providers,
		Registry:          f.reg,
		Store:             f.store,
		Policies:          Policies{Provider: fastOptions(), Stream: fastOptions()},
		ToolOptions:       fastOptions(),
		IdleCheckInterval: 20 * time.Millisecond,
		CleanupTimeout:    time.Second,
		Logger:            zerolog.Nop(),
	})
	require.NoError(f.t, err)
	f.host.Register(v.Name, wf)
	return wf
}

func (f *fixture) start(id, workflowType string, seed interface{}) {
	f.t.Helper()
	require.NoError(f.t, f.host.StartEpoch(context.Background(), id, workflowType, seed))
}

func (f *fixture) send(id, text string) {
	f.t.Helper()
	require.NoError(f.t, f.host.Signal(context.Background(), id, Inbound{Content: text}))
}

func (f *fixture) wait(id string) engine.Result {
	f.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := f.host.Wait(ctx, id)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) waitCalls(c *providertest.Client, n int) {
	f.t.Helper()
	require.Eventually(f.t, func() bool { return c.Calls() >= n }, waitFor, 5*time.Millisecond)
}

func (f *fixture) tool(id string) *store.Tool {
	f.t.Helper()
	tool, err := f.store.GetTool(context.Background(), id)
	require.NoError(f.t, err)
	return tool
}

func (f *fixture) messages(id string, sender store.Sender) []*store.Message {
	f.t.Helper()
	all, err := f.store.ListMessages(context.Background(), id)
	require.NoError(f.t, err)
	var out []*store.Message
	for _, m := range all {
		if m.Sender == sender {
			out = append(out, m)
		}
	}
	return out
}

func userTexts(msgs []provider.Message) []string {
	var out []string
	for _, m := range msgs {
		if m.Role == provider.RoleUser {
			out = append(out, m.Text())
		}
	}
	return out
}

func weatherCall(id string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: coretools.Weather, Input: json.RawMessage(`{"location":"San Francisco"}`)}
}

func TestToolCallingScenario(t *testing.T) {
	f := newFixture(t, 0)
	openai := providertest.New("openai",
		providertest.ToolCalls(weatherCall("call_weather")),
		providertest.Text("It is 72F in San Francisco, go see the Golden Gate Bridge."),
	)
	f.register(ToolCalling(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-weather", VariantToolCalling, nil)
	res := f.wait("conv-weather")

	require.Equal(t, engine.StatusCompleted, res.Status, "%v", res.Err)
	assert.Equal(t, "It is 72F in San Francisco, go see the Golden Gate Bridge.", res.Value)

	conv, err := f.store.GetConversation(context.Background(), "conv-weather")
	require.NoError(t, err)
	assert.Equal(t, "toolCalling-conv", conv.Title)

	users := f.messages("conv-weather", store.SenderUser)
	require.Len(t, users, 1)
	assert.Equal(t, "What is the weather in San Francisco and what should I do?", users[0].Content)
	assert.GreaterOrEqual(t, len(f.messages("conv-weather", store.SenderAssistant)), 1)

	tools, err := f.store.ListTools(context.Background(), "conv-weather")
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, store.ToolOutputAvailable, tools[0].State)
	assert.JSONEq(t, `{"location":"San Francisco","temperature":72}`, string(tools[0].Output))

	t.Run("should feed the tool result back in call order", func(t *testing.T) {
		reqs := openai.Requests()
		require.Len(t, reqs, 2)
		assert.Contains(t, reqs[0].Tools, coretools.Weather)
		assert.Contains(t, reqs[0].Tools, coretools.Attractions)

		msgs := reqs[1].Messages
		require.Len(t, msgs, 4)
		assert.Equal(t, provider.RoleSystem, msgs[0].Role)
		assert.Equal(t, "You are a helpful ai agent.", msgs[0].Text())
		assert.Equal(t, provider.RoleAssistant, msgs[2].Role)
		results := msgs[3].ToolResults()
		require.Len(t, results, 1)
		assert.Equal(t, "call_weather", results[0].ID)
		assert.False(t, results[0].IsError)
	})
}

func TestInboundMessagesAreMergedInOrder(t *testing.T) {
	f := newFixture(t, 0)
	script := providertest.New("openai",
		providertest.Streamed("first ", "reply"),
		providertest.Streamed("second reply"),
	)
	openai := gate(script, 1)
	f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-order", VariantChat, nil)
	f.send("conv-order", "one")

	select {
	case <-openai.entered:
	case <-time.After(waitFor):
		t.Fatal("first round never started")
	}
	f.send("conv-order", "two")
	f.send("conv-order", "three")
	close(openai.release)

	f.waitCalls(script, 2)
	reqs := script.Requests()
	require.Len(t, reqs, 2)
	assert.Equal(t, []string{"one"}, userTexts(reqs[0].Messages))
	assert.Equal(t, []string{"one", "two", "three"}, userTexts(reqs[1].Messages))

	require.Eventually(t, func() bool {
		return len(f.messages("conv-order", store.SenderAssistant)) == 2
	}, waitFor, 5*time.Millisecond)
	replies := f.messages("conv-order", store.SenderAssistant)
	assert.Equal(t, "first reply", replies[0].Content)
	assert.Equal(t, "Convoy Bot", replies[0].Name)

	users := f.messages("conv-order", store.SenderUser)
	require.Len(t, users, 3)
	assert.Equal(t, "one", users[0].Content)
	assert.Equal(t, "three", users[2].Content)
	assert.Equal(t, "User", users[0].Name)
}

func TestFailover(t *testing.T) {
	t.Run("should fall back to the next binding", func(t *testing.T) {
		f := newFixture(t, 0)
		openai := providertest.New("openai", providertest.Fail(errors.New("rate limited")))
		anthropic := providertest.New("anthropic", providertest.Streamed("hello from claude"))
		f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai, provider.ProviderAnthropic: anthropic})

		f.start("conv-fo", VariantChat, nil)
		f.send("conv-fo", "hi")
		f.waitCalls(anthropic, 1)

		assert.Equal(t, 1, openai.Calls())
		assert.Equal(t, "gpt-4o", openai.Requests()[0].Model)
		assert.Equal(t, "claude-3-7-sonnet-20250219", anthropic.Requests()[0].Model)
		require.Eventually(t, func() bool {
			replies := f.messages("conv-fo", store.SenderAssistant)
			return len(replies) == 1 && replies[0].Content == "hello from claude"
		}, waitFor, 5*time.Millisecond)
	})

	t.Run("should fail the conversation when every binding fails", func(t *testing.T) {
		f := newFixture(t, 0)
		openai := providertest.New("openai", providertest.Fail(errors.New("rate limited")))
		anthropic := providertest.New("anthropic", providertest.Fail(errors.New("overloaded")))
		f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai, provider.ProviderAnthropic: anthropic})

		f.start("conv-exhausted", VariantChat, nil)
		f.send("conv-exhausted", "hi")
		res := f.wait("conv-exhausted")

		assert.Equal(t, engine.StatusFailed, res.Status)
		var failed *FailedError
		require.ErrorAs(t, res.Err, &failed)
		assert.ErrorIs(t, res.Err, failover.ErrAllCandidatesFailed)
		assert.ErrorContains(t, res.Err, "overloaded")
	})

	t.Run("should fail when no binding has a client", func(t *testing.T) {
		f := newFixture(t, 0)
		f.register(Chat(), ProviderSet{})

		f.start("conv-none", VariantChat, nil)
		f.send("conv-none", "hi")
		res := f.wait("conv-none")

		assert.Equal(t, engine.StatusFailed, res.Status)
		assert.ErrorIs(t, res.Err, failover.ErrNoCandidates)
	})
}

func TestFinishReasonFailsEpoch(t *testing.T) {
	for _, reason := range []provider.FinishReason{provider.FinishError, provider.FinishUnknown} {
		t.Run(string(reason), func(t *testing.T) {
			f := newFixture(t, 0)
			openai := providertest.New("openai", providertest.Finish(reason))
			f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai})

			f.start("conv-"+string(reason), VariantChat, nil)
			f.send("conv-"+string(reason), "hi")
			res := f.wait("conv-" + string(reason))

			assert.Equal(t, engine.StatusFailed, res.Status)
			var failed *FailedError
			require.ErrorAs(t, res.Err, &failed)
			assert.Equal(t, reason, failed.FinishReason)
		})
	}
}

func TestUnknownToolIsRecorded(t *testing.T) {
	f := newFixture(t, 0)
	openai := providertest.New("openai",
		providertest.ToolCalls(provider.ToolCall{ID: "call_x", Name: "teleport", Input: json.RawMessage(`{}`)}),
		providertest.Streamed("I cannot do that."),
	)
	f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-unknown", VariantChat, nil)
	f.send("conv-unknown", "beam me up")
	f.waitCalls(openai, 2)

	tool := f.tool("call_x")
	assert.Equal(t, store.ToolOutputError, tool.State)
	assert.Equal(t, "teleport tool is not found", tool.ErrorText)
	assert.NotEmpty(t, tool.MessageID)

	msgs := openai.Requests()[1].Messages
	results := msgs[len(msgs)-1].ToolResults()
	require.Len(t, results, 1)
	assert.True(t, results[0].IsError)
}

func TestToolResultsKeepCallOrder(t *testing.T) {
	f := newFixture(t, 0)
	calls := []provider.ToolCall{
		{ID: "c1", Name: coretools.GetLocation, Input: json.RawMessage(`{}`)},
		weatherCall("c2"),
		{ID: "c3", Name: coretools.AskForConfirmation, Input: json.RawMessage(`{"message":"ok?"}`)},
	}
	openai := providertest.New("openai", providertest.ToolCalls(calls...), providertest.Streamed("done"))
	f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-fanout", VariantChat, nil)
	f.send("conv-fanout", "go")
	f.waitCalls(openai, 2)

	msgs := openai.Requests()[1].Messages
	results := msgs[len(msgs)-1].ToolResults()
	require.Len(t, results, 3)
	for i, r := range results {
		assert.Equal(t, calls[i].ID, r.ID)
	}

	tools, err := f.store.ListTools(context.Background(), "conv-fanout")
	require.NoError(t, err)
	require.Len(t, tools, 3)
	assert.Equal(t, tools[0].MessageID, tools[2].MessageID, "calls of one message share a placeholder")
}

func flight(id, city string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: coretools.BuyPlaneTicket, Input: json.RawMessage(
		`{"fromCity":"New York","fromCountry":"USA","toCity":"` + city + `","toCountry":"USA"}`)}
}

func hotel(id, city string) provider.ToolCall {
	return provider.ToolCall{ID: id, Name: coretools.BookHotel, Input: json.RawMessage(
		`{"toCity":"` + city + `","toCountry":"USA"}`)}
}

func TestSagaCorrectionScenario(t *testing.T) {
	f := newFixture(t, 0)
	script := providertest.New("openai",
		providertest.ToolCalls(flight("p1", "Paris")),
		providertest.ToolCalls(hotel("h1", "Paris")),
		providertest.Streamed("Plane and hotel are booked. Renting a car next."),
		providertest.ToolCalls(flight("p2", "Florence")),
		providertest.Streamed("Can you confirm Florence, South Carolina?"),
		providertest.ToolCalls(flight("p3", "Florence")),
		providertest.Streamed("Your flight to Florence is booked."),
	)
	openai := gate(script, 3)

	var (
		mu     sync.Mutex
		undone []saga.Step
	)
	wf, err := New(Config{
		Variant:           Saga(),
		Providers:         ProviderSet{provider.ProviderOpenAI: openai},
		Registry:          f.reg,
		Store:             f.store,
		Policies:          Policies{Provider: fastOptions(), Stream: fastOptions()},
		ToolOptions:       fastOptions(),
		IdleCheckInterval: 20 * time.Millisecond,
		Logger:            zerolog.Nop(),
		OnCompensated: func(ctx context.Context, conversationID string, steps []saga.Step) {
			mu.Lock()
			defer mu.Unlock()
			undone = append(undone, steps...)
		},
	})
	require.NoError(t, err)
	f.host.Register(VariantSaga, wf)

	f.start("conv-trip", VariantSaga, nil)
	f.send("conv-trip", "Book me a trip to Paris")

	select {
	case <-openai.entered:
	case <-time.After(waitFor):
		t.Fatal("third round never started")
	}
	f.send("conv-trip", "Wait, I meant Florence!")
	close(openai.release)

	f.waitCalls(script, 5)

	t.Run("should undo hotel then flight", func(t *testing.T) {
		tools, err := f.store.ListTools(context.Background(), "conv-trip")
		require.NoError(t, err)
		var undoOrder []string
		for _, tool := range tools {
			if tool.Type == coretools.UndoBookHotel || tool.Type == coretools.UndoBuyPlaneTicket {
				undoOrder = append(undoOrder, tool.Type)
				assert.Equal(t, store.ToolOutputAvailable, tool.State)
			}
		}
		assert.Equal(t, []string{coretools.UndoBookHotel, coretools.UndoBuyPlaneTicket}, undoOrder)

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, undone, 2)
		assert.Equal(t, coretools.BookHotel, undone[0].Action)
		assert.Equal(t, coretools.BuyPlaneTicket, undone[1].Action)
	})

	t.Run("should show the compensation to the model after the correction", func(t *testing.T) {
		msgs := script.Requests()[3].Messages
		require.GreaterOrEqual(t, len(msgs), 3)
		correction := msgs[len(msgs)-3]
		assert.Equal(t, "Wait, I meant Florence!", correction.Text())
		undoCalls := msgs[len(msgs)-2].ToolCalls()
		require.Len(t, undoCalls, 2)
		assert.Equal(t, coretools.UndoBookHotel, undoCalls[0].Name)
		assert.JSONEq(t, `{"toCity":"Paris","toCountry":"USA"}`, string(undoCalls[0].Input))
		assert.Len(t, msgs[len(msgs)-1].ToolResults(), 2)
	})

	t.Run("should reject a booking before reconfirmation", func(t *testing.T) {
		p2 := f.tool("p2")
		assert.Equal(t, store.ToolOutputError, p2.State)
		assert.Equal(t, saga.ErrForwardBlocked.Error(), p2.ErrorText)
	})

	f.send("conv-trip", "Yes, Florence South Carolina")
	f.waitCalls(script, 7)

	require.Eventually(t, func() bool {
		tool, err := f.store.GetTool(context.Background(), "p3")
		return err == nil && tool.State == store.ToolOutputAvailable
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, store.ToolOutputAvailable, f.tool("p1").State)
	assert.Equal(t, store.ToolOutputAvailable, f.tool("h1").State)
}

func TestCancelMidStream(t *testing.T) {
	f := newFixture(t, 0)
	openai := providertest.New("openai", providertest.Blocking("Hel", "lo"))
	f.register(Cancellation(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-cancel", VariantCancellation, nil)
	f.send("conv-cancel", "tell me a long story")

	select {
	case <-openai.Started:
	case <-time.After(waitFor):
		t.Fatal("stream never started")
	}
	require.NoError(t, f.host.Cancel("conv-cancel"))
	res := f.wait("conv-cancel")

	assert.Equal(t, engine.StatusCancelled, res.Status)
	assert.ErrorIs(t, res.Err, context.Canceled)

	replies := f.messages("conv-cancel", store.SenderAssistant)
	require.Len(t, replies, 1)
	assert.Equal(t, "Hello"+provider.CancellationMarker, replies[0].Content)

	conv, err := f.store.GetConversation(context.Background(), "conv-cancel")
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, conv.State)
}

func TestCancelWhileIdle(t *testing.T) {
	t.Run("should close and report cancellation", func(t *testing.T) {
		f := newFixture(t, 0)
		f.register(Chat(), ProviderSet{})
		f.start("conv-idle", VariantChat, nil)

		require.NoError(t, f.host.Cancel("conv-idle"))
		res := f.wait("conv-idle")

		assert.Equal(t, engine.StatusCancelled, res.Status)
		conv, err := f.store.GetConversation(context.Background(), "conv-idle")
		require.NoError(t, err)
		assert.Equal(t, store.StateClosed, conv.State)
	})

	t.Run("should complete agent to agent conversations", func(t *testing.T) {
		f := newFixture(t, 0)
		f.register(AgentToAgent(), ProviderSet{})
		f.start("conv-a2a", VariantAgentToAgent, nil)

		require.NoError(t, f.host.Cancel("conv-a2a"))
		res := f.wait("conv-a2a")

		assert.Equal(t, engine.StatusCompleted, res.Status)
		assert.NoError(t, res.Err)
		conv, err := f.store.GetConversation(context.Background(), "conv-a2a")
		require.NoError(t, err)
		assert.Equal(t, store.StateClosed, conv.State)
	})
}

func TestContinueAsNewCarriesHistory(t *testing.T) {
	f := newFixture(t, 1)
	openai := providertest.New("openai",
		providertest.Streamed("first"),
		providertest.Streamed("second"),
	)
	f.register(Chat(), ProviderSet{provider.ProviderOpenAI: openai})

	f.start("conv-can", VariantChat, nil)
	f.send("conv-can", "one")
	f.waitCalls(openai, 1)

	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, e := range f.events {
			if e.Type == engine.EventEpochContinued {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	f.send("conv-can", "two")
	f.waitCalls(openai, 2)

	msgs := openai.Requests()[1].Messages
	require.Len(t, msgs, 4)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Equal(t, []string{"one", "two"}, userTexts(msgs))
	assert.Equal(t, "first", msgs[2].Text())

	convs, err := f.store.ListConversations(context.Background(), store.ListOptions{})
	require.NoError(t, err)
	assert.Len(t, convs, 1)
}

func TestNewEpochSeeds(t *testing.T) {
	f := newFixture(t, 0)
	wf := f.register(Chat(), ProviderSet{})
	info := engine.EpochInfo{ConversationID: "conv-seed", WorkflowType: VariantChat, Epoch: 1}

	t.Run("should insert the system prompt", func(t *testing.T) {
		ep, err := wf.NewEpoch(context.Background(), info, Seed{History: []provider.Message{
			provider.TextMessage(provider.RoleUser, "hi"),
		}})
		require.NoError(t, err)
		e := ep.(*epoch)
		require.Len(t, e.history, 2)
		assert.Equal(t, "You are a helpful chatbot", e.history[0].Text())
		assert.True(t, e.loop, "an unanswered user message starts a round")
	})

	t.Run("should keep a seeded system prompt", func(t *testing.T) {
		ep, err := wf.NewEpoch(context.Background(), info, []provider.Message{
			provider.TextMessage(provider.RoleSystem, "custom"),
		})
		require.NoError(t, err)
		e := ep.(*epoch)
		require.Len(t, e.history, 1)
		assert.Equal(t, "custom", e.history[0].Text())
		assert.False(t, e.loop)
	})

	t.Run("should reject a misplaced system message", func(t *testing.T) {
		_, err := wf.NewEpoch(context.Background(), info, Seed{History: []provider.Message{
			provider.TextMessage(provider.RoleUser, "hi"),
			provider.TextMessage(provider.RoleSystem, "late"),
		}})
		assert.ErrorIs(t, err, ErrInvalidSeed)
	})

	t.Run("should reject unknown seed types", func(t *testing.T) {
		_, err := wf.NewEpoch(context.Background(), info, 42)
		assert.ErrorIs(t, err, ErrInvalidSeed)
	})

	t.Run("should not rerun tool calls answered in an earlier epoch", func(t *testing.T) {
		call := weatherCall("c1")
		ep, err := wf.NewEpoch(context.Background(), info, Seed{History: []provider.Message{
			provider.TextMessage(provider.RoleUser, "weather?"),
			provider.AssistantMessage("", []provider.ToolCall{call}),
			provider.ToolMessage([]provider.ToolResult{{ID: "c1", Name: call.Name, Output: json.RawMessage(`{"temperature":70}`)}}),
		}})
		require.NoError(t, err)
		e := ep.(*epoch)

		res := e.executor.Execute(context.Background(), call.Name, call.ID, call.Input)
		require.True(t, res.Failed())
		assert.ErrorIs(t, res.Err, toolexecutor.ErrDuplicateToolCall)
	})

	t.Run("should not create the conversation on continuation", func(t *testing.T) {
		cont := engine.EpochInfo{ConversationID: "conv-cont", WorkflowType: VariantChat, Epoch: 2, Continuation: true}
		_, err := wf.NewEpoch(context.Background(), cont, nil)
		require.NoError(t, err)
		_, err = f.store.GetConversation(context.Background(), "conv-cont")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestSignal(t *testing.T) {
	f := newFixture(t, 0)
	wf := f.register(Chat(), ProviderSet{})

	t.Run("should not queue a message that was not saved", func(t *testing.T) {
		info := engine.EpochInfo{ConversationID: "conv-missing", WorkflowType: VariantChat, Continuation: true, Mailbox: engine.NewMailbox()}
		ep, err := wf.NewEpoch(context.Background(), info, nil)
		require.NoError(t, err)

		err = ep.Signal(context.Background(), Inbound{Content: "hello"})
		assert.ErrorIs(t, err, store.ErrNotFound)
		assert.Equal(t, 0, info.Mailbox.Len())
	})

	t.Run("should reject empty messages", func(t *testing.T) {
		info := engine.EpochInfo{ConversationID: "conv-empty", WorkflowType: VariantChat, Mailbox: engine.NewMailbox()}
		ep, err := wf.NewEpoch(context.Background(), info, nil)
		require.NoError(t, err)

		assert.Error(t, ep.Signal(context.Background(), Inbound{Content: "  "}))
		assert.Error(t, ep.Signal(context.Background(), 7))
		require.NoError(t, ep.Signal(context.Background(), "plain text"))
		assert.Equal(t, 1, info.Mailbox.Len())
	})
}

func TestNewValidatesConfig(t *testing.T) {
	_, err := New(Config{Variant: Chat()})
	assert.Error(t, err)

	_, err = New(Config{Store: store.NewMemoryStore()})
	assert.Error(t, err)

	_, err = New(Config{Variant: Saga(), Store: store.NewMemoryStore(), Registry: toolexecutor.NewRegistry()})
	assert.ErrorContains(t, err, "buyPlaneTicket is not registered")
}

func TestTitle(t *testing.T) {
	assert.Equal(t, "saga-5f2c", Title("saga", "5f2c0e0b-1111"))
	assert.Equal(t, "chat-ab", Title("chat", "ab"))
}
