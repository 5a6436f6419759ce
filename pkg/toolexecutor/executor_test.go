package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoTool() ToolDefinition {
	return ToolDefinition{
		Name:        "echo",
		Description: "Echo the text back",
		Parameters: []ToolParameter{
			{Name: "text", Type: "string", Description: "Text to echo", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return map[string]interface{}{"text": args["text"]}, nil
		},
	}
}

func fastOptions(attempts int) engine.ActivityOptions {
	return engine.ActivityOptions{
		MaxAttempts:     attempts,
		StartToClose:    time.Second,
		InitialInterval: time.Millisecond,
	}
}

type fixture struct {
	store *store.MemoryStore
	reg   *Registry
	exec  *Executor
	msgID string
}

func newFixture(t *testing.T, defs ...ToolDefinition) *fixture {
	t.Helper()
	ctx := context.Background()

	st := store.NewMemoryStore()
	_, err := st.CreateConversation(ctx, "conv-1", "saga-conv")
	require.NoError(t, err)
	msgID, err := st.CreateMessage(ctx, &store.Message{ConversationID: "conv-1", Sender: store.SenderAssistant})
	require.NoError(t, err)

	reg := NewRegistry()
	for _, def := range defs {
		require.NoError(t, reg.Register(def))
	}
	exec := New(Config{
		Registry: reg,
		Store:    st,
		Options:  fastOptions(3),
		Logger:   zerolog.Nop(),
	})
	return &fixture{store: st, reg: reg, exec: exec, msgID: msgID}
}

// announce creates the input-streaming record the agent loop writes before dispatch.
func (f *fixture) announce(t *testing.T, id, name string) {
	t.Helper()
	err := f.store.UpsertTool(context.Background(), &store.Tool{
		ID:             id,
		MessageID:      f.msgID,
		ConversationID: "conv-1",
		Type:           name,
		State:          store.ToolInputStreaming,
	}, store.ToolPatch{})
	require.NoError(t, err)
}

func (f *fixture) tool(t *testing.T, id string) *store.Tool {
	t.Helper()
	tool, err := f.store.GetTool(context.Background(), id)
	require.NoError(t, err)
	return tool
}

func TestRegistry_Register(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(echoTool()))

	def, ok := reg.Get("echo")
	require.True(t, ok)
	assert.Equal(t, "echo", def.Name)
	assert.Equal(t, 1, reg.Len())
	assert.Equal(t, []string{"echo"}, reg.Names())
}

func TestRegistry_RegisterInvalidDefinition(t *testing.T) {
	noop := func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil }

	tests := []struct {
		name string
		def  ToolDefinition
	}{
		{name: "empty name", def: ToolDefinition{Description: "Test", Handler: noop}},
		{name: "empty description", def: ToolDefinition{Name: "test", Handler: noop}},
		{name: "nil handler", def: ToolDefinition{Name: "test", Description: "Test"}},
		{
			name: "bad parameter type",
			def: ToolDefinition{Name: "test", Description: "Test", Handler: noop,
				Parameters: []ToolParameter{{Name: "x", Type: "date", Description: "x"}}},
		},
		{
			name: "non-object input schema",
			def: ToolDefinition{Name: "test", Description: "Test", Handler: noop,
				InputSchema: map[string]interface{}{"type": "string"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, NewRegistry().Register(tt.def))
		})
	}
}

func TestRegistry_Schemas(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(echoTool(), ToolDefinition{
		Name:        "lookup",
		Description: "Look something up",
		InputSchema: map[string]interface{}{
			"$schema":    "http://json-schema.org/draft-07/schema#",
			"type":       "object",
			"properties": map[string]interface{}{"q": map[string]interface{}{"type": "string"}},
			"required":   []interface{}{"q"},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) { return nil, nil },
	})

	t.Run("should expose every tool by default", func(t *testing.T) {
		set := reg.Schemas()
		require.Len(t, set, 2)
		assert.Equal(t, "Echo the text back", set["echo"].Description)
		assert.Equal(t, "object", set["echo"].InputSchema["type"])
		assert.Equal(t, []string{"text"}, set["echo"].InputSchema["required"])
		assert.NotContains(t, set["lookup"].InputSchema, "$schema")
	})

	t.Run("should select named tools and skip unknown names", func(t *testing.T) {
		set := reg.Schemas("lookup", "missing")
		require.Len(t, set, 1)
		assert.Contains(t, set, "lookup")
	})

	t.Run("should list definitions sorted", func(t *testing.T) {
		defs := reg.Definitions()
		require.Len(t, defs, 2)
		assert.Equal(t, "echo", defs[0].Name)
		assert.Equal(t, "lookup", defs[1].Name)
	})
}

func TestExecutor_Success(t *testing.T) {
	f := newFixture(t, echoTool())
	f.announce(t, "call-1", "echo")

	res := f.exec.Execute(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"hi"}`))

	require.False(t, res.Failed(), res.ErrorText)
	assert.Equal(t, store.ToolOutputAvailable, res.State)
	assert.JSONEq(t, `{"text":"hi"}`, string(res.Output))

	tool := f.tool(t, "call-1")
	assert.Equal(t, store.ToolOutputAvailable, tool.State)
	assert.JSONEq(t, `{"text":"hi"}`, string(tool.Input))
	assert.JSONEq(t, `{"text":"hi"}`, string(tool.Output))

	tr := res.ToolResult()
	assert.Equal(t, "call-1", tr.ID)
	assert.Equal(t, "echo", tr.Name)
	assert.False(t, tr.IsError)
}

func TestExecutor_ToolNotFound(t *testing.T) {
	f := newFixture(t, echoTool())
	f.announce(t, "call-1", "teleport")

	res := f.exec.Execute(context.Background(), "teleport", "call-1", json.RawMessage(`{}`))

	require.True(t, res.Failed())
	var notFound *ToolNotFoundError
	require.ErrorAs(t, res.Err, &notFound)
	assert.Equal(t, "teleport", notFound.Name)
	assert.Equal(t, "teleport tool is not found", res.ErrorText)

	tool := f.tool(t, "call-1")
	assert.Equal(t, store.ToolOutputError, tool.State)
	assert.Equal(t, "teleport tool is not found", tool.ErrorText)

	tr := res.ToolResult()
	assert.True(t, tr.IsError)
	assert.JSONEq(t, `"teleport tool is not found"`, string(tr.Output))
}

func TestExecutor_ValidationError(t *testing.T) {
	var calls atomic.Int32
	def := echoTool()
	def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return nil, nil
	}
	f := newFixture(t, def)

	tests := []struct {
		name string
		args string
	}{
		{name: "missing required", args: `{}`},
		{name: "wrong type", args: `{"text":42}`},
		{name: "unknown property", args: `{"text":"a","extra":true}`},
		{name: "not an object", args: `[1,2]`},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := fmt.Sprintf("call-%d", i)
			f.announce(t, id, "echo")

			res := f.exec.Execute(context.Background(), "echo", id, json.RawMessage(tt.args))

			require.True(t, res.Failed())
			assert.ErrorIs(t, res.Err, ErrInvalidArguments)
			assert.Equal(t, store.ToolOutputError, f.tool(t, id).State)
		})
	}
	assert.Zero(t, calls.Load())
}

func TestExecutor_HandlerErrorIsRetried(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, ToolDefinition{
		Name:        "flaky",
		Description: "Fails twice",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			if calls.Add(1) < 3 {
				return nil, errors.New("transient")
			}
			return map[string]bool{"success": true}, nil
		},
	})
	f.announce(t, "call-1", "flaky")

	res := f.exec.Execute(context.Background(), "flaky", "call-1", nil)

	require.False(t, res.Failed(), res.ErrorText)
	assert.Equal(t, int32(3), calls.Load())
	assert.JSONEq(t, `{"success":true}`, string(res.Output))
	assert.Equal(t, store.ToolOutputAvailable, f.tool(t, "call-1").State)
}

func TestExecutor_HandlerErrorAfterRetries(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, ToolDefinition{
		Name:        "broken",
		Description: "Always fails",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, errors.New("backend unavailable")
		},
	})
	f.announce(t, "call-1", "broken")

	res := f.exec.Execute(context.Background(), "broken", "call-1", nil)

	require.True(t, res.Failed())
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, "backend unavailable", res.ErrorText)

	tool := f.tool(t, "call-1")
	assert.Equal(t, store.ToolOutputError, tool.State)
	assert.Equal(t, "backend unavailable", tool.ErrorText)
}

func TestExecutor_NonRetryableHandlerError(t *testing.T) {
	var calls atomic.Int32
	f := newFixture(t, ToolDefinition{
		Name:        "strict",
		Description: "Fails permanently",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			calls.Add(1)
			return nil, engine.NonRetryable(errors.New("city not supported"))
		},
	})
	f.announce(t, "call-1", "strict")

	res := f.exec.Execute(context.Background(), "strict", "call-1", nil)

	require.True(t, res.Failed())
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, "city not supported", res.ErrorText)
}

func TestExecutor_DuplicateCallID(t *testing.T) {
	var calls atomic.Int32
	def := echoTool()
	def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return "ok", nil
	}
	f := newFixture(t, def)
	f.announce(t, "call-1", "echo")

	first := f.exec.Execute(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"a"}`))
	second := f.exec.Execute(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"a"}`))

	assert.False(t, first.Failed())
	require.True(t, second.Failed())
	assert.ErrorIs(t, second.Err, ErrDuplicateToolCall)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, store.ToolOutputAvailable, f.tool(t, "call-1").State)
}

func TestExecutor_CompletedCallIDFromEarlierEpoch(t *testing.T) {
	var calls atomic.Int32
	def := echoTool()
	def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return "ok", nil
	}
	f := newFixture(t, def)
	f.announce(t, "call-1", "echo")
	require.NoError(t, f.store.UpdateTool(context.Background(), "call-1",
		store.ToolPatch{State: store.StatePtr(store.ToolOutputAvailable)}))

	exec := New(Config{
		Registry:  f.reg,
		Store:     f.store,
		Options:   fastOptions(1),
		Completed: []string{"call-1"},
		Logger:    zerolog.Nop(),
	})

	res := exec.Execute(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"a"}`))
	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, ErrDuplicateToolCall)
	assert.Equal(t, int32(0), calls.Load())
	assert.Equal(t, store.ToolOutputAvailable, f.tool(t, "call-1").State)

	res = exec.Execute(context.Background(), "echo", "call-2", json.RawMessage(`{"text":"b"}`))
	assert.False(t, res.Failed())
}

func TestExecutor_ExecuteAllKeepsCallOrder(t *testing.T) {
	def := ToolDefinition{
		Name:        "sleepy",
		Description: "Sleeps then answers",
		Parameters: []ToolParameter{
			{Name: "ms", Type: "integer", Description: "Delay", Required: true},
		},
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			ms := args["ms"].(float64)
			time.Sleep(time.Duration(ms) * time.Millisecond)
			return ms, nil
		},
	}
	f := newFixture(t, def)

	calls := []provider.ToolCall{
		{ID: "a", Name: "sleepy", Input: json.RawMessage(`{"ms":30}`)},
		{ID: "b", Name: "sleepy", Input: json.RawMessage(`{"ms":1}`)},
		{ID: "c", Name: "missing", Input: json.RawMessage(`{}`)},
		{ID: "d", Name: "sleepy", Input: json.RawMessage(`{"ms":10}`)},
	}
	for _, c := range calls {
		f.announce(t, c.ID, c.Name)
	}

	results := f.exec.ExecuteAll(context.Background(), calls)

	require.Len(t, results, 4)
	for i, c := range calls {
		assert.Equal(t, c.ID, results[i].ToolCallID)
	}
	assert.JSONEq(t, `30`, string(results[0].Output))
	assert.JSONEq(t, `1`, string(results[1].Output))
	assert.True(t, results[2].Failed())
	assert.JSONEq(t, `10`, string(results[3].Output))
}

func TestExecutor_CancelledContextStillRecords(t *testing.T) {
	started := make(chan struct{})
	f := newFixture(t, ToolDefinition{
		Name:        "slow",
		Description: "Waits for cancellation",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	f.announce(t, "call-1", "slow")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res := f.exec.Execute(ctx, "slow", "call-1", nil)

	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, context.Canceled)
	assert.Equal(t, store.ToolOutputError, f.tool(t, "call-1").State)
}

func TestExecutor_MissingRecordStillRuns(t *testing.T) {
	f := newFixture(t, echoTool())

	res := f.exec.Execute(context.Background(), "echo", "unannounced", json.RawMessage(`{"text":"x"}`))

	assert.False(t, res.Failed())
	_, err := f.store.GetTool(context.Background(), "unannounced")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExecutor_OutputTruncation(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(ToolDefinition{
		Name:        "big",
		Description: "Returns a large string",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			return strings.Repeat("x", 500), nil
		},
	})
	exec := New(Config{Registry: reg, Options: fastOptions(1), MaxOutputBytes: 100, Logger: zerolog.Nop()})

	res := exec.Execute(context.Background(), "big", "call-1", nil)

	require.False(t, res.Failed())
	assert.True(t, res.Truncated)
	var text string
	require.NoError(t, json.Unmarshal(res.Output, &text))
	assert.True(t, strings.HasSuffix(text, truncationSuffix))
}

func TestExecutor_HandlerSeesCall(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(ToolDefinition{
		Name:        "whoami",
		Description: "Returns the call id",
		Handler: func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
			call, ok := CallFromContext(ctx)
			if !ok {
				return nil, errors.New("no call in context")
			}
			return call.ID, nil
		},
	})
	exec := New(Config{Registry: reg, Options: fastOptions(1), Logger: zerolog.Nop()})

	res := exec.Execute(context.Background(), "whoami", "call-42", nil)

	require.False(t, res.Failed(), res.ErrorText)
	assert.JSONEq(t, `"call-42"`, string(res.Output))
}

func TestExecutor_Reject(t *testing.T) {
	var calls atomic.Int32
	def := echoTool()
	def.Handler = func(ctx context.Context, args map[string]interface{}) (interface{}, error) {
		calls.Add(1)
		return "ok", nil
	}
	f := newFixture(t, def)
	f.announce(t, "call-1", "echo")

	blocked := errors.New("not now")
	res := f.exec.Reject(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"a"}`), blocked)

	require.True(t, res.Failed())
	assert.ErrorIs(t, res.Err, blocked)
	assert.Equal(t, "not now", res.ErrorText)
	assert.Zero(t, calls.Load())

	tool := f.tool(t, "call-1")
	assert.Equal(t, store.ToolOutputError, tool.State)
	assert.JSONEq(t, `{"text":"a"}`, string(tool.Input))

	again := f.exec.Execute(context.Background(), "echo", "call-1", json.RawMessage(`{"text":"a"}`))
	assert.ErrorIs(t, again.Err, ErrDuplicateToolCall)
}
