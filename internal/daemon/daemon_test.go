package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/harun/convoy/internal/config"
	"github.com/harun/convoy/internal/logger"
	"github.com/harun/convoy/pkg/agent"
	"github.com/harun/convoy/pkg/coretools"
	"github.com/harun/convoy/pkg/engine"
	"github.com/harun/convoy/pkg/mcp"
	"github.com/harun/convoy/pkg/provider"
	"github.com/harun/convoy/pkg/provider/providertest"
	"github.com/harun/convoy/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

type scriptedFactory map[string]*providertest.Client

func (f scriptedFactory) New(ctx context.Context, p provider.Profile) (provider.Client, error) {
	if c, ok := f[p.Provider]; ok {
		return c, nil
	}
	return providertest.New(p.ID), nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.DataDir = dir
	cfg.Store.Path = filepath.Join(dir, "convoy.db")
	cfg.Status.Enabled = false
	cfg.Engine.IdleCheckInterval = 50 * time.Millisecond
	cfg.Engine.CleanupTimeout = 2 * time.Second
	cfg.Activities.Provider.MaxAttempts = 1
	cfg.Activities.Stream.MaxAttempts = 1
	cfg.Activities.Tool.MaxAttempts = 1
	cfg.Providers = []config.ProviderProfile{
		{ID: "openai-main", Provider: "openai", APIKey: "sk-test", Priority: 1},
	}
	return cfg
}

func createTestDaemon(t *testing.T, cfg *config.Config, opts ...Option) *Daemon {
	t.Helper()

	log, err := logger.New(logger.Config{Level: "error"})
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	d, err := New(cfg, log, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d
}

func waitMessages(t *testing.T, d *Daemon, id string, done func([]*store.Message) bool) []*store.Message {
	t.Helper()
	var msgs []*store.Message
	require.Eventually(t, func() bool {
		var err error
		msgs, err = d.Store().ListMessages(context.Background(), id)
		return err == nil && done(msgs)
	}, waitFor, 20*time.Millisecond)
	return msgs
}

func hasAssistant(content string) func([]*store.Message) bool {
	return func(msgs []*store.Message) bool {
		for _, m := range msgs {
			if m.Sender == store.SenderAssistant && m.Content == content {
				return true
			}
		}
		return false
	}
}

func TestNew(t *testing.T) {
	d := createTestDaemon(t, testConfig(t), WithProviderFactory(scriptedFactory{}))

	assert.NotNil(t, d.Queue())
	assert.NotNil(t, d.Store())
	assert.NotNil(t, d.Janitor())
	assert.Empty(t, d.StatusServers())

	types := d.Host().WorkflowTypes()
	for _, v := range agent.Variants() {
		assert.Contains(t, types, v.Name)
	}
	assert.Contains(t, types, agent.VariantPrompt)

	names := append(append([]string{}, coretools.TripTools...), coretools.BookingTools...)
	for _, name := range names {
		_, ok := d.Registry().Get(name)
		assert.True(t, ok, name)
	}

	t.Run("should reject an invalid configuration", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Engine.ContinueAsNewHistory = 0
		log, err := logger.New(logger.Config{Level: "error"})
		require.NoError(t, err)
		defer log.Close()

		_, err = New(cfg, log)
		assert.ErrorContains(t, err, "invalid configuration")
	})
}

func TestDaemonStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, WithProviderFactory(scriptedFactory{}))

	assert.False(t, d.Status().Running)
	require.NoError(t, d.Start())
	assert.Error(t, d.Start(), "already running")

	status := d.Status()
	assert.True(t, status.Running)
	assert.False(t, status.StartTime.IsZero())

	pid, err := ReadPID(PIDFile(cfg.DataDir))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.False(t, d.Janitor().Next().IsZero())

	require.NoError(t, d.Stop())
	assert.False(t, d.Status().Running)
	_, err = os.Stat(PIDFile(cfg.DataDir))
	assert.True(t, os.IsNotExist(err))

	assert.Error(t, d.Stop(), "not running")
	assert.ErrorContains(t, d.Start(), "closed")
}

func TestPromptConversation(t *testing.T) {
	openai := providertest.New("openai", providertest.Text("Hello from the prompt"))
	d := createTestDaemon(t, testConfig(t), WithProviderFactory(scriptedFactory{provider.ProviderOpenAI: openai}))

	id, err := d.StartConversation(context.Background(), agent.VariantPrompt, "", "Say hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := d.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCompleted, res.Status)
	assert.Equal(t, "Hello from the prompt", res.Value)
}

func TestChatConversation(t *testing.T) {
	openai := providertest.New("openai", providertest.Streamed("Hel", "lo"))
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg, WithProviderFactory(scriptedFactory{provider.ProviderOpenAI: openai}))

	id, err := d.StartConversation(context.Background(), agent.VariantChat, "chat-1", nil)
	require.NoError(t, err)
	assert.Equal(t, "chat-1", id)

	require.NoError(t, d.Send(context.Background(), id, "hi"))
	msgs := waitMessages(t, d, id, hasAssistant("Hello"))

	assert.Equal(t, store.SenderUser, msgs[0].Sender)
	assert.Equal(t, "hi", msgs[0].Content)
	assert.Equal(t, cfg.Chat.UserName, msgs[0].Name)
	assert.Equal(t, []string{id}, d.Status().Active)

	require.NoError(t, d.Cancel(id))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	res, err := d.Result(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, engine.StatusCancelled, res.Status)

	conv, err := d.Store().GetConversation(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, store.StateClosed, conv.State)
}

func newPokeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/pokemon/pikachu" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":25,"name":"pikachu","height":4,"weight":60,
			"types":[{"type":{"name":"electric"}}],
			"abilities":[{"ability":{"name":"static"}}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestMCPConversation(t *testing.T) {
	api := newPokeAPI(t)
	client, err := mcp.NewInProcess(context.Background(), "pokemon", mcp.NewPokemonServer(api.URL, api.Client()), zerolog.Nop())
	require.NoError(t, err)

	openai := providertest.New("openai",
		providertest.ToolCalls(provider.ToolCall{ID: "call-1", Name: mcp.GetPokemonTool, Input: json.RawMessage(`{"name":"Pikachu"}`)}),
		providertest.Streamed("Pikachu is an electric type."),
	)
	d := createTestDaemon(t, testConfig(t),
		WithProviderFactory(scriptedFactory{provider.ProviderOpenAI: openai}),
		WithMCPClients(client),
	)

	_, ok := d.Registry().Get(mcp.GetPokemonTool)
	require.True(t, ok)

	id, err := d.StartConversation(context.Background(), agent.VariantMCP, "", nil)
	require.NoError(t, err)
	require.NoError(t, d.Send(context.Background(), id, "Tell me about pikachu"))
	waitMessages(t, d, id, hasAssistant("Pikachu is an electric type."))

	tools, err := d.Store().ListTools(context.Background(), id)
	require.NoError(t, err)
	require.Len(t, tools, 1)
	assert.Equal(t, store.ToolOutputAvailable, tools[0].State)
	assert.Contains(t, string(tools[0].Output), "electric")

	reqs := openai.Requests()
	require.NotEmpty(t, reqs)
	require.Len(t, reqs[0].Tools, 1, "only MCP tools are offered")
	assert.Contains(t, reqs[0].Tools, mcp.GetPokemonTool)
}

func TestStatusRouter(t *testing.T) {
	openai := providertest.New("openai", providertest.Text("done"))
	d := createTestDaemon(t, testConfig(t), WithProviderFactory(scriptedFactory{provider.ProviderOpenAI: openai}))

	srv := httptest.NewServer(d.StatusRouter(config.QueueGeneral))
	defer srv.Close()

	t.Run("healthz", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/healthz")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var health Health
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
		assert.Equal(t, "ok", health.Status)
		assert.Equal(t, config.QueueGeneral, health.Queue)
		assert.Contains(t, health.Workflows, agent.VariantSaga)
		assert.Equal(t, 10, health.Stats.Concurrency)
	})

	t.Run("conversation", func(t *testing.T) {
		id, err := d.StartConversation(context.Background(), agent.VariantToolCalling, "tc-1", nil)
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), waitFor)
		defer cancel()
		_, err = d.Result(ctx, id)
		require.NoError(t, err)

		resp, err := http.Get(srv.URL + "/conversations/" + id)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var view ConversationView
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
		assert.Equal(t, id, view.Conversation.ID)
		require.NotEmpty(t, view.Messages)
		assert.Equal(t, store.SenderUser, view.Messages[0].Sender)

		resp, err = http.Get(srv.URL + "/conversations?limit=5")
		require.NoError(t, err)
		defer resp.Body.Close()
		var convs []*store.Conversation
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&convs))
		assert.Len(t, convs, 1)
	})

	t.Run("missing conversation", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/conversations/nope")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("metrics", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/metrics")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestStatusServer(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	srv := NewStatusServer("127.0.0.1", 0, handler, zerolog.Nop())
	require.NoError(t, srv.Start())

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, srv.Stop(ctx))
	require.NoError(t, srv.Stop(ctx))
}
